// Command custodycored runs the custody tracking service: the HTTP API for
// scanning stations and partner portals, plus the anchor reconciler that
// keeps the off-chain projection converged with the chain.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"custodycore/docs/api"
	"custodycore/internal/adapters/custodyapi"
	"custodycore/internal/blob"
	"custodycore/internal/chain"
	"custodycore/internal/core"
	"custodycore/internal/directory"
	"custodycore/pkg/domain"
	"custodycore/pkg/qrtoken"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	if err := run(logger); err != nil {
		logger.Error("custodycored exited", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	secret := os.Getenv("CUSTODYCORE_QR_SECRET")
	if secret == "" {
		return errors.New("CUSTODYCORE_QR_SECRET required")
	}
	codec, err := qrtoken.New([]byte(secret))
	if err != nil {
		return err
	}

	store, err := core.OpenPersistentStore(core.NewCustodyRulesEngine())
	if err != nil {
		return err
	}

	documents, err := blob.Open(ctx)
	if err != nil {
		return err
	}

	var actors domain.ActorDirectory
	if url := os.Getenv("CUSTODYCORE_DIRECTORY_URL"); url != "" {
		actors = directory.NewClient(url)
	} else {
		logger.Warn("no actor directory configured, using empty in-process registry")
		actors = directory.NewMemory()
	}

	ledger := chain.NewMemoryLedger()

	registry := prometheus.NewRegistry()
	service := core.NewService(store, actors, ledger, documents, codec,
		core.WithLogger(logger),
		core.WithMetricsRecorder(core.NewPrometheusMetricsRecorder(registry)),
	)

	reconcilerOpts := []core.ReconcilerOption{core.WithReconcilerLogger(logger)}
	if raw := os.Getenv("CUSTODYCORE_RECONCILE_INTERVAL"); raw != "" {
		interval, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("parse CUSTODYCORE_RECONCILE_INTERVAL: %w", err)
		}
		reconcilerOpts = append(reconcilerOpts, core.WithReconcilerInterval(interval))
	}
	reconciler := core.NewReconciler(store, ledger, codec, reconcilerOpts...)
	go func() {
		if err := reconciler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("reconciler stopped", "error", err)
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/api/v1/", custodyapi.NewHandler(service))
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/openapi.yaml", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/yaml")
		_, _ = w.Write(apidocs.Spec())
	})

	addr := os.Getenv("CUSTODYCORE_HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("custodycored listening", "addr", addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger.Info("shutting down")
	return server.Shutdown(shutdownCtx)
}
