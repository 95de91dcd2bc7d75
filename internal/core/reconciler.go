package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"custodycore/internal/chain"
	"custodycore/pkg/domain"
	"custodycore/pkg/qrtoken"
)

// Reconciler converges the off-chain projection to the chain. It polls the
// ledger for anchor events past the stored cursor and applies each one
// idempotently: replays of an already applied event are no-ops, and a
// projection lost entirely is rebuilt from the chain identity fields.
type Reconciler struct {
	store    domain.PersistentStore
	ledger   chain.Ledger
	codec    *qrtoken.Codec
	logger   *slog.Logger
	clock    func() time.Time
	interval time.Duration
}

// ReconcilerOption customizes optional reconciler collaborators.
type ReconcilerOption func(*Reconciler)

// WithReconcilerLogger attaches a structured logger.
func WithReconcilerLogger(logger *slog.Logger) ReconcilerOption {
	return func(r *Reconciler) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithReconcilerInterval overrides the polling interval.
func WithReconcilerInterval(interval time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		if interval > 0 {
			r.interval = interval
		}
	}
}

// WithReconcilerClock overrides the time source, for tests.
func WithReconcilerClock(fn func() time.Time) ReconcilerOption {
	return func(r *Reconciler) {
		if fn != nil {
			r.clock = fn
		}
	}
}

// NewReconciler constructs a reconciler polling every 15s by default.
func NewReconciler(store domain.PersistentStore, ledger chain.Ledger, codec *qrtoken.Codec, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		store:    store,
		ledger:   ledger,
		codec:    codec,
		logger:   slog.New(slog.DiscardHandler),
		clock:    func() time.Time { return time.Now().UTC() },
		interval: 15 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run polls until the context is cancelled. Sync failures are logged and
// retried on the next tick; the chain's at-least-once delivery makes that
// safe.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if applied, err := r.Sync(ctx); err != nil {
			r.logger.Warn("anchor sync failed", "error", err)
		} else if applied > 0 {
			r.logger.Info("anchor events applied", "count", applied)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sync applies every chain event past the stored cursor and returns how many
// were applied.
func (r *Reconciler) Sync(ctx context.Context) (int, error) {
	cursor := r.store.ChainCursor()
	events, err := r.ledger.EventsSince(ctx, cursor)
	if err != nil {
		return 0, domain.WrapRetryable("read chain events", err)
	}
	applied := 0
	for _, event := range events {
		if err := r.Apply(ctx, event); err != nil {
			return applied, fmt.Errorf("apply anchor event seq %d: %w", event.Seq, err)
		}
		applied++
	}
	return applied, nil
}

// Apply folds one anchor event into the projection. Only this ordered sweep
// advances the cursor; the synchronous creation path applies its own event
// without touching it, so out-of-order producer sequences are never skipped.
func (r *Reconciler) Apply(ctx context.Context, event chain.AnchorEvent) error {
	return applyAnchorEvent(ctx, r.store, r.codec, r.clock, event, true)
}

// applyAnchorEvent is the idempotent core shared by the reconciler and the
// synchronous creation path. Keyed on (shipment id, tx ref): a replay with
// the recorded tx ref changes nothing, a replay with a different tx ref is a
// conflict the projection refuses to absorb.
func applyAnchorEvent(ctx context.Context, store domain.PersistentStore, codec *qrtoken.Codec, clock func() time.Time, event chain.AnchorEvent, advanceCursor bool) error {
	record := event.Record
	_, err := store.RunInTransaction(ctx, func(tx Transaction) error {
		shipment, ok := tx.FindShipment(record.ShipmentID)
		if !ok {
			rebuilt, err := rebuildProjection(tx, codec, clock, record)
			if err != nil {
				return err
			}
			shipment = rebuilt
		}
		if shipment.Anchor != nil && shipment.Anchor.TxRef != event.TxRef {
			return domain.Errorf(domain.KindConflict, "shipment %s anchored with %s, event carries %s", shipment.ID, shipment.Anchor.TxRef, event.TxRef)
		}
		if shipment.Anchor == nil || shipment.Status == StatusCreated {
			if _, err := tx.UpdateShipment(shipment.ID, func(sh *Shipment) error {
				if sh.Anchor == nil {
					sh.Anchor = &Anchor{TxRef: event.TxRef, BlockRef: event.BlockRef, AnchoredAt: event.RecordedAt}
				}
				if sh.Status == StatusCreated {
					sh.Status = StatusReadyForDispatch
					sh.StatusHistory = append(sh.StatusHistory, StatusChange{
						Status:    StatusReadyForDispatch,
						Leg:       sh.Leg,
						ChangedBy: string(RoleSystem),
						ChangedAt: clock(),
					})
				}
				return nil
			}); err != nil {
				return err
			}
		}
		if advanceCursor && event.Seq > tx.ChainCursor() {
			tx.SetChainCursor(event.Seq)
		}
		return nil
	})
	return err
}

// rebuildProjection re-creates a shipment and its container set from the
// chain identity fields alone. Container ids and scan tokens derive
// deterministically from those fields, so printed QR codes stay valid.
func rebuildProjection(tx Transaction, codec *qrtoken.Codec, clock func() time.Time, record chain.AnchorRecord) (Shipment, error) {
	shipment := Shipment{
		Base:                 Base{ID: record.ShipmentID},
		BatchID:              record.BatchID,
		ProductName:          record.ProductName,
		NumberOfContainers:   record.NumberOfContainers,
		QuantityPerContainer: record.QuantityPerContainer,
		Supplier:             record.Supplier,
		Status:               StatusCreated,
		StatusHistory: []StatusChange{
			{Status: StatusCreated, Leg: 0, ChangedBy: string(RoleSystem), ChangedAt: clock()},
		},
	}
	created, err := tx.CreateShipment(shipment)
	if err != nil {
		return Shipment{}, err
	}
	for ordinal := 1; ordinal <= record.NumberOfContainers; ordinal++ {
		cid := containerID(record.ShipmentID, ordinal)
		token, err := codec.Encode(qrtoken.Claims{ContainerID: cid, ShipmentID: record.ShipmentID, Ordinal: ordinal})
		if err != nil {
			return Shipment{}, err
		}
		if _, err := tx.CreateContainer(Container{
			Base:       Base{ID: cid},
			ShipmentID: record.ShipmentID,
			Ordinal:    ordinal,
			Quantity:   record.QuantityPerContainer,
			QRToken:    token,
			Status:     ContainerReadyForPickup,
		}); err != nil {
			return Shipment{}, err
		}
	}
	return created, nil
}
