package directory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"custodycore/pkg/domain"
)

func TestMemoryRegisterResolveDeactivate(t *testing.T) {
	dir := NewMemory()
	ctx := context.Background()

	dir.Register(domain.Actor{Wallet: "0xabc", Role: domain.RoleTransporter, Active: true})

	actor, err := dir.Resolve(ctx, "0xabc")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if actor.Role != domain.RoleTransporter || !actor.Active {
		t.Fatalf("unexpected actor %+v", actor)
	}

	dir.Deactivate("0xabc")
	actor, err = dir.Resolve(ctx, "0xabc")
	if err != nil {
		t.Fatalf("resolve after deactivate: %v", err)
	}
	if actor.Active {
		t.Fatalf("deactivation not applied")
	}
	if actor.Role != domain.RoleTransporter {
		t.Fatalf("deactivation dropped the role")
	}

	_, err = dir.Resolve(ctx, "0xmissing")
	if !domain.IsKind(err, domain.KindNotFound) {
		t.Fatalf("unknown wallet must be not found, got %v", err)
	}
}

func TestClientResolve(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/actors/0xabc":
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"actor": domain.Actor{Wallet: "0xabc", Role: domain.RoleWarehouse, Active: true},
			})
		case "/actors/0xgone":
			http.Error(w, "no such actor", http.StatusNotFound)
		default:
			http.Error(w, "boom", http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	client := NewClient(srv.URL + "/")
	ctx := context.Background()

	actor, err := client.Resolve(ctx, "0xabc")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if actor.Wallet != "0xabc" || actor.Role != domain.RoleWarehouse || !actor.Active {
		t.Fatalf("unexpected actor %+v", actor)
	}

	if _, err := client.Resolve(ctx, "0xgone"); !domain.IsKind(err, domain.KindNotFound) {
		t.Fatalf("404 must map to not found, got %v", err)
	}

	if _, err := client.Resolve(ctx, "0xerror"); !domain.IsKind(err, domain.KindRetryable) {
		t.Fatalf("500 must map to retryable, got %v", err)
	}
}

func TestClientResolveUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	client := NewClient(srv.URL)
	if _, err := client.Resolve(context.Background(), "0xabc"); !domain.IsKind(err, domain.KindRetryable) {
		t.Fatalf("connection failure must map to retryable, got %v", err)
	}
}
