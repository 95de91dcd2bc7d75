package custodyapi

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"custodycore/internal/blob"
	"custodycore/internal/chain"
	"custodycore/internal/core"
	"custodycore/internal/directory"
	"custodycore/internal/infra/persistence/memory"
	"custodycore/pkg/domain"
	"custodycore/pkg/qrtoken"
)

const (
	walletSupplier    = "0xsupplier"
	walletTransporter = "0xtransporter"
	walletWarehouse   = "0xwarehouse"
	walletRetailer    = "0xretailer"
)

func newTestHandler(t *testing.T) (*Handler, *memory.Store) {
	t.Helper()
	codec, err := qrtoken.New([]byte("test-secret"))
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	store := memory.NewStore(core.NewCustodyRulesEngine())
	actors := directory.NewMemory()
	actors.Register(domain.Actor{Wallet: walletSupplier, Role: domain.RoleSupplier, Active: true})
	actors.Register(domain.Actor{Wallet: walletTransporter, Role: domain.RoleTransporter, Active: true})
	actors.Register(domain.Actor{Wallet: walletWarehouse, Role: domain.RoleWarehouse, Active: true})
	actors.Register(domain.Actor{Wallet: walletRetailer, Role: domain.RoleRetailer, Active: true})
	service := core.NewService(store, actors, chain.NewMemoryLedger(), blob.NewMemoryStore(), codec)
	return NewHandler(service), store
}

func doJSON(t *testing.T, h http.Handler, method, target string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, body)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func createTestShipment(t *testing.T, h *Handler) domain.Shipment {
	t.Helper()
	rec := doJSON(t, h, http.MethodPost, "/api/v1/shipments", map[string]any{
		"batch_id":               "B-2001",
		"product_name":           "Avocados",
		"number_of_containers":   2,
		"quantity_per_container": 12,
		"supplier_wallet":        walletSupplier,
		"transporter_wallet":     walletTransporter,
		"warehouse_wallet":       walletWarehouse,
		"retailer_wallet":        walletRetailer,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create shipment: status %d body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Shipment domain.Shipment `json:"shipment"`
	}
	decodeBody(t, rec, &resp)
	return resp.Shipment
}

func TestCreateAndFetchShipment(t *testing.T) {
	h, store := newTestHandler(t)
	sh := createTestShipment(t, h)

	if sh.Status != domain.ShipmentStatusReadyForDispatch {
		t.Fatalf("created shipment status %s", sh.Status)
	}
	if sh.Anchor == nil {
		t.Fatalf("created shipment not anchored")
	}

	rec := doJSON(t, h, http.MethodGet, "/api/v1/shipments/"+sh.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get shipment: status %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/v1/shipments/"+sh.ID+"/containers", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list containers: status %d", rec.Code)
	}
	var containersResp struct {
		Containers []domain.Container `json:"containers"`
	}
	decodeBody(t, rec, &containersResp)
	if len(containersResp.Containers) != 2 {
		t.Fatalf("expected 2 containers, got %d", len(containersResp.Containers))
	}

	if got := len(store.ListShipmentContainers(sh.ID)); got != 2 {
		t.Fatalf("store has %d containers", got)
	}
}

func TestCreateShipmentValidationAndConflict(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doJSON(t, h, http.MethodPost, "/api/v1/shipments", map[string]any{
		"batch_id": "B-2001",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("incomplete request: status %d", rec.Code)
	}

	createTestShipment(t, h)
	rec = doJSON(t, h, http.MethodPost, "/api/v1/shipments", map[string]any{
		"batch_id":               "B-2001",
		"product_name":           "Avocados",
		"number_of_containers":   2,
		"quantity_per_container": 12,
		"supplier_wallet":        walletSupplier,
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate create: status %d body %s", rec.Code, rec.Body.String())
	}
	var errResp struct {
		Kind string `json:"kind"`
	}
	decodeBody(t, rec, &errResp)
	if errResp.Kind != string(domain.KindConflict) {
		t.Fatalf("error kind %q", errResp.Kind)
	}
}

func TestScanEndpointAcceptsAndRejects(t *testing.T) {
	h, store := newTestHandler(t)
	sh := createTestShipment(t, h)
	containers := store.ListShipmentContainers(sh.ID)

	for i, c := range containers {
		rec := doJSON(t, h, http.MethodPost, "/api/v1/scans", map[string]any{
			"token":  c.QRToken,
			"wallet": walletTransporter,
			"action": "pickup",
		})
		if rec.Code != http.StatusCreated {
			t.Fatalf("pickup %d: status %d body %s", i, rec.Code, rec.Body.String())
		}
	}
	updated, _ := store.GetShipment(sh.ID)
	if updated.Status != domain.ShipmentStatusInTransit {
		t.Fatalf("shipment after full pickup is %s", updated.Status)
	}

	// The wrong role is refused but the attempt is still auditable.
	rec := doJSON(t, h, http.MethodPost, "/api/v1/scans", map[string]any{
		"token":  containers[0].QRToken,
		"wallet": walletRetailer,
		"action": "receive",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("wrong role scan: status %d body %s", rec.Code, rec.Body.String())
	}
	var rejected struct {
		Kind string           `json:"kind"`
		Scan domain.ScanEvent `json:"scan"`
	}
	decodeBody(t, rec, &rejected)
	if rejected.Kind != string(domain.KindForbiddenActor) {
		t.Fatalf("error kind %q", rejected.Kind)
	}
	if rejected.Scan.Result != domain.ScanResultRejected {
		t.Fatalf("rejection entry missing from error body: %+v", rejected.Scan)
	}

	rec = doJSON(t, h, http.MethodPost, "/api/v1/scans", map[string]any{
		"token":  "cq1.not.real",
		"wallet": walletTransporter,
		"action": "pickup",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("garbage token: status %d", rec.Code)
	}
}

func TestStagingAndDispatchEndpoints(t *testing.T) {
	h, store := newTestHandler(t)
	sh := createTestShipment(t, h)
	containers := store.ListShipmentContainers(sh.ID)

	for _, c := range containers {
		doJSON(t, h, http.MethodPost, "/api/v1/scans", map[string]any{"token": c.QRToken, "wallet": walletTransporter, "action": "pickup"})
	}
	for _, c := range containers {
		doJSON(t, h, http.MethodPost, "/api/v1/scans", map[string]any{"token": c.QRToken, "wallet": walletWarehouse, "action": "receive"})
	}
	current, _ := store.GetShipment(sh.ID)
	if current.Status != domain.ShipmentStatusAtWarehouse {
		t.Fatalf("setup: shipment is %s", current.Status)
	}

	// Dispatch without staging first.
	rec := doJSON(t, h, http.MethodPost, fmt.Sprintf("/api/v1/shipments/%s/dispatch", sh.ID), map[string]any{"wallet": walletWarehouse})
	if rec.Code != http.StatusConflict {
		t.Fatalf("unstaged dispatch: status %d body %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodPost, fmt.Sprintf("/api/v1/shipments/%s/staging", sh.ID), map[string]any{
		"wallet":             walletWarehouse,
		"transporter_wallet": walletTransporter,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("staging: status %d body %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodPost, fmt.Sprintf("/api/v1/shipments/%s/dispatch", sh.ID), map[string]any{"wallet": walletWarehouse})
	if rec.Code != http.StatusOK {
		t.Fatalf("dispatch: status %d body %s", rec.Code, rec.Body.String())
	}
	var dispatched struct {
		Shipment domain.Shipment `json:"shipment"`
	}
	decodeBody(t, rec, &dispatched)
	if dispatched.Shipment.Status != domain.ShipmentStatusReadyForDispatch || dispatched.Shipment.Leg != 1 {
		t.Fatalf("dispatched shipment %s leg %d", dispatched.Shipment.Status, dispatched.Shipment.Leg)
	}
}

func TestListShipmentsQuery(t *testing.T) {
	h, _ := newTestHandler(t)
	createTestShipment(t, h)

	rec := doJSON(t, h, http.MethodGet, "/api/v1/shipments?status=ready_for_dispatch&wallet="+walletSupplier, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status %d", rec.Code)
	}
	var resp struct {
		Shipments []domain.Shipment `json:"shipments"`
	}
	decodeBody(t, rec, &resp)
	if len(resp.Shipments) != 1 {
		t.Fatalf("expected 1 shipment, got %d", len(resp.Shipments))
	}

	rec = doJSON(t, h, http.MethodGet, "/api/v1/shipments?limit=banana", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit: status %d", rec.Code)
	}
}

func TestDocumentsEndpoints(t *testing.T) {
	h, _ := newTestHandler(t)
	sh := createTestShipment(t, h)
	base := fmt.Sprintf("/api/v1/shipments/%s/documents", sh.ID)

	rec := doJSON(t, h, http.MethodPost, base, map[string]any{
		"wallet":       walletSupplier,
		"name":         "origin-cert.pdf",
		"content_type": "application/pdf",
		"content":      base64.StdEncoding.EncodeToString([]byte("certificate body")),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("attach: status %d body %s", rec.Code, rec.Body.String())
	}
	var attached struct {
		Document domain.DocumentRef `json:"document"`
	}
	decodeBody(t, rec, &attached)
	if !strings.HasSuffix(attached.Document.Key, "-origin-cert.pdf") {
		t.Fatalf("document key %q", attached.Document.Key)
	}

	rec = doJSON(t, h, http.MethodGet, base, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list documents: status %d", rec.Code)
	}
	var listed struct {
		Documents []domain.DocumentRef `json:"documents"`
	}
	decodeBody(t, rec, &listed)
	if len(listed.Documents) != 1 {
		t.Fatalf("expected 1 document, got %d", len(listed.Documents))
	}

	rec = doJSON(t, h, http.MethodPost, base, map[string]any{
		"wallet":  walletSupplier,
		"name":    "bad.bin",
		"content": "not base64 !!!",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad base64: status %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodDelete, base+"?key="+attached.Document.Key+"&wallet="+walletSupplier, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("remove: status %d body %s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, h, http.MethodDelete, base+"?key="+attached.Document.Key+"&wallet="+walletSupplier, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second remove: status %d", rec.Code)
	}
}

func TestMethodAndPathErrors(t *testing.T) {
	h, _ := newTestHandler(t)
	sh := createTestShipment(t, h)

	cases := []struct {
		method string
		target string
		status int
	}{
		{http.MethodDelete, "/api/v1/shipments", http.StatusMethodNotAllowed},
		{http.MethodGet, "/api/v1/scans", http.StatusMethodNotAllowed},
		{http.MethodPost, "/api/v1/shipments/" + sh.ID, http.StatusMethodNotAllowed},
		{http.MethodGet, "/api/v1/shipments/missing", http.StatusNotFound},
		{http.MethodGet, "/api/v1/shipments/" + sh.ID + "/unknown", http.StatusNotFound},
		{http.MethodGet, "/api/v1/other", http.StatusNotFound},
	}
	for _, tc := range cases {
		rec := doJSON(t, h, tc.method, tc.target, map[string]any{})
		if rec.Code != tc.status {
			t.Fatalf("%s %s: status %d, want %d", tc.method, tc.target, rec.Code, tc.status)
		}
	}
}

func TestAnchorVerificationEndpoint(t *testing.T) {
	h, _ := newTestHandler(t)
	sh := createTestShipment(t, h)

	rec := doJSON(t, h, http.MethodGet, "/api/v1/shipments/"+sh.ID+"/anchor", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("verify anchor: status %d body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Verification core.AnchorVerification `json:"verification"`
	}
	decodeBody(t, rec, &resp)
	if !resp.Verification.OnChain || !resp.Verification.Consistent {
		t.Fatalf("anchor verification %+v", resp.Verification)
	}
}
