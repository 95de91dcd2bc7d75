// Package custodyapi exposes the custody service over HTTP. Scanning
// stations and partner portals talk JSON to these endpoints; the handler is
// a thin adapter that maps payloads to service calls and error kinds to
// status codes.
package custodyapi

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"custodycore/internal/core"
	"custodycore/pkg/domain"
)

// Handler provides HTTP access to the custody service.
type Handler struct {
	Service *core.Service
}

// NewHandler constructs the custody HTTP handler.
func NewHandler(service *core.Service) *Handler {
	return &Handler{Service: service}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Service == nil {
		writeError(w, http.StatusInternalServerError, "custody service not configured")
		return
	}

	path := strings.TrimSuffix(r.URL.Path, "/")
	switch {
	case path == "/api/v1/scans":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h.handleScan(w, r)
	case path == "/api/v1/shipments":
		switch r.Method {
		case http.MethodGet:
			h.handleListShipments(w, r)
		case http.MethodPost:
			h.handleCreateShipment(w, r)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	case strings.HasPrefix(path, "/api/v1/shipments/"):
		h.handleShipment(w, r, strings.TrimPrefix(path, "/api/v1/shipments/"))
	default:
		http.NotFound(w, r)
	}
}

func (h *Handler) handleShipment(w http.ResponseWriter, r *http.Request, remainder string) {
	segments := strings.Split(remainder, "/")
	id := segments[0]
	if id == "" {
		http.NotFound(w, r)
		return
	}

	if len(segments) == 1 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		shipment, err := h.Service.GetShipment(r.Context(), id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"shipment": shipment})
		return
	}
	if len(segments) != 2 {
		http.NotFound(w, r)
		return
	}

	switch segments[1] {
	case "containers":
		h.requireGet(w, r, func() (any, error) {
			containers, err := h.Service.ListContainers(r.Context(), id)
			return map[string]any{"containers": containers}, err
		})
	case "scans":
		h.requireGet(w, r, func() (any, error) {
			scans, err := h.Service.ListScans(r.Context(), id)
			return map[string]any{"scans": scans}, err
		})
	case "anchor":
		h.requireGet(w, r, func() (any, error) {
			report, err := h.Service.VerifyAnchor(r.Context(), id)
			return map[string]any{"verification": report}, err
		})
	case "staging":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h.handleStage(w, r, id)
	case "dispatch":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h.handleDispatch(w, r, id)
	case "documents":
		h.handleDocuments(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

func (h *Handler) requireGet(w http.ResponseWriter, r *http.Request, fn func() (any, error)) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	payload, err := fn()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

type scanRequest struct {
	Token  string `json:"token"`
	Wallet string `json:"wallet"`
	Action string `json:"action"`
	Note   string `json:"note,omitempty"`
}

func (h *Handler) handleScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid scan request payload")
		return
	}
	outcome, err := h.Service.RecordScan(r.Context(), core.ScanInput{
		Token:  req.Token,
		Wallet: req.Wallet,
		Action: domain.ScanAction(req.Action),
		Note:   req.Note,
	})
	if err != nil {
		// The rejection entry is part of the contract, so it rides along
		// with the error body when one was written.
		status := statusForError(err)
		body := map[string]any{"error": err.Error(), "kind": string(domain.KindOf(err))}
		if outcome.Event.ID != "" {
			body["scan"] = outcome.Event
		}
		writeJSON(w, status, body)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"scan": outcome.Event, "shipment": outcome.Shipment})
}

type createShipmentRequest struct {
	BatchID              string `json:"batch_id"`
	ProductName          string `json:"product_name"`
	NumberOfContainers   int    `json:"number_of_containers"`
	QuantityPerContainer int    `json:"quantity_per_container"`
	SupplierWallet       string `json:"supplier_wallet"`
	TransporterWallet    string `json:"transporter_wallet,omitempty"`
	WarehouseWallet      string `json:"warehouse_wallet,omitempty"`
	RetailerWallet       string `json:"retailer_wallet,omitempty"`
}

func (h *Handler) handleCreateShipment(w http.ResponseWriter, r *http.Request) {
	var req createShipmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid shipment request payload")
		return
	}
	shipment, err := h.Service.CreateShipment(r.Context(), core.CreateShipmentInput{
		BatchID:              req.BatchID,
		ProductName:          req.ProductName,
		NumberOfContainers:   req.NumberOfContainers,
		QuantityPerContainer: req.QuantityPerContainer,
		SupplierWallet:       req.SupplierWallet,
		TransporterWallet:    req.TransporterWallet,
		WarehouseWallet:      req.WarehouseWallet,
		RetailerWallet:       req.RetailerWallet,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"shipment": shipment})
}

func (h *Handler) handleListShipments(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := core.ShipmentFilter{
		Status: domain.ShipmentStatus(query.Get("status")),
		Wallet: query.Get("wallet"),
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = limit
	}
	if raw := query.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			writeError(w, http.StatusBadRequest, "invalid offset")
			return
		}
		filter.Offset = offset
	}
	shipments := h.Service.ListShipments(r.Context(), filter)
	writeJSON(w, http.StatusOK, map[string]any{"shipments": shipments})
}

type stageRequest struct {
	Wallet            string `json:"wallet"`
	TransporterWallet string `json:"transporter_wallet"`
	RetailerWallet    string `json:"retailer_wallet,omitempty"`
}

func (h *Handler) handleStage(w http.ResponseWriter, r *http.Request, id string) {
	var req stageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid staging request payload")
		return
	}
	shipment, err := h.Service.StageNextLeg(r.Context(), core.StageInput{
		ShipmentID:        id,
		Wallet:            req.Wallet,
		TransporterWallet: req.TransporterWallet,
		RetailerWallet:    req.RetailerWallet,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"shipment": shipment})
}

type dispatchRequest struct {
	Wallet string `json:"wallet"`
}

func (h *Handler) handleDispatch(w http.ResponseWriter, r *http.Request, id string) {
	var req dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid dispatch request payload")
		return
	}
	shipment, err := h.Service.DispatchNextLeg(r.Context(), core.DispatchInput{ShipmentID: id, Wallet: req.Wallet})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"shipment": shipment})
}

type attachDocumentRequest struct {
	Wallet      string `json:"wallet"`
	Name        string `json:"name"`
	ContentType string `json:"content_type,omitempty"`
	// Content is base64-encoded document bytes.
	Content string `json:"content"`
}

func (h *Handler) handleDocuments(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		shipment, err := h.Service.GetShipment(r.Context(), id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		if key := r.URL.Query().Get("key"); key != "" {
			url, err := h.Service.DocumentURL(r.Context(), id, key)
			if err != nil {
				writeDomainError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"url": url})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"documents": shipment.Documents})
	case http.MethodPost:
		var req attachDocumentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid document request payload")
			return
		}
		content, err := base64.StdEncoding.DecodeString(req.Content)
		if err != nil {
			writeError(w, http.StatusBadRequest, "document content must be base64")
			return
		}
		ref, err := h.Service.AttachDocument(r.Context(), core.AttachDocumentInput{
			ShipmentID:  id,
			Wallet:      req.Wallet,
			Name:        req.Name,
			ContentType: req.ContentType,
			Content:     bytes.NewReader(content),
		})
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"document": ref})
	case http.MethodDelete:
		key := r.URL.Query().Get("key")
		wallet := r.URL.Query().Get("wallet")
		if key == "" || wallet == "" {
			writeError(w, http.StatusBadRequest, "key and wallet query parameters required")
			return
		}
		if err := h.Service.RemoveDocument(r.Context(), id, wallet, key); err != nil {
			writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func statusForError(err error) int {
	var ruleErr domain.RuleViolationError
	if errors.As(err, &ruleErr) {
		return http.StatusConflict
	}
	switch domain.KindOf(err) {
	case domain.KindValidation, domain.KindInvalidToken:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindConflict, domain.KindStaleScan, domain.KindForbiddenTransition:
		return http.StatusConflict
	case domain.KindForbiddenActor, domain.KindForbiddenAssignment:
		return http.StatusForbidden
	case domain.KindRetryable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeDomainError(w http.ResponseWriter, err error) {
	writeJSON(w, statusForError(err), map[string]any{"error": err.Error(), "kind": string(domain.KindOf(err))})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
