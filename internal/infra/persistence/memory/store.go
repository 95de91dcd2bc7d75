// Package memory provides the canonical in-memory transactional store for the
// custody ledger. Durable backends reuse it for transaction semantics and
// snapshot the committed state afterwards.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"custodycore/pkg/domain"
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.PersistentStore = (*Store)(nil)

type memoryState struct {
	shipments   map[string]domain.Shipment
	containers  map[string]domain.Container
	scans       []domain.ScanEvent
	chainCursor uint64
}

// Snapshot is the serializable form of the committed state, exchanged with
// durable backends.
type Snapshot struct {
	Shipments   map[string]domain.Shipment  `json:"shipments"`
	Containers  map[string]domain.Container `json:"containers"`
	Scans       []domain.ScanEvent          `json:"scans"`
	ChainCursor uint64                      `json:"chain_cursor"`
}

func newMemoryState() memoryState {
	return memoryState{
		shipments:  make(map[string]domain.Shipment),
		containers: make(map[string]domain.Container),
	}
}

func (s memoryState) clone() memoryState {
	cloned := newMemoryState()
	for k, v := range s.shipments {
		cloned.shipments[k] = cloneShipment(v)
	}
	for k, v := range s.containers {
		cloned.containers[k] = v
	}
	cloned.scans = append([]domain.ScanEvent(nil), s.scans...)
	cloned.chainCursor = s.chainCursor
	return cloned
}

func cloneShipment(sh domain.Shipment) domain.Shipment {
	cp := sh
	cp.AssignedTransporter = cloneStringPtr(sh.AssignedTransporter)
	cp.AssignedWarehouse = cloneStringPtr(sh.AssignedWarehouse)
	cp.AssignedRetailer = cloneStringPtr(sh.AssignedRetailer)
	cp.NextTransporter = cloneStringPtr(sh.NextTransporter)
	if sh.Anchor != nil {
		anchor := *sh.Anchor
		cp.Anchor = &anchor
	}
	cp.StatusHistory = append([]domain.StatusChange(nil), sh.StatusHistory...)
	cp.Documents = append([]domain.DocumentRef(nil), sh.Documents...)
	return cp
}

func cloneStringPtr(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Store provides an in-memory transactional custody store.
type Store struct {
	mu     sync.RWMutex
	state  memoryState
	engine *domain.RulesEngine
	nowFn  func() time.Time
}

// NewStore constructs an in-memory store backed by the provided rules engine.
func NewStore(engine *domain.RulesEngine) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	return &Store{
		state:  newMemoryState(),
		engine: engine,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

// RulesEngine exposes the configured engine for integration points.
func (s *Store) RulesEngine() *domain.RulesEngine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// SetNowFunc overrides the time provider, for tests that need a fixed clock.
func (s *Store) SetNowFunc(fn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn != nil {
		s.nowFn = fn
	}
}

func newScanID() string { return uuid.NewString() }

// transaction represents a mutation set applied to the store state.
type transaction struct {
	store   *Store
	state   memoryState
	changes []domain.Change
	now     time.Time
}

var _ domain.Transaction = (*transaction)(nil)

// transactionView exposes a read-only snapshot of the transactional state.
type transactionView struct {
	state *memoryState
}

var _ domain.RuleView = transactionView{}

func (v transactionView) ListShipments() []domain.Shipment {
	out := make([]domain.Shipment, 0, len(v.state.shipments))
	for _, sh := range v.state.shipments {
		out = append(out, cloneShipment(sh))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (v transactionView) ListContainers() []domain.Container {
	out := make([]domain.Container, 0, len(v.state.containers))
	for _, c := range v.state.containers {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ShipmentID == out[j].ShipmentID {
			return out[i].Ordinal < out[j].Ordinal
		}
		return out[i].ShipmentID < out[j].ShipmentID
	})
	return out
}

func (v transactionView) ListScans() []domain.ScanEvent {
	return append([]domain.ScanEvent(nil), v.state.scans...)
}

func (v transactionView) FindShipment(id string) (domain.Shipment, bool) {
	sh, ok := v.state.shipments[id]
	if !ok {
		return domain.Shipment{}, false
	}
	return cloneShipment(sh), true
}

func (v transactionView) FindContainer(id string) (domain.Container, bool) {
	c, ok := v.state.containers[id]
	return c, ok
}

func (v transactionView) ListShipmentContainers(shipmentID string) []domain.Container {
	var out []domain.Container
	for _, c := range v.state.containers {
		if c.ShipmentID == shipmentID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out
}

// RunInTransaction executes fn within a transactional copy of the store state.
// The change set is evaluated by the rules engine before commit; blocking
// violations abort the whole transaction.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx domain.Transaction) error) (domain.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &transaction{
		store: s,
		state: s.state.clone(),
		now:   s.nowFn(),
	}

	if err := fn(tx); err != nil {
		return domain.Result{}, err
	}

	var result domain.Result
	if s.engine != nil {
		view := transactionView{state: &tx.state}
		res, err := s.engine.Evaluate(ctx, view, tx.changes)
		if err != nil {
			return domain.Result{}, err
		}
		result = res
		if res.HasBlocking() {
			return res, domain.RuleViolationError{Result: res}
		}
	}

	s.state = tx.state
	return result, nil
}

// View executes fn against a read-only snapshot of the committed state.
func (s *Store) View(ctx context.Context, fn func(domain.RuleView) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := s.state.clone()
	return fn(transactionView{state: &snapshot})
}

func (tx *transaction) recordChange(change domain.Change) {
	tx.changes = append(tx.changes, change)
}

func shipmentPayload(sh domain.Shipment) domain.ChangePayload {
	payload, err := domain.NewChangePayloadFromValue(sh)
	if err != nil {
		return domain.UndefinedChangePayload()
	}
	return payload
}

func containerPayload(c domain.Container) domain.ChangePayload {
	payload, err := domain.NewChangePayloadFromValue(c)
	if err != nil {
		return domain.UndefinedChangePayload()
	}
	return payload
}

func scanPayload(ev domain.ScanEvent) domain.ChangePayload {
	payload, err := domain.NewChangePayloadFromValue(ev)
	if err != nil {
		return domain.UndefinedChangePayload()
	}
	return payload
}

// Snapshot exposes the transactional state to callers needing reads mid-transaction.
func (tx *transaction) Snapshot() domain.RuleView {
	return transactionView{state: &tx.state}
}

// CreateShipment stores a new shipment within the transaction. The caller
// supplies the content-derived ID; duplicates are a conflict.
func (tx *transaction) CreateShipment(sh domain.Shipment) (domain.Shipment, error) {
	if sh.ID == "" {
		return domain.Shipment{}, domain.Errorf(domain.KindValidation, "shipment id required")
	}
	if _, exists := tx.state.shipments[sh.ID]; exists {
		return domain.Shipment{}, domain.Errorf(domain.KindConflict, "shipment %s already exists", sh.ID)
	}
	sh.CreatedAt = tx.now
	sh.UpdatedAt = tx.now
	tx.state.shipments[sh.ID] = cloneShipment(sh)
	tx.recordChange(domain.Change{Entity: domain.EntityShipment, Action: domain.ActionCreate, After: shipmentPayload(sh)})
	return cloneShipment(sh), nil
}

// UpdateShipment mutates a shipment using the provided mutator function.
func (tx *transaction) UpdateShipment(id string, mutator func(*domain.Shipment) error) (domain.Shipment, error) {
	current, ok := tx.state.shipments[id]
	if !ok {
		return domain.Shipment{}, domain.Errorf(domain.KindNotFound, "shipment %s not found", id)
	}
	before := cloneShipment(current)
	working := cloneShipment(current)
	if err := mutator(&working); err != nil {
		return domain.Shipment{}, err
	}
	working.ID = id
	working.CreatedAt = current.CreatedAt
	working.UpdatedAt = tx.now
	tx.state.shipments[id] = cloneShipment(working)
	tx.recordChange(domain.Change{Entity: domain.EntityShipment, Action: domain.ActionUpdate, Before: shipmentPayload(before), After: shipmentPayload(working)})
	return cloneShipment(working), nil
}

// CreateContainer stores a container minted together with its shipment.
func (tx *transaction) CreateContainer(c domain.Container) (domain.Container, error) {
	if c.ID == "" {
		return domain.Container{}, domain.Errorf(domain.KindValidation, "container id required")
	}
	if _, exists := tx.state.containers[c.ID]; exists {
		return domain.Container{}, domain.Errorf(domain.KindConflict, "container %s already exists", c.ID)
	}
	c.CreatedAt = tx.now
	c.UpdatedAt = tx.now
	tx.state.containers[c.ID] = c
	tx.recordChange(domain.Change{Entity: domain.EntityContainer, Action: domain.ActionCreate, After: containerPayload(c)})
	return c, nil
}

// UpdateContainer mutates a container sub-state.
func (tx *transaction) UpdateContainer(id string, mutator func(*domain.Container) error) (domain.Container, error) {
	current, ok := tx.state.containers[id]
	if !ok {
		return domain.Container{}, domain.Errorf(domain.KindNotFound, "container %s not found", id)
	}
	before := current
	if err := mutator(&current); err != nil {
		return domain.Container{}, err
	}
	current.ID = id
	current.CreatedAt = before.CreatedAt
	current.UpdatedAt = tx.now
	tx.state.containers[id] = current
	tx.recordChange(domain.Change{Entity: domain.EntityContainer, Action: domain.ActionUpdate, Before: containerPayload(before), After: containerPayload(current)})
	return current, nil
}

// AppendScan inserts an audit entry. Entries are insert-only; there is no
// update or delete path through the transaction interface.
func (tx *transaction) AppendScan(ev domain.ScanEvent) (domain.ScanEvent, error) {
	if ev.ID == "" {
		ev.ID = newScanID()
	}
	for _, existing := range tx.state.scans {
		if existing.ID == ev.ID {
			return domain.ScanEvent{}, domain.Errorf(domain.KindConflict, "scan %s already recorded", ev.ID)
		}
	}
	ev.CreatedAt = tx.now
	ev.UpdatedAt = tx.now
	if ev.ScannedAt.IsZero() {
		ev.ScannedAt = tx.now
	}
	tx.state.scans = append(tx.state.scans, ev)
	tx.recordChange(domain.Change{Entity: domain.EntityScanEvent, Action: domain.ActionCreate, After: scanPayload(ev)})
	return ev, nil
}

func (tx *transaction) FindShipment(id string) (domain.Shipment, bool) {
	sh, ok := tx.state.shipments[id]
	if !ok {
		return domain.Shipment{}, false
	}
	return cloneShipment(sh), true
}

func (tx *transaction) FindContainer(id string) (domain.Container, bool) {
	c, ok := tx.state.containers[id]
	return c, ok
}

func (tx *transaction) ListShipmentContainers(shipmentID string) []domain.Container {
	return transactionView{state: &tx.state}.ListShipmentContainers(shipmentID)
}

func (tx *transaction) ChainCursor() uint64 { return tx.state.chainCursor }

func (tx *transaction) SetChainCursor(seq uint64) { tx.state.chainCursor = seq }

// Read helpers ---------------------------------------------------------------

// GetShipment retrieves a shipment by ID from committed state.
func (s *Store) GetShipment(id string) (domain.Shipment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sh, ok := s.state.shipments[id]
	if !ok {
		return domain.Shipment{}, false
	}
	return cloneShipment(sh), true
}

// GetContainer retrieves a container by ID from committed state.
func (s *Store) GetContainer(id string) (domain.Container, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.state.containers[id]
	return c, ok
}

// ListShipments returns all shipments, ordered by ID.
func (s *Store) ListShipments() []domain.Shipment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return transactionView{state: &s.state}.ListShipments()
}

// ListShipmentContainers returns a shipment's containers in ordinal order.
func (s *Store) ListShipmentContainers(shipmentID string) []domain.Container {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return transactionView{state: &s.state}.ListShipmentContainers(shipmentID)
}

// ListShipmentScans returns a shipment's audit entries in append order.
func (s *Store) ListShipmentScans(shipmentID string) []domain.ScanEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.ScanEvent
	for _, ev := range s.state.scans {
		if ev.ShipmentID == shipmentID {
			out = append(out, ev)
		}
	}
	return out
}

// ChainCursor returns the last applied on-chain event sequence.
func (s *Store) ChainCursor() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.chainCursor
}

// ExportState copies the committed state into a serializable snapshot.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot := Snapshot{
		Shipments:   make(map[string]domain.Shipment, len(s.state.shipments)),
		Containers:  make(map[string]domain.Container, len(s.state.containers)),
		Scans:       append([]domain.ScanEvent(nil), s.state.scans...),
		ChainCursor: s.state.chainCursor,
	}
	for k, v := range s.state.shipments {
		snapshot.Shipments[k] = cloneShipment(v)
	}
	for k, v := range s.state.containers {
		snapshot.Containers[k] = v
	}
	return snapshot
}

// ImportState replaces the store state with the provided snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := newMemoryState()
	for k, v := range snapshot.Shipments {
		state.shipments[k] = cloneShipment(v)
	}
	for k, v := range snapshot.Containers {
		state.containers[k] = v
	}
	state.scans = append([]domain.ScanEvent(nil), snapshot.Scans...)
	state.chainCursor = snapshot.ChainCursor
	s.state = state
}

// String implements fmt.Stringer for debugging convenience.
func (s *Store) String() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fmt.Sprintf("memory.Store{shipments:%d containers:%d scans:%d}", len(s.state.shipments), len(s.state.containers), len(s.state.scans))
}
