package domain

import "context"

// Transaction exposes the custody operations a persistence implementation
// must support within an atomic scope. Shipment-level transitions that bundle
// multiple writes (the dispatch edge in particular) rely on this scope being
// all-or-nothing.
type Transaction interface {
	Snapshot() RuleView
	CreateShipment(Shipment) (Shipment, error)
	UpdateShipment(id string, mutator func(*Shipment) error) (Shipment, error)
	CreateContainer(Container) (Container, error)
	UpdateContainer(id string, mutator func(*Container) error) (Container, error)
	// AppendScan inserts an audit entry. There is deliberately no update or
	// delete counterpart; the scan log is append-only.
	AppendScan(ScanEvent) (ScanEvent, error)
	FindShipment(id string) (Shipment, bool)
	FindContainer(id string) (Container, bool)
	ListShipmentContainers(shipmentID string) []Container
	// ChainCursor and SetChainCursor track the last applied on-chain event
	// sequence for the anchor reconciler.
	ChainCursor() uint64
	SetChainCursor(seq uint64)
}

// PersistentStore is a minimal abstraction over durable backends. Reads
// outside a transaction observe the last committed state only, so consumers
// never see a shipment advanced while its containers are mid-reset.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	View(ctx context.Context, fn func(RuleView) error) error
	GetShipment(id string) (Shipment, bool)
	GetContainer(id string) (Container, bool)
	ListShipments() []Shipment
	ListShipmentContainers(shipmentID string) []Container
	ListShipmentScans(shipmentID string) []ScanEvent
	ChainCursor() uint64
}

// ActorDirectory resolves a wallet identity to a role and active flag. Any
// wallet written into an assignment slot must resolve to an ACTIVE actor
// holding exactly the expected role.
type ActorDirectory interface {
	Resolve(ctx context.Context, wallet string) (Actor, error)
}
