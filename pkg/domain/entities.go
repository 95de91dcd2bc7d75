// Package domain defines the core persistent entities, value types, and
// rule evaluation primitives used by custodycore.
package domain

import "time"

// EntityType identifies the type of record stored in the custody ledger.
type EntityType string

// Supported entity type identifiers used in Change records and persistence buckets.
const (
	// EntityShipment identifies a shipment aggregate record.
	EntityShipment EntityType = "shipment"
	// EntityContainer identifies a container record owned by a shipment.
	EntityContainer EntityType = "container"
	// EntityScanEvent identifies an append-only scan log entry.
	EntityScanEvent EntityType = "scan_event"
)

// ShipmentStatus enumerates the shipment-level custody states.
type ShipmentStatus string

// Canonical shipment statuses. The ready_for_dispatch, in_transit, and
// at_warehouse states recur across legs; the Leg counter on the shipment
// distinguishes revisits in history.
const (
	ShipmentStatusCreated          ShipmentStatus = "created"
	ShipmentStatusReadyForDispatch ShipmentStatus = "ready_for_dispatch"
	ShipmentStatusInTransit        ShipmentStatus = "in_transit"
	ShipmentStatusAtWarehouse      ShipmentStatus = "at_warehouse"
	ShipmentStatusDelivered        ShipmentStatus = "delivered"
)

// ContainerStatus enumerates per-container sub-states. Containers advance
// strictly ahead of their shipment: container-level truth drives the
// shipment-level status.
type ContainerStatus string

// Canonical container sub-states in custody order.
const (
	ContainerStatusReadyForPickup ContainerStatus = "ready_for_pickup"
	ContainerStatusPickedUp       ContainerStatus = "picked_up"
	ContainerStatusReceived       ContainerStatus = "received"
	ContainerStatusDelivered      ContainerStatus = "delivered"
)

// containerRank orders sub-states so that a later state satisfies quorum
// checks against an earlier one.
var containerRank = map[ContainerStatus]int{
	ContainerStatusReadyForPickup: 0,
	ContainerStatusPickedUp:       1,
	ContainerStatusReceived:       2,
	ContainerStatusDelivered:      3,
}

// Rank returns the custody ordering of the sub-state, or -1 when unknown.
func (s ContainerStatus) Rank() int {
	if r, ok := containerRank[s]; ok {
		return r
	}
	return -1
}

// AtLeast reports whether the sub-state equals or supersedes target.
func (s ContainerStatus) AtLeast(target ContainerStatus) bool {
	return s.Rank() >= 0 && target.Rank() >= 0 && s.Rank() >= target.Rank()
}

// Role identifies a handling party class resolved from the actor directory.
type Role string

// Handling party roles along the fixed custody chain.
const (
	RoleSupplier    Role = "supplier"
	RoleTransporter Role = "transporter"
	RoleWarehouse   Role = "warehouse"
	RoleRetailer    Role = "retailer"
	// RoleSystem marks transitions applied by the reconciler rather than a scan.
	RoleSystem Role = "system"
)

// ScanAction enumerates the actions a QR scan may request.
type ScanAction string

// Scan actions. PICKUP, RECEIVE, and DELIVER mutate container sub-state;
// HANDOVER and VERIFY are audit-only attestations.
const (
	ScanActionPickup   ScanAction = "pickup"
	ScanActionReceive  ScanAction = "receive"
	ScanActionHandover ScanAction = "handover"
	ScanActionDeliver  ScanAction = "deliver"
	ScanActionVerify   ScanAction = "verify"
)

// ScanResult records the outcome of a scan attempt.
type ScanResult string

// Scan outcomes persisted in the audit log.
const (
	ScanResultAccepted ScanResult = "accepted"
	ScanResultRejected ScanResult = "rejected"
)

// Severity captures rule outcomes.
type Severity string

// Rule evaluation severities determine commit behavior and logging.
const (
	// SeverityBlock blocks transaction commit.
	SeverityBlock Severity = "block"
	// SeverityWarn logs a warning but allows commit.
	SeverityWarn Severity = "warn"
	SeverityLog  Severity = "log"
)

// Base contains common fields for all domain records.
type Base struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Anchor is the immutable on-chain creation record reference. It is set at
// most once per shipment.
type Anchor struct {
	TxRef      string    `json:"tx_ref"`
	BlockRef   string    `json:"block_ref"`
	AnchoredAt time.Time `json:"anchored_at"`
}

// StatusChange is one entry of the append-only shipment status history.
type StatusChange struct {
	Status    ShipmentStatus `json:"status"`
	Leg       int            `json:"leg"`
	ChangedBy string         `json:"changed_by"`
	ChangedAt time.Time      `json:"changed_at"`
	Note      string         `json:"note,omitempty"`
}

// DocumentRef points at an attachment held in the document store. The ledger
// keeps references only, never content.
type DocumentRef struct {
	Key         string    `json:"key"`
	Name        string    `json:"name"`
	ContentType string    `json:"content_type"`
	AddedBy     string    `json:"added_by"`
	AddedAt     time.Time `json:"added_at"`
}

// Shipment is the aggregate root for one tracked batch of goods. Its ID is
// content-derived at creation and immutable once minted.
type Shipment struct {
	Base
	BatchID              string `json:"batch_id"`
	ProductName          string `json:"product_name"`
	NumberOfContainers   int    `json:"number_of_containers"`
	QuantityPerContainer int    `json:"quantity_per_container"`
	Supplier             string `json:"supplier"`

	Status ShipmentStatus `json:"status"`
	// Leg counts custody hops; the dispatch edge increments it so that a
	// second ready_for_dispatch is distinguishable from the first.
	Leg int `json:"leg"`

	AssignedTransporter *string `json:"assigned_transporter"`
	AssignedWarehouse   *string `json:"assigned_warehouse"`
	AssignedRetailer    *string `json:"assigned_retailer"`
	// NextTransporter is the staging slot used only during the
	// warehouse-to-retailer handoff; dispatch promotes it and clears it.
	NextTransporter *string `json:"next_transporter"`

	Anchor        *Anchor        `json:"anchor"`
	StatusHistory []StatusChange `json:"status_history"`
	Documents     []DocumentRef  `json:"documents"`
}

// TotalQuantity is always derived, never stored and trusted independently.
func (s Shipment) TotalQuantity() int {
	return s.NumberOfContainers * s.QuantityPerContainer
}

// Anchored reports whether the on-chain anchor has been recorded.
func (s Shipment) Anchored() bool { return s.Anchor != nil }

// Container is one physical sub-unit of a shipment, individually scanned.
// The container set is minted atomically with the shipment and never changes.
type Container struct {
	Base
	ShipmentID string `json:"shipment_id"`
	// Ordinal is dense in [1, NumberOfContainers] and fixed at creation.
	Ordinal  int             `json:"ordinal"`
	Quantity int             `json:"quantity"`
	QRToken  string          `json:"qr_token"`
	Status   ContainerStatus `json:"status"`
	Leg      int             `json:"leg"`
}

// ScanEvent is one immutable audit entry. Every scan attempt, accepted or
// rejected, produces exactly one entry; entries are never updated or deleted.
type ScanEvent struct {
	Base
	ActorWallet string     `json:"actor_wallet"`
	ActorRole   Role       `json:"actor_role"`
	Action      ScanAction `json:"action"`
	ContainerID string     `json:"container_id"`
	ShipmentID  string     `json:"shipment_id"`
	Result      ScanResult `json:"result"`
	// Reason names the rejection kind when Result is rejected.
	Reason string `json:"reason,omitempty"`
	// Note carries a free-text exception note attached by the scanning actor.
	Note      string    `json:"note,omitempty"`
	TxRef     string    `json:"tx_ref,omitempty"`
	ScannedAt time.Time `json:"scanned_at"`
}

// Actor is a wallet identity resolved through the actor directory.
type Actor struct {
	Wallet string `json:"wallet"`
	Role   Role   `json:"role"`
	Active bool   `json:"active"`
}
