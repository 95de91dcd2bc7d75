// Package chain defines the append-only blockchain ledger contract that
// anchors shipment identity, plus an in-process implementation used for
// development and tests. The ledger is the authoritative source of anchored
// identity fields; the off-chain projection converges to it via the
// reconciler.
package chain

import (
	"context"
	"time"
)

// AnchorRecord carries the immutable identity fields locked on chain at
// shipment creation.
type AnchorRecord struct {
	ShipmentID           string `json:"shipment_id"`
	BatchID              string `json:"batch_id"`
	ProductName          string `json:"product_name"`
	NumberOfContainers   int    `json:"number_of_containers"`
	QuantityPerContainer int    `json:"quantity_per_container"`
	Supplier             string `json:"supplier"`
}

// AnchorEvent is one ledger entry. Seq is a dense, monotonically increasing
// position used as the reconciler's cursor.
type AnchorEvent struct {
	Seq        uint64       `json:"seq"`
	TxRef      string       `json:"tx_ref"`
	BlockRef   string       `json:"block_ref"`
	Record     AnchorRecord `json:"record"`
	RecordedAt time.Time    `json:"recorded_at"`
}

// Ledger is the chain-side collaborator. Appends are immutable; delivery of
// events is at-least-once, so consumers must tolerate replays.
type Ledger interface {
	// Anchor appends a creation/lock record and returns the resulting event.
	// Anchoring an already-anchored shipment id fails; the chain is not
	// compensable.
	Anchor(ctx context.Context, record AnchorRecord) (AnchorEvent, error)
	// Get returns the anchor event for a shipment, if one exists. It backs
	// the fallback read path when the off-chain projection is suspected stale.
	Get(ctx context.Context, shipmentID string) (AnchorEvent, bool, error)
	// EventsSince returns all events with Seq greater than the cursor, in
	// sequence order.
	EventsSince(ctx context.Context, seq uint64) ([]AnchorEvent, error)
}
