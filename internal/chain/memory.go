package chain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"custodycore/pkg/domain"
)

// MemoryLedger is an in-process append-only ledger. It keeps full event
// history so EventsSince can replay from any cursor.
type MemoryLedger struct {
	mu     sync.RWMutex
	events []AnchorEvent
	byID   map[string]int // shipment id -> index into events
	nowFn  func() time.Time
}

var _ Ledger = (*MemoryLedger)(nil)

// NewMemoryLedger constructs an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		byID:  make(map[string]int),
		nowFn: func() time.Time { return time.Now().UTC() },
	}
}

// SetNowFunc overrides the timestamp source, for tests.
func (l *MemoryLedger) SetNowFunc(fn func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if fn != nil {
		l.nowFn = fn
	}
}

// Anchor appends a creation record. A second anchor for the same shipment id
// is a conflict; the chain never rewrites history.
func (l *MemoryLedger) Anchor(_ context.Context, record AnchorRecord) (AnchorEvent, error) {
	if record.ShipmentID == "" {
		return AnchorEvent{}, domain.Errorf(domain.KindValidation, "anchor record requires shipment id")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.byID[record.ShipmentID]; exists {
		return AnchorEvent{}, domain.Errorf(domain.KindConflict, "shipment %s already anchored", record.ShipmentID)
	}
	seq := uint64(len(l.events) + 1)
	ev := AnchorEvent{
		Seq:        seq,
		TxRef:      txRef(seq, record.ShipmentID),
		BlockRef:   fmt.Sprintf("blk-%06d", seq),
		Record:     record,
		RecordedAt: l.nowFn(),
	}
	l.events = append(l.events, ev)
	l.byID[record.ShipmentID] = len(l.events) - 1
	return ev, nil
}

// Get returns the anchor event for the shipment, if any.
func (l *MemoryLedger) Get(_ context.Context, shipmentID string) (AnchorEvent, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	idx, ok := l.byID[shipmentID]
	if !ok {
		return AnchorEvent{}, false, nil
	}
	return l.events[idx], true, nil
}

// EventsSince replays events after the cursor in sequence order.
func (l *MemoryLedger) EventsSince(_ context.Context, seq uint64) ([]AnchorEvent, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []AnchorEvent
	for _, ev := range l.events {
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out, nil
}

func txRef(seq uint64, shipmentID string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d|%s", seq, shipmentID)))
	return "0x" + hex.EncodeToString(sum[:16])
}
