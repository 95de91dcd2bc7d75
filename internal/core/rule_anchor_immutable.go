package core

import (
	"context"
	"fmt"
)

// NewAnchorImmutableRule blocks any write that rewrites or removes a recorded
// on-chain anchor, and any change to the identity fields the anchor locks.
func NewAnchorImmutableRule() Rule {
	return anchorImmutableRule{}
}

type anchorImmutableRule struct{}

func (anchorImmutableRule) Name() string { return "anchor_immutable" }

func (r anchorImmutableRule) Evaluate(_ context.Context, _ RuleView, changes []Change) (Result, error) {
	var result Result
	for _, change := range changes {
		if change.Entity != EntityShipment || change.Action != ActionUpdate {
			continue
		}
		before, okB := decodeChangePayload[Shipment](change.Before)
		after, okA := decodeChangePayload[Shipment](change.After)
		if !okB || !okA {
			continue
		}
		if before.BatchID != after.BatchID || before.ProductName != after.ProductName ||
			before.NumberOfContainers != after.NumberOfContainers ||
			before.QuantityPerContainer != after.QuantityPerContainer ||
			before.Supplier != after.Supplier {
			result.Violations = append(result.Violations, blockViolation(r.Name(), EntityShipment, after.ID,
				"anchored identity fields are immutable"))
		}
		if before.Anchor == nil {
			continue
		}
		switch {
		case after.Anchor == nil:
			result.Violations = append(result.Violations, blockViolation(r.Name(), EntityShipment, after.ID,
				"anchor cannot be removed"))
		case after.Anchor.TxRef != before.Anchor.TxRef || after.Anchor.BlockRef != before.Anchor.BlockRef:
			result.Violations = append(result.Violations, blockViolation(r.Name(), EntityShipment, after.ID,
				fmt.Sprintf("anchor %s cannot be rewritten to %s", before.Anchor.TxRef, after.Anchor.TxRef)))
		}
	}
	return result, nil
}
