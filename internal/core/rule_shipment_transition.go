package core

import (
	"context"
	"fmt"

	"custodycore/pkg/domain"
)

// NewShipmentTransitionRule blocks shipment status changes that do not follow
// an edge of the custody graph, fire before their container quorum is met, or
// manipulate the leg counter outside the dispatch edge.
func NewShipmentTransitionRule() Rule {
	return shipmentTransitionRule{}
}

type shipmentTransitionRule struct{}

func (shipmentTransitionRule) Name() string { return "shipment_transition" }

func (r shipmentTransitionRule) Evaluate(_ context.Context, view RuleView, changes []Change) (Result, error) {
	var result Result
	for _, change := range changes {
		if change.Entity != EntityShipment {
			continue
		}
		switch change.Action {
		case ActionCreate:
			after, ok := decodeChangePayload[Shipment](change.After)
			if !ok {
				continue
			}
			if after.Status != StatusCreated {
				result.Violations = append(result.Violations, blockViolation(r.Name(), EntityShipment, after.ID,
					fmt.Sprintf("shipment must enter the ledger as %s, got %s", StatusCreated, after.Status)))
			}
		case ActionUpdate:
			before, okB := decodeChangePayload[Shipment](change.Before)
			after, okA := decodeChangePayload[Shipment](change.After)
			if !okB || !okA {
				continue
			}
			result.Merge(r.checkUpdate(view, before, after))
		case ActionDelete:
			before, _ := decodeChangePayload[Shipment](change.Before)
			result.Violations = append(result.Violations, blockViolation(r.Name(), EntityShipment, before.ID,
				"shipments are never deleted"))
		}
	}
	return result, nil
}

func (r shipmentTransitionRule) checkUpdate(view RuleView, before, after Shipment) Result {
	var result Result
	if after.Status == before.Status {
		if after.Leg != before.Leg {
			result.Violations = append(result.Violations, blockViolation(r.Name(), EntityShipment, after.ID,
				"leg counter changed without a dispatch"))
		}
		return result
	}
	spec, ok := TransitionSpec(before.Status, after.Status)
	if !ok {
		result.Violations = append(result.Violations, blockViolation(r.Name(), EntityShipment, after.ID,
			fmt.Sprintf("no custody edge %s -> %s", before.Status, after.Status)))
		return result
	}
	containers := view.ListShipmentContainers(after.ID)
	if spec.Quorum != "" && !QuorumMet(containers, spec.Quorum) {
		result.Violations = append(result.Violations, blockViolation(r.Name(), EntityShipment, after.ID,
			fmt.Sprintf("edge %s -> %s requires every container at least %s", before.Status, after.Status, spec.Quorum)))
	}
	wantLeg := before.Leg
	if spec.ResetsContainers {
		wantLeg = before.Leg + 1
		for _, c := range containers {
			if c.Status != ContainerReadyForPickup || c.Leg != wantLeg {
				result.Violations = append(result.Violations, blockViolation(r.Name(), EntityContainer, c.ID,
					"dispatch must reset every container for the new leg"))
			}
		}
	}
	if after.Leg != wantLeg {
		result.Violations = append(result.Violations, blockViolation(r.Name(), EntityShipment, after.ID,
			fmt.Sprintf("edge %s -> %s expects leg %d, got %d", before.Status, after.Status, wantLeg, after.Leg)))
	}
	if len(after.StatusHistory) != len(before.StatusHistory)+1 {
		result.Violations = append(result.Violations, blockViolation(r.Name(), EntityShipment, after.ID,
			"status change must append exactly one history entry"))
	}
	return result
}

var _ domain.Rule = shipmentTransitionRule{}
