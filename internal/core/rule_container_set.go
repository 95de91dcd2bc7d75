package core

import (
	"context"
	"fmt"
)

// NewContainerSetRule enforces that a shipment's container set is minted
// atomically with the shipment and stays fixed afterwards: dense ordinals,
// immutable identity fields, and sub-state moves that only step forward or
// reset on dispatch.
func NewContainerSetRule() Rule {
	return containerSetRule{}
}

type containerSetRule struct{}

func (containerSetRule) Name() string { return "container_set_fixed" }

func (r containerSetRule) Evaluate(_ context.Context, view RuleView, changes []Change) (Result, error) {
	var result Result
	createdShipments := make(map[string]Shipment)
	for _, change := range changes {
		if change.Entity == EntityShipment && change.Action == ActionCreate {
			if sh, ok := decodeChangePayload[Shipment](change.After); ok {
				createdShipments[sh.ID] = sh
			}
		}
	}
	for _, change := range changes {
		if change.Entity != EntityContainer {
			continue
		}
		switch change.Action {
		case ActionCreate:
			after, ok := decodeChangePayload[Container](change.After)
			if !ok {
				continue
			}
			if _, minted := createdShipments[after.ShipmentID]; !minted {
				result.Violations = append(result.Violations, blockViolation(r.Name(), EntityContainer, after.ID,
					fmt.Sprintf("container set of shipment %s is fixed at creation", after.ShipmentID)))
			}
		case ActionUpdate:
			before, okB := decodeChangePayload[Container](change.Before)
			after, okA := decodeChangePayload[Container](change.After)
			if !okB || !okA {
				continue
			}
			result.Merge(r.checkUpdate(before, after))
		case ActionDelete:
			before, _ := decodeChangePayload[Container](change.Before)
			result.Violations = append(result.Violations, blockViolation(r.Name(), EntityContainer, before.ID,
				"containers are never deleted"))
		}
	}
	for id, sh := range createdShipments {
		result.Merge(r.checkMintedSet(view, id, sh))
	}
	return result, nil
}

func (r containerSetRule) checkMintedSet(view RuleView, id string, sh Shipment) Result {
	var result Result
	containers := view.ListShipmentContainers(id)
	if len(containers) != sh.NumberOfContainers {
		result.Violations = append(result.Violations, blockViolation(r.Name(), EntityShipment, id,
			fmt.Sprintf("shipment declares %d containers, found %d", sh.NumberOfContainers, len(containers))))
		return result
	}
	seenTokens := make(map[string]struct{}, len(containers))
	for i, c := range containers {
		if c.Ordinal != i+1 {
			result.Violations = append(result.Violations, blockViolation(r.Name(), EntityContainer, c.ID,
				fmt.Sprintf("container ordinals must be dense 1..%d", sh.NumberOfContainers)))
		}
		if c.Quantity != sh.QuantityPerContainer {
			result.Violations = append(result.Violations, blockViolation(r.Name(), EntityContainer, c.ID,
				fmt.Sprintf("container quantity %d diverges from shipment's %d", c.Quantity, sh.QuantityPerContainer)))
		}
		if c.Status != ContainerReadyForPickup {
			result.Violations = append(result.Violations, blockViolation(r.Name(), EntityContainer, c.ID,
				"containers must be minted ready_for_pickup"))
		}
		if c.QRToken == "" {
			result.Violations = append(result.Violations, blockViolation(r.Name(), EntityContainer, c.ID,
				"container minted without a scan token"))
		} else if _, dup := seenTokens[c.QRToken]; dup {
			result.Violations = append(result.Violations, blockViolation(r.Name(), EntityContainer, c.ID,
				"duplicate scan token in container set"))
		}
		seenTokens[c.QRToken] = struct{}{}
	}
	return result
}

func (r containerSetRule) checkUpdate(before, after Container) Result {
	var result Result
	if after.ShipmentID != before.ShipmentID || after.Ordinal != before.Ordinal ||
		after.Quantity != before.Quantity || after.QRToken != before.QRToken {
		result.Violations = append(result.Violations, blockViolation(r.Name(), EntityContainer, after.ID,
			"container identity fields are immutable"))
		return result
	}
	if after.Status == before.Status && after.Leg == before.Leg {
		return result
	}
	switch {
	// Forward custody step within the current leg.
	case after.Status.Rank() == before.Status.Rank()+1 && after.Leg == before.Leg:
	// Dispatch reset for the next leg.
	case after.Status == ContainerReadyForPickup && after.Leg == before.Leg+1:
	default:
		result.Violations = append(result.Violations, blockViolation(r.Name(), EntityContainer, after.ID,
			fmt.Sprintf("illegal container move %s(leg %d) -> %s(leg %d)", before.Status, before.Leg, after.Status, after.Leg)))
	}
	return result
}
