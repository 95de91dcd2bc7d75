package core

import (
	"context"
	"fmt"
)

// NewScanAppendOnlyRule blocks every scan log write that is not an insert.
// The audit trail only grows.
func NewScanAppendOnlyRule() Rule {
	return scanAppendOnlyRule{}
}

type scanAppendOnlyRule struct{}

func (scanAppendOnlyRule) Name() string { return "scanlog_append_only" }

func (r scanAppendOnlyRule) Evaluate(_ context.Context, _ RuleView, changes []Change) (Result, error) {
	var result Result
	for _, change := range changes {
		if change.Entity != EntityScanEvent {
			continue
		}
		if change.Action == ActionCreate {
			ev, ok := decodeChangePayload[ScanEvent](change.After)
			if !ok {
				continue
			}
			if ev.Result != ScanAccepted && ev.Result != ScanRejected {
				result.Violations = append(result.Violations, blockViolation(r.Name(), EntityScanEvent, ev.ID,
					fmt.Sprintf("scan entry requires a result, got %q", ev.Result)))
			}
			continue
		}
		ev, _ := decodeChangePayload[ScanEvent](change.Before)
		result.Violations = append(result.Violations, blockViolation(r.Name(), EntityScanEvent, ev.ID,
			"scan log entries are append-only"))
	}
	return result, nil
}
