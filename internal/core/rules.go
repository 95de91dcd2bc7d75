package core

import "custodycore/pkg/domain"

// NewCustodyRulesEngine builds the rules engine with the built-in custody
// policy set. Every store used by the service runs these at commit time.
func NewCustodyRulesEngine() *RulesEngine {
	engine := domain.NewRulesEngine()
	engine.Register(NewShipmentTransitionRule())
	engine.Register(NewContainerSetRule())
	engine.Register(NewAnchorImmutableRule())
	engine.Register(NewScanAppendOnlyRule())
	return engine
}

func blockViolation(rule string, entity EntityType, id, message string) Violation {
	return Violation{
		Rule:     rule,
		Severity: SeverityBlock,
		Message:  message,
		Entity:   entity,
		EntityID: id,
	}
}
