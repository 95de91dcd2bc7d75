// Package core implements the custody service: shipment lifecycle, scan
// processing, anchor reconciliation, and the commit-time rules guarding the
// ledger's invariants.
package core

import "custodycore/pkg/domain"

type (
	EntityType         = domain.EntityType
	ShipmentStatus     = domain.ShipmentStatus
	ContainerStatus    = domain.ContainerStatus
	Role               = domain.Role
	ScanAction         = domain.ScanAction
	ScanResult         = domain.ScanResult
	Severity           = domain.Severity
	Base               = domain.Base
	Shipment           = domain.Shipment
	Container          = domain.Container
	ScanEvent          = domain.ScanEvent
	Actor              = domain.Actor
	Anchor             = domain.Anchor
	StatusChange       = domain.StatusChange
	DocumentRef        = domain.DocumentRef
	Change             = domain.Change
	Action             = domain.Action
	Violation          = domain.Violation
	Result             = domain.Result
	Rule               = domain.Rule
	RuleView           = domain.RuleView
	RulesEngine        = domain.RulesEngine
	RuleViolationError = domain.RuleViolationError
	Transaction        = domain.Transaction
	PersistentStore    = domain.PersistentStore
	ActorDirectory     = domain.ActorDirectory
)

const (
	EntityShipment  = domain.EntityShipment
	EntityContainer = domain.EntityContainer
	EntityScanEvent = domain.EntityScanEvent
)

const (
	StatusCreated          = domain.ShipmentStatusCreated
	StatusReadyForDispatch = domain.ShipmentStatusReadyForDispatch
	StatusInTransit        = domain.ShipmentStatusInTransit
	StatusAtWarehouse      = domain.ShipmentStatusAtWarehouse
	StatusDelivered        = domain.ShipmentStatusDelivered
)

const (
	ContainerReadyForPickup = domain.ContainerStatusReadyForPickup
	ContainerPickedUp       = domain.ContainerStatusPickedUp
	ContainerReceived       = domain.ContainerStatusReceived
	ContainerDelivered      = domain.ContainerStatusDelivered
)

const (
	RoleSupplier    = domain.RoleSupplier
	RoleTransporter = domain.RoleTransporter
	RoleWarehouse   = domain.RoleWarehouse
	RoleRetailer    = domain.RoleRetailer
	RoleSystem      = domain.RoleSystem
)

const (
	ActionPickup   = domain.ScanActionPickup
	ActionReceive  = domain.ScanActionReceive
	ActionHandover = domain.ScanActionHandover
	ActionDeliver  = domain.ScanActionDeliver
	ActionVerify   = domain.ScanActionVerify
)

const (
	ScanAccepted = domain.ScanResultAccepted
	ScanRejected = domain.ScanResultRejected
)

const (
	SeverityBlock = domain.SeverityBlock
	SeverityWarn  = domain.SeverityWarn
	SeverityLog   = domain.SeverityLog
)

const (
	ActionCreate = domain.ActionCreate
	ActionUpdate = domain.ActionUpdate
	ActionDelete = domain.ActionDelete
)
