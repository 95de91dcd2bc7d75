package core

// The shipment lifecycle is a fixed graph. Each edge names the role allowed
// to drive it and the container sub-state quorum required before the shipment
// may advance. The at_warehouse to ready_for_dispatch edge is the multi-leg
// cycle: it increments the leg counter and resets every container.

type transitionKey struct {
	From ShipmentStatus
	To   ShipmentStatus
}

type transitionSpec struct {
	// Role allowed to drive the edge. RoleSystem edges are applied by the
	// reconciler, never by a scan.
	Role Role
	// Quorum is the minimum sub-state every container must have reached
	// before the edge fires. Empty means no container gate.
	Quorum ContainerStatus
	// ResetsContainers marks the dispatch edge: leg increments and all
	// containers return to ready_for_pickup atomically with the shipment.
	ResetsContainers bool
}

var shipmentTransitions = map[transitionKey]transitionSpec{
	{StatusCreated, StatusReadyForDispatch}:     {Role: RoleSystem},
	{StatusReadyForDispatch, StatusInTransit}:   {Role: RoleTransporter, Quorum: ContainerPickedUp},
	{StatusInTransit, StatusAtWarehouse}:        {Role: RoleWarehouse, Quorum: ContainerReceived},
	{StatusAtWarehouse, StatusReadyForDispatch}: {Role: RoleWarehouse, ResetsContainers: true},
	{StatusAtWarehouse, StatusDelivered}:        {Role: RoleRetailer, Quorum: ContainerDelivered},
}

// TransitionSpec returns the edge definition for from->to, if the edge exists.
func TransitionSpec(from, to ShipmentStatus) (transitionSpec, bool) {
	spec, ok := shipmentTransitions[transitionKey{From: from, To: to}]
	return spec, ok
}

// QuorumMet reports whether every container has reached at least target.
// An empty container set never satisfies quorum.
func QuorumMet(containers []Container, target ContainerStatus) bool {
	if len(containers) == 0 {
		return false
	}
	for _, c := range containers {
		if !c.Status.AtLeast(target) {
			return false
		}
	}
	return true
}
