package core

// Scan action semantics as pure data. PICKUP, RECEIVE, and DELIVER advance a
// container's sub-state and, once the last container crosses the quorum,
// promote the shipment. HANDOVER and VERIFY are attestations: they produce an
// audit entry and mutate nothing.

type scanSpec struct {
	// Role required of the scanning actor. Empty means any active actor.
	Role Role
	// ShipmentFrom is the shipment status the scan is valid in.
	ShipmentFrom ShipmentStatus
	// ContainerFrom is the exact container sub-state the scan expects.
	ContainerFrom ContainerStatus
	// Sets is the container sub-state the scan writes. Empty for
	// non-mutating attestations.
	Sets ContainerStatus
	// Promotes is the shipment status reached when all containers satisfy
	// the Sets quorum.
	Promotes ShipmentStatus
}

var scanSpecs = map[ScanAction]scanSpec{
	ActionPickup: {
		Role:          RoleTransporter,
		ShipmentFrom:  StatusReadyForDispatch,
		ContainerFrom: ContainerReadyForPickup,
		Sets:          ContainerPickedUp,
		Promotes:      StatusInTransit,
	},
	ActionReceive: {
		Role:          RoleWarehouse,
		ShipmentFrom:  StatusInTransit,
		ContainerFrom: ContainerPickedUp,
		Sets:          ContainerReceived,
		Promotes:      StatusAtWarehouse,
	},
	ActionDeliver: {
		Role:          RoleRetailer,
		ShipmentFrom:  StatusAtWarehouse,
		ContainerFrom: ContainerReceived,
		Sets:          ContainerDelivered,
		Promotes:      StatusDelivered,
	},
	// A handover attestation is valid only while the transporter actually
	// holds the container.
	ActionHandover: {
		Role:          RoleTransporter,
		ShipmentFrom:  StatusInTransit,
		ContainerFrom: ContainerPickedUp,
	},
	// Verification is open to any active actor in any state.
	ActionVerify: {},
}

// ScanSpec returns the semantics for an action, if the action is known.
func ScanSpec(action ScanAction) (scanSpec, bool) {
	spec, ok := scanSpecs[action]
	return spec, ok
}

func (s scanSpec) Mutates() bool { return s.Sets != "" }

// assignedWallet returns the shipment assignment slot that must match the
// scanning actor for the given role, when one is set.
func assignedWallet(sh Shipment, role Role) *string {
	switch role {
	case RoleTransporter:
		return sh.AssignedTransporter
	case RoleWarehouse:
		return sh.AssignedWarehouse
	case RoleRetailer:
		return sh.AssignedRetailer
	}
	return nil
}
