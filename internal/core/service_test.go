package core

import (
	"context"
	"strings"
	"testing"

	"custodycore/internal/blob"
	"custodycore/internal/chain"
	"custodycore/internal/directory"
	"custodycore/internal/infra/persistence/memory"
	"custodycore/pkg/domain"
	"custodycore/pkg/qrtoken"
)

const (
	walletSupplier     = "0xsupplier"
	walletTransporter  = "0xtransporter1"
	walletTransporter2 = "0xtransporter2"
	walletWarehouse    = "0xwarehouse"
	walletRetailer     = "0xretailer"
	walletInactive     = "0xinactive"
)

type serviceFixture struct {
	service *Service
	store   *memory.Store
	ledger  *chain.MemoryLedger
	actors  *directory.Memory
	codec   *qrtoken.Codec
}

func newServiceFixture(t *testing.T) serviceFixture {
	t.Helper()
	codec, err := qrtoken.New([]byte("test-secret"))
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	store := memory.NewStore(NewCustodyRulesEngine())
	ledger := chain.NewMemoryLedger()
	actors := directory.NewMemory()
	actors.Register(domain.Actor{Wallet: walletSupplier, Role: RoleSupplier, Active: true})
	actors.Register(domain.Actor{Wallet: walletTransporter, Role: RoleTransporter, Active: true})
	actors.Register(domain.Actor{Wallet: walletTransporter2, Role: RoleTransporter, Active: true})
	actors.Register(domain.Actor{Wallet: walletWarehouse, Role: RoleWarehouse, Active: true})
	actors.Register(domain.Actor{Wallet: walletRetailer, Role: RoleRetailer, Active: true})
	actors.Register(domain.Actor{Wallet: walletInactive, Role: RoleTransporter, Active: false})
	service := NewService(store, actors, ledger, blob.NewMemoryStore(), codec)
	return serviceFixture{service: service, store: store, ledger: ledger, actors: actors, codec: codec}
}

func testCreateInput() CreateShipmentInput {
	return CreateShipmentInput{
		BatchID:              "B-1001",
		ProductName:          "Oranges",
		NumberOfContainers:   3,
		QuantityPerContainer: 10,
		SupplierWallet:       walletSupplier,
		TransporterWallet:    walletTransporter,
		WarehouseWallet:      walletWarehouse,
		RetailerWallet:       walletRetailer,
	}
}

func mustCreate(t *testing.T, fx serviceFixture) Shipment {
	t.Helper()
	sh, err := fx.service.CreateShipment(context.Background(), testCreateInput())
	if err != nil {
		t.Fatalf("create shipment: %v", err)
	}
	return sh
}

func mustScan(t *testing.T, fx serviceFixture, token, wallet string, action ScanAction) ScanOutcome {
	t.Helper()
	out, err := fx.service.RecordScan(context.Background(), ScanInput{Token: token, Wallet: wallet, Action: action})
	if err != nil {
		t.Fatalf("scan %s by %s: %v", action, wallet, err)
	}
	return out
}

func containerTokens(t *testing.T, fx serviceFixture, shipmentID string) []string {
	t.Helper()
	containers := fx.store.ListShipmentContainers(shipmentID)
	tokens := make([]string, 0, len(containers))
	for _, c := range containers {
		tokens = append(tokens, c.QRToken)
	}
	return tokens
}

func TestCreateShipmentMintsAnchoredSet(t *testing.T) {
	fx := newServiceFixture(t)
	sh := mustCreate(t, fx)

	if sh.Status != StatusReadyForDispatch {
		t.Fatalf("expected %s after anchoring, got %s", StatusReadyForDispatch, sh.Status)
	}
	if !sh.Anchored() {
		t.Fatalf("expected shipment anchored")
	}
	if sh.TotalQuantity() != 30 {
		t.Fatalf("expected derived total 30, got %d", sh.TotalQuantity())
	}
	containers := fx.store.ListShipmentContainers(sh.ID)
	if len(containers) != 3 {
		t.Fatalf("expected 3 containers, got %d", len(containers))
	}
	for i, c := range containers {
		if c.Ordinal != i+1 {
			t.Fatalf("container %d has ordinal %d", i, c.Ordinal)
		}
		if c.Status != ContainerReadyForPickup {
			t.Fatalf("container %s minted as %s", c.ID, c.Status)
		}
		claims, err := fx.codec.Decode(c.QRToken)
		if err != nil {
			t.Fatalf("decode minted token: %v", err)
		}
		if claims.ContainerID != c.ID || claims.ShipmentID != sh.ID || claims.Ordinal != c.Ordinal {
			t.Fatalf("token claims %+v do not match container %s", claims, c.ID)
		}
	}
	if len(sh.StatusHistory) != 2 {
		t.Fatalf("expected created + ready_for_dispatch history, got %d entries", len(sh.StatusHistory))
	}
}

func TestCreateShipmentDuplicateConflicts(t *testing.T) {
	fx := newServiceFixture(t)
	mustCreate(t, fx)
	_, err := fx.service.CreateShipment(context.Background(), testCreateInput())
	if !domain.IsKind(err, domain.KindConflict) {
		t.Fatalf("expected conflict for duplicate content, got %v", err)
	}
}

func TestCreateShipmentRejectsWrongRoles(t *testing.T) {
	fx := newServiceFixture(t)

	in := testCreateInput()
	in.SupplierWallet = walletWarehouse
	if _, err := fx.service.CreateShipment(context.Background(), in); !domain.IsKind(err, domain.KindForbiddenActor) {
		t.Fatalf("expected forbidden actor for non-supplier creator, got %v", err)
	}

	in = testCreateInput()
	in.TransporterWallet = walletRetailer
	if _, err := fx.service.CreateShipment(context.Background(), in); !domain.IsKind(err, domain.KindForbiddenAssignment) {
		t.Fatalf("expected forbidden assignment for retailer in transporter slot, got %v", err)
	}

	in = testCreateInput()
	in.WarehouseWallet = "0xunknown"
	if _, err := fx.service.CreateShipment(context.Background(), in); !domain.IsKind(err, domain.KindForbiddenAssignment) {
		t.Fatalf("expected forbidden assignment for unknown wallet, got %v", err)
	}
}

func TestPickupQuorumPromotesShipment(t *testing.T) {
	fx := newServiceFixture(t)
	sh := mustCreate(t, fx)
	tokens := containerTokens(t, fx, sh.ID)

	for i, token := range tokens {
		out := mustScan(t, fx, token, walletTransporter, ActionPickup)
		if out.Event.Result != ScanAccepted {
			t.Fatalf("pickup %d not accepted", i+1)
		}
		current, _ := fx.store.GetShipment(sh.ID)
		if i < len(tokens)-1 && current.Status != StatusReadyForDispatch {
			t.Fatalf("shipment advanced early after %d of %d pickups: %s", i+1, len(tokens), current.Status)
		}
		if i == len(tokens)-1 && current.Status != StatusInTransit {
			t.Fatalf("shipment did not advance after final pickup: %s", current.Status)
		}
	}
	scans := fx.store.ListShipmentScans(sh.ID)
	if len(scans) != 3 {
		t.Fatalf("expected 3 audit entries, got %d", len(scans))
	}
}

func TestScanRejectionsAreLoggedAndStateless(t *testing.T) {
	fx := newServiceFixture(t)
	sh := mustCreate(t, fx)
	tokens := containerTokens(t, fx, sh.ID)

	cases := []struct {
		name   string
		token  string
		wallet string
		action ScanAction
		kind   domain.ErrorKind
	}{
		{"wrong role", tokens[0], walletWarehouse, ActionPickup, domain.KindForbiddenActor},
		{"unassigned transporter", tokens[0], walletTransporter2, ActionPickup, domain.KindForbiddenActor},
		{"inactive actor", tokens[0], walletInactive, ActionPickup, domain.KindForbiddenActor},
		{"unregistered wallet", tokens[0], "0xnobody", ActionPickup, domain.KindForbiddenActor},
		{"out of order receive", tokens[0], walletWarehouse, ActionReceive, domain.KindStaleScan},
		{"premature handover", tokens[0], walletTransporter, ActionHandover, domain.KindStaleScan},
		{"garbage token", "cq1.garbage.token", walletTransporter, ActionPickup, domain.KindInvalidToken},
	}
	for _, tc := range cases {
		out, err := fx.service.RecordScan(context.Background(), ScanInput{Token: tc.token, Wallet: tc.wallet, Action: tc.action})
		if !domain.IsKind(err, tc.kind) {
			t.Fatalf("%s: expected %s, got %v", tc.name, tc.kind, err)
		}
		if out.Event.Result != ScanRejected {
			t.Fatalf("%s: rejection not logged", tc.name)
		}
		if out.Event.Reason != string(tc.kind) {
			t.Fatalf("%s: logged reason %q", tc.name, out.Event.Reason)
		}
	}

	current, _ := fx.store.GetShipment(sh.ID)
	if current.Status != StatusReadyForDispatch {
		t.Fatalf("rejected scans moved shipment to %s", current.Status)
	}
	for _, c := range fx.store.ListShipmentContainers(sh.ID) {
		if c.Status != ContainerReadyForPickup {
			t.Fatalf("rejected scans moved container %s to %s", c.ID, c.Status)
		}
	}
}

func TestTokenIdentityMismatchRejected(t *testing.T) {
	fx := newServiceFixture(t)
	sh := mustCreate(t, fx)
	containers := fx.store.ListShipmentContainers(sh.ID)

	// Valid signature, but claims point at container 1 with container 2's ordinal.
	forged, err := fx.codec.Encode(qrtoken.Claims{ContainerID: containers[0].ID, ShipmentID: sh.ID, Ordinal: 2})
	if err != nil {
		t.Fatalf("encode forged token: %v", err)
	}
	out, err := fx.service.RecordScan(context.Background(), ScanInput{Token: forged, Wallet: walletTransporter, Action: ActionPickup})
	if !domain.IsKind(err, domain.KindInvalidToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}
	if out.Event.Result != ScanRejected {
		t.Fatalf("mismatch not logged")
	}
}

func TestUnknownContainerTokenRejectedAsInvalid(t *testing.T) {
	fx := newServiceFixture(t)
	sh := mustCreate(t, fx)

	// Correctly signed, but the container was never minted.
	ghost, err := fx.codec.Encode(qrtoken.Claims{ContainerID: "nope-c0099", ShipmentID: sh.ID, Ordinal: 99})
	if err != nil {
		t.Fatalf("encode ghost token: %v", err)
	}
	out, err := fx.service.RecordScan(context.Background(), ScanInput{Token: ghost, Wallet: walletTransporter, Action: ActionPickup})
	if !domain.IsKind(err, domain.KindInvalidToken) {
		t.Fatalf("expected invalid token for unknown container, got %v", err)
	}
	if out.Event.Result != ScanRejected || out.Event.Reason != string(domain.KindInvalidToken) {
		t.Fatalf("rejection entry wrong: %+v", out.Event)
	}
}

func advanceToWarehouse(t *testing.T, fx serviceFixture, shipmentID string) {
	t.Helper()
	sh, _ := fx.store.GetShipment(shipmentID)
	transporter := walletTransporter
	if sh.AssignedTransporter != nil {
		transporter = *sh.AssignedTransporter
	}
	for _, token := range containerTokens(t, fx, shipmentID) {
		mustScan(t, fx, token, transporter, ActionPickup)
	}
	for _, token := range containerTokens(t, fx, shipmentID) {
		mustScan(t, fx, token, walletWarehouse, ActionReceive)
	}
}

func TestHandoverAttestsWithoutMutating(t *testing.T) {
	fx := newServiceFixture(t)
	sh := mustCreate(t, fx)
	tokens := containerTokens(t, fx, sh.ID)
	for _, token := range tokens {
		mustScan(t, fx, token, walletTransporter, ActionPickup)
	}

	out := mustScan(t, fx, tokens[0], walletTransporter, ActionHandover)
	if out.Event.Result != ScanAccepted {
		t.Fatalf("handover rejected: %+v", out.Event)
	}
	c, _ := fx.store.GetContainer(containerID(sh.ID, 1))
	if c.Status != ContainerPickedUp {
		t.Fatalf("handover mutated container to %s", c.Status)
	}
}

func TestVerifyOpenToAnyActiveActor(t *testing.T) {
	fx := newServiceFixture(t)
	sh := mustCreate(t, fx)
	tokens := containerTokens(t, fx, sh.ID)

	for _, wallet := range []string{walletSupplier, walletRetailer, walletTransporter2} {
		out := mustScan(t, fx, tokens[0], wallet, ActionVerify)
		if out.Event.Result != ScanAccepted {
			t.Fatalf("verify by %s rejected", wallet)
		}
	}
	if _, err := fx.service.RecordScan(context.Background(), ScanInput{Token: tokens[0], Wallet: walletInactive, Action: ActionVerify}); !domain.IsKind(err, domain.KindForbiddenActor) {
		t.Fatalf("expected forbidden actor for inactive verifier, got %v", err)
	}
	c, _ := fx.store.GetContainer(containerID(sh.ID, 1))
	if c.Status != ContainerReadyForPickup {
		t.Fatalf("verify mutated container to %s", c.Status)
	}
}

func TestStageAndDispatchNextLeg(t *testing.T) {
	fx := newServiceFixture(t)
	sh := mustCreate(t, fx)
	advanceToWarehouse(t, fx, sh.ID)

	// Staging before at_warehouse is already excluded by advanceToWarehouse;
	// staging a non-transporter wallet must fail.
	if _, err := fx.service.StageNextLeg(context.Background(), StageInput{ShipmentID: sh.ID, Wallet: walletWarehouse, TransporterWallet: walletRetailer}); !domain.IsKind(err, domain.KindForbiddenAssignment) {
		t.Fatalf("expected forbidden assignment, got %v", err)
	}

	staged, err := fx.service.StageNextLeg(context.Background(), StageInput{ShipmentID: sh.ID, Wallet: walletWarehouse, TransporterWallet: walletTransporter2})
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	if staged.NextTransporter == nil || *staged.NextTransporter != walletTransporter2 {
		t.Fatalf("staging slot not set: %+v", staged.NextTransporter)
	}
	if staged.Status != StatusAtWarehouse || staged.Leg != 0 {
		t.Fatalf("staging changed status or leg: %s leg %d", staged.Status, staged.Leg)
	}

	dispatched, err := fx.service.DispatchNextLeg(context.Background(), DispatchInput{ShipmentID: sh.ID, Wallet: walletWarehouse})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if dispatched.Status != StatusReadyForDispatch {
		t.Fatalf("dispatch left shipment %s", dispatched.Status)
	}
	if dispatched.Leg != 1 {
		t.Fatalf("dispatch leg %d", dispatched.Leg)
	}
	if dispatched.AssignedTransporter == nil || *dispatched.AssignedTransporter != walletTransporter2 {
		t.Fatalf("staged transporter not promoted")
	}
	if dispatched.NextTransporter != nil {
		t.Fatalf("staging slot not cleared")
	}
	for _, c := range fx.store.ListShipmentContainers(sh.ID) {
		if c.Status != ContainerReadyForPickup || c.Leg != 1 {
			t.Fatalf("container %s not reset: %s leg %d", c.ID, c.Status, c.Leg)
		}
	}

	// The old transporter lost custody rights with the dispatch.
	tokens := containerTokens(t, fx, sh.ID)
	if _, err := fx.service.RecordScan(context.Background(), ScanInput{Token: tokens[0], Wallet: walletTransporter, Action: ActionPickup}); !domain.IsKind(err, domain.KindForbiddenActor) {
		t.Fatalf("expected forbidden actor for replaced transporter, got %v", err)
	}

	// Second leg runs to final delivery.
	for _, token := range tokens {
		mustScan(t, fx, token, walletTransporter2, ActionPickup)
	}
	for _, token := range tokens {
		mustScan(t, fx, token, walletWarehouse, ActionReceive)
	}
	for _, token := range tokens {
		mustScan(t, fx, token, walletRetailer, ActionDeliver)
	}
	final, _ := fx.store.GetShipment(sh.ID)
	if final.Status != StatusDelivered {
		t.Fatalf("expected delivered, got %s", final.Status)
	}
}

func TestStagingCanSetOpenRetailerSlot(t *testing.T) {
	fx := newServiceFixture(t)
	in := testCreateInput()
	in.RetailerWallet = ""
	sh, err := fx.service.CreateShipment(context.Background(), in)
	if err != nil {
		t.Fatalf("create shipment: %v", err)
	}
	if sh.AssignedRetailer != nil {
		t.Fatalf("retailer slot should start open")
	}
	advanceToWarehouse(t, fx, sh.ID)

	if _, err := fx.service.StageNextLeg(context.Background(), StageInput{ShipmentID: sh.ID, Wallet: walletWarehouse, TransporterWallet: walletTransporter2, RetailerWallet: walletTransporter}); !domain.IsKind(err, domain.KindForbiddenAssignment) {
		t.Fatalf("expected forbidden assignment for transporter in retailer slot, got %v", err)
	}

	staged, err := fx.service.StageNextLeg(context.Background(), StageInput{ShipmentID: sh.ID, Wallet: walletWarehouse, TransporterWallet: walletTransporter2, RetailerWallet: walletRetailer})
	if err != nil {
		t.Fatalf("stage with retailer: %v", err)
	}
	if staged.AssignedRetailer == nil || *staged.AssignedRetailer != walletRetailer {
		t.Fatalf("retailer slot not set: %+v", staged.AssignedRetailer)
	}
}

func TestDispatchRequiresStagedTransporterAndRetailer(t *testing.T) {
	fx := newServiceFixture(t)
	sh := mustCreate(t, fx)
	advanceToWarehouse(t, fx, sh.ID)

	if _, err := fx.service.DispatchNextLeg(context.Background(), DispatchInput{ShipmentID: sh.ID, Wallet: walletWarehouse}); !domain.IsKind(err, domain.KindConflict) {
		t.Fatalf("expected conflict without staged transporter, got %v", err)
	}
}

func TestDispatchBlockedWhileRetailerSlotOpen(t *testing.T) {
	fx := newServiceFixture(t)
	in := testCreateInput()
	in.RetailerWallet = ""
	sh, err := fx.service.CreateShipment(context.Background(), in)
	if err != nil {
		t.Fatalf("create shipment: %v", err)
	}
	advanceToWarehouse(t, fx, sh.ID)

	if _, err := fx.service.StageNextLeg(context.Background(), StageInput{ShipmentID: sh.ID, Wallet: walletWarehouse, TransporterWallet: walletTransporter2}); err != nil {
		t.Fatalf("stage transporter: %v", err)
	}
	if _, err := fx.service.DispatchNextLeg(context.Background(), DispatchInput{ShipmentID: sh.ID, Wallet: walletWarehouse}); !domain.IsKind(err, domain.KindConflict) {
		t.Fatalf("expected conflict with open retailer slot, got %v", err)
	}
	unchanged, _ := fx.store.GetShipment(sh.ID)
	if unchanged.Status != StatusAtWarehouse || unchanged.Leg != 0 {
		t.Fatalf("refused dispatch mutated shipment: %s leg %d", unchanged.Status, unchanged.Leg)
	}

	if _, err := fx.service.StageNextLeg(context.Background(), StageInput{ShipmentID: sh.ID, Wallet: walletWarehouse, TransporterWallet: walletTransporter2, RetailerWallet: walletRetailer}); err != nil {
		t.Fatalf("stage retailer: %v", err)
	}
	dispatched, err := fx.service.DispatchNextLeg(context.Background(), DispatchInput{ShipmentID: sh.ID, Wallet: walletWarehouse})
	if err != nil {
		t.Fatalf("dispatch after full staging: %v", err)
	}
	if dispatched.Status != StatusReadyForDispatch || dispatched.Leg != 1 {
		t.Fatalf("dispatched shipment %s leg %d", dispatched.Status, dispatched.Leg)
	}
	if dispatched.AssignedTransporter == nil || *dispatched.AssignedTransporter != walletTransporter2 || dispatched.NextTransporter != nil {
		t.Fatalf("staging slot not promoted: %+v", dispatched)
	}
}

func TestAttachAndRemoveDocument(t *testing.T) {
	fx := newServiceFixture(t)
	sh := mustCreate(t, fx)

	ref, err := fx.service.AttachDocument(context.Background(), AttachDocumentInput{
		ShipmentID:  sh.ID,
		Wallet:      walletSupplier,
		Name:        "origin-cert.pdf",
		ContentType: "application/pdf",
		Content:     strings.NewReader("certificate bytes"),
	})
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	got, _ := fx.store.GetShipment(sh.ID)
	if len(got.Documents) != 1 || got.Documents[0].Key != ref.Key {
		t.Fatalf("document reference not recorded: %+v", got.Documents)
	}

	if err := fx.service.RemoveDocument(context.Background(), sh.ID, walletSupplier, ref.Key); err != nil {
		t.Fatalf("remove: %v", err)
	}
	got, _ = fx.store.GetShipment(sh.ID)
	if len(got.Documents) != 0 {
		t.Fatalf("document reference not removed")
	}
	if err := fx.service.RemoveDocument(context.Background(), sh.ID, walletSupplier, ref.Key); !domain.IsKind(err, domain.KindNotFound) {
		t.Fatalf("expected not found for second removal, got %v", err)
	}
}

func TestDocumentsLockOnceShipmentMoves(t *testing.T) {
	fx := newServiceFixture(t)
	sh := mustCreate(t, fx)

	ref, err := fx.service.AttachDocument(context.Background(), AttachDocumentInput{
		ShipmentID: sh.ID,
		Wallet:     walletSupplier,
		Name:       "packing-list.pdf",
		Content:    strings.NewReader("list"),
	})
	if err != nil {
		t.Fatalf("attach: %v", err)
	}

	advanceToWarehouse(t, fx, sh.ID)

	if err := fx.service.RemoveDocument(context.Background(), sh.ID, walletSupplier, ref.Key); !domain.IsKind(err, domain.KindForbiddenTransition) {
		t.Fatalf("expected removal blocked in transit, got %v", err)
	}

	if _, err := fx.service.AttachDocument(context.Background(), AttachDocumentInput{
		ShipmentID: sh.ID,
		Wallet:     walletWarehouse,
		Name:       "inspection.pdf",
		Content:    strings.NewReader("report"),
	}); !domain.IsKind(err, domain.KindForbiddenTransition) {
		t.Fatalf("expected attach blocked in transit, got %v", err)
	}
	got, _ := fx.store.GetShipment(sh.ID)
	if len(got.Documents) != 1 {
		t.Fatalf("blocked attach changed references: %+v", got.Documents)
	}
}

func TestListShipmentsFilter(t *testing.T) {
	fx := newServiceFixture(t)
	mustCreate(t, fx)

	in := testCreateInput()
	in.BatchID = "B-2002"
	in.TransporterWallet = walletTransporter2
	second, err := fx.service.CreateShipment(context.Background(), in)
	if err != nil {
		t.Fatalf("create second shipment: %v", err)
	}

	all := fx.service.ListShipments(context.Background(), ShipmentFilter{})
	if len(all) != 2 {
		t.Fatalf("expected 2 shipments, got %d", len(all))
	}
	byWallet := fx.service.ListShipments(context.Background(), ShipmentFilter{Wallet: walletTransporter2})
	if len(byWallet) != 1 || byWallet[0].ID != second.ID {
		t.Fatalf("wallet filter returned %d shipments", len(byWallet))
	}
	byStatus := fx.service.ListShipments(context.Background(), ShipmentFilter{Status: StatusReadyForDispatch})
	if len(byStatus) != 2 {
		t.Fatalf("status filter returned %d shipments", len(byStatus))
	}
	paged := fx.service.ListShipments(context.Background(), ShipmentFilter{Limit: 1, Offset: 1})
	if len(paged) != 1 {
		t.Fatalf("paging returned %d shipments", len(paged))
	}
}

func TestVerifyAnchorConsistency(t *testing.T) {
	fx := newServiceFixture(t)
	sh := mustCreate(t, fx)

	report, err := fx.service.VerifyAnchor(context.Background(), sh.ID)
	if err != nil {
		t.Fatalf("verify anchor: %v", err)
	}
	if !report.OnChain || !report.Consistent {
		t.Fatalf("expected consistent on-chain anchor, got %+v", report)
	}
	if report.ProjectionTxRef == "" || report.ProjectionTxRef != report.ChainTxRef {
		t.Fatalf("tx refs diverge: %+v", report)
	}
}
