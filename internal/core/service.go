package core

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"custodycore/internal/blob"
	"custodycore/internal/chain"
	"custodycore/pkg/domain"
	"custodycore/pkg/qrtoken"
)

// Service exposes the custody operations: shipment creation and anchoring,
// scan processing, multi-leg staging and dispatch, document attachments, and
// the read paths. Every mutation goes through the store's transactional scope
// and the commit-time rules.
type Service struct {
	store     domain.PersistentStore
	directory domain.ActorDirectory
	ledger    chain.Ledger
	documents blob.Store
	codec     *qrtoken.Codec

	logger  *slog.Logger
	clock   func() time.Time
	metrics MetricsRecorder
	tracer  Tracer
}

// ServiceOption customizes optional service collaborators.
type ServiceOption func(*Service)

// WithLogger attaches a structured logger. The default discards output.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.clock = fn
		}
	}
}

// WithMetricsRecorder attaches an operation metrics sink.
func WithMetricsRecorder(rec MetricsRecorder) ServiceOption {
	return func(s *Service) { s.metrics = rec }
}

// WithTracer attaches a span tracer.
func WithTracer(tracer Tracer) ServiceOption {
	return func(s *Service) { s.tracer = tracer }
}

// NewService constructs the custody service.
func NewService(store domain.PersistentStore, directory domain.ActorDirectory, ledger chain.Ledger, documents blob.Store, codec *qrtoken.Codec, opts ...ServiceOption) *Service {
	s := &Service{
		store:     store,
		directory: directory,
		ledger:    ledger,
		documents: documents,
		codec:     codec,
		logger:    slog.New(slog.DiscardHandler),
		clock:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store returns the underlying storage implementation.
func (s *Service) Store() domain.PersistentStore { return s.store }

// begin instruments one operation; the returned func must be called with the
// final error.
func (s *Service) begin(ctx context.Context, op string) (context.Context, func(error)) {
	start := s.clock()
	var span TraceSpan
	if s.tracer != nil {
		ctx, span = s.tracer.Start(ctx, op)
	}
	return ctx, func(err error) {
		duration := s.clock().Sub(start)
		if s.metrics != nil {
			s.metrics.Observe(ctx, op, err == nil, duration)
		}
		if span != nil {
			span.End(err)
		}
		if err != nil {
			s.logger.Warn("operation failed", "operation", op, "error", err, "duration_ms", duration.Milliseconds())
		} else {
			s.logger.Debug("operation complete", "operation", op, "duration_ms", duration.Milliseconds())
		}
	}
}

// CreateShipmentInput carries the identity fields locked at creation plus the
// optional initial handler assignments.
type CreateShipmentInput struct {
	BatchID              string
	ProductName          string
	NumberOfContainers   int
	QuantityPerContainer int
	SupplierWallet       string

	TransporterWallet string
	WarehouseWallet   string
	RetailerWallet    string
}

// DeriveShipmentID derives the content-addressed shipment id from the
// identity fields. Creating the same content twice collides on purpose.
func DeriveShipmentID(in CreateShipmentInput) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%d|%d|%s",
		in.BatchID, in.ProductName, in.NumberOfContainers, in.QuantityPerContainer, in.SupplierWallet))
	return hex.EncodeToString(sum[:16])
}

func containerID(shipmentID string, ordinal int) string {
	return fmt.Sprintf("%s-c%04d", shipmentID, ordinal)
}

// CreateShipment validates the input, mints the shipment and its fixed
// container set atomically, anchors the identity on chain, and promotes the
// shipment to ready_for_dispatch. A duplicate of an unanchored shipment
// resumes anchoring instead of failing, so a crash between projection commit
// and chain submission is recoverable by retrying.
func (s *Service) CreateShipment(ctx context.Context, in CreateShipmentInput) (Shipment, error) {
	ctx, done := s.begin(ctx, "create_shipment")
	sh, err := s.createShipment(ctx, in)
	done(err)
	return sh, err
}

func (s *Service) createShipment(ctx context.Context, in CreateShipmentInput) (Shipment, error) {
	if err := validateCreateInput(in); err != nil {
		return Shipment{}, err
	}
	supplier, err := s.resolveActive(ctx, in.SupplierWallet)
	if err != nil {
		return Shipment{}, err
	}
	if supplier.Role != RoleSupplier {
		return Shipment{}, domain.Errorf(domain.KindForbiddenActor, "wallet %s holds role %s, shipment creation requires %s", in.SupplierWallet, supplier.Role, RoleSupplier)
	}
	assignments := map[*string]Role{}
	var transporter, warehouse, retailer *string
	if in.TransporterWallet != "" {
		transporter = &in.TransporterWallet
		assignments[transporter] = RoleTransporter
	}
	if in.WarehouseWallet != "" {
		warehouse = &in.WarehouseWallet
		assignments[warehouse] = RoleWarehouse
	}
	if in.RetailerWallet != "" {
		retailer = &in.RetailerWallet
		assignments[retailer] = RoleRetailer
	}
	for wallet, role := range assignments {
		if err := s.checkAssignment(ctx, *wallet, role); err != nil {
			return Shipment{}, err
		}
	}

	id := DeriveShipmentID(in)
	now := s.clock()
	shipment := Shipment{
		Base:                 Base{ID: id},
		BatchID:              in.BatchID,
		ProductName:          in.ProductName,
		NumberOfContainers:   in.NumberOfContainers,
		QuantityPerContainer: in.QuantityPerContainer,
		Supplier:             in.SupplierWallet,
		Status:               StatusCreated,
		AssignedTransporter:  transporter,
		AssignedWarehouse:    warehouse,
		AssignedRetailer:     retailer,
		StatusHistory: []StatusChange{
			{Status: StatusCreated, Leg: 0, ChangedBy: in.SupplierWallet, ChangedAt: now},
		},
	}

	_, err = s.store.RunInTransaction(ctx, func(tx Transaction) error {
		if _, err := tx.CreateShipment(shipment); err != nil {
			return err
		}
		for ordinal := 1; ordinal <= in.NumberOfContainers; ordinal++ {
			cid := containerID(id, ordinal)
			token, err := s.codec.Encode(qrtoken.Claims{ContainerID: cid, ShipmentID: id, Ordinal: ordinal})
			if err != nil {
				return err
			}
			container := Container{
				Base:       Base{ID: cid},
				ShipmentID: id,
				Ordinal:    ordinal,
				Quantity:   in.QuantityPerContainer,
				QRToken:    token,
				Status:     ContainerReadyForPickup,
			}
			if _, err := tx.CreateContainer(container); err != nil {
				return err
			}
		}
		return nil
	})
	switch {
	case err == nil:
	case domain.IsKind(err, domain.KindConflict):
		existing, ok := s.store.GetShipment(id)
		if !ok || existing.Anchored() {
			return Shipment{}, domain.Errorf(domain.KindConflict, "shipment %s already exists", id)
		}
		// Projection exists but anchoring never completed; fall through and
		// finish the job.
	default:
		return Shipment{}, err
	}

	event, err := s.ledger.Anchor(ctx, chain.AnchorRecord{
		ShipmentID:           id,
		BatchID:              in.BatchID,
		ProductName:          in.ProductName,
		NumberOfContainers:   in.NumberOfContainers,
		QuantityPerContainer: in.QuantityPerContainer,
		Supplier:             in.SupplierWallet,
	})
	if domain.IsKind(err, domain.KindConflict) {
		existing, ok, getErr := s.ledger.Get(ctx, id)
		if getErr != nil {
			return Shipment{}, domain.WrapRetryable("read existing anchor", getErr)
		}
		if !ok {
			return Shipment{}, domain.Errorf(domain.KindConflict, "shipment %s reported anchored but anchor missing", id)
		}
		event = existing
	} else if err != nil {
		return Shipment{}, domain.WrapRetryable("anchor shipment on chain", err)
	}

	// The reconciler's ordered sweep owns the cursor; applying the fresh
	// event here must not skip past slower producers.
	if err := applyAnchorEvent(ctx, s.store, s.codec, s.clock, event, false); err != nil {
		return Shipment{}, err
	}
	created, _ := s.store.GetShipment(id)
	return created, nil
}

func validateCreateInput(in CreateShipmentInput) error {
	switch {
	case strings.TrimSpace(in.BatchID) == "":
		return domain.Errorf(domain.KindValidation, "batch id required")
	case strings.TrimSpace(in.ProductName) == "":
		return domain.Errorf(domain.KindValidation, "product name required")
	case in.NumberOfContainers < 1:
		return domain.Errorf(domain.KindValidation, "number of containers must be at least 1")
	case in.QuantityPerContainer < 1:
		return domain.Errorf(domain.KindValidation, "quantity per container must be at least 1")
	case strings.TrimSpace(in.SupplierWallet) == "":
		return domain.Errorf(domain.KindValidation, "supplier wallet required")
	}
	return nil
}

func (s *Service) resolveActive(ctx context.Context, wallet string) (Actor, error) {
	actor, err := s.directory.Resolve(ctx, wallet)
	if domain.IsKind(err, domain.KindNotFound) {
		return Actor{}, domain.Errorf(domain.KindForbiddenActor, "wallet %s is not registered", wallet)
	}
	if err != nil {
		return Actor{}, err
	}
	if !actor.Active {
		return Actor{}, domain.Errorf(domain.KindForbiddenActor, "wallet %s is deactivated", wallet)
	}
	return actor, nil
}

// checkAssignment verifies a wallet written into an assignment slot resolves
// to an active actor holding exactly the expected role.
func (s *Service) checkAssignment(ctx context.Context, wallet string, role Role) error {
	actor, err := s.directory.Resolve(ctx, wallet)
	if domain.IsKind(err, domain.KindNotFound) {
		return domain.Errorf(domain.KindForbiddenAssignment, "wallet %s is not registered", wallet)
	}
	if err != nil {
		return err
	}
	if !actor.Active {
		return domain.Errorf(domain.KindForbiddenAssignment, "wallet %s is deactivated", wallet)
	}
	if actor.Role != role {
		return domain.Errorf(domain.KindForbiddenAssignment, "wallet %s holds role %s, slot requires %s", wallet, actor.Role, role)
	}
	return nil
}

// ScanInput is one QR scan attempt.
type ScanInput struct {
	Token  string
	Wallet string
	Action ScanAction
	// Note carries a free-text exception note, e.g. a visibly damaged or
	// short container. It never changes custody mechanics.
	Note string
}

// ScanOutcome reports the audit entry written for the attempt and, for
// accepted scans, the post-scan shipment snapshot.
type ScanOutcome struct {
	Event    ScanEvent
	Shipment Shipment
}

// RecordScan processes one scan attempt. Every attempt, accepted or rejected,
// leaves exactly one scan log entry; the returned error classifies the
// rejection. Infrastructure failures are the only path without an entry.
func (s *Service) RecordScan(ctx context.Context, in ScanInput) (ScanOutcome, error) {
	ctx, done := s.begin(ctx, "record_scan")
	out, err := s.recordScan(ctx, in)
	done(err)
	return out, err
}

func (s *Service) recordScan(ctx context.Context, in ScanInput) (ScanOutcome, error) {
	spec, known := ScanSpec(in.Action)
	if !known {
		return s.rejectScan(ctx, in, qrtoken.Claims{}, "", domain.Errorf(domain.KindValidation, "unknown scan action %q", in.Action))
	}
	claims, err := s.codec.Decode(in.Token)
	if err != nil {
		return s.rejectScan(ctx, in, qrtoken.Claims{}, "", domain.Errorf(domain.KindInvalidToken, "scan token rejected: %v", err))
	}
	actor, err := s.directory.Resolve(ctx, in.Wallet)
	if domain.IsKind(err, domain.KindNotFound) {
		return s.rejectScan(ctx, in, claims, "", domain.Errorf(domain.KindForbiddenActor, "wallet %s is not registered", in.Wallet))
	}
	if err != nil {
		return ScanOutcome{}, err
	}
	if !actor.Active {
		return s.rejectScan(ctx, in, claims, actor.Role, domain.Errorf(domain.KindForbiddenActor, "wallet %s is deactivated", in.Wallet))
	}

	var outcome ScanOutcome
	var rejection *domain.DomainError
	_, err = s.store.RunInTransaction(ctx, func(tx Transaction) error {
		event, shipment, dErr := s.evaluateScan(tx, spec, actor, claims, in)
		if dErr != nil {
			rejection = dErr
			return dErr
		}
		outcome.Event = event
		outcome.Shipment = shipment
		return nil
	})
	if rejection != nil {
		return s.rejectScan(ctx, in, claims, actor.Role, rejection)
	}
	if err != nil {
		return ScanOutcome{}, err
	}
	return outcome, nil
}

// evaluateScan runs inside the accept transaction: it checks the attempt
// against the action table and, when valid, applies the container move, the
// quorum-gated shipment promotion, and the accepted audit entry.
func (s *Service) evaluateScan(tx Transaction, spec scanSpec, actor Actor, claims qrtoken.Claims, in ScanInput) (ScanEvent, Shipment, *domain.DomainError) {
	container, ok := tx.FindContainer(claims.ContainerID)
	if !ok {
		// A well-signed token naming a container this system never minted is
		// a token problem, not a lookup problem.
		return ScanEvent{}, Shipment{}, domain.Errorf(domain.KindInvalidToken, "token references unknown container %s", claims.ContainerID)
	}
	if container.ShipmentID != claims.ShipmentID || container.Ordinal != claims.Ordinal || container.QRToken != in.Token {
		return ScanEvent{}, Shipment{}, domain.Errorf(domain.KindInvalidToken, "token does not match container %s identity", container.ID)
	}
	shipment, ok := tx.FindShipment(container.ShipmentID)
	if !ok {
		return ScanEvent{}, Shipment{}, domain.Errorf(domain.KindNotFound, "shipment %s not found", container.ShipmentID)
	}

	if in.Action != ActionVerify {
		if actor.Role != spec.Role {
			return ScanEvent{}, Shipment{}, domain.Errorf(domain.KindForbiddenActor, "%s requires role %s, wallet %s holds %s", in.Action, spec.Role, in.Wallet, actor.Role)
		}
		if assigned := assignedWallet(shipment, spec.Role); assigned != nil && *assigned != in.Wallet {
			return ScanEvent{}, Shipment{}, domain.Errorf(domain.KindForbiddenActor, "wallet %s is not the assigned %s for shipment %s", in.Wallet, spec.Role, shipment.ID)
		}
		if shipment.Status != spec.ShipmentFrom {
			return ScanEvent{}, Shipment{}, domain.Errorf(domain.KindStaleScan, "%s is not valid while shipment %s is %s", in.Action, shipment.ID, shipment.Status)
		}
		if container.Status != spec.ContainerFrom {
			return ScanEvent{}, Shipment{}, domain.Errorf(domain.KindStaleScan, "%s expects container %s at %s, found %s", in.Action, container.ID, spec.ContainerFrom, container.Status)
		}
	}

	if spec.Mutates() {
		if _, err := tx.UpdateContainer(container.ID, func(c *Container) error {
			c.Status = spec.Sets
			return nil
		}); err != nil {
			return ScanEvent{}, Shipment{}, asDomainError(err)
		}
		if QuorumMet(tx.ListShipmentContainers(shipment.ID), spec.Sets) {
			promoted, err := tx.UpdateShipment(shipment.ID, func(sh *Shipment) error {
				sh.Status = spec.Promotes
				sh.StatusHistory = append(sh.StatusHistory, StatusChange{
					Status:    spec.Promotes,
					Leg:       sh.Leg,
					ChangedBy: in.Wallet,
					ChangedAt: s.clock(),
				})
				return nil
			})
			if err != nil {
				return ScanEvent{}, Shipment{}, asDomainError(err)
			}
			shipment = promoted
		}
	}

	event, err := tx.AppendScan(ScanEvent{
		ActorWallet: in.Wallet,
		ActorRole:   actor.Role,
		Action:      in.Action,
		ContainerID: container.ID,
		ShipmentID:  shipment.ID,
		Result:      ScanAccepted,
		Note:        in.Note,
		ScannedAt:   s.clock(),
	})
	if err != nil {
		return ScanEvent{}, Shipment{}, asDomainError(err)
	}
	if updated, ok := tx.FindShipment(shipment.ID); ok {
		shipment = updated
	}
	return event, shipment, nil
}

// rejectScan persists the mandatory audit entry for a rejected attempt in its
// own transaction, then surfaces the classified error.
func (s *Service) rejectScan(ctx context.Context, in ScanInput, claims qrtoken.Claims, role Role, cause *domain.DomainError) (ScanOutcome, error) {
	entry := ScanEvent{
		ActorWallet: in.Wallet,
		ActorRole:   role,
		Action:      in.Action,
		ContainerID: claims.ContainerID,
		ShipmentID:  claims.ShipmentID,
		Result:      ScanRejected,
		Reason:      string(cause.Kind),
		Note:        in.Note,
		ScannedAt:   s.clock(),
	}
	var logged ScanEvent
	if _, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
		var appendErr error
		logged, appendErr = tx.AppendScan(entry)
		return appendErr
	}); err != nil {
		s.logger.Error("rejected scan could not be logged", "wallet", in.Wallet, "action", in.Action, "error", err)
		return ScanOutcome{}, domain.WrapRetryable("persist rejected scan entry", err)
	}
	return ScanOutcome{Event: logged}, cause
}

func asDomainError(err error) *domain.DomainError {
	if de, ok := err.(*domain.DomainError); ok {
		return de
	}
	return &domain.DomainError{Kind: domain.KindRetryable, Message: "internal store failure", Err: err}
}

// StageInput names the transporter for the next custody leg. RetailerWallet
// optionally sets the final receiver when it was left open at creation.
type StageInput struct {
	ShipmentID        string
	Wallet            string
	TransporterWallet string
	RetailerWallet    string
}

// StageNextLeg lets the assigned warehouse park the transporter for the next
// leg in the staging slot. Staging never changes status or leg.
func (s *Service) StageNextLeg(ctx context.Context, in StageInput) (Shipment, error) {
	ctx, done := s.begin(ctx, "stage_next_leg")
	sh, err := s.stageNextLeg(ctx, in)
	done(err)
	return sh, err
}

func (s *Service) stageNextLeg(ctx context.Context, in StageInput) (Shipment, error) {
	if err := s.checkWarehouseActor(ctx, in.Wallet, in.ShipmentID); err != nil {
		return Shipment{}, err
	}
	if err := s.checkAssignment(ctx, in.TransporterWallet, RoleTransporter); err != nil {
		return Shipment{}, err
	}
	if in.RetailerWallet != "" {
		if err := s.checkAssignment(ctx, in.RetailerWallet, RoleRetailer); err != nil {
			return Shipment{}, err
		}
	}
	var staged Shipment
	_, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
		var txErr error
		staged, txErr = tx.UpdateShipment(in.ShipmentID, func(sh *Shipment) error {
			if sh.Status != StatusAtWarehouse {
				return domain.Errorf(domain.KindForbiddenTransition, "staging requires shipment at %s, found %s", StatusAtWarehouse, sh.Status)
			}
			wallet := in.TransporterWallet
			sh.NextTransporter = &wallet
			if in.RetailerWallet != "" {
				retailer := in.RetailerWallet
				sh.AssignedRetailer = &retailer
			}
			return nil
		})
		return txErr
	})
	return staged, err
}

// DispatchInput starts the next custody leg.
type DispatchInput struct {
	ShipmentID string
	Wallet     string
}

// DispatchNextLeg atomically promotes the staged transporter to assigned,
// clears the staging slot, increments the leg, returns the shipment to
// ready_for_dispatch, and resets every container for the new leg. Either all
// of it commits or none of it does.
func (s *Service) DispatchNextLeg(ctx context.Context, in DispatchInput) (Shipment, error) {
	ctx, done := s.begin(ctx, "dispatch_next_leg")
	sh, err := s.dispatchNextLeg(ctx, in)
	done(err)
	return sh, err
}

func (s *Service) dispatchNextLeg(ctx context.Context, in DispatchInput) (Shipment, error) {
	if err := s.checkWarehouseActor(ctx, in.Wallet, in.ShipmentID); err != nil {
		return Shipment{}, err
	}
	var dispatched Shipment
	_, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
		shipment, ok := tx.FindShipment(in.ShipmentID)
		if !ok {
			return domain.Errorf(domain.KindNotFound, "shipment %s not found", in.ShipmentID)
		}
		if shipment.Status != StatusAtWarehouse {
			return domain.Errorf(domain.KindForbiddenTransition, "dispatch requires shipment at %s, found %s", StatusAtWarehouse, shipment.Status)
		}
		if shipment.NextTransporter == nil || shipment.AssignedRetailer == nil {
			return domain.Errorf(domain.KindConflict, "next transporter and retailer must be staged first for shipment %s", in.ShipmentID)
		}
		newLeg := shipment.Leg + 1
		for _, container := range tx.ListShipmentContainers(in.ShipmentID) {
			if _, err := tx.UpdateContainer(container.ID, func(c *Container) error {
				c.Status = ContainerReadyForPickup
				c.Leg = newLeg
				return nil
			}); err != nil {
				return err
			}
		}
		var txErr error
		dispatched, txErr = tx.UpdateShipment(in.ShipmentID, func(sh *Shipment) error {
			sh.Status = StatusReadyForDispatch
			sh.Leg = newLeg
			sh.AssignedTransporter = sh.NextTransporter
			sh.NextTransporter = nil
			sh.StatusHistory = append(sh.StatusHistory, StatusChange{
				Status:    StatusReadyForDispatch,
				Leg:       newLeg,
				ChangedBy: in.Wallet,
				ChangedAt: s.clock(),
			})
			return nil
		})
		return txErr
	})
	return dispatched, err
}

func (s *Service) checkWarehouseActor(ctx context.Context, wallet, shipmentID string) error {
	actor, err := s.resolveActive(ctx, wallet)
	if err != nil {
		return err
	}
	if actor.Role != RoleWarehouse {
		return domain.Errorf(domain.KindForbiddenActor, "operation requires role %s, wallet %s holds %s", RoleWarehouse, wallet, actor.Role)
	}
	shipment, ok := s.store.GetShipment(shipmentID)
	if !ok {
		return domain.Errorf(domain.KindNotFound, "shipment %s not found", shipmentID)
	}
	if shipment.AssignedWarehouse != nil && *shipment.AssignedWarehouse != wallet {
		return domain.Errorf(domain.KindForbiddenActor, "wallet %s is not the assigned warehouse for shipment %s", wallet, shipmentID)
	}
	return nil
}

// AttachDocumentInput uploads one evidence document for a shipment.
type AttachDocumentInput struct {
	ShipmentID  string
	Wallet      string
	Name        string
	ContentType string
	Content     io.Reader
}

// AttachDocument stores the document content and appends its reference to the
// shipment, only while the shipment has not left the supplier. The ledger
// keeps the reference only; content lives in the document store.
func (s *Service) AttachDocument(ctx context.Context, in AttachDocumentInput) (DocumentRef, error) {
	ctx, done := s.begin(ctx, "attach_document")
	ref, err := s.attachDocument(ctx, in)
	done(err)
	return ref, err
}

func (s *Service) attachDocument(ctx context.Context, in AttachDocumentInput) (DocumentRef, error) {
	if strings.TrimSpace(in.Name) == "" {
		return DocumentRef{}, domain.Errorf(domain.KindValidation, "document name required")
	}
	if in.Content == nil {
		return DocumentRef{}, domain.Errorf(domain.KindValidation, "document content required")
	}
	if _, err := s.resolveActive(ctx, in.Wallet); err != nil {
		return DocumentRef{}, err
	}
	shipment, ok := s.store.GetShipment(in.ShipmentID)
	if !ok {
		return DocumentRef{}, domain.Errorf(domain.KindNotFound, "shipment %s not found", in.ShipmentID)
	}
	if err := checkDocumentsMutable(shipment); err != nil {
		return DocumentRef{}, err
	}
	key := path.Join("shipments", in.ShipmentID, uuid.NewString()+"-"+path.Base(in.Name))
	if _, err := s.documents.Put(ctx, key, in.Content, blob.PutOptions{
		ContentType: in.ContentType,
		Metadata:    map[string]string{"added_by": in.Wallet},
	}); err != nil {
		return DocumentRef{}, err
	}
	ref := DocumentRef{
		Key:         key,
		Name:        in.Name,
		ContentType: in.ContentType,
		AddedBy:     in.Wallet,
		AddedAt:     s.clock(),
	}
	if _, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
		_, txErr := tx.UpdateShipment(in.ShipmentID, func(sh *Shipment) error {
			if err := checkDocumentsMutable(*sh); err != nil {
				return err
			}
			sh.Documents = append(sh.Documents, ref)
			return nil
		})
		return txErr
	}); err != nil {
		if _, delErr := s.documents.Delete(ctx, key); delErr != nil {
			s.logger.Warn("orphaned document after failed reference commit", "key", key, "error", delErr)
		}
		return DocumentRef{}, err
	}
	return ref, nil
}

// checkDocumentsMutable enforces the document window: references may change
// only while the shipment has not left the supplier. Once in motion, attached
// documents are custody evidence.
func checkDocumentsMutable(sh Shipment) error {
	if sh.Leg > 0 || (sh.Status != StatusCreated && sh.Status != StatusReadyForDispatch) {
		return domain.Errorf(domain.KindForbiddenTransition, "documents are immutable once shipment %s left the supplier", sh.ID)
	}
	return nil
}

// RemoveDocument drops a document reference from the shipment and deletes the
// stored content.
func (s *Service) RemoveDocument(ctx context.Context, shipmentID, wallet, key string) error {
	ctx, done := s.begin(ctx, "remove_document")
	err := s.removeDocument(ctx, shipmentID, wallet, key)
	done(err)
	return err
}

func (s *Service) removeDocument(ctx context.Context, shipmentID, wallet, key string) error {
	if _, err := s.resolveActive(ctx, wallet); err != nil {
		return err
	}
	if _, err := s.store.RunInTransaction(ctx, func(tx Transaction) error {
		_, txErr := tx.UpdateShipment(shipmentID, func(sh *Shipment) error {
			if err := checkDocumentsMutable(*sh); err != nil {
				return err
			}
			for i, ref := range sh.Documents {
				if ref.Key == key {
					sh.Documents = append(sh.Documents[:i], sh.Documents[i+1:]...)
					return nil
				}
			}
			return domain.Errorf(domain.KindNotFound, "document %s not attached to shipment %s", key, shipmentID)
		})
		return txErr
	}); err != nil {
		return err
	}
	if _, err := s.documents.Delete(ctx, key); err != nil {
		s.logger.Warn("document reference removed but content deletion failed", "key", key, "error", err)
	}
	return nil
}

// DocumentURL returns a time-limited download URL for an attached document.
func (s *Service) DocumentURL(ctx context.Context, shipmentID, key string) (string, error) {
	shipment, ok := s.store.GetShipment(shipmentID)
	if !ok {
		return "", domain.Errorf(domain.KindNotFound, "shipment %s not found", shipmentID)
	}
	for _, ref := range shipment.Documents {
		if ref.Key == key {
			return s.documents.PresignURL(ctx, key, blob.SignedURLOptions{Method: "GET"})
		}
	}
	return "", domain.Errorf(domain.KindNotFound, "document %s not attached to shipment %s", key, shipmentID)
}

// ShipmentFilter narrows and pages shipment listings.
type ShipmentFilter struct {
	Status ShipmentStatus
	// Wallet matches any shipment where the wallet appears as supplier or
	// in an assignment slot.
	Wallet string
	Limit  int
	Offset int
}

func (f ShipmentFilter) matches(sh Shipment) bool {
	if f.Status != "" && sh.Status != f.Status {
		return false
	}
	if f.Wallet == "" {
		return true
	}
	if sh.Supplier == f.Wallet {
		return true
	}
	for _, slot := range []*string{sh.AssignedTransporter, sh.AssignedWarehouse, sh.AssignedRetailer, sh.NextTransporter} {
		if slot != nil && *slot == f.Wallet {
			return true
		}
	}
	return false
}

// ListShipments returns shipments matching the filter, ID-ordered.
func (s *Service) ListShipments(_ context.Context, filter ShipmentFilter) []Shipment {
	var matched []Shipment
	for _, sh := range s.store.ListShipments() {
		if filter.matches(sh) {
			matched = append(matched, sh)
		}
	}
	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched
}

// GetShipment returns one shipment by id.
func (s *Service) GetShipment(_ context.Context, id string) (Shipment, error) {
	sh, ok := s.store.GetShipment(id)
	if !ok {
		return Shipment{}, domain.Errorf(domain.KindNotFound, "shipment %s not found", id)
	}
	return sh, nil
}

// ListContainers returns a shipment's containers in ordinal order.
func (s *Service) ListContainers(_ context.Context, shipmentID string) ([]Container, error) {
	if _, ok := s.store.GetShipment(shipmentID); !ok {
		return nil, domain.Errorf(domain.KindNotFound, "shipment %s not found", shipmentID)
	}
	return s.store.ListShipmentContainers(shipmentID), nil
}

// ListScans returns a shipment's audit trail in append order.
func (s *Service) ListScans(_ context.Context, shipmentID string) ([]ScanEvent, error) {
	if _, ok := s.store.GetShipment(shipmentID); !ok {
		return nil, domain.Errorf(domain.KindNotFound, "shipment %s not found", shipmentID)
	}
	return s.store.ListShipmentScans(shipmentID), nil
}

// AnchorVerification compares the off-chain anchor projection against the
// chain itself.
type AnchorVerification struct {
	ShipmentID      string `json:"shipment_id"`
	ProjectionTxRef string `json:"projection_tx_ref,omitempty"`
	ChainTxRef      string `json:"chain_tx_ref,omitempty"`
	OnChain         bool   `json:"on_chain"`
	Consistent      bool   `json:"consistent"`
}

// VerifyAnchor is the fallback read path for a suspected-stale projection: it
// reads the chain directly and reports whether the projection agrees.
func (s *Service) VerifyAnchor(ctx context.Context, shipmentID string) (AnchorVerification, error) {
	ctx, done := s.begin(ctx, "verify_anchor")
	report, err := s.verifyAnchor(ctx, shipmentID)
	done(err)
	return report, err
}

func (s *Service) verifyAnchor(ctx context.Context, shipmentID string) (AnchorVerification, error) {
	shipment, ok := s.store.GetShipment(shipmentID)
	if !ok {
		return AnchorVerification{}, domain.Errorf(domain.KindNotFound, "shipment %s not found", shipmentID)
	}
	report := AnchorVerification{ShipmentID: shipmentID}
	if shipment.Anchor != nil {
		report.ProjectionTxRef = shipment.Anchor.TxRef
	}
	event, onChain, err := s.ledger.Get(ctx, shipmentID)
	if err != nil {
		return AnchorVerification{}, domain.WrapRetryable("read chain anchor", err)
	}
	report.OnChain = onChain
	if onChain {
		report.ChainTxRef = event.TxRef
	}
	report.Consistent = report.ProjectionTxRef == report.ChainTxRef
	return report, nil
}
