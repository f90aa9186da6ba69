package visit

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Service owns every lifecycle transition of a visit note. Each command loads
// the visit, checks the permission gate and the role rules, validates the
// transition, and hands a single Commit to the store. Nothing is written when
// any step fails.
type Service struct {
	store     Store
	gate      PermissionGate
	policy    *SignaturePolicy
	publisher EventPublisher
	recorder  Recorder
	logger    zerolog.Logger
	now       func() time.Time
}

func NewService(store Store, gate PermissionGate, policy *SignaturePolicy, logger zerolog.Logger) *Service {
	if policy == nil {
		policy = NewSignaturePolicy(DefaultCountersignCredentials)
	}
	return &Service{
		store:    store,
		gate:     gate,
		policy:   policy,
		recorder: nopRecorder{},
		logger:   logger.With().Str("component", "visit").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetPublisher installs the receiver of committed events.
func (s *Service) SetPublisher(p EventPublisher) { s.publisher = p }

// SetRecorder installs the metrics recorder.
func (s *Service) SetRecorder(r Recorder) {
	if r == nil {
		r = nopRecorder{}
	}
	s.recorder = r
}

// Policy exposes the signature policy, e.g. for rendering attestation text.
func (s *Service) Policy() *SignaturePolicy { return s.policy }

// CreateInput holds the fields of a new visit.
type CreateInput struct {
	PatientID   uuid.UUID `json:"patient_id"`
	ClinicianID uuid.UUID `json:"clinician_id"`
	FacilityID  uuid.UUID `json:"facility_id"`
	VisitDate   time.Time `json:"visit_date"`
}

func (s *Service) CreateVisit(ctx context.Context, in CreateInput, actor Actor) (*Visit, error) {
	v := &Visit{
		ID:          uuid.New(),
		PatientID:   in.PatientID,
		ClinicianID: in.ClinicianID,
		FacilityID:  in.FacilityID,
		VisitDate:   in.VisitDate,
		Status:      StatusDraft,
		Version:     1,
	}
	err := s.authorizeCreate(v, actor)
	if err == nil {
		err = validateCreate(in)
	}
	if err != nil {
		s.rejected("create", v.ID, actor, err)
		return nil, err
	}

	entry := &AuditEntry{
		ID:        uuid.New(),
		VisitID:   v.ID,
		ActorID:   actor.ID,
		EventType: EventCreated,
		ToStatus:  StatusDraft,
		Version:   1,
		Payload: map[string]string{
			"patient_id":  in.PatientID.String(),
			"facility_id": in.FacilityID.String(),
			"visit_date":  in.VisitDate.Format("2006-01-02"),
		},
	}
	if err := s.store.Create(ctx, v, entry); err != nil {
		s.rejected("create", v.ID, actor, err)
		return nil, err
	}
	v.CorrectionNotes = []CorrectionNote{}
	s.committed(ctx, v, entry)
	return v, nil
}

func (s *Service) authorizeCreate(v *Visit, actor Actor) error {
	if actor.ID == uuid.Nil {
		return unauthorized("an authenticated actor is required")
	}
	if s.gate.Access(actor.Credential, actor.Role, v.IsOwner(actor), FieldVisitDetails) != AccessEdit {
		return unauthorized("you do not have permission to create this visit")
	}
	if !v.IsOwner(actor) && actor.Role != RoleAdmin {
		return unauthorized("visits can only be created by their clinician or an administrator")
	}
	return nil
}

func validateCreate(in CreateInput) error {
	switch {
	case in.PatientID == uuid.Nil:
		return validationError("patient_id is required")
	case in.ClinicianID == uuid.Nil:
		return validationError("clinician_id is required")
	case in.FacilityID == uuid.Nil:
		return validationError("facility_id is required")
	case in.VisitDate.IsZero():
		return validationError("visit_date is required")
	}
	return nil
}

// MarkReady moves a draft to ready_for_signature. The caller has already
// checked that the required assessments are present.
func (s *Service) MarkReady(ctx context.Context, id uuid.UUID, expectedVersion int, actor Actor) (*Visit, error) {
	return s.execute(ctx, CmdMarkReady, EventMarkedReady, id, expectedVersion, actor, nil)
}

func (s *Service) SignProvider(ctx context.Context, id uuid.UUID, expectedVersion int, in SignatureInput, actor Actor) (*Visit, error) {
	return s.SubmitSignature(ctx, id, SignerProvider, in, expectedVersion, actor)
}

func (s *Service) SignPatient(ctx context.Context, id uuid.UUID, expectedVersion int, in SignatureInput, actor Actor) (*Visit, error) {
	return s.SubmitSignature(ctx, id, SignerPatient, in, expectedVersion, actor)
}

// SubmitSignature captures a provider or patient signature. Signatures are
// never replaced. Whether a patient signature is needed is decided from the
// provider's credential when the provider signs, and frozen on the visit.
func (s *Service) SubmitSignature(ctx context.Context, id uuid.UUID, role SignerRole, in SignatureInput, expectedVersion int, actor Actor) (*Visit, error) {
	switch role {
	case SignerProvider:
		return s.execute(ctx, CmdSignProvider, EventProviderSigned, id, expectedVersion, actor,
			func(next *Visit, c *Commit, now time.Time) error {
				if next.ProviderSignatureID != nil {
					return validationError("a provider signature already exists for this visit")
				}
				if err := in.validate(); err != nil {
					return err
				}
				sig := s.policy.newSignature(next.ID, SignerProvider, in, actor.ID, now)
				next.ProviderSignatureID = &sig.ID
				next.PatientSignatureRequired = s.policy.RequiresPatientSignature(actor.Credential)
				c.Signature = sig
				c.Audit.Payload = signaturePayload(sig)
				c.Audit.Payload["provider_credential"] = normalizeCredential(actor.Credential)
				c.Audit.Payload["patient_signature_required"] = strconv.FormatBool(next.PatientSignatureRequired)
				return nil
			})
	case SignerPatient:
		return s.execute(ctx, CmdSignPatient, EventPatientSigned, id, expectedVersion, actor,
			func(next *Visit, c *Commit, now time.Time) error {
				if !next.PatientSignatureRequired {
					return validationError("a patient signature is not required for this visit")
				}
				if next.PatientSignatureID != nil {
					return validationError("a patient signature already exists for this visit")
				}
				if err := in.validate(); err != nil {
					return err
				}
				sig := s.policy.newSignature(next.ID, SignerPatient, in, actor.ID, now)
				next.PatientSignatureID = &sig.ID
				c.Signature = sig
				c.Audit.Payload = signaturePayload(sig)
				return nil
			})
	}
	return nil, validationError("signer role must be %q or %q", SignerProvider, SignerPatient)
}

func (s *Service) Submit(ctx context.Context, id uuid.UUID, expectedVersion int, actor Actor) (*Visit, error) {
	return s.execute(ctx, CmdSubmit, EventSubmitted, id, expectedVersion, actor,
		func(next *Visit, _ *Commit, _ time.Time) error {
			if next.ProviderSignatureID == nil {
				return validationError("the provider signature is required before submitting")
			}
			if next.PatientSignatureRequired && next.PatientSignatureID == nil {
				return validationError("the patient signature is required before submitting")
			}
			return nil
		})
}

// RequestCorrection sends a submitted visit back to its clinician. Signatures
// and documented data are left in place.
func (s *Service) RequestCorrection(ctx context.Context, id uuid.UUID, expectedVersion int, note string, actor Actor) (*Visit, error) {
	return s.execute(ctx, CmdRequestCorrection, EventCorrectionRequested, id, expectedVersion, actor,
		func(_ *Visit, c *Commit, now time.Time) error {
			note = strings.TrimSpace(note)
			if note == "" {
				return validationError("a correction note is required")
			}
			c.CorrectionNote = &CorrectionNote{Note: note, RequestedBy: actor.ID, RequestedAt: now}
			c.Audit.Payload = map[string]string{"note": note}
			return nil
		})
}

func (s *Service) MarkCorrected(ctx context.Context, id uuid.UUID, expectedVersion int, actor Actor) (*Visit, error) {
	return s.execute(ctx, CmdMarkCorrected, EventCorrected, id, expectedVersion, actor,
		func(next *Visit, c *Commit, _ time.Time) error {
			next.CorrectionsResolved = len(next.CorrectionNotes)
			c.Audit.Payload = map[string]string{"corrections_resolved": strconv.Itoa(next.CorrectionsResolved)}
			return nil
		})
}

// VoidVisit permanently invalidates a visit. No command succeeds afterwards.
func (s *Service) VoidVisit(ctx context.Context, id uuid.UUID, expectedVersion int, reason string, actor Actor) (*Visit, error) {
	return s.execute(ctx, CmdVoid, EventVoided, id, expectedVersion, actor,
		func(next *Visit, c *Commit, _ time.Time) error {
			reason = strings.TrimSpace(reason)
			if reason == "" {
				return validationError("a void reason is required")
			}
			next.VoidReason = &reason
			c.Audit.Payload = map[string]string{"reason": reason}
			return nil
		})
}

// AddAddendum appends a note to a signed or submitted visit. Addenda commute
// with each other, so they are not version-checked and do not bump the
// visit version; the store only re-confirms the status.
func (s *Service) AddAddendum(ctx context.Context, id uuid.UUID, note string, actor Actor) (*Addendum, error) {
	v, err := s.store.Get(ctx, id)
	if err == nil {
		err = s.authorize(CmdAddAddendum, actor, v)
	}
	if err == nil && !v.Status.CanApply(CmdAddAddendum) {
		err = invalidTransition("addenda can only be added to signed or submitted visits (visit is %s)", v.Status)
	}
	note = strings.TrimSpace(note)
	if err == nil && note == "" {
		err = validationError("an addendum note is required")
	}
	if err != nil {
		s.rejected(string(CmdAddAddendum), id, actor, err)
		return nil, err
	}

	a := &Addendum{ID: uuid.New(), VisitID: id, AuthorID: actor.ID, Note: note}
	entry := &AuditEntry{
		ID:        uuid.New(),
		VisitID:   id,
		ActorID:   actor.ID,
		EventType: EventAddendumAdded,
		Payload:   map[string]string{"addendum_id": a.ID.String(), "note": note},
	}
	if err := s.store.AppendAddendum(ctx, a, entry, addendumStatuses); err != nil {
		s.rejected(string(CmdAddAddendum), id, actor, err)
		return nil, err
	}
	v.AddendumCount++
	s.committed(ctx, v, entry)
	return a, nil
}

func (s *Service) GetVisit(ctx context.Context, id uuid.UUID) (*Visit, error) {
	return s.store.Get(ctx, id)
}

// GetVisitWithHistory returns the visit with its signatures, correction
// history, addenda and audit trail for read-only consumers.
func (s *Service) GetVisitWithHistory(ctx context.Context, id uuid.UUID) (*Snapshot, error) {
	v, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	sigs, err := s.store.Signatures(ctx, id)
	if err != nil {
		return nil, err
	}
	addenda, err := s.store.Addenda(ctx, id)
	if err != nil {
		return nil, err
	}
	trail, err := s.store.AuditTrail(ctx, id)
	if err != nil {
		return nil, err
	}
	notes := v.CorrectionNotes
	if notes == nil {
		notes = []CorrectionNote{}
	}
	return &Snapshot{
		Visit:           v,
		Signatures:      sigs,
		CorrectionNotes: notes,
		Addenda:         addenda,
		AuditTrail:      trail,
	}, nil
}

func (s *Service) ListVisits(ctx context.Context, f Filter, limit, offset int) ([]*Visit, int, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, validationError("invalid status: %s", f.Status)
	}
	return s.store.List(ctx, f, limit, offset)
}

// guard mutates the proposed next state and fills in the commit. It returns a
// typed error to reject the command.
type guard func(next *Visit, c *Commit, now time.Time) error

func (s *Service) execute(ctx context.Context, cmd Command, event EventType, id uuid.UUID, expectedVersion int, actor Actor, g guard) (*Visit, error) {
	v, err := s.store.Get(ctx, id)
	if err == nil {
		err = s.authorize(cmd, actor, v)
	}
	if err == nil && v.Status.Terminal() {
		err = illegal(cmd, v.Status)
	}
	if err == nil && v.Version != expectedVersion {
		err = conflict(expectedVersion, v.Version)
	}
	if err == nil && !v.Status.CanApply(cmd) {
		err = illegal(cmd, v.Status)
	}

	var commit *Commit
	if err == nil {
		next := v.clone()
		next.Status = v.Status.Next(cmd)
		commit = &Commit{
			ExpectedVersion: expectedVersion,
			Visit:           next,
			Audit: &AuditEntry{
				ID:         uuid.New(),
				VisitID:    id,
				ActorID:    actor.ID,
				EventType:  event,
				FromStatus: v.Status,
				ToStatus:   next.Status,
			},
		}
		if g != nil {
			err = g(next, commit, s.now())
		}
	}

	var saved *Visit
	if err == nil {
		saved, err = s.store.Commit(ctx, commit)
	}
	if err != nil {
		s.rejected(string(cmd), id, actor, err)
		return nil, err
	}
	s.committed(ctx, saved, commit.Audit)
	return saved, nil
}

func (s *Service) authorize(cmd Command, actor Actor, v *Visit) error {
	if actor.ID == uuid.Nil {
		return unauthorized("an authenticated actor is required")
	}
	category := categoryFor[cmd]
	if s.gate.Access(actor.Credential, actor.Role, v.IsOwner(actor), category) != AccessEdit {
		return unauthorized("you do not have permission to change %s on this visit", strings.ReplaceAll(string(category), "_", " "))
	}
	return actorAllowed(cmd, actor, v)
}

func illegal(cmd Command, from Status) error {
	if from.Terminal() {
		return invalidTransition("this visit has been voided and can no longer be changed")
	}
	return invalidTransition("cannot %s a visit that is %s", strings.ReplaceAll(string(cmd), "_", " "), strings.ReplaceAll(string(from), "_", " "))
}

func (s *Service) committed(ctx context.Context, v *Visit, entry *AuditEntry) {
	s.recorder.TransitionCommitted(string(entry.EventType))
	s.logger.Info().
		Str("visit_id", v.ID.String()).
		Str("event", string(entry.EventType)).
		Str("from", string(entry.FromStatus)).
		Str("to", string(entry.ToStatus)).
		Int("version", entry.Version).
		Str("actor_id", entry.ActorID.String()).
		Msg("visit transition committed")

	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishVisitEvent(ctx, eventFromEntry(v, entry)); err != nil {
		s.logger.Error().Err(err).
			Str("visit_id", v.ID.String()).
			Str("event", string(entry.EventType)).
			Msg("publish visit event")
	}
}

func (s *Service) rejected(command string, id uuid.UUID, actor Actor, err error) {
	kind := kindLabel(err)
	s.recorder.CommandRejected(command, kind)
	evt := s.logger.Warn()
	if kind == "internal" {
		evt = s.logger.Error()
	}
	evt.Err(err).
		Str("visit_id", id.String()).
		Str("command", command).
		Str("kind", kind).
		Str("actor_id", actor.ID.String()).
		Msg("visit command rejected")
}
