package visit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/visitdoc/internal/platform/auth"
)

var testVisitDate = time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)

type fixture struct {
	svc       *Service
	store     *MemoryStore
	clinician Actor
	admin     Actor
	events    *recordingPublisher
	counts    *countingRecorder
}

func newFixture(t *testing.T, credential string) *fixture {
	t.Helper()
	store := NewMemoryStore()
	svc := NewService(store, FieldAccessGate(auth.DefaultFieldAccess()), nil, zerolog.Nop())
	events := &recordingPublisher{}
	counts := &countingRecorder{committed: map[string]int{}, rejected: map[string]int{}}
	svc.SetPublisher(events)
	svc.SetRecorder(counts)
	return &fixture{
		svc:       svc,
		store:     store,
		clinician: Actor{ID: uuid.New(), Role: RoleClinician, Credential: credential},
		admin:     Actor{ID: uuid.New(), Role: RoleAdmin},
		events:    events,
		counts:    counts,
	}
}

func (f *fixture) create(t *testing.T) *Visit {
	t.Helper()
	v, err := f.svc.CreateVisit(context.Background(), CreateInput{
		PatientID:   uuid.New(),
		ClinicianID: f.clinician.ID,
		FacilityID:  uuid.New(),
		VisitDate:   testVisitDate,
	}, f.clinician)
	if err != nil {
		t.Fatalf("create visit: %v", err)
	}
	return v
}

func (f *fixture) signed(t *testing.T) *Visit {
	t.Helper()
	ctx := context.Background()
	v := f.create(t)
	v, err := f.svc.MarkReady(ctx, v.ID, v.Version, f.clinician)
	if err != nil {
		t.Fatalf("mark ready: %v", err)
	}
	v, err = f.svc.SignProvider(ctx, v.ID, v.Version, typedSignature("Dana Reyes"), f.clinician)
	if err != nil {
		t.Fatalf("sign provider: %v", err)
	}
	return v
}

func (f *fixture) submitted(t *testing.T) *Visit {
	t.Helper()
	v := f.signed(t)
	v, err := f.svc.Submit(context.Background(), v.ID, v.Version, f.clinician)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return v
}

func typedSignature(name string) SignatureInput {
	return SignatureInput{SignerName: name, Method: MethodTyped}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (p *recordingPublisher) PublishVisitEvent(_ context.Context, e Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

func (p *recordingPublisher) types() []EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]EventType, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

type countingRecorder struct {
	mu        sync.Mutex
	committed map[string]int
	rejected  map[string]int
}

func (r *countingRecorder) TransitionCommitted(event string) {
	r.mu.Lock()
	r.committed[event]++
	r.mu.Unlock()
}

func (r *countingRecorder) CommandRejected(command, kind string) {
	r.mu.Lock()
	r.rejected[command+"/"+kind]++
	r.mu.Unlock()
}

func expectKind(t *testing.T, err, kind error) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %v, got nil", kind)
	}
	if !errors.Is(err, kind) {
		t.Fatalf("expected %v, got %v", kind, err)
	}
}

func TestService_CreateVisit(t *testing.T) {
	f := newFixture(t, "RN")
	v := f.create(t)

	if v.Status != StatusDraft {
		t.Errorf("expected draft, got %s", v.Status)
	}
	if v.Version != 1 {
		t.Errorf("expected version 1, got %d", v.Version)
	}
	trail, _ := f.store.AuditTrail(context.Background(), v.ID)
	if len(trail) != 1 || trail[0].EventType != EventCreated {
		t.Fatalf("expected a single creation audit entry, got %+v", trail)
	}
}

func TestService_CreateVisit_Validation(t *testing.T) {
	f := newFixture(t, "RN")
	_, err := f.svc.CreateVisit(context.Background(), CreateInput{ClinicianID: f.clinician.ID}, f.clinician)
	expectKind(t, err, ErrValidation)
}

func TestService_CreateVisit_ForAnotherClinician(t *testing.T) {
	f := newFixture(t, "RN")
	in := CreateInput{PatientID: uuid.New(), ClinicianID: uuid.New(), FacilityID: uuid.New(), VisitDate: time.Now()}

	_, err := f.svc.CreateVisit(context.Background(), in, f.clinician)
	expectKind(t, err, ErrUnauthorized)

	if _, err := f.svc.CreateVisit(context.Background(), in, f.admin); err != nil {
		t.Fatalf("admin should create visits for any clinician: %v", err)
	}
}

func TestService_HappyPath_NoCountersignature(t *testing.T) {
	f := newFixture(t, "RN")
	v := f.submitted(t)

	if v.Status != StatusSubmitted {
		t.Fatalf("expected submitted, got %s", v.Status)
	}
	if v.Version != 4 {
		t.Errorf("expected version 4, got %d", v.Version)
	}
	if v.PatientSignatureRequired {
		t.Error("RN visits must not require a patient signature")
	}

	want := []EventType{EventCreated, EventMarkedReady, EventProviderSigned, EventSubmitted}
	got := f.events.types()
	if len(got) != len(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], got[i])
		}
	}

	trail, _ := f.store.AuditTrail(context.Background(), v.ID)
	for i, e := range trail {
		if e.Version != i+1 {
			t.Errorf("audit entry %d: expected version %d, got %d", i, i+1, e.Version)
		}
	}
}

func TestService_Countersignature(t *testing.T) {
	f := newFixture(t, "lpn")
	ctx := context.Background()
	v := f.signed(t)

	if !v.PatientSignatureRequired {
		t.Fatal("LPN visits must require a patient signature")
	}

	_, err := f.svc.Submit(ctx, v.ID, v.Version, f.clinician)
	expectKind(t, err, ErrValidation)

	v, err = f.svc.SignPatient(ctx, v.ID, v.Version, SignatureInput{
		SignerName: "Sam Patient",
		Artifact:   []byte(`[[0,0],[4,9]]`),
		Method:     MethodDrawn,
	}, f.clinician)
	if err != nil {
		t.Fatalf("sign patient: %v", err)
	}
	if v.Status != StatusSigned || v.PatientSignatureID == nil {
		t.Fatalf("expected signed with a patient signature, got %s", v.Status)
	}

	_, err = f.svc.SignPatient(ctx, v.ID, v.Version, typedSignature("Sam Patient"), f.clinician)
	expectKind(t, err, ErrValidation)

	v, err = f.svc.Submit(ctx, v.ID, v.Version, f.clinician)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if v.Status != StatusSubmitted {
		t.Errorf("expected submitted, got %s", v.Status)
	}
}

func TestService_PatientSignatureNotRequired(t *testing.T) {
	f := newFixture(t, "RN")
	v := f.signed(t)
	_, err := f.svc.SignPatient(context.Background(), v.ID, v.Version, typedSignature("Sam"), f.clinician)
	expectKind(t, err, ErrValidation)
}

func TestService_SignatureValidation(t *testing.T) {
	f := newFixture(t, "RN")
	ctx := context.Background()
	v := f.create(t)
	v, _ = f.svc.MarkReady(ctx, v.ID, v.Version, f.clinician)

	tests := []struct {
		name string
		in   SignatureInput
	}{
		{"drawn without strokes", SignatureInput{SignerName: "Dana", Method: MethodDrawn}},
		{"typed without name", SignatureInput{SignerName: "  ", Method: MethodTyped}},
		{"unknown method", SignatureInput{SignerName: "Dana", Method: "stamped"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.SignProvider(ctx, v.ID, v.Version, tt.in, f.clinician)
			expectKind(t, err, ErrValidation)
		})
	}

	got, _ := f.svc.GetVisit(ctx, v.ID)
	if got.Version != v.Version || got.Status != StatusReadyForSignature {
		t.Error("rejected signatures must not change the visit")
	}
}

func TestService_SignatureFreezesAttestation(t *testing.T) {
	f := newFixture(t, "RN")
	ctx := context.Background()
	v := f.signed(t)

	f.svc.Policy().SetAttestation(SignerProvider, "new wording")

	snap, err := f.svc.GetVisitWithHistory(ctx, v.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(snap.Signatures) != 1 {
		t.Fatalf("expected one signature, got %d", len(snap.Signatures))
	}
	sig := snap.Signatures[0]
	if sig.CertificationText != DefaultProviderAttestation {
		t.Errorf("expected frozen attestation, got %q", sig.CertificationText)
	}
	if string(sig.Artifact) != "Dana Reyes" {
		t.Errorf("typed signature artifact should be the name, got %q", sig.Artifact)
	}
}

func TestService_AdminCannotSignAsProvider(t *testing.T) {
	f := newFixture(t, "RN")
	ctx := context.Background()
	v := f.create(t)
	v, _ = f.svc.MarkReady(ctx, v.ID, v.Version, f.clinician)

	_, err := f.svc.SignProvider(ctx, v.ID, v.Version, typedSignature("Office"), f.admin)
	expectKind(t, err, ErrUnauthorized)

	colleague := Actor{ID: uuid.New(), Role: RoleClinician, Credential: "MD"}
	_, err = f.svc.SignProvider(ctx, v.ID, v.Version, typedSignature("Covering"), colleague)
	expectKind(t, err, ErrUnauthorized)
}

func TestService_CorrectionRoundTrip(t *testing.T) {
	f := newFixture(t, "RN")
	ctx := context.Background()
	v := f.submitted(t)

	v, err := f.svc.RequestCorrection(ctx, v.ID, v.Version, "vitals missing", f.admin)
	if err != nil {
		t.Fatalf("request correction: %v", err)
	}
	if v.Status != StatusBeingCorrected {
		t.Fatalf("expected being_corrected, got %s", v.Status)
	}
	if v.ProviderSignatureID == nil {
		t.Error("signatures must survive a correction request")
	}
	if len(v.CorrectionNotes) != 1 || v.CorrectionNotes[0].Resolved {
		t.Fatalf("expected one open correction note, got %+v", v.CorrectionNotes)
	}

	_, err = f.svc.MarkCorrected(ctx, v.ID, v.Version, f.admin)
	expectKind(t, err, ErrUnauthorized)

	v, err = f.svc.MarkCorrected(ctx, v.ID, v.Version, f.clinician)
	if err != nil {
		t.Fatalf("mark corrected: %v", err)
	}
	if v.Status != StatusComplete || !v.CorrectionNotes[0].Resolved {
		t.Fatalf("expected complete with resolved note, got %s %+v", v.Status, v.CorrectionNotes)
	}

	v, err = f.svc.RequestCorrection(ctx, v.ID, v.Version, "wrong facility", f.admin)
	if err != nil {
		t.Fatalf("second correction from complete: %v", err)
	}
	if len(v.CorrectionNotes) != 2 || v.CorrectionNotes[1].Resolved || !v.CorrectionNotes[0].Resolved {
		t.Fatalf("unexpected notes after second request: %+v", v.CorrectionNotes)
	}

	v, _ = f.svc.MarkCorrected(ctx, v.ID, v.Version, f.clinician)
	v, err = f.svc.Submit(ctx, v.ID, v.Version, f.clinician)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if v.Status != StatusSubmitted {
		t.Errorf("expected submitted, got %s", v.Status)
	}
}

func TestService_RequestCorrection_Rules(t *testing.T) {
	f := newFixture(t, "RN")
	ctx := context.Background()
	v := f.submitted(t)

	_, err := f.svc.RequestCorrection(ctx, v.ID, v.Version, "   ", f.admin)
	expectKind(t, err, ErrValidation)

	_, err = f.svc.RequestCorrection(ctx, v.ID, v.Version, "fix", f.clinician)
	expectKind(t, err, ErrUnauthorized)

	draft := f.create(t)
	_, err = f.svc.RequestCorrection(ctx, draft.ID, draft.Version, "fix", f.admin)
	expectKind(t, err, ErrInvalidTransition)
}

func TestService_VoidIsTerminal(t *testing.T) {
	f := newFixture(t, "RN")
	ctx := context.Background()
	v := f.signed(t)

	_, err := f.svc.VoidVisit(ctx, v.ID, v.Version, "duplicate", f.clinician)
	expectKind(t, err, ErrUnauthorized)

	_, err = f.svc.VoidVisit(ctx, v.ID, v.Version, "", f.admin)
	expectKind(t, err, ErrValidation)

	v, err = f.svc.VoidVisit(ctx, v.ID, v.Version, "duplicate", f.admin)
	if err != nil {
		t.Fatalf("void: %v", err)
	}
	if v.Status != StatusVoided || v.VoidReason == nil || *v.VoidReason != "duplicate" {
		t.Fatalf("expected voided with reason, got %s", v.Status)
	}

	_, err = f.svc.Submit(ctx, v.ID, v.Version, f.clinician)
	expectKind(t, err, ErrInvalidTransition)
	_, err = f.svc.VoidVisit(ctx, v.ID, v.Version, "again", f.admin)
	expectKind(t, err, ErrInvalidTransition)
	_, err = f.svc.AddAddendum(ctx, v.ID, "late note", f.clinician)
	expectKind(t, err, ErrInvalidTransition)
}

func TestService_VoidedRejectsEveryCommand(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name string
		run  func(f *fixture, v *Visit) error
	}{
		{"mark ready", func(f *fixture, v *Visit) error {
			_, err := f.svc.MarkReady(ctx, v.ID, v.Version, f.clinician)
			return err
		}},
		{"sign provider", func(f *fixture, v *Visit) error {
			_, err := f.svc.SignProvider(ctx, v.ID, v.Version, typedSignature("Dana Reyes"), f.clinician)
			return err
		}},
		{"sign patient", func(f *fixture, v *Visit) error {
			_, err := f.svc.SignPatient(ctx, v.ID, v.Version, typedSignature("Sam Patient"), f.clinician)
			return err
		}},
		{"submit", func(f *fixture, v *Visit) error {
			_, err := f.svc.Submit(ctx, v.ID, v.Version, f.clinician)
			return err
		}},
		{"request correction", func(f *fixture, v *Visit) error {
			_, err := f.svc.RequestCorrection(ctx, v.ID, v.Version, "vitals missing", f.admin)
			return err
		}},
		{"mark corrected", func(f *fixture, v *Visit) error {
			_, err := f.svc.MarkCorrected(ctx, v.ID, v.Version, f.clinician)
			return err
		}},
		{"void", func(f *fixture, v *Visit) error {
			_, err := f.svc.VoidVisit(ctx, v.ID, v.Version, "again", f.admin)
			return err
		}},
		{"add addendum", func(f *fixture, v *Visit) error {
			_, err := f.svc.AddAddendum(ctx, v.ID, "late note", f.clinician)
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, "LPN")
			v := f.signed(t)
			v, err := f.svc.VoidVisit(ctx, v.ID, v.Version, "duplicate", f.admin)
			if err != nil {
				t.Fatalf("void: %v", err)
			}
			trail, _ := f.store.AuditTrail(ctx, v.ID)

			expectKind(t, tt.run(f, v), ErrInvalidTransition)

			got, _ := f.svc.GetVisit(ctx, v.ID)
			if got.Status != StatusVoided || got.Version != v.Version || got.AddendumCount != 0 {
				t.Errorf("voided visit changed: %s v%d addenda %d", got.Status, got.Version, got.AddendumCount)
			}
			after, _ := f.store.AuditTrail(ctx, v.ID)
			if len(after) != len(trail) {
				t.Errorf("rejected command wrote audit entries: %d -> %d", len(trail), len(after))
			}
		})
	}
}

func TestService_VoidFromDraft(t *testing.T) {
	f := newFixture(t, "RN")
	ctx := context.Background()
	v := f.create(t)

	v, err := f.svc.VoidVisit(ctx, v.ID, v.Version, "wrong patient", f.admin)
	if err != nil {
		t.Fatalf("void: %v", err)
	}
	if v.Status != StatusVoided || v.Version != 2 || v.VoidReason == nil || *v.VoidReason != "wrong patient" {
		t.Fatalf("expected voided v2 with reason, got %s v%d", v.Status, v.Version)
	}

	_, err = f.svc.SignProvider(ctx, v.ID, v.Version, typedSignature("Dana Reyes"), f.clinician)
	expectKind(t, err, ErrInvalidTransition)

	snap, err := f.svc.GetVisitWithHistory(ctx, v.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	last := snap.AuditTrail[len(snap.AuditTrail)-1]
	if last.EventType != EventVoided || last.FromStatus != StatusDraft || last.ToStatus != StatusVoided {
		t.Errorf("expected draft -> voided audit entry, got %+v", last)
	}
	if len(snap.Signatures) != 0 {
		t.Errorf("expected no signatures, got %d", len(snap.Signatures))
	}
}

func TestService_VoidedWinsOverStaleVersion(t *testing.T) {
	f := newFixture(t, "RN")
	ctx := context.Background()
	v := f.signed(t)
	stale := v.Version

	if _, err := f.svc.VoidVisit(ctx, v.ID, v.Version, "duplicate", f.admin); err != nil {
		t.Fatalf("void: %v", err)
	}

	_, err := f.svc.Submit(ctx, v.ID, stale, f.clinician)
	expectKind(t, err, ErrInvalidTransition)
	_, err = f.svc.RequestCorrection(ctx, v.ID, stale+5, "fix", f.admin)
	expectKind(t, err, ErrInvalidTransition)
}

func TestService_StaleVersionConflicts(t *testing.T) {
	f := newFixture(t, "RN")
	ctx := context.Background()
	v := f.create(t)

	_, err := f.svc.MarkReady(ctx, v.ID, v.Version+1, f.clinician)
	expectKind(t, err, ErrConflict)

	got, _ := f.svc.GetVisit(ctx, v.ID)
	if got.Status != StatusDraft || got.Version != 1 {
		t.Errorf("conflict must not change the visit, got %s v%d", got.Status, got.Version)
	}
	if f.counts.rejected["mark_ready/conflict"] != 1 {
		t.Errorf("expected rejected conflict to be counted, got %v", f.counts.rejected)
	}
}

func TestService_IllegalTransition(t *testing.T) {
	f := newFixture(t, "RN")
	v := f.create(t)
	_, err := f.svc.Submit(context.Background(), v.ID, v.Version, f.clinician)
	expectKind(t, err, ErrInvalidTransition)
}

func TestService_NotFound(t *testing.T) {
	f := newFixture(t, "RN")
	_, err := f.svc.MarkReady(context.Background(), uuid.New(), 1, f.clinician)
	expectKind(t, err, ErrNotFound)
	_, err = f.svc.GetVisitWithHistory(context.Background(), uuid.New())
	expectKind(t, err, ErrNotFound)
}

func TestService_PermissionGate(t *testing.T) {
	f := newFixture(t, "RN")
	ctx := context.Background()
	v := f.create(t)

	other := Actor{ID: uuid.New(), Role: RoleClinician, Credential: "RN"}
	_, err := f.svc.MarkReady(ctx, v.ID, v.Version, other)
	expectKind(t, err, ErrUnauthorized)

	student := f.clinician
	student.Credential = "STUDENT"
	_, err = f.svc.MarkReady(ctx, v.ID, v.Version, student)
	expectKind(t, err, ErrUnauthorized)

	_, err = f.svc.MarkReady(ctx, v.ID, v.Version, Actor{Role: RoleAdmin})
	expectKind(t, err, ErrUnauthorized)

	if _, err := f.svc.MarkReady(ctx, v.ID, v.Version, f.admin); err != nil {
		t.Errorf("admin should be able to mark ready: %v", err)
	}
}

func TestService_Addenda(t *testing.T) {
	f := newFixture(t, "RN")
	ctx := context.Background()

	draft := f.create(t)
	_, err := f.svc.AddAddendum(ctx, draft.ID, "note", f.clinician)
	expectKind(t, err, ErrInvalidTransition)

	v := f.signed(t)
	_, err = f.svc.AddAddendum(ctx, v.ID, "  ", f.clinician)
	expectKind(t, err, ErrValidation)

	a, err := f.svc.AddAddendum(ctx, v.ID, "patient called back", f.clinician)
	if err != nil {
		t.Fatalf("add addendum: %v", err)
	}
	if a.Note != "patient called back" || a.AuthorID != f.clinician.ID {
		t.Errorf("unexpected addendum %+v", a)
	}
	if _, err := f.svc.AddAddendum(ctx, v.ID, "second", f.admin); err != nil {
		t.Fatalf("admin addendum: %v", err)
	}

	got, _ := f.svc.GetVisit(ctx, v.ID)
	if got.Version != v.Version {
		t.Errorf("addenda must not bump the version: %d -> %d", v.Version, got.Version)
	}
	if got.AddendumCount != 2 {
		t.Errorf("expected 2 addenda, got %d", got.AddendumCount)
	}

	snap, _ := f.svc.GetVisitWithHistory(ctx, v.ID)
	if len(snap.Addenda) != 2 || snap.Addenda[0].Note != "patient called back" {
		t.Errorf("expected addenda oldest first, got %+v", snap.Addenda)
	}
}

func TestService_AddendumStates(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name  string
		setup func(t *testing.T, f *fixture) *Visit
		want  error
	}{
		{"draft", func(t *testing.T, f *fixture) *Visit { return f.create(t) }, ErrInvalidTransition},
		{"ready for signature", func(t *testing.T, f *fixture) *Visit {
			v := f.create(t)
			v, err := f.svc.MarkReady(ctx, v.ID, v.Version, f.clinician)
			if err != nil {
				t.Fatalf("mark ready: %v", err)
			}
			return v
		}, ErrInvalidTransition},
		{"signed", func(t *testing.T, f *fixture) *Visit { return f.signed(t) }, nil},
		{"submitted", func(t *testing.T, f *fixture) *Visit { return f.submitted(t) }, nil},
		{"being corrected", func(t *testing.T, f *fixture) *Visit {
			v := f.submitted(t)
			v, err := f.svc.RequestCorrection(ctx, v.ID, v.Version, "vitals missing", f.admin)
			if err != nil {
				t.Fatalf("request correction: %v", err)
			}
			return v
		}, ErrInvalidTransition},
		{"complete", func(t *testing.T, f *fixture) *Visit {
			v := f.submitted(t)
			v, _ = f.svc.RequestCorrection(ctx, v.ID, v.Version, "vitals missing", f.admin)
			v, err := f.svc.MarkCorrected(ctx, v.ID, v.Version, f.clinician)
			if err != nil {
				t.Fatalf("mark corrected: %v", err)
			}
			return v
		}, ErrInvalidTransition},
		{"voided", func(t *testing.T, f *fixture) *Visit {
			v := f.create(t)
			v, err := f.svc.VoidVisit(ctx, v.ID, v.Version, "wrong patient", f.admin)
			if err != nil {
				t.Fatalf("void: %v", err)
			}
			return v
		}, ErrInvalidTransition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, "RN")
			v := tt.setup(t, f)

			_, err := f.svc.AddAddendum(ctx, v.ID, "late entry", f.clinician)
			if tt.want == nil {
				if err != nil {
					t.Fatalf("add addendum in %s: %v", v.Status, err)
				}
			} else {
				expectKind(t, err, tt.want)
			}

			got, _ := f.svc.GetVisit(ctx, v.ID)
			if got.Status != v.Status || got.Version != v.Version {
				t.Errorf("addendum changed the visit: %s v%d -> %s v%d", v.Status, v.Version, got.Status, got.Version)
			}
		})
	}
}

func TestService_AddendaOnSubmittedVisit(t *testing.T) {
	f := newFixture(t, "RN")
	ctx := context.Background()
	v := f.submitted(t)

	notes := []string{"lab results reviewed", "patient called back", "referral faxed"}
	for i, note := range notes {
		actor := f.clinician
		if i == 1 {
			actor = f.admin
		}
		if _, err := f.svc.AddAddendum(ctx, v.ID, note, actor); err != nil {
			t.Fatalf("addendum %d: %v", i, err)
		}
	}

	snap, err := f.svc.GetVisitWithHistory(ctx, v.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if snap.Visit.Status != StatusSubmitted || snap.Visit.Version != v.Version {
		t.Errorf("addenda must leave the visit submitted at v%d, got %s v%d", v.Version, snap.Visit.Status, snap.Visit.Version)
	}
	if len(snap.Addenda) != len(notes) {
		t.Fatalf("expected %d addenda, got %d", len(notes), len(snap.Addenda))
	}
	for i, a := range snap.Addenda {
		if a.Note != notes[i] {
			t.Errorf("addendum %d = %q, want %q", i, a.Note, notes[i])
		}
	}
	if snap.Addenda[1].AuthorID != f.admin.ID {
		t.Errorf("expected the admin to author the second addendum")
	}
	tail := snap.AuditTrail[len(snap.AuditTrail)-len(notes):]
	for _, e := range tail {
		if e.EventType != EventAddendumAdded {
			t.Errorf("expected addendum audit entries last, got %s", e.EventType)
		}
	}
}

func TestService_ConcurrentAddenda(t *testing.T) {
	f := newFixture(t, "RN")
	v := f.signed(t)

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.AddAddendum(context.Background(), v.ID, "cosigned note", f.clinician)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("concurrent addendum failed: %v", err)
		}
	}

	snap, err := f.svc.GetVisitWithHistory(context.Background(), v.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if snap.Visit.AddendumCount != workers || len(snap.Addenda) != workers {
		t.Errorf("expected %d addenda, got count %d rows %d", workers, snap.Visit.AddendumCount, len(snap.Addenda))
	}
	if snap.Visit.Version != v.Version {
		t.Errorf("addenda must not bump the version: %d -> %d", v.Version, snap.Visit.Version)
	}
	ids := map[uuid.UUID]bool{}
	for _, a := range snap.Addenda {
		ids[a.ID] = true
	}
	if len(ids) != workers {
		t.Errorf("expected %d distinct addenda, got %d", workers, len(ids))
	}
}

func TestService_ColleagueAddsAddendum(t *testing.T) {
	f := newFixture(t, "LPN")
	ctx := context.Background()
	v := f.signed(t)
	colleague := Actor{ID: uuid.New(), Role: RoleClinician, Credential: "MD"}

	a, err := f.svc.AddAddendum(ctx, v.ID, "covering physician reviewed", colleague)
	if err != nil {
		t.Fatalf("colleague addendum: %v", err)
	}
	if a.AuthorID != colleague.ID {
		t.Errorf("expected the colleague as author, got %s", a.AuthorID)
	}

	student := Actor{ID: uuid.New(), Role: RoleClinician, Credential: "STUDENT"}
	_, err = f.svc.AddAddendum(ctx, v.ID, "observed", student)
	expectKind(t, err, ErrUnauthorized)
}

func TestService_AdminCollectsPatientSignature(t *testing.T) {
	f := newFixture(t, "LPN")
	ctx := context.Background()
	v := f.signed(t)

	v, err := f.svc.SignPatient(ctx, v.ID, v.Version, typedSignature("Sam Patient"), f.admin)
	if err != nil {
		t.Fatalf("admin patient signature: %v", err)
	}
	if v.PatientSignatureID == nil {
		t.Fatal("expected a patient signature")
	}

	snap, _ := f.svc.GetVisitWithHistory(ctx, v.ID)
	for _, sig := range snap.Signatures {
		if sig.SignerRole == SignerPatient && sig.SignedBy != f.admin.ID {
			t.Errorf("expected the admin to collect the patient signature, got %s", sig.SignedBy)
		}
	}

	if _, err := f.svc.Submit(ctx, v.ID, v.Version, f.clinician); err != nil {
		t.Fatalf("submit: %v", err)
	}
}

func TestService_ColleagueCollectsPatientSignature(t *testing.T) {
	f := newFixture(t, "LPN")
	ctx := context.Background()
	v := f.signed(t)
	colleague := Actor{ID: uuid.New(), Role: RoleClinician, Credential: "MA"}

	if _, err := f.svc.SignPatient(ctx, v.ID, v.Version, typedSignature("Sam Patient"), colleague); err != nil {
		t.Fatalf("colleague patient signature: %v", err)
	}
}

func TestService_GetVisitWithHistory(t *testing.T) {
	f := newFixture(t, "RN")
	ctx := context.Background()
	v := f.submitted(t)
	v, _ = f.svc.RequestCorrection(ctx, v.ID, v.Version, "add vitals", f.admin)

	snap, err := f.svc.GetVisitWithHistory(ctx, v.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if snap.Visit.Status != StatusBeingCorrected {
		t.Errorf("expected being_corrected, got %s", snap.Visit.Status)
	}
	if len(snap.CorrectionNotes) != 1 || snap.CorrectionNotes[0].Note != "add vitals" {
		t.Errorf("unexpected correction notes %+v", snap.CorrectionNotes)
	}
	if len(snap.AuditTrail) != 5 {
		t.Fatalf("expected 5 audit entries, got %d", len(snap.AuditTrail))
	}
	last := snap.AuditTrail[4]
	if last.FromStatus != StatusSubmitted || last.ToStatus != StatusBeingCorrected || last.Payload["note"] != "add vitals" {
		t.Errorf("unexpected last audit entry %+v", last)
	}
	if snap.Addenda == nil || len(snap.Addenda) != 0 {
		t.Error("expected an empty, non-nil addenda list")
	}
}

func TestService_ListVisits(t *testing.T) {
	f := newFixture(t, "RN")
	ctx := context.Background()
	f.create(t)
	f.signed(t)

	all, total, err := f.svc.ListVisits(ctx, Filter{}, 10, 0)
	if err != nil || total != 2 || len(all) != 2 {
		t.Fatalf("expected 2 visits, got %d (%v)", total, err)
	}
	signed, total, _ := f.svc.ListVisits(ctx, Filter{Status: StatusSigned}, 10, 0)
	if total != 1 || signed[0].Status != StatusSigned {
		t.Errorf("expected a single signed visit, got %d", total)
	}
	_, _, err = f.svc.ListVisits(ctx, Filter{Status: "archived"}, 10, 0)
	expectKind(t, err, ErrValidation)
}

func TestService_PublisherFailureDoesNotRollBack(t *testing.T) {
	f := newFixture(t, "RN")
	f.events.err = errors.New("hub down")
	v := f.create(t)

	v, err := f.svc.MarkReady(context.Background(), v.ID, v.Version, f.clinician)
	if err != nil {
		t.Fatalf("publisher errors must not fail commands: %v", err)
	}
	if v.Status != StatusReadyForSignature {
		t.Errorf("expected ready_for_signature, got %s", v.Status)
	}
	if f.counts.committed[string(EventMarkedReady)] != 1 {
		t.Errorf("expected committed transition to be counted, got %v", f.counts.committed)
	}
}

func TestService_ConcurrentMarkReady(t *testing.T) {
	f := newFixture(t, "RN")
	v := f.create(t)

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.MarkReady(context.Background(), v.ID, v.Version, f.clinician)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	succeeded, conflicts, other := 0, 0, 0
	for err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrConflict), errors.Is(err, ErrInvalidTransition):
			conflicts++
		default:
			other++
		}
	}
	if succeeded != 1 {
		t.Errorf("expected exactly one winner, got %d", succeeded)
	}
	if conflicts != workers-1 || other != 0 {
		t.Errorf("expected %d conflicts, got %d (other %d)", workers-1, conflicts, other)
	}

	got, _ := f.svc.GetVisit(context.Background(), v.ID)
	if got.Version != 2 {
		t.Errorf("expected version 2, got %d", got.Version)
	}
}
