package visit

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a visit note.
type Status string

const (
	StatusDraft             Status = "draft"
	StatusReadyForSignature Status = "ready_for_signature"
	StatusSigned            Status = "signed"
	StatusSubmitted         Status = "submitted"
	StatusBeingCorrected    Status = "being_corrected"
	StatusComplete          Status = "complete"
	StatusVoided            Status = "voided"
)

type SignerRole string

const (
	SignerProvider SignerRole = "provider"
	SignerPatient  SignerRole = "patient"
)

type SignatureMethod string

const (
	MethodDrawn SignatureMethod = "drawn"
	MethodTyped SignatureMethod = "typed"
)

// Actor roles recognised by the lifecycle. The office reviewer is an admin.
const (
	RoleClinician = "clinician"
	RoleAdmin     = "admin"
)

// Actor is the authenticated caller of a command.
type Actor struct {
	ID         uuid.UUID `json:"id"`
	Role       string    `json:"role"`
	Credential string    `json:"credential,omitempty"`
}

// Visit maps to the visit table.
type Visit struct {
	ID                       uuid.UUID        `db:"id" json:"id"`
	PatientID                uuid.UUID        `db:"patient_id" json:"patient_id"`
	ClinicianID              uuid.UUID        `db:"clinician_id" json:"clinician_id"`
	FacilityID               uuid.UUID        `db:"facility_id" json:"facility_id"`
	VisitDate                time.Time        `db:"visit_date" json:"visit_date"`
	Status                   Status           `db:"status" json:"status"`
	ProviderSignatureID      *uuid.UUID       `db:"provider_signature_id" json:"provider_signature_id,omitempty"`
	PatientSignatureID       *uuid.UUID       `db:"patient_signature_id" json:"patient_signature_id,omitempty"`
	PatientSignatureRequired bool             `db:"patient_signature_required" json:"patient_signature_required"`
	CorrectionNotes          []CorrectionNote `json:"correction_notes"`
	CorrectionsResolved      int              `db:"corrections_resolved" json:"corrections_resolved"`
	VoidReason               *string          `db:"void_reason" json:"void_reason,omitempty"`
	AddendumCount            int              `db:"addendum_count" json:"addendum_count"`
	Version                  int              `db:"version" json:"version"`
	CreatedAt                time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt                time.Time        `db:"updated_at" json:"updated_at"`
}

func (v *Visit) GetVersionID() int  { return v.Version }
func (v *Visit) SetVersionID(n int) { v.Version = n }

// IsOwner reports whether the actor authored the visit.
func (v *Visit) IsOwner(a Actor) bool {
	return a.ID != uuid.Nil && a.ID == v.ClinicianID
}

func (v *Visit) clone() *Visit {
	c := *v
	c.CorrectionNotes = append([]CorrectionNote(nil), v.CorrectionNotes...)
	if v.ProviderSignatureID != nil {
		id := *v.ProviderSignatureID
		c.ProviderSignatureID = &id
	}
	if v.PatientSignatureID != nil {
		id := *v.PatientSignatureID
		c.PatientSignatureID = &id
	}
	if v.VoidReason != nil {
		r := *v.VoidReason
		c.VoidReason = &r
	}
	return &c
}

// markResolved derives each note's resolved flag. Notes are appended on entry
// to being_corrected and resolved in order by markCorrected, so the first
// CorrectionsResolved notes are the resolved ones.
func (v *Visit) markResolved() {
	for i := range v.CorrectionNotes {
		v.CorrectionNotes[i].Resolved = i < v.CorrectionsResolved
	}
}

// Signature maps to the visit_signature table. Rows are never updated.
type Signature struct {
	ID                uuid.UUID       `db:"id" json:"id"`
	VisitID           uuid.UUID       `db:"visit_id" json:"visit_id"`
	SignerRole        SignerRole      `db:"signer_role" json:"signer_role"`
	SignerName        string          `db:"signer_name" json:"signer_name"`
	Artifact          []byte          `db:"artifact" json:"artifact"`
	Method            SignatureMethod `db:"method" json:"method"`
	SignedBy          uuid.UUID       `db:"signed_by" json:"signed_by"`
	SignedAt          time.Time       `db:"signed_at" json:"signed_at"`
	CertificationText string          `db:"certification_text" json:"certification_text"`
}

// CorrectionNote maps to the visit_correction_note table.
type CorrectionNote struct {
	Seq         int       `db:"seq" json:"seq"`
	Note        string    `db:"note" json:"note"`
	RequestedBy uuid.UUID `db:"requested_by" json:"requested_by"`
	RequestedAt time.Time `db:"requested_at" json:"requested_at"`
	Resolved    bool      `json:"resolved"`
}

// Addendum maps to the visit_addendum table.
type Addendum struct {
	ID        uuid.UUID `db:"id" json:"id"`
	VisitID   uuid.UUID `db:"visit_id" json:"visit_id"`
	AuthorID  uuid.UUID `db:"author_id" json:"author_id"`
	Note      string    `db:"note" json:"note"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

type EventType string

const (
	EventCreated             EventType = "visit.created"
	EventMarkedReady         EventType = "visit.marked_ready"
	EventProviderSigned      EventType = "visit.provider_signed"
	EventPatientSigned       EventType = "visit.patient_signed"
	EventSubmitted           EventType = "visit.submitted"
	EventCorrectionRequested EventType = "visit.correction_requested"
	EventCorrected           EventType = "visit.corrected"
	EventVoided              EventType = "visit.voided"
	EventAddendumAdded       EventType = "visit.addendum_added"
)

// AuditEntry maps to the visit_audit_entry table. Entries are write-once.
type AuditEntry struct {
	Seq        int64             `db:"seq" json:"seq"`
	ID         uuid.UUID         `db:"id" json:"id"`
	VisitID    uuid.UUID         `db:"visit_id" json:"visit_id"`
	ActorID    uuid.UUID         `db:"actor_id" json:"actor_id"`
	EventType  EventType         `db:"event_type" json:"event_type"`
	FromStatus Status            `db:"from_status" json:"from_status,omitempty"`
	ToStatus   Status            `db:"to_status" json:"to_status"`
	Version    int               `db:"version" json:"version"`
	Payload    map[string]string `db:"payload" json:"payload,omitempty"`
	CreatedAt  time.Time         `db:"created_at" json:"created_at"`
}

// Snapshot is the read model handed to document export and review screens.
type Snapshot struct {
	Visit           *Visit           `json:"visit"`
	Signatures      []*Signature     `json:"signatures"`
	CorrectionNotes []CorrectionNote `json:"correction_notes"`
	Addenda         []*Addendum      `json:"addenda"`
	AuditTrail      []*AuditEntry    `json:"audit_trail"`
}

// Filter narrows ListVisits. Zero values match everything.
type Filter struct {
	Status      Status
	ClinicianID uuid.UUID
	PatientID   uuid.UUID
	FacilityID  uuid.UUID
}

func (f Filter) matches(v *Visit) bool {
	if f.Status != "" && v.Status != f.Status {
		return false
	}
	if f.ClinicianID != uuid.Nil && v.ClinicianID != f.ClinicianID {
		return false
	}
	if f.PatientID != uuid.Nil && v.PatientID != f.PatientID {
		return false
	}
	if f.FacilityID != uuid.Nil && v.FacilityID != f.FacilityID {
		return false
	}
	return true
}
