package visit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Event is published after a lifecycle write has committed.
type Event struct {
	Type        EventType         `json:"type"`
	VisitID     uuid.UUID         `json:"visit_id"`
	ClinicianID uuid.UUID         `json:"clinician_id"`
	VisitDate   time.Time         `json:"visit_date"`
	ActorID     uuid.UUID         `json:"actor_id"`
	FromStatus  Status            `json:"from_status,omitempty"`
	ToStatus    Status            `json:"to_status"`
	Version     int               `json:"version"`
	Payload     map[string]string `json:"payload,omitempty"`
	OccurredAt  time.Time         `json:"occurred_at"`
}

// Alerts reports whether the owning clinician must be told about e.
func (e Event) Alerts() bool {
	return e.Type == EventCorrectionRequested || e.Type == EventVoided
}

// EventPublisher receives committed lifecycle events. Publishing happens after
// the commit, so a failing publisher never rolls back a transition.
type EventPublisher interface {
	PublishVisitEvent(ctx context.Context, e Event) error
}

// Publishers fans an event out to several publishers.
type Publishers []EventPublisher

func (ps Publishers) PublishVisitEvent(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range ps {
		if err := p.PublishVisitEvent(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder receives lifecycle counters.
type Recorder interface {
	TransitionCommitted(event string)
	CommandRejected(command, kind string)
}

type nopRecorder struct{}

func (nopRecorder) TransitionCommitted(string)     {}
func (nopRecorder) CommandRejected(string, string) {}

func eventFromEntry(v *Visit, e *AuditEntry) Event {
	return Event{
		Type:        e.EventType,
		VisitID:     v.ID,
		ClinicianID: v.ClinicianID,
		VisitDate:   v.VisitDate,
		ActorID:     e.ActorID,
		FromStatus:  e.FromStatus,
		ToStatus:    e.ToStatus,
		Version:     e.Version,
		Payload:     copyPayload(e.Payload),
		OccurredAt:  e.CreatedAt,
	}
}
