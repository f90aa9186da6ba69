package visit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ehr/visitdoc/internal/platform/auth"
	"github.com/ehr/visitdoc/internal/platform/notification"
	"github.com/ehr/visitdoc/internal/platform/webhook"
	"github.com/ehr/visitdoc/internal/platform/websocket"
)

// FieldAccessGate adapts the platform field access table to the lifecycle gate.
func FieldAccessGate(fa *auth.FieldAccess) PermissionGate {
	return PermissionFunc(func(credential, role string, isOwner bool, category FieldCategory) AccessLevel {
		return AccessLevel(fa.Access(credential, role, isOwner, string(category)))
	})
}

// HubPublisher pushes committed events to WebSocket subscribers. Every event
// goes to the visit's topic and the all-visits feed; alerts also go to the
// owning clinician's topic.
type HubPublisher struct {
	hub *websocket.Hub
}

func NewHubPublisher(hub *websocket.Hub) *HubPublisher {
	return &HubPublisher{hub: hub}
}

func (p *HubPublisher) PublishVisitEvent(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	topics := []string{websocket.VisitTopic(e.VisitID.String()), websocket.AllVisitsTopic}
	if e.Alerts() {
		topics = append(topics, websocket.ClinicianTopic(e.ClinicianID.String()))
	}
	return p.hub.Publish(ctx, websocket.Event{
		Type:      string(e.Type),
		VisitID:   e.VisitID.String(),
		Timestamp: e.OccurredAt,
		Data:      data,
	}, topics...)
}

// NotificationRecorder counts delivered and failed notifications.
type NotificationRecorder interface {
	NotificationSent(template, status string)
}

// NotificationPublisher tells the owning clinician when the office requests
// corrections on or voids one of their visits. Each alert lands in the
// in-app inbox and is mailed.
type NotificationPublisher struct {
	mgr      *notification.NotificationManager
	recorder NotificationRecorder
}

func NewNotificationPublisher(mgr *notification.NotificationManager, recorder NotificationRecorder) *NotificationPublisher {
	return &NotificationPublisher{mgr: mgr, recorder: recorder}
}

func (p *NotificationPublisher) PublishVisitEvent(ctx context.Context, e Event) error {
	if !e.Alerts() {
		return nil
	}
	templateID := notification.TemplateCorrectionRequested
	data := map[string]string{"visit_date": e.VisitDate.Format("2006-01-02")}
	if e.Type == EventVoided {
		templateID = notification.TemplateVisitVoided
		data["reason"] = e.Payload["reason"]
	} else {
		data["note"] = e.Payload["note"]
	}

	recipient := e.ClinicianID.String()
	var errs []error
	for _, channel := range []notification.NotificationType{notification.TypeInApp, notification.TypeEmail} {
		_, err := p.mgr.SendFromTemplate(ctx, templateID, data, recipient, channel)
		status := "sent"
		if err != nil {
			status = "failed"
			errs = append(errs, err)
		}
		if p.recorder != nil {
			p.recorder.NotificationSent(templateID, status)
		}
	}
	return errors.Join(errs...)
}

// WebhookQueue accepts events for asynchronous delivery.
type WebhookQueue interface {
	Enqueue(event webhook.Event) bool
}

// WebhookPublisher forwards every committed event to integration endpoints.
type WebhookPublisher struct {
	queue WebhookQueue
}

func NewWebhookPublisher(q WebhookQueue) *WebhookPublisher {
	return &WebhookPublisher{queue: q}
}

func (p *WebhookPublisher) PublishVisitEvent(_ context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	ev := webhook.Event{
		ID:        uuid.NewString(),
		Type:      string(e.Type),
		SubjectID: e.VisitID.String(),
		Payload:   data,
		Timestamp: e.OccurredAt,
	}
	if !p.queue.Enqueue(ev) {
		return fmt.Errorf("webhook queue rejected %s for visit %s", e.Type, e.VisitID)
	}
	return nil
}
