package notification

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/ehr/visitdoc/internal/platform/auth"
)

func TestTemplateEngine_RegisterAndRender(t *testing.T) {
	eng := NewTemplateEngine()
	eng.RegisterTemplate(Template{
		ID:      "test-tpl",
		Subject: "Hello {{name}}",
		Body:    "Dear {{name}}, your code is {{code}}.",
		Type:    TypeEmail,
	})

	subject, body, err := eng.Render("test-tpl", map[string]string{"name": "Alice", "code": "1234"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if subject != "Hello Alice" {
		t.Errorf("subject = %q, want %q", subject, "Hello Alice")
	}
	if body != "Dear Alice, your code is 1234." {
		t.Errorf("body = %q", body)
	}
}

func TestTemplateEngine_RenderMissing(t *testing.T) {
	if _, _, err := NewTemplateEngine().Render("nonexistent", nil); err == nil {
		t.Fatal("expected error for missing template, got nil")
	}
}

func TestTemplateEngine_VisitTemplates(t *testing.T) {
	eng := NewTemplateEngine()

	subject, body, err := eng.Render(TemplateCorrectionRequested, map[string]string{
		"visit_date": "2026-03-01",
		"note":       "Vitals missing",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(subject, "2026-03-01") || !strings.Contains(body, "Vitals missing") {
		t.Errorf("unexpected rendering: %q / %q", subject, body)
	}

	_, body, err = eng.Render(TemplateVisitVoided, map[string]string{"visit_date": "2026-03-01", "reason": "duplicate"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(body, "duplicate") {
		t.Errorf("body should contain the reason, got %q", body)
	}
}

func TestTemplateEngine_RenderMissingKey(t *testing.T) {
	_, body, err := NewTemplateEngine().Render(TemplateVisitVoided, map[string]string{"visit_date": "2026-03-01"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(body, "{{reason}}") {
		t.Errorf("unfilled placeholder should be left as-is, got %q", body)
	}
}

func TestNotificationManager_SendEmail(t *testing.T) {
	emailMock := &MockEmailSender{}
	mgr := NewNotificationManager(emailMock, NewTemplateEngine())

	n := &Notification{Type: TypeEmail, Recipient: "clin-1", Subject: "S", Body: "B"}
	if err := mgr.Send(context.Background(), n); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.Status != "sent" || n.SentAt == nil {
		t.Errorf("expected sent with SentAt, got %q", n.Status)
	}
	calls := emailMock.Calls()
	if len(calls) != 1 || calls[0].To != "clin-1" || calls[0].Subject != "S" {
		t.Errorf("unexpected email calls: %+v", calls)
	}
}

func TestNotificationManager_SendInApp(t *testing.T) {
	emailMock := &MockEmailSender{}
	mgr := NewNotificationManager(emailMock, NewTemplateEngine())

	n := &Notification{Type: TypeInApp, Recipient: "clin-1", Body: "visit voided"}
	if err := mgr.Send(context.Background(), n); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.Status != "sent" {
		t.Errorf("status = %q, want sent", n.Status)
	}
	if len(emailMock.Calls()) != 0 {
		t.Error("in-app notifications must not send email")
	}
}

func TestNotificationManager_SendFailed(t *testing.T) {
	emailMock := &MockEmailSender{ShouldFail: true, FailError: "SMTP connection refused"}
	mgr := NewNotificationManager(emailMock, NewTemplateEngine())

	n := &Notification{Type: TypeEmail, Recipient: "clin-1", Body: "x"}
	if err := mgr.Send(context.Background(), n); err == nil {
		t.Fatal("expected error from failed send")
	}
	if n.Status != "failed" || n.Error != "SMTP connection refused" {
		t.Errorf("unexpected result: status=%q error=%q", n.Status, n.Error)
	}
}

func TestNotificationManager_UnsupportedType(t *testing.T) {
	mgr := NewNotificationManager(&MockEmailSender{}, NewTemplateEngine())
	if err := mgr.Send(context.Background(), &Notification{Type: "fax", Recipient: "r"}); err == nil {
		t.Fatal("expected error for unsupported type")
	}
}

func TestNotificationManager_SendFromTemplate(t *testing.T) {
	mgr := NewNotificationManager(&MockEmailSender{}, NewTemplateEngine())

	n, err := mgr.SendFromTemplate(context.Background(), TemplateCorrectionRequested, map[string]string{
		"visit_date": "2026-03-01",
		"note":       "Sign the care plan",
	}, "clin-1", TypeInApp)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.TemplateID != TemplateCorrectionRequested || n.Type != TypeInApp {
		t.Errorf("unexpected notification %+v", n)
	}
	if !strings.Contains(n.Body, "Sign the care plan") {
		t.Errorf("body should contain the note, got %q", n.Body)
	}
}

func TestNotificationManager_ListByRecipient(t *testing.T) {
	mgr := NewNotificationManager(&MockEmailSender{}, NewTemplateEngine())
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = mgr.Send(ctx, &Notification{Type: TypeInApp, Recipient: "clin-1", Body: "a"})
	}
	_ = mgr.Send(ctx, &Notification{Type: TypeInApp, Recipient: "clin-2", Body: "b"})

	list, _ := mgr.ListByRecipient(ctx, "clin-1", 100)
	if len(list) != 3 {
		t.Errorf("expected 3 notifications for clin-1, got %d", len(list))
	}
	list, _ = mgr.ListByRecipient(ctx, "clin-1", 2)
	if len(list) != 2 {
		t.Errorf("expected limit to apply, got %d", len(list))
	}
	list, _ = mgr.ListByRecipient(ctx, "nobody", 10)
	if list == nil || len(list) != 0 {
		t.Errorf("expected empty non-nil list, got %v", list)
	}
}

func TestNotificationManager_Retry(t *testing.T) {
	emailMock := &MockEmailSender{ShouldFail: true, FailError: "temporary failure"}
	mgr := NewNotificationManager(emailMock, NewTemplateEngine())
	ctx := context.Background()

	n := &Notification{Type: TypeEmail, Recipient: "clin-1", Body: "x"}
	_ = mgr.Send(ctx, n)

	emailMock.mu.Lock()
	emailMock.ShouldFail = false
	emailMock.mu.Unlock()

	if err := mgr.Retry(ctx, n.ID); err != nil {
		t.Fatalf("unexpected retry error: %v", err)
	}
	got, _ := mgr.GetNotification(ctx, n.ID)
	if got.Status != "sent" || got.Error != "" {
		t.Errorf("expected sent with cleared error, got %q / %q", got.Status, got.Error)
	}
	if err := mgr.Retry(ctx, n.ID); err == nil {
		t.Error("expected error retrying a sent notification")
	}
}

func TestNotificationManager_Stats(t *testing.T) {
	emailMock := &MockEmailSender{}
	mgr := NewNotificationManager(emailMock, NewTemplateEngine())
	ctx := context.Background()
	_ = mgr.Send(ctx, &Notification{Type: TypeEmail, Recipient: "a", Body: "x"})
	_ = mgr.Send(ctx, &Notification{Type: "fax", Recipient: "b", Body: "x"})

	stats := mgr.NotificationStats(ctx)
	if stats["sent"] != 1 || stats["failed"] != 1 {
		t.Errorf("unexpected stats %v", stats)
	}
}

func TestNotificationManager_ConcurrentSend(t *testing.T) {
	mgr := NewNotificationManager(&MockEmailSender{}, NewTemplateEngine())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = mgr.Send(context.Background(), &Notification{Type: TypeInApp, Recipient: "clin-1", Body: "x"})
		}()
	}
	wg.Wait()
	if got := mgr.NotificationStats(context.Background())["sent"]; got != 50 {
		t.Errorf("expected 50 sent, got %d", got)
	}
}

func requestAs(method, target, userID string, roles ...string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	return req.WithContext(auth.WithUser(req.Context(), userID, roles, ""))
}

func TestNotificationHandler_ListOwnInbox(t *testing.T) {
	mgr := NewNotificationManager(&MockEmailSender{}, NewTemplateEngine())
	ctx := context.Background()
	_ = mgr.Send(ctx, &Notification{Type: TypeInApp, Recipient: "clin-1", Body: "mine"})
	_ = mgr.Send(ctx, &Notification{Type: TypeInApp, Recipient: "clin-2", Body: "theirs"})

	e := echo.New()
	NewNotificationHandler(mgr).RegisterRoutes(e.Group(""))

	// A clinician cannot read another inbox through ?recipient=.
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, requestAs(http.MethodGet, "/notifications?recipient=clin-2", "clin-1", auth.RoleClinician))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var list []*Notification
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(list) != 1 || list[0].Body != "mine" {
		t.Errorf("expected only own notification, got %+v", list)
	}
}

func TestNotificationHandler_GetOtherRecipientHidden(t *testing.T) {
	mgr := NewNotificationManager(&MockEmailSender{}, NewTemplateEngine())
	n := &Notification{Type: TypeInApp, Recipient: "clin-2", Body: "theirs"}
	_ = mgr.Send(context.Background(), n)

	e := echo.New()
	NewNotificationHandler(mgr).RegisterRoutes(e.Group(""))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, requestAs(http.MethodGet, "/notifications/"+n.ID, "clin-1", auth.RoleClinician))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, requestAs(http.MethodGet, "/notifications/"+n.ID, "admin-1", auth.RoleAdmin))
	if rec.Code != http.StatusOK {
		t.Errorf("expected admin to read it, got %d", rec.Code)
	}
}

func TestNotificationHandler_StatsAdminOnly(t *testing.T) {
	mgr := NewNotificationManager(&MockEmailSender{}, NewTemplateEngine())
	e := echo.New()
	NewNotificationHandler(mgr).RegisterRoutes(e.Group(""))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, requestAs(http.MethodGet, "/notifications/stats", "clin-1", auth.RoleClinician))
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, requestAs(http.MethodGet, "/notifications/stats", "admin-1", auth.RoleAdmin))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}
