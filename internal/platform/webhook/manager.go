// Package webhook pushes visit lifecycle events to registered integration
// endpoints (billing, practice management). Payloads are signed with
// HMAC-SHA256 and failed deliveries are retried with backoff.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("webhook: not found")

const (
	StatusActive = "active"
	StatusPaused = "paused"

	DeliverySuccess = "success"
	DeliveryFailed  = "failed"

	SignatureHeader = "X-Webhook-Signature"
	EndpointHeader  = "X-Webhook-ID"
	TimestampHeader = "X-Webhook-Timestamp"
)

// Endpoint is a registered delivery target. Events holds subscription
// patterns such as "visit.submitted" or "visit.*".
type Endpoint struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Secret    string    `json:"secret,omitempty"`
	Events    []string  `json:"events"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Event is the envelope posted to endpoints.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	SubjectID string          `json:"subject_id"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Delivery records one delivery of an event to one endpoint, including all of
// its attempts.
type Delivery struct {
	ID           string          `json:"id"`
	EndpointID   string          `json:"endpoint_id"`
	EventID      string          `json:"event_id"`
	EventType    string          `json:"event_type"`
	Body         json.RawMessage `json:"body"`
	StatusCode   int             `json:"status_code"`
	ResponseBody string          `json:"response_body,omitempty"`
	Attempts     int             `json:"attempts"`
	Status       string          `json:"status"`
	Error        string          `json:"error,omitempty"`
	Duration     time.Duration   `json:"duration_ns"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Store persists endpoints and delivery logs.
type Store interface {
	CreateEndpoint(ctx context.Context, ep *Endpoint) error
	GetEndpoint(ctx context.Context, id string) (*Endpoint, error)
	ListEndpoints(ctx context.Context) ([]*Endpoint, error)
	UpdateEndpoint(ctx context.Context, ep *Endpoint) error
	DeleteEndpoint(ctx context.Context, id string) error
	RecordDelivery(ctx context.Context, d *Delivery) error
	GetDelivery(ctx context.Context, id string) (*Delivery, error)
	ListDeliveries(ctx context.Context, endpointID string, limit, offset int) ([]*Delivery, int, error)
}

// MemoryStore keeps endpoints and deliveries in process.
type MemoryStore struct {
	mu         sync.RWMutex
	endpoints  map[string]*Endpoint
	deliveries map[string]*Delivery
	order      []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		endpoints:  make(map[string]*Endpoint),
		deliveries: make(map[string]*Delivery),
	}
}

func (s *MemoryStore) CreateEndpoint(_ context.Context, ep *Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.endpoints[ep.ID]; ok {
		return fmt.Errorf("webhook: endpoint %s already exists", ep.ID)
	}
	cp := *ep
	s.endpoints[ep.ID] = &cp
	return nil
}

func (s *MemoryStore) GetEndpoint(_ context.Context, id string) (*Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ep, ok := s.endpoints[id]
	if !ok {
		return nil, fmt.Errorf("%w: endpoint %s", ErrNotFound, id)
	}
	cp := *ep
	return &cp, nil
}

func (s *MemoryStore) ListEndpoints(_ context.Context) ([]*Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Endpoint, 0, len(s.endpoints))
	for _, ep := range s.endpoints {
		cp := *ep
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) UpdateEndpoint(_ context.Context, ep *Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.endpoints[ep.ID]; !ok {
		return fmt.Errorf("%w: endpoint %s", ErrNotFound, ep.ID)
	}
	cp := *ep
	s.endpoints[ep.ID] = &cp
	return nil
}

func (s *MemoryStore) DeleteEndpoint(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.endpoints[id]; !ok {
		return fmt.Errorf("%w: endpoint %s", ErrNotFound, id)
	}
	delete(s.endpoints, id)
	return nil
}

func (s *MemoryStore) RecordDelivery(_ context.Context, d *Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deliveries[d.ID]; !ok {
		s.order = append(s.order, d.ID)
	}
	cp := *d
	s.deliveries[d.ID] = &cp
	return nil
}

func (s *MemoryStore) GetDelivery(_ context.Context, id string) (*Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deliveries[id]
	if !ok {
		return nil, fmt.Errorf("%w: delivery %s", ErrNotFound, id)
	}
	cp := *d
	return &cp, nil
}

// ListDeliveries returns an endpoint's deliveries, newest first.
func (s *MemoryStore) ListDeliveries(_ context.Context, endpointID string, limit, offset int) ([]*Delivery, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []*Delivery
	for i := len(s.order) - 1; i >= 0; i-- {
		d := s.deliveries[s.order[i]]
		if d.EndpointID == endpointID {
			cp := *d
			matched = append(matched, &cp)
		}
	}
	total := len(matched)
	if offset >= total {
		return []*Delivery{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

// SignPayload returns the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature produced by SignPayload. A "sha256="
// prefix, as sent in SignatureHeader, is accepted.
func VerifySignature(payload []byte, secret, signature string) bool {
	signature = strings.TrimPrefix(signature, "sha256=")
	return hmac.Equal([]byte(SignPayload(payload, secret)), []byte(signature))
}

type Option func(*Manager)

func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.client = c }
}

// WithRetryDelays sets the wait before each retry. The number of delays is the
// number of retries after the first attempt.
func WithRetryDelays(delays ...time.Duration) Option {
	return func(m *Manager) { m.retryDelays = delays }
}

// Manager registers endpoints and delivers events to them.
type Manager struct {
	store       Store
	client      *http.Client
	retryDelays []time.Duration
	now         func() time.Time
}

func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:       store,
		client:      &http.Client{Timeout: 10 * time.Second},
		retryDelays: []time.Duration{time.Second, 30 * time.Second, 5 * time.Minute},
		now:         time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func validateURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if s := strings.ToLower(u.Scheme); s != "http" && s != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("url must include a host")
	}
	return nil
}

// Register validates and stores a new endpoint. An empty secret is replaced
// with a random one.
func (m *Manager) Register(ctx context.Context, rawURL, secret string, events []string) (*Endpoint, error) {
	if err := validateURL(rawURL); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, errors.New("at least one event pattern is required")
	}
	if secret == "" {
		s, err := generateSecret()
		if err != nil {
			return nil, fmt.Errorf("generate secret: %w", err)
		}
		secret = s
	}
	ep := &Endpoint{
		ID:        uuid.NewString(),
		URL:       rawURL,
		Secret:    secret,
		Events:    events,
		Status:    StatusActive,
		CreatedAt: m.now(),
	}
	if err := m.store.CreateEndpoint(ctx, ep); err != nil {
		return nil, err
	}
	return ep, nil
}

func (m *Manager) Endpoint(ctx context.Context, id string) (*Endpoint, error) {
	return m.store.GetEndpoint(ctx, id)
}

// Endpoints lists registered endpoints without their secrets.
func (m *Manager) Endpoints(ctx context.Context) ([]*Endpoint, error) {
	eps, err := m.store.ListEndpoints(ctx)
	if err != nil {
		return nil, err
	}
	for _, ep := range eps {
		ep.Secret = ""
	}
	return eps, nil
}

func (m *Manager) Remove(ctx context.Context, id string) error {
	return m.store.DeleteEndpoint(ctx, id)
}

func (m *Manager) Pause(ctx context.Context, id string) error {
	return m.setStatus(ctx, id, StatusPaused)
}

func (m *Manager) Resume(ctx context.Context, id string) error {
	return m.setStatus(ctx, id, StatusActive)
}

func (m *Manager) setStatus(ctx context.Context, id, status string) error {
	ep, err := m.store.GetEndpoint(ctx, id)
	if err != nil {
		return err
	}
	ep.Status = status
	return m.store.UpdateEndpoint(ctx, ep)
}

// Deliveries returns an endpoint's delivery log, newest first.
func (m *Manager) Deliveries(ctx context.Context, endpointID string, limit, offset int) ([]*Delivery, int, error) {
	return m.store.ListDeliveries(ctx, endpointID, limit, offset)
}

// Matches reports whether a subscription pattern covers eventType. Patterns
// are exact names, "prefix.*" or "*".
func Matches(pattern, eventType string) bool {
	switch {
	case pattern == "*" || pattern == eventType:
		return true
	case strings.HasSuffix(pattern, ".*"):
		return strings.HasPrefix(eventType, strings.TrimSuffix(pattern, "*"))
	}
	return false
}

func subscribed(ep *Endpoint, eventType string) bool {
	for _, p := range ep.Events {
		if Matches(p, eventType) {
			return true
		}
	}
	return false
}

// Deliver sends event to every active endpoint subscribed to its type and
// returns one delivery per endpoint. It returns an error when any delivery
// ultimately failed.
func (m *Manager) Deliver(ctx context.Context, event Event) ([]*Delivery, error) {
	eps, err := m.store.ListEndpoints(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Delivery
	var errs []error
	for _, ep := range eps {
		if ep.Status != StatusActive || !subscribed(ep, event.Type) {
			continue
		}
		d, err := m.DeliverTo(ctx, ep, event)
		if err != nil {
			errs = append(errs, fmt.Errorf("endpoint %s: %w", ep.ID, err))
		}
		out = append(out, d)
	}
	return out, errors.Join(errs...)
}

// DeliverTo posts event to ep, retrying network errors and 5xx or 429
// responses. The delivery is recorded whatever the outcome.
func (m *Manager) DeliverTo(ctx context.Context, ep *Endpoint, event Event) (*Delivery, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	d := &Delivery{
		ID:         uuid.NewString(),
		EndpointID: ep.ID,
		EventID:    event.ID,
		EventType:  event.Type,
		Body:       body,
		CreatedAt:  m.now(),
	}
	err = m.attempt(ctx, ep, d)
	if rerr := m.store.RecordDelivery(ctx, d); rerr != nil && err == nil {
		err = rerr
	}
	return d, err
}

// Redeliver replays a recorded delivery to its endpoint as a new delivery.
func (m *Manager) Redeliver(ctx context.Context, deliveryID string) (*Delivery, error) {
	prev, err := m.store.GetDelivery(ctx, deliveryID)
	if err != nil {
		return nil, err
	}
	ep, err := m.store.GetEndpoint(ctx, prev.EndpointID)
	if err != nil {
		return nil, err
	}
	var event Event
	if err := json.Unmarshal(prev.Body, &event); err != nil {
		return nil, fmt.Errorf("decode recorded delivery: %w", err)
	}
	return m.DeliverTo(ctx, ep, event)
}

// Ping sends a synthetic webhook.ping event to one endpoint.
func (m *Manager) Ping(ctx context.Context, endpointID string) (*Delivery, error) {
	ep, err := m.store.GetEndpoint(ctx, endpointID)
	if err != nil {
		return nil, err
	}
	return m.DeliverTo(ctx, ep, Event{
		ID:        uuid.NewString(),
		Type:      "webhook.ping",
		SubjectID: ep.ID,
		Payload:   json.RawMessage(`{"ping":true}`),
		Timestamp: m.now(),
	})
}

func (m *Manager) attempt(ctx context.Context, ep *Endpoint, d *Delivery) error {
	start := time.Now()
	defer func() { d.Duration = time.Since(start) }()

	for i := 0; ; i++ {
		d.Attempts = i + 1
		retry, err := m.post(ctx, ep, d)
		if err == nil {
			d.Status = DeliverySuccess
			d.Error = ""
			return nil
		}
		d.Status = DeliveryFailed
		d.Error = err.Error()
		if !retry || i >= len(m.retryDelays) {
			return err
		}
		t := time.NewTimer(m.retryDelays[i])
		select {
		case <-ctx.Done():
			t.Stop()
			d.Error = ctx.Err().Error()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// post makes one HTTP attempt and reports whether a failure is retryable.
func (m *Manager) post(ctx context.Context, ep *Endpoint, d *Delivery) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(d.Body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, "sha256="+SignPayload(d.Body, ep.Secret))
	req.Header.Set(EndpointHeader, ep.ID)
	req.Header.Set(TimestampHeader, m.now().UTC().Format(time.RFC3339))

	resp, err := m.client.Do(req)
	if err != nil {
		d.StatusCode = 0
		return ctx.Err() == nil, err
	}
	defer resp.Body.Close()

	d.StatusCode = resp.StatusCode
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	d.ResponseBody = string(respBody)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return false, nil
	}
	retry := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
	return retry, fmt.Errorf("endpoint responded %d", resp.StatusCode)
}
