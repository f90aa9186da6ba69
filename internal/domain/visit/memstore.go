package visit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store used by tests and STORE_DRIVER=memory.
// A single mutex makes every Commit atomic.
type MemoryStore struct {
	mu         sync.Mutex
	visits     map[uuid.UUID]*Visit
	signatures map[uuid.UUID][]*Signature
	addenda    map[uuid.UUID][]*Addendum
	audit      map[uuid.UUID][]*AuditEntry
	seq        int64
	now        func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		visits:     make(map[uuid.UUID]*Visit),
		signatures: make(map[uuid.UUID][]*Signature),
		addenda:    make(map[uuid.UUID][]*Addendum),
		audit:      make(map[uuid.UUID][]*AuditEntry),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) Create(_ context.Context, v *Visit, entry *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	v.CreatedAt = now
	v.UpdatedAt = now
	m.visits[v.ID] = v.clone()
	m.appendAudit(entry, now)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Visit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.visits[id]
	if !ok {
		return nil, notFound(id)
	}
	out := v.clone()
	out.markResolved()
	return out, nil
}

func (m *MemoryStore) Commit(_ context.Context, c *Commit) (*Visit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.visits[c.Visit.ID]
	if !ok {
		return nil, notFound(c.Visit.ID)
	}
	if cur.Version != c.ExpectedVersion {
		return nil, conflict(c.ExpectedVersion, cur.Version)
	}
	if c.Signature != nil {
		for _, s := range m.signatures[cur.ID] {
			if s.SignerRole == c.Signature.SignerRole {
				return nil, validationError("a %s signature already exists for this visit", s.SignerRole)
			}
		}
	}

	now := m.now()
	next := cur.clone()
	next.Status = c.Visit.Status
	next.ProviderSignatureID = c.Visit.ProviderSignatureID
	next.PatientSignatureID = c.Visit.PatientSignatureID
	next.PatientSignatureRequired = c.Visit.PatientSignatureRequired
	next.CorrectionsResolved = c.Visit.CorrectionsResolved
	if next.VoidReason == nil && c.Visit.VoidReason != nil {
		r := *c.Visit.VoidReason
		next.VoidReason = &r
	}
	if c.CorrectionNote != nil {
		note := *c.CorrectionNote
		note.Seq = len(next.CorrectionNotes) + 1
		next.CorrectionNotes = append(next.CorrectionNotes, note)
	}
	next.Version = cur.Version + 1
	next.UpdatedAt = now

	if c.Signature != nil {
		sig := *c.Signature
		m.signatures[cur.ID] = append(m.signatures[cur.ID], &sig)
	}
	c.Audit.Version = next.Version
	m.appendAudit(c.Audit, now)
	m.visits[cur.ID] = next

	out := next.clone()
	out.markResolved()
	return out, nil
}

func (m *MemoryStore) AppendAddendum(_ context.Context, a *Addendum, entry *AuditEntry, allowed []Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.visits[a.VisitID]
	if !ok {
		return notFound(a.VisitID)
	}
	if !containsStatus(allowed, cur.Status) {
		return invalidTransition("addenda can only be added to signed or submitted visits (visit is %s)", cur.Status)
	}
	now := m.now()
	a.CreatedAt = now
	stored := *a
	m.addenda[a.VisitID] = append(m.addenda[a.VisitID], &stored)
	cur.AddendumCount++
	entry.FromStatus = cur.Status
	entry.ToStatus = cur.Status
	entry.Version = cur.Version
	m.appendAudit(entry, now)
	return nil
}

func (m *MemoryStore) List(_ context.Context, f Filter, limit, offset int) ([]*Visit, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []*Visit
	for _, v := range m.visits {
		if f.matches(v) {
			matched = append(matched, v)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].VisitDate.Equal(matched[j].VisitDate) {
			return matched[i].VisitDate.After(matched[j].VisitDate)
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	total := len(matched)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	items := make([]*Visit, 0, end-offset)
	for _, v := range matched[offset:end] {
		c := v.clone()
		c.markResolved()
		items = append(items, c)
	}
	return items, total, nil
}

func (m *MemoryStore) Signatures(_ context.Context, visitID uuid.UUID) ([]*Signature, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Signature, 0, len(m.signatures[visitID]))
	for _, s := range m.signatures[visitID] {
		c := *s
		out = append(out, &c)
	}
	return out, nil
}

func (m *MemoryStore) Addenda(_ context.Context, visitID uuid.UUID) ([]*Addendum, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Addendum, 0, len(m.addenda[visitID]))
	for _, a := range m.addenda[visitID] {
		c := *a
		out = append(out, &c)
	}
	return out, nil
}

func (m *MemoryStore) AuditTrail(_ context.Context, visitID uuid.UUID) ([]*AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*AuditEntry, 0, len(m.audit[visitID]))
	for _, e := range m.audit[visitID] {
		c := *e
		c.Payload = copyPayload(e.Payload)
		out = append(out, &c)
	}
	return out, nil
}

// appendAudit must be called with mu held.
func (m *MemoryStore) appendAudit(e *AuditEntry, now time.Time) {
	m.seq++
	e.Seq = m.seq
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	stored := *e
	stored.Payload = copyPayload(e.Payload)
	m.audit[e.VisitID] = append(m.audit[e.VisitID], &stored)
}

func copyPayload(p map[string]string) map[string]string {
	if p == nil {
		return nil
	}
	out := make(map[string]string, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

func containsStatus(list []Status, s Status) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
