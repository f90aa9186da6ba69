package visit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/visitdoc/internal/platform/db"
)

// PGStore is the Postgres Store. Every write runs in one transaction and the
// visit row is updated with a version predicate, so a stale commit changes
// nothing.
type PGStore struct{ pool *pgxpool.Pool }

func NewPGStore(pool *pgxpool.Pool) *PGStore { return &PGStore{pool: pool} }

func (r *PGStore) conn(ctx context.Context) db.Queryable {
	return db.Conn(ctx, r.pool)
}

const visitCols = `id, patient_id, clinician_id, facility_id, visit_date, status,
	provider_signature_id, patient_signature_id, patient_signature_required,
	corrections_resolved, void_reason, addendum_count, version, created_at, updated_at`

func scanVisit(row pgx.Row) (*Visit, error) {
	var v Visit
	var status string
	err := row.Scan(&v.ID, &v.PatientID, &v.ClinicianID, &v.FacilityID, &v.VisitDate, &status,
		&v.ProviderSignatureID, &v.PatientSignatureID, &v.PatientSignatureRequired,
		&v.CorrectionsResolved, &v.VoidReason, &v.AddendumCount, &v.Version, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s, ok := NormalizeStatus(status)
	if !ok {
		return nil, fmt.Errorf("visit %s has unknown status %q", v.ID, status)
	}
	v.Status = s
	return &v, nil
}

func (r *PGStore) Create(ctx context.Context, v *Visit, entry *AuditEntry) error {
	return db.RunInTx(ctx, r.pool, func(ctx context.Context) error {
		err := r.conn(ctx).QueryRow(ctx, `
			INSERT INTO visit (id, patient_id, clinician_id, facility_id, visit_date, status,
				patient_signature_required, version)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING created_at, updated_at`,
			v.ID, v.PatientID, v.ClinicianID, v.FacilityID, v.VisitDate, string(v.Status),
			v.PatientSignatureRequired, v.Version,
		).Scan(&v.CreatedAt, &v.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert visit: %w", err)
		}
		return r.insertAudit(ctx, entry)
	})
}

func (r *PGStore) Get(ctx context.Context, id uuid.UUID) (*Visit, error) {
	v, err := scanVisit(r.conn(ctx).QueryRow(ctx, `SELECT `+visitCols+` FROM visit WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, err
	}
	if v.CorrectionNotes, err = r.correctionNotes(ctx, id); err != nil {
		return nil, err
	}
	v.markResolved()
	return v, nil
}

func (r *PGStore) correctionNotes(ctx context.Context, id uuid.UUID) ([]CorrectionNote, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT seq, note, requested_by, requested_at
		FROM visit_correction_note WHERE visit_id = $1 ORDER BY seq`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	notes := []CorrectionNote{}
	for rows.Next() {
		var n CorrectionNote
		if err := rows.Scan(&n.Seq, &n.Note, &n.RequestedBy, &n.RequestedAt); err != nil {
			return nil, err
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

func (r *PGStore) Commit(ctx context.Context, c *Commit) (*Visit, error) {
	var saved *Visit
	err := db.RunInTx(ctx, r.pool, func(ctx context.Context) error {
		next := c.Visit
		var version int
		err := r.conn(ctx).QueryRow(ctx, `
			UPDATE visit SET status = $3, provider_signature_id = $4, patient_signature_id = $5,
				patient_signature_required = $6, corrections_resolved = $7,
				void_reason = COALESCE(void_reason, $8),
				version = version + 1, updated_at = NOW()
			WHERE id = $1 AND version = $2
			RETURNING version`,
			next.ID, c.ExpectedVersion, string(next.Status), next.ProviderSignatureID, next.PatientSignatureID,
			next.PatientSignatureRequired, next.CorrectionsResolved, next.VoidReason,
		).Scan(&version)
		if errors.Is(err, pgx.ErrNoRows) {
			return r.missOrConflict(ctx, next.ID, c.ExpectedVersion)
		}
		if err != nil {
			return fmt.Errorf("update visit: %w", err)
		}

		if sig := c.Signature; sig != nil {
			_, err := r.conn(ctx).Exec(ctx, `
				INSERT INTO visit_signature (id, visit_id, signer_role, signer_name, artifact, method,
					signed_by, signed_at, certification_text)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				sig.ID, sig.VisitID, string(sig.SignerRole), sig.SignerName, sig.Artifact, string(sig.Method),
				sig.SignedBy, sig.SignedAt, sig.CertificationText)
			if db.IsUniqueViolation(err) {
				return validationError("a %s signature already exists for this visit", sig.SignerRole)
			}
			if err != nil {
				return fmt.Errorf("insert signature: %w", err)
			}
		}

		if n := c.CorrectionNote; n != nil {
			_, err := r.conn(ctx).Exec(ctx, `
				INSERT INTO visit_correction_note (visit_id, seq, note, requested_by, requested_at)
				SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4
				FROM visit_correction_note WHERE visit_id = $1`,
				next.ID, n.Note, n.RequestedBy, n.RequestedAt)
			if err != nil {
				return fmt.Errorf("insert correction note: %w", err)
			}
		}

		c.Audit.Version = version
		if err := r.insertAudit(ctx, c.Audit); err != nil {
			return err
		}

		saved, err = r.Get(ctx, next.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

// missOrConflict tells a missing visit apart from a stale version after a
// conditional write matched no row.
func (r *PGStore) missOrConflict(ctx context.Context, id uuid.UUID, expected int) error {
	var current int
	err := r.conn(ctx).QueryRow(ctx, `SELECT version FROM visit WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return notFound(id)
	}
	if err != nil {
		return err
	}
	return conflict(expected, current)
}

func (r *PGStore) AppendAddendum(ctx context.Context, a *Addendum, entry *AuditEntry, allowed []Status) error {
	statuses := make([]string, len(allowed))
	for i, s := range allowed {
		statuses[i] = string(s)
	}
	return db.RunInTx(ctx, r.pool, func(ctx context.Context) error {
		var status string
		var version int
		err := r.conn(ctx).QueryRow(ctx, `
			UPDATE visit SET addendum_count = addendum_count + 1, updated_at = NOW()
			WHERE id = $1 AND status = ANY($2)
			RETURNING status, version`,
			a.VisitID, statuses,
		).Scan(&status, &version)
		if errors.Is(err, pgx.ErrNoRows) {
			cur, getErr := r.Get(ctx, a.VisitID)
			if getErr != nil {
				return getErr
			}
			return invalidTransition("addenda can only be added to signed or submitted visits (visit is %s)", cur.Status)
		}
		if err != nil {
			return fmt.Errorf("update addendum count: %w", err)
		}

		err = r.conn(ctx).QueryRow(ctx, `
			INSERT INTO visit_addendum (id, visit_id, author_id, note)
			VALUES ($1, $2, $3, $4)
			RETURNING created_at`,
			a.ID, a.VisitID, a.AuthorID, a.Note,
		).Scan(&a.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert addendum: %w", err)
		}

		entry.FromStatus = Status(status)
		entry.ToStatus = Status(status)
		entry.Version = version
		return r.insertAudit(ctx, entry)
	})
}

func (r *PGStore) insertAudit(ctx context.Context, e *AuditEntry) error {
	payload := e.Payload
	if payload == nil {
		payload = map[string]string{}
	}
	var from *string
	if e.FromStatus != "" {
		s := string(e.FromStatus)
		from = &s
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO visit_audit_entry (id, visit_id, actor_id, event_type, from_status, to_status, version, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING seq, created_at`,
		e.ID, e.VisitID, e.ActorID, string(e.EventType), from, string(e.ToStatus), e.Version, payload,
	).Scan(&e.Seq, &e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (r *PGStore) List(ctx context.Context, f Filter, limit, offset int) ([]*Visit, int, error) {
	var where []string
	var args []interface{}
	add := func(col string, val interface{}) {
		args = append(args, val)
		where = append(where, col+" = $"+strconv.Itoa(len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status.Spellings())
		where = append(where, "status = ANY($"+strconv.Itoa(len(args))+")")
	}
	if f.ClinicianID != uuid.Nil {
		add("clinician_id", f.ClinicianID)
	}
	if f.PatientID != uuid.Nil {
		add("patient_id", f.PatientID)
	}
	if f.FacilityID != uuid.Nil {
		add("facility_id", f.FacilityID)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM visit`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+visitCols+` FROM visit`+clause+
		` ORDER BY visit_date DESC, created_at DESC LIMIT $`+strconv.Itoa(len(args)-1)+` OFFSET $`+strconv.Itoa(len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Visit
	for rows.Next() {
		v, err := scanVisit(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, v)
	}
	return items, total, rows.Err()
}

func (r *PGStore) Signatures(ctx context.Context, visitID uuid.UUID) ([]*Signature, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, visit_id, signer_role, signer_name, artifact, method, signed_by, signed_at, certification_text
		FROM visit_signature WHERE visit_id = $1 ORDER BY signed_at`, visitID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []*Signature{}
	for rows.Next() {
		var s Signature
		if err := rows.Scan(&s.ID, &s.VisitID, &s.SignerRole, &s.SignerName, &s.Artifact, &s.Method,
			&s.SignedBy, &s.SignedAt, &s.CertificationText); err != nil {
			return nil, err
		}
		items = append(items, &s)
	}
	return items, rows.Err()
}

func (r *PGStore) Addenda(ctx context.Context, visitID uuid.UUID) ([]*Addendum, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, visit_id, author_id, note, created_at
		FROM visit_addendum WHERE visit_id = $1 ORDER BY created_at, id`, visitID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []*Addendum{}
	for rows.Next() {
		var a Addendum
		if err := rows.Scan(&a.ID, &a.VisitID, &a.AuthorID, &a.Note, &a.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, &a)
	}
	return items, rows.Err()
}

func (r *PGStore) AuditTrail(ctx context.Context, visitID uuid.UUID) ([]*AuditEntry, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT seq, id, visit_id, actor_id, event_type, from_status, to_status, version, payload, created_at
		FROM visit_audit_entry WHERE visit_id = $1 ORDER BY seq`, visitID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []*AuditEntry{}
	for rows.Next() {
		var e AuditEntry
		var from *string
		if err := rows.Scan(&e.Seq, &e.ID, &e.VisitID, &e.ActorID, &e.EventType, &from, &e.ToStatus,
			&e.Version, &e.Payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		if from != nil {
			e.FromStatus = Status(*from)
		}
		items = append(items, &e)
	}
	return items, rows.Err()
}

// NormalizeLegacyStatuses rewrites every legacy status spelling to its
// canonical value in one transaction and returns the rows changed per value.
func (r *PGStore) NormalizeLegacyStatuses(ctx context.Context) (map[string]int64, error) {
	changed := make(map[string]int64)
	err := db.RunInTx(ctx, r.pool, func(ctx context.Context) error {
		for legacy, canonical := range LegacyStatusMappings() {
			if string(canonical) == legacy {
				continue
			}
			tag, err := r.conn(ctx).Exec(ctx, `
				UPDATE visit SET status = $2, updated_at = NOW()
				WHERE LOWER(TRIM(status)) = $1`, legacy, string(canonical))
			if err != nil {
				return fmt.Errorf("normalize %q: %w", legacy, err)
			}
			if n := tag.RowsAffected(); n > 0 {
				changed[legacy] = n
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return changed, nil
}
