package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kujo/internal/model"
)

const complaintColumns = `id, tenant_id, reference, business_id, raw_text, status, summary, category,
	legal_category, industry, risk_level, complexity_score, priority_score, routing, ai_confidence,
	is_systemic_risk, systemic_cluster_id, monetary_value, submitted_at, triaged_at, resolved_at,
	created_at, updated_at`

func scanComplaint(row pgx.Row) (model.Complaint, error) {
	var c model.Complaint
	err := row.Scan(
		&c.ID, &c.TenantID, &c.Reference, &c.BusinessID, &c.RawText, &c.Status, &c.Summary, &c.Category,
		&c.LegalCat, &c.Industry, &c.RiskLevel, &c.Complexity, &c.Priority, &c.Routing, &c.Confidence,
		&c.IsSystemic, &c.ClusterID, &c.MonetaryVal, &c.SubmittedAt, &c.TriagedAt, &c.ResolvedAt,
		&c.CreatedAt, &c.UpdatedAt,
	)
	return c, err
}

func collectComplaints(rows pgx.Rows) ([]model.Complaint, error) {
	defer rows.Close()
	var out []model.Complaint
	for rows.Next() {
		c, err := scanComplaint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// newReference builds a human-readable complaint reference such as
// CMP-M1X2Y3Z4-AB12.
func newReference(id uuid.UUID, now time.Time) string {
	return "CMP-" + strings.ToUpper(strconv.FormatInt(now.UnixMilli(), 36)) + "-" + strings.ToUpper(id.String()[:4])
}

// CreateComplaint inserts a complaint in draft status, or submitted when
// submit is true.
func (db *DB) CreateComplaint(ctx context.Context, tenantID uuid.UUID, req model.CreateComplaintRequest) (model.Complaint, error) {
	now := time.Now().UTC()
	id := uuid.New()
	status := model.StatusDraft
	var submittedAt *time.Time
	if req.Submit {
		status = model.StatusSubmitted
		submittedAt = &now
	}

	row := db.pool.QueryRow(ctx,
		`INSERT INTO complaints (id, tenant_id, reference, business_id, raw_text, status, submitted_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		 RETURNING `+complaintColumns,
		id, tenantID, newReference(id, now), req.BusinessID, req.RawText, string(status), submittedAt, now,
	)
	c, err := scanComplaint(row)
	if err != nil {
		return model.Complaint{}, fmt.Errorf("storage: create complaint: %w", err)
	}
	return c, nil
}

// GetComplaint returns a tenant's complaint by ID.
func (db *DB) GetComplaint(ctx context.Context, tenantID, id uuid.UUID) (model.Complaint, error) {
	c, err := scanComplaint(db.pool.QueryRow(ctx,
		`SELECT `+complaintColumns+` FROM complaints WHERE id = $1 AND tenant_id = $2`, id, tenantID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Complaint{}, ErrNotFound
		}
		return model.Complaint{}, fmt.Errorf("storage: get complaint: %w", err)
	}
	return c, nil
}

// GetComplaints returns the tenant's complaints among ids, ordered by ID.
// IDs belonging to other tenants are silently absent.
func (db *DB) GetComplaints(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) ([]model.Complaint, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+complaintColumns+` FROM complaints WHERE tenant_id = $1 AND id = ANY($2) ORDER BY id`,
		tenantID, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get complaints: %w", err)
	}
	out, err := collectComplaints(rows)
	if err != nil {
		return nil, fmt.Errorf("storage: scan complaint: %w", err)
	}
	return out, nil
}

// ComplaintFilter narrows ListComplaints.
type ComplaintFilter struct {
	Status  *model.ComplaintStatus
	Routing *model.Routing
	Limit   int
	Offset  int
}

// ListComplaints returns a page of the tenant's complaints, highest
// priority first, plus the total matching count.
func (db *DB) ListComplaints(ctx context.Context, tenantID uuid.UUID, f ComplaintFilter) ([]model.Complaint, int, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	where := `tenant_id = $1 AND ($2::text IS NULL OR status = $2) AND ($3::text IS NULL OR routing = $3)`

	var total int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM complaints WHERE `+where, tenantID, f.Status, f.Routing,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count complaints: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+complaintColumns+` FROM complaints WHERE `+where+`
		 ORDER BY priority_score DESC NULLS LAST, created_at DESC
		 LIMIT $4 OFFSET $5`,
		tenantID, f.Status, f.Routing, f.Limit, f.Offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list complaints: %w", err)
	}
	out, err := collectComplaints(rows)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: scan complaint: %w", err)
	}
	return out, total, nil
}

// SubmitComplaint moves a draft to submitted. Submitting an already
// submitted complaint is a no-op that returns it unchanged.
func (db *DB) SubmitComplaint(ctx context.Context, tenantID, id uuid.UUID) (model.Complaint, error) {
	c, err := scanComplaint(db.pool.QueryRow(ctx,
		`UPDATE complaints
		 SET status = 'submitted', submitted_at = COALESCE(submitted_at, now()), updated_at = now()
		 WHERE id = $1 AND tenant_id = $2 AND status IN ('draft', 'submitted')
		 RETURNING `+complaintColumns,
		id, tenantID,
	))
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.Complaint{}, fmt.Errorf("storage: submit complaint: %w", err)
	}
	if _, getErr := db.GetComplaint(ctx, tenantID, id); getErr != nil {
		return model.Complaint{}, getErr
	}
	return model.Complaint{}, ErrInvalidTransition
}

// SaveTriageResult writes the derived triage fields and marks the complaint
// triaged. The systemic flag can be raised here but never cleared, and a
// complaint that is already systemic or clustered keeps systemic_review
// routing whatever r.Routing says.
func (db *DB) SaveTriageResult(ctx context.Context, tenantID uuid.UUID, r model.TriageResult) (model.Complaint, error) {
	summary := r.Summary.ExecutiveSummary
	legal := r.Classification.LegalCategory
	category := r.Classification.PrimaryCategory
	if category == "" && r.Extraction.ComplaintCategory != nil {
		category = *r.Extraction.ComplaintCategory
	}

	c, err := scanComplaint(db.pool.QueryRow(ctx,
		`UPDATE complaints SET
			summary = $3, category = NULLIF($4, ''), legal_category = NULLIF($5, ''), industry = $6,
			risk_level = $7, complexity_score = $8, priority_score = $9,
			routing = CASE WHEN is_systemic_risk OR systemic_cluster_id IS NOT NULL
				THEN 'systemic_review' ELSE $10 END,
			ai_confidence = $11, monetary_value = $12,
			is_systemic_risk = is_systemic_risk OR $13,
			status = CASE WHEN status IN ('submitted', 'triaging', 'triaged') THEN 'triaged' ELSE status END,
			triaged_at = $14, updated_at = now()
		 WHERE id = $1 AND tenant_id = $2
		 RETURNING `+complaintColumns,
		r.ComplaintID, tenantID,
		summary, category, legal, r.Extraction.Industry,
		string(r.Risk.RiskLevel), r.Risk.ComplexityScore, r.PriorityScore, string(r.Routing),
		r.Confidence, r.Extraction.MonetaryValue,
		r.Classification.IsSystemicRisk,
		r.TriagedAt,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Complaint{}, ErrNotFound
		}
		return model.Complaint{}, fmt.Errorf("storage: save triage result: %w", err)
	}
	return c, nil
}

// ApplyOverride overwrites the derived fields named in req. Nil fields are
// left unchanged.
func (db *DB) ApplyOverride(ctx context.Context, tenantID, id uuid.UUID, req model.OverrideRequest) (model.Complaint, error) {
	c, err := scanComplaint(db.pool.QueryRow(ctx,
		`UPDATE complaints SET
			risk_level = COALESCE($3, risk_level),
			routing = COALESCE($4, routing),
			priority_score = COALESCE($5, priority_score),
			updated_at = now()
		 WHERE id = $1 AND tenant_id = $2
		 RETURNING `+complaintColumns,
		id, tenantID, req.RiskLevel, req.Routing, req.PriorityScore,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Complaint{}, ErrNotFound
		}
		return model.Complaint{}, fmt.Errorf("storage: apply override: %w", err)
	}
	return c, nil
}

// ElevateRouting moves a complaint to systemic_review and returns the
// routing it had before. changed is false when it was already there.
func (db *DB) ElevateRouting(ctx context.Context, tenantID, id uuid.UUID) (prior *model.Routing, changed bool, err error) {
	err = db.pool.QueryRow(ctx,
		`UPDATE complaints c SET routing = 'systemic_review', updated_at = now()
		 FROM (SELECT id, routing FROM complaints WHERE id = $1 AND tenant_id = $2 FOR UPDATE) prev
		 WHERE c.id = prev.id AND c.routing IS DISTINCT FROM 'systemic_review'
		 RETURNING prev.routing`,
		id, tenantID,
	).Scan(&prior)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("storage: elevate routing: %w", err)
	}
	return prior, true, nil
}

// ListClusterMembers returns the complaints in a tenant's cluster.
func (db *DB) ListClusterMembers(ctx context.Context, tenantID, clusterID uuid.UUID) ([]model.Complaint, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+complaintColumns+` FROM complaints
		 WHERE tenant_id = $1 AND systemic_cluster_id = $2
		 ORDER BY created_at`,
		tenantID, clusterID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list cluster members: %w", err)
	}
	out, err := collectComplaints(rows)
	if err != nil {
		return nil, fmt.Errorf("storage: scan complaint: %w", err)
	}
	return out, nil
}

// CountComplaintsSince counts the tenant's complaints created at or after
// since.
func (db *DB) CountComplaintsSince(ctx context.Context, tenantID uuid.UUID, since time.Time) (int, error) {
	var n int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM complaints WHERE tenant_id = $1 AND created_at >= $2`,
		tenantID, since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count complaints: %w", err)
	}
	return n, nil
}

// EscalateOverdue moves every complaint that has sat in awaiting_response
// since before cutoff to escalated, across all tenants, and returns them.
func (db *DB) EscalateOverdue(ctx context.Context, cutoff time.Time) ([]model.Complaint, error) {
	rows, err := db.pool.Query(ctx,
		`UPDATE complaints SET status = 'escalated', updated_at = now()
		 WHERE status = 'awaiting_response' AND updated_at < $1
		 RETURNING `+complaintColumns,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: escalate overdue: %w", err)
	}
	out, err := collectComplaints(rows)
	if err != nil {
		return nil, fmt.Errorf("storage: scan complaint: %w", err)
	}
	return out, nil
}

// SetStatus moves a complaint to status. Used by operators and tests.
func (db *DB) SetStatus(ctx context.Context, tenantID, id uuid.UUID, status model.ComplaintStatus) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE complaints SET status = $3, updated_at = now(),
			resolved_at = CASE WHEN $3 = 'resolved' THEN now() ELSE resolved_at END
		 WHERE id = $1 AND tenant_id = $2`,
		id, tenantID, string(status),
	)
	if err != nil {
		return fmt.Errorf("storage: set status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
