package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kujo/internal/integrity"
	"github.com/ashita-ai/kujo/internal/model"
)

const aiOutputColumns = `id, tenant_id, complaint_id, cluster_id, output_type, model, prompt, raw_output,
	parsed_output, confidence, reasoning, prompt_tokens, completion_tokens, total_tokens, latency_ms,
	was_edited, supersedes_id, edited_by, prior_author, correction_note, content_hash, created_at`

func scanAIOutput(row pgx.Row) (model.AIOutput, error) {
	var o model.AIOutput
	var parsed []byte
	err := row.Scan(
		&o.ID, &o.TenantID, &o.ComplaintID, &o.ClusterID, &o.OutputType, &o.Model, &o.Prompt, &o.RawOutput,
		&parsed, &o.Confidence, &o.Reasoning, &o.TokenUsage.Prompt, &o.TokenUsage.Completion, &o.TokenUsage.Total,
		&o.LatencyMs, &o.WasEdited, &o.SupersedesID, &o.EditedBy, &o.PriorAuthor, &o.CorrectionNote,
		&o.ContentHash, &o.CreatedAt,
	)
	o.ParsedOutput = parsed
	return o, err
}

// InsertAIOutput appends a record to the audit log. The prompt is
// truncated, ID and CreatedAt are filled when zero, and the content hash
// is computed over the stored values.
func (db *DB) InsertAIOutput(ctx context.Context, o model.AIOutput) (model.AIOutput, error) {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	o.CreatedAt = o.CreatedAt.Truncate(time.Microsecond)
	o.Prompt = model.TruncatePrompt(o.Prompt)
	o.ContentHash = integrity.ContentHash(o)

	var parsed []byte
	if len(o.ParsedOutput) > 0 {
		parsed = o.ParsedOutput
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO ai_outputs (`+aiOutputColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`,
		o.ID, o.TenantID, o.ComplaintID, o.ClusterID, string(o.OutputType), o.Model, o.Prompt, o.RawOutput,
		parsed, o.Confidence, o.Reasoning, o.TokenUsage.Prompt, o.TokenUsage.Completion, o.TokenUsage.Total,
		o.LatencyMs, o.WasEdited, o.SupersedesID, o.EditedBy, o.PriorAuthor, o.CorrectionNote, o.ContentHash, o.CreatedAt,
	)
	if err != nil {
		return model.AIOutput{}, fmt.Errorf("storage: insert ai output: %w", err)
	}
	return o, nil
}

// ListAIOutputs returns every record for a tenant's complaint, oldest first.
func (db *DB) ListAIOutputs(ctx context.Context, tenantID, complaintID uuid.UUID) ([]model.AIOutput, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+aiOutputColumns+` FROM ai_outputs
		 WHERE tenant_id = $1 AND complaint_id = $2
		 ORDER BY created_at, id`,
		tenantID, complaintID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list ai outputs: %w", err)
	}
	defer rows.Close()

	var out []model.AIOutput
	for rows.Next() {
		o, err := scanAIOutput(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan ai output: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// LatestAIOutput returns the newest record of any of the given types for a
// tenant's complaint.
func (db *DB) LatestAIOutput(ctx context.Context, tenantID, complaintID uuid.UUID, types ...model.OutputType) (model.AIOutput, error) {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	o, err := scanAIOutput(db.pool.QueryRow(ctx,
		`SELECT `+aiOutputColumns+` FROM ai_outputs
		 WHERE tenant_id = $1 AND complaint_id = $2 AND output_type = ANY($3)
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1`,
		tenantID, complaintID, names,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AIOutput{}, ErrNotFound
		}
		return model.AIOutput{}, fmt.Errorf("storage: latest ai output: %w", err)
	}
	return o, nil
}

// UnsupersededDrafts returns Line-1 draft records for a complaint that no
// later record supersedes.
func (db *DB) UnsupersededDrafts(ctx context.Context, tenantID, complaintID uuid.UUID) ([]model.AIOutput, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+aiOutputColumns+` FROM ai_outputs o
		 WHERE o.tenant_id = $1 AND o.complaint_id = $2
		   AND o.output_type IN ('draft_response', 'draft_business_notice')
		   AND NOT EXISTS (SELECT 1 FROM ai_outputs s WHERE s.supersedes_id = o.id)
		 ORDER BY o.created_at`,
		tenantID, complaintID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: unsuperseded drafts: %w", err)
	}
	defer rows.Close()

	var out []model.AIOutput
	for rows.Next() {
		o, err := scanAIOutput(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan ai output: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
