package triage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/ashita-ai/kujo/internal/model"
	"github.com/ashita-ai/kujo/internal/service/gateway"
)

// Recorder appends AI output records to the audit log.
type Recorder interface {
	InsertAIOutput(ctx context.Context, o model.AIOutput) (model.AIOutput, error)
}

// Call describes one structured model invocation.
type Call struct {
	TenantID    uuid.UUID
	ComplaintID *uuid.UUID
	ClusterID   *uuid.UUID
	Type        model.OutputType
	System      string
	Prompt      string
}

// validator is implemented by stage payloads with constraints beyond JSON shape.
type validator interface {
	Validate() error
}

// Run sends c as a JSON-mode completion, decodes the reply into T and
// appends an audit record. A reply that does not decode is still recorded
// before Run returns a *StageError wrapping ErrMalformedOutput.
func Run[T any](ctx context.Context, llm gateway.Completer, rec Recorder, c Call) (T, model.AIOutput, error) {
	var out T
	comp, err := llm.Complete(ctx, []gateway.Message{
		{Role: gateway.RoleSystem, Content: c.System},
		{Role: gateway.RoleUser, Content: c.Prompt},
	}, gateway.DefaultCompleteOptions())
	if err != nil {
		return out, model.AIOutput{}, &StageError{Stage: c.Type, Err: err}
	}

	record := model.AIOutput{
		TenantID:    c.TenantID,
		ComplaintID: c.ComplaintID,
		ClusterID:   c.ClusterID,
		OutputType:  c.Type,
		Model:       comp.Model,
		Prompt:      c.Prompt,
		RawOutput:   comp.Content,
		TokenUsage:  comp.Usage,
		LatencyMs:   comp.LatencyMs,
	}

	body := stripFences(comp.Content)
	decodeErr := json.Unmarshal(body, &out)
	if decodeErr == nil {
		if v, ok := any(&out).(validator); ok {
			decodeErr = v.Validate()
		}
	}
	if decodeErr == nil {
		record.ParsedOutput = json.RawMessage(body)
		var meta struct {
			Confidence *float64 `json:"confidence"`
			Reasoning  *string  `json:"reasoning"`
		}
		_ = json.Unmarshal(body, &meta)
		record.Confidence = meta.Confidence
		record.Reasoning = meta.Reasoning
	}

	saved, err := rec.InsertAIOutput(ctx, record)
	if err != nil {
		return out, model.AIOutput{}, fmt.Errorf("triage: record %s output: %w", c.Type, err)
	}
	if decodeErr != nil {
		return out, saved, &StageError{Stage: c.Type, Err: fmt.Errorf("%w: %v", ErrMalformedOutput, decodeErr)}
	}
	return out, saved, nil
}

// stripFences removes a Markdown code fence some models wrap JSON in even
// when asked not to.
func stripFences(s string) []byte {
	b := bytes.TrimSpace([]byte(s))
	if !bytes.HasPrefix(b, []byte("```")) {
		return b
	}
	b = bytes.TrimPrefix(b, []byte("```"))
	b = bytes.TrimPrefix(b, []byte("json"))
	b = bytes.TrimSuffix(bytes.TrimSpace(b), []byte("```"))
	return bytes.TrimSpace(b)
}

func confidence(o model.AIOutput) float64 {
	if o.Confidence == nil {
		return 0
	}
	return *o.Confidence
}
