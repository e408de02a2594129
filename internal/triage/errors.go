package triage

import (
	"errors"
	"fmt"

	"github.com/ashita-ai/kujo/internal/model"
)

// ErrMalformedOutput means a model response did not decode into the schema
// its stage asked for. It is not retried automatically.
var ErrMalformedOutput = errors.New("triage: malformed model output")

// StageError records which stage failed. Err carries the cause, which is
// either ErrMalformedOutput or a gateway error.
type StageError struct {
	Stage model.OutputType
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("triage: %s stage: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
