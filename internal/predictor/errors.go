package predictor

import (
	"errors"
	"fmt"
	"strings"

	"github.com/georgeshao/farmcast/internal/runner"
	"github.com/georgeshao/farmcast/pkg/types"
)

var (
	// ErrModelStillMissing means training completed but the prediction script
	// still could not find its artifact.
	ErrModelStillMissing = errors.New("model still missing after training")
	// ErrModelNotTrained means the prediction script found no artifact for a
	// kind that is not trained on demand.
	ErrModelNotTrained = errors.New("model not trained")
	ErrUnknownKind     = errors.New("unknown model kind")
)

// ExecutionError is a failed prediction process: a launch failure, a
// non-zero exit, or an explicit error reported on stdout.
type ExecutionError struct {
	Kind   types.ModelKind
	Output *runner.Output
	Err    error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("prediction %s failed: %v", e.Kind, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

func (e *ExecutionError) Stdout() string {
	if e.Output == nil {
		return ""
	}
	return strings.TrimSpace(e.Output.Stdout)
}

func (e *ExecutionError) Stderr() string {
	if e.Output == nil {
		return ""
	}
	return e.Output.Stderr
}
