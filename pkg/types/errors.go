package types

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the pipeline.
var (
	// ErrEmptyParameterSpace is returned when a search has nothing to sample.
	ErrEmptyParameterSpace = errors.New("empty parameter space")

	// ErrInvalidRequest is returned for malformed run requests.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrUnknownMethod is returned for an unknown allocation method, sampler or objective.
	ErrUnknownMethod = errors.New("unknown method")

	// ErrNoCandidates is returned when a generator yields no strategies.
	ErrNoCandidates = errors.New("no candidates")
)

// SetupError is a fatal configuration or input problem detected before work starts.
type SetupError struct {
	Op  string
	Err error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("setup %s: %v", e.Op, e.Err)
}

func (e *SetupError) Unwrap() error {
	return e.Err
}

// NewSetupError wraps err as a SetupError for op.
func NewSetupError(op string, err error) *SetupError {
	return &SetupError{Op: op, Err: err}
}

// ExecutionFailure is a per-unit failure: one backtest or trial that did not
// produce metrics. It is counted and excluded, never fatal to the batch.
type ExecutionFailure struct {
	Unit       string
	StrategyID string
	Reason     string
	Err        error
}

func (e *ExecutionFailure) Error() string {
	msg := fmt.Sprintf("execution %s failed for %s: %s", e.Unit, e.StrategyID, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExecutionFailure) Unwrap() error {
	return e.Err
}

// AsExecutionFailure normalises any executor error into an ExecutionFailure.
func AsExecutionFailure(err error, unit, strategyID string) *ExecutionFailure {
	var ef *ExecutionFailure
	if errors.As(err, &ef) {
		return ef
	}
	return &ExecutionFailure{Unit: unit, StrategyID: strategyID, Reason: "executor error", Err: err}
}

// IOFailure is a persistence failure. In-memory results remain valid.
type IOFailure struct {
	Op   string
	Path string
	Err  error
}

func (e *IOFailure) Error() string {
	return fmt.Sprintf("io %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOFailure) Unwrap() error {
	return e.Err
}

// IsSetupError reports whether err is or wraps a SetupError.
func IsSetupError(err error) bool {
	var se *SetupError
	return errors.As(err, &se)
}
