package scan

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTarget  = errors.New("scan target must not be empty")
	ErrScanInProgress = errors.New("scan already in progress")
	ErrNotFound       = errors.New("scan session not found")
)

// Phase names the engine call a failure happened in.
type Phase string

const (
	PhaseSubmission Phase = "submission"
	PhasePoll       Phase = "poll"
	PhaseResults    Phase = "results"
)

// Failure is the terminal error recorded on a failed session.
type Failure struct {
	Phase   Phase
	Message string
	Err     error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s failed: %s", f.Phase, f.Message)
}

func (f *Failure) Unwrap() error {
	return f.Err
}
