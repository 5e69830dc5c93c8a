package pipeline

import (
	"errors"
	"fmt"
)

// Phase names used in job failure messages.
const (
	PhaseChainParams      = "load chain parameters"
	PhaseFetchBlock       = "fetch beacon block"
	PhasePrepareProof     = "prepare proof"
	PhaseResolveTimestamp = "resolve anchor timestamp"
	PhaseCallOracle       = "call beacon roots contract"
)

// PhaseError reports which phase of a run failed.
type PhaseError struct {
	Phase string
	Err   error
}

// Error implements the error interface.
func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s: %v", e.Phase, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *PhaseError) Unwrap() error {
	return e.Err
}

// FailedPhase returns the phase name carried by err, if any.
func FailedPhase(err error) (string, bool) {
	var pe *PhaseError
	if errors.As(err, &pe) {
		return pe.Phase, true
	}
	return "", false
}

func phaseErr(phase string, err error) error {
	return &PhaseError{Phase: phase, Err: err}
}
