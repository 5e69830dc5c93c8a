// Package output writes job events as JSONL.
//
// Each line is a typed envelope that can be parsed on its own, so a
// consumer can follow a job with a line-oriented reader.
package output

import (
	"encoding/json"
	"errors"
	"time"
)

// Record types follow the pattern beaconproof.<type>.v<version>.
const (
	// TypeJob carries a full job view.
	TypeJob = "beaconproof.job.v1"

	// TypeProgress carries a phase change of a running job.
	TypeProgress = "beaconproof.progress.v1"

	// TypeError carries the failure of a job.
	TypeError = "beaconproof.error.v1"
)

// Record is the envelope for every line.
type Record struct {
	Type  string          `json:"type"`
	TS    time.Time       `json:"ts"`
	JobID string          `json:"job_id"`
	Data  json.RawMessage `json:"data"`
}

// ProgressRecord reports that a job entered a new phase.
type ProgressRecord struct {
	Phase  string `json:"phase"`
	Status string `json:"status"`
}

// ErrorRecord reports a failed job. Phase is the last phase the job
// reported before failing.
type ErrorRecord struct {
	Phase   string `json:"phase,omitempty"`
	Message string `json:"message"`
}

// ErrWriterClosed is returned by writes after Close.
var ErrWriterClosed = errors.New("output writer is closed")

// WriteError wraps a failure to emit a record.
type WriteError struct {
	Op  string
	Err error
}

func (e *WriteError) Error() string {
	return "output " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
