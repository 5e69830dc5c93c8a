// Package artifact exports completed verification bundles to external
// storage.
//
// Sinks are write-only: nothing published here is read back by the
// service, and job state never depends on a publish succeeding.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind selects a sink implementation.
type Kind string

const (
	KindNone Kind = "none"
	KindFile Kind = "file"
	KindS3   Kind = "s3"
)

// Sentinel errors for sink operations.
var (
	// ErrAccessDenied indicates insufficient permissions on the target.
	ErrAccessDenied = errors.New("access denied")

	// ErrBucketNotFound indicates the target bucket does not exist.
	ErrBucketNotFound = errors.New("bucket not found")

	// ErrInvalidCredentials indicates authentication failed.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrThrottled indicates the request was rate limited.
	ErrThrottled = errors.New("request throttled")

	// ErrUnavailable indicates the storage service is unavailable.
	ErrUnavailable = errors.New("storage unavailable")
)

// SinkError wraps a failed publish with its target.
type SinkError struct {
	Op   string
	Kind Kind
	// Target is the directory or bucket.
	Target string
	Key    string
	Err    error
}

// Error implements the error interface.
func (e *SinkError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s %s: %s/%s: %v", e.Kind, e.Op, e.Target, e.Key, e.Err)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Kind, e.Op, e.Target, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *SinkError) Unwrap() error {
	return e.Err
}

// Sink stores one JSON document per job.
type Sink interface {
	// Publish stores payload for jobID and returns where it was written.
	Publish(ctx context.Context, jobID string, payload []byte) (string, error)
}

// Nop discards everything.
type Nop struct{}

// Publish implements Sink.
func (Nop) Publish(context.Context, string, []byte) (string, error) {
	return "", nil
}

// Config selects and configures a sink.
type Config struct {
	Kind Kind
	Dir  string
	S3   S3Config
}

// New builds the sink described by cfg.
func New(ctx context.Context, cfg Config) (Sink, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(string(cfg.Kind)))) {
	case "", KindNone:
		return Nop{}, nil
	case KindFile:
		return NewFileSink(cfg.Dir)
	case KindS3:
		return NewS3Sink(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unknown artifact kind %q (expected none, file or s3)", cfg.Kind)
	}
}

// objectName is the file or key name for a job's bundle.
func objectName(jobID string) (string, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" || strings.ContainsAny(jobID, `/\`) || jobID == "." || jobID == ".." {
		return "", fmt.Errorf("invalid job id %q", jobID)
	}
	return jobID + ".json", nil
}
