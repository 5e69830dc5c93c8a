package output

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Writer emits job records. Implementations are safe for concurrent use.
type Writer interface {
	WriteJob(ctx context.Context, jobID string, view any) error
	WriteProgress(ctx context.Context, jobID string, prog *ProgressRecord) error
	WriteError(ctx context.Context, jobID string, rec *ErrorRecord) error
	Close() error
}

// JSONLWriter writes records as newline-delimited JSON to an io.Writer.
// Writes are serialized so lines never interleave.
type JSONLWriter struct {
	w   io.Writer
	now func() time.Time

	mu     sync.Mutex
	closed bool
}

// NewJSONLWriter creates a writer on w.
func NewJSONLWriter(w io.Writer) *JSONLWriter {
	return &JSONLWriter{w: w, now: time.Now}
}

// WriteJob emits a job record.
func (jw *JSONLWriter) WriteJob(ctx context.Context, jobID string, view any) error {
	return jw.writeRecord(ctx, TypeJob, jobID, view)
}

// WriteProgress emits a progress record.
func (jw *JSONLWriter) WriteProgress(ctx context.Context, jobID string, prog *ProgressRecord) error {
	return jw.writeRecord(ctx, TypeProgress, jobID, prog)
}

// WriteError emits an error record.
func (jw *JSONLWriter) WriteError(ctx context.Context, jobID string, rec *ErrorRecord) error {
	return jw.writeRecord(ctx, TypeError, jobID, rec)
}

// Close marks the writer closed. The underlying writer is left open.
func (jw *JSONLWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()
	jw.closed = true
	return nil
}

func (jw *JSONLWriter) writeRecord(ctx context.Context, recordType, jobID string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dataBytes, err := json.Marshal(data)
	if err != nil {
		return &WriteError{Op: "marshal_data", Err: err}
	}

	jw.mu.Lock()
	defer jw.mu.Unlock()
	if jw.closed {
		return ErrWriterClosed
	}

	line, err := json.Marshal(Record{
		Type:  recordType,
		TS:    jw.now().UTC(),
		JobID: jobID,
		Data:  dataBytes,
	})
	if err != nil {
		return &WriteError{Op: "marshal_record", Err: err}
	}
	if err := writeAll(jw.w, append(line, '\n')); err != nil {
		return &WriteError{Op: "write", Err: err}
	}
	return nil
}

// writeAll loops over short writes so a line is never truncated.
func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

var _ Writer = (*JSONLWriter)(nil)
