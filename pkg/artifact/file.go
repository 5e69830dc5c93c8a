package artifact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileSink writes bundles to <dir>/<job_id>.json.
type FileSink struct {
	dir string
}

// NewFileSink creates dir if needed and returns a sink writing into it.
func NewFileSink(dir string) (*FileSink, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("artifact dir is required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve artifact dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &FileSink{dir: abs}, nil
}

// Dir returns the absolute output directory.
func (s *FileSink) Dir() string {
	return s.dir
}

// Publish writes payload atomically: readers never see a partial file.
func (s *FileSink) Publish(ctx context.Context, jobID string, payload []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	name, err := objectName(jobID)
	if err != nil {
		return "", err
	}
	finalPath := filepath.Join(s.dir, name)

	tmp, err := os.CreateTemp(s.dir, name+".tmp.*")
	if err != nil {
		return "", s.wrap(name, fmt.Errorf("create temp file: %w", err))
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		return "", s.wrap(name, fmt.Errorf("write temp file: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return "", s.wrap(name, fmt.Errorf("sync temp file: %w", err))
	}
	if err := tmp.Close(); err != nil {
		return "", s.wrap(name, fmt.Errorf("close temp file: %w", err))
	}
	if err := os.Rename(tmpName, finalPath); err != nil {
		return "", s.wrap(name, fmt.Errorf("rename artifact: %w", err))
	}
	return finalPath, nil
}

func (s *FileSink) wrap(key string, err error) error {
	if os.IsPermission(err) {
		err = fmt.Errorf("%w: %v", ErrAccessDenied, err)
	}
	return &SinkError{Op: "Publish", Kind: KindFile, Target: s.dir, Key: key, Err: err}
}
