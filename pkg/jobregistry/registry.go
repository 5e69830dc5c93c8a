package jobregistry

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Observer receives lifecycle notifications. Calls happen outside the
// registry lock and must not block.
type Observer interface {
	JobCreated(jobID string)
	JobFinished(jobID string, state JobState, elapsed time.Duration)
}

// RetentionPolicy controls eviction by Sweep.
//
// The zero value never evicts anything: every record lives for the lifetime
// of the process.
type RetentionPolicy struct {
	// Terminal evicts completed/failed jobs whose end time is older than
	// this. Zero keeps them forever.
	Terminal time.Duration

	// Stale evicts in-progress jobs that have not been updated for this
	// long. Zero keeps them forever.
	Stale time.Duration
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithRetention sets the eviction policy applied by Sweep.
func WithRetention(p RetentionPolicy) Option {
	return func(r *Registry) { r.retention = p }
}

// WithObserver registers a lifecycle observer.
func WithObserver(o Observer) Option {
	return func(r *Registry) { r.observer = o }
}

// Registry is the in-memory job table.
//
// All methods are safe for concurrent use. Mutations addressed to an unknown
// id are silent no-ops, and once a job is terminal further updates are
// ignored.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]*JobRecord

	now       func() time.Time
	retention RetentionPolicy
	observer  Observer
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		jobs: make(map[string]*JobRecord),
		now:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CreateOption annotates a job at creation time.
type CreateOption func(*JobRecord)

// WithLabel attaches an informational key/value to the job.
func WithLabel(key, value string) CreateOption {
	return func(rec *JobRecord) {
		if rec.Labels == nil {
			rec.Labels = make(map[string]string)
		}
		rec.Labels[key] = value
	}
}

// Create inserts a new in-progress job with no phase and returns its id.
func (r *Registry) Create(opts ...CreateOption) string {
	now := r.now()
	rec := &JobRecord{
		State:     JobStateInProgress,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, opt := range opts {
		opt(rec)
	}

	r.mu.Lock()
	for {
		// uuid v4 collisions are not a practical concern, but an id must
		// never be issued twice.
		id := uuid.New().String()
		if _, exists := r.jobs[id]; !exists {
			rec.JobID = id
			break
		}
	}
	r.jobs[rec.JobID] = rec
	r.mu.Unlock()

	if r.observer != nil {
		r.observer.JobCreated(rec.JobID)
	}
	return rec.JobID
}

// UpdatePhase overwrites the phase label of an in-progress job.
func (r *Registry) UpdatePhase(jobID, phase string) {
	r.mutate(jobID, func(next *JobRecord) bool {
		next.Phase = phase
		return true
	})
}

// Complete moves the job to completed and stores result.
func (r *Registry) Complete(jobID string, result any) {
	r.finish(jobID, JobStateCompleted, result, "")
}

// Fail moves the job to failed and stores the error message.
func (r *Registry) Fail(jobID string, errMsg string) {
	r.finish(jobID, JobStateFailed, nil, errMsg)
}

// finish swaps in the terminal record. The progress label belongs to the
// in-progress state and is cleared.
func (r *Registry) finish(jobID string, state JobState, result any, errMsg string) {
	var elapsed time.Duration
	applied := r.mutate(jobID, func(next *JobRecord) bool {
		ended := next.UpdatedAt
		next.State = state
		next.Phase = ""
		next.Result = result
		next.Error = errMsg
		next.EndedAt = &ended
		elapsed = ended.Sub(next.CreatedAt)
		return true
	})
	if applied && r.observer != nil {
		r.observer.JobFinished(jobID, state, elapsed)
	}
}

// mutate applies fn to a copy of the record and swaps it in. It returns
// false when the id is unknown or the job is already terminal.
func (r *Registry) mutate(jobID string, fn func(next *JobRecord) bool) bool {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.jobs[jobID]
	if !ok || cur.State.Terminal() {
		return false
	}
	next := *cur
	next.UpdatedAt = r.now()
	if !fn(&next) {
		return false
	}
	r.jobs[jobID] = &next
	return true
}

// Status returns the current view of a job. Unknown ids produce a view with
// state JobStateUnknown rather than an error.
func (r *Registry) Status(jobID string) JobView {
	jobID = strings.TrimSpace(jobID)

	r.mu.RLock()
	rec, ok := r.jobs[jobID]
	var v JobView
	if ok {
		v = rec.view()
	}
	r.mu.RUnlock()

	if !ok {
		return unknownView(jobID)
	}
	return v
}

// List returns views of all jobs, newest first.
func (r *Registry) List() []JobView {
	r.mu.RLock()
	out := make([]JobView, 0, len(r.jobs))
	for _, rec := range r.jobs {
		out = append(out, rec.view())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		ci, cj := *out[i].CreatedAt, *out[j].CreatedAt
		if ci.Equal(cj) {
			return out[i].JobID < out[j].JobID
		}
		return ci.After(cj)
	})
	return out
}

// Len returns the number of held records.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

// InProgress returns the number of held records that are not terminal.
func (r *Registry) InProgress() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, rec := range r.jobs {
		if !rec.State.Terminal() {
			n++
		}
	}
	return n
}

// Sweep evicts records according to the retention policy and returns the
// number removed.
func (r *Registry) Sweep(now time.Time) int {
	p := r.retention
	if p.Terminal <= 0 && p.Stale <= 0 {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, rec := range r.jobs {
		switch {
		case rec.State.Terminal() && p.Terminal > 0 && rec.EndedAt != nil && now.Sub(*rec.EndedAt) > p.Terminal:
		case !rec.State.Terminal() && p.Stale > 0 && now.Sub(rec.UpdatedAt) > p.Stale:
		default:
			continue
		}
		delete(r.jobs, id)
		removed++
	}
	return removed
}

// RunSweeper calls Sweep every interval until ctx is done. onSweep, if set,
// receives the number of evicted records after each non-empty sweep.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration, onSweep func(removed int)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Sweep(r.now()); n > 0 && onSweep != nil {
				onSweep(n)
			}
		}
	}
}
