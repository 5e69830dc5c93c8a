package jobregistry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitTerminal(t *testing.T, r *Registry, id string) JobView {
	t.Helper()
	var v JobView
	require.Eventually(t, func() bool {
		v = r.Status(id)
		return v.Terminal()
	}, 5*time.Second, 5*time.Millisecond)
	return v
}

func TestExecutor_CompletesTask(t *testing.T) {
	r := NewRegistry()
	e := NewExecutor(r, ExecutorConfig{Workers: 2})
	defer func() { _ = e.Stop(context.Background()) }()

	id, err := e.Submit(func(ctx context.Context, job *Handle) (any, error) {
		job.Phase("working")
		return "ok", nil
	}, WithLabel("slot", "1"))
	require.NoError(t, err)

	v := waitTerminal(t, r, id)
	assert.Equal(t, JobStateCompleted, v.Status)
	assert.Equal(t, "ok", v.Result)
	assert.Empty(t, v.Phase)
	assert.Equal(t, "1", v.Labels["slot"])
}

func TestExecutor_SubmitReturnsBeforeTaskRuns(t *testing.T) {
	r := NewRegistry()
	e := NewExecutor(r, ExecutorConfig{Workers: 1})
	defer func() { _ = e.Stop(context.Background()) }()

	release := make(chan struct{})
	id, err := e.Submit(func(ctx context.Context, job *Handle) (any, error) {
		<-release
		return nil, nil
	})
	require.NoError(t, err)

	v := r.Status(id)
	assert.Equal(t, JobStateInProgress, v.Status)
	assert.Empty(t, v.Phase)

	close(release)
	assert.Equal(t, JobStateCompleted, waitTerminal(t, r, id).Status)
}

func TestExecutor_FailsOnError(t *testing.T) {
	r := NewRegistry()
	e := NewExecutor(r, ExecutorConfig{Workers: 1})
	defer func() { _ = e.Stop(context.Background()) }()

	id, err := e.Submit(func(ctx context.Context, job *Handle) (any, error) {
		return nil, errors.New("upstream timeout")
	})
	require.NoError(t, err)

	v := waitTerminal(t, r, id)
	assert.Equal(t, JobStateFailed, v.Status)
	assert.Equal(t, "upstream timeout", v.Error)
}

func TestExecutor_RecoversPanics(t *testing.T) {
	r := NewRegistry()
	e := NewExecutor(r, ExecutorConfig{Workers: 1})
	defer func() { _ = e.Stop(context.Background()) }()

	id, err := e.Submit(func(ctx context.Context, job *Handle) (any, error) {
		panic("kaboom")
	})
	require.NoError(t, err)

	v := waitTerminal(t, r, id)
	assert.Equal(t, JobStateFailed, v.Status)
	assert.Contains(t, v.Error, "kaboom")

	// The worker survives the panic.
	id2, err := e.Submit(func(ctx context.Context, job *Handle) (any, error) { return 1, nil })
	require.NoError(t, err)
	assert.Equal(t, JobStateCompleted, waitTerminal(t, r, id2).Status)
}

func TestExecutor_TaskTimeout(t *testing.T) {
	r := NewRegistry()
	e := NewExecutor(r, ExecutorConfig{Workers: 1, TaskTimeout: 20 * time.Millisecond})
	defer func() { _ = e.Stop(context.Background()) }()

	id, err := e.Submit(func(ctx context.Context, job *Handle) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.NoError(t, err)

	v := waitTerminal(t, r, id)
	assert.Equal(t, JobStateFailed, v.Status)
	assert.Contains(t, v.Error, context.DeadlineExceeded.Error())
}

func TestExecutor_ManyJobsOnFewWorkers(t *testing.T) {
	r := NewRegistry()
	e := NewExecutor(r, ExecutorConfig{Workers: 3})
	defer func() { _ = e.Stop(context.Background()) }()

	ids := make([]string, 40)
	for i := range ids {
		n := i
		id, err := e.Submit(func(ctx context.Context, job *Handle) (any, error) {
			return n * 2, nil
		})
		require.NoError(t, err)
		ids[i] = id
	}

	for i, id := range ids {
		v := waitTerminal(t, r, id)
		assert.Equal(t, i*2, v.Result)
	}
}

func TestExecutor_StopFailsRunningAndQueued(t *testing.T) {
	r := NewRegistry()
	e := NewExecutor(r, ExecutorConfig{Workers: 1})

	started := make(chan struct{})
	running, err := e.Submit(func(ctx context.Context, job *Handle) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.NoError(t, err)
	<-started

	queuedID, err := e.Submit(func(ctx context.Context, job *Handle) (any, error) {
		return "should not run", nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Stop(ctx))

	assert.Equal(t, JobStateFailed, r.Status(running).Status)
	assert.Equal(t, JobStateFailed, r.Status(queuedID).Status)
	assert.Contains(t, r.Status(queuedID).Error, "job not started")

	_, err = e.Submit(func(ctx context.Context, job *Handle) (any, error) { return nil, nil })
	assert.ErrorIs(t, err, ErrExecutorStopped)
}

func TestExecutor_SubmitValidation(t *testing.T) {
	var nilExec *Executor
	_, err := nilExec.Submit(func(ctx context.Context, job *Handle) (any, error) { return nil, nil })
	assert.Error(t, err)

	e := NewExecutor(NewRegistry(), ExecutorConfig{})
	defer func() { _ = e.Stop(context.Background()) }()
	_, err = e.Submit(nil)
	assert.Error(t, err)
}

func TestHandle_NilSafe(t *testing.T) {
	var h *Handle
	assert.NotPanics(t, func() { h.Phase("x") })
}
