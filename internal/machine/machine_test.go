package machine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testState string

const (
	stStart    testState = "start"
	stMiddle   testState = "middle"
	stDone     testState = "done"
	stFailed   testState = "failed"
	stRecorded testState = "recorded"
)

type testCtx struct {
	visited []testState
	fail    bool
}

func TestRunsToTerminal(t *testing.T) {
	m := New[testState, *testCtx]("test", stStart, stDone, stFailed)
	m.OnState(stStart, func(_ context.Context, from testState, c *testCtx) (testState, error) {
		c.visited = append(c.visited, from)
		return stMiddle, nil
	})
	m.OnState(stMiddle, func(_ context.Context, from testState, c *testCtx) (testState, error) {
		c.visited = append(c.visited, from)
		return stDone, nil
	})

	c := &testCtx{}
	err := m.Run(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, []testState{stStart, stMiddle}, c.visited)
	assert.Equal(t, stDone, m.Current())
}

func TestHandlerErrorDivertsToErrorState(t *testing.T) {
	boom := errors.New("boom")

	m := New[testState, *testCtx]("test", stStart, stDone, stFailed)
	m.OnState(stStart, func(_ context.Context, _ testState, _ *testCtx) (testState, error) {
		return "", boom
	})
	m.OnState(stFailed, func(_ context.Context, _ testState, c *testCtx) (testState, error) {
		c.visited = append(c.visited, stRecorded)
		return stDone, nil
	})

	c := &testCtx{}
	err := m.Run(context.Background(), c)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, []testState{stRecorded}, c.visited, "error branch must still run")
}

func TestErrorOnErrorBranchAborts(t *testing.T) {
	m := New[testState, *testCtx]("test", stStart, stDone, stFailed)
	m.OnState(stStart, func(_ context.Context, _ testState, _ *testCtx) (testState, error) {
		return "", errors.New("first")
	})
	m.OnState(stFailed, func(_ context.Context, _ testState, _ *testCtx) (testState, error) {
		return "", errors.New("second")
	})

	err := m.Run(context.Background(), &testCtx{})
	require.Error(t, err)
	assert.Equal(t, "first", err.Error(), "the original error is reported")
}

func TestMissingHandlerFails(t *testing.T) {
	m := New[testState, *testCtx]("test", stStart, stDone, stFailed)
	m.OnState(stStart, func(_ context.Context, _ testState, _ *testCtx) (testState, error) {
		return stMiddle, nil
	})

	err := m.Run(context.Background(), &testCtx{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no handler registered")
}

func TestCancellationRunsErrorBranch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var errBranchRan atomic.Bool
	m := New[testState, *testCtx]("test", stStart, stDone, stFailed)
	m.OnState(stStart, func(_ context.Context, _ testState, _ *testCtx) (testState, error) {
		cancel()
		return stMiddle, nil
	})
	m.OnState(stMiddle, func(_ context.Context, _ testState, _ *testCtx) (testState, error) {
		t.Fatal("must not run after cancellation")
		return stDone, nil
	})
	m.OnState(stFailed, func(_ context.Context, _ testState, _ *testCtx) (testState, error) {
		errBranchRan.Store(true)
		return stDone, nil
	})

	err := m.Run(ctx, &testCtx{})
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, errBranchRan.Load())
}

func TestSubscribersReceiveTransitions(t *testing.T) {
	m := New[testState, *testCtx]("test", stStart, stDone, stFailed)
	m.OnState(stStart, func(_ context.Context, _ testState, _ *testCtx) (testState, error) {
		return stDone, nil
	})

	sub := m.Subscribe(8)
	require.NoError(t, m.Run(context.Background(), &testCtx{}))

	var got []Transition[testState]
	for tr := range sub {
		got = append(got, tr)
	}
	require.Len(t, got, 1)
	assert.Equal(t, stStart, got[0].From)
	assert.Equal(t, stDone, got[0].To)

	hist := m.History()
	require.Len(t, hist, 1)
	assert.Equal(t, stDone, hist[0].To)
}

func TestConcurrentRunRejected(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})

	m := New[testState, *testCtx]("test", stStart, stDone, stFailed)
	m.OnState(stStart, func(_ context.Context, _ testState, _ *testCtx) (testState, error) {
		close(started)
		<-release
		return stDone, nil
	})

	go m.Run(context.Background(), &testCtx{})
	<-started

	err := m.Run(context.Background(), &testCtx{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
	close(release)
}
