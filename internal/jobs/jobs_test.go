package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterValidation(t *testing.T) {
	s := New(nil)

	assert.Error(t, s.Register(Job{Name: "", Interval: time.Second, Run: func(context.Context) error { return nil }}))
	assert.Error(t, s.Register(Job{Name: "x", Interval: 0, Run: func(context.Context) error { return nil }}))
	assert.Error(t, s.Register(Job{Name: "x", Interval: time.Second}))

	require.NoError(t, s.Register(Job{Name: "x", Interval: time.Second, Run: func(context.Context) error { return nil }}))
	assert.ErrorIs(t, s.Register(Job{Name: "x", Interval: time.Second, Run: func(context.Context) error { return nil }}), ErrDuplicateJob)
}

func TestScheduledRuns(t *testing.T) {
	s := New(nil)
	var runs atomic.Int64
	require.NoError(t, s.Register(Job{
		Name:     "tick",
		Interval: 5 * time.Millisecond,
		Run: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	}))

	require.NoError(t, s.Start())
	assert.ErrorIs(t, s.Start(), ErrAlreadyRunning)

	assert.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, time.Millisecond)
	s.Stop()

	settled := runs.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, settled, runs.Load())

	// Stop again is a no-op.
	s.Stop()
}

func TestFailureIsolation(t *testing.T) {
	s := New(nil)
	var healthy atomic.Int64
	require.NoError(t, s.Register(Job{
		Name:     "panicky",
		Interval: 5 * time.Millisecond,
		Run: func(context.Context) error {
			panic("tick gone wrong")
		},
	}))
	require.NoError(t, s.Register(Job{
		Name:     "healthy",
		Interval: 5 * time.Millisecond,
		Run: func(context.Context) error {
			healthy.Add(1)
			return nil
		},
	}))

	require.NoError(t, s.Start())
	defer s.Stop()

	// The panicking job keeps re-running and never takes the healthy
	// one down with it.
	assert.Eventually(t, func() bool {
		for _, st := range s.Statuses() {
			if st.Name == "panicky" && st.Failures >= 2 {
				return healthy.Load() >= 2
			}
		}
		return false
	}, time.Second, time.Millisecond)

	for _, st := range s.Statuses() {
		if st.Name == "panicky" {
			assert.Contains(t, st.LastError, "panicked")
		}
	}
}

func TestRunNow(t *testing.T) {
	s := New(nil)
	var runs atomic.Int64
	jobErr := errors.New("storage offline")
	require.NoError(t, s.Register(Job{
		Name:     "gc",
		Interval: time.Hour,
		Run: func(context.Context) error {
			if runs.Add(1) == 1 {
				return jobErr
			}
			return nil
		},
	}))

	assert.ErrorIs(t, s.RunNow(context.Background(), "missing"), ErrUnknownJob)
	assert.ErrorIs(t, s.RunNow(context.Background(), "gc"), jobErr)
	assert.NoError(t, s.RunNow(context.Background(), "gc"))

	st := s.Statuses()
	require.Len(t, st, 1)
	assert.Equal(t, uint64(2), st[0].Runs)
	assert.Equal(t, uint64(1), st[0].Failures)
	assert.Empty(t, st[0].LastError)
}

func TestRunTimeout(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Register(Job{
		Name:     "slow",
		Interval: time.Hour,
		Timeout:  5 * time.Millisecond,
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}))

	err := s.RunNow(context.Background(), "slow")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
