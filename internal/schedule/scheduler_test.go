package schedule

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddValidation(t *testing.T) {
	s := NewScheduler(nil, 10)

	assert.Error(t, s.Add(Job{Name: "", Spec: "@every 1s", Fn: func() error { return nil }}))
	assert.Error(t, s.Add(Job{Name: "x", Spec: "@every 1s"}))
	assert.Error(t, s.Add(Job{Name: "x", Spec: "not-cron", Fn: func() error { return nil }}))

	require.NoError(t, s.Add(Job{Name: "x", Spec: "@every 1s", Fn: func() error { return nil }}))
	assert.Error(t, s.Add(Job{Name: "x", Spec: "@every 1s", Fn: func() error { return nil }}), "duplicate name")
}

func TestJobsFire(t *testing.T) {
	s := NewScheduler(nil, 10)
	var fired atomic.Int32
	require.NoError(t, s.Add(Job{Name: "tick", Spec: "@every 100ms", Fn: func() error {
		fired.Add(1)
		return nil
	}}))

	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool { return fired.Load() >= 2 }, 5*time.Second, 20*time.Millisecond)
}

func TestHistoryRecordsFailures(t *testing.T) {
	s := NewScheduler(nil, 10)
	require.NoError(t, s.Add(Job{Name: "bad", Spec: "@every 50ms", Fn: func() error {
		return errors.New("boom")
	}}))

	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool { return len(s.History()) >= 1 }, 5*time.Second, 20*time.Millisecond)
	h := s.History()
	assert.Equal(t, "bad", h[0].Job)
	assert.Equal(t, "boom", h[0].Err)
}

func TestHistoryBounded(t *testing.T) {
	s := NewScheduler(nil, 3)
	for i := 0; i < 10; i++ {
		s.run(Job{Name: "j", Fn: func() error { return nil }})
	}
	assert.Len(t, s.History(), 3)
}

func TestStopIdempotent(t *testing.T) {
	s := NewScheduler(nil, 10)
	s.Start()
	s.Stop()
	s.Stop()
}
