package sched

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T) (*Scheduler, clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	s := New(context.Background(), slog.Default(), clock)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s, clock
}

func TestScheduleDoesNotFireUntilRestart(t *testing.T) {
	s, clock := newTestScheduler(t)

	var fires int32
	s.Schedule(100, func(EventCode) bool {
		atomic.AddInt32(&fires, 1)
		return false
	})

	clock.BlockUntil(1)
	clock.Advance(10 * time.Second)
	time.Sleep(20 * time.Millisecond)

	require.EqualValues(t, 0, atomic.LoadInt32(&fires))
}

func TestRestartFiresAfterInterval(t *testing.T) {
	s, clock := newTestScheduler(t)

	fired := make(chan EventCode, 1)
	h := s.Schedule(100, func(code EventCode) bool {
		fired <- code
		return false
	})
	s.Restart(h)

	clock.BlockUntil(1)
	clock.Advance(100 * time.Millisecond)

	select {
	case code := <-fired:
		require.Equal(t, EventSuccess, code)
	case <-time.After(time.Second):
		t.Fatal("callback did not fire")
	}
}

func TestCancelPreventsFire(t *testing.T) {
	s, clock := newTestScheduler(t)

	var fires int32
	h := s.Schedule(50, func(EventCode) bool {
		atomic.AddInt32(&fires, 1)
		return false
	})
	s.Restart(h)
	s.Cancel(h)

	clock.Advance(time.Second)
	time.Sleep(20 * time.Millisecond)

	require.EqualValues(t, 0, atomic.LoadInt32(&fires))
}

func TestCallbackReturnTrueRearms(t *testing.T) {
	s, clock := newTestScheduler(t)

	fired := make(chan struct{}, 8)
	h := s.Schedule(100, func(EventCode) bool {
		fired <- struct{}{}
		return true
	})
	s.Restart(h)

	for i := 0; i < 3; i++ {
		clock.BlockUntil(1)
		clock.Advance(100 * time.Millisecond)
		select {
		case <-fired:
		case <-time.After(time.Second):
			t.Fatalf("fire %d did not happen", i)
		}
	}
}

func TestUpdateIntervalAffectsNextArm(t *testing.T) {
	s, clock := newTestScheduler(t)

	h := s.Schedule(1000, func(EventCode) bool { return false })
	s.UpdateInterval(h, 50)
	s.Restart(h)

	remaining := s.RemainingMS(h)
	require.LessOrEqual(t, remaining, uint64(50))

	_ = clock
}

func TestRemainingMSZeroWhenNotArmed(t *testing.T) {
	s, _ := newTestScheduler(t)
	h := s.Schedule(100, func(EventCode) bool { return false })
	require.EqualValues(t, 0, s.RemainingMS(h))
}

func TestShutdownDeliversAbortToArmedHandles(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := New(context.Background(), slog.Default(), clock)

	got := make(chan EventCode, 1)
	h := s.Schedule(1000, func(code EventCode) bool {
		got <- code
		return false
	})
	s.Restart(h)
	clock.BlockUntil(1)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	select {
	case code := <-got:
		require.Equal(t, EventAbort, code)
	default:
		t.Fatal("expected abort callback to have been invoked during shutdown")
	}
}
