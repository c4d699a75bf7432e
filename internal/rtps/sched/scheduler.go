// Package sched implements the timed event scheduler: a facility for
// scheduling periodic callbacks with millisecond resolution on a
// dedicated worker goroutine.
//
// The dispatch loop is a single goroutine draining a time-ordered heap
// of events, sleeping on a reusable timer between due events, and
// invoking callbacks outside the lock guarding the heap.
package sched

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// EventCode is delivered to a callback on each invocation.
type EventCode int

const (
	// EventSuccess indicates a normal, on-schedule fire.
	EventSuccess EventCode = iota
	// EventAbort indicates the scheduler is shutting down.
	EventAbort
)

func (c EventCode) String() string {
	if c == EventAbort {
		return "abort"
	}
	return "success"
}

// Callback is invoked on each fire. Returning true re-arms the event for
// another intervalMS from now; returning false leaves it suspended
// (one-shot semantics).
type Callback func(EventCode) bool

// Handle identifies a scheduled event.
type Handle uint64

// timedEvent is the scheduler's bookkeeping record for one handle.
type timedEvent struct {
	handle     Handle
	intervalMS uint64
	cb         Callback

	armed bool      // true while due is meaningful and the event lives in the heap
	due   time.Time // next fire time; zero when suspended

	heapIndex int // maintained by container/heap
}

// Scheduler is the timed event facility.
// A Scheduler owns exactly one dispatch goroutine; callers create one per
// WLP instance rather than sharing a single global scheduler, which keeps
// the package unit-testable with an injected clock.
type Scheduler struct {
	log   *slog.Logger
	clock clockwork.Clock

	mu         sync.Mutex
	events     map[Handle]*timedEvent
	armedHeap  eventHeap
	nextHandle Handle

	wake chan struct{} // closed and replaced whenever the earliest due time changes

	wg       sync.WaitGroup
	cancel   context.CancelFunc
	doneOnce sync.Once
}

// New constructs a Scheduler and starts its dispatch goroutine. The
// goroutine runs until ctx is canceled or Shutdown is called.
func New(ctx context.Context, log *slog.Logger, clock clockwork.Clock) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &Scheduler{
		log:    log,
		clock:  clock,
		events: make(map[Handle]*timedEvent),
		wake:   make(chan struct{}),
		cancel: cancel,
	}
	heap.Init(&s.armedHeap)

	s.wg.Add(1)
	go s.run(ctx)
	return s
}

// Schedule creates a suspended event. It will not fire until Restart is
// called.
func (s *Scheduler) Schedule(intervalMS uint64, cb Callback) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextHandle++
	h := s.nextHandle
	s.events[h] = &timedEvent{handle: h, intervalMS: intervalMS, cb: cb, heapIndex: -1}
	return h
}

// Restart (re)arms the event to fire intervalMS from now. Idempotent:
// calling it while already armed simply recomputes the due time.
func (s *Scheduler) Restart(h Handle) {
	s.mu.Lock()
	ev, ok := s.events[h]
	if !ok {
		s.mu.Unlock()
		return
	}
	if ev.armed {
		heap.Remove(&s.armedHeap, ev.heapIndex)
	}
	ev.due = s.clock.Now().Add(time.Duration(ev.intervalMS) * time.Millisecond)
	ev.armed = true
	heap.Push(&s.armedHeap, ev)
	s.signalLocked()
	s.mu.Unlock()
}

// Cancel cancels any pending fire for h. It never blocks the scheduler's
// dispatch goroutine: an in-flight callback invocation (already popped
// from the heap) is unaffected and will complete normally.
func (s *Scheduler) Cancel(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[h]
	if !ok || !ev.armed {
		return
	}
	heap.Remove(&s.armedHeap, ev.heapIndex)
	ev.armed = false
	ev.due = time.Time{}
	s.signalLocked()
}

// UpdateInterval changes the period for h. The new interval takes effect
// the next time the event is (re)armed via Restart; it does not retroactively
// move an already-scheduled due time.
func (s *Scheduler) UpdateInterval(h Handle, ms uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev, ok := s.events[h]; ok {
		ev.intervalMS = ms
	}
}

// RemainingMS reports the advisory time until h's next fire, or 0 if it is
// not currently armed.
func (s *Scheduler) RemainingMS(h Handle) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[h]
	if !ok || !ev.armed {
		return 0
	}
	d := ev.due.Sub(s.clock.Now())
	if d <= 0 {
		return 0
	}
	return uint64(d / time.Millisecond)
}

// Shutdown delivers EventAbort to every still-armed handle and waits for
// the dispatch goroutine, and any in-flight callback it invoked, to
// finish before returning.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.doneOnce.Do(func() {
		s.mu.Lock()
		armed := make([]*timedEvent, len(s.armedHeap))
		copy(armed, s.armedHeap)
		s.mu.Unlock()

		for _, ev := range armed {
			ev.cb(EventAbort)
		}

		s.cancel()
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// signalLocked closes the current wake channel and installs a fresh one,
// notifying the dispatch loop that it should recheck the heap. Callers
// must hold s.mu.
func (s *Scheduler) signalLocked() {
	old := s.wake
	s.wake = make(chan struct{})
	close(old)
}

// run is the dispatch loop: pop due events, invoke their callback exactly
// once, and re-arm (push back with a new due time) when the callback
// returns true.
func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	timer := s.clock.NewTimer(time.Hour)
	defer timer.Stop()

	s.mu.Lock()
	wakeCh := s.wake
	s.mu.Unlock()

	for {
		s.mu.Lock()
		var next time.Time
		have := s.armedHeap.Len() > 0
		if have {
			next = s.armedHeap[0].due
		}
		s.mu.Unlock()

		if have && !next.After(s.clock.Now()) {
			s.fireDue()
			continue
		}

		if have {
			d := next.Sub(s.clock.Now())
			if d < 0 {
				d = 0
			}
			timer.Stop()
			timer.Reset(d)
		} else {
			timer.Stop()
			timer.Reset(time.Hour)
		}

		select {
		case <-ctx.Done():
			return
		case <-wakeCh:
			s.mu.Lock()
			wakeCh = s.wake
			s.mu.Unlock()
		case <-timer.Chan():
			s.fireDue()
		}
	}
}

// fireDue pops every event whose due time has arrived and invokes each
// callback exactly once, outside the scheduler's lock so callbacks may
// acquire coarser application locks without risking deadlock against the
// scheduler itself.
func (s *Scheduler) fireDue() {
	now := s.clock.Now()
	var due []*timedEvent
	s.mu.Lock()
	for s.armedHeap.Len() > 0 && !s.armedHeap[0].due.After(now) {
		ev := heap.Pop(&s.armedHeap).(*timedEvent)
		ev.armed = false
		due = append(due, ev)
	}
	s.mu.Unlock()

	for _, ev := range due {
		rearm := ev.cb(EventSuccess)
		if rearm {
			s.Restart(ev.handle)
		}
	}
}

// eventHeap is a container/heap of armed timedEvents ordered by due time.
type eventHeap []*timedEvent

func (h eventHeap) Len() int { return len(h) }
func (h eventHeap) Less(i, j int) bool {
	return h[i].due.Before(h[j].due)
}
func (h eventHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}
func (h *eventHeap) Push(x any) {
	ev := x.(*timedEvent)
	ev.heapIndex = len(*h)
	*h = append(*h, ev)
}
func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	ev := old[n-1]
	old[n-1] = nil
	ev.heapIndex = -1
	*h = old[:n-1]
	return ev
}
