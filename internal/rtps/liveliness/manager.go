// Package liveliness implements the per-side liveliness manager: a
// table of tracked writer records with per-kind expiration, driven by a
// single earliest-deadline timer.
//
// The table mirrors a BFD-style session table (a map of tracked peers
// each with a detect deadline, serviced by one heap-ordered scheduler
// rather than one goroutine per peer), generalized from a two-state
// up/down FSM to the three-state Alive/NotAlive/NotAssertedYet record
// tracked here.
package liveliness

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/rtps-liveliness/internal/rtps/rtpstypes"
)

// Status is the tri-valued lifecycle of a tracked writer record.
type Status int

const (
	// NotAssertedYet is the initial state: the record exists but has
	// never been asserted, so it has not yet contributed an alive
	// transition.
	NotAssertedYet Status = iota
	Alive
	NotAlive
)

func (s Status) String() string {
	switch s {
	case Alive:
		return "alive"
	case NotAlive:
		return "not-alive"
	default:
		return "not-asserted-yet"
	}
}

// Transition is delivered to the manager's callback whenever a record's
// alive/not-alive counters change.
type Transition struct {
	GUID          rtpstypes.GUID
	Kind          rtpstypes.Kind
	Lease         rtpstypes.Duration
	AliveCount    uint64
	NotAliveCount uint64
	// AliveDelta/NotAliveDelta report which counter just changed (each
	// is 0 or 1; exactly one is 1). Fan-out logic gates on NotAliveDelta
	// for publishers and on both for subscribers.
	AliveDelta    int
	NotAliveDelta int
}

// Callback is invoked once per Alive→NotAlive transition detected on a
// timer tick, and once per Alive transition caused by an assert. It is
// invoked with the manager's internal mutex released.
type Callback func(Transition)

// record is one tracked writer record.
type record struct {
	guid  rtpstypes.GUID
	kind  rtpstypes.Kind
	lease rtpstypes.Duration

	status   Status
	deadline time.Time

	aliveCount    uint64
	notAliveCount uint64

	seq int // insertion sequence, for deterministic tie-breaks
}

// recordKey identifies a tracked record. A writer may be tracked under
// more than one kind only transiently during a QoS change; callers are
// expected to remove before re-adding with a different kind.
type recordKey struct {
	guid rtpstypes.GUID
	kind rtpstypes.Kind
}

// Manager is the per-side (publisher or subscriber) liveliness table.
// Use one Manager per side per participant.
type Manager struct {
	log   *slog.Logger
	clock clockwork.Clock
	onGap Callback

	maxRecords int

	mu      sync.Mutex
	records map[recordKey]*record
	nextSeq int

	timerArmed bool
	timerDue   time.Time
	stop       chan struct{}
	wake       chan struct{}
	wg         sync.WaitGroup
}

// DefaultMaxRecords bounds the table size: admission still reports
// success for QoS placement even when the manager itself is over
// capacity, degrading to "always alive" for the overflow.
const DefaultMaxRecords = 65536

// New constructs a Manager and starts its deadline-watching goroutine.
func New(log *slog.Logger, clock clockwork.Clock, maxRecords int, onGap Callback) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if maxRecords <= 0 {
		maxRecords = DefaultMaxRecords
	}
	m := &Manager{
		log:        log,
		clock:      clock,
		onGap:      onGap,
		maxRecords: maxRecords,
		records:    make(map[recordKey]*record),
		stop:       make(chan struct{}),
		wake:       make(chan struct{}),
	}
	m.wg.Add(1)
	go m.run()
	return m
}

// Close stops the deadline-watching goroutine. Outstanding callbacks
// complete before Close returns.
func (m *Manager) Close() {
	close(m.stop)
	m.wg.Wait()
}

// AddWriter registers a tracked record for guid/kind. Duplicate
// insertions (same guid+kind already tracked) are idempotent and return
// true. Returns false only if the table is full and guid is not already
// present, or guid is the zero value.
func (m *Manager) AddWriter(guid rtpstypes.GUID, kind rtpstypes.Kind, lease rtpstypes.Duration) bool {
	if guid == (rtpstypes.GUID{}) {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := recordKey{guid: guid, kind: kind}
	if _, ok := m.records[key]; ok {
		return true
	}
	if len(m.records) >= m.maxRecords {
		m.log.Warn("liveliness manager at capacity, admitting without tracking",
			slog.String("guid", guid.String()), slog.String("kind", kind.String()))
		return false
	}

	m.nextSeq++
	r := &record{
		guid:   guid,
		kind:   kind,
		lease:  lease,
		status: NotAssertedYet,
		seq:    m.nextSeq,
	}
	if !lease.IsInfinite() {
		r.deadline = m.clock.Now().Add(lease.AsTimeDuration())
	}
	m.records[key] = r
	m.rearmLocked()
	return true
}

// RemoveWriter deregisters guid/kind. Returns true iff a record existed.
func (m *Manager) RemoveWriter(guid rtpstypes.GUID, kind rtpstypes.Kind, _ rtpstypes.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := recordKey{guid: guid, kind: kind}
	if _, ok := m.records[key]; !ok {
		return false
	}
	delete(m.records, key)
	m.rearmLocked()
	return true
}

// AssertGUID marks guid/kind Alive, resets its deadline to now+lease, and
// fires a Callback with an incremented alive count if the prior status
// was not Alive. Idempotent within a lease: repeated asserts only ever
// produce one alive-count increment per Alive entry (P5), because
// subsequent asserts while already Alive merely refresh the deadline.
func (m *Manager) AssertGUID(guid rtpstypes.GUID, kind rtpstypes.Kind, lease rtpstypes.Duration) bool {
	m.mu.Lock()
	key := recordKey{guid: guid, kind: kind}
	r, ok := m.records[key]
	if !ok {
		m.mu.Unlock()
		return false
	}
	trans := m.assertLocked(r, lease)
	m.rearmLocked()
	m.mu.Unlock()

	if trans != nil && m.onGap != nil {
		m.onGap(*trans)
	}
	return true
}

// AssertKind bulk-asserts every tracked writer of kind, used for
// MANUAL_BY_PARTICIPANT. Returns true iff at least one writer of that
// kind was tracked.
func (m *Manager) AssertKind(kind rtpstypes.Kind) bool {
	m.mu.Lock()
	var transitions []Transition
	found := false
	for _, r := range m.records {
		if r.kind != kind {
			continue
		}
		found = true
		if t := m.assertLocked(r, r.lease); t != nil {
			transitions = append(transitions, *t)
		}
	}
	m.rearmLocked()
	m.mu.Unlock()

	if m.onGap != nil {
		for _, t := range transitions {
			m.onGap(t)
		}
	}
	return found
}

// assertLocked applies an assert to r. Caller holds m.mu.
func (m *Manager) assertLocked(r *record, lease rtpstypes.Duration) *Transition {
	wasAlive := r.status == Alive
	r.lease = lease
	if !lease.IsInfinite() {
		r.deadline = m.clock.Now().Add(lease.AsTimeDuration())
	} else {
		r.deadline = time.Time{}
	}
	r.status = Alive
	if wasAlive {
		return nil
	}
	r.aliveCount++
	return &Transition{
		GUID: r.guid, Kind: r.kind, Lease: r.lease,
		AliveCount: r.aliveCount, NotAliveCount: r.notAliveCount,
		AliveDelta: 1,
	}
}

// IsAnyAlive reports whether any tracked writer of kind is currently Alive.
func (m *Manager) IsAnyAlive(kind rtpstypes.Kind) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.kind == kind && r.status == Alive {
			return true
		}
	}
	return false
}

// rearmLocked recomputes the single earliest-deadline timer. Caller
// holds m.mu. A freshly added NotAssertedYet record carries a deadline
// too (the lease clock starts at add_writer, not at the first assert),
// so it is watched on the same timer as Alive records.
func (m *Manager) rearmLocked() {
	var earliest time.Time
	have := false
	for _, r := range m.records {
		if (r.status != Alive && r.status != NotAssertedYet) || r.deadline.IsZero() {
			continue
		}
		if !have || r.deadline.Before(earliest) {
			earliest = r.deadline
			have = true
		}
	}
	m.timerArmed = have
	m.timerDue = earliest
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// run is the deadline-watching goroutine: it sleeps until the next
// earliest deadline and, on each wake, transitions every expired record
// Alive→NotAlive in insertion order (tie-break for simultaneous
// deadlines), invoking the callback outside the lock.
func (m *Manager) run() {
	defer m.wg.Done()
	timer := m.clock.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		m.mu.Lock()
		armed := m.timerArmed
		due := m.timerDue
		m.mu.Unlock()

		var wait time.Duration
		if armed {
			wait = due.Sub(m.clock.Now())
			if wait < 0 {
				wait = 0
			}
		} else {
			wait = time.Hour
		}
		timer.Stop()
		timer.Reset(wait)

		select {
		case <-m.stop:
			return
		case <-m.wake:
			continue
		case <-timer.Chan():
			m.fireExpired()
		}
	}
}

// fireExpired transitions every Alive record whose deadline has passed
// to NotAlive, processing simultaneous deadlines in insertion order, and
// invokes the callback for each outside the lock. A record still
// NotAssertedYet at its deadline (never asserted since add_writer) goes
// straight to NotAlive rather than passing through Alive.
func (m *Manager) fireExpired() {
	now := m.clock.Now()
	var expired []*record

	m.mu.Lock()
	for _, r := range m.records {
		if (r.status == Alive || r.status == NotAssertedYet) && !r.deadline.IsZero() && !r.deadline.After(now) {
			expired = append(expired, r)
		}
	}
	for i := 0; i < len(expired); i++ {
		for j := i + 1; j < len(expired); j++ {
			if expired[j].seq < expired[i].seq {
				expired[i], expired[j] = expired[j], expired[i]
			}
		}
	}
	var transitions []Transition
	for _, r := range expired {
		r.status = NotAlive
		r.notAliveCount++
		transitions = append(transitions, Transition{
			GUID: r.guid, Kind: r.kind, Lease: r.lease,
			AliveCount: r.aliveCount, NotAliveCount: r.notAliveCount,
			NotAliveDelta: 1,
		})
	}
	m.rearmLocked()
	m.mu.Unlock()

	if m.onGap == nil {
		return
	}
	for _, t := range transitions {
		m.onGap(t)
	}
}

// StatusOf reports the current status of guid/kind for tests and
// diagnostics.
func (m *Manager) StatusOf(guid rtpstypes.GUID, kind rtpstypes.Kind) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[recordKey{guid: guid, kind: kind}]
	if !ok {
		return 0, fmt.Errorf("liveliness: no tracked record for %s/%s", guid, kind)
	}
	return r.status, nil
}
