package liveliness

import (
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/rtps-liveliness/internal/rtps/rtpstypes"
)

func testGUID(b byte) rtpstypes.GUID {
	var g rtpstypes.GUID
	g.Prefix[0] = b
	g.Entity = rtpstypes.EntityIDParticipantMessageWriter
	return g
}

type collector struct {
	mu   sync.Mutex
	got  []Transition
	wake chan struct{}
}

func newCollector() *collector {
	return &collector{wake: make(chan struct{}, 64)}
}

func (c *collector) onGap(t Transition) {
	c.mu.Lock()
	c.got = append(c.got, t)
	c.mu.Unlock()
	c.wake <- struct{}{}
}

func (c *collector) waitN(t *testing.T, n int) []Transition {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.wake:
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for transition %d/%d", i+1, n)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Transition, len(c.got))
	copy(out, c.got)
	return out
}

func TestAddWriterIdempotent(t *testing.T) {
	c := newCollector()
	m := New(slog.Default(), clockwork.NewFakeClock(), 0, c.onGap)
	defer m.Close()

	g := testGUID(1)
	lease := rtpstypes.DurationFromTime(time.Second)
	require.True(t, m.AddWriter(g, rtpstypes.Automatic, lease))
	require.True(t, m.AddWriter(g, rtpstypes.Automatic, lease))
}

func TestAssertGUIDIdempotentWithinLease(t *testing.T) {
	c := newCollector()
	clock := clockwork.NewFakeClock()
	m := New(slog.Default(), clock, 0, c.onGap)
	defer m.Close()

	g := testGUID(2)
	lease := rtpstypes.DurationFromTime(time.Second)
	require.True(t, m.AddWriter(g, rtpstypes.Automatic, lease))

	require.True(t, m.AssertGUID(g, rtpstypes.Automatic, lease))
	require.True(t, m.AssertGUID(g, rtpstypes.Automatic, lease))
	require.True(t, m.AssertGUID(g, rtpstypes.Automatic, lease))

	got := c.waitN(t, 1)
	require.Len(t, got, 1)
	require.EqualValues(t, 1, got[0].AliveCount)
}

func TestAliveToNotAliveOnExpiry(t *testing.T) {
	c := newCollector()
	clock := clockwork.NewFakeClock()
	m := New(slog.Default(), clock, 0, c.onGap)
	defer m.Close()

	g := testGUID(3)
	lease := rtpstypes.DurationFromTime(100 * time.Millisecond)
	require.True(t, m.AddWriter(g, rtpstypes.Automatic, lease))
	require.True(t, m.AssertGUID(g, rtpstypes.Automatic, lease))
	c.waitN(t, 1)

	clock.BlockUntil(1)
	clock.Advance(100 * time.Millisecond)

	got := c.waitN(t, 2)
	require.EqualValues(t, 1, got[1].NotAliveCount)

	status, err := m.StatusOf(g, rtpstypes.Automatic)
	require.NoError(t, err)
	require.Equal(t, NotAlive, status)
}

func TestIsAnyAlive(t *testing.T) {
	c := newCollector()
	clock := clockwork.NewFakeClock()
	m := New(slog.Default(), clock, 0, c.onGap)
	defer m.Close()

	g := testGUID(4)
	lease := rtpstypes.DurationFromTime(time.Second)
	require.True(t, m.AddWriter(g, rtpstypes.ManualByTopic, lease))
	require.False(t, m.IsAnyAlive(rtpstypes.ManualByTopic))

	require.True(t, m.AssertGUID(g, rtpstypes.ManualByTopic, lease))
	c.waitN(t, 1)
	require.True(t, m.IsAnyAlive(rtpstypes.ManualByTopic))
}

func TestAssertKindBulk(t *testing.T) {
	c := newCollector()
	clock := clockwork.NewFakeClock()
	m := New(slog.Default(), clock, 0, c.onGap)
	defer m.Close()

	lease := rtpstypes.DurationFromTime(time.Second)
	g1, g2 := testGUID(5), testGUID(6)
	require.True(t, m.AddWriter(g1, rtpstypes.ManualByParticipant, lease))
	require.True(t, m.AddWriter(g2, rtpstypes.ManualByParticipant, lease))

	require.True(t, m.AssertKind(rtpstypes.ManualByParticipant))
	c.waitN(t, 2)

	require.False(t, m.AssertKind(rtpstypes.ManualByTopic))
}

func TestRemoveWriterUnknownReturnsFalse(t *testing.T) {
	m := New(slog.Default(), clockwork.NewFakeClock(), 0, nil)
	defer m.Close()
	require.False(t, m.RemoveWriter(testGUID(9), rtpstypes.Automatic, rtpstypes.Duration{}))
}

func TestNeverAssertedRecordExpiresDirectlyToNotAlive(t *testing.T) {
	c := newCollector()
	clock := clockwork.NewFakeClock()
	m := New(slog.Default(), clock, 0, c.onGap)
	defer m.Close()

	g := testGUID(7)
	lease := rtpstypes.DurationFromTime(100 * time.Millisecond)
	require.True(t, m.AddWriter(g, rtpstypes.Automatic, lease))

	status, err := m.StatusOf(g, rtpstypes.Automatic)
	require.NoError(t, err)
	require.Equal(t, NotAssertedYet, status)

	clock.BlockUntil(1)
	clock.Advance(100 * time.Millisecond)

	got := c.waitN(t, 1)
	require.Len(t, got, 1)
	require.EqualValues(t, 1, got[0].NotAliveDelta)
	require.EqualValues(t, 0, got[0].AliveCount)
	require.EqualValues(t, 1, got[0].NotAliveCount)

	status, err = m.StatusOf(g, rtpstypes.Automatic)
	require.NoError(t, err)
	require.Equal(t, NotAlive, status)
}

func TestAliveNotAliveCountsAreMonotonic(t *testing.T) {
	c := newCollector()
	clock := clockwork.NewFakeClock()
	m := New(slog.Default(), clock, 0, c.onGap)
	defer m.Close()

	g := testGUID(8)
	lease := rtpstypes.DurationFromTime(50 * time.Millisecond)
	require.True(t, m.AddWriter(g, rtpstypes.Automatic, lease))

	require.True(t, m.AssertGUID(g, rtpstypes.Automatic, lease))
	c.waitN(t, 1)

	clock.BlockUntil(1)
	clock.Advance(50 * time.Millisecond)
	c.waitN(t, 2)

	require.True(t, m.AssertGUID(g, rtpstypes.Automatic, lease))
	c.waitN(t, 3)

	clock.BlockUntil(1)
	clock.Advance(50 * time.Millisecond)
	got := c.waitN(t, 4)

	var prevAlive, prevNotAlive uint64
	for _, tr := range got {
		require.GreaterOrEqual(t, tr.AliveCount, prevAlive)
		require.GreaterOrEqual(t, tr.NotAliveCount, prevNotAlive)
		prevAlive, prevNotAlive = tr.AliveCount, tr.NotAliveCount
	}
	require.EqualValues(t, 2, prevAlive)
	require.EqualValues(t, 2, prevNotAlive)
}

func TestManagerFullDegradesGracefully(t *testing.T) {
	m := New(slog.Default(), clockwork.NewFakeClock(), 1, nil)
	defer m.Close()
	lease := rtpstypes.DurationFromTime(time.Second)
	require.True(t, m.AddWriter(testGUID(10), rtpstypes.Automatic, lease))
	require.False(t, m.AddWriter(testGUID(11), rtpstypes.Automatic, lease))
}
