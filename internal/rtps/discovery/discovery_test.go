package discovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/rtps-liveliness/internal/rtps/rtpstypes"
)

func testGUID(b byte) rtpstypes.GUID {
	var g rtpstypes.GUID
	g.Prefix[0] = b
	g.Entity = rtpstypes.EntityIDParticipantMessageWriter
	return g
}

func TestMemoryDatabaseRoundTrip(t *testing.T) {
	db := NewMemoryDatabase()
	g := testGUID(1)

	_, ok := db.WriterQoS(g)
	require.False(t, ok)

	qos := WriterQoS{
		Kind:               rtpstypes.Automatic,
		AnnouncementPeriod: rtpstypes.DurationFromTime(100 * time.Millisecond),
		LeaseDuration:      rtpstypes.DurationFromTime(300 * time.Millisecond),
	}
	db.SetWriterQoS(g, qos)

	got, ok := db.WriterQoS(g)
	require.True(t, ok)
	require.Equal(t, qos, got)
}

func TestMemoryDatabaseRemoveWriter(t *testing.T) {
	db := NewMemoryDatabase()
	g := testGUID(2)
	db.SetWriterQoS(g, WriterQoS{Kind: rtpstypes.ManualByTopic})

	db.RemoveWriter(g)

	_, ok := db.WriterQoS(g)
	require.False(t, ok)
}

func TestMemoryDatabaseRemoveUnknownIsNoop(t *testing.T) {
	db := NewMemoryDatabase()
	db.RemoveWriter(testGUID(3))
}
