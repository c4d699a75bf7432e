package rtpstypes

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAnnouncementInstanceHandle(t *testing.T) {
	prefix := GUIDPrefix{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}

	h, ok := AnnouncementInstanceHandle(prefix, Automatic)
	require.True(t, ok)
	require.Equal(t, byte(0x02), h[15])
	require.Equal(t, prefix, h.Prefix())
	k, ok := h.Kind()
	require.True(t, ok)
	require.Equal(t, Automatic, k)

	h, ok = AnnouncementInstanceHandle(prefix, ManualByParticipant)
	require.True(t, ok)
	require.Equal(t, byte(0x03), h[15])

	_, ok = AnnouncementInstanceHandle(prefix, ManualByTopic)
	require.False(t, ok, "MANUAL_BY_TOPIC has no announcement channel")
}

func TestInstanceHandleReservedBytesAreZero(t *testing.T) {
	prefix := GUIDPrefix{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff, 1, 2, 3, 4, 5, 6}
	h, ok := AnnouncementInstanceHandle(prefix, Automatic)
	require.True(t, ok)
	require.Equal(t, [3]byte{0, 0, 0}, [3]byte(h[12:15]))
}

func TestMarshalLivelinessPayload(t *testing.T) {
	prefix := GUIDPrefix{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	h, ok := AnnouncementInstanceHandle(prefix, Automatic)
	require.True(t, ok)

	b := MarshalLivelinessPayload(h)
	require.Len(t, b, PayloadLen)

	got, err := UnmarshalLivelinessPayload(b)
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestUnmarshalLivelinessPayloadShort(t *testing.T) {
	_, err := UnmarshalLivelinessPayload(make([]byte, 10))
	require.Error(t, err)
}

func TestDurationInfinite(t *testing.T) {
	require.True(t, InfiniteDuration.IsInfinite())
	require.False(t, Duration{Seconds: 1}.IsInfinite())

	d := DurationFromTime(250 * time.Millisecond)
	require.Equal(t, int32(0), d.Seconds)
	require.Equal(t, uint32(250*time.Millisecond), d.Nanos)
	require.Equal(t, 250*time.Millisecond, d.AsTimeDuration())
}

func TestKindFromWireTagUnknown(t *testing.T) {
	_, ok := KindFromWireTag(0x09)
	require.False(t, ok)
}
