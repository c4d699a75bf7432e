package rtpsconfig

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/rtps-liveliness/internal/rtps/liveliness"
	"github.com/malbeclabs/rtps-liveliness/internal/rtps/rtpstypes"
)

func testPrefix(b byte) rtpstypes.GUIDPrefix {
	var p rtpstypes.GUIDPrefix
	p[0] = b
	return p
}

func TestValidateFillsDefaults(t *testing.T) {
	c := &Config{ParticipantPrefix: testPrefix(1)}
	require.NoError(t, c.Validate())

	require.Equal(t, DefaultAnnouncementPeriod, c.DefaultAnnouncementPeriod)
	require.Equal(t, DefaultLeaseDuration, c.DefaultLeaseDuration)
	require.Equal(t, liveliness.DefaultMaxRecords, c.ManagerMaxRecords)
	require.Equal(t, "rtps_liveliness", c.MetricsNamespace)
}

func TestValidateRequiresParticipantPrefix(t *testing.T) {
	c := &Config{}
	require.Error(t, c.Validate())
}

func TestValidateRejectsLeaseShorterThanAnnouncementPeriod(t *testing.T) {
	c := &Config{
		ParticipantPrefix:         testPrefix(2),
		DefaultAnnouncementPeriod: time.Second,
		DefaultLeaseDuration:      500 * time.Millisecond,
	}
	require.Error(t, c.Validate())
}

func TestValidateRejectsNegativeDurations(t *testing.T) {
	c := &Config{ParticipantPrefix: testPrefix(3), DefaultAnnouncementPeriod: -time.Second}
	require.Error(t, c.Validate())

	c2 := &Config{ParticipantPrefix: testPrefix(4), DefaultLeaseDuration: -time.Second}
	require.Error(t, c2.Validate())
}

func TestValidateAcceptsExplicitEqualLeaseAndPeriod(t *testing.T) {
	c := &Config{
		ParticipantPrefix:         testPrefix(5),
		DefaultAnnouncementPeriod: time.Second,
		DefaultLeaseDuration:      time.Second,
	}
	require.NoError(t, c.Validate())
}
