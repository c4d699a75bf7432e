package security

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/rtps-liveliness/internal/rtps/rtpstypes"
)

func testGUID(b byte) rtpstypes.GUID {
	var g rtpstypes.GUID
	g.Prefix[0] = b
	g.Entity = rtpstypes.EntityIDParticipantMessageSecureWriter
	return g
}

func TestPermissiveAlwaysAccepts(t *testing.T) {
	p := Permissive{}
	require.NoError(t, p.DiscoveredBuiltinWriter(context.Background(), testGUID(1)))
	require.NoError(t, p.DiscoveredBuiltinReader(context.Background(), testGUID(1)))
	p.RemoveWriter(testGUID(1))
	p.RemoveReader(testGUID(1))
}

func TestRetryingGateSucceedsAfterTransientErrors(t *testing.T) {
	attempts := 0
	g := NewRetryingGate(slog.Default(), func(ctx context.Context, remote rtpstypes.GUID) (bool, error) {
		attempts++
		if attempts < 3 {
			return false, errors.New("handshake: transient failure")
		}
		return true, nil
	})

	require.NoError(t, g.DiscoveredBuiltinWriter(context.Background(), testGUID(2)))
	require.Equal(t, 3, attempts)
}

func TestRetryingGatePermanentRejectReturnsErrRejected(t *testing.T) {
	g := NewRetryingGate(slog.Default(), func(ctx context.Context, remote rtpstypes.GUID) (bool, error) {
		return false, nil
	})

	err := g.DiscoveredBuiltinReader(context.Background(), testGUID(3))
	require.ErrorIs(t, err, ErrRejected)
}

func TestRetryingGateGivesUpAfterMaxElapsedTime(t *testing.T) {
	g := NewRetryingGate(slog.Default(), func(ctx context.Context, remote rtpstypes.GUID) (bool, error) {
		return false, errors.New("handshake: always fails")
	})

	err := g.DiscoveredBuiltinWriter(context.Background(), testGUID(4))
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrRejected)
}
