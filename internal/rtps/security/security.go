// Package security provides the opaque security-manager gate the WLP
// consults when pairing built-in liveliness endpoints. The cryptographic
// plugins themselves are out of scope; this package only models the
// accept/reject decision and its retry behavior.
package security

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/malbeclabs/rtps-liveliness/internal/rtps/rtpstypes"
)

// ErrRejected is returned when the security manager declines to pair an
// endpoint. This is logged and that endpoint alone is skipped; other
// pairings proceed.
var ErrRejected = errors.New("security: endpoint rejected by security manager")

// Manager is the security-manager collaborator. Discovery and removal
// calls are opaque gates to the WLP: errors are logged and pairing is
// aborted for that endpoint only.
type Manager interface {
	DiscoveredBuiltinWriter(ctx context.Context, remote rtpstypes.GUID) error
	DiscoveredBuiltinReader(ctx context.Context, remote rtpstypes.GUID) error
	RemoveWriter(remote rtpstypes.GUID)
	RemoveReader(remote rtpstypes.GUID)
}

// Permissive accepts every pairing unconditionally, for participants
// that do not set is_liveliness_protected.
type Permissive struct{}

func (Permissive) DiscoveredBuiltinWriter(context.Context, rtpstypes.GUID) error { return nil }
func (Permissive) DiscoveredBuiltinReader(context.Context, rtpstypes.GUID) error { return nil }
func (Permissive) RemoveWriter(rtpstypes.GUID) {}
func (Permissive) RemoveReader(rtpstypes.GUID) {}

// RetryingGate wraps an underlying accept/reject decision function with
// bounded exponential backoff, for security plugins whose handshake may
// transiently fail before settling on accept or permanent reject.
type RetryingGate struct {
	log    *slog.Logger
	accept func(ctx context.Context, remote rtpstypes.GUID) (bool, error)
	newBO  func() backoff.BackOff
}

// NewRetryingGate builds a RetryingGate. accept performs the actual
// handshake/authorization check; it may return a transient error (which
// is retried) or (false, nil) for a permanent reject (not retried).
func NewRetryingGate(log *slog.Logger, accept func(ctx context.Context, remote rtpstypes.GUID) (bool, error)) *RetryingGate {
	return &RetryingGate{
		log:    log,
		accept: accept,
		newBO: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 20 * time.Millisecond
			b.MaxInterval = 500 * time.Millisecond
			b.MaxElapsedTime = 2 * time.Second
			return b
		},
	}
}

func (g *RetryingGate) gate(ctx context.Context, remote rtpstypes.GUID) error {
	var rejected bool
	op := func() error {
		ok, err := g.accept(ctx, remote)
		if err != nil {
			return err
		}
		if !ok {
			rejected = true
			return nil // permanent: stop retrying, surface ErrRejected below
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(g.newBO(), ctx)); err != nil {
		g.log.Error("security manager handshake failed", slog.String("remote", remote.String()), slog.Any("err", err))
		return err
	}
	if rejected {
		return ErrRejected
	}
	return nil
}

func (g *RetryingGate) DiscoveredBuiltinWriter(ctx context.Context, remote rtpstypes.GUID) error {
	return g.gate(ctx, remote)
}

func (g *RetryingGate) DiscoveredBuiltinReader(ctx context.Context, remote rtpstypes.GUID) error {
	return g.gate(ctx, remote)
}

func (g *RetryingGate) RemoveWriter(rtpstypes.GUID) {}
func (g *RetryingGate) RemoveReader(rtpstypes.GUID) {}
