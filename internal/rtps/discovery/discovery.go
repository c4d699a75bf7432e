// Package discovery stands in for the full participant discovery
// protocol (PDP/EDP). It exposes only the slice the liveliness
// subsystem needs: looking up a local writer's currently-effective
// liveliness kind (so eviction survives QoS mutation) and describing a
// discovered remote participant (ParticipantProxy) for endpoint pairing.
package discovery

import (
	"sync"

	"github.com/malbeclabs/rtps-liveliness/internal/rtps/rtpstypes"
)

// WriterQoS is the subset of writer QoS the liveliness subsystem cares
// about.
type WriterQoS struct {
	Kind               rtpstypes.Kind
	AnnouncementPeriod rtpstypes.Duration
	LeaseDuration      rtpstypes.Duration
}

// ParticipantProxy describes a remote participant as advertised by
// discovery, restricted to the fields needed to build built-in endpoint
// proxies.
type ParticipantProxy struct {
	GUIDPrefix              rtpstypes.GUIDPrefix
	IsLivelinessProtected   bool
	HasParticipantMessageW  bool
	HasParticipantMessageR  bool
	HasParticipantMessageSW bool // secure writer
	HasParticipantMessageSR bool // secure reader

	// AutomaticLease / ManualByParticipantLease are the remote
	// participant's announced lease durations per kind, normally learned
	// via EDP endpoint QoS (out of scope here); the demo and tests
	// supply them directly when building a proxy.
	AutomaticLease           rtpstypes.Duration
	ManualByParticipantLease rtpstypes.Duration
}

// Database is the discovery collaborator the WLP depends on. A real
// implementation is backed by the participant discovery protocol; this
// package also provides an in-memory Database for single-process use.
type Database interface {
	// WriterQoS looks up the currently effective QoS of a locally
	// admitted writer, authoritative over whatever kind a caller might
	// pass to RemoveLocalWriter.
	WriterQoS(guid rtpstypes.GUID) (WriterQoS, bool)
	// SetWriterQoS records/updates a local writer's QoS; called by the
	// admission path.
	SetWriterQoS(guid rtpstypes.GUID, qos WriterQoS)
	// RemoveWriter forgets a local writer's QoS.
	RemoveWriter(guid rtpstypes.GUID)
}

// memoryDatabase is a process-local Database backed by a map, adequate
// for the demo binary and for tests.
type memoryDatabase struct {
	mu  sync.RWMutex
	qos map[rtpstypes.GUID]WriterQoS
}

// NewMemoryDatabase constructs an in-memory Database.
func NewMemoryDatabase() Database {
	return &memoryDatabase{qos: make(map[rtpstypes.GUID]WriterQoS)}
}

func (d *memoryDatabase) WriterQoS(guid rtpstypes.GUID) (WriterQoS, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	q, ok := d.qos[guid]
	return q, ok
}

func (d *memoryDatabase) SetWriterQoS(guid rtpstypes.GUID, qos WriterQoS) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.qos[guid] = qos
}

func (d *memoryDatabase) RemoveWriter(guid rtpstypes.GUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.qos, guid)
}
