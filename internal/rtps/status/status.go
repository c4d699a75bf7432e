// Package status implements the endpoint status surface: the
// liveliness-lost and liveliness-changed counters and their listener
// notification. The "_change" fields are always zero on return from
// every listener callback.
package status

import (
	"sync"

	"github.com/malbeclabs/rtps-liveliness/internal/rtps/rtpstypes"
)

// LostStatus mirrors liveliness_lost_status on a local writer.
type LostStatus struct {
	TotalCount       uint64
	TotalCountChange int64
}

// ChangedStatus mirrors liveliness_changed_status on a local reader.
type ChangedStatus struct {
	AliveCount            uint64
	NotAliveCount         uint64
	AliveCountChange      int64
	NotAliveCountChange   int64
	LastPublicationHandle rtpstypes.InstanceHandle
}

// LostListener is on_liveliness_lost. It receives the current snapshot
// and must be non-blocking and non-reentrant into the writer's
// destructive API.
type LostListener func(writer rtpstypes.GUID, status LostStatus)

// ChangedListener is on_liveliness_changed.
type ChangedListener func(reader rtpstypes.GUID, status ChangedStatus)

// Writer tracks liveliness_lost_status for one local writer. Listener
// invocation happens with the writer's mutex held, so concurrent status
// reads observe a consistent snapshot.
type Writer struct {
	guid     rtpstypes.GUID
	mu       sync.Mutex
	status   LostStatus
	listener LostListener
}

// NewWriter constructs a Writer status tracker. listener may be nil.
func NewWriter(guid rtpstypes.GUID, listener LostListener) *Writer {
	return &Writer{guid: guid, listener: listener}
}

// RecordLoss increments total_count and total_count_change, invokes the
// listener if present with the current snapshot, and then zeros
// total_count_change.
func (w *Writer) RecordLoss() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status.TotalCount++
	w.status.TotalCountChange++
	if w.listener != nil {
		w.listener(w.guid, w.status)
	}
	w.status.TotalCountChange = 0
}

// Snapshot returns the current status.
func (w *Writer) Snapshot() LostStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Reader tracks liveliness_changed_status for one local reader.
type Reader struct {
	guid     rtpstypes.GUID
	mu       sync.Mutex
	status   ChangedStatus
	listener ChangedListener
}

// NewReader constructs a Reader status tracker. listener may be nil.
func NewReader(guid rtpstypes.GUID, listener ChangedListener) *Reader {
	return &Reader{guid: guid, listener: listener}
}

// ApplyDelta applies aliveDelta/notAliveDelta to the counters, records
// pubHandle as the last publication handle, invokes the listener with
// the current snapshot, and zeros both "_change" fields on return.
func (r *Reader) ApplyDelta(aliveDelta, notAliveDelta int64, pubHandle rtpstypes.InstanceHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if aliveDelta > 0 {
		r.status.AliveCount += uint64(aliveDelta)
	} else if aliveDelta < 0 && uint64(-aliveDelta) <= r.status.AliveCount {
		r.status.AliveCount -= uint64(-aliveDelta)
	}
	if notAliveDelta > 0 {
		r.status.NotAliveCount += uint64(notAliveDelta)
	} else if notAliveDelta < 0 && uint64(-notAliveDelta) <= r.status.NotAliveCount {
		r.status.NotAliveCount -= uint64(-notAliveDelta)
	}
	r.status.AliveCountChange += aliveDelta
	r.status.NotAliveCountChange += notAliveDelta
	r.status.LastPublicationHandle = pubHandle

	if r.listener != nil {
		r.listener(r.guid, r.status)
	}
	r.status.AliveCountChange = 0
	r.status.NotAliveCountChange = 0
}

// Snapshot returns the current status.
func (r *Reader) Snapshot() ChangedStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}
