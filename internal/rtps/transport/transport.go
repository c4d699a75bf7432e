// Package transport defines the narrow slice of the RTPS reliable-writer
// transport and history-cache machinery the liveliness subsystem depends
// on. The wire protocol, reliability (heartbeat/ACKNACK), and discovery
// are out of scope here; this package gives the WLP a concrete interface
// to program against, and an in-memory implementation suitable for
// single-process demos and tests.
package transport

import (
	"fmt"
	"sync"

	"github.com/malbeclabs/rtps-liveliness/internal/rtps/rtpstypes"
)

// ChangeKind distinguishes the lifecycle of a cache change. The
// liveliness topic only ever publishes ALIVE changes, but the type is
// kept general since it mirrors the surrounding history-cache model.
type ChangeKind int

const (
	Alive ChangeKind = iota
	NotAliveDisposed
)

// CacheChange is one sample keyed by instance handle, exactly as stored
// in a keyed, TRANSIENT_LOCAL history cache.
type CacheChange struct {
	Kind           ChangeKind
	InstanceHandle rtpstypes.InstanceHandle
	WriterGUID     rtpstypes.GUID
	SequenceNumber int64
	Payload        []byte
}

// HistoryCache is the keep-last-1-per-instance cache backing the
// built-in liveliness writer and reader. Depths are fixed.
type HistoryCache interface {
	// Add inserts change, evicting any prior change with the same
	// instance handle (keep-last-1 semantics), and returns an error if
	// the cache is at MaxDepth and no existing instance can be evicted.
	Add(change CacheChange) error
	// RemoveInstance drops the current change for handle, if any.
	RemoveInstance(handle rtpstypes.InstanceHandle)
	// Changes returns a snapshot of every change currently cached.
	Changes() []CacheChange
	// Len reports the number of changes currently cached.
	Len() int
}

// memoryHistoryCache is an in-memory HistoryCache with fixed initial and
// max depths: the initial depth is advisory (pre-allocation sizing in a
// systems language); MaxDepth is the hard cap enforced here.
type memoryHistoryCache struct {
	maxDepth int

	mu          sync.Mutex
	byInstance  map[rtpstypes.InstanceHandle]CacheChange
	nextSeq     int64
}

// NewHistoryCache constructs an in-memory HistoryCache. initialDepth is
// accepted for parity with the fixed writer/reader sizing but only
// maxDepth is enforced; a slice-backed cache has no meaningful
// pre-allocation distinction worth modeling.
func NewHistoryCache(initialDepth, maxDepth int) HistoryCache {
	_ = initialDepth
	return &memoryHistoryCache{
		maxDepth:   maxDepth,
		byInstance: make(map[rtpstypes.InstanceHandle]CacheChange),
	}
}

func (c *memoryHistoryCache) Add(change CacheChange) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.byInstance[change.InstanceHandle]; !exists && len(c.byInstance) >= c.maxDepth {
		return fmt.Errorf("transport: history cache exhausted at depth %d", c.maxDepth)
	}
	c.nextSeq++
	change.SequenceNumber = c.nextSeq
	c.byInstance[change.InstanceHandle] = change
	return nil
}

func (c *memoryHistoryCache) RemoveInstance(handle rtpstypes.InstanceHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byInstance, handle)
}

func (c *memoryHistoryCache) Changes() []CacheChange {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]CacheChange, 0, len(c.byInstance))
	for _, ch := range c.byInstance {
		out = append(out, ch)
	}
	return out
}

func (c *memoryHistoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byInstance)
}

// ReliableWriter is the built-in liveliness writer's view of the
// underlying reliable writer: reserve-and-publish a change into its
// history, subject to keep-last-1-per-instance semantics.
type ReliableWriter interface {
	GUID() rtpstypes.GUID
	History() HistoryCache
	// Publish removes any existing change for handle and adds a fresh
	// ALIVE change carrying payload, returning an error if the history
	// is exhausted (non-fatal: the tick is dropped, not fatal).
	Publish(handle rtpstypes.InstanceHandle, payload []byte) error
}

// ReliableReader is the built-in liveliness reader's view of the
// underlying reliable reader: its GUID and history. It has no listener
// hook of its own; inbound-sample notification is wired through Link.
type ReliableReader interface {
	GUID() rtpstypes.GUID
	History() HistoryCache
}

// OnDataAvailable is invoked by the writer returned from Link whenever a
// new change lands in the linked reader's history. The liveliness WLP
// registers this to drive inbound sample handling.
type OnDataAvailable func(change CacheChange)

type memoryWriter struct {
	guid rtpstypes.GUID
	hist HistoryCache
}

// NewMemoryWriter builds a ReliableWriter backed by an in-memory history
// cache, for single-process demos and tests.
func NewMemoryWriter(guid rtpstypes.GUID, hist HistoryCache) ReliableWriter {
	return &memoryWriter{guid: guid, hist: hist}
}

func (w *memoryWriter) GUID() rtpstypes.GUID  { return w.guid }
func (w *memoryWriter) History() HistoryCache { return w.hist }

func (w *memoryWriter) Publish(handle rtpstypes.InstanceHandle, payload []byte) error {
	w.hist.RemoveInstance(handle)
	return w.hist.Add(CacheChange{
		Kind:           Alive,
		InstanceHandle: handle,
		WriterGUID:     w.guid,
		Payload:        payload,
	})
}

type memoryReader struct {
	guid rtpstypes.GUID
	hist HistoryCache
}

// NewMemoryReader builds a ReliableReader backed by an in-memory history
// cache.
func NewMemoryReader(guid rtpstypes.GUID, hist HistoryCache) ReliableReader {
	return &memoryReader{guid: guid, hist: hist}
}

func (r *memoryReader) GUID() rtpstypes.GUID  { return r.guid }
func (r *memoryReader) History() HistoryCache { return r.hist }

// Link wires a writer directly to a reader's history, standing in for
// the out-of-scope reliable delivery machinery: every Publish on w is
// immediately visible to r and invokes notify. Used by the in-process
// demo and by tests exercising inbound sample handling without a real
// network transport.
func Link(w ReliableWriter, r ReliableReader, notify OnDataAvailable) ReliableWriter {
	return &linkedWriter{inner: w, reader: r, notify: notify}
}

type linkedWriter struct {
	inner  ReliableWriter
	reader ReliableReader
	notify OnDataAvailable
}

func (w *linkedWriter) GUID() rtpstypes.GUID  { return w.inner.GUID() }
func (w *linkedWriter) History() HistoryCache { return w.inner.History() }

func (w *linkedWriter) Publish(handle rtpstypes.InstanceHandle, payload []byte) error {
	if err := w.inner.Publish(handle, payload); err != nil {
		return err
	}
	change := CacheChange{
		Kind:           Alive,
		InstanceHandle: handle,
		WriterGUID:     w.inner.GUID(),
		Payload:        payload,
	}
	if err := w.reader.History().Add(change); err != nil {
		return nil // reader-side exhaustion does not fail the publish
	}
	if w.notify != nil {
		w.notify(change)
	}
	return nil
}

const (
	// WriterHistoryInitialDepth / WriterHistoryMaxDepth are the fixed
	// liveliness writer history depths.
	WriterHistoryInitialDepth = 20
	WriterHistoryMaxDepth     = 1000

	// ReaderHistoryInitialDepth / ReaderHistoryMaxDepth are the fixed
	// liveliness reader history depths.
	ReaderHistoryInitialDepth = 100
	ReaderHistoryMaxDepth     = 2000
)
