// Package wlp implements the writer liveliness protocol core: admission
// and eviction of local writers, announcement cadence bookkeeping,
// inbound and outbound sample dispatch, peer endpoint pairing, and the
// liveliness-change fan-out to local readers and writers.
//
// Admission/removal of tracked peers, a scheduler-driven tick per
// cadence bucket, and a single mutex serializing membership changes
// while the per-session state machine runs underneath mirror a BFD-style
// session manager.
package wlp

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"

	"github.com/malbeclabs/rtps-liveliness/internal/rtps/builtin"
	"github.com/malbeclabs/rtps-liveliness/internal/rtps/discovery"
	"github.com/malbeclabs/rtps-liveliness/internal/rtps/liveliness"
	"github.com/malbeclabs/rtps-liveliness/internal/rtps/metrics"
	"github.com/malbeclabs/rtps-liveliness/internal/rtps/rtpstypes"
	"github.com/malbeclabs/rtps-liveliness/internal/rtps/sched"
	"github.com/malbeclabs/rtps-liveliness/internal/rtps/security"
	"github.com/malbeclabs/rtps-liveliness/internal/rtps/status"
	"github.com/malbeclabs/rtps-liveliness/internal/rtps/transport"
)

// PairState is the per (local endpoint, remote participant) pairing
// state machine.
type PairState int

const (
	Unpaired PairState = iota
	Paired
)

func (s PairState) String() string {
	if s == Paired {
		return "paired"
	}
	return "unpaired"
}

type localWriter struct {
	qos discovery.WriterQoS
	st  *status.Writer
}

type localReader struct {
	guid  rtpstypes.GUID
	kind  rtpstypes.Kind
	lease rtpstypes.Duration
	st    *status.Reader
}

type remotePeer struct {
	prefix         rtpstypes.GUIDPrefix
	writerPaired   PairState // local reader <-> remote writer
	readerPaired   PairState // local writer <-> remote reader
	automaticLease rtpstypes.Duration
	manualLease    rtpstypes.Duration
	secure         bool
}

// Core is the WLP instance for one participant.
type Core struct {
	log         *slog.Logger
	prefix      rtpstypes.GUIDPrefix
	scheduler   *sched.Scheduler
	endpoints   *builtin.Endpoints
	discoveryDB discovery.Database
	secMgr      security.Manager

	pubManager *liveliness.Manager // registers MANUAL_BY_PARTICIPANT / MANUAL_BY_TOPIC local writers
	subManager *liveliness.Manager // tracks remote writers asserted over the wire

	mu sync.Mutex // guards bucket sets and minimum cadence scalars

	automaticWriters           map[rtpstypes.GUID]*localWriter
	manualByParticipantWriters map[rtpstypes.GUID]*localWriter
	manualByTopicWriters       map[rtpstypes.GUID]*localWriter

	minAutomaticMS           uint64
	minManualByParticipantMS uint64

	automaticTimer sched.Handle
	manualTimer    sched.Handle

	localReaders map[rtpstypes.GUID]*localReader
	remotes      map[rtpstypes.GUIDPrefix]*remotePeer

	metrics *metrics.Collectors // optional; nil-safe
}

// WithMetrics attaches a metrics.Collectors instance, labeled with this
// participant's prefix, to the Core. Safe to call once, before traffic
// starts; nil is accepted and simply disables metric emission.
func (c *Core) WithMetrics(m *metrics.Collectors) *Core {
	c.metrics = m
	return c
}

func (c *Core) participantLabel() string {
	return c.prefix.String()
}

const infiniteMS = uint64(math.MaxUint64)

// New constructs a WLP Core for the participant identified by prefix.
func New(log *slog.Logger, prefix rtpstypes.GUIDPrefix, scheduler *sched.Scheduler, endpoints *builtin.Endpoints,
	db discovery.Database, secMgr security.Manager, pubManager, subManager *liveliness.Manager) *Core {

	c := &Core{
		log:                        log,
		prefix:                     prefix,
		scheduler:                  scheduler,
		endpoints:                  endpoints,
		discoveryDB:                db,
		secMgr:                     secMgr,
		pubManager:                 pubManager,
		subManager:                 subManager,
		automaticWriters:           make(map[rtpstypes.GUID]*localWriter),
		manualByParticipantWriters: make(map[rtpstypes.GUID]*localWriter),
		manualByTopicWriters:       make(map[rtpstypes.GUID]*localWriter),
		minAutomaticMS:             infiniteMS,
		minManualByParticipantMS:   infiniteMS,
		localReaders:               make(map[rtpstypes.GUID]*localReader),
		remotes:                    make(map[rtpstypes.GUIDPrefix]*remotePeer),
	}

	return c
}

// OnInboundChange is the transport.OnDataAvailable handler callers must
// register on the built-in reader(s) to drive inbound sample processing.
func (c *Core) OnInboundChange(change transport.CacheChange) {
	c.handleInboundSample(change)
}

// --- Admission -----------------------------------------------------------

// AddLocalWriter admits W with the given QoS.
func (c *Core) AddLocalWriter(guid rtpstypes.GUID, qos discovery.WriterQoS, lossListener status.LostListener) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	periodMS := msOf(qos.AnnouncementPeriod)
	w := &localWriter{qos: qos, st: status.NewWriter(guid, lossListener)}
	c.discoveryDB.SetWriterQoS(guid, qos)

	switch qos.Kind {
	case rtpstypes.Automatic:
		c.automaticWriters[guid] = w
		c.rearmBucketLocked(&c.automaticTimer, &c.minAutomaticMS, periodMS, c.onAutomaticTick)
	case rtpstypes.ManualByParticipant:
		c.manualByParticipantWriters[guid] = w
		c.rearmBucketLocked(&c.manualTimer, &c.minManualByParticipantMS, periodMS, c.onManualByParticipantTick)
		c.pubManager.AddWriter(guid, qos.Kind, qos.LeaseDuration)
	case rtpstypes.ManualByTopic:
		c.manualByTopicWriters[guid] = w
		c.pubManager.AddWriter(guid, qos.Kind, qos.LeaseDuration)
	}
	c.setTrackedGaugeLocked(qos.Kind)
	return true
}

// setTrackedGaugeLocked reports the current size of kind's local-writer
// bucket on the tracked_records gauge. Caller holds c.mu.
func (c *Core) setTrackedGaugeLocked(kind rtpstypes.Kind) {
	if c.metrics == nil {
		return
	}
	var n int
	switch kind {
	case rtpstypes.Automatic:
		n = len(c.automaticWriters)
	case rtpstypes.ManualByParticipant:
		n = len(c.manualByParticipantWriters)
	case rtpstypes.ManualByTopic:
		n = len(c.manualByTopicWriters)
	}
	c.metrics.TrackedRecordsGauge.WithLabelValues(c.participantLabel(), kind.String()).Set(float64(n))
}

// rearmBucketLocked implements the "create or tighten" timer logic
// shared by the automatic and manual-by-participant admission paths.
// Caller holds c.mu.
func (c *Core) rearmBucketLocked(handle *sched.Handle, minMS *uint64, periodMS uint64, cb sched.Callback) {
	if *handle == 0 {
		*handle = c.scheduler.Schedule(periodMS, cb)
		c.scheduler.Restart(*handle)
		*minMS = periodMS
		return
	}
	if *minMS == infiniteMS {
		// The bucket was emptied earlier and its timer cancelled: arm it
		// afresh at the new writer's period.
		c.scheduler.UpdateInterval(*handle, periodMS)
		c.scheduler.Restart(*handle)
		*minMS = periodMS
		return
	}
	if periodMS < *minMS {
		remaining := c.scheduler.RemainingMS(*handle)
		c.scheduler.UpdateInterval(*handle, periodMS)
		if remaining > periodMS {
			c.scheduler.Cancel(*handle)
			c.scheduler.Restart(*handle)
		}
		*minMS = periodMS
	}
}

// --- Eviction -------------------------------------------------------------

// RemoveLocalWriter evicts W, looking up its kind via discovery (not the
// caller's belief) so it survives a QoS mutation.
func (c *Core) RemoveLocalWriter(guid rtpstypes.GUID) bool {
	qos, ok := c.discoveryDB.WriterQoS(guid)
	if !ok {
		c.log.Warn("remove_local_writer: unknown writer", slog.String("guid", guid.String()))
		return false
	}
	c.discoveryDB.RemoveWriter(guid)

	c.mu.Lock()
	defer c.mu.Unlock()

	switch qos.Kind {
	case rtpstypes.Automatic:
		delete(c.automaticWriters, guid)
		c.recomputeBucketLocked(c.automaticWriters, &c.automaticTimer, &c.minAutomaticMS, c.onAutomaticTick)
	case rtpstypes.ManualByParticipant:
		delete(c.manualByParticipantWriters, guid)
		c.recomputeBucketLocked(c.manualByParticipantWriters, &c.manualTimer, &c.minManualByParticipantMS, c.onManualByParticipantTick)
		c.pubManager.RemoveWriter(guid, qos.Kind, qos.LeaseDuration)
	case rtpstypes.ManualByTopic:
		delete(c.manualByTopicWriters, guid)
		c.pubManager.RemoveWriter(guid, qos.Kind, qos.LeaseDuration)
	}
	c.setTrackedGaugeLocked(qos.Kind)
	return true
}

// recomputeBucketLocked scans the surviving writers' periods and
// updates or cancels the bucket timer: an emptied bucket's timer is
// cancelled outright rather than merely paused. Caller holds c.mu.
func (c *Core) recomputeBucketLocked(bucket map[rtpstypes.GUID]*localWriter, handle *sched.Handle, minMS *uint64, cb sched.Callback) {
	if len(bucket) == 0 {
		if *handle != 0 {
			c.scheduler.Cancel(*handle)
		}
		*minMS = infiniteMS
		return
	}
	newMin := infiniteMS
	for _, w := range bucket {
		if p := msOf(w.qos.AnnouncementPeriod); p < newMin {
			newMin = p
		}
	}
	if *handle == 0 {
		*handle = c.scheduler.Schedule(newMin, cb)
	}
	remaining := c.scheduler.RemainingMS(*handle)
	c.scheduler.UpdateInterval(*handle, newMin)
	if newMin < *minMS || remaining > newMin {
		c.scheduler.Cancel(*handle)
		c.scheduler.Restart(*handle)
	}
	*minMS = newMin
}

func msOf(d rtpstypes.Duration) uint64 {
	if d.IsInfinite() {
		return infiniteMS
	}
	ms := d.AsTimeDuration().Milliseconds()
	if ms < 0 {
		return 0
	}
	return uint64(ms)
}

// --- Outbound assertion -----------------------------------------------

func (c *Core) onAutomaticTick(_ sched.EventCode) bool {
	c.mu.Lock()
	nonEmpty := len(c.automaticWriters) > 0
	c.mu.Unlock()
	if nonEmpty {
		handle, ok := rtpstypes.AnnouncementInstanceHandle(c.prefix, rtpstypes.Automatic)
		if ok {
			if err := c.sendLivelinessMessage(handle); err != nil {
				c.log.Warn("automatic liveliness tick: emission dropped", slog.Any("err", err))
			}
		}
	}
	return true
}

func (c *Core) onManualByParticipantTick(_ sched.EventCode) bool {
	if c.pubManager.IsAnyAlive(rtpstypes.ManualByParticipant) {
		handle, ok := rtpstypes.AnnouncementInstanceHandle(c.prefix, rtpstypes.ManualByParticipant)
		if ok {
			if err := c.sendLivelinessMessage(handle); err != nil {
				c.log.Warn("manual-by-participant liveliness tick: emission dropped", slog.Any("err", err))
			}
		}
	}
	return true
}

// sendLivelinessMessage resolves the builtin writer, marshals the fixed
// 28-byte payload, and publishes it with
// keep-last-1-per-instance semantics (delegated to the writer's Publish).
func (c *Core) sendLivelinessMessage(instance rtpstypes.InstanceHandle) error {
	w := c.endpoints.BuiltinWriter()
	payload := rtpstypes.MarshalLivelinessPayload(instance)
	kind, _ := instance.Kind()
	err := w.Publish(instance, payload)
	if c.metrics != nil {
		if err != nil {
			c.metrics.EmissionDropsTotal.WithLabelValues(c.participantLabel(), kind.String()).Inc()
		} else {
			c.metrics.AssertionsSent.WithLabelValues(c.participantLabel(), kind.String()).Inc()
		}
	}
	return err
}

// --- Inbound sample handling ------------------------------------------

func (c *Core) handleInboundSample(change transport.CacheChange) {
	kind, ok := change.InstanceHandle.Kind()
	if !ok {
		return // unknown kind byte, ignored
	}
	prefix := change.InstanceHandle.Prefix()

	c.mu.Lock()
	peer, havePeer := c.remotes[prefix]
	paired := havePeer && peer.writerPaired == Paired
	var lease rtpstypes.Duration
	if paired {
		if kind == rtpstypes.Automatic {
			lease = peer.automaticLease
		} else {
			lease = peer.manualLease
		}
	}
	var matched []*localReader
	for _, r := range c.localReaders {
		if r.kind == kind {
			matched = append(matched, r)
		}
	}
	c.mu.Unlock()

	if !paired || len(matched) == 0 {
		return
	}

	c.subManager.AddWriter(change.WriterGUID, kind, lease)
	c.subManager.AssertGUID(change.WriterGUID, kind, lease)
}

// --- Peer endpoint pairing --------------------------------------------

// AssignRemoteEndpoints pairs the local built-in endpoints against a
// newly discovered remote participant.
func (c *Core) AssignRemoteEndpoints(ctx context.Context, pdata discovery.ParticipantProxy) {
	secure := pdata.IsLivelinessProtected && c.endpoints.Secure != nil

	c.mu.Lock()
	peer, ok := c.remotes[pdata.GUIDPrefix]
	if !ok {
		peer = &remotePeer{prefix: pdata.GUIDPrefix}
		c.remotes[pdata.GUIDPrefix] = peer
	}
	peer.automaticLease = pdata.AutomaticLease
	peer.manualLease = pdata.ManualByParticipantLease
	peer.secure = secure
	c.mu.Unlock()

	remoteWriterGUID := rtpstypes.GUID{Prefix: pdata.GUIDPrefix, Entity: rtpstypes.EntityIDParticipantMessageWriter}
	remoteReaderGUID := rtpstypes.GUID{Prefix: pdata.GUIDPrefix, Entity: rtpstypes.EntityIDParticipantMessageReader}
	if secure {
		remoteWriterGUID.Entity = rtpstypes.EntityIDParticipantMessageSecureWriter
		remoteReaderGUID.Entity = rtpstypes.EntityIDParticipantMessageSecureReader
	}

	if pdata.HasParticipantMessageW || pdata.HasParticipantMessageSW {
		if err := c.pairGate(ctx, secure, remoteWriterGUID, true); err != nil {
			c.log.Error("pairing remote liveliness writer rejected", slog.String("remote", remoteWriterGUID.String()), slog.Any("err", err))
		} else {
			c.mu.Lock()
			peer.writerPaired = Paired
			c.mu.Unlock()
		}
	}
	if pdata.HasParticipantMessageR || pdata.HasParticipantMessageSR {
		if err := c.pairGate(ctx, secure, remoteReaderGUID, false); err != nil {
			c.log.Error("pairing remote liveliness reader rejected", slog.String("remote", remoteReaderGUID.String()), slog.Any("err", err))
		} else {
			c.mu.Lock()
			peer.readerPaired = Paired
			c.mu.Unlock()
		}
	}
}

func (c *Core) pairGate(ctx context.Context, secure bool, remote rtpstypes.GUID, isWriter bool) error {
	if !secure {
		return nil
	}
	if c.secMgr == nil {
		return errors.New("wlp: secure pairing requested but no security manager configured")
	}
	if isWriter {
		return c.secMgr.DiscoveredBuiltinWriter(ctx, remote)
	}
	return c.secMgr.DiscoveredBuiltinReader(ctx, remote)
}

// RemoveRemoteEndpoints is the symmetric inverse of AssignRemoteEndpoints:
// it unpairs and forgets the remote participant's liveliness state.
func (c *Core) RemoveRemoteEndpoints(prefix rtpstypes.GUIDPrefix) {
	c.mu.Lock()
	peer, ok := c.remotes[prefix]
	if ok {
		peer.writerPaired = Unpaired
		peer.readerPaired = Unpaired
		delete(c.remotes, prefix)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	remoteWriterGUID := rtpstypes.GUID{Prefix: prefix, Entity: rtpstypes.EntityIDParticipantMessageWriter}
	remoteReaderGUID := rtpstypes.GUID{Prefix: prefix, Entity: rtpstypes.EntityIDParticipantMessageReader}
	if peer.secure {
		remoteWriterGUID.Entity = rtpstypes.EntityIDParticipantMessageSecureWriter
		remoteReaderGUID.Entity = rtpstypes.EntityIDParticipantMessageSecureReader
	}
	if c.secMgr != nil {
		c.secMgr.RemoveWriter(remoteWriterGUID)
		c.secMgr.RemoveReader(remoteReaderGUID)
	}
	c.subManager.RemoveWriter(remoteWriterGUID, rtpstypes.Automatic, rtpstypes.Duration{})
	c.subManager.RemoveWriter(remoteWriterGUID, rtpstypes.ManualByParticipant, rtpstypes.Duration{})
}

// --- Local reader registration -------------------------------------------

// AddLocalReader registers a local reader for the given liveliness
// kind/lease, wiring subManager transitions to its status tracker as
// liveliness-changed notifications.
func (c *Core) AddLocalReader(guid rtpstypes.GUID, kind rtpstypes.Kind, lease rtpstypes.Duration, listener status.ChangedListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.localReaders[guid] = &localReader{
		guid:  guid,
		kind:  kind,
		lease: lease,
		st:    status.NewReader(guid, listener),
	}
}

// RemoveLocalReader deregisters a local reader.
func (c *Core) RemoveLocalReader(guid rtpstypes.GUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.localReaders, guid)
}

// --- Liveness change fan-out ------------------------------------------

// PubLivelinessChanged implements pub_liveliness_changed: publishers only
// observe losses, so transitions that are not a not-alive delta of 1 are
// ignored. Register this as the onGap callback for pubManager.
func (c *Core) PubLivelinessChanged(t liveliness.Transition) {
	if t.NotAliveDelta != 1 {
		return
	}
	c.mu.Lock()
	var w *localWriter
	switch t.Kind {
	case rtpstypes.ManualByParticipant:
		w = c.manualByParticipantWriters[t.GUID]
	case rtpstypes.ManualByTopic:
		w = c.manualByTopicWriters[t.GUID]
	}
	c.mu.Unlock()
	if w == nil {
		return
	}
	w.st.RecordLoss()
	if c.metrics != nil {
		c.metrics.LivelinessLostTotal.WithLabelValues(c.participantLabel(), t.Kind.String()).Inc()
	}
}

// SubLivelinessChanged implements sub_liveliness_changed: every local
// reader whose (kind, lease) matches the event's (kind, lease) and that
// is paired with the announcing remote has its status counters updated.
// Register this as the onGap callback for subManager.
func (c *Core) SubLivelinessChanged(t liveliness.Transition) {
	c.mu.Lock()
	var matched []*localReader
	for _, r := range c.localReaders {
		if r.kind == t.Kind && r.lease == t.Lease {
			matched = append(matched, r)
		}
	}
	c.mu.Unlock()

	handle, _ := rtpstypes.AnnouncementInstanceHandle(t.GUID.Prefix, t.Kind)
	for _, r := range matched {
		r.st.ApplyDelta(int64(t.AliveDelta), int64(t.NotAliveDelta), handle)
	}

	if c.metrics == nil {
		return
	}
	if t.AliveDelta > 0 {
		c.metrics.AliveTransitions.WithLabelValues(c.participantLabel(), t.Kind.String()).Inc()
	}
	if t.NotAliveDelta > 0 {
		c.metrics.NotAliveTransitions.WithLabelValues(c.participantLabel(), t.Kind.String()).Inc()
	}
}

// --- Application API ------------------------------------------------------

// AssertLivelinessWriter implements assert_liveliness(writer_guid, kind, lease).
func (c *Core) AssertLivelinessWriter(guid rtpstypes.GUID, kind rtpstypes.Kind, lease rtpstypes.Duration) bool {
	return c.pubManager.AssertGUID(guid, kind, lease)
}

// AssertLivelinessManualByParticipant implements
// assert_liveliness_manual_by_participant(): succeeds iff at least one
// manual-by-participant writer exists.
func (c *Core) AssertLivelinessManualByParticipant() bool {
	c.mu.Lock()
	any := len(c.manualByParticipantWriters) > 0
	c.mu.Unlock()
	if !any {
		return false
	}
	return c.pubManager.AssertKind(rtpstypes.ManualByParticipant)
}

// Shutdown cancels both announcement timers and joins the scheduler and
// managers, releasing both assertion timers before releasing any
// endpoint.
func (c *Core) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.automaticTimer != 0 {
		c.scheduler.Cancel(c.automaticTimer)
	}
	if c.manualTimer != 0 {
		c.scheduler.Cancel(c.manualTimer)
	}
	c.mu.Unlock()

	err := c.scheduler.Shutdown(ctx)
	c.pubManager.Close()
	c.subManager.Close()
	return err
}
