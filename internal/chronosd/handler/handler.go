// Package handler implements the Timer Handler: the single-threaded
// owner of a node's Timer Store. It applies the merge rule to concurrent
// timer updates, drives the tick loop that pops expired timers to the
// callback worker pool, processes the worker's success/failure results,
// and serves the resync RPC on behalf of peers.
package handler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/chronos-project/chronos/internal/chronosd/callback"
	"github.com/chronos-project/chronos/internal/chronosd/cluster"
	"github.com/chronos-project/chronos/internal/chronosd/placement"
	"github.com/chronos-project/chronos/internal/chronosd/replication"
	"github.com/chronos-project/chronos/internal/chronosd/stats"
	"github.com/chronos-project/chronos/internal/chronosd/store"
	"github.com/chronos-project/chronos/internal/chronosd/timer"
)

// ReferenceClear names one (timer id, replica index) pair whose tracker
// bit should be cleared, per the resync `DELETE /timers/references`
// handshake (spec.md §4.6 step 3).
type ReferenceClear struct {
	ID           uint64
	ReplicaIndex int
}

// ResyncEntry is one row of a get-timers-for-node response: the timer as
// recomputed under the requesting node's epoch, plus the replica list it
// held under the prior epoch, so the requester can tell which replicas
// moved.
type ResyncEntry struct {
	TimerID     uint64
	OldReplicas []string
	Timer       *timer.Timer
}

// Clock abstracts monotonic/wall time so tests can drive the handler
// without a real clock.
type Clock struct {
	NowMonoMs func() uint32
	NowWallMs func() int64
}

func defaultClock() Clock {
	return Clock{
		NowMonoMs: func() uint32 { return uint32(time.Now().UnixMilli()) },
		NowWallMs: func() int64 { return time.Now().UnixMilli() },
	}
}

// Config bundles the handler tunables resolved from config.HandlerConfig
// (spec.md §9's two Open Questions: NETWORK_DELAY and the replica
// stagger unit, both made configurable rather than hard-coded).
type Config struct {
	NetworkDelayMs   uint32
	ReplicaStaggerMs uint32
}

// Handler is the single-mutex owner of a node's Store. HTTP request
// threads and callback-return threads call into it and contend on one
// mutex; the tick loop is the only other goroutine touching the store.
type Handler struct {
	mu    sync.Mutex
	store *store.Store

	cluster *cluster.Manager
	stats   stats.Sink
	cfg     Config
	clock   Clock
	logger  *slog.Logger

	dispatcher      callback.Dispatcher
	localReplicator *replication.LocalReplicator
	grReplicator    *replication.GRReplicator
	idFormat        timer.IDFormat

	liveTotal int64

	// inFlight holds timers popped from the store and handed to the
	// callback dispatcher, keyed by id, until the worker reports back
	// via the results channel. poppedInfo carries along each one's
	// retained Information timer (store.TimerPair.Information), which
	// the store itself forgets the instant the pair is popped.
	inFlight   map[uint64]*timer.Timer
	poppedInfo map[uint64]*timer.Timer

	results chan callback.Result
	wakeCh  chan struct{}
}

// Option configures a Handler at construction time.
type Option func(*Handler)

// WithStats attaches the statistics sink the handler updates on every
// add/tombstone/discard.
func WithStats(s stats.Sink) Option { return func(h *Handler) { h.stats = s } }

// WithLogger attaches a structured logger.
func WithLogger(l *slog.Logger) Option { return func(h *Handler) { h.logger = l } }

// WithClock overrides the monotonic/wall clock, for deterministic tests.
func WithClock(c Clock) Option { return func(h *Handler) { h.clock = c } }

// WithIDFormat selects the timer id URL suffix encoding used when
// replicating (see timer.IDFormat).
func WithIDFormat(f timer.IDFormat) Option { return func(h *Handler) { h.idFormat = f } }

// WithLocalReplicator attaches the local-cluster replicator; every
// winning insert is fanned out to the timer's current replica list
// through it.
func WithLocalReplicator(r *replication.LocalReplicator) Option {
	return func(h *Handler) { h.localReplicator = r }
}

// WithGRReplicator attaches the geo-redundant replicator; a successfully
// fired timer is fanned out to remote sites through it before rearming.
func WithGRReplicator(r *replication.GRReplicator) Option {
	return func(h *Handler) { h.grReplicator = r }
}

// New constructs a Handler over store s, owning placement decisions via
// clusterMgr and firing callbacks through dispatcher.
func New(s *store.Store, clusterMgr *cluster.Manager, dispatcher callback.Dispatcher, cfg Config, opts ...Option) *Handler {
	h := &Handler{
		store:      s,
		cluster:    clusterMgr,
		stats:      stats.NoopSink{},
		cfg:        cfg,
		clock:      defaultClock(),
		logger:     slog.Default(),
		dispatcher: dispatcher,
		idFormat:   timer.IDFormatWithoutReplicas,
		inFlight:   make(map[uint64]*timer.Timer),
		poppedInfo: make(map[uint64]*timer.Timer),
		results:    make(chan callback.Result, 64),
		wakeCh:     make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(h)
	}
	if h.cfg.ReplicaStaggerMs == 0 {
		h.cfg.ReplicaStaggerMs = placement.ReplicaStaggerMs
	}
	return h
}

func (h *Handler) wake() {
	select {
	case h.wakeCh <- struct{}{}:
	default:
	}
}

func (h *Handler) popTime(t *timer.Timer, view cluster.View) uint32 {
	return t.NextPopTimeStaggered(view.LocalAddr, view.LocalSite, h.cfg.ReplicaStaggerMs)
}

// AddTimer applies the merge rule against any existing timer sharing
// new's id and stores the winner. Callers (HTTP create/update handlers
// and inbound-replication handlers) are responsible for having already
// assigned new's placement via Timer.UpdateClusterInformation when the
// timer did not arrive with an explicit replica list.
func (h *Handler) AddTimer(newT *timer.Timer) {
	h.mu.Lock()
	h.addTimerLocked(newT, nil, true)
	h.mu.Unlock()
	h.wake()
}

// DeleteTimer tombstones the timer with id, if present, and returns
// whether one was found. It is modeled as an ordinary add_timer call
// carrying a synthetic tombstone timestamped at the current moment, so
// the merge rule's precedence (and its "tombstone absorbs a stale
// resubmission" property, spec.md §8.2 scenario 5) applies uniformly
// rather than special-casing DELETE.
func (h *Handler) DeleteTimer(id uint64) bool {
	h.mu.Lock()
	pair, ok := h.store.Peek(id)
	if !ok || pair.Active == nil {
		h.mu.Unlock()
		return false
	}
	existing := pair.Active
	tomb := &timer.Timer{
		ID:                id,
		StartTimeMonoMs:   h.clock.NowMonoMs(),
		ClusterViewID:     existing.ClusterViewID,
		Replicas:          append([]string(nil), existing.Replicas...),
		Sites:             append([]string(nil), existing.Sites...),
		ReplicationFactor: existing.ReplicationFactor,
	}
	h.addTimerLocked(tomb, nil, true)
	h.mu.Unlock()
	h.wake()
	return true
}

// FetchTimer returns a read-only copy of the stored timer for id.
func (h *Handler) FetchTimer(id uint64) (*timer.Timer, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	pair, ok := h.store.Peek(id)
	if !ok || pair.Active == nil {
		return nil, false
	}
	return pair.Active.Clone(), true
}

// addTimerLocked merges newT against the store's current entry for its
// id (or carryInfo if none is currently stored), inserts the winner, and
// optionally updates statistics. Must be called with h.mu held.
func (h *Handler) addTimerLocked(newT *timer.Timer, carryInfo *timer.Timer, updateStats bool) *timer.Timer {
	pair, existed := h.store.Fetch(newT.ID)

	var existing *timer.Timer
	info := carryInfo
	if existed {
		existing = pair.Active
		info = pair.Information
	}

	winner := newT
	view := h.cluster.Snapshot()
	if existing != nil {
		winner = mergeWinner(existing, newT, view.ViewID, h.cfg.NetworkDelayMs)
		if winner == newT && winner.IsTombstone() {
			winner.IntervalMs = existing.IntervalMs
			winner.RepeatForMs = existing.RepeatForMs
		}
		if len(winner.Sites) > 0 {
			winner.Sites = placement.MergeSites(existing.Sites, winner.Sites)
		} else {
			winner.Sites = existing.Sites
		}
	}

	if updateStats {
		h.updateStatsLocked(existing, winner)
	}

	newPair := &store.TimerPair{ID: winner.ID, Active: winner, Information: info}
	newPair.ActivePopTime = h.popTime(winner, view)
	h.store.Insert(newPair)
	if winner != existing {
		// existing == winner means the merge kept our own copy: it was
		// already fanned out when it first won, so re-replicating here
		// would just re-send the same body.
		h.replicate(winner)
	}
	return winner
}

// replicate fans winner out to its current replica list. Must be called
// with h.mu held (the replicator's own queue is independently
// synchronized, but t's fields must not be mutated concurrently while
// ToJSON reads them).
func (h *Handler) replicate(t *timer.Timer) {
	if h.localReplicator != nil {
		h.localReplicator.Enqueue(t)
	}
}

func (h *Handler) updateStatsLocked(existing, winner *timer.Timer) {
	var existingTags map[string]uint32
	if existing != nil {
		existingTags = existing.Tags
	}
	h.adjustTagsLocked(existingTags, winner.Tags)

	switch {
	case existing == nil:
		h.liveTotal++
		h.stats.Set(h.liveTotal)
	case winner.IsTombstone() && !existing.IsTombstone():
		h.liveTotal--
		h.stats.Set(h.liveTotal)
	}
}

// adjustTagsLocked increments/decrements per-tag counters for the delta
// between oldTags and newTags (spec.md §4.4 step 6: "add = new.tags -
// existing.tags, remove = existing.tags - new.tags").
func (h *Handler) adjustTagsLocked(oldTags, newTags map[string]uint32) {
	seen := make(map[string]struct{}, len(oldTags)+len(newTags))
	for k := range oldTags {
		seen[k] = struct{}{}
	}
	for k := range newTags {
		seen[k] = struct{}{}
	}
	for k := range seen {
		o, n := oldTags[k], newTags[k]
		switch {
		case n > o:
			h.stats.Increment(k, n-o)
		case n < o:
			h.stats.Decrement(k, o-n)
		}
	}
}

// ReturnTimer is invoked by the callback worker after a successful HTTP
// callback, handing back ownership of the timer it had borrowed. If the
// timer has exhausted its repeat window it is tombstoned; otherwise it is
// merged back into the store exactly like any other add_timer call.
func (h *Handler) ReturnTimer(t *timer.Timer) {
	h.mu.Lock()
	h.returnTimerLocked(t, nil)
	h.mu.Unlock()
	h.wake()
}

func (h *Handler) returnTimerLocked(t *timer.Timer, carryInfo *timer.Timer) {
	exhausted := (t.IntervalMs == 0 && t.RepeatForMs == 0) ||
		(t.SequenceNumber+1)*t.IntervalMs > t.RepeatForMs
	if exhausted && !t.IsTombstone() {
		h.adjustTagsLocked(t.Tags, nil)
		h.liveTotal--
		h.stats.Set(h.liveTotal)
		t.BecomeTombstone()
	}
	// Statistics for the tombstone transition were already applied
	// above, so the nested merge must not double-count them.
	h.addTimerLocked(t, carryInfo, false)
}

// HandleSuccessfulCallback is invoked after a callback worker reports a
// successful delivery: it cross-site replicates the fired timer, then
// returns it to the store (rearming it, or tombstoning it if its repeat
// window is exhausted).
func (h *Handler) HandleSuccessfulCallback(id uint64) {
	h.mu.Lock()
	t, ok := h.inFlight[id]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.inFlight, id)
	info := h.poppedInfo[id]
	delete(h.poppedInfo, id)
	h.mu.Unlock()

	if h.grReplicator != nil && len(t.Sites) > 1 {
		h.grReplicator.Enqueue(t)
	}

	h.mu.Lock()
	h.returnTimerLocked(t, info)
	h.mu.Unlock()
	h.wake()
}

// HandleFailedCallback is invoked after a callback worker reports a
// failed delivery: the timer is discarded (not rearmed) and its
// statistics are decremented. The resync protocol is relied on to heal
// any replica that still expects this sequence number to advance.
func (h *Handler) HandleFailedCallback(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.inFlight[id]
	if !ok {
		return
	}
	delete(h.inFlight, id)
	delete(h.poppedInfo, id) // any retained Information timer is dropped with it
	h.logger.Warn("handler: callback failed, discarding timer", "timer_id", id, "sequence_number", t.SequenceNumber)
	if !t.IsTombstone() {
		h.adjustTagsLocked(t.Tags, nil)
		h.liveTotal--
		h.stats.Set(h.liveTotal)
	}
}

// Results exposes the channel the callback dispatcher must send exactly
// one Result to per dispatched timer.
func (h *Handler) Results() chan<- callback.Result { return h.results }

// Run drives the tick loop: it repeatedly drains due timers from the
// store and hands them to the callback dispatcher, and in between ticks
// waits on either a new addition, a callback result, or the short wheel
// resolution timeout — a channel-select replacement for the original
// design's condition-variable wait (spec.md §4.4 run loop).
func (h *Handler) Run(ctx context.Context) {
	h.mu.Lock()
	due := h.store.FetchNextTimers(h.clock.NowMonoMs())
	h.mu.Unlock()

	for {
		if len(due) > 0 {
			for _, pair := range due {
				h.pop(pair)
			}
		} else {
			select {
			case <-ctx.Done():
				return
			case res := <-h.results:
				h.dispatchResult(res)
			case <-h.wakeCh:
			case <-time.After(store.ShortResolutionMs * time.Millisecond):
			}
		}

		select {
		case <-ctx.Done():
			return
		default:
		}

		// Drain any backlog of callback results before computing the
		// next due batch, so a just-reinserted rearm is visible to the
		// very next FetchNextTimers call.
		h.drainResults()

		h.mu.Lock()
		due = h.store.FetchNextTimers(h.clock.NowMonoMs())
		h.mu.Unlock()
	}
}

func (h *Handler) drainResults() {
	for {
		select {
		case res := <-h.results:
			h.dispatchResult(res)
		default:
			return
		}
	}
}

func (h *Handler) dispatchResult(res callback.Result) {
	if res.Success {
		h.HandleSuccessfulCallback(res.ID)
	} else {
		h.HandleFailedCallback(res.ID)
	}
}

// pop removes pair's active timer from the wheel's ownership, discarding
// silently if it is a tombstone, else incrementing its sequence number,
// recomputing placement for the new epoch, and handing it to the
// callback dispatcher. Ownership of the timer passes to the dispatcher
// until ReturnTimer/HandleSuccessfulCallback/HandleFailedCallback runs.
func (h *Handler) pop(pair *store.TimerPair) {
	t := pair.Active
	if t == nil {
		return
	}
	if t.IsTombstone() {
		// Reaped: a tombstone popping means its own lifetime has
		// elapsed and it is silently discarded (spec.md §3.4 step 6).
		return
	}

	t.SequenceNumber++
	view := h.cluster.Snapshot()
	t.UpdateClusterInformation(view.ViewID, view.NewCluster, view.OldCluster, t.ReplicationFactor, view.ConfiguredSites)

	h.mu.Lock()
	h.inFlight[t.ID] = t
	h.poppedInfo[t.ID] = pair.Information
	h.mu.Unlock()

	h.dispatcher.Dispatch(t, h.results)
}

// GetTimersForNode serves the resync RPC (spec.md §4.4
// get_timers_for_node): it walks the store from timeFrom in increasing
// pop-time order, recomputes each timer's placement under the current
// epoch, and returns every one for which requestNode is now a replica.
// It stops once max entries are collected without splitting a
// same-pop-time batch across the page boundary. hasMore reports whether
// further timers remain (the caller returns 206 vs 200 accordingly).
func (h *Handler) GetTimersForNode(requestNode string, max int, clusterViewID string, timeFrom uint32) ([]ResyncEntry, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	view := h.cluster.Snapshot()
	if clusterViewID != "" && clusterViewID != view.ViewID {
		return nil, false, ErrClusterViewMismatch
	}
	if !view.IsMember(requestNode) {
		return nil, false, ErrNodeNotInCluster
	}
	if max <= 0 {
		max = 1
	}

	all := h.store.Iter(timeFrom)
	out := make([]ResyncEntry, 0, max)

	for i, pair := range all {
		t := pair.Active
		if t == nil {
			continue
		}
		oldReplicas := append([]string(nil), t.Replicas...)
		cp := t.Clone()
		cp.UpdateClusterInformation(view.ViewID, view.NewCluster, view.OldCluster, t.ReplicationFactor, view.ConfiguredSites)

		if placement.IndexOf(cp.Replicas, requestNode) < 0 {
			continue
		}
		out = append(out, ResyncEntry{TimerID: t.ID, OldReplicas: oldReplicas, Timer: cp})

		if len(out) >= max {
			splitsABatch := i+1 < len(all) && all[i+1].ActivePopTime == pair.ActivePopTime
			if splitsABatch {
				continue
			}
			return out, i+1 < len(all), nil
		}
	}
	return out, false, nil
}

// ClearReferences clears the named replica-tracker bits on any retained
// Information timers (spec.md §4.6 step 3 / §3.4 "Reaped"), dropping the
// Information timer entirely once every bit is clear.
func (h *Handler) ClearReferences(clears []ReferenceClear) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range clears {
		pair, ok := h.store.Peek(c.ID)
		if !ok || pair.Information == nil {
			continue
		}
		pair.Information.UpdateReplicaTracker(c.ReplicaIndex)
		if pair.Information.ReplicaTrackerEmpty() {
			pair.Information = nil
		}
	}
}

// AttachInformation seeds id's retained Information timer with prior, so
// peers still on prior's epoch can resync against it until prior's
// tracker bits all clear. Nothing in this module calls it; the resync
// driver does not attach Information timers.
func (h *Handler) AttachInformation(id uint64, prior *timer.Timer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	pair, ok := h.store.Peek(id)
	if !ok {
		return
	}
	pair.Information = prior
}

// LiveCount returns the current count of non-tombstone timers, as last
// reported to the statistics sink.
func (h *Handler) LiveCount() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.liveTotal
}

// IDFormat returns the timer id URL suffix encoding this handler's node
// was configured with, for callers (the HTTP surface, resync responses)
// that render a timer's own URL.
func (h *Handler) IDFormat() timer.IDFormat { return h.idFormat }

// ClusterView returns the current cluster membership snapshot, for
// callers that need to classify a request node or render placement
// without going through a store operation.
func (h *Handler) ClusterView() cluster.View { return h.cluster.Snapshot() }

// NetworkDelayMs returns the configured NETWORK_DELAY used by the merge
// rule (spec.md §9 Open Question).
func (h *Handler) NetworkDelayMs() uint32 { return h.cfg.NetworkDelayMs }

// NowMonoMs returns the handler's current monotonic time, for callers
// (the HTTP surface) that need to parse/render timer JSON consistently
// with the handler's own clock.
func (h *Handler) NowMonoMs() uint32 { return h.clock.NowMonoMs() }

// NowWallMs returns the handler's current wall-clock time in
// milliseconds.
func (h *Handler) NowWallMs() int64 { return h.clock.NowWallMs() }
