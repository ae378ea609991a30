// Package store implements the hierarchical timing wheel that backs a
// Chronos node's in-memory timer storage: a short wheel, a long wheel, an
// overflow heap for the long tail, an id index, and a view-id index used
// only by resync.
package store

import (
	"container/heap"
	"log/slog"
	"sort"

	"github.com/chronos-project/chronos/internal/chronosd/modtime"
	"github.com/chronos-project/chronos/internal/chronosd/timer"
)

const (
	ShortBuckets      = 128
	ShortResolutionMs = 8
	ShortSpanMs       = ShortBuckets * ShortResolutionMs // 1024ms

	LongBuckets      = 4096
	LongResolutionMs = 1024
	LongSpanMs       = LongBuckets * LongResolutionMs // ~70 minutes
)

type location int

const (
	locOverdue location = iota
	locShort
	locLong
	locHeap
)

// TimerPair is the store entry for one timer id: the active (currently
// scheduled) timer, and optionally a retained information timer — the
// previous epoch's view, kept only while old-epoch replicas still need
// telling about the new placement.
type TimerPair struct {
	ID            uint64
	Active        *timer.Timer
	ActivePopTime uint32
	Information   *timer.Timer

	loc       location
	bucketIdx int
	heapIdx   int
}

type heapEntry struct {
	key uint64
	id  uint64
}

type timerHeap []heapEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].key < h[j].key }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x interface{}) { *h = append(*h, x.(heapEntry)) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

func heapKey(popTime uint32, id uint64) uint64 {
	return uint64(popTime)<<32 | (id & 0xffffffff)
}

// Store is the hierarchical timing wheel. It is not internally
// synchronized: the owning Timer Handler serializes all access under its
// own mutex, per the concurrency model.
type Store struct {
	tickTimestamp uint32

	overdue map[uint64]struct{}
	short   [ShortBuckets]map[uint64]struct{}
	long    [LongBuckets]map[uint64]struct{}
	heap    timerHeap

	idIndex   map[uint64]*TimerPair
	viewIndex map[string]map[uint64]struct{}

	// onInsert is pinged on every successful insert, backing an external
	// liveness probe.
	onInsert func()

	logger *slog.Logger
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithLogger attaches a structured logger for consistency-fallback and
// warning conditions.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithHealthHook registers a callback pinged on every successful insert.
func WithHealthHook(fn func()) Option {
	return func(s *Store) { s.onInsert = fn }
}

// New constructs an empty Store with its wheel clock starting at
// tickTimestamp (normally the current monotonic ms time, rounded down to
// a multiple of ShortResolutionMs).
func New(tickTimestamp uint32, opts ...Option) *Store {
	s := &Store{
		tickTimestamp: tickTimestamp - tickTimestamp%ShortResolutionMs,
		overdue:       make(map[uint64]struct{}),
		idIndex:       make(map[uint64]*TimerPair),
		viewIndex:     make(map[string]map[uint64]struct{}),
		logger:        slog.Default(),
	}
	for i := range s.short {
		s.short[i] = make(map[uint64]struct{})
	}
	for i := range s.long {
		s.long[i] = make(map[uint64]struct{})
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) classify(popTime uint32) (location, int) {
	diff := modtime.Diff(popTime, s.tickTimestamp)
	switch {
	case diff < 0:
		return locOverdue, 0
	case uint32(diff) < ShortSpanMs:
		return locShort, int((popTime / ShortResolutionMs) % ShortBuckets)
	case uint32(diff) < LongSpanMs:
		return locLong, int((popTime / LongResolutionMs) % LongBuckets)
	default:
		return locHeap, 0
	}
}

func (s *Store) bucketFor(loc location, idx int) map[uint64]struct{} {
	switch loc {
	case locOverdue:
		return s.overdue
	case locShort:
		return s.short[idx]
	case locLong:
		return s.long[idx]
	default:
		return nil
	}
}

// Insert places pair into the wheel/heap according to its ActivePopTime,
// and indexes it by id and by cluster view id. Ownership of pair passes
// to the store.
func (s *Store) Insert(pair *TimerPair) {
	loc, idx := s.classify(pair.ActivePopTime)
	pair.loc = loc
	pair.bucketIdx = idx

	if loc == locHeap {
		heap.Push(&s.heap, heapEntry{key: heapKey(pair.ActivePopTime, pair.ID), id: pair.ID})
	} else {
		s.bucketFor(loc, idx)[pair.ID] = struct{}{}
	}

	s.idIndex[pair.ID] = pair
	s.indexViewIDs(pair)

	if s.onInsert != nil {
		s.onInsert()
	}
}

func (s *Store) indexViewIDs(pair *TimerPair) {
	if pair.Active != nil && pair.Active.ClusterViewID != "" {
		s.addViewIndex(pair.Active.ClusterViewID, pair.ID)
	}
	if pair.Information != nil && pair.Information.ClusterViewID != "" {
		s.addViewIndex(pair.Information.ClusterViewID, pair.ID)
	}
}

func (s *Store) deindexViewIDs(pair *TimerPair) {
	if pair.Active != nil && pair.Active.ClusterViewID != "" {
		s.removeViewIndex(pair.Active.ClusterViewID, pair.ID)
	}
	if pair.Information != nil && pair.Information.ClusterViewID != "" {
		s.removeViewIndex(pair.Information.ClusterViewID, pair.ID)
	}
}

func (s *Store) addViewIndex(viewID string, id uint64) {
	set, ok := s.viewIndex[viewID]
	if !ok {
		set = make(map[uint64]struct{})
		s.viewIndex[viewID] = set
	}
	set[id] = struct{}{}
}

func (s *Store) removeViewIndex(viewID string, id uint64) {
	set, ok := s.viewIndex[viewID]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(s.viewIndex, viewID)
	}
}

// Fetch removes and returns the pair for id, if present. This is the
// "fetch" operation: ownership transfers to the caller.
func (s *Store) Fetch(id uint64) (*TimerPair, bool) {
	pair, ok := s.idIndex[id]
	if !ok {
		return nil, false
	}
	s.removeFromWheel(pair)
	delete(s.idIndex, id)
	s.deindexViewIDs(pair)
	return pair, true
}

// Peek returns the pair for id without removing it from the store, for
// read-only operational lookups.
func (s *Store) Peek(id uint64) (*TimerPair, bool) {
	pair, ok := s.idIndex[id]
	return pair, ok
}

func (s *Store) removeFromWheel(pair *TimerPair) {
	if pair.loc == locHeap {
		if s.removeFromHeap(pair.ID) {
			return
		}
	} else {
		bucket := s.bucketFor(pair.loc, pair.bucketIdx)
		if _, ok := bucket[pair.ID]; ok {
			delete(bucket, pair.ID)
			return
		}
	}
	// Consistency fallback: the expected location didn't contain it
	// (e.g. classification drifted from a concurrent redistribution).
	// Sweep every structure.
	s.logger.Warn("store: timer not found in expected location, sweeping", "timer_id", pair.ID)
	if s.removeFromHeap(pair.ID) {
		return
	}
	for _, bucket := range s.short {
		if _, ok := bucket[pair.ID]; ok {
			delete(bucket, pair.ID)
			return
		}
	}
	for _, bucket := range s.long {
		if _, ok := bucket[pair.ID]; ok {
			delete(bucket, pair.ID)
			return
		}
	}
	if _, ok := s.overdue[pair.ID]; ok {
		delete(s.overdue, pair.ID)
	}
}

func (s *Store) removeFromHeap(id uint64) bool {
	for i, e := range s.heap {
		if e.id == id {
			heap.Remove(&s.heap, i)
			return true
		}
	}
	return false
}

// FetchNextTimers advances the wheel clock to nowMs and returns every pair
// whose active timer has become due, in the order they were encountered.
// Returned pairs are removed from the store: ownership transfers to the
// caller (normally the Timer Handler's tick loop).
func (s *Store) FetchNextTimers(nowMs uint32) []*TimerPair {
	var due []*TimerPair

	for id := range s.overdue {
		if pair, ok := s.idIndex[id]; ok {
			due = append(due, pair)
			delete(s.idIndex, id)
			s.deindexViewIDs(pair)
		}
	}
	s.overdue = make(map[uint64]struct{})

	for modtime.Diff(nowMs, s.tickTimestamp) >= ShortResolutionMs {
		idx := int((s.tickTimestamp / ShortResolutionMs) % ShortBuckets)
		bucket := s.short[idx]
		for id := range bucket {
			if pair, ok := s.idIndex[id]; ok {
				due = append(due, pair)
				delete(s.idIndex, id)
				s.deindexViewIDs(pair)
			}
		}
		s.short[idx] = make(map[uint64]struct{})

		s.tickTimestamp += ShortResolutionMs

		if s.tickTimestamp%LongResolutionMs == 0 {
			s.redistributeLongBucket()
		}
		if s.tickTimestamp%LongSpanMs == 0 {
			s.redistributeHeap()
		}
	}

	return due
}

func (s *Store) redistributeLongBucket() {
	idx := int((s.tickTimestamp / LongResolutionMs) % LongBuckets)
	bucket := s.long[idx]
	for id := range bucket {
		pair, ok := s.idIndex[id]
		if !ok {
			continue
		}
		loc, newIdx := s.classify(pair.ActivePopTime)
		pair.loc = loc
		pair.bucketIdx = newIdx
		if loc == locHeap {
			// Shouldn't happen (span only shrinks), but stay correct.
			heap.Push(&s.heap, heapEntry{key: heapKey(pair.ActivePopTime, pair.ID), id: pair.ID})
			continue
		}
		s.bucketFor(loc, newIdx)[id] = struct{}{}
	}
	s.long[idx] = make(map[uint64]struct{})
}

func (s *Store) redistributeHeap() {
	for len(s.heap) > 0 {
		top := s.heap[0]
		pair, ok := s.idIndex[top.id]
		if !ok {
			heap.Pop(&s.heap)
			continue
		}
		if modtime.Diff(pair.ActivePopTime, s.tickTimestamp) >= LongSpanMs {
			break
		}
		heap.Pop(&s.heap)
		loc, idx := s.classify(pair.ActivePopTime)
		pair.loc = loc
		pair.bucketIdx = idx
		if loc == locHeap {
			heap.Push(&s.heap, heapEntry{key: heapKey(pair.ActivePopTime, pair.ID), id: pair.ID})
			continue
		}
		s.bucketFor(loc, idx)[pair.ID] = struct{}{}
	}
}

// Iter returns every pair whose active timer's pop time is at or after
// fromTime, in increasing pop-time order. Intended only for resync, which
// the handler already serializes under its own mutex.
func (s *Store) Iter(fromTime uint32) []*TimerPair {
	all := make([]*TimerPair, 0, len(s.idIndex))
	for _, pair := range s.idIndex {
		if modtime.Diff(pair.ActivePopTime, fromTime) >= 0 {
			all = append(all, pair)
		}
	}
	sort.SliceStable(all, func(i, j int) bool {
		return modtime.Before(all[i].ActivePopTime, all[j].ActivePopTime)
	})
	return all
}

// Len returns the number of timer ids currently stored.
func (s *Store) Len() int {
	return len(s.idIndex)
}

// TickTimestamp returns the wheel's current logical time.
func (s *Store) TickTimestamp() uint32 {
	return s.tickTimestamp
}

// ViewIDs returns the set of ids whose active or information timer still
// carries viewID.
func (s *Store) ViewIDs(viewID string) []uint64 {
	set, ok := s.viewIndex[viewID]
	if !ok {
		return nil
	}
	ids := make([]uint64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}
