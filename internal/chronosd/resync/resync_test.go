package resync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronos-project/chronos/internal/chronosd/callback"
	"github.com/chronos-project/chronos/internal/chronosd/cluster"
	"github.com/chronos-project/chronos/internal/chronosd/handler"
	"github.com/chronos-project/chronos/internal/chronosd/replication"
	"github.com/chronos-project/chronos/internal/chronosd/stats"
	"github.com/chronos-project/chronos/internal/chronosd/store"
	"github.com/chronos-project/chronos/internal/chronosd/timer"
)

type noopDispatcher struct{}

func (noopDispatcher) Dispatch(t *timer.Timer, results chan<- callback.Result) {
	results <- callback.Result{ID: t.ID, Success: true}
}

func newTestHandler(selfAddr string) *handler.Handler {
	mgr := cluster.NewManager(cluster.View{
		ViewID:            "view-2",
		NewCluster:        []string{"a:1", "b:1", "c:1"},
		LocalAddr:         selfAddr,
		ReplicationFactor: 2,
	})
	return handler.New(store.New(0), mgr, noopDispatcher{}, handler.Config{NetworkDelayMs: 200}, handler.WithStats(stats.NewMemorySink()))
}

func sampleTimer(id uint64, replicas []string) *timer.Timer {
	return &timer.Timer{
		ID:                id,
		StartTimeMonoMs:   0,
		IntervalMs:        1000,
		RepeatForMs:       1000,
		ClusterViewID:     "view-2",
		Replicas:          replicas,
		ReplicationFactor: uint32(len(replicas)),
		CallbackURL:       "http://client/cb",
		CallbackBody:      "opaque",
	}
}

func newEmptyPushed(t *testing.T) *lru.Cache[string, struct{}] {
	c, err := lru.New[string, struct{}](64)
	require.NoError(t, err)
	return c
}

func TestProcessEntryDoesNotStoreLocallyWhenDemoted(t *testing.T) {
	h := newTestHandler("b:1")
	d := NewDriver(h, nil, nil, "b:1", 10, nil)

	// self ("b:1") was rank 0 (primary) before, rank 1 now: old_level(0) < new_level(1)
	// so its own copy is presumed more authoritative and must NOT be overwritten.
	entry := Entry{
		TimerID:     1,
		OldReplicas: []string{"b:1", "a:1"},
		Timer:       sampleTimer(1, []string{"a:1", "b:1", "c:1"}),
	}
	d.processEntry(entry, newEmptyPushed(t), map[string][]handler.ReferenceClear{})
	_, found := h.FetchTimer(1)
	assert.False(t, found, "demoted-but-previously-better-ranked self should not overwrite its own copy")
}

func TestProcessEntryStoresLocallyWhenNewlyAssignedOrEqual(t *testing.T) {
	h := newTestHandler("c:1")
	d := NewDriver(h, nil, nil, "c:1", 10, nil)

	// self ("c:1") was not a replica before at all: must store locally.
	entry := Entry{
		TimerID:     2,
		OldReplicas: []string{"a:1", "b:1"},
		Timer:       sampleTimer(2, []string{"a:1", "c:1"}),
	}
	d.processEntry(entry, newEmptyPushed(t), map[string][]handler.ReferenceClear{})
	got, found := h.FetchTimer(2)
	require.True(t, found)
	assert.Equal(t, uint64(2), got.ID)
}

func TestProcessEntryQueuesForwardAndTombstoneReferenceClears(t *testing.T) {
	h := newTestHandler("a:1")
	d := NewDriver(h, nil, nil, "a:1", 10, nil)

	// self ("a:1") is at new rank 1. "c:1" (new rank 2) wasn't in the old
	// list at all -> forward. "x:1" held the timer under the old cluster
	// at old rank 0, better than self's new rank 1, and is gone from the
	// new list -> tombstone.
	entry := Entry{
		TimerID:     3,
		OldReplicas: []string{"x:1", "a:1"},
		Timer:       sampleTimer(3, []string{"z:1", "a:1", "c:1"}),
	}
	clears := map[string][]handler.ReferenceClear{}
	d.processEntry(entry, newEmptyPushed(t), clears)

	// self's new rank is 1; "c:1" at rank 2 is strictly below and wasn't
	// in the old list at all, so it should be forwarded to and cleared.
	require.Contains(t, clears, "c:1")
	assert.Equal(t, []handler.ReferenceClear{{ID: 3, ReplicaIndex: 1}}, clears["c:1"])

	// "x:1" held the timer before (rank 0, better than self's new rank 1)
	// and is gone from the new list, so it should be tombstoned.
	require.Contains(t, clears, "x:1")
	assert.Equal(t, []handler.ReferenceClear{{ID: 3, ReplicaIndex: 1}}, clears["x:1"])
}

func TestProcessEntrySkipsAlreadyWellPlacedReplica(t *testing.T) {
	h := newTestHandler("a:1")
	d := NewDriver(h, nil, nil, "a:1", 10, nil)

	// "b:1" already held this timer at rank 0 (better than its new rank
	// 1), so it must not be re-forwarded.
	entry := Entry{
		TimerID:     4,
		OldReplicas: []string{"b:1"},
		Timer:       sampleTimer(4, []string{"a:1", "b:1"}),
	}
	clears := map[string][]handler.ReferenceClear{}
	d.processEntry(entry, newEmptyPushed(t), clears)
	assert.NotContains(t, clears, "b:1")
}

// captureServer records every PUT target path it receives, so the
// forward/tombstone wiring through a real replication.LocalReplicator can
// be exercised end to end.
type captureServer struct {
	mu    sync.Mutex
	calls []string
}

func (s *captureServer) handler(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.calls = append(s.calls, r.URL.Path)
	s.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (s *captureServer) paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func TestProcessEntryForwardsOverRealReplicator(t *testing.T) {
	cs := &captureServer{}
	srv := httptest.NewServer(http.HandlerFunc(cs.handler))
	defer srv.Close()
	peerAddr := strings.TrimPrefix(srv.URL, "http://")

	h := newTestHandler("a:1")
	repl := replication.NewLocalReplicator(2, "a:1", timer.IDFormatWithoutReplicas, func() uint32 { return 0 }, nil, nil)
	d := NewDriver(h, nil, repl, "a:1", 10, nil)

	entry := Entry{
		TimerID:     5,
		OldReplicas: []string{"a:1"},
		Timer:       sampleTimer(5, []string{"a:1", peerAddr}),
	}
	d.processEntry(entry, newEmptyPushed(t), map[string][]handler.ReferenceClear{})

	assert.Eventually(t, func() bool { return len(cs.paths()) >= 1 }, time.Second, 10*time.Millisecond)
}

// fakePeerClient lets Driver.Run be exercised without a real listener.
type fakePeerClient struct {
	pages   map[string][]Page
	clears  map[string][]handler.ReferenceClear
	fetched []string
}

func (f *fakePeerClient) FetchTimers(ctx context.Context, peerAddr, selfAddr, clusterViewID string, timeFrom uint32, pageSize int) (Page, error) {
	f.fetched = append(f.fetched, peerAddr)
	pages := f.pages[peerAddr]
	if len(pages) == 0 {
		return Page{}, nil
	}
	page := pages[0]
	f.pages[peerAddr] = pages[1:]
	return page, nil
}

func (f *fakePeerClient) ClearReferences(ctx context.Context, peerAddr string, clears []handler.ReferenceClear) error {
	if f.clears == nil {
		f.clears = map[string][]handler.ReferenceClear{}
	}
	f.clears[peerAddr] = append(f.clears[peerAddr], clears...)
	return nil
}

func TestRunSkipsSelfAndVisitsEveryPeer(t *testing.T) {
	h := newTestHandler("a:1")
	fc := &fakePeerClient{pages: map[string][]Page{
		"b:1": {{Entries: nil, HasMore: false}},
		"c:1": {{Entries: nil, HasMore: false}},
	}}
	d := NewDriver(h, fc, nil, "a:1", 10, nil)
	d.Run(context.Background(), []string{"a:1", "b:1", "c:1"})

	assert.ElementsMatch(t, []string{"b:1", "c:1"}, fc.fetched)
}
