// Package resync implements the client side of the peer-to-peer resync
// handshake (spec.md §4.6): after a cluster reconfiguration, each node
// pulls the timers it is now a replica for from every other member,
// forwards copies to its own new backups, tombstones copies on replicas
// that dropped out, and tells peers which replica-tracker bits to clear.
package resync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/chronos-project/chronos/internal/chronosd/handler"
	"github.com/chronos-project/chronos/internal/chronosd/placement"
	"github.com/chronos-project/chronos/internal/chronosd/replication"
	"github.com/chronos-project/chronos/internal/chronosd/timer"
)

// Entry is one decoded row of a peer's resync response.
type Entry struct {
	TimerID     uint64
	OldReplicas []string
	Timer       *timer.Timer
}

// Page is one decoded GET /timers response.
type Page struct {
	Entries []Entry
	HasMore bool
}

// PeerClient is the transport-level contract the Driver uses to talk to
// one peer. HTTPPeerClient is the production implementation; tests
// supply a fake so the driver's placement logic is testable without a
// listener.
type PeerClient interface {
	FetchTimers(ctx context.Context, peerAddr, selfAddr, clusterViewID string, timeFrom uint32, pageSize int) (Page, error)
	ClearReferences(ctx context.Context, peerAddr string, clears []handler.ReferenceClear) error
}

// Driver runs one resync pass: GET-paging every peer's view of "timers
// self now replicates", then forwarding/tombstoning/clearing as the
// response dictates.
type Driver struct {
	h          *handler.Handler
	client     PeerClient
	replicator *replication.LocalReplicator
	selfAddr   string
	pageSize   int
	logger     *slog.Logger
	rng        *rand.Rand
}

// NewDriver constructs a resync Driver. replicator may be nil in tests
// that only want to observe ClearReferences/AddTimer side effects.
func NewDriver(h *handler.Handler, client PeerClient, replicator *replication.LocalReplicator, selfAddr string, pageSize int, logger *slog.Logger) *Driver {
	if pageSize <= 0 {
		pageSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		h:          h,
		client:     client,
		replicator: replicator,
		selfAddr:   selfAddr,
		pageSize:   pageSize,
		logger:     logger,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run walks peers in a random order (so a simultaneous resync trigger on
// many nodes doesn't hammer the same peer first every time) and resyncs
// against each in turn. A single peer's failure is logged and does not
// abort the pass against the rest (spec.md §4.6: "failures at individual
// peers log and continue").
func (d *Driver) Run(ctx context.Context, peers []string) {
	shuffled := append([]string(nil), peers...)
	d.rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	for _, peer := range shuffled {
		if peer == d.selfAddr {
			continue
		}
		if err := ctx.Err(); err != nil {
			return
		}
		if err := d.resyncWithPeer(ctx, peer); err != nil {
			d.logger.Warn("resync: pass against peer failed", "peer", peer, "err", err)
		}
	}
}

func (d *Driver) resyncWithPeer(ctx context.Context, peer string) error {
	pushed, _ := lru.New[string, struct{}](4096)
	timeFrom := uint32(0)

	for {
		view := d.h.ClusterView()
		page, err := d.client.FetchTimers(ctx, peer, d.selfAddr, view.ViewID, timeFrom, d.pageSize)
		if err != nil {
			return err
		}
		if len(page.Entries) == 0 {
			return nil
		}

		clearsByPeer := make(map[string][]handler.ReferenceClear)
		lastPopTime := timeFrom
		for _, e := range page.Entries {
			d.processEntry(e, pushed, clearsByPeer)
			popTime := e.Timer.NextPopTimeStaggered(d.selfAddr, "", placement.ReplicaStaggerMs)
			if popTime != lastPopTime {
				lastPopTime = popTime
			}
		}
		timeFrom = lastPopTime

		for target, clears := range clearsByPeer {
			if err := d.client.ClearReferences(ctx, target, clears); err != nil {
				d.logger.Warn("resync: clear-references failed", "peer", target, "err", err)
			}
		}

		if !page.HasMore {
			return nil
		}
	}
}

// processEntry implements spec.md §4.6 step 2 for one returned timer:
// decide whether to store it locally, forward it to new backups that
// weren't already at an equal-or-better position, and tombstone it on
// old replicas the reconfiguration dropped.
func (d *Driver) processEntry(e Entry, pushed *lru.Cache[string, struct{}], clearsByPeer map[string][]handler.ReferenceClear) {
	t := e.Timer
	newLevel := placement.IndexOf(t.Replicas, d.selfAddr)
	if newLevel < 0 {
		// The server only returns entries where we are a replica; a
		// missing match means a placement disagreement we can't safely
		// act on.
		return
	}
	oldLevel := placement.IndexOf(e.OldReplicas, d.selfAddr)
	storeLocally := oldLevel < 0 || oldLevel >= newLevel
	if storeLocally {
		d.h.AddTimer(t.Clone())
	}

	for idx, r := range t.Replicas {
		if idx <= newLevel || r == d.selfAddr {
			continue
		}
		oldIdx := placement.IndexOf(e.OldReplicas, r)
		if oldIdx >= 0 && oldIdx <= idx {
			continue // r already held this timer at an equal-or-better rank
		}
		if d.markPushed(pushed, r, t.ID) {
			d.forward(r, t)
		}
		clearsByPeer[r] = append(clearsByPeer[r], handler.ReferenceClear{ID: t.ID, ReplicaIndex: newLevel})
	}

	for oldIdx, r := range e.OldReplicas {
		if r == d.selfAddr || placement.IndexOf(t.Replicas, r) >= 0 {
			continue
		}
		if oldIdx >= newLevel {
			continue // ranked no better than us; whoever outranks them handles it
		}
		if d.markPushed(pushed, r, t.ID) {
			d.tombstone(r, t)
		}
		clearsByPeer[r] = append(clearsByPeer[r], handler.ReferenceClear{ID: t.ID, ReplicaIndex: newLevel})
	}
}

func (d *Driver) markPushed(pushed *lru.Cache[string, struct{}], target string, id uint64) bool {
	key := target + "|" + strconv.FormatUint(id, 10)
	if _, seen := pushed.Get(key); seen {
		return false
	}
	pushed.Add(key, struct{}{})
	return true
}

func (d *Driver) forward(target string, t *timer.Timer) {
	if d.replicator != nil {
		d.replicator.EnqueueTo(target, t)
	}
}

func (d *Driver) tombstone(target string, t *timer.Timer) {
	if d.replicator == nil {
		return
	}
	tomb := t.Clone()
	tomb.BecomeTombstone()
	d.replicator.EnqueueTo(target, tomb)
}

// --- HTTP peer client ---

type entryJSON struct {
	TimerID     uint64          `json:"TimerID"`
	OldReplicas []string        `json:"OldReplicas"`
	Timer       json.RawMessage `json:"Timer"`
}

type pageJSON struct {
	Timers []entryJSON `json:"Timers"`
}

type referenceClearJSON struct {
	ID           uint64 `json:"ID"`
	ReplicaIndex int    `json:"ReplicaIndex"`
}

type referencesJSON struct {
	IDs []referenceClearJSON `json:"IDs"`
}

// HTTPPeerClient issues the resync GET/DELETE over plain net/http,
// matching the transport the rest of the cluster's HTTP surface uses.
type HTTPPeerClient struct {
	client    *http.Client
	nowMonoMs func() uint32
	nowWallMs func() int64
}

// NewHTTPPeerClient constructs an HTTPPeerClient using client (or a
// default 10s-timeout client if nil).
func NewHTTPPeerClient(client *http.Client, nowMonoMs func() uint32, nowWallMs func() int64) *HTTPPeerClient {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPPeerClient{client: client, nowMonoMs: nowMonoMs, nowWallMs: nowWallMs}
}

func (c *HTTPPeerClient) FetchTimers(ctx context.Context, peerAddr, selfAddr, clusterViewID string, timeFrom uint32, pageSize int) (Page, error) {
	q := url.Values{}
	q.Set("node-for-replicas", selfAddr)
	q.Set("cluster-view-id", clusterViewID)
	q.Set("time-from", strconv.FormatUint(uint64(timeFrom), 10))
	target := fmt.Sprintf("http://%s/timers?%s", peerAddr, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Page{}, err
	}
	if pageSize > 0 {
		req.Header.Set("Range", strconv.Itoa(pageSize))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Page{}, fmt.Errorf("resync: fetch from %s: %w", peerAddr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return Page{}, fmt.Errorf("resync: fetch from %s: unexpected status %d", peerAddr, resp.StatusCode)
	}

	var doc pageJSON
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return Page{}, fmt.Errorf("resync: decode response from %s: %w", peerAddr, err)
	}

	entries := make([]Entry, 0, len(doc.Timers))
	for _, e := range doc.Timers {
		t, _, err := timer.FromJSON(e.TimerID, 0, e.Timer, c.nowMonoMs(), c.nowWallMs())
		if err != nil {
			continue
		}
		entries = append(entries, Entry{TimerID: e.TimerID, OldReplicas: e.OldReplicas, Timer: t})
	}
	return Page{Entries: entries, HasMore: resp.StatusCode == http.StatusPartialContent}, nil
}

func (c *HTTPPeerClient) ClearReferences(ctx context.Context, peerAddr string, clears []handler.ReferenceClear) error {
	if len(clears) == 0 {
		return nil
	}
	doc := referencesJSON{IDs: make([]referenceClearJSON, 0, len(clears))}
	for _, cl := range clears {
		doc.IDs = append(doc.IDs, referenceClearJSON{ID: cl.ID, ReplicaIndex: cl.ReplicaIndex})
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	target := fmt.Sprintf("http://%s/timers/references", peerAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("resync: clear-references to %s: %w", peerAddr, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("resync: clear-references to %s: unexpected status %d", peerAddr, resp.StatusCode)
	}
	return nil
}
