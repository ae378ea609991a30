// Package replication implements the local and geo-redundant replicators:
// bounded worker pools that fan out fire-and-forget HTTP PUTs, adapted
// from the teacher's fan-out/fan-in DefaultParallelPublisher but sized to
// a fixed persistent pool per the handler's replication model (local
// replication does not retry; the resync protocol heals misses).
package replication

import (
	"bytes"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/chronos-project/chronos/internal/chronosd/timer"
)

// Replicator hands a borrowed timer off to a worker pool for best-effort
// asynchronous delivery to peers or remote sites.
type Replicator interface {
	Enqueue(t *timer.Timer)
	Close()
}

type job struct {
	target   string
	body     []byte
	onResult func(success bool)
}

type workerPool struct {
	jobs   chan job
	wg     sync.WaitGroup
	client *http.Client
	logger *slog.Logger
}

func newWorkerPool(size int, client *http.Client, logger *slog.Logger) *workerPool {
	if size <= 0 {
		size = 1
	}
	p := &workerPool{
		jobs:   make(chan job, size*4),
		client: client,
		logger: logger,
	}
	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.run()
	}
	return p
}

func (p *workerPool) run() {
	defer p.wg.Done()
	for j := range p.jobs {
		p.deliver(j)
	}
}

func (p *workerPool) deliver(j job) {
	success := p.put(j.target, j.body)
	if j.onResult != nil {
		j.onResult(success)
	}
}

func (p *workerPool) put(target string, body []byte) bool {
	req, err := http.NewRequest(http.MethodPut, target, bytes.NewReader(body))
	if err != nil {
		p.logger.Warn("replication: bad request", "target", target, "err", err)
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Warn("replication: send failed, not retrying", "target", target, "err", err)
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		p.logger.Warn("replication: non-2xx response, not retrying", "target", target, "status", resp.StatusCode)
		return false
	}
	return true
}

func (p *workerPool) enqueue(j job) {
	select {
	case p.jobs <- j:
	default:
		p.logger.Warn("replication: queue full, dropping (resync will heal)", "target", j.target)
	}
}

func (p *workerPool) close() {
	close(p.jobs)
	p.wg.Wait()
}

// LocalReplicator PUTs a timer's body to every address in its replica
// list other than this node, using a pool of roughly 50 workers.
type LocalReplicator struct {
	pool      *workerPool
	localAddr string
	idFormat  timer.IDFormat
	nowMonoMs func() uint32
}

// NewLocalReplicator constructs a LocalReplicator with the given worker
// pool size (spec default ~50).
func NewLocalReplicator(workers int, localAddr string, idFormat timer.IDFormat, nowMonoMs func() uint32, client *http.Client, logger *slog.Logger) *LocalReplicator {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalReplicator{
		pool:      newWorkerPool(workers, client, logger),
		localAddr: localAddr,
		idFormat:  idFormat,
		nowMonoMs: nowMonoMs,
	}
}

func (r *LocalReplicator) Enqueue(t *timer.Timer) {
	body, err := t.ToJSON(r.nowMonoMs())
	if err != nil {
		return
	}
	for _, addr := range t.Replicas {
		if addr == r.localAddr {
			continue
		}
		r.pool.enqueue(job{target: t.URL(addr, r.idFormat), body: body})
	}
}

func (r *LocalReplicator) Close() { r.pool.close() }

// EnqueueTo PUTs t's body to a single target address, bypassing the
// replica-list fan-out. Used by the resync driver, which already knows
// exactly which peer needs which copy (new replica or tombstone).
func (r *LocalReplicator) EnqueueTo(target string, t *timer.Timer) {
	if target == r.localAddr {
		return
	}
	body, err := t.ToJSON(r.nowMonoMs())
	if err != nil {
		return
	}
	r.pool.enqueue(job{target: t.URL(target, r.idFormat), body: body})
}

// GRReplicator PUTs a stripped copy of a timer (replicas cleared, sending
// site removed from the site list) to every configured remote site, using
// a smaller pool (spec default ~20), and tracks per-site last-success
// time for operational health checks.
type GRReplicator struct {
	pool        *workerPool
	localSite   string
	remoteSites map[string]string // site name -> host:port
	idFormat    timer.IDFormat
	nowMonoMs   func() uint32

	mu          sync.Mutex
	lastSuccess map[string]time.Time
}

// NewGRReplicator constructs a GRReplicator with the given worker pool
// size (spec default ~20).
func NewGRReplicator(workers int, localSite string, remoteSites map[string]string, idFormat timer.IDFormat, nowMonoMs func() uint32, client *http.Client, logger *slog.Logger) *GRReplicator {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GRReplicator{
		pool:        newWorkerPool(workers, client, logger),
		localSite:   localSite,
		remoteSites: remoteSites,
		idFormat:    idFormat,
		nowMonoMs:   nowMonoMs,
		lastSuccess: make(map[string]time.Time),
	}
}

func (r *GRReplicator) Enqueue(t *timer.Timer) {
	stripped := t.Clone()
	stripped.Replicas = nil
	stripped.ExtraReplicas = nil

	sites := make([]string, 0, len(t.Sites))
	for _, s := range t.Sites {
		if s != r.localSite {
			sites = append(sites, s)
		}
	}
	stripped.Sites = sites

	body, err := stripped.ToJSON(r.nowMonoMs())
	if err != nil {
		return
	}

	for name, endpoint := range r.remoteSites {
		if name == r.localSite {
			continue
		}
		siteName := name
		r.pool.enqueue(job{
			target: stripped.URL(endpoint, r.idFormat),
			body:   body,
			onResult: func(success bool) {
				if !success {
					return
				}
				r.mu.Lock()
				r.lastSuccess[siteName] = time.Now()
				r.mu.Unlock()
			},
		})
	}
}

func (r *GRReplicator) Close() { r.pool.close() }

// LastSuccess returns the last time a PUT to siteName succeeded.
func (r *GRReplicator) LastSuccess(siteName string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.lastSuccess[siteName]
	return t, ok
}
