// Package callback defines the contract between the Timer Handler and the
// external callback worker pool, plus a plain net/http.Client
// implementation of it.
package callback

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/chronos-project/chronos/internal/chronosd/timer"
)

// Result is reported back to the handler exactly once per dispatched
// timer, over a channel, so the handler's tick loop and callback results
// can be processed by the same owning goroutine without shared mutable
// state between them.
type Result struct {
	ID      uint64
	Success bool
}

// Dispatcher takes ownership of a popped timer and must eventually send
// exactly one Result for its id on results.
type Dispatcher interface {
	Dispatch(t *timer.Timer, results chan<- Result)
}

// HTTPDispatcher delivers callbacks via a bounded pool of goroutines, each
// issuing a synchronous HTTP POST to the timer's callback URL.
type HTTPDispatcher struct {
	client *http.Client
	sem    chan struct{}
	logger *slog.Logger
}

// NewHTTPDispatcher constructs a dispatcher with at most `workers`
// concurrent in-flight callbacks.
func NewHTTPDispatcher(workers int, timeout time.Duration, logger *slog.Logger) *HTTPDispatcher {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPDispatcher{
		client: &http.Client{Timeout: timeout},
		sem:    make(chan struct{}, workers),
		logger: logger,
	}
}

func (d *HTTPDispatcher) Dispatch(t *timer.Timer, results chan<- Result) {
	d.sem <- struct{}{}
	go func() {
		defer func() { <-d.sem }()
		results <- Result{ID: t.ID, Success: d.deliver(t)}
	}()
}

func (d *HTTPDispatcher) deliver(t *timer.Timer) bool {
	req, err := http.NewRequest(http.MethodPost, t.CallbackURL, strings.NewReader(t.CallbackBody))
	if err != nil {
		d.logger.Warn("callback: bad request", "timer_id", t.ID, "err", err)
		return false
	}
	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.Warn("callback: transport error", "timer_id", t.ID, "err", err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		d.logger.Warn("callback: non-2xx response", "timer_id", t.ID, "status", resp.StatusCode)
		return false
	}
	return true
}
