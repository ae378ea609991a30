// Package api implements the node's HTTP surface (spec.md §6.1): timer
// create/update/delete, the resync GET pull, and the reference-clearing
// DELETE, on top of gorilla/mux in the same RegisterRoutes(router) shape
// the rest of this codebase's HTTP handlers use.
package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/chronos-project/chronos/internal/chronosd/handler"
	"github.com/chronos-project/chronos/internal/chronosd/timer"
)

// Handlers serves the Timer Handler's HTTP surface for one node.
type Handlers struct {
	h               *handler.Handler
	ids             *timer.IDGenerator
	selfHost        string
	defaultPageSize int
	logger          *slog.Logger
}

// New constructs Handlers bound to h. selfHost is rendered into the
// Location header of POST responses and into timer URLs generated for
// this node. defaultPageSize is the resync page size used when a GET
// arrives without a Range header (spec.md §9 Open Question: the spec
// leaves this server-defined).
func New(h *handler.Handler, ids *timer.IDGenerator, selfHost string, defaultPageSize int, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	if defaultPageSize <= 0 {
		defaultPageSize = 100
	}
	return &Handlers{h: h, ids: ids, selfHost: selfHost, defaultPageSize: defaultPageSize, logger: logger}
}

// RegisterRoutes wires every timer endpoint onto router.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/timers", h.createTimer).Methods(http.MethodPost)
	router.HandleFunc("/timers/", h.createTimer).Methods(http.MethodPost)
	router.HandleFunc("/timers", h.resyncPull).Methods(http.MethodGet)
	router.HandleFunc("/timers/references", h.clearReferences).Methods(http.MethodDelete)
	router.HandleFunc("/timers/{id}", h.putTimer).Methods(http.MethodPut)
	router.HandleFunc("/timers/{id}", h.getTimer).Methods(http.MethodGet)
	router.HandleFunc("/timers/{id}", h.deleteTimer).Methods(http.MethodDelete)
	router.MethodNotAllowedHandler = http.HandlerFunc(h.methodNotAllowed)
}

func (h *Handlers) methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	h.sendError(w, http.StatusMethodNotAllowed, "method not allowed")
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handlers) sendJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("api: failed to encode response", "err", err)
	}
}

func (h *Handlers) sendError(w http.ResponseWriter, status int, message string) {
	h.sendJSON(w, status, errorResponse{Error: message})
}

// createTimer implements POST /timers: the server assigns the id.
func (h *Handlers) createTimer(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		h.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	id := h.ids.Generate()
	nowMono, nowWall := h.h.NowMonoMs(), h.h.NowWallMs()
	t, replicated, err := timer.FromJSON(id, 0, body, nowMono, nowWall)
	if err != nil {
		h.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.placeAndStore(t, replicated)

	w.Header().Set("Location", t.URL(h.selfHost, h.h.IDFormat()))
	h.sendJSON(w, http.StatusOK, nil)
}

// putTimer implements PUT /timers/{id16hex}{suffix}: create-or-update
// with a client- or peer-supplied id.
func (h *Handlers) putTimer(w http.ResponseWriter, r *http.Request) {
	pathID, err := timer.ParsePath(mux.Vars(r)["id"])
	if err != nil {
		h.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	body, err := readBody(r)
	if err != nil {
		h.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	var rfHint uint32
	if !pathID.WithReplicas {
		rfHint = pathID.ReplicationFactor
	}

	nowMono, nowWall := h.h.NowMonoMs(), h.h.NowWallMs()
	t, replicated, err := timer.FromJSON(pathID.ID, rfHint, body, nowMono, nowWall)
	if err != nil {
		h.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.placeAndStore(t, replicated)
	h.sendJSON(w, http.StatusOK, nil)
}

// placeAndStore assigns initial cluster placement to client-originated
// timers (those that did not already carry an explicit replica list from
// a peer) before handing off to the handler's merge rule.
func (h *Handlers) placeAndStore(t *timer.Timer, replicated bool) {
	if !replicated {
		view := h.h.ClusterView()
		t.UpdateClusterInformation(view.ViewID, view.NewCluster, view.OldCluster, view.ReplicationFactor, view.ConfiguredSites)
	}
	h.h.AddTimer(t)
}

// getTimer implements GET /timers/{id16hex}{suffix}: a read-only point
// fetch for operational debugging, supplemented from original_source/
// (not present in spec.md §6.1's table, but not excluded by any
// Non-goal). It reads the timer by id and never removes it from the
// store.
func (h *Handlers) getTimer(w http.ResponseWriter, r *http.Request) {
	pathID, err := timer.ParsePath(mux.Vars(r)["id"])
	if err != nil {
		h.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	t, ok := h.h.FetchTimer(pathID.ID)
	if !ok {
		h.sendError(w, http.StatusNotFound, "timer not found")
		return
	}
	body, err := t.ToJSON(h.h.NowMonoMs())
	if err != nil {
		h.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

func (h *Handlers) deleteTimer(w http.ResponseWriter, r *http.Request) {
	pathID, err := timer.ParsePath(mux.Vars(r)["id"])
	if err != nil {
		h.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !h.h.DeleteTimer(pathID.ID) {
		h.sendError(w, http.StatusNotFound, "timer not found")
		return
	}
	h.sendJSON(w, http.StatusOK, nil)
}

type resyncEntryJSON struct {
	TimerID     uint64          `json:"TimerID"`
	OldReplicas []string        `json:"OldReplicas"`
	Timer       json.RawMessage `json:"Timer"`
}

type resyncPageJSON struct {
	Timers []resyncEntryJSON `json:"Timers"`
}

// resyncPull implements GET /timers?node-for-replicas=...;cluster-view-id=...;time-from=...,
// spec.md §9's Open Question resolved as: a missing Range header means
// "server's choice of batch size", which this node takes from the
// defaultPageSize given to New (config key
// handler.default_resync_page_size) rather than treating it as
// "unlimited" or "zero".
func (h *Handlers) resyncPull(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	requestNode := q.Get("node-for-replicas")
	if requestNode == "" {
		h.sendError(w, http.StatusBadRequest, "node-for-replicas is required")
		return
	}
	clusterViewID := q.Get("cluster-view-id")

	var timeFrom uint64
	if v := q.Get("time-from"); v != "" {
		parsed, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			h.sendError(w, http.StatusBadRequest, "invalid time-from")
			return
		}
		timeFrom = parsed
	}

	max := h.defaultPageSize
	if rangeHdr := r.Header.Get("Range"); rangeHdr != "" {
		n, err := strconv.Atoi(rangeHdr)
		if err != nil || n <= 0 {
			h.sendError(w, http.StatusBadRequest, "invalid Range header")
			return
		}
		max = n
	}

	entries, hasMore, err := h.h.GetTimersForNode(requestNode, max, clusterViewID, uint32(timeFrom))
	if err != nil {
		// Both failure modes the handler can report (stale view, unknown
		// node) are caller errors.
		h.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	nowMono := h.h.NowMonoMs()
	page := resyncPageJSON{Timers: make([]resyncEntryJSON, 0, len(entries))}
	for _, e := range entries {
		body, err := e.Timer.ToJSON(nowMono)
		if err != nil {
			h.logger.Warn("api: failed to encode resync entry, skipping", "timer_id", e.TimerID, "err", err)
			continue
		}
		page.Timers = append(page.Timers, resyncEntryJSON{TimerID: e.TimerID, OldReplicas: e.OldReplicas, Timer: body})
	}

	status := http.StatusOK
	if hasMore {
		status = http.StatusPartialContent
	}
	h.sendJSON(w, status, page)
}

type referenceClearJSON struct {
	ID           uint64 `json:"ID"`
	ReplicaIndex int    `json:"ReplicaIndex"`
}

type referencesEnvelopeJSON struct {
	IDs []referenceClearJSON `json:"IDs"`
}

// clearReferences implements DELETE /timers/references.
func (h *Handlers) clearReferences(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		h.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	var doc referencesEnvelopeJSON
	if err := json.Unmarshal(body, &doc); err != nil {
		h.sendError(w, http.StatusBadRequest, fmt.Sprintf("malformed envelope: %v", err))
		return
	}

	clears := make([]handler.ReferenceClear, 0, len(doc.IDs))
	for _, entry := range doc.IDs {
		if entry.ReplicaIndex < 0 {
			continue // malformed individual entry, skipped per spec
		}
		clears = append(clears, handler.ReferenceClear{ID: entry.ID, ReplicaIndex: entry.ReplicaIndex})
	}

	h.h.ClearReferences(clears)
	h.sendJSON(w, http.StatusAccepted, nil)
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}
