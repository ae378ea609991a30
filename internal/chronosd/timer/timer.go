// Package timer implements the Timer entity: its JSON codec, URL
// encoding/decoding, tombstone lifecycle, and placement-derived helpers.
package timer

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/chronos-project/chronos/internal/chronosd/placement"
)

// IDFormat selects how a timer's id is rendered in its callback/resync URL.
type IDFormat string

const (
	IDFormatWithReplicas    IDFormat = "with_replicas"
	IDFormatWithoutReplicas IDFormat = "without_replicas"
)

// Timer is a value type describing one scheduled callback.
type Timer struct {
	ID              uint64
	StartTimeMonoMs uint32
	IntervalMs      uint32
	RepeatForMs     uint32
	SequenceNumber  uint32

	ClusterViewID string
	Replicas      []string
	ExtraReplicas []string
	Sites         []string
	Tags          map[string]uint32

	CallbackURL  string
	CallbackBody string

	ReplicationFactor uint32

	// replicaTracker bit i is 0 once replica i has confirmed it knows
	// about this timer; used only during resync.
	replicaTracker uint32
}

// IsTombstone reports whether this timer is a tombstone (both callback
// fields empty).
func (t *Timer) IsTombstone() bool {
	return t.CallbackURL == "" && t.CallbackBody == ""
}

// BecomeTombstone clears the callback fields and extends RepeatForMs so
// the tombstone outlives any copy of the timer still propagating through
// the cluster.
func (t *Timer) BecomeTombstone() {
	t.CallbackURL = ""
	t.CallbackBody = ""
	t.RepeatForMs = t.IntervalMs * (t.SequenceNumber + 1)
}

// IsLocal reports whether me appears anywhere in this timer's replica list.
func (t *Timer) IsLocal(me string) bool {
	return placement.IndexOf(t.Replicas, me) >= 0
}

// IsLastReplica reports whether me is the last (lowest-priority) replica.
func (t *Timer) IsLastReplica(me string) bool {
	idx := placement.IndexOf(t.Replicas, me)
	return idx >= 0 && idx == len(t.Replicas)-1
}

// IsMatchingClusterViewID reports whether this timer's view id matches v.
func (t *Timer) IsMatchingClusterViewID(v string) bool {
	return t.ClusterViewID == v
}

// ReplicaIndex returns me's position in the replica list, or -1.
func (t *Timer) ReplicaIndex(me string) int {
	return placement.IndexOf(t.Replicas, me)
}

// SiteIndex returns site's position in the site list, or -1.
func (t *Timer) SiteIndex(site string) int {
	return placement.IndexOf(t.Sites, site)
}

// InitReplicaTracker sets every bit for the current replication factor,
// marking all replicas as not yet informed.
func (t *Timer) InitReplicaTracker() {
	rf := t.ReplicationFactor
	if rf > 32 {
		rf = 32
	}
	if rf == 0 {
		t.replicaTracker = 0
		return
	}
	t.replicaTracker = uint32((uint64(1) << rf) - 1)
}

// UpdateReplicaTracker marks replicaIndex as informed (clears its bit) and
// returns the resulting tracker value.
func (t *Timer) UpdateReplicaTracker(replicaIndex int) uint32 {
	if replicaIndex >= 0 && replicaIndex < 32 {
		t.replicaTracker &^= 1 << uint(replicaIndex)
	}
	return t.replicaTracker
}

// HasReplicaBeenInformed reports whether replicaIndex's bit is clear.
func (t *Timer) HasReplicaBeenInformed(replicaIndex int) bool {
	if replicaIndex < 0 || replicaIndex >= 32 {
		return true
	}
	return t.replicaTracker&(1<<uint(replicaIndex)) == 0
}

// ReplicaTrackerEmpty reports whether every replica has been informed.
func (t *Timer) ReplicaTrackerEmpty() bool {
	return t.replicaTracker == 0
}

// ReplicaTracker returns the raw tracker bitmap (for JSON/debug surfaces).
func (t *Timer) ReplicaTracker() uint32 {
	return t.replicaTracker
}

// SetReplicaTracker sets the raw tracker bitmap, e.g. when reconstructing
// a TimerPair's information timer from resync state.
func (t *Timer) SetReplicaTracker(v uint32) {
	t.replicaTracker = v
}

// UpdateClusterInformation recomputes Replicas/ExtraReplicas/Sites/
// ClusterViewID from the current cluster view.
func (t *Timer) UpdateClusterInformation(clusterViewID string, newCluster, oldCluster []string, replicationFactor uint32, configuredSites []string) {
	replicas, extra := placement.CalculateReplicas(t.ID, newCluster, oldCluster, int(replicationFactor))
	t.Replicas = replicas
	t.ExtraReplicas = extra
	t.ReplicationFactor = uint32(len(replicas))
	t.ClusterViewID = clusterViewID

	if len(configuredSites) > 0 {
		computed := placement.CalculateSites(t.ID, configuredSites)
		t.Sites = placement.MergeSites(t.Sites, computed)
	}
}

// NextPopTime computes the next absolute pop time (wrapping 32-bit ms),
// including the replica- and site-position stagger.
func (t *Timer) NextPopTime(localAddr, localSite string) uint32 {
	replicaIdx := t.ReplicaIndex(localAddr)
	if replicaIdx < 0 {
		replicaIdx = 0
	}
	siteIdx := t.SiteIndex(localSite)
	if siteIdx < 0 {
		siteIdx = 0
	}
	delay := placement.Delay(replicaIdx, siteIdx, len(t.Replicas))
	return t.StartTimeMonoMs + (t.SequenceNumber+1)*t.IntervalMs + delay
}

// NextPopTimeStaggered is NextPopTime with a configurable stagger unit in
// place of the hard-coded placement.ReplicaStaggerMs (spec.md §9 Open
// Question: the Timer Handler resolves this from Config.Handler).
func (t *Timer) NextPopTimeStaggered(localAddr, localSite string, staggerMs uint32) uint32 {
	replicaIdx := t.ReplicaIndex(localAddr)
	if replicaIdx < 0 {
		replicaIdx = 0
	}
	siteIdx := t.SiteIndex(localSite)
	if siteIdx < 0 {
		siteIdx = 0
	}
	delay := placement.DelayWithStagger(replicaIdx, siteIdx, len(t.Replicas), staggerMs)
	return t.StartTimeMonoMs + (t.SequenceNumber+1)*t.IntervalMs + delay
}

// URL renders this timer's callback/resync URL for host, using idFormat
// to choose the id suffix encoding.
func (t *Timer) URL(host string, idFormat IDFormat) string {
	idHex := fmt.Sprintf("%016x", t.ID)
	return fmt.Sprintf("http://%s/timers/%s%s", host, idHex, t.suffix(idFormat))
}

func (t *Timer) suffix(idFormat IDFormat) string {
	if idFormat == IDFormatWithReplicas {
		return fmt.Sprintf("%016x", ReplicaBloomFilter(t.Replicas))
	}
	return fmt.Sprintf("-%d", t.ReplicationFactor)
}

// PathID is the decoded form of a "{id16hex}{suffix}" path component.
type PathID struct {
	ID                uint64
	WithReplicas      bool
	ReplicationFactor uint32 // valid when !WithReplicas
	BloomFilter       uint64 // valid when WithReplicas
}

// ParsePath decodes a timer path component of the form
// "{id16hex}-{replication_factor}" or "{id16hex}{bloom16hex}".
func ParsePath(component string) (PathID, error) {
	if len(component) < 16 {
		return PathID{}, fmt.Errorf("timer: path component %q too short", component)
	}
	idHex := component[:16]
	rest := component[16:]

	id, err := strconv.ParseUint(idHex, 16, 64)
	if err != nil {
		return PathID{}, fmt.Errorf("timer: invalid id in path %q: %w", component, err)
	}

	if strings.HasPrefix(rest, "-") {
		rf, err := strconv.ParseUint(rest[1:], 10, 32)
		if err != nil {
			return PathID{}, fmt.Errorf("timer: invalid replication-factor suffix %q: %w", rest, err)
		}
		return PathID{ID: id, WithReplicas: false, ReplicationFactor: uint32(rf)}, nil
	}

	if len(rest) == 16 {
		bloom, err := strconv.ParseUint(rest, 16, 64)
		if err != nil {
			return PathID{}, fmt.Errorf("timer: invalid bloom suffix %q: %w", rest, err)
		}
		return PathID{ID: id, WithReplicas: true, BloomFilter: bloom}, nil
	}

	return PathID{}, fmt.Errorf("timer: unrecognised path suffix %q", rest)
}

// --- JSON codec ---

type timingJSON struct {
	StartTimeDelta   *int64  `json:"start-time-delta,omitempty"`
	StartTime        *int64  `json:"start-time,omitempty"`
	SequenceNumber   *uint32 `json:"sequence-number,omitempty"`
	IntervalSeconds  *uint32 `json:"interval,omitempty"`
	RepeatForSeconds *uint32 `json:"repeat-for,omitempty"`
}

type httpCallbackJSON struct {
	URI    string `json:"uri"`
	Opaque string `json:"opaque"`
}

type callbackJSON struct {
	HTTP httpCallbackJSON `json:"http"`
}

type reliabilityJSON struct {
	ClusterViewID     string    `json:"cluster-view-id,omitempty"`
	Replicas          *[]string `json:"replicas,omitempty"`
	ReplicationFactor *uint32   `json:"replication-factor,omitempty"`
	Sites             []string  `json:"sites,omitempty"`
}

type tagInfoJSON struct {
	Type  string `json:"type"`
	Count uint32 `json:"count"`
}

type statisticsJSON struct {
	TagInfo []tagInfoJSON `json:"tag-info,omitempty"`
}

type timerJSON struct {
	Timing      timingJSON      `json:"timing"`
	Callback    callbackJSON    `json:"callback"`
	Reliability reliabilityJSON `json:"reliability"`
	Statistics  statisticsJSON  `json:"statistics"`
}

// FromJSON parses a timer JSON body. id is the caller-assigned or
// caller-derived timer id. replicationFactorHint, when non-zero, must
// agree with any explicit reliability.replication-factor or
// reliability.replicas length. nowMonoMs is used to reconstruct
// start_time_mono_ms from either start-time-delta or the legacy
// start-time (wall clock) field.
//
// It returns the parsed timer and whether the body carried an explicit
// replica list (true iff this call originates from a peer rather than a
// client).
func FromJSON(id uint64, replicationFactorHint uint32, body []byte, nowMonoMs uint32, nowWallMs int64) (*Timer, bool, error) {
	var doc timerJSON
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrMalformedJSON, err)
	}

	if doc.Timing.IntervalSeconds == nil {
		return nil, false, missingField("timing.interval")
	}
	if doc.Callback.HTTP.URI == "" {
		return nil, false, missingField("callback.http.uri")
	}
	if doc.Callback.HTTP.Opaque == "" {
		return nil, false, missingField("callback.http.opaque")
	}

	intervalMs := *doc.Timing.IntervalSeconds * 1000
	var repeatForMs uint32
	if doc.Timing.RepeatForSeconds != nil {
		repeatForMs = *doc.Timing.RepeatForSeconds * 1000
	} else {
		repeatForMs = intervalMs
	}
	if intervalMs == 0 && repeatForMs != 0 {
		return nil, false, ErrInvalidTiming
	}

	var startTime uint32
	switch {
	case doc.Timing.StartTimeDelta != nil:
		startTime = uint32(int64(nowMonoMs) + *doc.Timing.StartTimeDelta)
	case doc.Timing.StartTime != nil:
		wallDelta := *doc.Timing.StartTime - nowWallMs
		startTime = uint32(int64(nowMonoMs) + wallDelta)
	default:
		startTime = nowMonoMs
	}

	var seq uint32
	if doc.Timing.SequenceNumber != nil {
		seq = *doc.Timing.SequenceNumber
	}

	replicated := false
	var replicas []string
	if doc.Reliability.Replicas != nil {
		replicated = true
		replicas = *doc.Reliability.Replicas
		if len(replicas) == 0 {
			return nil, false, ErrInvalidReplicas
		}
	}

	replicationFactor := replicationFactorHint
	if doc.Reliability.ReplicationFactor != nil {
		if replicationFactorHint != 0 && *doc.Reliability.ReplicationFactor != replicationFactorHint {
			return nil, false, ErrReplicaMismatch
		}
		replicationFactor = *doc.Reliability.ReplicationFactor
	}
	if replicated && replicationFactor != 0 && len(replicas) != int(replicationFactor) {
		return nil, false, ErrInvalidReplicas
	}
	if replicated && replicationFactor == 0 {
		replicationFactor = uint32(len(replicas))
	}

	tags := map[string]uint32{}
	for _, ti := range doc.Statistics.TagInfo {
		if ti.Type == "" {
			continue
		}
		tags[ti.Type] += ti.Count
	}

	t := &Timer{
		ID:                id,
		StartTimeMonoMs:   startTime,
		IntervalMs:        intervalMs,
		RepeatForMs:       repeatForMs,
		SequenceNumber:    seq,
		ClusterViewID:     doc.Reliability.ClusterViewID,
		Replicas:          replicas,
		Sites:             doc.Reliability.Sites,
		Tags:              tags,
		CallbackURL:       doc.Callback.HTTP.URI,
		CallbackBody:      doc.Callback.HTTP.Opaque,
		ReplicationFactor: replicationFactor,
	}
	return t, replicated, nil
}

// ToJSON emits the canonical representation, recomputing start-time-delta
// relative to nowMonoMs so the receiver reconstructs the original start
// time independent of clock skew between sender and receiver.
func (t *Timer) ToJSON(nowMonoMs uint32) ([]byte, error) {
	delta := int64(int32(t.StartTimeMonoMs - nowMonoMs))
	seq := t.SequenceNumber
	intervalSec := t.IntervalMs / 1000
	repeatSec := t.RepeatForMs / 1000
	rf := t.ReplicationFactor

	doc := timerJSON{
		Timing: timingJSON{
			StartTimeDelta:   &delta,
			SequenceNumber:   &seq,
			IntervalSeconds:  &intervalSec,
			RepeatForSeconds: &repeatSec,
		},
		Callback: callbackJSON{
			HTTP: httpCallbackJSON{URI: t.CallbackURL, Opaque: t.CallbackBody},
		},
		Reliability: reliabilityJSON{
			ClusterViewID:     t.ClusterViewID,
			Replicas:          &t.Replicas,
			ReplicationFactor: &rf,
			Sites:             t.Sites,
		},
	}
	for k, v := range t.Tags {
		doc.Statistics.TagInfo = append(doc.Statistics.TagInfo, tagInfoJSON{Type: k, Count: v})
	}
	return json.Marshal(doc)
}

// Clone returns a deep-enough copy of t suitable for handing to a
// replicator or callback worker as a borrow.
func (t *Timer) Clone() *Timer {
	cp := *t
	cp.Replicas = append([]string(nil), t.Replicas...)
	cp.ExtraReplicas = append([]string(nil), t.ExtraReplicas...)
	cp.Sites = append([]string(nil), t.Sites...)
	if t.Tags != nil {
		cp.Tags = make(map[string]uint32, len(t.Tags))
		for k, v := range t.Tags {
			cp.Tags[k] = v
		}
	}
	return &cp
}
