package timer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromJSONMissingFields(t *testing.T) {
	_, _, err := FromJSON(1, 0, []byte(`{}`), 0, 0)
	require.Error(t, err)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "timing.interval", ve.Field)
}

func TestFromJSONMalformed(t *testing.T) {
	_, _, err := FromJSON(1, 0, []byte(`not json`), 0, 0)
	require.ErrorIs(t, err, ErrMalformedJSON)
}

func TestFromJSONInvalidTiming(t *testing.T) {
	body := []byte(`{"timing":{"interval":0,"repeat-for":5},"callback":{"http":{"uri":"http://x","opaque":"y"}}}`)
	_, _, err := FromJSON(1, 0, body, 0, 0)
	require.ErrorIs(t, err, ErrInvalidTiming)
}

func TestFromJSONRepeatForDefaultsToInterval(t *testing.T) {
	body := []byte(`{"timing":{"interval":5},"callback":{"http":{"uri":"http://x","opaque":"y"}}}`)
	tm, replicated, err := FromJSON(1, 0, body, 1000, 0)
	require.NoError(t, err)
	assert.False(t, replicated)
	assert.Equal(t, uint32(5000), tm.IntervalMs)
	assert.Equal(t, uint32(5000), tm.RepeatForMs)
	assert.Equal(t, uint32(1000), tm.StartTimeMonoMs)
}

func TestFromJSONExplicitReplicasEmptyIsInvalid(t *testing.T) {
	body := []byte(`{"timing":{"interval":5},"callback":{"http":{"uri":"http://x","opaque":"y"}},"reliability":{"replicas":[]}}`)
	_, _, err := FromJSON(1, 0, body, 0, 0)
	require.ErrorIs(t, err, ErrInvalidReplicas)
}

func TestFromJSONReplicationFactorMismatch(t *testing.T) {
	body := []byte(`{"timing":{"interval":5},"callback":{"http":{"uri":"http://x","opaque":"y"}},"reliability":{"replication-factor":3}}`)
	_, _, err := FromJSON(1, 2, body, 0, 0)
	require.ErrorIs(t, err, ErrReplicaMismatch)
}

func TestFromJSONReplicatedClassification(t *testing.T) {
	body := []byte(`{"timing":{"interval":5},"callback":{"http":{"uri":"http://x","opaque":"y"}},"reliability":{"replicas":["a:1","b:1"]}}`)
	tm, replicated, err := FromJSON(1, 0, body, 0, 0)
	require.NoError(t, err)
	assert.True(t, replicated)
	assert.Equal(t, []string{"a:1", "b:1"}, tm.Replicas)
	assert.Equal(t, uint32(2), tm.ReplicationFactor)
}

func TestFromJSONTagInfoSkipsMalformed(t *testing.T) {
	body := []byte(`{"timing":{"interval":5},"callback":{"http":{"uri":"http://x","opaque":"y"}},"statistics":{"tag-info":[{"type":"","count":1},{"type":"INVITE","count":3}]}}`)
	tm, _, err := FromJSON(1, 0, body, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, map[string]uint32{"INVITE": 3}, tm.Tags)
}

func TestBecomeTombstoneExtendsLifetime(t *testing.T) {
	tm := &Timer{IntervalMs: 1000, SequenceNumber: 2, CallbackURL: "http://x", CallbackBody: "y"}
	tm.BecomeTombstone()
	assert.True(t, tm.IsTombstone())
	assert.Equal(t, uint32(3000), tm.RepeatForMs)
}

func TestRoundTripJSONPreservesRemainingTime(t *testing.T) {
	original := &Timer{
		ID:                42,
		StartTimeMonoMs:   5000,
		IntervalMs:        2000,
		RepeatForMs:       2000,
		SequenceNumber:    1,
		ClusterViewID:     "view-1",
		Replicas:          []string{"a:1", "b:1"},
		Sites:             []string{"site-a"},
		Tags:              map[string]uint32{"x": 1},
		CallbackURL:       "http://client/cb",
		CallbackBody:      "opaque",
		ReplicationFactor: 2,
	}

	const now = uint32(6000)
	body, err := original.ToJSON(now)
	require.NoError(t, err)

	reconstructed, replicated, err := FromJSON(original.ID, 0, body, now, 0)
	require.NoError(t, err)
	assert.True(t, replicated)

	assert.Equal(t, original.NextPopTime("a:1", "site-a"), reconstructed.NextPopTime("a:1", "site-a"))
	assert.Equal(t, original.SequenceNumber, reconstructed.SequenceNumber)
	assert.Equal(t, original.CallbackURL, reconstructed.CallbackURL)
	assert.Equal(t, original.Tags, reconstructed.Tags)
}

func TestURLWithoutReplicasSuffixRoundTrips(t *testing.T) {
	tm := &Timer{ID: 0xdeadbeefcafebabe, ReplicationFactor: 3}
	url := tm.URL("node1:7253", IDFormatWithoutReplicas)
	assert.Equal(t, "http://node1:7253/timers/deadbeefcafebabe-3", url)

	parsed, err := ParsePath("deadbeefcafebabe-3")
	require.NoError(t, err)
	assert.Equal(t, tm.ID, parsed.ID)
	assert.False(t, parsed.WithReplicas)
	assert.Equal(t, uint32(3), parsed.ReplicationFactor)
}

func TestURLWithReplicasBloomSuffixRoundTrips(t *testing.T) {
	tm := &Timer{ID: 0x1122334455667788, Replicas: []string{"a:1", "b:1", "c:1"}}
	url := tm.URL("node1:7253", IDFormatWithReplicas)

	parsed, err := ParsePath(url[len("http://node1:7253/timers/"):])
	require.NoError(t, err)
	assert.True(t, parsed.WithReplicas)
	assert.True(t, ValidateReplicaBloomFilter(parsed.BloomFilter, tm.Replicas))
	assert.False(t, ValidateReplicaBloomFilter(parsed.BloomFilter, []string{"totally-different-node"}))
}

func TestIsLocalAndIsLastReplica(t *testing.T) {
	tm := &Timer{Replicas: []string{"a:1", "b:1", "c:1"}}
	assert.True(t, tm.IsLocal("b:1"))
	assert.False(t, tm.IsLocal("z:1"))
	assert.True(t, tm.IsLastReplica("c:1"))
	assert.False(t, tm.IsLastReplica("a:1"))
}

func TestReplicaTrackerLifecycle(t *testing.T) {
	tm := &Timer{ReplicationFactor: 3}
	tm.InitReplicaTracker()
	assert.False(t, tm.ReplicaTrackerEmpty())
	assert.False(t, tm.HasReplicaBeenInformed(0))

	tm.UpdateReplicaTracker(0)
	assert.True(t, tm.HasReplicaBeenInformed(0))
	assert.False(t, tm.HasReplicaBeenInformed(1))

	tm.UpdateReplicaTracker(1)
	tm.UpdateReplicaTracker(2)
	assert.True(t, tm.ReplicaTrackerEmpty())
}

func TestIDGeneratorProducesUniqueIDs(t *testing.T) {
	gen := NewIDGenerator(5, 2)
	seen := map[uint64]bool{}
	for i := 0; i < 1000; i++ {
		id := gen.Generate()
		require.False(t, seen[id], "duplicate id generated")
		seen[id] = true
	}
}
