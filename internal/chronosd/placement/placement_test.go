package placement

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRankedReplicasSizing(t *testing.T) {
	cluster := []string{"a:1", "b:1", "c:1", "d:1"}
	replicas := RankedReplicas(42, cluster, 2)

	require.Len(t, replicas, 2)
	assert.NotEqual(t, replicas[0], replicas[1])
	for _, r := range replicas {
		assert.Contains(t, cluster, r)
	}
}

func TestRankedReplicasClampsToClusterSize(t *testing.T) {
	cluster := []string{"a:1"}
	replicas := RankedReplicas(42, cluster, 3)
	assert.Equal(t, []string{"a:1"}, replicas)
}

func TestPrimaryStableOrBecomesNewNodeOnScaleUp(t *testing.T) {
	old := []string{"a:1", "b:1", "c:1"}
	grown := []string{"a:1", "b:1", "c:1", "d:1"}

	changed := 0
	for id := uint64(0); id < 2000; id++ {
		before := RankedReplicas(id, old, 2)[0]
		after := RankedReplicas(id, grown, 2)[0]
		if before != after {
			changed++
			assert.Equal(t, "d:1", after, "primary should only move to the new node")
		}
	}
}

func TestBalancedDistribution(t *testing.T) {
	cluster := []string{"a:1", "b:1", "c:1", "d:1"}
	counts := map[string]int{}
	const samples = 4000

	for id := uint64(0); id < samples; id++ {
		primary := RankedReplicas(id, cluster, 2)[0]
		counts[primary]++
	}

	expected := float64(samples) / float64(len(cluster))
	for _, n := range cluster {
		frac := float64(counts[n])
		assert.InDelta(t, expected, frac, expected*0.15, "member %s got %d of %d", n, counts[n], samples)
	}
}

func TestCalculateReplicasExtraReplicas(t *testing.T) {
	oldCluster := []string{"a:1", "b:1", "c:1"}
	newCluster := []string{"a:1", "b:1", "c:1", "d:1"}

	replicas, extra := CalculateReplicas(7, newCluster, oldCluster, 2)
	require.Len(t, replicas, 2)

	oldReplicas := RankedReplicas(7, oldCluster, 2)
	for _, o := range oldReplicas {
		found := false
		for _, r := range replicas {
			if r == o {
				found = true
			}
		}
		if !found {
			assert.Contains(t, extra, o)
		}
	}
}

func TestMergeSitesPreservesOrderingAndAppendsNew(t *testing.T) {
	existing := []string{"site-b", "site-a"}
	configured := []string{"site-a", "site-b", "site-c"}

	merged := MergeSites(existing, configured)
	assert.Equal(t, []string{"site-b", "site-a", "site-c"}, merged)
}

func TestMergeSitesDropsRemovedSites(t *testing.T) {
	existing := []string{"site-a", "site-x"}
	configured := []string{"site-a", "site-b"}

	merged := MergeSites(existing, configured)
	assert.Equal(t, []string{"site-a", "site-b"}, merged)
}

func TestDelayStagger(t *testing.T) {
	assert.Equal(t, uint32(0), Delay(0, 0, 3))
	assert.Equal(t, uint32(2000), Delay(1, 0, 3))
	assert.Equal(t, uint32(6000), Delay(0, 1, 3))
	assert.Equal(t, uint32(8000), Delay(1, 1, 3))
}

func TestIndexOf(t *testing.T) {
	list := []string{"a", "b", "c"}
	assert.Equal(t, 1, IndexOf(list, "b"))
	assert.Equal(t, -1, IndexOf(list, "z"))
}
