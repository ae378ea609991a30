// Package placement implements rendezvous-hash-based replica and site
// selection for timers, and the per-replica/per-site firing stagger.
package placement

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
	rendezvous "github.com/dgryski/go-rendezvous"
)

// ReplicaStaggerMs is the per-replica-position and per-site-position delay
// unit. It is hard-coded in the original design because it must exceed
// worst-case intra-cluster HTTP replication latency; callers may override
// it via DelayWithStagger for configurability (see Config.Handler.ReplicaStaggerMs).
const ReplicaStaggerMs = 2000

func memberHash(s string) uint64 {
	return xxhash.Sum64String(s)
}

// RankMembers orders members by rendezvous weight for key, highest weight
// first. Ties are resolved by the underlying hash's own distribution; at
// 64 bits the collision probability across a realistic cluster size is
// negligible, so no explicit tie-break is implemented.
func RankMembers(members []string, key string) []string {
	if len(members) == 0 {
		return nil
	}
	cp := make([]string, len(members))
	copy(cp, members)

	r := rendezvous.New(cp, memberHash)
	remaining := make([]string, len(cp))
	copy(remaining, cp)

	ranked := make([]string, 0, len(cp))
	for len(remaining) > 0 {
		winner := r.Lookup(key)
		ranked = append(ranked, winner)
		r.Remove(winner)
		remaining = removeString(remaining, winner)
	}
	return ranked
}

func removeString(s []string, v string) []string {
	out := s[:0:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

// RankedReplicas returns the ordered replica list for id over cluster,
// sized to replicationFactor: the primary (lowest rendezvous hash) first,
// followed by the next replicationFactor-1 members taken from the highest
// hashes of the rest.
func RankedReplicas(id uint64, cluster []string, replicationFactor int) []string {
	if len(cluster) == 0 {
		return nil
	}
	key := strconv.FormatUint(id, 10)
	ranked := RankMembers(cluster, key)

	n := len(ranked)
	rf := replicationFactor
	if rf <= 0 {
		rf = 1
	}
	if rf > n {
		rf = n
	}

	primary := ranked[n-1]
	backups := ranked[:rf-1]

	result := make([]string, 0, rf)
	result = append(result, primary)
	result = append(result, backups...)
	return result
}

// CalculateReplicas returns the new replica set for id (per newCluster) and
// the "extra replicas" — members that held the timer under oldCluster's
// ranking but are not in the new replica set, and therefore must be told
// to tombstone their copy.
func CalculateReplicas(id uint64, newCluster, oldCluster []string, replicationFactor int) (replicas, extraReplicas []string) {
	replicas = RankedReplicas(id, newCluster, replicationFactor)
	if len(oldCluster) == 0 {
		return replicas, nil
	}

	inNew := make(map[string]bool, len(replicas))
	for _, r := range replicas {
		inNew[r] = true
	}

	oldReplicas := RankedReplicas(id, oldCluster, replicationFactor)
	for _, r := range oldReplicas {
		if !inNew[r] {
			extraReplicas = append(extraReplicas, r)
		}
	}
	return replicas, extraReplicas
}

// CalculateSites returns the site list for id, with the rendezvous-chosen
// primary site first and the remaining configured sites following in their
// configured order.
func CalculateSites(id uint64, configuredSites []string) []string {
	if len(configuredSites) == 0 {
		return nil
	}
	key := strconv.FormatUint(id, 10)
	ranked := RankMembers(configuredSites, key)
	primary := ranked[len(ranked)-1]

	result := make([]string, 0, len(configuredSites))
	result = append(result, primary)
	for _, s := range configuredSites {
		if s != primary {
			result = append(result, s)
		}
	}
	return result
}

// MergeSites preserves the ordering of sites already present in existing
// that are still configured, then appends any newly configured sites at
// the end in config order.
func MergeSites(existing, configured []string) []string {
	if len(configured) == 0 {
		return nil
	}
	configuredSet := make(map[string]bool, len(configured))
	for _, s := range configured {
		configuredSet[s] = true
	}

	seen := make(map[string]bool, len(existing))
	merged := make([]string, 0, len(configured))
	for _, s := range existing {
		if configuredSet[s] && !seen[s] {
			merged = append(merged, s)
			seen[s] = true
		}
	}
	for _, s := range configured {
		if !seen[s] {
			merged = append(merged, s)
			seen[s] = true
		}
	}
	return merged
}

// Delay computes the staggered pop-time offset in milliseconds for a timer
// at replicaIndex within its replica list and siteIndex within its site
// list, so backups fire progressively later than the primary and remote
// sites fire progressively later than the local one.
func Delay(replicaIndex, siteIndex, replicaCount int) uint32 {
	return DelayWithStagger(replicaIndex, siteIndex, replicaCount, ReplicaStaggerMs)
}

// DelayWithStagger is Delay with a caller-supplied stagger unit, letting
// deployments configure it away from the hard-coded 2000ms (spec.md §9
// Open Question) as long as it still exceeds worst-case intra-cluster
// HTTP replication latency.
func DelayWithStagger(replicaIndex, siteIndex, replicaCount int, staggerMs uint32) uint32 {
	if replicaCount < 0 {
		replicaCount = 0
	}
	return uint32(replicaIndex)*staggerMs + uint32(siteIndex*replicaCount)*staggerMs
}

// IndexOf returns the index of v in list, or -1 if absent.
func IndexOf(list []string, v string) int {
	for i, s := range list {
		if s == v {
			return i
		}
	}
	return -1
}
