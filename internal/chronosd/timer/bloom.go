package timer

import (
	"encoding/binary"
	"hash/fnv"
)

// The replica bloom filter is a 64-bit bit set over a replica address set, used as
// the "with_replicas" URL suffix mode (see original_source's
// generate_bloom_filter). Two FNV-1a variants, seeded differently, each
// set one bit per replica.

func bloomHash(s string, seed uint64) uint64 {
	h := fnv.New64a()
	var seedBuf [8]byte
	binary.LittleEndian.PutUint64(seedBuf[:], seed)
	h.Write(seedBuf[:])
	h.Write([]byte(s))
	return h.Sum64()
}

const bloomSeedA = 0x0
const bloomSeedB = 0x9e3779b97f4a7c15 // golden-ratio constant, distinct from seed A

// ReplicaBloomFilter computes a 64-bit bloom filter over a replica
// address set: two hash functions set one bit each per replica, mod 64.
func ReplicaBloomFilter(replicas []string) uint64 {
	var bits uint64
	for _, r := range replicas {
		bits |= 1 << (bloomHash(r, bloomSeedA) % 64)
		bits |= 1 << (bloomHash(r, bloomSeedB) % 64)
	}
	return bits
}

// ValidateReplicaBloomFilter reports whether every replica in replicas has
// both of its bits set in bloom — used to check a PUT's claimed replica
// set against the bloom filter suffix on its URL.
func ValidateReplicaBloomFilter(bloom uint64, replicas []string) bool {
	computed := ReplicaBloomFilter(replicas)
	return computed&bloom == computed
}
