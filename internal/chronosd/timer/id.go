package timer

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// ID bit layout, from most to least significant: 7 bits instance id
// (0-127), 3 bits deployment id (0-7), 8 bits monotonic counter guard,
// 46 bits wall-clock milliseconds. This matches the original Chronos
// id generation scheme (instance id, deployment id, monotonic counter,
// wall time) rather than a flat random 64-bit value.
const (
	instanceBits   = 7
	deploymentBits = 3
	counterBits    = 8
	timeBits       = 64 - instanceBits - deploymentBits - counterBits

	instanceShift   = 64 - instanceBits
	deploymentShift = instanceShift - deploymentBits
	counterShift    = deploymentShift - counterBits

	timeMask = (uint64(1) << timeBits) - 1
)

// IDGenerator produces globally-unique 64-bit timer ids.
type IDGenerator struct {
	mu           sync.Mutex
	instanceID   uint64
	deploymentID uint64
	counter      uint64
	lastMs       uint64
}

// NewIDGenerator constructs a generator for the given instance and
// deployment identifiers (instanceID: 0-127, deploymentID: 0-7).
func NewIDGenerator(instanceID, deploymentID int) *IDGenerator {
	return &IDGenerator{
		instanceID:   uint64(instanceID) & ((1 << instanceBits) - 1),
		deploymentID: uint64(deploymentID) & ((1 << deploymentBits) - 1),
		counter:      uint64(randomByte()),
	}
}

// Generate returns a new unique timer id.
func (g *IDGenerator) Generate() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	nowMs := uint64(time.Now().UnixMilli()) & timeMask
	if nowMs <= g.lastMs {
		// Clock hasn't advanced (or went backwards): stay on the last
		// millisecond used and bump the counter to keep ids distinct; once
		// the counter is exhausted, move on to the next millisecond.
		nowMs = g.lastMs
		g.counter++
		if g.counter > (1<<counterBits)-1 {
			g.counter = 0
			nowMs = (nowMs + 1) & timeMask
		}
	} else {
		g.counter = uint64(randomByte()) & ((1 << counterBits) - 1)
	}
	g.lastMs = nowMs

	return g.instanceID<<instanceShift |
		g.deploymentID<<deploymentShift |
		g.counter<<counterShift |
		nowMs
}

func randomByte() byte {
	u := uuid.New()
	return u[0]
}
