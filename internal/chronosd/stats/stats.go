// Package stats defines the thin statistics-update contract the Timer
// Handler uses (per-tag counters and a total-timer gauge), and both a
// Prometheus-backed implementation and an in-memory one for tests.
package stats

// Sink is the update interface the handler calls into: increment/decrement
// a named tag counter, and set the overall live-timer gauge. Real
// implementations forward to an SNMP MIB or, here, a Prometheus registry;
// test implementations store to an in-memory map.
type Sink interface {
	Increment(tag string, by uint32)
	Decrement(tag string, by uint32)
	Set(count int64)
}

// NoopSink discards all updates. Used as a safe zero value.
type NoopSink struct{}

func (NoopSink) Increment(string, uint32) {}
func (NoopSink) Decrement(string, uint32) {}
func (NoopSink) Set(int64)                {}
