package handler

import (
	"github.com/chronos-project/chronos/internal/chronosd/modtime"
	"github.com/chronos-project/chronos/internal/chronosd/timer"
)

// mergeWinner applies the add_timer precedence rule (spec.md §4.4) to
// decide which of existing and incoming survives. It is a pure function
// so the rule's determinism (§8.1: add(a);add(b) == add(b);add(a)) is
// independently testable without a running Handler.
func mergeWinner(existing, incoming *timer.Timer, currentViewID string, networkDelayMs uint32) *timer.Timer {
	// Catching up placement: the incoming message already carries the
	// current epoch while our copy is stuck on a stale one.
	if incoming.ClusterViewID == currentViewID && existing.ClusterViewID != currentViewID {
		return incoming
	}

	if incoming.SequenceNumber == existing.SequenceNumber {
		if modtime.Before(incoming.StartTimeMonoMs, existing.StartTimeMonoMs) {
			return existing
		}
		return incoming
	}

	if modtime.AbsDiffMs(incoming.StartTimeMonoMs, existing.StartTimeMonoMs) < networkDelayMs &&
		incoming.SequenceNumber < existing.SequenceNumber &&
		incoming.SequenceNumber != 0 {
		// Stale replica-generated copy, arriving out of order.
		return existing
	}

	return incoming
}
