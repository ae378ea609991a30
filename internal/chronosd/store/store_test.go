package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronos-project/chronos/internal/chronosd/timer"
)

func pairAt(id uint64, popTime uint32) *TimerPair {
	return &TimerPair{
		ID:            id,
		Active:        &timer.Timer{ID: id},
		ActivePopTime: popTime,
	}
}

func TestShortTimerPopsOnTime(t *testing.T) {
	s := New(0)
	s.Insert(pairAt(1, 100))

	due := s.FetchNextTimers(108)
	require.Len(t, due, 1)
	assert.Equal(t, uint64(1), due[0].ID)
	_, stillThere := s.Peek(1)
	assert.False(t, stillThere)
}

func TestLongTimerDemotesThroughWheels(t *testing.T) {
	s := New(0)
	const popAt = 3_601_300
	s.Insert(pairAt(1, popAt))

	// Advance in steps of 1 hour, 1s, 500ms, as in the scenario script.
	due := s.FetchNextTimers(3_600_000)
	assert.Empty(t, due)
	due = s.FetchNextTimers(3_601_000)
	assert.Empty(t, due)
	due = s.FetchNextTimers(3_601_500)
	require.Len(t, due, 1)
	assert.Equal(t, uint64(1), due[0].ID)
}

func TestOverflowSafeAcrossWrap(t *testing.T) {
	// Monotonic clock positioned to overflow in 45ms.
	start := uint32(0) - 45
	s := New(start)
	s.Insert(pairAt(1, start+100))

	due := s.FetchNextTimers(start + 108)
	require.Len(t, due, 1)
	assert.Equal(t, uint64(1), due[0].ID)
}

func TestAtMostOnePopPerTimer(t *testing.T) {
	s := New(0)
	s.Insert(pairAt(1, 50))

	due := s.FetchNextTimers(1000)
	require.Len(t, due, 1)

	due = s.FetchNextTimers(2000)
	assert.Empty(t, due)
}

func TestFetchRemovesFromStore(t *testing.T) {
	s := New(0)
	s.Insert(pairAt(1, 5000))

	pair, ok := s.Fetch(1)
	require.True(t, ok)
	assert.Equal(t, uint64(1), pair.ID)

	_, ok = s.Fetch(1)
	assert.False(t, ok)
}

func TestPeekDoesNotRemove(t *testing.T) {
	s := New(0)
	s.Insert(pairAt(1, 5000))

	_, ok := s.Peek(1)
	require.True(t, ok)
	_, ok = s.Peek(1)
	require.True(t, ok)
}

func TestIterReturnsIncreasingPopTimeOrder(t *testing.T) {
	s := New(0)
	s.Insert(pairAt(1, 3000))
	s.Insert(pairAt(2, 1000))
	s.Insert(pairAt(3, 2000))

	all := s.Iter(0)
	require.Len(t, all, 3)
	assert.Equal(t, []uint64{2, 3, 1}, []uint64{all[0].ID, all[1].ID, all[2].ID})
}

func TestIterFiltersByFromTime(t *testing.T) {
	s := New(0)
	s.Insert(pairAt(1, 1000))
	s.Insert(pairAt(2, 5000))

	all := s.Iter(4000)
	require.Len(t, all, 1)
	assert.Equal(t, uint64(2), all[0].ID)
}

func TestViewIndexTracksActiveAndInformationTimers(t *testing.T) {
	s := New(0)
	pair := &TimerPair{
		ID:            1,
		Active:        &timer.Timer{ID: 1, ClusterViewID: "view-2"},
		Information:   &timer.Timer{ID: 1, ClusterViewID: "view-1"},
		ActivePopTime: 5000,
	}
	s.Insert(pair)

	assert.Equal(t, []uint64{1}, s.ViewIDs("view-1"))
	assert.Equal(t, []uint64{1}, s.ViewIDs("view-2"))

	s.Fetch(1)
	assert.Empty(t, s.ViewIDs("view-1"))
	assert.Empty(t, s.ViewIDs("view-2"))
}

func TestHealthHookFiresOnInsert(t *testing.T) {
	pings := 0
	s := New(0, WithHealthHook(func() { pings++ }))
	s.Insert(pairAt(1, 100))
	s.Insert(pairAt(2, 200))
	assert.Equal(t, 2, pings)
}
