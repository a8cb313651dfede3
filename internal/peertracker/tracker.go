// Copyright 2024 The go-equa Authors
// ti-oracle - peer liveness tracker

// Package peertracker records the last-seen wall-clock time of every
// cohort address this node has observed a gossip message from, for
// observability only.
package peertracker

import (
	"strings"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

// Snapshot is one peer's observability record.
type Snapshot struct {
	Address  string
	LastSeen time.Time
}

// Tracker is the mutex-guarded map[address]time.Time described in
// §5's observability snapshot concern, grounded on the teacher's
// ReputationManager (cmd/equa-beacon-engine/engine/fork_reputation.go)
// — same shape, stripped of reputation scoring since this repository
// has no slashing or reward concept.
type Tracker struct {
	mu       sync.RWMutex
	lastSeen map[string]time.Time
	// seenThisRound is reset at the start of every collect phase and
	// answers SeenThisRound (which cohort members responded in the
	// current round), using a set type rather than a second map since
	// membership, not recency, is all that matters here. The
	// observability surface reads only Snapshot, not this set.
	seenThisRound mapset.Set[string]
}

func New() *Tracker {
	return &Tracker{
		lastSeen:      make(map[string]time.Time),
		seenThisRound: mapset.NewSet[string](),
	}
}

// Seen records that addr was observed at t.
func (t *Tracker) Seen(addr string, at time.Time) {
	key := strings.ToLower(addr)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSeen[key] = at
	t.seenThisRound.Add(key)
}

// ResetRound clears the current round's seen-set, called by the Round
// Engine at the start of each collect phase.
func (t *Tracker) ResetRound() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seenThisRound.Clear()
}

// SeenThisRound reports whether addr has responded in the current
// round.
func (t *Tracker) SeenThisRound(addr string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.seenThisRound.Contains(strings.ToLower(addr))
}

// Snapshot returns every tracked peer's last-seen time, for the
// observability HTTP surface.
func (t *Tracker) Snapshot() []Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Snapshot, 0, len(t.lastSeen))
	for addr, at := range t.lastSeen {
		out = append(out, Snapshot{Address: addr, LastSeen: at})
	}
	return out
}
