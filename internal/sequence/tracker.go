// Package sequence tracks received and missing packet sequence numbers per
// remote node so lost octree data can be re-requested.
//
// Record is called from the packet processing goroutine while Missing and
// Prune run on the game-loop timer, so every per-node record sits behind the
// tracker lock.
package sequence

import (
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/OCAP2/scenestream/pkg/protocol"
)

const (
	// DefaultPruneHorizon is how long a missing sequence stays eligible for
	// repair before it is given up on.
	DefaultPruneHorizon = 5 * time.Second

	// MaxReasonableGap bounds how far ahead a sequence may jump before the
	// packet is treated as unreasonable rather than as a loss burst.
	MaxReasonableGap = 1000

	// MaxConsecutiveUnreasonable unreasonable packets in a row mean the
	// sender restarted its stream; the node record is reset.
	MaxConsecutiveUnreasonable = 10
)

// Stats counts what happened to a node's stream.
type Stats struct {
	Received     uint64
	Lost         uint64
	Recovered    uint64
	Late         uint64
	Duplicate    uint64
	Unreasonable uint64
	Expired      uint64
}

// nodeRecord is the PerNodeSequenceStats of one sender.
type nodeRecord struct {
	lastSeen          protocol.SequenceNumber
	hasLast           bool
	missing           map[protocol.SequenceNumber]time.Time
	consecutiveUnreas int
	stats             Stats
}

func newNodeRecord() *nodeRecord {
	return &nodeRecord{missing: make(map[protocol.SequenceNumber]time.Time)}
}

// Tracker is the SequenceLossTracker.
type Tracker struct {
	mu      sync.Mutex
	nodes   map[uuid.UUID]*nodeRecord
	horizon time.Duration
}

// NewTracker creates a tracker that prunes entries older than horizon.
// A non-positive horizon uses DefaultPruneHorizon.
func NewTracker(horizon time.Duration) *Tracker {
	if horizon <= 0 {
		horizon = DefaultPruneHorizon
	}
	return &Tracker{
		nodes:   make(map[uuid.UUID]*nodeRecord),
		horizon: horizon,
	}
}

// Record notes that seq arrived from node at now. Gaps between the newest
// sequence and seq are flagged missing; a previously missing seq is cleared.
func (t *Tracker) Record(node uuid.UUID, seq protocol.SequenceNumber, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.nodes[node]
	if !ok {
		rec = newNodeRecord()
		t.nodes[node] = rec
	}
	rec.stats.Received++

	if !rec.hasLast {
		rec.lastSeen = seq
		rec.hasLast = true
		return
	}

	dist := rec.lastSeen.Distance(seq)
	switch {
	case dist == 0:
		rec.stats.Duplicate++
		rec.consecutiveUnreas = 0
	case dist > MaxReasonableGap || dist < -MaxReasonableGap:
		rec.stats.Unreasonable++
		rec.consecutiveUnreas++
		if rec.consecutiveUnreas >= MaxConsecutiveUnreasonable {
			stats := rec.stats
			rec = newNodeRecord()
			rec.stats = stats
			rec.lastSeen = seq
			rec.hasLast = true
			t.nodes[node] = rec
		}
	case dist > 0:
		rec.consecutiveUnreas = 0
		for s := rec.lastSeen + 1; s != seq; s++ {
			if _, already := rec.missing[s]; !already {
				rec.missing[s] = now
				rec.stats.Lost++
			}
		}
		delete(rec.missing, seq)
		rec.lastSeen = seq
	default:
		rec.consecutiveUnreas = 0
		if _, wasMissing := rec.missing[seq]; wasMissing {
			delete(rec.missing, seq)
			rec.stats.Recovered++
		} else {
			rec.stats.Late++
		}
	}
}

// Missing returns the node's missing sequence numbers, oldest first.
func (t *Tracker) Missing(node uuid.UUID) []protocol.SequenceNumber {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.nodes[node]
	if !ok || len(rec.missing) == 0 {
		return nil
	}
	seqs := make([]protocol.SequenceNumber, 0, len(rec.missing))
	for s := range rec.missing {
		seqs = append(seqs, s)
	}
	last := rec.lastSeen
	// Further behind lastSeen is older.
	slices.SortFunc(seqs, func(a, b protocol.SequenceNumber) int {
		return b.Distance(last) - a.Distance(last)
	})
	return seqs
}

// MissingCount returns how many sequences are currently missing for node.
func (t *Tracker) MissingCount(node uuid.UUID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.nodes[node]; ok {
		return len(rec.missing)
	}
	return 0
}

// TotalMissing sums missing entries over all nodes.
func (t *Tracker) TotalMissing() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	total := 0
	for _, rec := range t.nodes {
		total += len(rec.missing)
	}
	return total
}

// Prune drops missing entries flagged before now-horizon and entries more
// than MaxReasonableGap behind the newest sequence. It returns how many
// entries were dropped.
func (t *Tracker) Prune(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := now.Add(-t.horizon)
	dropped := 0
	for _, rec := range t.nodes {
		for s, flagged := range rec.missing {
			if flagged.Before(cutoff) || s.Distance(rec.lastSeen) > MaxReasonableGap {
				delete(rec.missing, s)
				rec.stats.Expired++
				dropped++
			}
		}
	}
	return dropped
}

// Stats returns the counters for node.
func (t *Tracker) Stats(node uuid.UUID) (Stats, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.nodes[node]
	if !ok {
		return Stats{}, false
	}
	return rec.stats, true
}

// RemoveNode forgets everything about node. Called on disconnect.
func (t *Tracker) RemoveNode(node uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.nodes, node)
}

// Reset forgets every node.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodes = make(map[uuid.UUID]*nodeRecord)
}
