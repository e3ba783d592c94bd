// Package scene tracks how complete the streamed scene is: full-scene
// deliveries reported by entity servers and whether GPU texture memory has
// settled.
package scene

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/OCAP2/scenestream/pkg/protocol"
)

// NodeStats is the last stats report received from one node.
type NodeStats struct {
	IsFullScene      bool
	TotalElements    uint64
	InternalElements uint64
	LeafElements     uint64
}

// Tracker counts full-scene deliveries across all nodes. RecordStats runs on
// the packet processor goroutine and the counter is read by the game loop.
type Tracker struct {
	fullSceneReceived atomic.Uint64

	mu    sync.RWMutex
	nodes map[uuid.UUID]NodeStats
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{nodes: make(map[uuid.UUID]NodeStats)}
}

// RecordStats stores the stats of node and bumps the full-scene counter when
// the report marks a full scene delivery.
func (t *Tracker) RecordStats(node uuid.UUID, stats protocol.SceneStats) {
	t.mu.Lock()
	t.nodes[node] = NodeStats{
		IsFullScene:      stats.IsFullScene,
		TotalElements:    stats.TotalElements,
		InternalElements: stats.InternalElements,
		LeafElements:     stats.LeafElements,
	}
	t.mu.Unlock()

	if stats.IsFullScene {
		t.fullSceneReceived.Add(1)
	}
}

// FullSceneReceivedCounter is monotonic until Reset.
func (t *Tracker) FullSceneReceivedCounter() uint64 {
	return t.fullSceneReceived.Load()
}

// NodeStats returns the last stats of node.
func (t *Tracker) NodeStats(node uuid.UUID) (NodeStats, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.nodes[node]
	return s, ok
}

// ElementCounts returns total element counts keyed by node ID string.
func (t *Tracker) ElementCounts() map[string]uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]uint64, len(t.nodes))
	for id, s := range t.nodes {
		out[id.String()] = s.TotalElements
	}
	return out
}

// RemoveNode drops the stats of a disconnected node.
func (t *Tracker) RemoveNode(node uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.nodes, node)
}

// Reset clears all stats and the full-scene counter.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.nodes = make(map[uuid.UUID]NodeStats)
	t.mu.Unlock()
	t.fullSceneReceived.Store(0)
}
