// Package memory keeps the most recent monitor records in process.
package memory

import (
	"sync"

	"github.com/OCAP2/scenestream/internal/config"
	"github.com/OCAP2/scenestream/internal/queue"
	"github.com/OCAP2/scenestream/pkg/core"
)

// DefaultCapacity bounds each record kind when the config leaves it unset.
const DefaultCapacity = 3600

// Backend stores records in bounded in-memory queues. The oldest records
// are evicted first.
type Backend struct {
	cfg config.MemoryConfig

	mu          sync.RWMutex
	snapshots   *queue.Queue[core.StatusSnapshot]
	transitions *queue.Queue[core.LandingTransition]
	stalls      []core.StallReport
}

// New creates a new memory backend
func New(cfg config.MemoryConfig) *Backend {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	b := &Backend{cfg: cfg}
	_ = b.Init()
	return b
}

// Init allocates the queues. Calling it again discards recorded data.
func (b *Backend) Init() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshots = queue.NewBounded[core.StatusSnapshot](b.cfg.Capacity)
	b.transitions = queue.NewBounded[core.LandingTransition](b.cfg.Capacity)
	b.stalls = nil
	return nil
}

// Close is a no-op; data stays readable.
func (b *Backend) Close() error {
	return nil
}

func (b *Backend) RecordSnapshot(s core.StatusSnapshot) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	b.snapshots.Push(s)
	return nil
}

func (b *Backend) RecordLandingTransition(t core.LandingTransition) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	b.transitions.Push(t)
	return nil
}

func (b *Backend) RecordStall(r core.StallReport) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stalls = append(b.stalls, r)
	return nil
}

// Snapshots drains and returns the recorded snapshots, oldest first.
func (b *Backend) Snapshots() []core.StatusSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snapshots.GetAndEmpty()
}

// Transitions drains and returns the recorded landing transitions.
func (b *Backend) Transitions() []core.LandingTransition {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.transitions.GetAndEmpty()
}

// Stalls returns every recorded stall.
func (b *Backend) Stalls() []core.StallReport {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]core.StallReport, len(b.stalls))
	copy(out, b.stalls)
	return out
}

// Evicted reports how many snapshots fell out of the bounded queue.
func (b *Backend) Evicted() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snapshots.Dropped()
}
