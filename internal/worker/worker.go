// Package worker applies inbound packets to the streaming trackers.
package worker

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/OCAP2/scenestream/pkg/protocol"
)

// SequenceRecorder records data sequence numbers per node.
type SequenceRecorder interface {
	Record(node uuid.UUID, seq protocol.SequenceNumber, now time.Time)
}

// LoadTracker follows the initial scene load.
type LoadTracker interface {
	NoteReceivedSequence(seq protocol.SequenceNumber)
	FinishSequence(first, final protocol.SequenceNumber)
}

// StatsRecorder stores scene stats per node.
type StatsRecorder interface {
	RecordStats(node uuid.UUID, stats protocol.SceneStats)
}

// Dependencies holds all dependencies for the worker manager
type Dependencies struct {
	Sequences   SequenceRecorder
	SafeLanding LoadTracker
	Scene       StatsRecorder
}

// Stats are cumulative packet counters.
type Stats struct {
	EntityData      uint64
	SceneStats      uint64
	PiggyBacked     uint64
	InitialComplete uint64
	EntityDataBytes uint64
}

// Manager turns packets into tracker updates.
type Manager struct {
	deps Dependencies

	entityData      atomic.Uint64
	sceneStats      atomic.Uint64
	piggyBacked     atomic.Uint64
	initialComplete atomic.Uint64
	entityDataBytes atomic.Uint64
}

// NewManager creates a new worker manager
func NewManager(deps Dependencies) *Manager {
	return &Manager{deps: deps}
}

// Stats returns the cumulative counters.
func (m *Manager) Stats() Stats {
	return Stats{
		EntityData:      m.entityData.Load(),
		SceneStats:      m.sceneStats.Load(),
		PiggyBacked:     m.piggyBacked.Load(),
		InitialComplete: m.initialComplete.Load(),
		EntityDataBytes: m.entityDataBytes.Load(),
	}
}
