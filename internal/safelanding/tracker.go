// Package safelanding tracks the initial entity load after connecting to a
// domain: which data sequences arrived and whether the server has reported
// the range it sent.
package safelanding

import (
	"sync"

	"github.com/OCAP2/scenestream/pkg/protocol"
)

// EntityReadiness reports whether every entity overlapping the avatar has a
// usable collision shape.
type EntityReadiness interface {
	EntitiesReadyNearAvatar() bool
}

// ReadinessFunc adapts a function to EntityReadiness.
type ReadinessFunc func() bool

// EntitiesReadyNearAvatar calls f.
func (f ReadinessFunc) EntitiesReadyNearAvatar() bool { return f() }

// Tracker is written from the packet processor and read from the game loop.
type Tracker struct {
	readiness EntityReadiness

	mu       sync.Mutex
	tracking bool
	hasRange bool
	first    protocol.SequenceNumber
	final    protocol.SequenceNumber
	received map[protocol.SequenceNumber]struct{}
	complete bool
}

// NewTracker creates a tracker. A nil readiness always reports ready.
func NewTracker(readiness EntityReadiness) *Tracker {
	if readiness == nil {
		readiness = ReadinessFunc(func() bool { return true })
	}
	return &Tracker{
		readiness: readiness,
		received:  make(map[protocol.SequenceNumber]struct{}),
	}
}

// StartTracking begins recording sequences. Calling it while tracking is a
// no-op.
func (t *Tracker) StartTracking() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.tracking {
		return
	}
	t.resetLocked()
	t.tracking = true
}

// StopTracking stops recording. Bookkeeping is kept until Reset.
func (t *Tracker) StopTracking() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tracking = false
}

// Reset clears all bookkeeping without changing the tracking flag.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetLocked()
}

func (t *Tracker) resetLocked() {
	t.hasRange = false
	t.complete = false
	t.first = 0
	t.final = 0
	clear(t.received)
}

// IsTracking reports whether safe landing is active.
func (t *Tracker) IsTracking() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tracking
}

// NoteReceivedSequence records an entity data sequence.
func (t *Tracker) NoteReceivedSequence(seq protocol.SequenceNumber) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.tracking {
		return
	}
	t.received[seq] = struct{}{}
}

// FinishSequence records the first and last sequence of the initial scene as
// reported by the entity server. A final one behind first means the scene
// was empty.
func (t *Tracker) FinishSequence(first, final protocol.SequenceNumber) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.tracking {
		return
	}
	t.first = first
	t.final = final
	t.hasRange = true
}

// IsLoadSequenceComplete reports whether the initial scene has fully arrived
// and the entities around the avatar are ready.
func (t *Tracker) IsLoadSequenceComplete() bool {
	if !t.sequenceComplete() {
		return false
	}
	return t.readiness.EntitiesReadyNearAvatar()
}

func (t *Tracker) sequenceComplete() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.tracking || !t.hasRange {
		return false
	}
	if t.complete {
		return true
	}
	span := t.first.Distance(t.final)
	for i := 0; i <= span; i++ {
		if _, ok := t.received[t.first+protocol.SequenceNumber(i)]; !ok {
			return false
		}
	}
	t.complete = true
	return true
}

// Progress returns how many sequences arrived and how many the server
// announced. Expected is zero until the range is known.
func (t *Tracker) Progress() (received, expected int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	received = len(t.received)
	if t.hasRange {
		expected = max(t.first.Distance(t.final)+1, 0)
	}
	return received, expected
}
