package convert

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/OCAP2/scenestream/pkg/core"
)

func TestSnapshot_RoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := core.StatusSnapshot{
		Time:              now,
		Domain:            "hub",
		PhysicsEnabled:    true,
		LandingState:      "enabled",
		FullSceneReceived: 3,
		MissingSequences:  2,
		NacksSent:         4,
		ActiveNodes:       2,
		ElementCounts:     map[string]uint64{"total": 120, "leaves": 80},
	}

	m := CoreToSnapshot(s)
	assert.JSONEq(t, `{"total":120,"leaves":80}`, string(m.ElementCounts))
	assert.Equal(t, s, SnapshotToCore(m))
}

func TestSnapshot_NoElementCounts(t *testing.T) {
	m := CoreToSnapshot(core.StatusSnapshot{Domain: "hub"})
	assert.Nil(t, m.ElementCounts)
	assert.Nil(t, SnapshotToCore(m).ElementCounts)
}

func TestCoreToLandingTransition(t *testing.T) {
	m := CoreToLandingTransition(core.LandingTransition{From: "waiting_for_data", To: "enabled", Reason: "scene loaded", FullSceneReceived: 1})
	assert.Equal(t, "waiting_for_data", m.From)
	assert.Equal(t, "enabled", m.To)
	assert.Equal(t, "scene loaded", m.Reason)
	assert.Equal(t, uint64(1), m.FullSceneReceived)
}

func TestCoreToStallReport(t *testing.T) {
	m := CoreToStallReport(core.StallReport{
		LastHeartbeatAge: 2*time.Minute + 500*time.Millisecond,
		MaxElapsed:       2 * time.Minute,
		AverageDelta:     1500 * time.Microsecond,
		Ceiling:          2 * time.Minute,
		Terminated:       true,
	})
	assert.Equal(t, int64(120500), m.LastHeartbeatAgeMS)
	assert.Equal(t, int64(120000), m.MaxElapsedMS)
	assert.InDelta(t, 1.5, m.AverageDeltaMS, 1e-9)
	assert.True(t, m.Terminated)
}
