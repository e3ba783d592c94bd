// Package convert maps core records to their GORM models and back.
package convert

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"

	"github.com/OCAP2/scenestream/internal/model"
	"github.com/OCAP2/scenestream/pkg/core"
)

// CoreToSnapshot converts a core.StatusSnapshot to a GORM StatusSnapshot.
func CoreToSnapshot(s core.StatusSnapshot) model.StatusSnapshot {
	var counts datatypes.JSON
	if len(s.ElementCounts) > 0 {
		counts, _ = json.Marshal(s.ElementCounts)
	}
	return model.StatusSnapshot{
		Time:              s.Time,
		Domain:            s.Domain,
		PhysicsEnabled:    s.PhysicsEnabled,
		LandingState:      s.LandingState,
		FailedToConnect:   s.FailedToConnect,
		FullSceneReceived: s.FullSceneReceived,
		MissingSequences:  s.MissingSequences,
		PendingPackets:    s.PendingPackets,
		QueriesSent:       s.QueriesSent,
		NacksSent:         s.NacksSent,
		ActiveNodes:       s.ActiveNodes,
		ElementCounts:     counts,
	}
}

// SnapshotToCore converts a GORM StatusSnapshot back to a core.StatusSnapshot.
func SnapshotToCore(m model.StatusSnapshot) core.StatusSnapshot {
	var counts map[string]uint64
	if len(m.ElementCounts) > 0 {
		_ = json.Unmarshal(m.ElementCounts, &counts)
	}
	return core.StatusSnapshot{
		Time:              m.Time,
		Domain:            m.Domain,
		PhysicsEnabled:    m.PhysicsEnabled,
		LandingState:      m.LandingState,
		FailedToConnect:   m.FailedToConnect,
		FullSceneReceived: m.FullSceneReceived,
		MissingSequences:  m.MissingSequences,
		PendingPackets:    m.PendingPackets,
		QueriesSent:       m.QueriesSent,
		NacksSent:         m.NacksSent,
		ActiveNodes:       m.ActiveNodes,
		ElementCounts:     counts,
	}
}

// CoreToLandingTransition converts a core.LandingTransition to its GORM model.
func CoreToLandingTransition(t core.LandingTransition) model.LandingTransition {
	return model.LandingTransition{
		Time:              t.Time,
		Domain:            t.Domain,
		From:              t.From,
		To:                t.To,
		Reason:            t.Reason,
		FullSceneReceived: t.FullSceneReceived,
	}
}

// CoreToStallReport converts a core.StallReport to its GORM model.
// Durations are stored in milliseconds.
func CoreToStallReport(r core.StallReport) model.StallReport {
	return model.StallReport{
		Time:               r.Time,
		LastHeartbeatAgeMS: r.LastHeartbeatAge.Milliseconds(),
		MaxElapsedMS:       r.MaxElapsed.Milliseconds(),
		AverageDeltaMS:     float64(r.AverageDelta) / float64(time.Millisecond),
		CeilingMS:          r.Ceiling.Milliseconds(),
		Terminated:         r.Terminated,
	}
}
