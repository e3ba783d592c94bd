package model

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// DatabaseModels is a list of all the structs exported here which represent tables in the database schema
var DatabaseModels = []interface{}{
	&StatusSnapshot{},
	&LandingTransition{},
	&StallReport{},
}

// StatusSnapshot is one monitor sample of the streaming subsystem.
type StatusSnapshot struct {
	ID                uint      `json:"id" gorm:"primarykey;autoIncrement;"`
	Time              time.Time `json:"time" gorm:"type:timestamptz;index:idx_snapshot_time;"`
	Domain            string    `json:"domain" gorm:"size:255;index:idx_snapshot_domain;"`
	PhysicsEnabled    bool      `json:"physicsEnabled"`
	LandingState      string    `json:"landingState" gorm:"size:32"`
	FailedToConnect   bool      `json:"failedToConnect"`
	FullSceneReceived uint64    `json:"fullSceneReceived"`
	MissingSequences  int       `json:"missingSequences"`
	PendingPackets    int       `json:"pendingPackets"`
	QueriesSent       uint64    `json:"queriesSent"`
	NacksSent         uint64    `json:"nacksSent"`
	ActiveNodes       int       `json:"activeNodes"`
	// per node type element totals
	ElementCounts datatypes.JSON `json:"elementCounts"`
}

// TableName overrides the pluralized default.
func (*StatusSnapshot) TableName() string {
	return "status_snapshots"
}

// LandingTransition is one safe-landing state change.
type LandingTransition struct {
	gorm.Model
	Time              time.Time `json:"time" gorm:"type:timestamptz;index:idx_transition_time;"`
	Domain            string    `json:"domain" gorm:"size:255"`
	From              string    `json:"from" gorm:"size:32"`
	To                string    `json:"to" gorm:"size:32"`
	Reason            string    `json:"reason" gorm:"size:255"`
	FullSceneReceived uint64    `json:"fullSceneReceived"`
}

// StallReport is a main loop stall seen by the deadlock watchdog.
type StallReport struct {
	gorm.Model
	Time               time.Time `json:"time" gorm:"type:timestamptz"`
	LastHeartbeatAgeMS int64     `json:"lastHeartbeatAgeMs"`
	MaxElapsedMS       int64     `json:"maxElapsedMs"`
	AverageDeltaMS     float64   `json:"averageDeltaMs"`
	CeilingMS          int64     `json:"ceilingMs"`
	Terminated         bool      `json:"terminated"`
}
