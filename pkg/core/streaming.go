// Package core holds the records shared between the streaming subsystem and
// the layers that persist or report on it.
package core

import "time"

// StatusSnapshot is a point-in-time view of the streaming subsystem.
type StatusSnapshot struct {
	Time              time.Time
	Domain            string
	PhysicsEnabled    bool
	LandingState      string
	FailedToConnect   bool
	FullSceneReceived uint64
	MissingSequences  int
	PendingPackets    int
	QueriesSent       uint64
	NacksSent         uint64
	ActiveNodes       int
	ElementCounts     map[string]uint64
}

// LandingTransition records one safe-landing state change.
type LandingTransition struct {
	Time              time.Time
	Domain            string
	From              string
	To                string
	Reason            string
	FullSceneReceived uint64
}

// StallReport describes a main loop the watchdog found stalled.
type StallReport struct {
	Time             time.Time
	LastHeartbeatAge time.Duration
	MaxElapsed       time.Duration
	AverageDelta     time.Duration
	Ceiling          time.Duration
	Terminated       bool
}
