// Package storage persists what the streaming monitor observes.
package storage

import "github.com/OCAP2/scenestream/pkg/core"

// Backend is the interface all storage implementations must satisfy
type Backend interface {
	// Lifecycle
	Init() error
	Close() error

	RecordSnapshot(s core.StatusSnapshot) error
	RecordLandingTransition(t core.LandingTransition) error
	RecordStall(r core.StallReport) error
}
