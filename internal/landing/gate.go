// Package landing decides when physics may be enabled after connecting to a
// domain, so the avatar does not fall through geometry that has not streamed
// in yet.
package landing

import (
	"log/slog"

	"github.com/OCAP2/scenestream/internal/clock"
	"github.com/OCAP2/scenestream/pkg/core"
)

// State is the safe-landing progress. It only moves forward until
// ResetPhysicsReadyInformation.
type State uint8

const (
	WaitingForData State = iota
	WaitingForStability
	Enabled
)

func (s State) String() string {
	switch s {
	case WaitingForData:
		return "waiting_for_data"
	case WaitingForStability:
		return "waiting_for_stability"
	case Enabled:
		return "enabled"
	default:
		return "unknown"
	}
}

// SafeLanding is the initial-load tracker.
type SafeLanding interface {
	StartTracking()
	StopTracking()
	Reset()
	IsTracking() bool
	IsLoadSequenceComplete() bool
}

// SceneCounter exposes the full-scene delivery count.
type SceneCounter interface {
	FullSceneReceivedCounter() uint64
}

// StabilityDetector samples GPU texture memory.
type StabilityDetector interface {
	GPUTextureMemSizeStable() bool
	Reset()
}

// ViewResetter forgets the last queried views.
type ViewResetter interface {
	ClearLastQueriedViews()
}

// PhysicsBinder attaches the avatar's character controller to the physics
// engine.
type PhysicsBinder interface {
	SetCharacterControllerEnabled(enabled bool)
}

// MotionNotifier is told when physics changes under the avatar.
type MotionNotifier interface {
	RecomputeMotionBehavior()
}

// TransitionObserver receives every state change.
type TransitionObserver interface {
	LandingTransition(t core.LandingTransition)
}

// Dependencies are the collaborators of a Gate. Observer may be nil.
type Dependencies struct {
	SafeLanding SafeLanding
	Scene       SceneCounter
	Textures    StabilityDetector
	Views       ViewResetter
	Physics     PhysicsBinder
	Avatar      MotionNotifier
	Observer    TransitionObserver
	Clock       clock.Clock
	Logger      *slog.Logger
}

// Gate is the safe-landing state machine. It is owned by the game loop.
type Gate struct {
	deps Dependencies

	state           State
	physicsEnabled  bool
	failedToConnect bool
	interstitial    bool
	domain          string

	fullSceneCounterAtLastPhysicsCheck uint64
}

// New creates a gate in WaitingForData with physics disabled.
func New(deps Dependencies) *Gate {
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Gate{deps: deps}
}

// State returns the current state.
func (g *Gate) State() State { return g.state }

// PhysicsEnabled reports whether physics is running.
func (g *Gate) PhysicsEnabled() bool { return g.physicsEnabled }

// FailedToConnect reports whether the entity server connection timed out.
func (g *Gate) FailedToConnect() bool { return g.failedToConnect }

// FullSceneCounterAtLastPhysicsCheck is the scene counter snapshot taken on
// the last stable tick.
func (g *Gate) FullSceneCounterAtLastPhysicsCheck() uint64 {
	return g.fullSceneCounterAtLastPhysicsCheck
}

// SafeLandingActive reports whether the initial-load tracker is running.
// Bootstrap queries wait for it.
func (g *Gate) SafeLandingActive() bool {
	return g.deps.SafeLanding.IsTracking()
}

// SetDomain labels transitions with the current domain.
func (g *Gate) SetDomain(name string) { g.domain = name }

// SetInterstitialMode enables the texture stability requirement for the
// current domain.
func (g *Gate) SetInterstitialMode(enabled bool) { g.interstitial = enabled }

// InterstitialMode reports whether the texture stability requirement applies.
func (g *Gate) InterstitialMode() bool { return g.interstitial }

// SetFailedToConnect sets the sticky connection failure flag. While set the
// gate makes no progress.
func (g *Gate) SetFailedToConnect(failed bool) {
	if g.failedToConnect == failed {
		return
	}
	g.failedToConnect = failed
	if failed {
		g.deps.Logger.Warn("entity server connection timed out, safe landing halted", "domain", g.domain)
	} else {
		g.deps.Logger.Info("entity server reachable, safe landing resumed", "domain", g.domain, "state", g.state.String())
	}
}

// OnEntityServerActivated starts initial-load tracking when physics is off.
func (g *Gate) OnEntityServerActivated() {
	if g.physicsEnabled || g.deps.SafeLanding.IsTracking() {
		return
	}
	g.deps.SafeLanding.StartTracking()
	g.deps.Logger.Debug("safe landing started", "domain", g.domain)
}

// TryToEnablePhysics advances the state machine by one tick and reports
// whether physics is enabled afterwards. Once Enabled it does nothing until
// ResetPhysicsReadyInformation.
//
// Last queried views are cleared once, on the transition to Enabled. A tick
// that passes the stability check while the initial scene is still loading
// only records the full scene counter and leaves the views alone, so the
// bootstrap query is not resent every frame.
func (g *Gate) TryToEnablePhysics() bool {
	if g.state == Enabled {
		return true
	}
	if g.failedToConnect {
		return false
	}

	dataReady := g.deps.SafeLanding.IsLoadSequenceComplete()
	if dataReady && g.state == WaitingForData {
		g.transition(WaitingForStability, "initial scene loaded")
	}

	// Sampled every tick so the stable count keeps running.
	stable := !g.interstitial || g.deps.Textures.GPUTextureMemSizeStable()
	if !stable {
		return false
	}

	g.fullSceneCounterAtLastPhysicsCheck = g.deps.Scene.FullSceneReceivedCounter()
	if !dataReady {
		return false
	}

	g.deps.Physics.SetCharacterControllerEnabled(true)
	g.physicsEnabled = true
	g.deps.SafeLanding.StopTracking()
	g.deps.SafeLanding.Reset()
	g.interstitial = false
	g.deps.Avatar.RecomputeMotionBehavior()
	// Bootstrap queries asked for coarse data only; re-request the region at
	// full detail now.
	g.deps.Views.ClearLastQueriedViews()
	g.transition(Enabled, "scene loaded and stable")
	return true
}

// ResetPhysicsReadyInformation disables physics and returns to
// WaitingForData. It is safe to call at any time.
func (g *Gate) ResetPhysicsReadyInformation(reason string) {
	g.fullSceneCounterAtLastPhysicsCheck = 0
	g.deps.SafeLanding.StopTracking()
	g.deps.SafeLanding.Reset()
	g.deps.Textures.Reset()
	if g.physicsEnabled {
		g.physicsEnabled = false
		g.deps.Physics.SetCharacterControllerEnabled(false)
		g.deps.Avatar.RecomputeMotionBehavior()
	}
	if g.state != WaitingForData {
		g.transition(WaitingForData, reason)
	}
}

func (g *Gate) transition(to State, reason string) {
	from := g.state
	g.state = to
	g.deps.Logger.Info("safe landing state changed", "from", from.String(), "to", to.String(), "reason", reason, "domain", g.domain)
	if g.deps.Observer != nil {
		g.deps.Observer.LandingTransition(core.LandingTransition{
			Time:              g.deps.Clock.Now(),
			Domain:            g.domain,
			From:              from.String(),
			To:                to.String(),
			Reason:            reason,
			FullSceneReceived: g.deps.Scene.FullSceneReceivedCounter(),
		})
	}
}

