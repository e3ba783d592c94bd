// Package streaming owns the scene-streaming subsystem for one client: the
// trackers, the query planner and encoder, the safe-landing gate and the
// timers that drive them from the game loop.
package streaming

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/OCAP2/scenestream/internal/clock"
	"github.com/OCAP2/scenestream/internal/landing"
	"github.com/OCAP2/scenestream/internal/nack"
	"github.com/OCAP2/scenestream/internal/nodelist"
	"github.com/OCAP2/scenestream/internal/query"
	"github.com/OCAP2/scenestream/internal/queue"
	"github.com/OCAP2/scenestream/internal/safelanding"
	"github.com/OCAP2/scenestream/internal/scene"
	"github.com/OCAP2/scenestream/internal/scheduler"
	"github.com/OCAP2/scenestream/internal/sequence"
	"github.com/OCAP2/scenestream/internal/view"
	"github.com/OCAP2/scenestream/pkg/core"
	"github.com/OCAP2/scenestream/pkg/protocol"
)

const (
	DefaultConnectionTimeout = 5 * time.Second
	DefaultHeartbeatInterval = 100 * time.Millisecond
	DefaultNackInterval      = time.Second
)

const (
	taskHeartbeat         = "heartbeat"
	taskNack              = "nack"
	taskConnectionTimeout = "connection-timeout"
)

// Config tunes the subsystem. Zero durations take defaults.
type Config struct {
	ConnectionTimeout        time.Duration
	HeartbeatInterval        time.Duration
	NackInterval             time.Duration
	PruneHorizon             time.Duration
	StabilityThreshold       int
	InterstitialMode         bool
	MaxQueryPacketsPerSecond int32
	NacksPerSecond           float64
	Query                    view.Config
}

func (c Config) withDefaults() Config {
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = DefaultConnectionTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.NackInterval <= 0 {
		c.NackInterval = DefaultNackInterval
	}
	return c
}

// Camera reduces the primary and secondary frustums to views.
type Camera interface {
	Views() []protocol.ConicalView
}

// Avatar is the local avatar as seen by this subsystem.
type Avatar interface {
	query.AvatarBounds
	landing.MotionNotifier
}

// PacketQueue is the inbound packet stage.
type PacketQueue interface {
	HasPendingPacketsForNode(node uuid.UUID) bool
	PendingCount() int
	RemoveNode(node uuid.UUID)
}

// Heartbeater is fed by the game loop.
type Heartbeater interface {
	UpdateHeartbeat()
}

// Dependencies are the collaborators supplied by the application.
type Dependencies struct {
	Nodes     *nodelist.List
	Packets   PacketQueue
	Camera    Camera
	LOD       query.LODProvider
	Avatar    Avatar
	Physics   landing.PhysicsBinder
	Textures  scene.TextureMemory
	Readiness safelanding.EntityReadiness
	Watchdog  Heartbeater
	Observer  landing.TransitionObserver
	Clock     clock.Clock
	Logger    *slog.Logger
	// Meter records the query and NACK counters. Nil uses the global meter.
	Meter metric.Meter
}

// State is constructed once per client and driven by Tick from the game
// loop. Only the trackers it exposes are safe to touch from other
// goroutines.
type State struct {
	cfg    Config
	deps   Dependencies
	logger *slog.Logger

	Sequences   *sequence.Tracker
	Scene       *scene.Tracker
	SafeLanding *safelanding.Tracker

	textures *scene.TextureStability
	planner  *view.Planner
	encoder  *query.Encoder
	gate     *landing.Gate
	nacks    *nack.Generator
	sched    *scheduler.Scheduler

	nodeEvents *queue.Queue[nodeEvent]

	domain             string
	connectionArmed    bool
	connectionDeadline time.Time
}

// New wires the subsystem and subscribes it to node lifecycle events.
func New(cfg Config, deps Dependencies) (*State, error) {
	cfg = cfg.withDefaults()
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	s := &State{
		cfg:         cfg,
		deps:        deps,
		logger:      deps.Logger,
		Sequences:   sequence.NewTracker(cfg.PruneHorizon),
		Scene:       scene.NewTracker(),
		SafeLanding: safelanding.NewTracker(deps.Readiness),
		textures:    scene.NewTextureStability(deps.Textures, cfg.StabilityThreshold),
		planner:     view.NewPlanner(cfg.Query),
		sched:       scheduler.New(),
		nodeEvents:  queue.New[nodeEvent](),
	}

	s.gate = landing.New(landing.Dependencies{
		SafeLanding: s.SafeLanding,
		Scene:       s.Scene,
		Textures:    s.textures,
		Views:       s.planner,
		Physics:     deps.Physics,
		Avatar:      deps.Avatar,
		Observer:    deps.Observer,
		Clock:       deps.Clock,
		Logger:      deps.Logger,
	})
	s.gate.SetInterstitialMode(cfg.InterstitialMode)

	var err error
	s.encoder, err = query.New(query.Dependencies{
		Nodes:                    deps.Nodes,
		LOD:                      deps.LOD,
		Avatar:                   deps.Avatar,
		SafeLanding:              s.gate,
		Logger:                   deps.Logger,
		MaxQueryPacketsPerSecond: cfg.MaxQueryPacketsPerSecond,
		Meter:                    deps.Meter,
	})
	if err != nil {
		return nil, fmt.Errorf("query encoder: %w", err)
	}

	nackOpts := []nack.Option{nack.WithLogger(deps.Logger), nack.WithMeter(deps.Meter)}
	if cfg.NacksPerSecond > 0 {
		nackOpts = append(nackOpts, nack.WithLimiter(rate.NewLimiter(rate.Limit(cfg.NacksPerSecond), max(int(cfg.NacksPerSecond), 1))))
	}
	s.nacks, err = nack.New(deps.Nodes, s.Sequences, deps.Packets, nackOpts...)
	if err != nil {
		return nil, fmt.Errorf("nack generator: %w", err)
	}

	s.sched.Every(taskHeartbeat, cfg.HeartbeatInterval, s.heartbeat)
	s.sched.Every(taskNack, cfg.NackInterval, s.repair)
	s.sched.Every(taskConnectionTimeout, cfg.HeartbeatInterval, s.checkConnectionTimeout)

	deps.Nodes.Subscribe(s)
	return s, nil
}

// Gate exposes the safe-landing gate.
func (s *State) Gate() *landing.Gate { return s.gate }

// Planner exposes the view query planner.
func (s *State) Planner() *view.Planner { return s.planner }

// PhysicsEnabled is the flag the physics collaborators read.
func (s *State) PhysicsEnabled() bool { return s.gate.PhysicsEnabled() }

// FailedToConnect reports the sticky connection timeout flag.
func (s *State) FailedToConnect() bool { return s.gate.FailedToConnect() }

// Tick advances the subsystem by one game-loop frame.
func (s *State) Tick(ctx context.Context, now time.Time) {
	s.applyNodeEvents()
	s.sched.Tick(now)

	if !s.gate.PhysicsEnabled() {
		s.gate.TryToEnablePhysics()
	}
	s.maybeQuery(ctx, now)
}

func (s *State) maybeQuery(ctx context.Context, now time.Time) {
	mode := query.ModeNormal
	var views []protocol.ConicalView

	if s.gate.PhysicsEnabled() {
		views = s.deps.Camera.Views()
	} else {
		if !s.encoder.BootstrapReady() {
			return
		}
		v, err := s.encoder.BootstrapView()
		if err != nil {
			s.logger.Debug("no bootstrap view", "error", err)
			return
		}
		mode = query.ModeBootstrap
		views = []protocol.ConicalView{v}
	}

	if !s.planner.ShouldQuery(views, now) {
		return
	}
	if _, err := s.encoder.Send(ctx, mode, views); err != nil {
		s.logger.WarnContext(ctx, "failed to send query", "mode", mode.String(), "error", err)
	}
}

func (s *State) heartbeat(time.Time) {
	if s.deps.Watchdog != nil {
		s.deps.Watchdog.UpdateHeartbeat()
	}
}

func (s *State) repair(now time.Time) {
	sent := s.nacks.Generate(context.Background())
	pruned := s.Sequences.Prune(now)
	if sent > 0 || pruned > 0 {
		s.logger.Debug("sequence repair", "nackPackets", sent, "pruned", pruned, "missing", s.Sequences.TotalMissing())
	}
}

func (s *State) checkConnectionTimeout(now time.Time) {
	if !s.connectionArmed || now.Before(s.connectionDeadline) {
		return
	}
	s.connectionArmed = false
	s.gate.SetFailedToConnect(true)
}

// OnDomainConnected starts the entity server connection timer.
func (s *State) OnDomainConnected(domain string, now time.Time) {
	s.domain = domain
	s.gate.SetDomain(domain)
	s.gate.SetInterstitialMode(s.cfg.InterstitialMode)
	s.applyNodeEvents()
	if s.hasActiveEntityServer() {
		return
	}
	s.connectionArmed = true
	s.connectionDeadline = now.Add(s.cfg.ConnectionTimeout)
}

// OnDomainChanged forgets everything learned about the previous domain.
func (s *State) OnDomainChanged(domain string) {
	s.resetPhysicsReady("domain changed")
	s.Sequences.Reset()
	s.domain = domain
	s.gate.SetDomain(domain)
	s.connectionArmed = false
	s.gate.SetFailedToConnect(false)
}

// ClearCaches is called after the resource caches were flushed.
func (s *State) ClearCaches() {
	s.resetPhysicsReady("caches cleared")
}

// ReloadResources is called on an explicit resource reload.
func (s *State) ReloadResources() {
	s.resetPhysicsReady("resources reloaded")
}

func (s *State) resetPhysicsReady(reason string) {
	s.gate.ResetPhysicsReadyInformation(reason)
	s.gate.SetInterstitialMode(s.cfg.InterstitialMode)
	s.Scene.Reset()
	s.planner.ClearLastQueriedViews()
	if s.hasActiveEntityServer() {
		s.gate.OnEntityServerActivated()
	}
}

func (s *State) hasActiveEntityServer() bool {
	n, ok := s.deps.Nodes.SoleNodeOfType(nodelist.NodeTypeEntityServer)
	return ok && n.Active()
}

// Status returns a snapshot for monitoring.
func (s *State) Status() core.StatusSnapshot {
	active := 0
	s.deps.Nodes.EachNode(func(n *nodelist.Node) bool {
		if n.Active() {
			active++
		}
		return true
	})
	pending := 0
	if s.deps.Packets != nil {
		pending = s.deps.Packets.PendingCount()
	}
	return core.StatusSnapshot{
		Time:              s.deps.Clock.Now(),
		Domain:            s.domain,
		PhysicsEnabled:    s.gate.PhysicsEnabled(),
		LandingState:      s.gate.State().String(),
		FailedToConnect:   s.gate.FailedToConnect(),
		FullSceneReceived: s.Scene.FullSceneReceivedCounter(),
		MissingSequences:  s.Sequences.TotalMissing(),
		PendingPackets:    pending,
		QueriesSent:       s.encoder.QueriesSent(),
		NacksSent:         s.nacks.Stats().Sent,
		ActiveNodes:       active,
		ElementCounts:     s.Scene.ElementCounts(),
	}
}
