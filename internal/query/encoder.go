// Package query builds and sends interest queries to entity servers and the
// avatar mixer.
package query

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"

	"github.com/golang/geo/r3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/OCAP2/scenestream/internal/nodelist"
	"github.com/OCAP2/scenestream/pkg/protocol"
)

const instrumentationName = "github.com/OCAP2/scenestream/internal/query"

const (
	// MinBootstrapRadius is the smallest sphere a bootstrap query covers.
	MinBootstrapRadius = 10.0

	// BootstrapBoundaryLevelAdjust asks the server for the coarsest detail.
	BootstrapBoundaryLevelAdjust = -127

	// DefaultMaxQueryPacketsPerSecond is the entity server send budget.
	DefaultMaxQueryPacketsPerSecond = 200
)

// Mode selects how a query is built.
type Mode uint8

const (
	// ModeNormal sends the real view set at LOD-manager detail.
	ModeNormal Mode = iota
	// ModeBootstrap sends one coarse sphere around the avatar while physics
	// is off.
	ModeBootstrap
)

func (m Mode) String() string {
	if m == ModeBootstrap {
		return "bootstrap"
	}
	return "normal"
}

// LODProvider supplies the level-of-detail parameters.
type LODProvider interface {
	OctreeSizeScale() float32
	BoundaryLevelAdjust() float32
}

// AvatarBounds exposes the avatar's axis-aligned bounding box.
type AvatarBounds interface {
	BoundingBox() (lo, hi r3.Vector)
}

// SafeLandingStatus reports whether the initial-load tracker is running.
type SafeLandingStatus interface {
	SafeLandingActive() bool
}

// NodeDirectory finds the node a query goes to.
type NodeDirectory interface {
	SoleNodeOfType(t nodelist.NodeType) (*nodelist.Node, bool)
}

// Dependencies are the collaborators of an Encoder.
type Dependencies struct {
	Nodes       NodeDirectory
	LOD         LODProvider
	Avatar      AvatarBounds
	SafeLanding SafeLandingStatus
	Logger      *slog.Logger

	MaxQueryPacketsPerSecond int32

	// Meter records the query counter. Nil uses the global meter.
	Meter metric.Meter
}

// Encoder is owned by the game loop.
type Encoder struct {
	deps Dependencies

	queriesSent metric.Int64Counter
	sent        atomic.Uint64
}

// New creates an encoder.
func New(deps Dependencies) (*Encoder, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.MaxQueryPacketsPerSecond <= 0 {
		deps.MaxQueryPacketsPerSecond = DefaultMaxQueryPacketsPerSecond
	}
	if deps.Meter == nil {
		deps.Meter = otel.Meter(instrumentationName)
	}
	counter, err := deps.Meter.Int64Counter(
		"streaming.queries.sent",
		metric.WithDescription("Interest queries sent to entity servers"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating queries sent counter: %w", err)
	}
	return &Encoder{deps: deps, queriesSent: counter}, nil
}

// QueriesSent counts entity queries sent in either mode.
func (e *Encoder) QueriesSent() uint64 {
	return e.sent.Load()
}

// BootstrapReady reports whether bootstrap queries may be sent.
func (e *Encoder) BootstrapReady() bool {
	return e.deps.SafeLanding.SafeLandingActive()
}

// BootstrapView returns the coarse sphere around the avatar.
func (e *Encoder) BootstrapView() (protocol.ConicalView, error) {
	lo, hi := e.deps.Avatar.BoundingBox()
	center := lo.Add(hi).Mul(0.5)
	radius := math.Max(MinBootstrapRadius, hi.Sub(lo).Norm()/2)
	return protocol.NewBoundingSphereView(center, float32(radius))
}

// Send builds an entity query for mode and sends it unreliably to the sole
// entity server. views is ignored in bootstrap mode. It reports whether a
// packet went out; having no active entity server is not an error.
func (e *Encoder) Send(ctx context.Context, mode Mode, views []protocol.ConicalView) (bool, error) {
	q := protocol.OctreeQuery{
		OctreeSizeScale:          e.deps.LOD.OctreeSizeScale(),
		MaxQueryPacketsPerSecond: e.deps.MaxQueryPacketsPerSecond,
	}

	switch mode {
	case ModeBootstrap:
		if !e.BootstrapReady() {
			return false, nil
		}
		v, err := e.BootstrapView()
		if err != nil {
			return false, fmt.Errorf("bootstrap view: %w", err)
		}
		q.Views = []protocol.ConicalView{v}
		q.BoundaryLevelAdjust = BootstrapBoundaryLevelAdjust
		// The server reports the final sequence of the initial scene so
		// safe landing knows when it has everything.
		q.ReportInitialCompletion = true
	default:
		q.Views = views
		q.BoundaryLevelAdjust = e.deps.LOD.BoundaryLevelAdjust()
	}

	node, ok := e.deps.Nodes.SoleNodeOfType(nodelist.NodeTypeEntityServer)
	if !ok || !node.Active() {
		return false, nil
	}

	payload, err := q.Encode()
	if err != nil {
		return false, fmt.Errorf("encode %s query: %w", mode, err)
	}
	if err := node.SendUnreliable(protocol.PacketTypeEntityQuery, payload); err != nil {
		return false, fmt.Errorf("send %s query: %w", mode, err)
	}

	e.sent.Add(1)
	e.queriesSent.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", mode.String())))
	e.deps.Logger.Debug("sent entity query", "mode", mode.String(), "views", len(q.Views), "boundaryLevelAdjust", q.BoundaryLevelAdjust)

	if mode == ModeNormal {
		if _, err := e.SendAvatarQuery(views); err != nil {
			e.deps.Logger.Debug("avatar query not sent", "error", err)
		}
	}
	return true, nil
}

// SendAvatarQuery sends the view set to the sole avatar mixer.
func (e *Encoder) SendAvatarQuery(views []protocol.ConicalView) (bool, error) {
	node, ok := e.deps.Nodes.SoleNodeOfType(nodelist.NodeTypeAvatarMixer)
	if !ok || !node.Active() {
		return false, nil
	}
	payload, err := protocol.EncodeViews(views)
	if err != nil {
		return false, fmt.Errorf("encode avatar query: %w", err)
	}
	if err := node.SendUnreliable(protocol.PacketTypeAvatarQuery, payload); err != nil {
		return false, fmt.Errorf("send avatar query: %w", err)
	}
	return true, nil
}
