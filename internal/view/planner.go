// Package view decides when the client's interest region has changed enough,
// or aged enough, to warrant a fresh octree query.
package view

import (
	"math"
	"time"

	"github.com/OCAP2/scenestream/pkg/protocol"
)

const (
	// DefaultQueryInterval is the minimum re-query interval. A query is sent
	// at least this often even when the views have not moved.
	DefaultQueryInterval = 3 * time.Second

	// DefaultPositionSlop is the largest position change, in meters, for which
	// two views are still considered the same.
	DefaultPositionSlop = 0.5

	// DefaultDirectionSlop is the largest change in look direction, in
	// degrees, for which two views are still considered the same.
	DefaultDirectionSlop = 10.0

	// DefaultRelativeError bounds the relative change of angle, far clip and
	// radius between two similar views.
	DefaultRelativeError = 0.01
)

// Config holds the similarity thresholds and the re-query interval.
type Config struct {
	QueryInterval time.Duration
	PositionSlop  float64
	DirectionSlop float64 // degrees
	RelativeError float64
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		QueryInterval: DefaultQueryInterval,
		PositionSlop:  DefaultPositionSlop,
		DirectionSlop: DefaultDirectionSlop,
		RelativeError: DefaultRelativeError,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.QueryInterval <= 0 {
		c.QueryInterval = d.QueryInterval
	}
	if c.PositionSlop <= 0 {
		c.PositionSlop = d.PositionSlop
	}
	if c.DirectionSlop <= 0 {
		c.DirectionSlop = d.DirectionSlop
	}
	if c.RelativeError <= 0 {
		c.RelativeError = d.RelativeError
	}
	return c
}

// Planner is owned by the game loop and is not safe for concurrent use.
type Planner struct {
	cfg              Config
	minDirectionDot  float64
	lastQueriedViews []protocol.ConicalView
	hasQueried       bool
	queryExpiry      time.Time
}

// NewPlanner creates a planner. Zero fields in cfg take their defaults.
func NewPlanner(cfg Config) *Planner {
	cfg = cfg.withDefaults()
	return &Planner{
		cfg:             cfg,
		minDirectionDot: math.Cos(cfg.DirectionSlop * math.Pi / 180),
	}
}

// Config returns the effective configuration.
func (p *Planner) Config() Config {
	return p.cfg
}

// ShouldQuery reports whether a query for views is due at now. On a positive
// decision the views become the last queried set and the expiry advances by
// the query interval.
func (p *Planner) ShouldQuery(views []protocol.ConicalView, now time.Time) bool {
	if !p.viewsDiffer(views) && now.Before(p.queryExpiry) {
		return false
	}
	p.lastQueriedViews = append(p.lastQueriedViews[:0], views...)
	p.hasQueried = true
	p.queryExpiry = now.Add(p.cfg.QueryInterval)
	return true
}

// ClearLastQueriedViews forgets the last queried views so the next call to
// ShouldQuery returns true.
func (p *Planner) ClearLastQueriedViews() {
	p.lastQueriedViews = nil
	p.hasQueried = false
	p.queryExpiry = time.Time{}
}

// LastQueriedViews returns a copy of the last queried set.
func (p *Planner) LastQueriedViews() []protocol.ConicalView {
	if p.lastQueriedViews == nil {
		return nil
	}
	return append([]protocol.ConicalView(nil), p.lastQueriedViews...)
}

// QueryExpiry is the time after which a query is due regardless of movement.
func (p *Planner) QueryExpiry() time.Time {
	return p.queryExpiry
}

func (p *Planner) viewsDiffer(views []protocol.ConicalView) bool {
	if !p.hasQueried || len(views) != len(p.lastQueriedViews) {
		return true
	}
	for i := range views {
		if !p.Similar(p.lastQueriedViews[i], views[i]) {
			return true
		}
	}
	return false
}

// Similar reports whether a and b are close enough that re-querying for b
// after a would return the same data.
func (p *Planner) Similar(a, b protocol.ConicalView) bool {
	if a.IsBoundingSphere() != b.IsBoundingSphere() {
		return false
	}
	if a.Position.Sub(b.Position).Norm() > p.cfg.PositionSlop {
		return false
	}
	if !a.IsBoundingSphere() && a.Direction.Dot(b.Direction) < p.minDirectionDot {
		return false
	}
	return p.close(a.Angle, b.Angle) && p.close(a.FarClip, b.FarClip) && p.close(a.Radius, b.Radius)
}

func (p *Planner) close(a, b float32) bool {
	if a == b {
		return true
	}
	scale := math.Max(math.Abs(float64(a)), math.Abs(float64(b)))
	return math.Abs(float64(a-b)) <= p.cfg.RelativeError*scale
}
