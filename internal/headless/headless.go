// Package headless provides the collaborators the streaming subsystem needs
// when no renderer or physics engine is attached: a fixed camera, a box
// avatar, static LOD settings, a physics flag and simulated texture uploads.
package headless

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/golang/geo/r3"

	"github.com/OCAP2/scenestream/pkg/protocol"
)

// Camera reports the same primary view every frame until moved.
type Camera struct {
	mu       sync.Mutex
	position r3.Vector
	forward  r3.Vector
	fov      float64 // full vertical field of view, radians
	aspect   float64
	farClip  float32
	radius   float32
}

// NewCamera creates a camera at position looking along forward.
func NewCamera(position, forward r3.Vector) *Camera {
	return &Camera{
		position: position,
		forward:  forward,
		fov:      math.Pi / 4,
		aspect:   16.0 / 9.0,
		farClip:  1000,
		radius:   2,
	}
}

// MoveTo changes the camera pose.
func (c *Camera) MoveTo(position, forward r3.Vector) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.position = position
	c.forward = forward
}

// Views reduces the frustum to a single conical view. The half-angle covers
// the frustum corner.
func (c *Camera) Views() []protocol.ConicalView {
	c.mu.Lock()
	defer c.mu.Unlock()

	halfV := math.Tan(c.fov / 2)
	halfH := halfV * c.aspect
	angle := float32(math.Atan(math.Hypot(halfV, halfH)))

	v, err := protocol.NewConicalView(c.position, c.forward, angle, c.farClip, c.radius)
	if err != nil {
		return nil
	}
	return []protocol.ConicalView{v}
}

// Avatar is an axis-aligned box standing at a position.
type Avatar struct {
	mu       sync.Mutex
	position r3.Vector
	size     r3.Vector

	recomputes atomic.Uint64
}

// NewAvatar creates an avatar whose feet are at position.
func NewAvatar(position r3.Vector) *Avatar {
	return &Avatar{position: position, size: r3.Vector{X: 0.5, Y: 1.8, Z: 0.5}}
}

// MoveTo changes the avatar position.
func (a *Avatar) MoveTo(position r3.Vector) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.position = position
}

// BoundingBox returns the avatar's box in world space.
func (a *Avatar) BoundingBox() (lo, hi r3.Vector) {
	a.mu.Lock()
	defer a.mu.Unlock()
	half := r3.Vector{X: a.size.X / 2, Z: a.size.Z / 2}
	lo = a.position.Sub(half)
	hi = a.position.Add(r3.Vector{X: half.X, Y: a.size.Y, Z: half.Z})
	return lo, hi
}

// RecomputeMotionBehavior counts the notification.
func (a *Avatar) RecomputeMotionBehavior() {
	a.recomputes.Add(1)
}

// Recomputes is the number of RecomputeMotionBehavior calls.
func (a *Avatar) Recomputes() uint64 {
	return a.recomputes.Load()
}

// LOD holds static level-of-detail settings.
type LOD struct {
	SizeScale   float32
	LevelAdjust float32
}

// DefaultLOD matches the renderer defaults.
func DefaultLOD() LOD {
	return LOD{SizeScale: 1, LevelAdjust: 0}
}

func (l LOD) OctreeSizeScale() float32     { return l.SizeScale }
func (l LOD) BoundaryLevelAdjust() float32 { return l.LevelAdjust }

// Physics records whether the character controller is attached.
type Physics struct {
	enabled atomic.Bool
	changes atomic.Uint64
}

func (p *Physics) SetCharacterControllerEnabled(enabled bool) {
	if p.enabled.Swap(enabled) != enabled {
		p.changes.Add(1)
	}
}

func (p *Physics) CharacterControllerEnabled() bool { return p.enabled.Load() }

// Changes counts effective enable/disable flips.
func (p *Physics) Changes() uint64 { return p.changes.Load() }

// Textures simulates texture uploads. Every Step call moves up to Rate bytes
// from pending to populated until Target is reached.
type Textures struct {
	mu        sync.Mutex
	target    uint64
	rate      uint64
	populated uint64
}

// NewTextures creates a simulation that uploads target bytes at rate bytes
// per step. A zero target is stable immediately.
func NewTextures(target, rate uint64) *Textures {
	if rate == 0 {
		rate = target
	}
	return &Textures{target: target, rate: rate}
}

// Step advances the upload by one frame.
func (t *Textures) Step() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.populated = min(t.populated+t.rate, t.target)
}

// Load queues more texture bytes.
func (t *Textures) Load(bytes uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.target += bytes
}

// Reset discards all uploaded textures.
func (t *Textures) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.target = 0
	t.populated = 0
}

func (t *Textures) TextureResourceGPUMemSize() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.populated
}

func (t *Textures) TextureResourcePopulatedGPUMemSize() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.populated
}

func (t *Textures) TexturePendingTransfers() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.rate == 0 || t.populated >= t.target {
		return 0
	}
	return (t.target - t.populated + t.rate - 1) / t.rate
}

// Readiness reports entities near the avatar as ready once Set(true).
type Readiness struct {
	ready atomic.Bool
}

// NewReadiness creates a readiness flag with an initial value.
func NewReadiness(ready bool) *Readiness {
	r := &Readiness{}
	r.ready.Store(ready)
	return r
}

func (r *Readiness) Set(ready bool) { r.ready.Store(ready) }

func (r *Readiness) EntitiesReadyNearAvatar() bool { return r.ready.Load() }
