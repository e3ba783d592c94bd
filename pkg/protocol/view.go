package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/golang/geo/r3"
)

// ConicalViewSize is the encoded size of a ConicalView.
const ConicalViewSize = 9 * 4

// ErrInvalidView is returned for views with neither a positive angle nor a
// positive radius.
var ErrInvalidView = errors.New("conical view needs a positive angle or radius")

// ConicalView is a serializable interest region: a cone from Position along
// Direction with half-angle Angle out to FarClip, plus a sphere of Radius
// around Position. A bounding-sphere view has a zero angle.
type ConicalView struct {
	Position  r3.Vector
	Direction r3.Vector
	Angle     float32
	FarClip   float32
	Radius    float32
}

// NewConicalView builds a validated view with a normalized direction.
func NewConicalView(position, direction r3.Vector, angle, farClip, radius float32) (ConicalView, error) {
	v := ConicalView{
		Position:  position,
		Direction: direction.Normalize(),
		Angle:     angle,
		FarClip:   farClip,
		Radius:    radius,
	}
	if err := v.Validate(); err != nil {
		return ConicalView{}, err
	}
	return v, nil
}

// NewBoundingSphereView builds a view that only covers a sphere.
func NewBoundingSphereView(center r3.Vector, radius float32) (ConicalView, error) {
	return NewConicalView(center, r3.Vector{Z: -1}, 0, radius, radius)
}

// Validate checks the view invariants.
func (v ConicalView) Validate() error {
	if isBad(v.Angle) || isBad(v.FarClip) || isBad(v.Radius) {
		return fmt.Errorf("non-finite field: %w", ErrInvalidView)
	}
	if !(v.Angle > 0 || v.Radius > 0) {
		return ErrInvalidView
	}
	return nil
}

// IsBoundingSphere reports whether the view only describes a sphere.
func (v ConicalView) IsBoundingSphere() bool {
	return v.Angle == 0
}

// AppendBinary appends the fixed binary layout of v to b.
func (v ConicalView) AppendBinary(b []byte) []byte {
	for _, f := range [...]float32{
		float32(v.Position.X), float32(v.Position.Y), float32(v.Position.Z),
		float32(v.Direction.X), float32(v.Direction.Y), float32(v.Direction.Z),
		v.Angle, v.FarClip, v.Radius,
	} {
		b = binary.LittleEndian.AppendUint32(b, math.Float32bits(f))
	}
	return b
}

// DecodeConicalView reads one view from the start of b.
func DecodeConicalView(b []byte) (ConicalView, error) {
	if len(b) < ConicalViewSize {
		return ConicalView{}, fmt.Errorf("conical view: %w", ErrShortPacket)
	}
	var f [9]float32
	for i := range f {
		f[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	v := ConicalView{
		Position:  r3.Vector{X: float64(f[0]), Y: float64(f[1]), Z: float64(f[2])},
		Direction: r3.Vector{X: float64(f[3]), Y: float64(f[4]), Z: float64(f[5])},
		Angle:     f[6],
		FarClip:   f[7],
		Radius:    f[8],
	}
	if err := v.Validate(); err != nil {
		return ConicalView{}, err
	}
	return v, nil
}

func isBad(f float32) bool {
	return math.IsNaN(float64(f)) || math.IsInf(float64(f), 0)
}
