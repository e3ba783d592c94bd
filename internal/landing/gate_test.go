package landing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OCAP2/scenestream/internal/clock"
	"github.com/OCAP2/scenestream/pkg/core"
)

type fakeSafeLanding struct {
	tracking bool
	complete bool
	resets   int
}

func (f *fakeSafeLanding) StartTracking()               { f.tracking = true }
func (f *fakeSafeLanding) StopTracking()                { f.tracking = false }
func (f *fakeSafeLanding) Reset()                       { f.resets++ }
func (f *fakeSafeLanding) IsTracking() bool             { return f.tracking }
func (f *fakeSafeLanding) IsLoadSequenceComplete() bool { return f.complete }

type fakeScene struct{ counter uint64 }

func (f *fakeScene) FullSceneReceivedCounter() uint64 { return f.counter }

type fakeTextures struct {
	stable  bool
	samples int
	resets  int
}

func (f *fakeTextures) GPUTextureMemSizeStable() bool {
	f.samples++
	return f.stable
}
func (f *fakeTextures) Reset() { f.resets++ }

type fakeViews struct{ cleared int }

func (f *fakeViews) ClearLastQueriedViews() { f.cleared++ }

type fakePhysics struct{ enabled []bool }

func (f *fakePhysics) SetCharacterControllerEnabled(enabled bool) {
	f.enabled = append(f.enabled, enabled)
}

type fakeAvatar struct{ recomputed int }

func (f *fakeAvatar) RecomputeMotionBehavior() { f.recomputed++ }

type recordingObserver struct{ transitions []core.LandingTransition }

func (o *recordingObserver) LandingTransition(t core.LandingTransition) {
	o.transitions = append(o.transitions, t)
}

type harness struct {
	gate     *Gate
	safe     *fakeSafeLanding
	scene    *fakeScene
	textures *fakeTextures
	views    *fakeViews
	physics  *fakePhysics
	avatar   *fakeAvatar
	observer *recordingObserver
}

func newHarness() *harness {
	h := &harness{
		safe:     &fakeSafeLanding{},
		scene:    &fakeScene{},
		textures: &fakeTextures{},
		views:    &fakeViews{},
		physics:  &fakePhysics{},
		avatar:   &fakeAvatar{},
		observer: &recordingObserver{},
	}
	h.gate = New(Dependencies{
		SafeLanding: h.safe,
		Scene:       h.scene,
		Textures:    h.textures,
		Views:       h.views,
		Physics:     h.physics,
		Avatar:      h.avatar,
		Observer:    h.observer,
		Clock:       clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
	})
	h.gate.SetDomain("hub")
	return h
}

func TestTryToEnablePhysics_RequiresDataAndStability(t *testing.T) {
	tests := []struct {
		name     string
		complete bool
		stable   bool
		want     bool
		state    State
	}{
		{"nothing ready", false, false, false, WaitingForData},
		{"stable but no data", false, true, false, WaitingForData},
		{"data but unstable", true, false, false, WaitingForStability},
		{"both", true, true, true, Enabled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			h.gate.SetInterstitialMode(true)
			h.safe.complete = tt.complete
			h.textures.stable = tt.stable

			for i := 0; i < 3; i++ {
				assert.Equal(t, tt.want, h.gate.TryToEnablePhysics())
			}
			assert.Equal(t, tt.want, h.gate.PhysicsEnabled())
			assert.Equal(t, tt.state, h.gate.State())
		})
	}
}

func TestTryToEnablePhysics_InterstitialDisabledSkipsStability(t *testing.T) {
	h := newHarness()
	h.safe.complete = true

	assert.True(t, h.gate.TryToEnablePhysics())
	assert.Zero(t, h.textures.samples)
}

func TestTryToEnablePhysics_EnableSideEffects(t *testing.T) {
	h := newHarness()
	h.gate.SetInterstitialMode(true)
	h.safe.tracking = true
	h.safe.complete = true
	h.textures.stable = true
	h.scene.counter = 4

	require.True(t, h.gate.TryToEnablePhysics())

	assert.Equal(t, []bool{true}, h.physics.enabled)
	assert.False(t, h.safe.tracking)
	assert.Equal(t, 1, h.safe.resets)
	assert.False(t, h.gate.InterstitialMode())
	assert.Equal(t, 1, h.avatar.recomputed)
	assert.Equal(t, 1, h.views.cleared)
	assert.Equal(t, uint64(4), h.gate.FullSceneCounterAtLastPhysicsCheck())

	require.Len(t, h.observer.transitions, 2)
	assert.Equal(t, "waiting_for_data", h.observer.transitions[0].From)
	assert.Equal(t, "waiting_for_stability", h.observer.transitions[0].To)
	assert.Equal(t, "enabled", h.observer.transitions[1].To)
	assert.Equal(t, "hub", h.observer.transitions[1].Domain)
}

func TestTryToEnablePhysics_IdempotentOnceEnabled(t *testing.T) {
	h := newHarness()
	h.safe.complete = true
	require.True(t, h.gate.TryToEnablePhysics())

	h.safe.complete = false
	for i := 0; i < 5; i++ {
		assert.True(t, h.gate.TryToEnablePhysics())
	}
	assert.Len(t, h.physics.enabled, 1)
	assert.Equal(t, 1, h.views.cleared)
	assert.Len(t, h.observer.transitions, 2)
}

func TestTryToEnablePhysics_HaltedWhileFailedToConnect(t *testing.T) {
	h := newHarness()
	h.safe.complete = true
	h.gate.SetFailedToConnect(true)

	assert.False(t, h.gate.TryToEnablePhysics())
	assert.Equal(t, WaitingForData, h.gate.State())

	h.gate.SetFailedToConnect(false)
	assert.True(t, h.gate.TryToEnablePhysics())
}

func TestResetPhysicsReadyInformation(t *testing.T) {
	h := newHarness()
	h.safe.complete = true
	h.safe.tracking = true
	require.True(t, h.gate.TryToEnablePhysics())

	h.gate.ResetPhysicsReadyInformation("domain changed")

	assert.False(t, h.gate.PhysicsEnabled())
	assert.Equal(t, WaitingForData, h.gate.State())
	assert.Zero(t, h.gate.FullSceneCounterAtLastPhysicsCheck())
	assert.Equal(t, []bool{true, false}, h.physics.enabled)
	assert.Equal(t, 1, h.textures.resets)
	last := h.observer.transitions[len(h.observer.transitions)-1]
	assert.Equal(t, "domain changed", last.Reason)

	// Idempotent.
	h.gate.ResetPhysicsReadyInformation("cache cleared")
	assert.Len(t, h.physics.enabled, 2)
	assert.Len(t, h.observer.transitions, 3)
}

func TestOnEntityServerActivated(t *testing.T) {
	h := newHarness()

	h.gate.OnEntityServerActivated()
	assert.True(t, h.gate.SafeLandingActive())

	h.safe.complete = true
	require.True(t, h.gate.TryToEnablePhysics())
	assert.False(t, h.gate.SafeLandingActive())

	h.gate.OnEntityServerActivated()
	assert.False(t, h.gate.SafeLandingActive(), "no tracking while physics is on")
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "waiting_for_data", WaitingForData.String())
	assert.Equal(t, "waiting_for_stability", WaitingForStability.String())
	assert.Equal(t, "enabled", Enabled.String())
	assert.Equal(t, "unknown", State(9).String())
}

func TestTryToEnablePhysics_StableTicksLeaveViewsUntilEnabled(t *testing.T) {
	h := newHarness()
	h.gate.SetInterstitialMode(true)
	h.safe.tracking = true
	h.textures.stable = true
	h.scene.counter = 2

	for i := 0; i < 5; i++ {
		assert.False(t, h.gate.TryToEnablePhysics())
	}
	assert.Zero(t, h.views.cleared)
	assert.Equal(t, uint64(2), h.gate.FullSceneCounterAtLastPhysicsCheck())

	h.safe.complete = true
	require.True(t, h.gate.TryToEnablePhysics())
	assert.Equal(t, 1, h.views.cleared)
}
