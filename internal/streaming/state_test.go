package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OCAP2/scenestream/internal/clock"
	"github.com/OCAP2/scenestream/internal/landing"
	"github.com/OCAP2/scenestream/internal/nodelist"
	"github.com/OCAP2/scenestream/pkg/core"
	"github.com/OCAP2/scenestream/pkg/protocol"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

const frame = time.Second / 60

type fakeConn struct {
	mu       sync.Mutex
	sent     [][]byte
	reliable [][]byte
}

func (c *fakeConn) Send(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, data)
	return true
}

func (c *fakeConn) SendReliable(data ...[]byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reliable = append(c.reliable, data...)
	return nil
}

func (c *fakeConn) queries(t *testing.T) []protocol.OctreeQuery {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.OctreeQuery
	for _, b := range c.sent {
		p, err := protocol.Unmarshal(b)
		require.NoError(t, err)
		if p.Type != protocol.PacketTypeEntityQuery {
			continue
		}
		q, err := protocol.DecodeOctreeQuery(p.Payload)
		require.NoError(t, err)
		out = append(out, q)
	}
	return out
}

type fixedCamera struct{ views []protocol.ConicalView }

func (c *fixedCamera) Views() []protocol.ConicalView { return c.views }

type fixedLOD struct{}

func (fixedLOD) OctreeSizeScale() float32     { return 1 }
func (fixedLOD) BoundaryLevelAdjust() float32 { return 0 }

type fakeAvatar struct{ recomputed int }

func (a *fakeAvatar) BoundingBox() (r3.Vector, r3.Vector) {
	return r3.Vector{X: -0.5}, r3.Vector{X: 0.5, Y: 1.8, Z: 0.5}
}
func (a *fakeAvatar) RecomputeMotionBehavior() { a.recomputed++ }

type fakePhysics struct{ enabled bool }

func (p *fakePhysics) SetCharacterControllerEnabled(enabled bool) { p.enabled = enabled }

type fakeTextures struct{}

func (fakeTextures) TextureResourceGPUMemSize() uint64          { return 1 << 20 }
func (fakeTextures) TextureResourcePopulatedGPUMemSize() uint64 { return 1 << 20 }
func (fakeTextures) TexturePendingTransfers() uint64            { return 0 }

type fakePackets struct {
	mu      sync.Mutex
	pending map[uuid.UUID]bool
	removed []uuid.UUID
}

func (p *fakePackets) HasPendingPacketsForNode(id uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending[id]
}
func (p *fakePackets) PendingCount() int { return 0 }
func (p *fakePackets) RemoveNode(id uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removed = append(p.removed, id)
}

type countingHeartbeat struct{ beats int }

func (h *countingHeartbeat) UpdateHeartbeat() { h.beats++ }

type transitions struct{ list []core.LandingTransition }

func (o *transitions) LandingTransition(t core.LandingTransition) { o.list = append(o.list, t) }

type harness struct {
	t           *testing.T
	state       *State
	nodes       *nodelist.List
	clock       *clock.Manual
	camera      *fixedCamera
	physics     *fakePhysics
	packets     *fakePackets
	heartbeat   *countingHeartbeat
	transitions *transitions
	ticks       int64
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	view, err := protocol.NewConicalView(r3.Vector{Y: 1.7}, r3.Vector{Z: -1}, 0.8, 500, 1)
	require.NoError(t, err)

	h := &harness{
		t:           t,
		nodes:       nodelist.New(),
		clock:       clock.NewManual(t0),
		camera:      &fixedCamera{views: []protocol.ConicalView{view}},
		physics:     &fakePhysics{},
		packets:     &fakePackets{pending: map[uuid.UUID]bool{}},
		heartbeat:   &countingHeartbeat{},
		transitions: &transitions{},
	}
	h.state, err = New(cfg, Dependencies{
		Nodes:    h.nodes,
		Packets:  h.packets,
		Camera:   h.camera,
		LOD:      fixedLOD{},
		Avatar:   &fakeAvatar{},
		Physics:  h.physics,
		Textures: fakeTextures{},
		Watchdog: h.heartbeat,
		Observer: h.transitions,
		Clock:    h.clock,
	})
	require.NoError(t, err)
	return h
}

// run ticks at 60Hz for d. Tick times are exact multiples of 1/60 s.
func (h *harness) run(d time.Duration) {
	end := h.clock.Now().Add(d)
	for h.clock.Now().Before(end) {
		h.ticks++
		now := t0.Add(time.Duration(h.ticks) * time.Second / 60)
		h.clock.Set(now)
		h.state.Tick(context.Background(), now)
	}
}

func (h *harness) addEntityServer(activate bool) (uuid.UUID, *fakeConn) {
	h.t.Helper()
	id := uuid.New()
	conn := &fakeConn{}
	_, err := h.nodes.AddNode(id, nodelist.NodeTypeEntityServer, conn)
	require.NoError(h.t, err)
	if activate {
		h.nodes.ActivateNode(id)
	}
	return id, conn
}

func TestConnectionTimeout_HaltsAndNodeAddedResumes(t *testing.T) {
	h := newHarness(t, Config{})
	h.state.OnDomainConnected("hub", h.clock.Now())

	h.run(4900 * time.Millisecond)
	assert.False(t, h.state.FailedToConnect())

	h.run(300 * time.Millisecond)
	require.True(t, h.state.FailedToConnect())
	assert.Equal(t, landing.WaitingForData, h.state.Gate().State())

	// Safe landing makes no progress while the flag is set.
	h.state.SafeLanding.StartTracking()
	h.state.SafeLanding.FinishSequence(1, 0)
	h.run(time.Second)
	assert.False(t, h.state.PhysicsEnabled())
	assert.Equal(t, landing.WaitingForData, h.state.Gate().State())
	assert.Empty(t, h.transitions.list)

	h.addEntityServer(false)
	h.run(frame)
	assert.False(t, h.state.FailedToConnect())
	assert.True(t, h.state.PhysicsEnabled())
	require.NotEmpty(t, h.transitions.list)
	assert.Equal(t, "waiting_for_data", h.transitions.list[0].From)
}

func TestConnectionTimeout_NotArmedWhenServerAlreadyActive(t *testing.T) {
	h := newHarness(t, Config{})
	h.addEntityServer(true)

	h.state.OnDomainConnected("hub", h.clock.Now())
	h.run(10 * time.Second)
	assert.False(t, h.state.FailedToConnect())
}

func TestSafeLanding_BootstrapThenNormalQueries(t *testing.T) {
	h := newHarness(t, Config{})
	h.state.OnDomainConnected("hub", h.clock.Now())
	_, conn := h.addEntityServer(true)

	h.run(frame)
	assert.True(t, h.state.Gate().SafeLandingActive())

	queries := conn.queries(t)
	require.Len(t, queries, 1)
	assert.True(t, queries[0].Views[0].IsBoundingSphere())
	assert.True(t, queries[0].ReportInitialCompletion)

	// Data arrives and the server reports the end of the initial scene.
	for s := protocol.SequenceNumber(0); s < 5; s++ {
		h.state.SafeLanding.NoteReceivedSequence(s)
	}
	h.state.SafeLanding.FinishSequence(0, 4)
	h.run(frame)

	require.True(t, h.state.PhysicsEnabled())
	assert.True(t, h.physics.enabled)

	queries = conn.queries(t)
	require.Len(t, queries, 2)
	normal := queries[1]
	assert.False(t, normal.Views[0].IsBoundingSphere())
	assert.False(t, normal.ReportInitialCompletion)

	// Nothing moved, so the next query waits for the interval.
	h.run(2 * time.Second)
	assert.Len(t, conn.queries(t), 2)
	h.run(1100 * time.Millisecond)
	assert.Len(t, conn.queries(t), 3)

	require.NotEmpty(t, h.transitions.list)
	assert.Equal(t, "enabled", h.transitions.list[len(h.transitions.list)-1].To)
}

func TestInterstitialMode_WaitsForTextureStability(t *testing.T) {
	h := newHarness(t, Config{InterstitialMode: true, StabilityThreshold: 10})
	h.addEntityServer(true)
	h.run(frame)

	h.state.SafeLanding.FinishSequence(1, 0)
	h.run(5 * frame)
	assert.False(t, h.state.PhysicsEnabled())
	assert.Equal(t, landing.WaitingForStability, h.state.Gate().State())

	h.run(10 * frame)
	assert.True(t, h.state.PhysicsEnabled())
}

func TestTick_HeartbeatAndNackCadence(t *testing.T) {
	h := newHarness(t, Config{})
	id, conn := h.addEntityServer(true)

	h.state.Sequences.Record(id, 1, h.clock.Now())
	h.state.Sequences.Record(id, 4, h.clock.Now())

	h.run(time.Second + 2*frame)

	assert.InDelta(t, 10, h.heartbeat.beats, 1)
	conn.mu.Lock()
	require.Len(t, conn.reliable, 1)
	conn.mu.Unlock()

	// Locally queued packets suppress the NACK.
	h.packets.mu.Lock()
	h.packets.pending[id] = true
	h.packets.mu.Unlock()
	h.run(time.Second)
	conn.mu.Lock()
	assert.Len(t, conn.reliable, 1)
	conn.mu.Unlock()
}

func TestTick_PrunesOldMissingSequences(t *testing.T) {
	h := newHarness(t, Config{PruneHorizon: 2 * time.Second})
	id := uuid.New()

	h.state.Sequences.Record(id, 1, h.clock.Now())
	h.state.Sequences.Record(id, 3, h.clock.Now())
	require.Equal(t, 1, h.state.Sequences.TotalMissing())

	h.run(3500 * time.Millisecond)
	assert.Zero(t, h.state.Sequences.TotalMissing())
}

func TestNodeKilled_DropsTrackerRecords(t *testing.T) {
	h := newHarness(t, Config{})
	id, _ := h.addEntityServer(true)
	h.state.Sequences.Record(id, 1, h.clock.Now())
	h.state.Sequences.Record(id, 5, h.clock.Now())
	h.state.Scene.RecordStats(id, protocol.SceneStats{TotalElements: 3})

	h.nodes.KillNode(id)

	assert.Zero(t, h.state.Sequences.TotalMissing())
	_, ok := h.state.Scene.NodeStats(id)
	assert.False(t, ok)
	assert.Equal(t, []uuid.UUID{id}, h.packets.removed)
}

func TestDomainReset_ReturnsToWaitingForData(t *testing.T) {
	tests := []struct {
		name  string
		reset func(s *State)
	}{
		{"domain changed", func(s *State) { s.OnDomainChanged("other") }},
		{"caches cleared", func(s *State) { s.ClearCaches() }},
		{"resources reloaded", func(s *State) { s.ReloadResources() }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{})
			h.addEntityServer(true)
			h.run(frame)
			h.state.SafeLanding.FinishSequence(1, 0)
			h.run(frame)
			require.True(t, h.state.PhysicsEnabled())
			h.state.Scene.RecordStats(uuid.New(), protocol.SceneStats{IsFullScene: true})

			tt.reset(h.state)

			assert.False(t, h.state.PhysicsEnabled())
			assert.False(t, h.physics.enabled)
			assert.Equal(t, landing.WaitingForData, h.state.Gate().State())
			assert.Zero(t, h.state.Scene.FullSceneReceivedCounter())
			assert.True(t, h.state.Gate().SafeLandingActive(), "active entity server restarts tracking")
			assert.Equal(t, tt.name, h.transitions.list[len(h.transitions.list)-1].Reason)
		})
	}
}

func TestStatus(t *testing.T) {
	h := newHarness(t, Config{})
	h.state.OnDomainConnected("hub", h.clock.Now())
	id, _ := h.addEntityServer(true)
	h.state.Scene.RecordStats(id, protocol.SceneStats{IsFullScene: true, TotalElements: 42})
	h.run(frame)

	st := h.state.Status()
	assert.Equal(t, "hub", st.Domain)
	assert.Equal(t, 1, st.ActiveNodes)
	assert.Equal(t, uint64(1), st.FullSceneReceived)
	assert.Equal(t, uint64(1), st.QueriesSent)
	assert.Equal(t, "waiting_for_data", st.LandingState)
	assert.Equal(t, map[string]uint64{id.String(): 42}, st.ElementCounts)
	assert.Equal(t, h.clock.Now(), st.Time)
}
