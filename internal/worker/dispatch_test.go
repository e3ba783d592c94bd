package worker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OCAP2/scenestream/internal/dispatcher"
	"github.com/OCAP2/scenestream/internal/processor"
	"github.com/OCAP2/scenestream/internal/safelanding"
	"github.com/OCAP2/scenestream/internal/scene"
	"github.com/OCAP2/scenestream/internal/sequence"
	"github.com/OCAP2/scenestream/pkg/protocol"
)

// mockLogger implements dispatcher.Logger for testing
type mockLogger struct {
	mu       sync.Mutex
	messages []string
}

func (l *mockLogger) Debug(msg string, keysAndValues ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, msg)
}

func (l *mockLogger) Info(msg string, keysAndValues ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, msg)
}

func (l *mockLogger) Error(msg string, keysAndValues ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, msg)
}

type pipeline struct {
	sequences   *sequence.Tracker
	scene       *scene.Tracker
	safeLanding *safelanding.Tracker
	manager     *Manager
	dispatcher  *dispatcher.Dispatcher
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	p := &pipeline{
		sequences:   sequence.NewTracker(0),
		scene:       scene.NewTracker(),
		safeLanding: safelanding.NewTracker(nil),
	}
	p.manager = NewManager(Dependencies{
		Sequences:   p.sequences,
		SafeLanding: p.safeLanding,
		Scene:       p.scene,
	})
	d, err := dispatcher.New(&mockLogger{}, nil)
	require.NoError(t, err)
	p.manager.RegisterHandlers(d)
	p.dispatcher = d
	return p
}

func dataPacket(seq protocol.SequenceNumber) protocol.Packet {
	return protocol.Packet{Type: protocol.PacketTypeEntityData, Sequence: seq, Payload: []byte{0xDE, 0xAD}}
}

func statsPacket(t *testing.T, seq protocol.SequenceNumber, full bool, piggy *protocol.Packet) protocol.Packet {
	t.Helper()
	payload := protocol.SceneStats{IsFullScene: full, TotalElements: 7, LeafElements: 5}.AppendBinary(nil)
	if piggy != nil {
		b, err := piggy.Marshal()
		require.NoError(t, err)
		payload = append(payload, b...)
	}
	return protocol.Packet{Type: protocol.PacketTypeOctreeStats, Sequence: seq, Payload: payload}
}

func TestEntityData_RecordsSequences(t *testing.T) {
	p := newPipeline(t)
	node := uuid.New()
	p.safeLanding.StartTracking()

	for _, s := range []protocol.SequenceNumber{1, 2, 4} {
		require.NoError(t, p.dispatcher.Dispatch(dispatcher.Event{Node: node, Packet: dataPacket(s), Received: time.Now()}))
	}

	assert.Equal(t, []protocol.SequenceNumber{3}, p.sequences.Missing(node))
	received, _ := p.safeLanding.Progress()
	assert.Equal(t, 3, received)
	assert.Equal(t, uint64(6), p.manager.Stats().EntityDataBytes)
}

func TestOctreeStats_CountsFullSceneAndFramesPiggyBack(t *testing.T) {
	p := newPipeline(t)
	node := uuid.New()

	piggy := dataPacket(9)
	require.NoError(t, p.dispatcher.Dispatch(dispatcher.Event{Node: node, Packet: dataPacket(7)}))
	require.NoError(t, p.dispatcher.Dispatch(dispatcher.Event{Node: node, Packet: statsPacket(t, 1, true, &piggy)}))

	assert.Equal(t, uint64(1), p.scene.FullSceneReceivedCounter())
	stats, ok := p.scene.NodeStats(node)
	require.True(t, ok)
	assert.Equal(t, uint64(7), stats.TotalElements)

	assert.Equal(t, []protocol.SequenceNumber{8}, p.sequences.Missing(node))
	s := p.manager.Stats()
	assert.Equal(t, uint64(1), s.PiggyBacked)
	assert.Equal(t, uint64(2), s.EntityData)
}

func TestOctreeStats_Malformed(t *testing.T) {
	p := newPipeline(t)
	node := uuid.New()

	err := p.dispatcher.Dispatch(dispatcher.Event{Node: node, Packet: protocol.Packet{Type: protocol.PacketTypeOctreeStats, Payload: []byte{1, 2}}})
	assert.True(t, errors.Is(err, protocol.ErrShortPacket))

	bad := statsPacket(t, 1, false, nil)
	bad.Payload = append(bad.Payload, 0xFF, 0, 0)
	err = p.dispatcher.Dispatch(dispatcher.Event{Node: node, Packet: bad})
	assert.True(t, errors.Is(err, protocol.ErrUnknownPacketType))

	nack := protocol.Packet{Type: protocol.PacketTypeOctreeDataNack}
	withNack := statsPacket(t, 2, false, &nack)
	err = p.dispatcher.Dispatch(dispatcher.Event{Node: node, Packet: withNack})
	assert.True(t, errors.Is(err, protocol.ErrUnknownPacketType))

	// Stats were still applied before the trailer failed.
	assert.Zero(t, p.scene.FullSceneReceivedCounter())
	_, ok := p.scene.NodeStats(node)
	assert.True(t, ok)
}

func TestInitialResultsComplete_FinishesSafeLanding(t *testing.T) {
	p := newPipeline(t)
	node := uuid.New()
	p.safeLanding.StartTracking()

	for _, s := range []protocol.SequenceNumber{0, 1, 2} {
		require.NoError(t, p.dispatcher.Dispatch(dispatcher.Event{Node: node, Packet: dataPacket(s)}))
	}
	assert.False(t, p.safeLanding.IsLoadSequenceComplete())

	done := protocol.Packet{
		Type:    protocol.PacketTypeEntityQueryInitialResultsComplete,
		Payload: protocol.EncodeInitialResultsComplete(0, 2),
	}
	require.NoError(t, p.dispatcher.Dispatch(dispatcher.Event{Node: node, Packet: done}))
	assert.True(t, p.safeLanding.IsLoadSequenceComplete())

	err := p.dispatcher.Dispatch(dispatcher.Event{Node: node, Packet: protocol.Packet{Type: protocol.PacketTypeEntityQueryInitialResultsComplete}})
	assert.ErrorIs(t, err, protocol.ErrShortPacket)
}

func TestProcessorPipeline(t *testing.T) {
	p := newPipeline(t)
	proc := processor.New(p.dispatcher, nil, nil, 0)
	node := uuid.New()

	for _, s := range []protocol.SequenceNumber{10, 12, 13} {
		b, err := dataPacket(s).Marshal()
		require.NoError(t, err)
		proc.Enqueue(node, b)
	}
	require.True(t, proc.HasPendingPacketsForNode(node))

	assert.Equal(t, 3, proc.ProcessPending())
	assert.Equal(t, []protocol.SequenceNumber{11}, p.sequences.Missing(node))
}
