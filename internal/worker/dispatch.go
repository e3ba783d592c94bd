package worker

import (
	"fmt"

	"github.com/OCAP2/scenestream/internal/dispatcher"
	"github.com/OCAP2/scenestream/pkg/protocol"
)

// RegisterHandlers registers all packet handlers with the dispatcher.
// Handlers run synchronously on the packet processor goroutine.
func (m *Manager) RegisterHandlers(d *dispatcher.Dispatcher) {
	d.Register(protocol.PacketTypeEntityData, m.handleEntityData)
	d.Register(protocol.PacketTypeOctreeStats, m.handleOctreeStats, dispatcher.Logged())
	d.Register(protocol.PacketTypeEntityQueryInitialResultsComplete, m.handleInitialResultsComplete, dispatcher.Logged())
}

func (m *Manager) handleEntityData(e dispatcher.Event) error {
	m.entityData.Add(1)
	m.entityDataBytes.Add(uint64(len(e.Packet.Payload)))

	m.deps.Sequences.Record(e.Node, e.Packet.Sequence, e.Received)
	m.deps.SafeLanding.NoteReceivedSequence(e.Packet.Sequence)
	return nil
}

func (m *Manager) handleOctreeStats(e dispatcher.Event) error {
	stats, n, err := protocol.DecodeSceneStats(e.Packet.Payload)
	if err != nil {
		return fmt.Errorf("failed to decode scene stats: %w", err)
	}
	m.sceneStats.Add(1)
	m.deps.Scene.RecordStats(e.Node, stats)

	rest := e.Packet.Payload[n:]
	if len(rest) == 0 {
		return nil
	}

	// A data packet may ride along after the stats.
	pkt, err := protocol.Unmarshal(rest)
	if err != nil {
		return fmt.Errorf("failed to frame piggy-backed packet: %w", err)
	}
	if pkt.Type != protocol.PacketTypeEntityData {
		return fmt.Errorf("unexpected piggy-backed %s: %w", pkt.Type, protocol.ErrUnknownPacketType)
	}
	m.piggyBacked.Add(1)
	return m.handleEntityData(dispatcher.Event{Node: e.Node, Packet: pkt, Received: e.Received})
}

func (m *Manager) handleInitialResultsComplete(e dispatcher.Event) error {
	first, last, err := protocol.DecodeInitialResultsComplete(e.Packet.Payload)
	if err != nil {
		return fmt.Errorf("failed to decode initial results complete: %w", err)
	}
	m.initialComplete.Add(1)
	m.deps.SafeLanding.FinishSequence(first, last)
	return nil
}
