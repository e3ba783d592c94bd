package streaming

import (
	"github.com/google/uuid"

	"github.com/OCAP2/scenestream/internal/nodelist"
)

type nodeEventKind uint8

const (
	nodeAdded nodeEventKind = iota
	nodeActivated
	nodeKilled
)

// nodeEvent is a lifecycle change waiting for the game loop.
type nodeEvent struct {
	kind     nodeEventKind
	id       uuid.UUID
	nodeType nodelist.NodeType
}

// NodeAdded implements nodelist.Observer.
func (s *State) NodeAdded(n *nodelist.Node) {
	s.nodeEvents.Push(nodeEvent{kind: nodeAdded, id: n.ID, nodeType: n.Type})
}

// NodeActivated implements nodelist.Observer.
func (s *State) NodeActivated(n *nodelist.Node) {
	s.nodeEvents.Push(nodeEvent{kind: nodeActivated, id: n.ID, nodeType: n.Type})
}

// NodeKilled implements nodelist.Observer. Tracker records are dropped right
// away since those trackers are shared with the receive path.
func (s *State) NodeKilled(n *nodelist.Node) {
	s.Sequences.RemoveNode(n.ID)
	s.Scene.RemoveNode(n.ID)
	if s.deps.Packets != nil {
		s.deps.Packets.RemoveNode(n.ID)
	}
	s.nodeEvents.Push(nodeEvent{kind: nodeKilled, id: n.ID, nodeType: n.Type})
}

// applyNodeEvents handles queued lifecycle changes on the game loop.
func (s *State) applyNodeEvents() {
	for _, ev := range s.nodeEvents.GetAndEmpty() {
		if ev.nodeType != nodelist.NodeTypeEntityServer {
			continue
		}
		switch ev.kind {
		case nodeAdded:
			s.connectionArmed = false
			s.gate.SetFailedToConnect(false)
			s.logger.Info("entity server added", "node", ev.id, "domain", s.domain)
		case nodeActivated:
			s.connectionArmed = false
			s.gate.SetFailedToConnect(false)
			s.gate.OnEntityServerActivated()
			s.logger.Info("entity server activated", "node", ev.id, "domain", s.domain)
		case nodeKilled:
			s.logger.Info("entity server killed", "node", ev.id, "domain", s.domain)
		}
	}
}
