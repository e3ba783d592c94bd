// Package nodelist is the client's directory of remote nodes in the current
// domain: the entity servers and mixers it talks to, their liveness, and the
// sockets used to reach them.
package nodelist

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/OCAP2/scenestream/pkg/protocol"
)

// NodeType is the role of a remote node.
type NodeType uint8

const (
	NodeTypeUnknown NodeType = iota
	NodeTypeEntityServer
	NodeTypeAvatarMixer
	NodeTypeAudioMixer
)

func (t NodeType) String() string {
	switch t {
	case NodeTypeEntityServer:
		return "entity_server"
	case NodeTypeAvatarMixer:
		return "avatar_mixer"
	case NodeTypeAudioMixer:
		return "audio_mixer"
	default:
		return "unknown"
	}
}

// ParseNodeType maps a configuration string to a NodeType.
func ParseNodeType(s string) (NodeType, error) {
	switch s {
	case "entity_server":
		return NodeTypeEntityServer, nil
	case "avatar_mixer":
		return NodeTypeAvatarMixer, nil
	case "audio_mixer":
		return NodeTypeAudioMixer, nil
	}
	return NodeTypeUnknown, fmt.Errorf("unknown node type %q", s)
}

var (
	// ErrNoSocket is returned when sending to a node without a connection.
	ErrNoSocket = errors.New("node has no active socket")

	// ErrDuplicateNode is returned by AddNode for an ID already present.
	ErrDuplicateNode = errors.New("node already in list")
)

// Conn is the socket to a node. Send is fire-and-forget and may drop;
// SendReliable queues every packet for delivery.
type Conn interface {
	Send(data []byte) bool
	SendReliable(data ...[]byte) error
}

// Node is one remote node.
type Node struct {
	ID   uuid.UUID
	Type NodeType

	conn    Conn
	active  atomic.Bool
	nextSeq atomic.Uint32
	dropped atomic.Uint64
}

// Active reports whether the node's socket has been activated.
func (n *Node) Active() bool {
	return n.active.Load()
}

// Dropped counts unreliable packets the socket refused.
func (n *Node) Dropped() uint64 {
	return n.dropped.Load()
}

func (n *Node) nextSequence() protocol.SequenceNumber {
	return protocol.SequenceNumber(n.nextSeq.Add(1) - 1)
}

// SendUnreliable stamps the next outbound sequence on a packet of type pt and
// hands it to the socket without waiting. A full socket drops the packet.
func (n *Node) SendUnreliable(pt protocol.PacketType, payload []byte) error {
	if n.conn == nil || !n.Active() {
		return ErrNoSocket
	}
	data, err := protocol.Packet{Type: pt, Sequence: n.nextSequence(), Payload: payload}.Marshal()
	if err != nil {
		return fmt.Errorf("marshal %s: %w", pt, err)
	}
	if !n.conn.Send(data) {
		n.dropped.Add(1)
	}
	return nil
}

// SendReliable queues one packet of type pt per payload for reliable delivery.
func (n *Node) SendReliable(pt protocol.PacketType, payloads ...[]byte) error {
	if n.conn == nil || !n.Active() {
		return ErrNoSocket
	}
	frames := make([][]byte, 0, len(payloads))
	for _, p := range payloads {
		data, err := protocol.Packet{Type: pt, Sequence: n.nextSequence(), Payload: p}.Marshal()
		if err != nil {
			return fmt.Errorf("marshal %s: %w", pt, err)
		}
		frames = append(frames, data)
	}
	return n.conn.SendReliable(frames...)
}

// Observer is notified of node lifecycle changes. Callbacks run on the
// goroutine that made the change, outside the list lock.
type Observer interface {
	NodeAdded(n *Node)
	NodeActivated(n *Node)
	NodeKilled(n *Node)
}

// List is the node directory.
type List struct {
	mu        sync.RWMutex
	nodes     map[uuid.UUID]*Node
	observers []Observer
}

// New creates an empty list.
func New() *List {
	return &List{nodes: make(map[uuid.UUID]*Node)}
}

// Subscribe registers an observer.
func (l *List) Subscribe(o Observer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observers = append(l.observers, o)
}

func (l *List) snapshotObservers() []Observer {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Observer(nil), l.observers...)
}

// AddNode adds an inactive node.
func (l *List) AddNode(id uuid.UUID, t NodeType, conn Conn) (*Node, error) {
	l.mu.Lock()
	if _, ok := l.nodes[id]; ok {
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateNode, id)
	}
	n := &Node{ID: id, Type: t, conn: conn}
	l.nodes[id] = n
	l.mu.Unlock()

	for _, o := range l.snapshotObservers() {
		o.NodeAdded(n)
	}
	return n, nil
}

// ActivateNode marks the node's socket as usable. It returns false for an
// unknown node.
func (l *List) ActivateNode(id uuid.UUID) bool {
	l.mu.RLock()
	n, ok := l.nodes[id]
	l.mu.RUnlock()
	if !ok {
		return false
	}
	if n.active.Swap(true) {
		return true
	}
	for _, o := range l.snapshotObservers() {
		o.NodeActivated(n)
	}
	return true
}

// DeactivateNode marks the node's socket as unusable while it reconnects.
// Sends fail with ErrNoSocket until ActivateNode, which notifies observers
// again. It returns false for an unknown node.
func (l *List) DeactivateNode(id uuid.UUID) bool {
	l.mu.RLock()
	n, ok := l.nodes[id]
	l.mu.RUnlock()
	if !ok {
		return false
	}
	n.active.Store(false)
	return true
}

// KillNode removes the node.
func (l *List) KillNode(id uuid.UUID) bool {
	l.mu.Lock()
	n, ok := l.nodes[id]
	delete(l.nodes, id)
	l.mu.Unlock()
	if !ok {
		return false
	}
	n.active.Store(false)
	for _, o := range l.snapshotObservers() {
		o.NodeKilled(n)
	}
	return true
}

// Node looks up a node by ID.
func (l *List) Node(id uuid.UUID) (*Node, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n, ok := l.nodes[id]
	return n, ok
}

// SoleNodeOfType returns the node of type t when exactly one exists.
func (l *List) SoleNodeOfType(t NodeType) (*Node, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var found *Node
	for _, n := range l.nodes {
		if n.Type != t {
			continue
		}
		if found != nil {
			return nil, false
		}
		found = n
	}
	return found, found != nil
}

// EachNode calls fn for every node until fn returns false. fn runs without
// the list lock held.
func (l *List) EachNode(fn func(n *Node) bool) {
	l.mu.RLock()
	nodes := make([]*Node, 0, len(l.nodes))
	for _, n := range l.nodes {
		nodes = append(nodes, n)
	}
	l.mu.RUnlock()

	for _, n := range nodes {
		if !fn(n) {
			return
		}
	}
}

// Len returns the number of nodes.
func (l *List) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.nodes)
}

// Reset kills every node, notifying observers.
func (l *List) Reset() {
	l.mu.RLock()
	ids := make([]uuid.UUID, 0, len(l.nodes))
	for id := range l.nodes {
		ids = append(ids, id)
	}
	l.mu.RUnlock()
	for _, id := range ids {
		l.KillNode(id)
	}
}
