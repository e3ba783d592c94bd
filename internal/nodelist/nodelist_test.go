package nodelist

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OCAP2/scenestream/pkg/protocol"
)

type fakeConn struct {
	mu       sync.Mutex
	sent     [][]byte
	reliable [][]byte
	full     bool
}

func (c *fakeConn) Send(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return false
	}
	c.sent = append(c.sent, data)
	return true
}

func (c *fakeConn) SendReliable(data ...[]byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reliable = append(c.reliable, data...)
	return nil
}

type recordingObserver struct {
	events []string
}

func (o *recordingObserver) NodeAdded(n *Node)     { o.events = append(o.events, "added:"+n.Type.String()) }
func (o *recordingObserver) NodeActivated(n *Node) { o.events = append(o.events, "activated:"+n.Type.String()) }
func (o *recordingObserver) NodeKilled(n *Node)    { o.events = append(o.events, "killed:"+n.Type.String()) }

func TestList_Lifecycle(t *testing.T) {
	l := New()
	obs := &recordingObserver{}
	l.Subscribe(obs)

	id := uuid.New()
	n, err := l.AddNode(id, NodeTypeEntityServer, &fakeConn{})
	require.NoError(t, err)
	assert.False(t, n.Active())

	_, err = l.AddNode(id, NodeTypeEntityServer, &fakeConn{})
	assert.ErrorIs(t, err, ErrDuplicateNode)

	assert.True(t, l.ActivateNode(id))
	assert.True(t, l.ActivateNode(id)) // already active, no second event
	assert.True(t, n.Active())

	assert.True(t, l.KillNode(id))
	assert.False(t, l.KillNode(id))
	assert.False(t, n.Active())
	assert.False(t, l.ActivateNode(id))

	assert.Equal(t, []string{"added:entity_server", "activated:entity_server", "killed:entity_server"}, obs.events)
}

func TestList_DeactivateNode(t *testing.T) {
	l := New()
	obs := &recordingObserver{}
	l.Subscribe(obs)

	id := uuid.New()
	conn := &fakeConn{}
	n, err := l.AddNode(id, NodeTypeEntityServer, conn)
	require.NoError(t, err)
	require.True(t, l.ActivateNode(id))

	assert.True(t, l.DeactivateNode(id))
	assert.False(t, n.Active())
	assert.ErrorIs(t, n.SendUnreliable(protocol.PacketTypeEntityQuery, nil), ErrNoSocket)
	assert.ErrorIs(t, n.SendReliable(protocol.PacketTypeOctreeDataNack, []byte{1}), ErrNoSocket)

	_, ok := l.Node(id)
	assert.True(t, ok, "a deactivated node stays listed")

	// Reactivation after a reconnect notifies observers again.
	assert.True(t, l.ActivateNode(id))
	assert.True(t, n.Active())
	assert.Equal(t, []string{"added:entity_server", "activated:entity_server", "activated:entity_server"}, obs.events)

	assert.False(t, l.DeactivateNode(uuid.New()))
}

func TestList_SoleNodeOfType(t *testing.T) {
	l := New()

	_, ok := l.SoleNodeOfType(NodeTypeEntityServer)
	assert.False(t, ok)

	first, _ := l.AddNode(uuid.New(), NodeTypeEntityServer, nil)
	_, _ = l.AddNode(uuid.New(), NodeTypeAvatarMixer, nil)

	n, ok := l.SoleNodeOfType(NodeTypeEntityServer)
	require.True(t, ok)
	assert.Equal(t, first, n)

	_, _ = l.AddNode(uuid.New(), NodeTypeEntityServer, nil)
	_, ok = l.SoleNodeOfType(NodeTypeEntityServer)
	assert.False(t, ok, "two entity servers means no sole node")
}

func TestNode_SendUnreliableStampsSequence(t *testing.T) {
	l := New()
	conn := &fakeConn{}
	id := uuid.New()
	n, _ := l.AddNode(id, NodeTypeEntityServer, conn)

	assert.ErrorIs(t, n.SendUnreliable(protocol.PacketTypeEntityQuery, []byte{1}), ErrNoSocket)

	l.ActivateNode(id)
	require.NoError(t, n.SendUnreliable(protocol.PacketTypeEntityQuery, []byte{1}))
	require.NoError(t, n.SendUnreliable(protocol.PacketTypeEntityQuery, []byte{2}))
	require.Len(t, conn.sent, 2)

	p0, err := protocol.Unmarshal(conn.sent[0])
	require.NoError(t, err)
	p1, err := protocol.Unmarshal(conn.sent[1])
	require.NoError(t, err)
	assert.Equal(t, protocol.SequenceNumber(0), p0.Sequence)
	assert.Equal(t, protocol.SequenceNumber(1), p1.Sequence)
	assert.Equal(t, []byte{2}, p1.Payload)

	conn.full = true
	require.NoError(t, n.SendUnreliable(protocol.PacketTypeEntityQuery, []byte{3}))
	assert.Equal(t, uint64(1), n.Dropped())
}

func TestNode_SendReliable(t *testing.T) {
	l := New()
	conn := &fakeConn{}
	id := uuid.New()
	n, _ := l.AddNode(id, NodeTypeEntityServer, conn)
	l.ActivateNode(id)

	require.NoError(t, n.SendReliable(protocol.PacketTypeOctreeDataNack, []byte{0, 0}, []byte{1, 0}))
	assert.Len(t, conn.reliable, 2)

	_, err := protocol.Unmarshal(conn.reliable[1])
	assert.NoError(t, err)
}

func TestList_EachNodeAndReset(t *testing.T) {
	l := New()
	obs := &recordingObserver{}
	l.Subscribe(obs)
	for i := 0; i < 3; i++ {
		_, _ = l.AddNode(uuid.New(), NodeTypeAudioMixer, nil)
	}

	count := 0
	l.EachNode(func(n *Node) bool {
		count++
		return count < 2
	})
	assert.Equal(t, 2, count)

	l.Reset()
	assert.Zero(t, l.Len())
	assert.Len(t, obs.events, 6)
}

func TestParseNodeType(t *testing.T) {
	for _, nt := range []NodeType{NodeTypeEntityServer, NodeTypeAvatarMixer, NodeTypeAudioMixer} {
		got, err := ParseNodeType(nt.String())
		require.NoError(t, err)
		assert.Equal(t, nt, got)
	}
	_, err := ParseNodeType("domain_server")
	assert.Error(t, err)
}
