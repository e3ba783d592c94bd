// Package protocol defines the binary packets exchanged between the client
// and octree-serving nodes.
//
// Every packet carries a three byte header: the packet type and a little
// endian sequence number. Only field order and meaning are fixed here; the
// layout is not meant to be byte compatible with any other implementation.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// PacketType identifies the payload of a packet.
type PacketType uint8

const (
	PacketTypeUnknown PacketType = iota
	PacketTypeEntityQuery
	PacketTypeAvatarQuery
	PacketTypeOctreeDataNack
	PacketTypeEntityData
	PacketTypeOctreeStats
	PacketTypeEntityQueryInitialResultsComplete
)

var packetTypeNames = map[PacketType]string{
	PacketTypeUnknown:                           "unknown",
	PacketTypeEntityQuery:                       "entity_query",
	PacketTypeAvatarQuery:                       "avatar_query",
	PacketTypeOctreeDataNack:                    "octree_data_nack",
	PacketTypeEntityData:                        "entity_data",
	PacketTypeOctreeStats:                       "octree_stats",
	PacketTypeEntityQueryInitialResultsComplete: "entity_query_initial_results_complete",
}

func (t PacketType) String() string {
	if name, ok := packetTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("packet_type(%d)", uint8(t))
}

// Valid reports whether t is a known packet type.
func (t PacketType) Valid() bool {
	_, ok := packetTypeNames[t]
	return ok && t != PacketTypeUnknown
}

const (
	// HeaderSize is the size of the type + sequence header.
	HeaderSize = 3

	// MaxPacketSize keeps a packet inside a typical path MTU.
	MaxPacketSize = 1450

	// MaxPayloadSize is the largest payload a single packet may carry.
	MaxPayloadSize = MaxPacketSize - HeaderSize
)

var (
	// ErrShortPacket is returned when a buffer ends before a field is complete.
	ErrShortPacket = errors.New("packet too short")

	// ErrUnknownPacketType is returned for headers with an unrecognized type.
	ErrUnknownPacketType = errors.New("unknown packet type")

	// ErrPayloadTooLarge is returned when a payload does not fit in one packet.
	ErrPayloadTooLarge = errors.New("payload exceeds maximum packet size")
)

// SequenceNumber is the per-sender packet sequence. It wraps at 65535.
type SequenceNumber uint16

// Distance returns the signed wrap-aware distance from s to other.
// A positive result means other is newer than s.
func (s SequenceNumber) Distance(other SequenceNumber) int {
	return int(int16(uint16(other) - uint16(s)))
}

// Packet is a decoded packet header plus its raw payload.
type Packet struct {
	Type     PacketType
	Sequence SequenceNumber
	Payload  []byte
}

// Marshal encodes the packet into a new buffer.
func (p Packet) Marshal() ([]byte, error) {
	if len(p.Payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%s: %d bytes: %w", p.Type, len(p.Payload), ErrPayloadTooLarge)
	}
	buf := make([]byte, 0, HeaderSize+len(p.Payload))
	buf = append(buf, byte(p.Type))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(p.Sequence))
	return append(buf, p.Payload...), nil
}

// Unmarshal decodes a packet header. The payload aliases data.
func Unmarshal(data []byte) (Packet, error) {
	if len(data) < HeaderSize {
		return Packet{}, fmt.Errorf("header: %w", ErrShortPacket)
	}
	t := PacketType(data[0])
	if !t.Valid() {
		return Packet{}, fmt.Errorf("type %d: %w", data[0], ErrUnknownPacketType)
	}
	return Packet{
		Type:     t,
		Sequence: SequenceNumber(binary.LittleEndian.Uint16(data[1:3])),
		Payload:  data[HeaderSize:],
	}, nil
}
