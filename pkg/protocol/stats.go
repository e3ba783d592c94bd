package protocol

import (
	"encoding/binary"
	"fmt"
)

// SceneStatsSize is the encoded size of SceneStats.
const SceneStatsSize = 1 + 3*8

const statsFlagFullScene = 1 << 0

// SceneStats is the part of an octree stats packet this client reads.
type SceneStats struct {
	IsFullScene      bool
	TotalElements    uint64
	InternalElements uint64
	LeafElements     uint64
}

// AppendBinary appends the encoded stats to b.
func (s SceneStats) AppendBinary(b []byte) []byte {
	var flags byte
	if s.IsFullScene {
		flags |= statsFlagFullScene
	}
	b = append(b, flags)
	b = binary.LittleEndian.AppendUint64(b, s.TotalElements)
	b = binary.LittleEndian.AppendUint64(b, s.InternalElements)
	return binary.LittleEndian.AppendUint64(b, s.LeafElements)
}

// DecodeSceneStats reads stats from the start of b and returns how many
// bytes they occupied. Anything after that is a piggy-backed packet.
func DecodeSceneStats(b []byte) (SceneStats, int, error) {
	if len(b) < SceneStatsSize {
		return SceneStats{}, 0, fmt.Errorf("scene stats: %w", ErrShortPacket)
	}
	return SceneStats{
		IsFullScene:      b[0]&statsFlagFullScene != 0,
		TotalElements:    binary.LittleEndian.Uint64(b[1:]),
		InternalElements: binary.LittleEndian.Uint64(b[9:]),
		LeafElements:     binary.LittleEndian.Uint64(b[17:]),
	}, SceneStatsSize, nil
}

// EncodeInitialResultsComplete builds the payload announcing the first and
// last sequence numbers of the initial scene. An empty scene has last one
// behind first.
func EncodeInitialResultsComplete(first, last SequenceNumber) []byte {
	b := binary.LittleEndian.AppendUint16(nil, uint16(first))
	return binary.LittleEndian.AppendUint16(b, uint16(last))
}

// DecodeInitialResultsComplete parses the sequence range of the initial scene.
func DecodeInitialResultsComplete(b []byte) (first, last SequenceNumber, err error) {
	if len(b) < 4 {
		return 0, 0, fmt.Errorf("initial results complete: %w", ErrShortPacket)
	}
	first = SequenceNumber(binary.LittleEndian.Uint16(b))
	last = SequenceNumber(binary.LittleEndian.Uint16(b[2:]))
	return first, last, nil
}
