package protocol

import (
	"encoding/binary"
	"fmt"
)

// MaxNackSequencesPerPacket is how many sequence numbers fit in one NACK.
const MaxNackSequencesPerPacket = (MaxPayloadSize - 2) / 2

// EncodeNackPayloads splits seqs over as many payloads as needed, keeping
// their order. perPacket <= 0 means MaxNackSequencesPerPacket.
func EncodeNackPayloads(seqs []SequenceNumber, perPacket int) [][]byte {
	if perPacket <= 0 || perPacket > MaxNackSequencesPerPacket {
		perPacket = MaxNackSequencesPerPacket
	}
	var payloads [][]byte
	for start := 0; start < len(seqs); start += perPacket {
		end := min(start+perPacket, len(seqs))
		chunk := seqs[start:end]
		buf := make([]byte, 0, 2+2*len(chunk))
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(chunk)))
		for _, s := range chunk {
			buf = binary.LittleEndian.AppendUint16(buf, uint16(s))
		}
		payloads = append(payloads, buf)
	}
	return payloads
}

// DecodeNack parses a NACK payload.
func DecodeNack(b []byte) ([]SequenceNumber, error) {
	if len(b) < 2 {
		return nil, fmt.Errorf("nack count: %w", ErrShortPacket)
	}
	n := int(binary.LittleEndian.Uint16(b))
	if len(b) < 2+2*n {
		return nil, fmt.Errorf("nack body of %d entries: %w", n, ErrShortPacket)
	}
	seqs := make([]SequenceNumber, n)
	for i := range seqs {
		seqs[i] = SequenceNumber(binary.LittleEndian.Uint16(b[2+2*i:]))
	}
	return seqs, nil
}
