package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
)

// MaxViewsPerQuery is bounded by the single count byte.
const MaxViewsPerQuery = math.MaxUint8

// octreeQueryTrailerSize covers size scale, boundary adjust, pps and the
// completion flag.
const octreeQueryTrailerSize = 4 + 4 + 4 + 1

// OctreeQuery is the interest description sent to an entity server.
// It is built fresh for every send.
type OctreeQuery struct {
	Views                    []ConicalView
	OctreeSizeScale          float32
	BoundaryLevelAdjust      float32
	MaxQueryPacketsPerSecond int32
	ReportInitialCompletion  bool
}

// EncodeViews encodes the view list shared by entity and avatar queries.
func EncodeViews(views []ConicalView) ([]byte, error) {
	if len(views) > MaxViewsPerQuery {
		return nil, fmt.Errorf("%d views, max %d: %w", len(views), MaxViewsPerQuery, ErrPayloadTooLarge)
	}
	buf := make([]byte, 0, 1+len(views)*ConicalViewSize)
	buf = append(buf, byte(len(views)))
	for _, v := range views {
		if err := v.Validate(); err != nil {
			return nil, err
		}
		buf = v.AppendBinary(buf)
	}
	return buf, nil
}

// DecodeViews reads a view list and returns the number of bytes consumed.
func DecodeViews(b []byte) ([]ConicalView, int, error) {
	if len(b) < 1 {
		return nil, 0, fmt.Errorf("view count: %w", ErrShortPacket)
	}
	n := int(b[0])
	offset := 1
	views := make([]ConicalView, 0, n)
	for i := 0; i < n; i++ {
		v, err := DecodeConicalView(b[offset:])
		if err != nil {
			return nil, 0, fmt.Errorf("view %d: %w", i, err)
		}
		views = append(views, v)
		offset += ConicalViewSize
	}
	return views, offset, nil
}

// Encode returns the entity query payload.
func (q OctreeQuery) Encode() ([]byte, error) {
	buf, err := EncodeViews(q.Views)
	if err != nil {
		return nil, err
	}
	buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(q.OctreeSizeScale))
	buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(q.BoundaryLevelAdjust))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(q.MaxQueryPacketsPerSecond))
	if q.ReportInitialCompletion {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	if len(buf) > MaxPayloadSize {
		return nil, fmt.Errorf("entity query: %w", ErrPayloadTooLarge)
	}
	return buf, nil
}

// DecodeOctreeQuery parses an entity query payload.
func DecodeOctreeQuery(b []byte) (OctreeQuery, error) {
	views, n, err := DecodeViews(b)
	if err != nil {
		return OctreeQuery{}, err
	}
	rest := b[n:]
	if len(rest) < octreeQueryTrailerSize {
		return OctreeQuery{}, fmt.Errorf("query parameters: %w", ErrShortPacket)
	}
	return OctreeQuery{
		Views:                    views,
		OctreeSizeScale:          math.Float32frombits(binary.LittleEndian.Uint32(rest[0:])),
		BoundaryLevelAdjust:      math.Float32frombits(binary.LittleEndian.Uint32(rest[4:])),
		MaxQueryPacketsPerSecond: int32(binary.LittleEndian.Uint32(rest[8:])),
		ReportInitialCompletion:  rest[12] != 0,
	}, nil
}
