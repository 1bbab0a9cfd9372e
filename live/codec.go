package main

import (
	"fmt"

	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/proto"
)

// ──────────────────────────────────────────────────────────────────────────────
// Custom gRPC codec — lets us use hand-rolled protobuf types without generated
// code. Overrides the default "proto" codec for this binary only.
// ──────────────────────────────────────────────────────────────────────────────

func init() {
	encoding.RegisterCodec(feedCodec{})
}

type feedCodec struct{}

func (feedCodec) Name() string { return "proto" }

func (feedCodec) Marshal(v any) ([]byte, error) {
	switch msg := v.(type) {
	case *SampleEvent:
		return encodeSampleEvent(msg), nil
	case *WatchRequest:
		return encodeWatchRequest(msg), nil
	case *rawFrame:
		return msg.data, nil
	default:
		if pm, ok := v.(proto.Message); ok {
			return proto.Marshal(pm)
		}
		return nil, fmt.Errorf("feedCodec: cannot marshal %T", v)
	}
}

func (feedCodec) Unmarshal(data []byte, v any) error {
	switch msg := v.(type) {
	case *WatchRequest:
		return decodeWatchRequestInto(data, msg)
	case *SampleEvent:
		return decodeSampleEventInto(data, msg)
	case *rawFrame:
		msg.data = append(msg.data[:0], data...)
		return nil
	default:
		if pm, ok := v.(proto.Message); ok {
			return proto.Unmarshal(data, pm)
		}
		return fmt.Errorf("feedCodec: cannot unmarshal into %T", v)
	}
}

// rawFrame wraps already-encoded protobuf bytes for pass-through streaming.
type rawFrame struct {
	data []byte
}

// ──────────────────────────────────────────────────────────────────────────────
// Feed message types — mirror proto/live/feed.proto field numbers.
// ──────────────────────────────────────────────────────────────────────────────

// WatchRequest opens a live feed for one session.
type WatchRequest struct {
	SessionID string   // field 1
	Pods      []uint32 // field 2, repeated pod serials (empty = all pods)
	MaxHz     uint32   // field 3, per-stream delivery cap (0 = unthrottled)
}

// SampleEvent is one delivered sample: the encoded PodFrame plus routing
// metadata. The frame bytes are passed through untouched from the bus.
type SampleEvent struct {
	SessionID string // field 1
	Frame     []byte // field 2, encoded frames.PodFrame
	ServerNS  uint64 // field 3, server send time, unix nanoseconds
}

func encodeWatchRequest(req *WatchRequest) []byte {
	var out []byte
	if req.SessionID != "" {
		out = appendProtoString(out, 1, req.SessionID)
	}
	if len(req.Pods) > 0 {
		var packed []byte
		for _, p := range req.Pods {
			packed = appendVarint(packed, uint64(p))
		}
		out = appendProtoBytes(out, 2, packed)
	}
	if req.MaxHz > 0 {
		out = appendProtoVarint(out, 3, uint64(req.MaxHz))
	}
	return out
}

func decodeWatchRequestInto(data []byte, req *WatchRequest) error {
	*req = WatchRequest{}
	pos := 0
	for pos < len(data) {
		tag, n := consumeVarint(data[pos:])
		if n == 0 {
			return fmt.Errorf("truncated tag at offset %d", pos)
		}
		pos += n
		fieldNum := tag >> 3
		wireType := tag & 0x7

		switch wireType {
		case 0:
			val, n2 := consumeVarint(data[pos:])
			if n2 == 0 {
				return fmt.Errorf("truncated varint field %d", fieldNum)
			}
			pos += n2
			switch fieldNum {
			case 2:
				req.Pods = append(req.Pods, uint32(val))
			case 3:
				req.MaxHz = uint32(val)
			}
		case 2:
			length, n2 := consumeVarint(data[pos:])
			if n2 == 0 {
				return fmt.Errorf("truncated length field %d", fieldNum)
			}
			pos += n2
			if length > uint64(len(data)-pos) {
				return fmt.Errorf("field %d overruns buffer", fieldNum)
			}
			b := data[pos : pos+int(length)]
			switch fieldNum {
			case 1:
				req.SessionID = string(b)
			case 2:
				// Packed repeated varints.
				subPos := 0
				for subPos < len(b) {
					val, n3 := consumeVarint(b[subPos:])
					if n3 == 0 {
						return fmt.Errorf("truncated packed pod id")
					}
					subPos += n3
					req.Pods = append(req.Pods, uint32(val))
				}
			}
			pos += int(length)
		default:
			return fmt.Errorf("unsupported wire type %d", wireType)
		}
	}
	return nil
}

func encodeSampleEvent(ev *SampleEvent) []byte {
	out := make([]byte, 0, len(ev.Frame)+len(ev.SessionID)+24)
	if ev.SessionID != "" {
		out = appendProtoString(out, 1, ev.SessionID)
	}
	if len(ev.Frame) > 0 {
		out = appendProtoBytes(out, 2, ev.Frame)
	}
	if ev.ServerNS > 0 {
		out = appendProtoVarint(out, 3, ev.ServerNS)
	}
	return out
}

func decodeSampleEventInto(data []byte, ev *SampleEvent) error {
	*ev = SampleEvent{}
	pos := 0
	for pos < len(data) {
		tag, n := consumeVarint(data[pos:])
		if n == 0 {
			return fmt.Errorf("truncated tag at offset %d", pos)
		}
		pos += n
		fieldNum := tag >> 3
		wireType := tag & 0x7

		switch wireType {
		case 0:
			val, n2 := consumeVarint(data[pos:])
			if n2 == 0 {
				return fmt.Errorf("truncated varint field %d", fieldNum)
			}
			pos += n2
			if fieldNum == 3 {
				ev.ServerNS = val
			}
		case 2:
			length, n2 := consumeVarint(data[pos:])
			if n2 == 0 {
				return fmt.Errorf("truncated length field %d", fieldNum)
			}
			pos += n2
			if length > uint64(len(data)-pos) {
				return fmt.Errorf("field %d overruns buffer", fieldNum)
			}
			b := data[pos : pos+int(length)]
			switch fieldNum {
			case 1:
				ev.SessionID = string(b)
			case 2:
				ev.Frame = append([]byte(nil), b...)
			}
			pos += int(length)
		default:
			return fmt.Errorf("unsupported wire type %d", wireType)
		}
	}
	return nil
}

// peekPodID extracts the pod serial (field 1 varint) from an encoded PodFrame
// without a full decode. Returns 0 if the field is absent or malformed.
func peekPodID(data []byte) uint32 {
	pos := 0
	for pos < len(data) {
		tag, n := consumeVarint(data[pos:])
		if n == 0 {
			return 0
		}
		pos += n
		fieldNum := tag >> 3
		wireType := tag & 0x7

		if fieldNum == 1 && wireType == 0 {
			val, n2 := consumeVarint(data[pos:])
			if n2 == 0 {
				return 0
			}
			return uint32(val)
		}

		switch wireType {
		case 0:
			_, n2 := consumeVarint(data[pos:])
			if n2 == 0 {
				return 0
			}
			pos += n2
		case 1:
			pos += 8
		case 2:
			length, n2 := consumeVarint(data[pos:])
			if n2 == 0 || length > uint64(len(data)-pos-n2) {
				return 0
			}
			pos += n2 + int(length)
		case 5:
			pos += 4
		default:
			return 0
		}
	}
	return 0
}

// ──────────────────────────────────────────────────────────────────────────────
// Proto encoding helpers (manual, matches generated output)
// ──────────────────────────────────────────────────────────────────────────────

func appendProtoVarint(out []byte, fieldNum uint32, val uint64) []byte {
	out = appendVarint(out, uint64(fieldNum<<3|0)) // wire type 0
	return appendVarint(out, val)
}

func appendProtoString(out []byte, fieldNum uint32, s string) []byte {
	out = appendVarint(out, uint64(fieldNum<<3|2)) // wire type 2
	out = appendVarint(out, uint64(len(s)))
	return append(out, s...)
}

func appendProtoBytes(out []byte, fieldNum uint32, b []byte) []byte {
	out = appendVarint(out, uint64(fieldNum<<3|2)) // wire type 2
	out = appendVarint(out, uint64(len(b)))
	return append(out, b...)
}

func appendVarint(out []byte, v uint64) []byte {
	for v >= 0x80 {
		out = append(out, byte(v)|0x80)
		v >>= 7
	}
	return append(out, byte(v))
}

func consumeVarint(data []byte) (uint64, int) {
	var result uint64
	for i, b := range data {
		result |= uint64(b&0x7F) << (7 * uint(i))
		if b&0x80 == 0 {
			return result, i + 1
		}
		if i >= 9 {
			return 0, 0
		}
	}
	return 0, 0
}
