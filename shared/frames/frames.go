// Package frames implements the pod sample wire format.
//
// Pods (and the gateway bridges in front of them) emit protobuf-encoded
// PodFrame messages. The schema is small and frozen, so the codec is a
// hand-rolled wire walk instead of generated code — no proto toolchain in the
// firmware build, and unknown fields from newer pods are skipped safely.
//
// Schema (squadsense.v1.PodFrame):
//
//	1: pod_id       uint32   varint     pod serial number
//	2: raw_ts       double   fixed64    pod monotonic clock, seconds
//	3: battery      float    fixed32    percent
//	4: readings     repeated double, packed — orient xyz, accel xyz,
//	                                    gyro xyz, mag xyz (12 values)
//	5: captured_ns  uint64   varint     gateway receive time, unix ns
//	6: session_hint string              optional operator session tag
package frames

import (
	"encoding/binary"
	"fmt"
	"math"
)

// NumReadings is the sensor reading count a healthy pod reports per frame.
const NumReadings = 12

// PodFrame is one decoded sample frame.
type PodFrame struct {
	PodID       uint32
	RawTS       float64
	Battery     float32
	Readings    []float64
	CapturedNS  uint64
	SessionHint string
}

// Sample flattens the frame into the positional array the recording engine
// ingests: [podID, rawTS, battery, readings...]. A complete frame yields 15
// elements; the engine rejects shorter ones.
func (f *PodFrame) Sample() []float64 {
	out := make([]float64, 0, 3+len(f.Readings))
	out = append(out, float64(f.PodID), f.RawTS, float64(f.Battery))
	return append(out, f.Readings...)
}

// Encode serializes the frame. Zero-valued fields are omitted (proto3
// semantics); decoding fills them back in as zeros.
func (f *PodFrame) Encode() []byte {
	buf := make([]byte, 0, 32+8*len(f.Readings))

	if f.PodID != 0 {
		buf = appendTag(buf, 1, 0)
		buf = binary.AppendUvarint(buf, uint64(f.PodID))
	}
	if f.RawTS != 0 {
		buf = appendTag(buf, 2, 1)
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(f.RawTS))
	}
	if f.Battery != 0 {
		buf = appendTag(buf, 3, 5)
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(f.Battery))
	}
	if len(f.Readings) > 0 {
		buf = appendTag(buf, 4, 2)
		buf = binary.AppendUvarint(buf, uint64(8*len(f.Readings)))
		for _, r := range f.Readings {
			buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(r))
		}
	}
	if f.CapturedNS != 0 {
		buf = appendTag(buf, 5, 0)
		buf = binary.AppendUvarint(buf, f.CapturedNS)
	}
	if f.SessionHint != "" {
		buf = appendTag(buf, 6, 2)
		buf = binary.AppendUvarint(buf, uint64(len(f.SessionHint)))
		buf = append(buf, f.SessionHint...)
	}
	return buf
}

// Decode parses a single PodFrame from protobuf wire bytes.
func Decode(data []byte) (*PodFrame, error) {
	f := &PodFrame{}
	pos := 0
	for pos < len(data) {
		tag, n := consumeVarint(data[pos:])
		if n == 0 {
			return nil, fmt.Errorf("truncated tag at offset %d", pos)
		}
		pos += n
		fieldNum := tag >> 3
		wireType := tag & 0x7

		switch wireType {
		case 0: // varint
			val, n2 := consumeVarint(data[pos:])
			if n2 == 0 {
				return nil, fmt.Errorf("truncated varint field %d", fieldNum)
			}
			pos += n2
			switch fieldNum {
			case 1:
				f.PodID = uint32(val)
			case 5:
				f.CapturedNS = val
			}

		case 1: // 64-bit fixed (double)
			if pos+8 > len(data) {
				return nil, fmt.Errorf("truncated fixed64 field %d", fieldNum)
			}
			bits := binary.LittleEndian.Uint64(data[pos : pos+8])
			pos += 8
			switch fieldNum {
			case 2:
				f.RawTS = math.Float64frombits(bits)
			case 4:
				// Unpacked repeated double from older gateway firmware
				f.Readings = append(f.Readings, math.Float64frombits(bits))
			}

		case 2: // length-delimited (string, bytes, packed repeated)
			length, n2 := consumeVarint(data[pos:])
			if n2 == 0 {
				return nil, fmt.Errorf("truncated length field %d", fieldNum)
			}
			pos += n2
			if length > uint64(len(data)-pos) {
				return nil, fmt.Errorf("truncated bytes field %d", fieldNum)
			}
			end := pos + int(length)
			b := data[pos:end]
			pos = end
			switch fieldNum {
			case 4:
				if len(b)%8 != 0 {
					return nil, fmt.Errorf("packed readings length %d not a multiple of 8", len(b))
				}
				for i := 0; i < len(b); i += 8 {
					bits := binary.LittleEndian.Uint64(b[i : i+8])
					f.Readings = append(f.Readings, math.Float64frombits(bits))
				}
			case 6:
				f.SessionHint = string(b)
			}

		case 5: // 32-bit fixed (float)
			if pos+4 > len(data) {
				return nil, fmt.Errorf("truncated fixed32 field %d", fieldNum)
			}
			bits := binary.LittleEndian.Uint32(data[pos : pos+4])
			pos += 4
			switch fieldNum {
			case 3:
				f.Battery = math.Float32frombits(bits)
			}

		default:
			return nil, fmt.Errorf("unsupported wire type %d at field %d", wireType, fieldNum)
		}
	}
	return f, nil
}

// AppendDelimited appends the frame with a varint length prefix. Gateways and
// the SDK batch frames this way in HTTP bodies.
func AppendDelimited(dst []byte, f *PodFrame) []byte {
	b := f.Encode()
	dst = binary.AppendUvarint(dst, uint64(len(b)))
	return append(dst, b...)
}

// DecodeDelimited parses a varint-length-prefixed sequence of frames.
func DecodeDelimited(data []byte) ([]*PodFrame, error) {
	var out []*PodFrame
	pos := 0
	for pos < len(data) {
		length, n := consumeVarint(data[pos:])
		if n == 0 {
			return nil, fmt.Errorf("truncated frame length at offset %d", pos)
		}
		pos += n
		if length > uint64(len(data)-pos) {
			return nil, fmt.Errorf("frame length %d exceeds remaining %d bytes", length, len(data)-pos)
		}
		end := pos + int(length)
		f, err := Decode(data[pos:end])
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", len(out), err)
		}
		out = append(out, f)
		pos = end
	}
	return out, nil
}

func appendTag(dst []byte, fieldNum, wireType uint64) []byte {
	return binary.AppendUvarint(dst, fieldNum<<3|wireType)
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
