package squadsense

import (
	"encoding/binary"
	"math"
)

// NumReadings is the sensor reading count a healthy pod reports per frame:
// orientation xyz, acceleration xyz, gyro xyz, magnetometer xyz.
const NumReadings = 12

// Frame is one pod sample. The wire schema (squadsense.v1.PodFrame) is shared
// with the ingest side:
//
//	1: pod_serial   uint32   varint
//	2: raw_ts       double   fixed64    pod monotonic clock, seconds
//	3: battery      float    fixed32    percent
//	4: readings     repeated double, packed (12 values)
//	5: captured_ns  uint64   varint     capture time, unix ns
//	6: session_hint string              optional operator session tag
type Frame struct {
	PodSerial    uint32
	RawTimestamp float64
	Battery      float32
	Readings     []float64
	CapturedNS   uint64
	SessionHint  string
}

// encode serializes the frame to protobuf wire bytes. Zero-valued fields are
// omitted (proto3 semantics).
func (f *Frame) encode() []byte {
	buf := make([]byte, 0, 32+8*len(f.Readings))

	if f.PodSerial != 0 {
		buf = appendTag(buf, 1, 0)
		buf = binary.AppendUvarint(buf, uint64(f.PodSerial))
	}
	if f.RawTimestamp != 0 {
		buf = appendTag(buf, 2, 1)
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(f.RawTimestamp))
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

// appendDelimited appends the frame with a varint length prefix — the batch
// body format POST /v1/frames expects.
func appendDelimited(dst []byte, f *Frame) []byte {
	b := f.encode()
	dst = binary.AppendUvarint(dst, uint64(len(b)))
	return append(dst, b...)
}

func appendTag(dst []byte, fieldNum, wireType uint64) []byte {
	return binary.AppendUvarint(dst, fieldNum<<3|wireType)
}
