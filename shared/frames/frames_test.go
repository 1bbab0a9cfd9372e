package frames

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFrame() *PodFrame {
	return &PodFrame{
		PodID:   4417,
		RawTS:   12.345,
		Battery: 81.5,
		Readings: []float64{
			1.0, -2.0, 3.0, // orient
			0.1, 9.81, -0.3, // accel
			0.01, 0.02, -0.03, // gyro
			22.0, -11.0, 5.5, // mag
		},
		CapturedNS:  1700000000123456789,
		SessionHint: "warmup",
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := testFrame()
	out, err := Decode(in.Encode())
	require.NoError(t, err, "well-formed frame should decode")

	assert.Equal(t, in.PodID, out.PodID, "pod id survives the round trip")
	assert.Equal(t, in.RawTS, out.RawTS, "raw timestamp survives the round trip")
	assert.Equal(t, in.Battery, out.Battery, "battery survives the round trip")
	assert.Equal(t, in.Readings, out.Readings, "all 12 readings survive the round trip")
	assert.Equal(t, in.CapturedNS, out.CapturedNS, "capture time survives the round trip")
	assert.Equal(t, in.SessionHint, out.SessionHint, "session hint survives the round trip")
}

func TestSampleLayout(t *testing.T) {
	s := testFrame().Sample()
	require.Len(t, s, 15, "complete frame flattens to the 15-element array")
	assert.Equal(t, 4417.0, s[0], "element 0 is the pod id")
	assert.Equal(t, 12.345, s[1], "element 1 is the raw timestamp")
	assert.Equal(t, float64(float32(81.5)), s[2], "element 2 is the battery level")
	assert.Equal(t, 9.81, s[7], "accel Y sits at index 7")
	assert.Equal(t, 5.5, s[14], "mag Z sits at index 14")
}

func TestDecodeTruncated(t *testing.T) {
	b := testFrame().Encode()
	_, err := Decode(b[:len(b)-3])
	assert.Error(t, err, "truncated frame must not decode")

	_, err = Decode([]byte{0x22, 0x05, 0x01, 0x02}) // claims 5 bytes, has 2
	assert.Error(t, err, "length field past the buffer must error")
}

func TestDecodeSkipsUnknownFields(t *testing.T) {
	b := testFrame().Encode()
	// field 9, varint, value 7 — a newer pod firmware extension
	b = append(b, 0x48, 0x07)
	f, err := Decode(b)
	require.NoError(t, err, "unknown varint fields are skipped")
	assert.Equal(t, uint32(4417), f.PodID, "known fields still decode around unknowns")
}

func TestDelimitedBatch(t *testing.T) {
	a, b := testFrame(), testFrame()
	b.PodID = 4418
	b.SessionHint = ""

	var buf []byte
	buf = AppendDelimited(buf, a)
	buf = AppendDelimited(buf, b)

	out, err := DecodeDelimited(buf)
	require.NoError(t, err, "delimited batch should decode")
	require.Len(t, out, 2, "both frames should come back")
	assert.Equal(t, uint32(4417), out[0].PodID, "first frame intact")
	assert.Equal(t, uint32(4418), out[1].PodID, "second frame intact")

	_, err = DecodeDelimited(buf[:len(buf)-2])
	assert.Error(t, err, "truncated batch must error")
}

func TestPartialFrameYieldsShortSample(t *testing.T) {
	f := &PodFrame{PodID: 9, RawTS: 1.5, Battery: 50, Readings: []float64{1, 2, 3}}
	out, err := Decode(f.Encode())
	require.NoError(t, err, "a short frame is wire-valid")
	assert.Len(t, out.Sample(), 6, "short frames flatten short; the engine rejects them")
}
