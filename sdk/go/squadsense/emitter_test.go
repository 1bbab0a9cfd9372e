package squadsense

import (
	"context"
	"encoding/binary"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// decodeTestFrame walks the wire bytes the way the server does, so encoding
// bugs fail here instead of at the ingest boundary.
func decodeTestFrame(t *testing.T, data []byte) Frame {
	t.Helper()
	var f Frame
	pos := 0
	for pos < len(data) {
		tag, n := binary.Uvarint(data[pos:])
		if n <= 0 {
			t.Fatalf("truncated tag at offset %d", pos)
		}
		pos += n
		fieldNum := tag >> 3
		switch tag & 0x7 {
		case 0:
			val, n2 := binary.Uvarint(data[pos:])
			if n2 <= 0 {
				t.Fatalf("truncated varint field %d", fieldNum)
			}
			pos += n2
			switch fieldNum {
			case 1:
				f.PodSerial = uint32(val)
			case 5:
				f.CapturedNS = val
			}
		case 1:
			bits := binary.LittleEndian.Uint64(data[pos : pos+8])
			pos += 8
			if fieldNum == 2 {
				f.RawTimestamp = math.Float64frombits(bits)
			}
		case 2:
			length, n2 := binary.Uvarint(data[pos:])
			if n2 <= 0 {
				t.Fatalf("truncated length field %d", fieldNum)
			}
			pos += n2
			b := data[pos : pos+int(length)]
			pos += int(length)
			switch fieldNum {
			case 4:
				for i := 0; i < len(b); i += 8 {
					f.Readings = append(f.Readings, math.Float64frombits(binary.LittleEndian.Uint64(b[i:i+8])))
				}
			case 6:
				f.SessionHint = string(b)
			}
		case 5:
			bits := binary.LittleEndian.Uint32(data[pos : pos+4])
			pos += 4
			if fieldNum == 3 {
				f.Battery = math.Float32frombits(bits)
			}
		default:
			t.Fatalf("unexpected wire type %d", tag&0x7)
		}
	}
	return f
}

// splitDelimited splits a batch body into per-frame byte slices.
func splitDelimited(t *testing.T, body []byte) [][]byte {
	t.Helper()
	var out [][]byte
	pos := 0
	for pos < len(body) {
		length, n := binary.Uvarint(body[pos:])
		if n <= 0 {
			t.Fatalf("truncated frame length at offset %d", pos)
		}
		pos += n
		out = append(out, body[pos:pos+int(length)])
		pos += int(length)
	}
	return out
}

func testReadings() []float64 {
	r := make([]float64, NumReadings)
	for i := range r {
		r[i] = float64(i) / 4
	}
	return r
}

func TestFrameEncodeRoundTrip(t *testing.T) {
	in := Frame{
		PodSerial:    4417,
		RawTimestamp: 123456.78,
		Battery:      87.5,
		Readings:     testReadings(),
		CapturedNS:   1_700_000_000_000_000_001,
		SessionHint:  "u19-scrimmage",
	}

	got := decodeTestFrame(t, in.encode())

	if got.PodSerial != in.PodSerial {
		t.Errorf("pod serial: got %d, want %d", got.PodSerial, in.PodSerial)
	}
	if got.RawTimestamp != in.RawTimestamp {
		t.Errorf("raw timestamp: got %v, want %v", got.RawTimestamp, in.RawTimestamp)
	}
	if got.Battery != in.Battery {
		t.Errorf("battery: got %v, want %v", got.Battery, in.Battery)
	}
	if len(got.Readings) != NumReadings {
		t.Fatalf("readings: got %d, want %d", len(got.Readings), NumReadings)
	}
	for i := range got.Readings {
		if got.Readings[i] != in.Readings[i] {
			t.Errorf("reading %d: got %v, want %v", i, got.Readings[i], in.Readings[i])
		}
	}
	if got.CapturedNS != in.CapturedNS {
		t.Errorf("captured ns: got %d, want %d", got.CapturedNS, in.CapturedNS)
	}
	if got.SessionHint != in.SessionHint {
		t.Errorf("session hint: got %q, want %q", got.SessionHint, in.SessionHint)
	}
}

func TestCaptureStampsTime(t *testing.T) {
	e := NewEmitter(WithBufferSize(4))
	e.Capture(Frame{PodSerial: 1, Readings: testReadings()})

	f := <-e.queue
	if f.CapturedNS == 0 {
		t.Error("CapturedNS not stamped")
	}
}

func TestCaptureDropsWhenFull(t *testing.T) {
	e := NewEmitter(WithBufferSize(2))
	for i := 0; i < 5; i++ {
		e.Capture(Frame{PodSerial: uint32(i + 1)})
	}
	if got := len(e.queue); got != 2 {
		t.Errorf("queue length: got %d, want 2", got)
	}
}

// batchSink records every POST body and header for assertions.
type batchSink struct {
	mu     sync.Mutex
	bodies [][]byte
	auths  []string
}

func (s *batchSink) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		s.bodies = append(s.bodies, body)
		s.auths = append(s.auths, r.Header.Get("Authorization"))
		s.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}
}

func (s *batchSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bodies)
}

func waitUntil(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestRunShipsFullBatches(t *testing.T) {
	sink := &batchSink{}
	srv := httptest.NewServer(sink.handler())
	defer srv.Close()

	e := NewEmitter(
		WithIngestURL(srv.URL),
		WithToken("pod-token"),
		WithBatchSize(3),
		WithFlushInterval(time.Hour),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	for i := 0; i < 6; i++ {
		e.Capture(Frame{PodSerial: uint32(4000 + i), Readings: testReadings()})
	}

	waitUntil(t, 2*time.Second, func() bool { return sink.count() == 2 })

	sink.mu.Lock()
	defer sink.mu.Unlock()
	for _, body := range sink.bodies {
		if got := len(splitDelimited(t, body)); got != 3 {
			t.Errorf("frames per batch: got %d, want 3", got)
		}
	}
	for _, a := range sink.auths {
		if a != "Bearer pod-token" {
			t.Errorf("auth header: got %q", a)
		}
	}

	first := decodeTestFrame(t, splitDelimited(t, sink.bodies[0])[0])
	if first.PodSerial != 4000 {
		t.Errorf("first frame pod: got %d, want 4000", first.PodSerial)
	}
}

func TestRunFlushesPartialBatchOnInterval(t *testing.T) {
	sink := &batchSink{}
	srv := httptest.NewServer(sink.handler())
	defer srv.Close()

	e := NewEmitter(
		WithIngestURL(srv.URL),
		WithBatchSize(100),
		WithFlushInterval(30*time.Millisecond),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	e.Capture(Frame{PodSerial: 1, Readings: testReadings()})
	e.Capture(Frame{PodSerial: 2, Readings: testReadings()})

	waitUntil(t, 2*time.Second, func() bool { return sink.count() >= 1 })

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if got := len(splitDelimited(t, sink.bodies[0])); got != 2 {
		t.Errorf("frames in interval flush: got %d, want 2", got)
	}
}

func TestRunShipsTailOnCancel(t *testing.T) {
	sink := &batchSink{}
	srv := httptest.NewServer(sink.handler())
	defer srv.Close()

	e := NewEmitter(
		WithIngestURL(srv.URL),
		WithBatchSize(100),
		WithFlushInterval(time.Hour),
	)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()

	e.Capture(Frame{PodSerial: 7, Readings: testReadings()})
	e.Capture(Frame{PodSerial: 8, Readings: testReadings()})

	// Let Run pull both frames into its batch before cancelling.
	waitUntil(t, 2*time.Second, func() bool { return len(e.queue) == 0 })
	cancel()
	<-done

	if sink.count() != 1 {
		t.Fatalf("posts after cancel: got %d, want 1", sink.count())
	}
	if got := len(splitDelimited(t, sink.bodies[0])); got != 2 {
		t.Errorf("frames in tail flush: got %d, want 2", got)
	}
}

func TestPostDoesNotRetryHTTPErrors(t *testing.T) {
	var calls int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	e := NewEmitter(WithIngestURL(srv.URL))
	ok := e.postWithRetry(context.Background(), srv.URL+"/v1/frames", []byte{1}, 3)

	if ok {
		t.Error("expected failure on 400")
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("calls: got %d, want 1 (no retry on HTTP status)", calls)
	}
}
