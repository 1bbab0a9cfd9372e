// Package squadsense is the pod-side emitter SDK. Gateway bridges embed it to
// forward sampled sensor frames to the ingest service.
//
// Frames are queued without blocking the sampling loop and shipped in
// length-delimited protobuf batches over HTTP:
//
//	emitter := squadsense.NewEmitter(
//	    squadsense.WithIngestURL("http://ingest.local:8084"),
//	    squadsense.WithToken(podToken),
//	)
//	ctx, cancel := context.WithCancel(context.Background())
//	go emitter.Run(ctx)
//	emitter.Capture(squadsense.Frame{PodSerial: 4417, RawTimestamp: ts, Readings: r})
//
// When the queue is full the newest frame is dropped — sampling cadence beats
// completeness on the pod side; the recording engine accounts for losses.
package squadsense

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Option is a functional option for NewEmitter.
type Option func(*Emitter)

// WithIngestURL sets the ingest service base URL.
func WithIngestURL(u string) Option {
	return func(e *Emitter) { e.ingestURL = strings.TrimRight(u, "/") }
}

// WithToken sets the bearer token sent with every batch. Pods obtain one from
// the sessions API token exchange.
func WithToken(tok string) Option { return func(e *Emitter) { e.token = tok } }

// WithBufferSize sets the capture queue capacity.
func WithBufferSize(n int) Option { return func(e *Emitter) { e.bufferSize = n } }

// WithFlushInterval sets how long a partial batch may wait before shipping.
func WithFlushInterval(d time.Duration) Option { return func(e *Emitter) { e.flushEvery = d } }

// WithBatchSize sets how many frames ship per POST.
func WithBatchSize(n int) Option { return func(e *Emitter) { e.batchSize = n } }

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option { return func(e *Emitter) { e.logger = l } }

// Emitter queues frames and ships them to the ingest service in a background
// goroutine. Construct with NewEmitter, then call Run(ctx) in a goroutine.
type Emitter struct {
	ingestURL  string
	token      string
	bufferSize int
	batchSize  int
	flushEvery time.Duration
	logger     *slog.Logger
	httpClient *http.Client

	queue chan Frame
}

// NewEmitter creates an Emitter. Call Run(ctx) in a goroutine to start shipping.
func NewEmitter(opts ...Option) *Emitter {
	e := &Emitter{
		ingestURL:  "http://127.0.0.1:8084",
		bufferSize: 8192,
		batchSize:  100,
		flushEvery: 250 * time.Millisecond,
		logger:     slog.Default(),
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
	for _, fn := range opts {
		fn(e)
	}
	if e.bufferSize <= 0 {
		e.bufferSize = 8192
	}
	if e.batchSize <= 0 {
		e.batchSize = 100
	}
	if e.flushEvery <= 0 {
		e.flushEvery = 250 * time.Millisecond
	}
	e.queue = make(chan Frame, e.bufferSize)
	return e
}

// Capture enqueues a frame. Non-blocking: the frame is dropped when the queue
// is full. CapturedNS is stamped with the current time when unset.
func (e *Emitter) Capture(f Frame) {
	if f.CapturedNS == 0 {
		f.CapturedNS = uint64(time.Now().UnixNano())
	}
	select {
	case e.queue <- f:
	default:
		e.logger.Warn("capture queue full — dropping frame", "pod", f.PodSerial)
	}
}

// Run drains the capture queue and ships batches. Blocks until ctx is
// cancelled; the tail of the current batch gets one bounded send on the way
// out.
func (e *Emitter) Run(ctx context.Context) {
	u := e.ingestURL + "/v1/frames"
	ticker := time.NewTicker(e.flushEvery)
	defer ticker.Stop()

	batch := make([]Frame, 0, e.batchSize)
	ship := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		body := make([]byte, 0, len(batch)*160)
		for i := range batch {
			body = appendDelimited(body, &batch[i])
		}
		if !e.postWithRetry(ctx, u, body, 3) {
			e.logger.Warn("frame batch dropped", "frames", len(batch))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			shipCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			ship(shipCtx)
			cancel()
			return
		case f := <-e.queue:
			batch = append(batch, f)
			if len(batch) >= e.batchSize {
				ship(ctx)
			}
		case <-ticker.C:
			ship(ctx)
		}
	}
}

// postWithRetry ships one batch body. Transport errors back off and retry;
// HTTP error statuses do not (a 4xx will not improve on resend).
func (e *Emitter) postWithRetry(ctx context.Context, u string, body []byte, max int) bool {
	delay := 50 * time.Millisecond
	for i := 0; i < max; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
		if err != nil {
			return false
		}
		req.Header.Set("Content-Type", "application/x-protobuf")
		if e.token != "" {
			req.Header.Set("Authorization", "Bearer "+e.token)
		}
		resp, err := e.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			time.Sleep(delay)
			delay *= 2
			continue
		}
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		resp.Body.Close()
		return resp.StatusCode >= 200 && resp.StatusCode < 300
	}
	return false
}
