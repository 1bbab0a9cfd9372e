package storage

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// QuestDBWriter implements RecordWriter for QuestDB via ILP over TCP.
//
// QuestDB accepts ILP (InfluxDB Line Protocol) over TCP on port 9009. ILP is
// a line-based text protocol QuestDB ingests at very high speed through its
// WAL engine:
//
//	measurement,tag_key=tag_val field_key=field_val timestamp_ns
//
// We use a single measurement "pod_samples" with session_id and pod_id as
// tags (stored as SYMBOL columns, so per-session and per-pod queries prune
// partitions without scanning).
type QuestDBWriter struct {
	conn    net.Conn
	mu      sync.Mutex // protects conn writes
	addr    string
	timeout time.Duration
}

// NewQuestDBWriter creates a persistent TCP connection to QuestDB's ILP endpoint.
// addr: "questdb-host:9009"
func NewQuestDBWriter(addr string) (*QuestDBWriter, error) {
	conn, err := dialILP(addr)
	if err != nil {
		return nil, fmt.Errorf("questdb connect %s: %w", addr, err)
	}
	return &QuestDBWriter{
		conn:    conn,
		addr:    addr,
		timeout: 5 * time.Second,
	}, nil
}

func dialILP(addr string) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return nil, err
	}
	// TCP_NODELAY: each batch should hit the wire immediately, not wait for Nagle.
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	return conn, nil
}

// InsertBatch serializes all records as ILP lines and sends them in a single
// TCP write. Single write = single syscall = minimum kernel crossing overhead.
func (w *QuestDBWriter) InsertBatch(_ context.Context, recs []SensorRecord) error {
	if len(recs) == 0 {
		return nil
	}
	// ~200 bytes per ILP line with 17 numeric fields.
	buf := bytes.NewBuffer(make([]byte, 0, len(recs)*200))
	for _, rec := range recs {
		appendLine(buf, rec)
	}
	return w.send(buf.Bytes())
}

// InsertOne writes a single record. Same wire path as InsertBatch; exists so
// the engine can retry records individually after a failed batch.
func (w *QuestDBWriter) InsertOne(_ context.Context, rec SensorRecord) error {
	buf := bytes.NewBuffer(make([]byte, 0, 200))
	appendLine(buf, rec)
	return w.send(buf.Bytes())
}

// appendLine renders one record as an ILP line:
//
//	pod_samples,session_id=…,pod_id=… elapsed_s=…,…,mag_z=… <ns>
func appendLine(buf *bytes.Buffer, rec SensorRecord) {
	buf.WriteString("pod_samples,session_id=")
	buf.WriteString(escapeILP(rec.SessionID))
	buf.WriteString(",pod_id=")
	buf.WriteString(escapeILP(rec.PodID))

	fmt.Fprintf(buf, " elapsed_s=%g,raw_ts=%g,battery=%g", rec.Elapsed, rec.RawTS, rec.Battery)
	fmt.Fprintf(buf, ",orient_x=%g,orient_y=%g,orient_z=%g", rec.OrientX, rec.OrientY, rec.OrientZ)
	fmt.Fprintf(buf, ",accel_x=%g,accel_y=%g,accel_z=%g", rec.AccelX, rec.AccelY, rec.AccelZ)
	fmt.Fprintf(buf, ",gyro_x=%g,gyro_y=%g,gyro_z=%g", rec.GyroX, rec.GyroY, rec.GyroZ)
	fmt.Fprintf(buf, ",mag_x=%g,mag_y=%g,mag_z=%g", rec.MagX, rec.MagY, rec.MagZ)

	fmt.Fprintf(buf, " %d\n", rec.CapturedAt.UnixNano())
}

// send writes raw ILP bytes with a write deadline. On failure it reconnects
// and retries once; a second failure is returned to the caller.
func (w *QuestDBWriter) send(b []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.conn.SetWriteDeadline(time.Now().Add(w.timeout))
	_, err := w.conn.Write(b)
	if err == nil {
		return nil
	}
	if reconnErr := w.reconnect(); reconnErr != nil {
		return fmt.Errorf("questdb write failed and reconnect failed: write=%w, reconnect=%v", err, reconnErr)
	}
	w.conn.SetWriteDeadline(time.Now().Add(w.timeout))
	if _, err = w.conn.Write(b); err != nil {
		return fmt.Errorf("questdb write after reconnect: %w", err)
	}
	return nil
}

func (w *QuestDBWriter) reconnect() error {
	if w.conn != nil {
		w.conn.Close()
	}
	conn, err := dialILP(w.addr)
	if err != nil {
		return err
	}
	w.conn = conn
	return nil
}

func (w *QuestDBWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		return w.conn.Close()
	}
	return nil
}

// escapeILP escapes special characters in ILP tag key/value strings.
// ILP tag values must not contain commas, spaces, or equals signs.
func escapeILP(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case ',', ' ', '=', '\n', '\r':
			out = append(out, '\\', s[i])
		default:
			out = append(out, s[i])
		}
	}
	return string(out)
}

// Ensure QuestDBWriter implements RecordWriter at compile time.
var _ RecordWriter = (*QuestDBWriter)(nil)
