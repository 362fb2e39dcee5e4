package ingest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zaptest"

	"github.com/woxQAQ/canvas-bridge/internal/metrics"
)

type testServer struct {
	server   *Server
	http     *httptest.Server
	producer string
	metrics  *metrics.Metrics
}

func newTestServer(t *testing.T, maxBytes int64) *testServer {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	dist := t.TempDir()
	if err := os.WriteFile(filepath.Join(dist, "index.html"), []byte("<html>viewer</html>"), 0o644); err != nil {
		t.Fatal(err)
	}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	s := NewServer(Options{
		DistDir:        dist,
		MaxBufferBytes: maxBytes,
		Gatherer:       reg,
		Metrics:        m,
		Logger:         zaptest.NewLogger(t),
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go s.ServeProducers(ctx, ln)

	hs := httptest.NewServer(s.Handler())
	t.Cleanup(hs.Close)
	return &testServer{server: s, http: hs, producer: ln.Addr().String(), metrics: m}
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/ws"
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestBufferLimit(t *testing.T) {
	b := NewBuffer(5)
	if n, err := b.Write([]byte("abc")); n != 3 || err != nil {
		t.Fatalf("Write() = %d, %v", n, err)
	}
	n, err := b.Write([]byte("defg"))
	if !errors.Is(err, ErrBufferFull) {
		t.Fatalf("Write() past limit error = %v, want ErrBufferFull", err)
	}
	if n != 2 {
		t.Errorf("Write() kept %d bytes, want 2", n)
	}
	if got := string(b.Since(0)); got != "abcde" {
		t.Errorf("buffer = %q, want abcde", got)
	}
	if got := string(b.Since(3)); got != "de" {
		t.Errorf("Since(3) = %q, want de", got)
	}
	if b.Since(5) != nil || b.Since(-1) != nil {
		t.Error("Since() out of range should be empty")
	}
}

func TestProducerToViewer(t *testing.T) {
	ts := newTestServer(t, 0)
	ctx := context.Background()
	trace := bytes.Repeat([]byte("spall"), 1000)

	if err := Send(ctx, ts.producer, trace); err != nil {
		t.Fatalf("Send() failed: %v", err)
	}
	eventually(t, "buffered trace", func() bool { return ts.server.Buffer().Len() == len(trace) })

	fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	got, err := Fetch(fetchCtx, ts.wsURL())
	if err != nil {
		t.Fatalf("Fetch() failed: %v", err)
	}
	if !bytes.Equal(got, trace) {
		t.Errorf("fetched %d bytes, want %d", len(got), len(trace))
	}

	if v := testutil.ToFloat64(ts.metrics.IngestProducers); v != 1 {
		t.Errorf("producers = %v, want 1", v)
	}
	if v := testutil.ToFloat64(ts.metrics.IngestBytes); v != float64(len(trace)) {
		t.Errorf("ingested bytes = %v, want %d", v, len(trace))
	}
	eventually(t, "ws out message", func() bool {
		return testutil.ToFloat64(ts.metrics.WSMessages.WithLabelValues("out")) == 1
	})
}

func TestStartResendsEverything(t *testing.T) {
	ts := newTestServer(t, 0)
	ts.server.Buffer().Write([]byte("first"))

	conn, _, err := websocket.DefaultDialer.Dial(ts.wsURL(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	read := func() string {
		t.Helper()
		if err := conn.WriteMessage(websocket.TextMessage, []byte(CommandStart)); err != nil {
			t.Fatal(err)
		}
		kind, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatal(err)
		}
		if kind != websocket.BinaryMessage {
			t.Fatalf("message kind = %d, want binary", kind)
		}
		return string(data)
	}

	if got := read(); got != "first" {
		t.Errorf("first reply = %q", got)
	}
	// Unknown commands get no reply.
	if err := conn.WriteMessage(websocket.TextMessage, []byte("status")); err != nil {
		t.Fatal(err)
	}
	ts.server.Buffer().Write([]byte("second"))
	if got := read(); got != "firstsecond" {
		t.Errorf("second reply = %q, want the whole buffer", got)
	}
}

func TestFetchWaitsForData(t *testing.T) {
	ts := newTestServer(t, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := Fetch(ctx, ts.wsURL()); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Fetch() on empty buffer = %v, want deadline exceeded", err)
	}
}

func TestOneProducerAtATime(t *testing.T) {
	ts := newTestServer(t, 0)

	first, err := net.Dial("tcp", ts.producer)
	if err != nil {
		t.Fatal(err)
	}
	defer first.Close()
	if _, err := first.Write([]byte("one")); err != nil {
		t.Fatal(err)
	}
	eventually(t, "first producer", func() bool { return ts.server.Buffer().Len() == 3 })

	second, err := net.Dial("tcp", ts.producer)
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()
	second.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := second.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Errorf("second producer read = %v, want EOF from a closed connection", err)
	}

	first.Close()
	eventually(t, "producer slot released", func() bool { return !ts.server.producing.Load() })
	if err := Send(context.Background(), ts.producer, []byte("two")); err != nil {
		t.Fatal(err)
	}
	eventually(t, "second stream", func() bool { return ts.server.Buffer().Len() == 6 })
}

func TestProducerDroppedWhenBufferFull(t *testing.T) {
	ts := newTestServer(t, 4)
	if err := Send(context.Background(), ts.producer, []byte("overflow")); err != nil {
		t.Fatal(err)
	}
	eventually(t, "producer dropped", func() bool {
		return ts.server.Buffer().Len() == 4 && !ts.server.producing.Load()
	})
}

func TestStaticAndMetricsRoutes(t *testing.T) {
	ts := newTestServer(t, 0)
	ts.metrics.RecordProducer()

	resp, err := http.Get(ts.http.URL + "/index.html")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "viewer") {
		t.Errorf("GET /index.html = %d %q", resp.StatusCode, body)
	}

	resp, err = http.Get(ts.http.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /metrics = %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "ingest_producers_total") {
		t.Errorf("metrics output missing producer counter:\n%s", body)
	}
}
