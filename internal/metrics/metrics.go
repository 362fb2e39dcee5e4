// Package metrics holds the Prometheus collectors of the bridge.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "canvas_bridge"

// Metrics holds all Prometheus metrics. A nil *Metrics records nothing.
type Metrics struct {
	// Frame scheduler metrics
	Frames        prometheus.Counter
	FrameDuration prometheus.Histogram
	WakeUps       *prometheus.CounterVec
	FrameFailures prometheus.Counter

	// Chunk loader metrics
	Chunks          prometheus.Counter
	ChunkBytes      prometheus.Counter
	ChunkReadErrors prometheus.Counter
	ChunksDropped   prometheus.Counter
	ChunkQueue      prometheus.Gauge

	// Bridge metrics
	Fatals        *prometheus.CounterVec
	CursorUpdates prometheus.Counter

	// Ingest metrics
	IngestProducers prometheus.Counter
	IngestBytes     prometheus.Counter
	WSConnections   prometheus.Gauge
	WSMessages      *prometheus.CounterVec
}

// New registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Frames: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Total number of guest frame calls",
		}),
		FrameDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "frame_duration_seconds",
			Help:      "Duration of guest frame calls",
			Buckets:   []float64{.0005, .001, .002, .004, .008, .016, .033, .066, .1, .25},
		}),
		WakeUps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wakeups_total",
			Help:      "Wake requests by outcome (scheduled or coalesced)",
		}, []string{"outcome"}),
		FrameFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frame_failures_total",
			Help:      "Frame calls that failed and stopped the loop",
		}),

		Chunks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_delivered_total",
			Help:      "File chunks delivered to the guest",
		}),
		ChunkBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_bytes_total",
			Help:      "Bytes delivered to the guest in file chunks",
		}),
		ChunkReadErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_read_errors_total",
			Help:      "File chunk reads that failed",
		}),
		ChunksDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_dropped_total",
			Help:      "Chunk completions ignored because their session was abandoned",
		}),
		ChunkQueue: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "chunk_queue_length",
			Help:      "Chunk requests waiting behind the read in flight",
		}),

		Fatals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fatal_total",
			Help:      "Terminal failures by fatal code",
		}, []string{"code"}),
		CursorUpdates: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cursor_updates_total",
			Help:      "Cursor changes sent after deduplication",
		}),

		IngestProducers: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_producers_total",
			Help:      "Trace producer connections accepted",
		}),
		IngestBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_bytes_total",
			Help:      "Trace bytes received from producers",
		}),
		WSConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connections",
			Help:      "Open websocket viewer connections",
		}),
		WSMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "Websocket messages by direction",
		}, []string{"direction"}),
	}
}

// RecordFrame records one frame call.
func (m *Metrics) RecordFrame(d time.Duration) {
	if m == nil {
		return
	}
	m.Frames.Inc()
	m.FrameDuration.Observe(d.Seconds())
}

// RecordWakeUp records a wake request; coalesced is true when a frame was
// already scheduled.
func (m *Metrics) RecordWakeUp(coalesced bool) {
	if m == nil {
		return
	}
	outcome := "scheduled"
	if coalesced {
		outcome = "coalesced"
	}
	m.WakeUps.WithLabelValues(outcome).Inc()
}

// RecordFrameFailure records a frame call that stopped the loop.
func (m *Metrics) RecordFrameFailure() {
	if m == nil {
		return
	}
	m.FrameFailures.Inc()
}

// RecordChunk records a chunk delivered to the guest.
func (m *Metrics) RecordChunk(n int) {
	if m == nil {
		return
	}
	m.Chunks.Inc()
	m.ChunkBytes.Add(float64(n))
}

// RecordChunkReadError records a failed chunk read.
func (m *Metrics) RecordChunkReadError() {
	if m == nil {
		return
	}
	m.ChunkReadErrors.Inc()
}

// RecordChunkDropped records a completion of an abandoned session.
func (m *Metrics) RecordChunkDropped() {
	if m == nil {
		return
	}
	m.ChunksDropped.Inc()
}

// SetChunkQueue sets the number of queued chunk requests.
func (m *Metrics) SetChunkQueue(n int) {
	if m == nil {
		return
	}
	m.ChunkQueue.Set(float64(n))
}

// RecordFatal records a terminal failure.
func (m *Metrics) RecordFatal(code int32) {
	if m == nil {
		return
	}
	m.Fatals.WithLabelValues(strconv.Itoa(int(code))).Inc()
}

// RecordCursorUpdate records a cursor change that was sent.
func (m *Metrics) RecordCursorUpdate() {
	if m == nil {
		return
	}
	m.CursorUpdates.Inc()
}

// RecordProducer records an accepted producer connection.
func (m *Metrics) RecordProducer() {
	if m == nil {
		return
	}
	m.IngestProducers.Inc()
}

// RecordIngestBytes records bytes received from a producer.
func (m *Metrics) RecordIngestBytes(n int) {
	if m == nil {
		return
	}
	m.IngestBytes.Add(float64(n))
}

// SetWSConnections sets the number of open websocket connections.
func (m *Metrics) SetWSConnections(n int) {
	if m == nil {
		return
	}
	m.WSConnections.Set(float64(n))
}

// RecordWSMessage records a websocket message; direction is "in" or "out".
func (m *Metrics) RecordWSMessage(direction string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction).Inc()
}
