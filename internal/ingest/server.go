package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/woxQAQ/canvas-bridge/internal/metrics"
)

// CommandStart asks the server to send everything buffered so far.
const CommandStart = "start"

const (
	readChunkSize   = 1 << 20
	shutdownTimeout = 5 * time.Second
)

// Options configures a Server.
type Options struct {
	// ServerAddr serves the viewer: /ws, /metrics and the dist directory.
	ServerAddr string
	// IngestAddr accepts the producer's raw TCP stream.
	IngestAddr     string
	DistDir        string
	MaxBufferBytes int64
	Debug          bool
	Gatherer       prometheus.Gatherer
	Metrics        *metrics.Metrics
	Logger         *zap.Logger
}

// Server buffers one producer's stream at a time and replays it to
// websocket clients.
type Server struct {
	opts     Options
	buffer   *Buffer
	router   *gin.Engine
	upgrader websocket.Upgrader
	metrics  *metrics.Metrics
	logger   *zap.Logger

	producing atomic.Bool
	clients   atomic.Int32
}

// NewServer creates a server. Nothing listens until Run or
// ServeProducers.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.DistDir == "" {
		opts.DistDir = "./dist"
	}
	s := &Server{
		opts:   opts,
		buffer: NewBuffer(opts.MaxBufferBytes),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		metrics: opts.Metrics,
		logger:  opts.Logger.With(zap.String("component", "ingest")),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	if !s.opts.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(s.logger))

	router.GET("/ws", s.handleWS)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})))
	router.NoRoute(gin.WrapH(http.FileServer(http.Dir(s.opts.DistDir))))
	return router
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)))
	}
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Buffer returns the trace buffer.
func (s *Server) Buffer() *Buffer {
	return s.buffer
}

// Run serves HTTP and producers until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.IngestAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.opts.IngestAddr, err)
	}
	srv := &http.Server{
		Addr:              s.opts.ServerAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("Serving viewer", zap.String("addr", s.opts.ServerAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return s.ServeProducers(gctx, ln)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// ServeProducers accepts producer connections on ln until ctx is done.
// Only one producer streams at a time; others are closed on arrival.
func (s *Server) ServeProducers(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	s.logger.Info("Listening for trace producers", zap.String("addr", ln.Addr().String()))

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		if !s.producing.CompareAndSwap(false, true) {
			s.logger.Warn("Rejecting producer, another one is streaming",
				zap.String("remote", conn.RemoteAddr().String()))
			conn.Close()
			continue
		}
		s.metrics.RecordProducer()
		go s.handleProducer(conn)
	}
}

func (s *Server) handleProducer(conn net.Conn) {
	defer s.producing.Store(false)
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	s.logger.Info("Producer connected", zap.String("remote", remote))

	chunk := make([]byte, readChunkSize)
	total := 0
	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			written, werr := s.buffer.Write(chunk[:n])
			total += written
			s.metrics.RecordIngestBytes(written)
			if werr != nil {
				s.logger.Error("Dropping producer", zap.String("remote", remote), zap.Error(werr))
				return
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			s.logger.Warn("Producer read failed", zap.String("remote", remote), zap.Error(err))
			break
		}
	}
	s.logger.Info("Producer finished", zap.String("remote", remote), zap.Int("bytes", total))
}

// handleWS replies to each start command with everything buffered so far
// as one binary message. Nothing is sent while the buffer is empty.
func (s *Server) handleWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	s.metrics.SetWSConnections(int(s.clients.Add(1)))
	defer func() { s.metrics.SetWSConnections(int(s.clients.Add(-1))) }()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("WebSocket read ended", zap.Error(err))
			}
			return
		}
		s.metrics.RecordWSMessage("in")

		if cmd := string(data); cmd != CommandStart {
			s.logger.Debug("Ignoring websocket command", zap.String("command", cmd))
			continue
		}

		message := s.buffer.Since(0)
		if len(message) == 0 {
			continue
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, message); err != nil {
			s.logger.Warn("WebSocket write failed", zap.Error(err))
			return
		}
		s.metrics.RecordWSMessage("out")
		s.logger.Debug("Sent trace", zap.Int("bytes", len(message)))
	}
}
