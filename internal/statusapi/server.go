// Package statusapi exposes the worker pool over HTTP: status, frontiers,
// pool control, prometheus metrics and a websocket event stream.
package statusapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/kingrea/srdesk/internal/events"
	"github.com/kingrea/srdesk/internal/pool"
	"github.com/kingrea/srdesk/internal/results"
)

// ServerStatus reports runtime lifecycle states for the HTTP server.
type ServerStatus string

const (
	StatusStarting ServerStatus = "starting"
	StatusReady    ServerStatus = "ready"
	StatusDraining ServerStatus = "draining"
)

var errServerDisabled = errors.New("statusapi: server disabled")

// Controller is the slice of the pool manager the API drives.
type Controller interface {
	Workers() []pool.WorkerStatus
	GlobalFrontier() []results.Candidate
	WorkerFrontier(id int) ([]results.Candidate, error)
	PauseAll() error
	ContinueAll() error
	StopAll(ctx context.Context) error
	Session() string
	Running() bool
	Paused() bool
}

// Logger is satisfied by logbook.Logbook.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Server wraps the HTTP listener and gin engine backing the status API.
type Server struct {
	settings Settings
	ctrl     Controller
	bus      *events.Bus
	metrics  http.Handler
	logger   Logger
	clock    func() time.Time
	upgrader websocket.Upgrader

	mu        sync.RWMutex
	server    *http.Server
	listener  net.Listener
	status    ServerStatus
	startTime time.Time
	closing   chan struct{}
	closeOnce sync.Once
	streams   sync.WaitGroup
}

// Option customizes server construction.
type Option func(*Server)

// WithLogger overrides the default no-op logger.
func WithLogger(l Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithBus enables the /events websocket stream.
func WithBus(bus *events.Bus) Option {
	return func(s *Server) {
		s.bus = bus
	}
}

// WithMetrics mounts h on /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// WithClock allows tests to control timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Server) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewServer prepares a status server for ctrl.
func NewServer(settings Settings, ctrl Controller, opts ...Option) *Server {
	settings.normalize()
	s := &Server{
		settings: settings,
		ctrl:     ctrl,
		logger:   nopLogger{},
		clock:    func() time.Time { return time.Now().UTC() },
		status:   StatusStarting,
		closing:  make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The API binds loopback by default and serves no cookies.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler builds the gin engine with every route registered.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())
	r.GET("/health", s.handleHealth)
	r.HEAD("/health", s.handleHealth)
	r.GET("/workers", s.handleWorkers)
	r.GET("/workers/:id/frontier", s.handleWorkerFrontier)
	r.GET("/frontier", s.handleFrontier)
	pg := r.Group("/pool")
	pg.POST("/pause", s.handlePause)
	pg.POST("/resume", s.handleResume)
	pg.POST("/stop", s.handleStop)
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics))
	}
	if s.bus != nil {
		r.GET("/events", s.handleEvents)
	}
	return r
}

// Start binds the TCP listener and begins serving HTTP traffic.
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("statusapi: server is nil")
	}
	if !s.settings.Enabled {
		return errServerDisabled
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return fmt.Errorf("statusapi: server already started")
	}
	addr := s.settings.Address()
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("statusapi: listen %s: %w", addr, err)
	}
	s.listener = listener
	s.startTime = s.clock()
	server := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.settings.ReadTimeout,
		WriteTimeout: s.settings.WriteTimeout,
		IdleTimeout:  s.settings.IdleTimeout,
	}
	if ctx != nil {
		server.BaseContext = func(net.Listener) context.Context { return ctx }
	}
	s.server = server
	s.status = StatusReady
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("statusapi: serve error: %v", err)
		}
	}()
	s.logger.Printf("statusapi: listening on %s", listener.Addr().String())
	return nil
}

// Shutdown stops accepting connections, closes event streams and waits for
// in-flight requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	server := s.server
	if s.listener == nil || server == nil {
		s.mu.Unlock()
		return nil
	}
	s.status = StatusDraining
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.closing) })

	deadline := ctx
	if deadline == nil {
		var cancel context.CancelFunc
		deadline, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
	}
	err := server.Shutdown(deadline)
	s.streams.Wait()

	s.mu.Lock()
	s.listener = nil
	s.server = nil
	s.mu.Unlock()
	return err
}

// Addr returns the bound TCP address once the server has started.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// BaseURL returns the HTTP base URL for the running server.
func (s *Server) BaseURL() string {
	addr := s.Addr()
	if addr == "" {
		return s.settings.URL()
	}
	return "http://" + addr
}

// Status reports the server's lifecycle state.
func (s *Server) Status() ServerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Server) uptimeSeconds() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.startTime.IsZero() {
		return 0
	}
	return int64(s.clock().Sub(s.startTime).Seconds())
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := s.clock()
		c.Next()
		if c.Writer.Status() >= http.StatusBadRequest {
			s.logger.Printf("statusapi: %s %s -> %d (%s)", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), s.clock().Sub(started))
		}
	}
}

type healthResponse struct {
	Status        string `json:"status"`
	Session       string `json:"session,omitempty"`
	Running       bool   `json:"running"`
	Paused        bool   `json:"paused"`
	Workers       int    `json:"workers"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

type actionResponse struct {
	Status  string `json:"status"`
	Session string `json:"session,omitempty"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, healthResponse{
		Status:        string(s.Status()),
		Session:       s.ctrl.Session(),
		Running:       s.ctrl.Running(),
		Paused:        s.ctrl.Paused(),
		Workers:       len(s.ctrl.Workers()),
		UptimeSeconds: s.uptimeSeconds(),
	})
}

func (s *Server) handleWorkers(c *gin.Context) {
	workers := s.ctrl.Workers()
	if workers == nil {
		workers = []pool.WorkerStatus{}
	}
	c.JSON(http.StatusOK, workers)
}

func (s *Server) handleFrontier(c *gin.Context) {
	c.JSON(http.StatusOK, nonNil(s.ctrl.GlobalFrontier()))
}

func (s *Server) handleWorkerFrontier(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid worker id"})
		return
	}
	frontier, err := s.ctrl.WorkerFrontier(id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, nonNil(frontier))
}

func (s *Server) handlePause(c *gin.Context) {
	s.runAction(c, "paused", s.ctrl.PauseAll)
}

func (s *Server) handleResume(c *gin.Context) {
	s.runAction(c, "running", s.ctrl.ContinueAll)
}

func (s *Server) handleStop(c *gin.Context) {
	s.runAction(c, "stopped", func() error {
		return s.ctrl.StopAll(c.Request.Context())
	})
}

func (s *Server) runAction(c *gin.Context, status string, action func() error) {
	session := s.ctrl.Session()
	if err := action(); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, actionResponse{Status: status, Session: session})
}

func (s *Server) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, pool.ErrUnknownWorker):
		status = http.StatusNotFound
	case errors.Is(err, pool.ErrNotRunning), errors.Is(err, pool.ErrAlreadyRunning):
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// handleEvents streams bus events as JSON websocket messages. The optional
// topic query parameter narrows the stream to one event type.
func (s *Server) handleEvents(c *gin.Context) {
	topic := c.DefaultQuery("topic", events.TopicAll)
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Printf("statusapi: websocket upgrade: %v", err)
		return
	}
	s.streams.Add(1)
	defer s.streams.Done()
	defer ws.Close()

	sub := s.bus.Subscribe(topic)
	defer sub.Close()

	// The read side only watches for the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(s.settings.PingInterval)
	defer ping.Stop()
	for {
		select {
		case <-s.closing:
			s.writeClose(ws, websocket.CloseGoingAway, "server shutting down")
			return
		case <-gone:
			return
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.settings.WriteTimeout)); err != nil {
				return
			}
		case evt, ok := <-sub.Events:
			if !ok {
				s.writeClose(ws, websocket.CloseNormalClosure, "")
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(s.settings.WriteTimeout))
			if err := ws.WriteJSON(evt); err != nil {
				s.logger.Printf("statusapi: websocket write: %v", err)
				return
			}
		}
	}
}

func (s *Server) writeClose(ws *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

func nonNil(c []results.Candidate) []results.Candidate {
	if c == nil {
		return []results.Candidate{}
	}
	return c
}
