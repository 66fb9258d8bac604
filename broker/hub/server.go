package hub

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/zam-cv/microtime/message"
	"github.com/zam-cv/microtime/metric"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 512

	defaultFrameRate  = 10
	defaultFrameBurst = 20
)

// Server upgrades HTTP requests to websocket sessions. A session subscribes
// by sending a text frame holding a bare driver name ("temperature").
type Server struct {
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *slog.Logger
	metrics  *metric.Metrics

	frameRate  rate.Limit
	frameBurst int

	mu       sync.Mutex
	sessions map[uuid.UUID]*session
	closed   bool
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the session logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithServerMetrics records session counts.
func WithServerMetrics(m *metric.Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithCheckOrigin overrides the upgrader origin check. The default accepts
// any origin.
func WithCheckOrigin(fn func(*http.Request) bool) ServerOption {
	return func(s *Server) {
		s.upgrader.CheckOrigin = fn
	}
}

// WithFrameRate bounds how many inbound frames per second each session may
// send. Frames beyond the budget are ignored. A burst below one keeps the
// defaults.
func WithFrameRate(perSecond float64, burst int) ServerOption {
	return func(s *Server) {
		if burst < 1 {
			return
		}
		s.frameRate = rate.Limit(perSecond)
		s.frameBurst = burst
	}
}

// NewServer serves sessions backed by hub.
func NewServer(hub *Hub, opts ...ServerOption) *Server {
	s := &Server{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger:     slog.Default(),
		frameRate:  defaultFrameRate,
		frameBurst: defaultFrameBurst,
		sessions:   make(map[uuid.UUID]*session),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "sessions")
	return s
}

// ServeHTTP upgrades the request and runs the session until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	sess := &session{
		id:      uuid.New(),
		conn:    conn,
		hub:     s.hub,
		subs:    make(map[message.Driver]*Subscription),
		done:    make(chan struct{}),
		logger:  s.logger,
		limiter: rate.NewLimiter(s.frameRate, s.frameBurst),
	}
	sess.logger = s.logger.With("session", sess.id.String())

	if !s.add(sess) {
		_ = conn.Close()
		return
	}
	defer s.remove(sess)

	sess.logger.Info("session opened", "remote", r.RemoteAddr)
	go sess.pingLoop()
	sess.readLoop()
	sess.logger.Info("session closed")
}

func (s *Server) add(sess *session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.sessions[sess.id] = sess
	s.metrics.AddSessions(1)
	return true
}

func (s *Server) remove(sess *session) {
	sess.close()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.id]; ok {
		delete(s.sessions, sess.id)
		s.metrics.AddSessions(-1)
	}
}

// Sessions counts open sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Close ends every session and refuses new ones.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	open := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		open = append(open, sess)
	}
	s.mu.Unlock()

	for _, sess := range open {
		sess.close()
	}
}

type session struct {
	id      uuid.UUID
	conn    *websocket.Conn
	hub     *Hub
	logger  *slog.Logger
	limiter *rate.Limiter

	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[message.Driver]*Subscription

	done      chan struct{}
	closeOnce sync.Once
}

func (s *session) readLoop() {
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("session read ended", "error", err)
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		if kind != websocket.TextMessage {
			continue
		}
		if !s.limiter.Allow() {
			s.logger.Debug("frame rate exceeded, ignoring frame")
			continue
		}
		s.subscribe(strings.TrimSpace(string(data)))
	}
}

func (s *session) subscribe(name string) {
	driver, err := message.ParseDriver(name)
	if err != nil {
		s.logger.Debug("ignoring unknown subscription", "name", name)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[driver]; ok {
		return
	}
	select {
	case <-s.done:
		return
	default:
	}

	sub, err := s.hub.Subscribe(driver)
	if err != nil {
		s.logger.Warn("subscribe failed", "driver", name, "error", err)
		return
	}
	s.subs[driver] = sub
	s.logger.Info("session subscribed", "driver", name)

	go s.forward(sub)
}

// forward relays one topic until the session closes or a write fails.
func (s *session) forward(sub *Subscription) {
	for {
		select {
		case <-s.done:
			return
		case data, ok := <-sub.C():
			if !ok {
				return
			}
			if err := s.write(websocket.TextMessage, data); err != nil {
				s.logger.Debug("session write failed", "driver", string(sub.Driver()), "error", err)
				s.close()
				return
			}
		}
	}
}

func (s *session) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.write(websocket.PingMessage, nil); err != nil {
				s.close()
				return
			}
		}
	}
}

func (s *session) write(kind int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(kind, data)
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()

		s.mu.Lock()
		for d, sub := range s.subs {
			sub.Cancel()
			delete(s.subs, d)
		}
		s.mu.Unlock()
	})
}
