package metric

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zam-cv/microtime/errors"
)

const (
	defaultPort = 9090
	defaultPath = "/metrics"
)

// Server serves the registry and a health endpoint on their own port, apart
// from the broker's websocket listener.
type Server struct {
	port     int
	path     string
	registry *MetricsRegistry
	health   http.Handler

	mu   sync.Mutex
	http *http.Server
	addr net.Addr
}

// NewServer prepares a server for registry. Zero values pick port 9090 and
// path /metrics. A nil health handler answers 200 "OK".
func NewServer(port int, path string, registry *MetricsRegistry, health http.Handler) *Server {
	if port == 0 {
		port = defaultPort
	}
	if path == "" {
		path = defaultPath
	}
	if health == nil {
		health = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("OK"))
		})
	}
	return &Server{port: port, path: path, registry: registry, health: health}
}

// Handler returns the routes Start serves. Scrapes are themselves counted in
// promhttp_metric_handler_requests_total.
func (s *Server) Handler() http.Handler {
	prom := s.registry.PrometheusRegistry()
	scrape := promhttp.InstrumentMetricHandler(prom,
		promhttp.HandlerFor(prom, promhttp.HandlerOpts{
			EnableOpenMetrics: true,
			ErrorHandling:     promhttp.ContinueOnError,
		}))

	mux := http.NewServeMux()
	mux.Handle("GET "+s.path, scrape)
	mux.Handle("GET /health", s.health)
	return mux
}

// Start listens on the configured port and serves in the background.
func (s *Server) Start() error {
	if s.registry == nil {
		return errors.WrapFatal(errors.ErrMissingConfig, "Server", "Start", "metrics registry not provided")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.http != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Server", "Start", "start metrics server")
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return errors.WrapFatal(err, "Server", "Start", fmt.Sprintf("listen on :%d", s.port))
	}

	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	s.http, s.addr = srv, ln.Addr()
	go func() { _ = srv.Serve(ln) }()
	return nil
}

// Stop shuts the server down; calling it on a stopped server does nothing.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.http
	s.http, s.addr = nil, nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return errors.WrapTransient(err, "Server", "Stop", "shutdown metrics server")
	}
	return nil
}

// Address is the scrape URL, using the bound address once started.
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addr != nil {
		return "http://" + s.addr.String() + s.path
	}
	return fmt.Sprintf("http://localhost:%d%s", s.port, s.path)
}
