// Package relay bridges client WebSocket sessions to the upstream Gemini Live
// service.
//
// Every client session owns one upstream link. The link is dialed when the
// client connects, retried with exponential backoff, and fed from a FIFO queue
// while it is not open. Upstream frames are forwarded verbatim to the client,
// with transcription and tool-call fields additionally surfaced as events.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/AltairaLabs/liverelay/auth"
	"github.com/AltairaLabs/liverelay/internal/streaming"
	"github.com/AltairaLabs/liverelay/logger"
	"github.com/AltairaLabs/liverelay/metrics"
	"github.com/AltairaLabs/liverelay/protocol"
	"github.com/AltairaLabs/liverelay/telemetry"
)

const (
	// defaultReadHeaderTimeout prevents Slowloris attacks.
	defaultReadHeaderTimeout = 10 * time.Second

	// defaultIdleTimeout is the keep-alive idle timeout for plain HTTP requests.
	defaultIdleTimeout = 120 * time.Second

	// defaultShutdownTimeout bounds ListenAndServe's shutdown after ctx ends.
	defaultShutdownTimeout = 10 * time.Second

	healthPath  = "/healthz"
	metricsPath = "/metrics"

	// requestIDHeader, when present on the upgrade request, is logged with the session.
	requestIDHeader = "X-Request-ID"
)

// Option configures a [Server].
type Option func(*Server)

// WithDialer replaces the upstream dialer.
func WithDialer(d Dialer) Option {
	return func(s *Server) { s.dialer = d }
}

// WithMetricsExporter serves /metrics from e instead of a private registry.
func WithMetricsExporter(e *metrics.Exporter) Option {
	return func(s *Server) { s.exporter = e }
}

// withAfterFunc replaces the retry timer, for tests.
func withAfterFunc(f func(time.Duration, func()) func() bool) Option {
	return func(s *Server) { s.afterFunc = f }
}

// Server accepts client sessions and relays them upstream.
type Server struct {
	cfg       Config
	dialer    Dialer
	tracer    trace.Tracer
	upgrader  websocket.Upgrader
	afterFunc func(time.Duration, func()) func() bool
	log       logger.ComponentLogger

	collector   *metrics.Collector
	exporter    *metrics.Exporter
	broadcaster *metrics.Broadcaster

	sessions sync.Map // id -> *ClientSession
	wg       sync.WaitGroup

	httpSrv   *http.Server
	httpSrvMu sync.Mutex
	// regMu orders session registration against closing. No wg.Add happens
	// once closing is closed.
	regMu     sync.Mutex
	closing   chan struct{}
	closeOnce sync.Once
}

// New validates cfg and creates a Server. Invalid configuration fails with an
// error matching ErrConfigInvalid.
func New(cfg Config, opts ...Option) (*Server, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Debug {
		logger.SetVerbose(true)
	}

	s := &Server{
		cfg:    cfg,
		tracer: telemetry.Tracer(cfg.TracerProvider),
		afterFunc: func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		},
		log:     logger.ComponentLogger{Component: "relay"},
		closing: make(chan struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.dialer == nil {
		s.dialer = newWSDialer(&s.cfg)
	}

	if cfg.EnableMetrics {
		s.collector = metrics.NewCollector()
		if s.exporter == nil {
			s.exporter = metrics.NewExporter(s.collector)
		} else {
			s.exporter.MustRegister(s.collector.Collectors()...)
		}
		s.broadcaster = metrics.NewBroadcaster(s.collector.Snapshot, cfg.MetricsInterval)
	}
	return s, nil
}

// Handler returns the relay's HTTP handler: the WebSocket endpoint at the
// configured path, /healthz and, with metrics enabled, /metrics.
func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("GET "+healthPath, s.handleHealth)
	if s.exporter != nil {
		api.Handle("GET "+metricsPath, s.exporter.Handler())
	}

	mux := http.NewServeMux()
	// The upgrade hijacks the connection, so it stays outside otelhttp; upstream
	// attempts carry their own spans.
	mux.Handle(s.cfg.Path, auth.Middleware(s.cfg.Auth, http.HandlerFunc(s.handleWebSocket)))
	mux.Handle("/", otelhttp.NewHandler(api, "liverelay",
		otelhttp.WithTracerProvider(s.tracerProvider())))
	return s.cors(mux)
}

func (s *Server) tracerProvider() trace.TracerProvider {
	if s.cfg.TracerProvider != nil {
		return s.cfg.TracerProvider
	}
	return otel.GetTracerProvider()
}

// ListenAndServe serves on addr until ctx is canceled, then shuts down.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is canceled, then shuts down.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		IdleTimeout:       defaultIdleTimeout,
	}
	s.httpSrvMu.Lock()
	s.httpSrv = srv
	s.httpSrvMu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("relay listening", "addr", ln.Addr().String(), "path", s.cfg.Path)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-s.closing:
			return nil
		}
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultShutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Shutdown stops accepting connections, closes every upstream link with a
// normal closure and waits for sessions to end or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	var firstErr error
	s.closeOnce.Do(func() {
		s.regMu.Lock()
		close(s.closing)
		s.regMu.Unlock()
		s.log.Info("shutting down relay")

		if s.broadcaster != nil {
			s.broadcaster.Close()
		}

		s.httpSrvMu.Lock()
		srv := s.httpSrv
		s.httpSrvMu.Unlock()
		if srv != nil {
			firstErr = srv.Shutdown(ctx)
		}

		s.sessions.Range(func(_, v any) bool {
			v.(*ClientSession).cancel()
			return true
		})

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			if firstErr == nil {
				firstErr = ctx.Err()
			}
		}
	})
	return firstErr
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"sessions": s.SessionCount(),
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.closing:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	ctx = logger.WithSessionID(ctx, id)
	ctx = logger.WithRemoteAddr(ctx, r.RemoteAddr)
	if reqID := r.Header.Get(requestIDHeader); reqID != "" {
		ctx = logger.WithRequestID(ctx, reqID)
	}

	sess := &ClientSession{
		id:         id,
		claims:     auth.ClaimsFrom(r.Context()),
		remoteAddr: r.RemoteAddr,
		connected:  time.Now(),
		srv:        s,
		ctx:        ctx,
		cancel:     cancel,
		mailbox:    make(chan func(), mailboxSize),
		done:       make(chan struct{}),
		log:        logger.ComponentLogger{Component: "relay.session", Ctx: ctx},
	}
	sess.client = streaming.Accept(ws, &streaming.ConnConfig{
		PongWait: s.cfg.PongWait,
		Logger:   sess.log,
	})
	sess.client.StartHeartbeat(ctx, s.cfg.PingInterval)
	if rl := s.cfg.RateLimit; rl.FramesPerSecond > 0 {
		burst := rl.Burst
		if burst == 0 {
			burst = int(rl.FramesPerSecond) + 1
		}
		sess.limiter = rate.NewLimiter(rate.Limit(rl.FramesPerSecond), burst)
	}

	s.regMu.Lock()
	select {
	case <-s.closing:
		s.regMu.Unlock()
		cancel()
		_ = sess.client.CloseWithCode(websocket.CloseGoingAway, reasonServerShutdown)
		return
	default:
	}
	s.wg.Add(1)
	s.sessions.Store(id, sess)
	s.regMu.Unlock()

	if s.collector != nil {
		s.collector.ConnectionOpened()
	}
	sess.log.Info("client connected")

	go func() {
		defer s.wg.Done()
		sess.run()
	}()
}

// Session returns a connected session by id.
func (s *Server) Session(id string) (*ClientSession, bool) {
	v, ok := s.sessions.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*ClientSession), true
}

// SessionCount returns the number of connected sessions.
func (s *Server) SessionCount() int {
	n := 0
	s.sessions.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// SendToolResponse answers function calls on behalf of a session. When the
// upstream link is not open the client is notified and ErrUpstreamNotConnected
// is returned.
func (s *Server) SendToolResponse(sessionID string, responses ...protocol.FunctionResponse) error {
	sess, ok := s.Session(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return sess.SendToolResponse(responses...)
}

// Metrics returns the current snapshot. ok is false when metrics are disabled.
func (s *Server) Metrics() (snap metrics.Snapshot, ok bool) {
	if s.collector == nil {
		return metrics.Snapshot{}, false
	}
	return s.collector.Snapshot(), true
}

// SubscribeMetrics delivers a snapshot to fn every metrics interval, for
// duration or until the returned func is called when duration is zero.
func (s *Server) SubscribeMetrics(fn metrics.SubscriberFunc, duration time.Duration) (func(), error) {
	if s.broadcaster == nil {
		return nil, metrics.ErrDisabled
	}
	return s.broadcaster.Subscribe(fn, duration), nil
}

// hook runs a user callback, recovering panics.
func (s *Server) hook(sess *ClientSession, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			sess.log.Error("handler panicked", "handler", name, "panic", r)
		}
	}()
	fn()
}

func (s *Server) upstreamAttempt(outcome string) {
	if s.collector != nil {
		s.collector.UpstreamAttempt(outcome)
	}
}
