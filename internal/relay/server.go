// Package relay is a self-hosted WebSocket server that runs the same
// connection directory, router and fan-out as the API Gateway deployment.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vmorsell/shelterlink/internal/auth"
	"github.com/vmorsell/shelterlink/internal/broadcast"
	"github.com/vmorsell/shelterlink/internal/connstorage"
	"github.com/vmorsell/shelterlink/internal/metrics"
	"github.com/vmorsell/shelterlink/internal/ratelimit"
	"github.com/vmorsell/shelterlink/internal/router"
	"github.com/vmorsell/shelterlink/pkg/model"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	AuthorizationParam = "Authorization"

	DefaultConnectionTTL = 2 * time.Hour
	DefaultSweepInterval = time.Minute

	readBufferSize  = 1024
	writeBufferSize = 1024
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = (pongWait * 9) / 10
	readLimit       = 4 * router.MaxMessageSize
	shutdownTimeout = 10 * time.Second
)

type Server struct {
	logger        *zap.Logger
	verifier      auth.Verifier
	registry      *prometheus.Registry
	metrics       *metrics.Metrics
	limiter       *ratelimit.RateLimiter
	directory     *connstorage.ConnectionStorage
	hub           *Hub
	broadcaster   *broadcast.Broadcaster
	router        *router.Router
	connectionTTL time.Duration
	sweepInterval time.Duration
	now           func() time.Time
	upgrader      websocket.Upgrader

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

type Option func(*Server)

// WithRegistry registers the relay metrics with reg and serves reg on
// /metrics.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) { s.registry = reg }
}

func WithConnectionTTL(ttl time.Duration) Option {
	return func(s *Server) {
		if ttl > 0 {
			s.connectionTTL = ttl
		}
	}
}

func WithSweepInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.sweepInterval = d
		}
	}
}

func WithRateLimiter(l *ratelimit.RateLimiter) Option {
	return func(s *Server) { s.limiter = l }
}

// WithClock sets the clock used for timestamps and record expiry. Socket
// deadlines always use wall time.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

func New(logger *zap.Logger, verifier auth.Verifier, opts ...Option) *Server {
	s := &Server{
		logger:        logger,
		verifier:      verifier,
		limiter:       ratelimit.NewRateLimiter(ratelimit.DefaultMessageRateLimit, ratelimit.DefaultWindowSize),
		connectionTTL: DefaultConnectionTTL,
		sweepInterval: DefaultSweepInterval,
		now:           time.Now,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  readBufferSize,
			WriteBufferSize: writeBufferSize,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
		s.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	s.metrics = metrics.New(s.registry)
	s.directory = connstorage.New(logger, connstorage.WithClock(s.now))
	s.hub = NewHub(logger)
	s.broadcaster = broadcast.New(logger, s.directory, s.hub,
		broadcast.WithMetrics(s.metrics),
		broadcast.WithClock(s.now),
		broadcast.WithGoneHandler(s.dropStale))
	s.router = router.New(logger, s.directory, s.broadcaster,
		router.WithRateLimiter(s.limiter),
		router.WithMetrics(s.metrics),
		router.WithClock(s.now))
	return s
}

// Broadcaster fans messages out to the relay's connections.
func (s *Server) Broadcaster() *broadcast.Broadcaster {
	return s.broadcaster
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Run listens on addr and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then shuts the HTTP
// server down and closes every session with 1001.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("relay listening", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		s.runSweeper(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("shutting down relay")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		s.Close()
		if err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// Close closes every session and waits for their pumps to exit. New upgrade
// requests are refused afterwards.
func (s *Server) Close() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	s.hub.CloseAll(websocket.CloseGoingAway, "server shutting down")
	s.wg.Wait()
}

func (s *Server) enter() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closing {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	claims, err := s.verifier.Verify(requestToken(r))
	if err != nil {
		if errors.Is(err, auth.ErrAuthDisabled) {
			s.logger.Error("token verification is not configured", zap.Error(err))
			http.Error(w, "Failed to connect", http.StatusInternalServerError)
			return
		}
		s.logger.Warn("rejected connection",
			zap.String("remoteAddr", r.RemoteAddr),
			zap.Error(err))
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if !s.enter() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.wg.Done()

	// The session and record exist before the handshake completes so a peer
	// can be addressed as soon as its dial returns.
	sess := newSession(uuid.NewString())
	if err := s.hub.add(sess); err != nil {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	now := s.now()
	rec := model.ConnectionRecord{
		ConnectionID: sess.id,
		UserID:       claims.UserID,
		Email:        claims.Email,
		Role:         claims.Role,
		ShelterID:    claims.ShelterID,
		ConnectedAt:  model.Timestamp(now),
		TTL:          now.Add(s.connectionTTL).Unix(),
	}
	if err := s.directory.Put(r.Context(), rec); err != nil {
		s.hub.remove(sess.id)
		s.logger.Error("failed to add connection", zap.String("connectionID", sess.id), zap.Error(err))
		http.Error(w, "Failed to connect", http.StatusInternalServerError)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.hub.remove(sess.id)
		_ = s.directory.Delete(context.Background(), sess.id)
		s.logger.Warn("failed to upgrade connection", zap.String("connectionID", sess.id), zap.Error(err))
		return
	}
	sess.conn = conn
	s.metrics.Connections.Inc()

	s.logger.Info("connection established",
		zap.String("connectionID", sess.id),
		zap.String("userID", rec.UserID),
		zap.String("role", string(rec.Role)))

	s.wg.Add(2)
	go s.writePump(sess)
	go s.readPump(sess)
}

func (s *Server) readPump(sess *session) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer s.release(sess)

	conn := sess.conn
	conn.SetReadLimit(readLimit)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				s.logger.Warn("websocket error", zap.String("connectionID", sess.id), zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		res := s.router.Handle(ctx, sess.id, frame)
		if res.StatusCode != http.StatusOK {
			s.logger.Debug("message not dispatched",
				zap.String("connectionID", sess.id),
				zap.Int("status", res.StatusCode),
				zap.String("reason", res.Body))
		}
	}
}

// writePump is the only writer of data frames on the socket. Each payload is
// sent as its own frame.
func (s *Server) writePump(sess *session) {
	defer s.wg.Done()

	conn := sess.conn
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case payload := <-sess.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.logger.Debug("write failed", zap.String("connectionID", sess.id), zap.Error(err))
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-sess.done:
			msg := websocket.FormatCloseMessage(sess.closeCode, sess.closeText)
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		}
	}
}

// release tears a session down once its read side ends.
func (s *Server) release(sess *session) {
	s.hub.remove(sess.id)
	sess.stop(websocket.CloseNormalClosure, "")

	if err := s.directory.Delete(context.Background(), sess.id); err != nil {
		s.logger.Warn("failed to delete connection", zap.String("connectionID", sess.id), zap.Error(err))
	}
	s.router.Forget(sess.id)
	s.metrics.Connections.Dec()

	s.logger.Info("connection closed", zap.String("connectionID", sess.id))
}

func (s *Server) dropStale(ctx context.Context, connectionID string) {
	if err := s.directory.Delete(ctx, connectionID); err != nil {
		s.logger.Warn("failed to remove stale connection",
			zap.String("connectionID", connectionID),
			zap.Error(err))
	}
}

func (s *Server) runSweeper(ctx context.Context) {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep closes the sessions whose directory records have expired.
func (s *Server) sweep() []string {
	expired := s.directory.Sweep()
	for _, id := range expired {
		if s.hub.Close(id, websocket.CloseGoingAway, "connection expired") {
			s.logger.Info("closed expired connection", zap.String("connectionID", id))
		}
	}
	return expired
}

// requestToken reads the token from the query string, falling back to the
// Authorization header.
func requestToken(r *http.Request) string {
	if token := r.URL.Query().Get(AuthorizationParam); token != "" {
		return token
	}
	return r.Header.Get("Authorization")
}
