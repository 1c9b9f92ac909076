package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/vmorsell/shelterlink/internal/auth"
	"github.com/vmorsell/shelterlink/internal/broadcast"
	"github.com/vmorsell/shelterlink/internal/metrics"
	"github.com/vmorsell/shelterlink/internal/push"
	"github.com/vmorsell/shelterlink/internal/ratelimit"
	"github.com/vmorsell/shelterlink/internal/router"
	"github.com/vmorsell/shelterlink/internal/storage"
	"github.com/vmorsell/shelterlink/pkg/model"
	"go.uber.org/zap"
)

const (
	RouteKeyConnect    = "$connect"
	RouteKeyDisconnect = "$disconnect"
	RouteKeyDefault    = "$default"

	// AuthorizationParam carries the access token on the $connect URL.
	AuthorizationParam = "Authorization"

	DefaultConnectionTTL = 2 * time.Hour

	ErrUnauthorized       = "Unauthorized"
	ErrConnectFailed      = "Failed to connect"
	ErrDisconnectFailed   = "Failed to disconnect"
	ErrConnectionConflict = "connection already registered"
)

// Directory is the full connection directory the handlers read and write.
type Directory interface {
	broadcast.Directory
	Put(ctx context.Context, rec model.ConnectionRecord) error
	Delete(ctx context.Context, connectionID string) error
}

// PusherFactory returns a pusher for the management API at endpoint.
type PusherFactory func(endpoint string) push.Pusher

type Handler struct {
	logger        *zap.Logger
	directory     Directory
	verifier      auth.Verifier
	newPusher     PusherFactory
	region        string
	connectionTTL time.Duration
	limiter       *ratelimit.RateLimiter
	metrics       *metrics.Metrics
	now           func() time.Time

	mu      sync.Mutex
	pushers map[string]push.Pusher
}

type Option func(*Handler)

func WithRegion(region string) Option {
	return func(h *Handler) { h.region = region }
}

func WithConnectionTTL(ttl time.Duration) Option {
	return func(h *Handler) {
		if ttl > 0 {
			h.connectionTTL = ttl
		}
	}
}

func WithRateLimiter(l *ratelimit.RateLimiter) Option {
	return func(h *Handler) { h.limiter = l }
}

func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

func NewHandler(logger *zap.Logger, directory Directory, verifier auth.Verifier, newPusher PusherFactory, opts ...Option) *Handler {
	h := &Handler{
		logger:        logger,
		directory:     directory,
		verifier:      verifier,
		newPusher:     newPusher,
		connectionTTL: DefaultConnectionTTL,
		limiter:       ratelimit.NewRateLimiter(ratelimit.DefaultMessageRateLimit, ratelimit.DefaultWindowSize),
		metrics:       metrics.NewNop(),
		now:           time.Now,
		pushers:       make(map[string]push.Pusher),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandleRequest routes $connect and $disconnect to the connection lifecycle
// and every other route key to the message router.
func (h *Handler) HandleRequest(ctx context.Context, req events.APIGatewayWebsocketProxyRequest) (events.APIGatewayProxyResponse, error) {
	switch req.RequestContext.RouteKey {
	case RouteKeyConnect:
		return h.handleConnect(ctx, req)
	case RouteKeyDisconnect:
		return h.handleDisconnect(ctx, req)
	default:
		return h.handleMessage(ctx, req)
	}
}

func (h *Handler) handleConnect(ctx context.Context, req events.APIGatewayWebsocketProxyRequest) (events.APIGatewayProxyResponse, error) {
	connectionID := req.RequestContext.ConnectionID

	claims, err := h.verifier.Verify(connectToken(req))
	if err != nil {
		if errors.Is(err, auth.ErrAuthDisabled) {
			h.logger.Error("token verification is not configured", zap.Error(err))
			return h.errorResponse(http.StatusInternalServerError, ErrConnectFailed), nil
		}
		h.logger.Warn("rejected connection",
			zap.String("connectionID", connectionID),
			zap.Error(err))
		return h.errorResponse(http.StatusUnauthorized, ErrUnauthorized), nil
	}

	now := h.now()
	rec := model.ConnectionRecord{
		ConnectionID: connectionID,
		UserID:       claims.UserID,
		Email:        claims.Email,
		Role:         claims.Role,
		ShelterID:    claims.ShelterID,
		ConnectedAt:  model.Timestamp(now),
		TTL:          now.Add(h.connectionTTL).Unix(),
	}
	if err := h.directory.Put(ctx, rec); err != nil {
		if errors.Is(err, storage.ErrConnectionExists) {
			h.logger.Warn("duplicate connect", zap.String("connectionID", connectionID))
			return h.errorResponse(http.StatusConflict, ErrConnectionConflict), nil
		}
		h.logger.Error("failed to add connection", zap.String("connectionID", connectionID), zap.Error(err))
		return h.errorResponse(http.StatusInternalServerError, ErrConnectFailed), nil
	}

	h.logger.Info("connection established",
		zap.String("connectionID", connectionID),
		zap.String("userID", rec.UserID),
		zap.String("role", string(rec.Role)))
	return h.response(http.StatusOK, "Connected"), nil
}

func (h *Handler) handleDisconnect(ctx context.Context, req events.APIGatewayWebsocketProxyRequest) (events.APIGatewayProxyResponse, error) {
	connectionID := req.RequestContext.ConnectionID
	h.limiter.Forget(connectionID)

	if err := h.directory.Delete(ctx, connectionID); err != nil {
		h.logger.Error("failed to delete connection", zap.String("connectionID", connectionID), zap.Error(err))
		return h.errorResponse(http.StatusInternalServerError, ErrDisconnectFailed), nil
	}

	h.logger.Info("connection closed", zap.String("connectionID", connectionID))
	return h.response(http.StatusOK, "Disconnected"), nil
}

func (h *Handler) handleMessage(ctx context.Context, req events.APIGatewayWebsocketProxyRequest) (events.APIGatewayProxyResponse, error) {
	rc := req.RequestContext
	pusher := h.pusherFor(push.Endpoint(rc.DomainName, rc.APIID, h.region, rc.Stage))

	b := broadcast.New(h.logger, h.directory, pusher,
		broadcast.WithMetrics(h.metrics),
		broadcast.WithClock(h.now),
		broadcast.WithGoneHandler(h.dropStale))
	r := router.New(h.logger, h.directory, b,
		router.WithRateLimiter(h.limiter),
		router.WithMetrics(h.metrics),
		router.WithClock(h.now))

	res := r.Handle(ctx, rc.ConnectionID, []byte(req.Body))
	return h.response(res.StatusCode, res.Body), nil
}

// dropStale removes the directory entry of a connection the gateway reports gone.
func (h *Handler) dropStale(ctx context.Context, connectionID string) {
	if err := h.directory.Delete(ctx, connectionID); err != nil {
		h.logger.Warn("failed to remove stale connection",
			zap.String("connectionID", connectionID),
			zap.Error(err))
	}
}

func (h *Handler) pusherFor(endpoint string) push.Pusher {
	h.mu.Lock()
	defer h.mu.Unlock()

	p, ok := h.pushers[endpoint]
	if !ok {
		p = h.newPusher(endpoint)
		h.pushers[endpoint] = p
	}
	return p
}

// connectToken reads the token from the query string, falling back to the
// Authorization header.
func connectToken(req events.APIGatewayWebsocketProxyRequest) string {
	if token := req.QueryStringParameters[AuthorizationParam]; token != "" {
		return token
	}
	for k, v := range req.Headers {
		if strings.EqualFold(k, "Authorization") {
			return v
		}
	}
	return ""
}

func (h *Handler) response(statusCode int, body string) events.APIGatewayProxyResponse {
	return events.APIGatewayProxyResponse{StatusCode: statusCode, Body: body}
}

func (h *Handler) errorResponse(statusCode int, message string) events.APIGatewayProxyResponse {
	return events.APIGatewayProxyResponse{
		StatusCode: statusCode,
		Body:       message,
	}
}
