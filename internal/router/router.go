// Package router validates one inbound frame from one connection and
// dispatches it by action.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/vmorsell/shelterlink/internal/broadcast"
	"github.com/vmorsell/shelterlink/internal/metrics"
	"github.com/vmorsell/shelterlink/internal/ratelimit"
	"github.com/vmorsell/shelterlink/internal/storage"
	"github.com/vmorsell/shelterlink/pkg/model"
	"go.uber.org/zap"
)

// MaxMessageSize is the largest inbound frame accepted, in bytes.
const MaxMessageSize = 32 << 10

const (
	BodyReceived        = "Message received"
	BodyInvalidFormat   = "invalid message format"
	BodyNotFound        = "connection not found"
	BodyTooLarge        = "message too large"
	BodyRateLimited     = "rate limit exceeded"
	BodyProcessingError = "Failed to process message"
)

// Router results recorded in metrics.
const (
	resultDispatched    = "dispatched"
	resultRejected      = "rejected"
	resultUnauthorized  = "unauthorized"
	resultRateLimited   = "rate_limited"
	resultUnknownAction = "unknown_action"
)

// Result is the transport-level acknowledgement of one inbound frame.
type Result struct {
	StatusCode int
	Body       string
}

type Router struct {
	logger      *zap.Logger
	directory   broadcast.Directory
	broadcaster *broadcast.Broadcaster
	limiter     *ratelimit.RateLimiter
	metrics     *metrics.Metrics
	now         func() time.Time
}

type Option func(*Router)

// WithRateLimiter replaces the per-connection limiter. A nil limiter
// disables rate limiting.
func WithRateLimiter(l *ratelimit.RateLimiter) Option {
	return func(r *Router) { r.limiter = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

func New(logger *zap.Logger, directory broadcast.Directory, broadcaster *broadcast.Broadcaster, opts ...Option) *Router {
	r := &Router{
		logger:      logger,
		directory:   directory,
		broadcaster: broadcaster,
		limiter:     ratelimit.NewRateLimiter(ratelimit.DefaultMessageRateLimit, ratelimit.DefaultWindowSize),
		metrics:     metrics.NewNop(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handle processes one frame received on connectionID. Fan-out failures are
// logged and never change the acknowledgement.
func (r *Router) Handle(ctx context.Context, connectionID string, body []byte) Result {
	logger := r.logger.With(zap.String("connectionID", connectionID))

	if len(body) > MaxMessageSize {
		r.count("", resultRejected)
		r.replyError(ctx, connectionID, BodyTooLarge)
		return Result{StatusCode: http.StatusRequestEntityTooLarge, Body: BodyTooLarge}
	}

	var req model.Request
	if err := json.Unmarshal(body, &req); err != nil {
		logger.Warn("invalid message format", zap.Error(err))
		r.count("", resultRejected)
		r.replyError(ctx, connectionID, BodyInvalidFormat)
		return Result{StatusCode: http.StatusBadRequest, Body: BodyInvalidFormat}
	}
	logger = logger.With(zap.String("action", string(req.Action)))

	if !r.limiter.Allow(connectionID) {
		logger.Warn("rate limit exceeded")
		r.count(req.Action, resultRateLimited)
		r.replyError(ctx, connectionID, BodyRateLimited)
		return Result{StatusCode: http.StatusTooManyRequests, Body: BodyRateLimited}
	}

	rec, err := r.directory.Get(ctx, connectionID)
	if errors.Is(err, storage.ErrConnectionNotFound) {
		logger.Warn("sender connection not found")
		r.count(req.Action, resultRejected)
		r.replyError(ctx, connectionID, BodyNotFound)
		return Result{StatusCode: http.StatusForbidden, Body: BodyNotFound}
	}
	if err != nil {
		logger.Error("failed to look up sender", zap.Error(err))
		r.count(req.Action, resultRejected)
		return Result{StatusCode: http.StatusInternalServerError, Body: BodyProcessingError}
	}

	r.dispatch(ctx, logger, rec, req)
	return Result{StatusCode: http.StatusOK, Body: BodyReceived}
}

func (r *Router) dispatch(ctx context.Context, logger *zap.Logger, rec model.ConnectionRecord, req model.Request) {
	sender := rec.Sender()

	switch req.Action {
	case model.ActionBroadcast:
		target, err := model.ParseTarget(req.Target)
		if err != nil {
			logger.Warn("invalid broadcast target", zap.Error(err))
			r.count(req.Action, resultRejected)
			r.replyError(ctx, rec.ConnectionID, "Invalid target: "+err.Error())
			return
		}
		msg, err := model.NewMessage(model.ActionBroadcast, req.Data, sender, r.now())
		if err != nil {
			logger.Error("failed to build broadcast", zap.Error(err))
			return
		}
		r.count(req.Action, resultDispatched)
		if _, err := r.broadcaster.Broadcast(ctx, target, msg); err != nil {
			logger.Error("broadcast failed", zap.Stringer("target", target), zap.Error(err))
		}

	case model.ActionShelterUpdate:
		if rec.Role != model.RoleShelterOperator {
			logger.Warn("shelter update from non-operator", zap.String("role", string(rec.Role)))
			r.count(req.Action, resultUnauthorized)
			r.replyError(ctx, rec.ConnectionID, "Unauthorized: only shelter operators can send shelter updates")
			return
		}
		// The broadcaster stamps the sender's shelter id onto the data.
		_, err := r.broadcaster.BroadcastShelterUpdate(ctx, req.Data, rec.ShelterID, sender)
		switch {
		case errors.Is(err, model.ErrShelterUpdateNotObject):
			logger.Warn("invalid shelter update", zap.Error(err))
			r.count(req.Action, resultRejected)
			r.replyError(ctx, rec.ConnectionID, "Invalid shelter update data")
		case err != nil:
			r.count(req.Action, resultDispatched)
			logger.Error("shelter update broadcast failed", zap.Error(err))
		default:
			r.count(req.Action, resultDispatched)
		}

	case model.ActionAlert:
		r.count(req.Action, resultDispatched)
		if _, err := r.broadcaster.BroadcastAlert(ctx, req.Data, model.AllTarget(), sender); err != nil {
			logger.Error("alert broadcast failed", zap.Error(err))
		}

	case model.ActionPing:
		r.count(req.Action, resultDispatched)
		if err := r.broadcaster.SendTo(ctx, rec.ConnectionID, model.PongMessage(r.now())); err != nil {
			logger.Warn("failed to send pong", zap.Error(err))
		}

	default:
		logger.Warn("unknown action")
		r.count(req.Action, resultUnknownAction)
		r.replyError(ctx, rec.ConnectionID, "Unknown action: "+string(req.Action))
	}
}

// replyError is best-effort; a failed reply is only logged.
func (r *Router) replyError(ctx context.Context, connectionID, text string) {
	if err := r.broadcaster.SendTo(ctx, connectionID, model.ErrorMessage(text, r.now())); err != nil {
		r.logger.Warn("failed to send error reply",
			zap.String("connectionID", connectionID),
			zap.Error(err))
	}
}

func (r *Router) count(action model.Action, result string) {
	r.metrics.Messages.WithLabelValues(string(action), result).Inc()
}

// Forget releases per-connection router state once a connection closes.
func (r *Router) Forget(connectionID string) {
	r.limiter.Forget(connectionID)
}
