// Package broadcast resolves logical targets to live connections and fans a
// message out to each of them.
package broadcast

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vmorsell/shelterlink/internal/metrics"
	"github.com/vmorsell/shelterlink/internal/push"
	"github.com/vmorsell/shelterlink/pkg/model"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const DefaultConcurrency = 32

// Directory is the read side of the connection directory.
type Directory interface {
	Get(ctx context.Context, connectionID string) (model.ConnectionRecord, error)
	ListAll(ctx context.Context) ([]model.ConnectionRecord, error)
}

// Report lists the outcome of every delivery attempt of one broadcast.
type Report struct {
	Resolved  int
	Delivered []string
	Gone      []string
	Failed    []string
}

type Broadcaster struct {
	logger      *zap.Logger
	directory   Directory
	pusher      push.Pusher
	metrics     *metrics.Metrics
	concurrency int
	now         func() time.Time

	// OnGone, when set, is called for each recipient whose connection no
	// longer exists.
	OnGone func(ctx context.Context, connectionID string)
}

type Option func(*Broadcaster)

func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Broadcaster) { b.metrics = m }
}

func WithConcurrency(n int) Option {
	return func(b *Broadcaster) {
		if n > 0 {
			b.concurrency = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(b *Broadcaster) { b.now = now }
}

func WithGoneHandler(fn func(ctx context.Context, connectionID string)) Option {
	return func(b *Broadcaster) { b.OnGone = fn }
}

func New(logger *zap.Logger, directory Directory, pusher push.Pusher, opts ...Option) *Broadcaster {
	b := &Broadcaster{
		logger:      logger,
		directory:   directory,
		pusher:      pusher,
		metrics:     metrics.NewNop(),
		concurrency: DefaultConcurrency,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Resolve re-reads the full directory and keeps the records selected by target.
func (b *Broadcaster) Resolve(ctx context.Context, target model.Target) ([]model.ConnectionRecord, error) {
	all, err := b.directory.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	if target.Kind == model.TargetAll {
		return all, nil
	}

	resolved := make([]model.ConnectionRecord, 0, len(all))
	for _, rec := range all {
		if target.Matches(rec) {
			resolved = append(resolved, rec)
		}
	}
	return resolved, nil
}

// Broadcast delivers msg to every connection selected by target. Deliveries
// run concurrently and independently; a failed recipient never fails the
// broadcast. The only error is a failure to resolve the target.
func (b *Broadcaster) Broadcast(ctx context.Context, target model.Target, msg model.Message) (Report, error) {
	recipients, err := b.Resolve(ctx, target)
	if err != nil {
		return Report{}, err
	}
	b.metrics.Recipients.WithLabelValues(target.Kind.String()).Observe(float64(len(recipients)))

	payload, err := msg.Marshal()
	if err != nil {
		return Report{}, err
	}

	report := b.fanOut(ctx, recipients, msg.Action, payload)

	b.logger.Info("broadcast complete",
		zap.String("action", string(msg.Action)),
		zap.Stringer("target", target),
		zap.Int("resolved", report.Resolved),
		zap.Int("delivered", len(report.Delivered)),
		zap.Int("gone", len(report.Gone)),
		zap.Int("failed", len(report.Failed)))

	return report, nil
}

// fanOut waits for every attempt to settle. Attempts are not retried.
func (b *Broadcaster) fanOut(ctx context.Context, recipients []model.ConnectionRecord, action model.Action, payload []byte) Report {
	report := Report{Resolved: len(recipients)}
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(b.concurrency)
	for _, rec := range recipients {
		connectionID := rec.ConnectionID
		g.Go(func() error {
			outcome := b.deliver(ctx, connectionID, action, payload)

			mu.Lock()
			switch outcome {
			case metrics.OutcomeDelivered:
				report.Delivered = append(report.Delivered, connectionID)
			case metrics.OutcomeGone:
				report.Gone = append(report.Gone, connectionID)
			default:
				report.Failed = append(report.Failed, connectionID)
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return report
}

func (b *Broadcaster) deliver(ctx context.Context, connectionID string, action model.Action, payload []byte) (outcome string) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("delivery panicked",
				zap.String("connectionID", connectionID),
				zap.String("action", string(action)),
				zap.Any("panic", r))
			outcome = metrics.OutcomeFailed
		}
		b.metrics.Deliveries.WithLabelValues(string(action), outcome).Inc()
	}()

	err := b.pusher.Push(ctx, connectionID, payload)
	switch {
	case err == nil:
		b.logger.Debug("delivered",
			zap.String("connectionID", connectionID),
			zap.String("action", string(action)))
		return metrics.OutcomeDelivered
	case push.IsGone(err):
		b.logger.Info("connection gone, directory entry is stale",
			zap.String("connectionID", connectionID),
			zap.String("action", string(action)))
		if b.OnGone != nil {
			b.OnGone(ctx, connectionID)
		}
		return metrics.OutcomeGone
	default:
		b.logger.Error("failed to deliver",
			zap.String("connectionID", connectionID),
			zap.String("action", string(action)),
			zap.Error(err))
		return metrics.OutcomeFailed
	}
}

// SendTo delivers msg to a single connection, used for replies to a sender.
func (b *Broadcaster) SendTo(ctx context.Context, connectionID string, msg model.Message) error {
	payload, err := msg.Marshal()
	if err != nil {
		return err
	}
	if outcome := b.deliver(ctx, connectionID, msg.Action, payload); outcome != metrics.OutcomeDelivered {
		return fmt.Errorf("send %s to %s: %s", msg.Action, connectionID, outcome)
	}
	return nil
}

// BroadcastShelterUpdate notifies first responders and emergency
// coordinators. update must encode to a JSON object; its shelterId is
// replaced with shelterID.
func (b *Broadcaster) BroadcastShelterUpdate(ctx context.Context, update any, shelterID string, sender *model.Sender) (Report, error) {
	msg, err := model.NewMessage(model.ActionShelterUpdate, update, sender, b.now())
	if err != nil {
		return Report{}, err
	}
	if msg.Data, err = model.StampShelterID(msg.Data, shelterID); err != nil {
		return Report{}, err
	}
	return b.Broadcast(ctx, ShelterUpdateAudience(), msg)
}

func (b *Broadcaster) BroadcastAlert(ctx context.Context, alert any, target model.Target, sender *model.Sender) (Report, error) {
	msg, err := model.NewMessage(model.ActionAlert, alert, sender, b.now())
	if err != nil {
		return Report{}, err
	}
	return b.Broadcast(ctx, target, msg)
}

func (b *Broadcaster) SendCustom(ctx context.Context, action model.Action, data any, target model.Target, sender *model.Sender) (Report, error) {
	msg, err := model.NewMessage(action, data, sender, b.now())
	if err != nil {
		return Report{}, err
	}
	return b.Broadcast(ctx, target, msg)
}

// ShelterUpdateAudience is the fixed audience of shelter updates.
func ShelterUpdateAudience() model.Target {
	return model.RoleTarget(model.RoleFirstResponder, model.RoleEmergencyCoordinator)
}
