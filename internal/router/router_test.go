package router

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmorsell/shelterlink/internal/broadcast"
	"github.com/vmorsell/shelterlink/internal/connstorage"
	"github.com/vmorsell/shelterlink/internal/metrics"
	"github.com/vmorsell/shelterlink/internal/ratelimit"
	"github.com/vmorsell/shelterlink/pkg/model"
	"go.uber.org/zap/zaptest"
)

type inbox struct {
	mu       sync.Mutex
	messages map[string][]model.Message
}

func (in *inbox) Push(_ context.Context, connectionID string, payload []byte) error {
	var msg model.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return err
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	in.messages[connectionID] = append(in.messages[connectionID], msg)
	return nil
}

func (in *inbox) of(connectionID string) []model.Message {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]model.Message(nil), in.messages[connectionID]...)
}

func (in *inbox) recipients() []string {
	in.mu.Lock()
	defer in.mu.Unlock()
	ids := make([]string, 0, len(in.messages))
	for id := range in.messages {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

type failingDirectory struct{}

func (failingDirectory) Get(context.Context, string) (model.ConnectionRecord, error) {
	return model.ConnectionRecord{}, errors.New("table unavailable")
}

func (failingDirectory) ListAll(context.Context) ([]model.ConnectionRecord, error) {
	return nil, errors.New("table unavailable")
}

var fixtures = []model.ConnectionRecord{
	{ConnectionID: "op1", UserID: "u-op", Email: "op@example.com", Role: model.RoleShelterOperator, ShelterID: "s1"},
	{ConnectionID: "fr1", UserID: "u-fr1", Email: "fr1@example.com", Role: model.RoleFirstResponder},
	{ConnectionID: "fr2", UserID: "u-fr2", Email: "fr2@example.com", Role: model.RoleFirstResponder},
	{ConnectionID: "ec1", UserID: "u-ec", Email: "ec@example.com", Role: model.RoleEmergencyCoordinator},
	{ConnectionID: "ad1", UserID: "u-ad", Email: "ad@example.com", Role: model.RoleAdmin},
}

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type testRouter struct {
	*Router
	inbox   *inbox
	metrics *metrics.Metrics
}

func newTestRouter(t *testing.T, opts ...Option) *testRouter {
	t.Helper()

	logger := zaptest.NewLogger(t)
	dir := connstorage.New(logger)
	for _, rec := range fixtures {
		require.NoError(t, dir.Put(context.Background(), rec))
	}

	in := &inbox{messages: make(map[string][]model.Message)}
	m := metrics.New(prometheus.NewRegistry())
	clock := func() time.Time { return fixedNow }
	b := broadcast.New(logger, dir, in, broadcast.WithClock(clock), broadcast.WithMetrics(m))

	opts = append([]Option{WithClock(clock), WithMetrics(m)}, opts...)
	return &testRouter{Router: New(logger, dir, b, opts...), inbox: in, metrics: m}
}

func TestRouter_ShelterUpdate(t *testing.T) {
	r := newTestRouter(t)

	res := r.Handle(context.Background(), "op1",
		[]byte(`{"action":"shelter_update","data":{"shelterId":"evil","status":"full"},"target":{"type":"all"}}`))

	assert.Equal(t, Result{StatusCode: http.StatusOK, Body: BodyReceived}, res)
	assert.Equal(t, []string{"ec1", "fr1", "fr2"}, r.inbox.recipients())

	msgs := r.inbox.of("fr1")
	require.Len(t, msgs, 1)
	assert.Equal(t, model.ActionShelterUpdate, msgs[0].Action)
	assert.JSONEq(t, `{"shelterId":"s1","status":"full"}`, string(msgs[0].Data))
	assert.Equal(t, &model.Sender{UserID: "u-op", Email: "op@example.com", Role: model.RoleShelterOperator, ShelterID: "s1"}, msgs[0].Sender)
	assert.Equal(t, "2024-05-01T12:00:00.000Z", msgs[0].Timestamp)
}

func TestRouter_ShelterUpdate_Unauthorized(t *testing.T) {
	r := newTestRouter(t)

	res := r.Handle(context.Background(), "fr1", []byte(`{"action":"shelter_update","data":{"status":"full"}}`))

	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, []string{"fr1"}, r.inbox.recipients())

	msgs := r.inbox.of("fr1")
	require.Len(t, msgs, 1)
	assert.Equal(t, model.ActionError, msgs[0].Action)
	assert.Contains(t, msgs[0].ErrorText(), "Unauthorized")
	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.Messages.WithLabelValues("shelter_update", resultUnauthorized)))
}

func TestRouter_ShelterUpdate_NonObjectData(t *testing.T) {
	r := newTestRouter(t)

	r.Handle(context.Background(), "op1", []byte(`{"action":"shelter_update","data":[1,2,3]}`))

	assert.Equal(t, []string{"op1"}, r.inbox.recipients())
	assert.Equal(t, model.ActionError, r.inbox.of("op1")[0].Action)
	assert.Equal(t, "Invalid shelter update data", r.inbox.of("op1")[0].ErrorText())
	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.Messages.WithLabelValues("shelter_update", resultRejected)))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.metrics.Messages.WithLabelValues("shelter_update", resultDispatched)))
}

func TestRouter_ShelterUpdate_EmptyData(t *testing.T) {
	r := newTestRouter(t)

	res := r.Handle(context.Background(), "op1", []byte(`{"action":"shelter_update"}`))

	assert.Equal(t, BodyReceived, res.Body)
	assert.Equal(t, []string{"ec1", "fr1", "fr2"}, r.inbox.recipients())
	assert.JSONEq(t, `{"shelterId":"s1"}`, string(r.inbox.of("fr1")[0].Data))
}

func TestRouter_Broadcast(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []string
	}{
		{"default target", `{"action":"broadcast","data":{"x":1}}`, []string{"ad1", "ec1", "fr1", "fr2", "op1"}},
		{"role target", `{"action":"broadcast","data":{"x":1},"target":{"type":"role","value":"admin,emergency_coordinator"}}`, []string{"ad1", "ec1"}},
		{"user target", `{"action":"broadcast","target":{"type":"user","value":"u-fr2"}}`, []string{"fr2"}},
		{"shelter target", `{"action":"broadcast","target":{"type":"shelter","value":"s1"}}`, []string{"op1"}},
		{"role without value", `{"action":"broadcast","target":{"type":"role"}}`, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRouter(t)

			res := r.Handle(context.Background(), "fr1", []byte(tt.body))

			assert.Equal(t, http.StatusOK, res.StatusCode)
			assert.Equal(t, tt.want, r.inbox.recipients())
			for _, id := range tt.want {
				msg := r.inbox.of(id)[0]
				assert.Equal(t, model.ActionBroadcast, msg.Action)
				assert.Equal(t, "u-fr1", msg.Sender.UserID)
			}
		})
	}
}

func TestRouter_Broadcast_InvalidTarget(t *testing.T) {
	for _, body := range []string{
		`{"action":"broadcast","target":{"type":"galaxy"}}`,
		`{"action":"broadcast","target":{"type":"user"}}`,
	} {
		r := newTestRouter(t)

		res := r.Handle(context.Background(), "fr1", []byte(body))

		assert.Equal(t, http.StatusOK, res.StatusCode)
		assert.Equal(t, []string{"fr1"}, r.inbox.recipients(), body)
		msg := r.inbox.of("fr1")[0]
		assert.Equal(t, model.ActionError, msg.Action)
		assert.True(t, strings.HasPrefix(msg.ErrorText(), "Invalid target"))
	}
}

func TestRouter_AlertIgnoresTarget(t *testing.T) {
	r := newTestRouter(t)

	r.Handle(context.Background(), "ec1", []byte(`{"action":"alert","data":{"alertId":"a1"},"target":{"type":"user","value":"u-op"}}`))

	assert.Equal(t, []string{"ad1", "ec1", "fr1", "fr2", "op1"}, r.inbox.recipients())
	payload, err := r.inbox.of("ad1")[0].Payload()
	require.NoError(t, err)
	assert.Equal(t, "a1", payload.(model.Alert).AlertID)
}

func TestRouter_Ping(t *testing.T) {
	r := newTestRouter(t)

	res := r.Handle(context.Background(), "ad1", []byte(`{"action":"ping"}`))

	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, []string{"ad1"}, r.inbox.recipients())
	msgs := r.inbox.of("ad1")
	require.Len(t, msgs, 1)
	assert.Equal(t, model.ActionPong, msgs[0].Action)
	assert.Equal(t, "2024-05-01T12:00:00.000Z", msgs[0].Timestamp)
}

func TestRouter_UnknownAction(t *testing.T) {
	r := newTestRouter(t)

	res := r.Handle(context.Background(), "ad1", []byte(`{"action":"dance"}`))

	assert.Equal(t, http.StatusOK, res.StatusCode)
	msgs := r.inbox.of("ad1")
	require.Len(t, msgs, 1)
	assert.Equal(t, "Unknown action: dance", msgs[0].ErrorText())
	assert.Equal(t, []string{"ad1"}, r.inbox.recipients())
	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.Messages.WithLabelValues("dance", resultUnknownAction)))
}

func TestRouter_Rejections(t *testing.T) {
	tests := []struct {
		name         string
		connectionID string
		body         []byte
		wantStatus   int
		wantBody     string
	}{
		{"malformed json", "fr1", []byte(`{"action":`), http.StatusBadRequest, BodyInvalidFormat},
		{"unknown sender", "ghost", []byte(`{"action":"alert"}`), http.StatusForbidden, BodyNotFound},
		{"too large", "fr1", []byte(`{"action":"broadcast","data":"` + strings.Repeat("x", MaxMessageSize) + `"}`), http.StatusRequestEntityTooLarge, BodyTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRouter(t)

			res := r.Handle(context.Background(), tt.connectionID, tt.body)

			assert.Equal(t, tt.wantStatus, res.StatusCode)
			assert.Equal(t, tt.wantBody, res.Body)
			assert.Equal(t, []string{tt.connectionID}, r.inbox.recipients(), "only the sender gets a reply")
			msgs := r.inbox.of(tt.connectionID)
			require.Len(t, msgs, 1)
			assert.Equal(t, model.ActionError, msgs[0].Action)
		})
	}
}

func TestRouter_DirectoryFailure(t *testing.T) {
	logger := zaptest.NewLogger(t)
	in := &inbox{messages: make(map[string][]model.Message)}
	b := broadcast.New(logger, failingDirectory{}, in)
	r := New(logger, failingDirectory{}, b)

	res := r.Handle(context.Background(), "fr1", []byte(`{"action":"ping"}`))

	assert.Equal(t, http.StatusInternalServerError, res.StatusCode)
	assert.Empty(t, in.recipients())
}

func TestRouter_RateLimit(t *testing.T) {
	r := newTestRouter(t, WithRateLimiter(ratelimit.NewRateLimiter(2, time.Hour)))

	for i := 0; i < 2; i++ {
		res := r.Handle(context.Background(), "fr1", []byte(`{"action":"ping"}`))
		require.Equal(t, http.StatusOK, res.StatusCode)
	}

	res := r.Handle(context.Background(), "fr1", []byte(`{"action":"ping"}`))
	assert.Equal(t, http.StatusTooManyRequests, res.StatusCode)

	msgs := r.inbox.of("fr1")
	require.Len(t, msgs, 3)
	assert.Equal(t, model.ActionError, msgs[2].Action)
	assert.Equal(t, BodyRateLimited, msgs[2].ErrorText())

	res = r.Handle(context.Background(), "fr2", []byte(`{"action":"ping"}`))
	assert.Equal(t, http.StatusOK, res.StatusCode, "limits are per connection")

	r.Forget("fr1")
	res = r.Handle(context.Background(), "fr1", []byte(`{"action":"ping"}`))
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestRouter_FanOutFailureStillAcknowledged(t *testing.T) {
	logger := zaptest.NewLogger(t)
	dir := connstorage.New(logger)
	for _, rec := range fixtures {
		require.NoError(t, dir.Put(context.Background(), rec))
	}
	b := broadcast.New(logger, dir, pushFailer{})
	r := New(logger, dir, b)

	res := r.Handle(context.Background(), "ec1", []byte(`{"action":"alert","data":{}}`))
	assert.Equal(t, Result{StatusCode: http.StatusOK, Body: BodyReceived}, res)
}

type pushFailer struct{}

func (pushFailer) Push(context.Context, string, []byte) error {
	return errors.New("socket closed")
}
