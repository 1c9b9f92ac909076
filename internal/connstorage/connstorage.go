// Package connstorage is an in-memory connection directory used by the local
// relay server and in tests.
package connstorage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vmorsell/shelterlink/internal/storage"
	"github.com/vmorsell/shelterlink/pkg/model"
	"go.uber.org/zap"
)

type ConnectionStorage struct {
	logger *zap.Logger
	now    func() time.Time

	mu    sync.RWMutex
	conns map[string]model.ConnectionRecord
}

type Option func(*ConnectionStorage)

// WithClock sets the clock used to decide record expiry.
func WithClock(now func() time.Time) Option {
	return func(s *ConnectionStorage) { s.now = now }
}

func New(logger *zap.Logger, opts ...Option) *ConnectionStorage {
	s := &ConnectionStorage{
		logger: logger,
		now:    time.Now,
		conns:  make(map[string]model.ConnectionRecord),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *ConnectionStorage) Get(_ context.Context, connectionID string) (model.ConnectionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.conns[connectionID]
	if !ok || rec.Expired(s.now()) {
		return model.ConnectionRecord{}, storage.ErrConnectionNotFound
	}
	return rec, nil
}

// ListAll returns live records ordered by connection id.
func (s *ConnectionStorage) ListAll(_ context.Context) ([]model.ConnectionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	records := make([]model.ConnectionRecord, 0, len(s.conns))
	for _, rec := range s.conns {
		if rec.Expired(now) {
			continue
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].ConnectionID < records[j].ConnectionID
	})
	return records, nil
}

func (s *ConnectionStorage) Put(_ context.Context, rec model.ConnectionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conns[rec.ConnectionID]; ok {
		return storage.ErrConnectionExists
	}
	s.conns[rec.ConnectionID] = rec
	s.logger.Debug("connection saved",
		zap.String("connectionID", rec.ConnectionID),
		zap.Int("total", len(s.conns)))
	return nil
}

func (s *ConnectionStorage) Delete(_ context.Context, connectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.conns, connectionID)
	return nil
}

// Sweep drops expired records and returns their connection ids.
func (s *ConnectionStorage) Sweep() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var removed []string
	for id, rec := range s.conns {
		if rec.Expired(now) {
			delete(s.conns, id)
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	return removed
}

func (s *ConnectionStorage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}
