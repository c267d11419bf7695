package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PortNumber53/botbuilder/backend/internal/models"
)

var sweepTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type stubLister struct {
	userIDs []string
	err     error
	cutoff  time.Time
	limit   int
}

func (s *stubLister) ListLapsedSubscribers(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	s.cutoff = cutoff
	s.limit = limit
	return s.userIDs, s.err
}

type stubRefresher struct {
	mu      sync.Mutex
	results map[string]models.Entitlement
	errs    map[string]error
	calls   []string
}

func (s *stubRefresher) Refresh(ctx context.Context, userID string) (models.Entitlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, userID)
	if err := s.errs[userID]; err != nil {
		return models.Entitlement{}, err
	}
	return s.results[userID], nil
}

type stubPublisher struct {
	mu      sync.Mutex
	userIDs []string
}

func (s *stubPublisher) PublishInvalidation(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userIDs = append(s.userIDs, userID)
	return nil
}

func timePtr(t time.Time) *time.Time { return &t }

func newTestWorker(lister *stubLister, refresher *stubRefresher, publisher *stubPublisher) *Worker {
	w := New(Config{BatchSize: 10, MaxConcurrent: 2}, lister, refresher, publisher)
	w.now = func() time.Time { return sweepTime }
	return w
}

func TestSweepOnceHealsLapsedSubscribers(t *testing.T) {
	lister := &stubLister{userIDs: []string{"canceled", "renewed", "stale", "broken"}}
	refresher := &stubRefresher{
		results: map[string]models.Entitlement{
			"canceled": {Subscribed: false},
			"renewed":  {Subscribed: true, SubscriptionEnd: timePtr(sweepTime.AddDate(0, 1, 0))},
			"stale":    {Subscribed: true, SubscriptionEnd: timePtr(sweepTime.Add(-time.Hour))},
		},
		errs: map[string]error{"broken": errors.New("db down")},
	}
	publisher := &stubPublisher{}
	w := newTestWorker(lister, refresher, publisher)

	healed, err := w.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, healed)

	assert.Equal(t, sweepTime, lister.cutoff)
	assert.Equal(t, 10, lister.limit)
	assert.ElementsMatch(t, []string{"canceled", "renewed", "stale", "broken"}, refresher.calls)
	assert.ElementsMatch(t, []string{"canceled", "renewed"}, publisher.userIDs)

	stats := w.GetStats()
	assert.Equal(t, int64(1), stats.Sweeps)
	assert.Equal(t, int64(4), stats.Visited)
	assert.Equal(t, int64(2), stats.Healed)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, 4, stats.LastSweepSize)
}

func TestSweepOnceListError(t *testing.T) {
	lister := &stubLister{err: errors.New("connection refused")}
	refresher := &stubRefresher{}
	w := newTestWorker(lister, refresher, &stubPublisher{})

	_, err := w.SweepOnce(context.Background())
	require.Error(t, err)
	assert.Empty(t, refresher.calls)
	assert.Zero(t, w.GetStats().Sweeps)
}

func TestSweepOnceNothingLapsed(t *testing.T) {
	w := newTestWorker(&stubLister{}, &stubRefresher{}, &stubPublisher{})

	healed, err := w.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, healed)
	assert.Equal(t, int64(1), w.GetStats().Sweeps)
}

func TestStartRunsImmediateSweepAndStops(t *testing.T) {
	lister := &stubLister{userIDs: []string{"canceled"}}
	refresher := &stubRefresher{results: map[string]models.Entitlement{"canceled": {}}}
	w := New(Config{Interval: time.Hour}, lister, refresher, nil)

	w.Start(context.Background())
	require.Eventually(t, func() bool { return w.GetStats().Sweeps >= 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, w.Stop(context.Background()))
	require.NoError(t, w.Stop(context.Background()))
	assert.Equal(t, int64(1), w.GetStats().Healed)
}
