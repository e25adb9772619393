package usersync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dmehra2102/prod-golang-projects/medportal/internal/config"
	"github.com/dmehra2102/prod-golang-projects/medportal/internal/domain"
	"github.com/dmehra2102/prod-golang-projects/medportal/internal/service"
	"github.com/dmehra2102/prod-golang-projects/medportal/pkg/metrics"
)

// flakySyncer fails the first `failures` calls with err, then succeeds.
type flakySyncer struct {
	mu       sync.Mutex
	failures int
	err      error
	calls    []time.Time
	role     domain.Role
}

func (f *flakySyncer) Sync(ctx context.Context, externalID string, hint Hint) (*domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, time.Now())
	if len(f.calls) <= f.failures {
		return nil, f.err
	}
	return &domain.User{ID: uuid.New(), ExternalID: externalID, Role: f.role}, nil
}

func (f *flakySyncer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestRetrier(next Syncer, m *metrics.Collector) *Retrier {
	return NewRetrier(next, config.SyncConfig{
		MaxAttempts:     3,
		InitialInterval: 20 * time.Millisecond,
		Multiplier:      2,
	}, m, zap.NewNop())
}

func TestRetrier_TransientFailuresAreTransparent(t *testing.T) {
	for failures := 0; failures < 3; failures++ {
		next := &flakySyncer{failures: failures, err: errors.New("HTTP 500"), role: domain.RoleProvider}
		r := newTestRetrier(next, metrics.NewNop())

		u, err := r.Sync(context.Background(), "user_1", Hint{Role: domain.RoleProvider})
		require.NoError(t, err, "failures=%d", failures)
		assert.Equal(t, domain.RoleProvider, u.Role)
		assert.Equal(t, failures+1, next.callCount())
	}
}

func TestRetrier_ExhaustsAfterThreeAttempts(t *testing.T) {
	next := &flakySyncer{failures: 100, err: errors.New("HTTP 500")}
	m := metrics.NewNop()
	r := newTestRetrier(next, m)

	start := time.Now()
	_, err := r.Sync(context.Background(), "user_1", Hint{Role: domain.RolePatient})
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Contains(t, err.Error(), "HTTP 500")
	require.Equal(t, 3, next.callCount())

	// Waits double between attempts and there is no wait after the last one.
	gap1 := next.calls[1].Sub(next.calls[0])
	gap2 := next.calls[2].Sub(next.calls[1])
	assert.GreaterOrEqual(t, gap1, 20*time.Millisecond)
	assert.GreaterOrEqual(t, gap2, 40*time.Millisecond)
	assert.Less(t, elapsed, r.MaxWait()+200*time.Millisecond)
	assert.Equal(t, float64(3), testutil.ToFloat64(m.SyncAttemptsTotal.WithLabelValues("retryable")))
}

func TestRetrier_PermanentErrorsAreNotRetried(t *testing.T) {
	next := &flakySyncer{failures: 100, err: &service.ValidationError{Fields: []string{"role is required"}}}
	r := newTestRetrier(next, metrics.NewNop())

	_, err := r.Sync(context.Background(), "user_1", Hint{})
	var ve *service.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.NotErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, 1, next.callCount())
}

func TestRetrier_StopsWhenContextIsCancelled(t *testing.T) {
	next := &flakySyncer{failures: 100, err: errors.New("HTTP 503")}
	r := NewRetrier(next, config.SyncConfig{
		MaxAttempts:     3,
		InitialInterval: time.Second,
		Multiplier:      2,
	}, metrics.NewNop(), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := r.Sync(ctx, "user_1", Hint{Role: domain.RolePatient})
		done <- err
	}()

	require.Eventually(t, func() bool { return next.callCount() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("retry kept waiting after its context was cancelled")
	}

	// No attempt fires after cancellation.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, next.callCount())
}

func TestRetrier_DefaultScheduleFitsBound(t *testing.T) {
	r := NewRetrier(nil, config.SyncConfig{MaxAttempts: 3, InitialInterval: time.Second, Multiplier: 2}, metrics.NewNop(), zap.NewNop())
	assert.Equal(t, 3*time.Second, r.MaxWait())
	assert.LessOrEqual(t, r.MaxWait(), 7*time.Second)
}
