package usersync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/dmehra2102/prod-golang-projects/medportal/internal/config"
	"github.com/dmehra2102/prod-golang-projects/medportal/internal/domain"
	"github.com/dmehra2102/prod-golang-projects/medportal/pkg/metrics"
)

// Retrier retries a Syncer with exponential backoff. With the defaults it
// makes at most 3 attempts, waiting 1s and then 2s between them. It never
// waits after the last attempt and stops as soon as ctx is done.
type Retrier struct {
	next            Syncer
	maxAttempts     int
	initialInterval time.Duration
	multiplier      float64
	metrics         *metrics.Collector
	log             *zap.Logger
}

var _ Syncer = (*Retrier)(nil)

func NewRetrier(next Syncer, cfg config.SyncConfig, m *metrics.Collector, log *zap.Logger) *Retrier {
	r := &Retrier{
		next:            next,
		maxAttempts:     cfg.MaxAttempts,
		initialInterval: cfg.InitialInterval,
		multiplier:      cfg.Multiplier,
		metrics:         m,
		log:             log,
	}
	if r.maxAttempts < 1 {
		r.maxAttempts = 1
	}
	if r.initialInterval <= 0 {
		r.initialInterval = time.Second
	}
	if r.multiplier < 1 {
		r.multiplier = 2
	}
	return r
}

// MaxWait is the total time spent waiting between attempts when every
// attempt fails.
func (r *Retrier) MaxWait() time.Duration {
	var total time.Duration
	d := r.initialInterval
	for i := 1; i < r.maxAttempts; i++ {
		total += d
		d = time.Duration(float64(d) * r.multiplier)
	}
	return total
}

func (r *Retrier) Sync(ctx context.Context, externalID string, hint Hint) (*domain.User, error) {
	start := time.Now()
	defer func() { r.metrics.SyncDuration.Observe(time.Since(start).Seconds()) }()

	eb := &backoff.ExponentialBackOff{
		InitialInterval:     r.initialInterval,
		RandomizationFactor: 0,
		Multiplier:          r.multiplier,
		MaxInterval:         r.initialInterval * time.Duration(1<<uint(r.maxAttempts)),
	}

	attempts := 0
	user, err := backoff.Retry(ctx, func() (*domain.User, error) {
		attempts++
		u, err := r.next.Sync(ctx, externalID, hint)
		switch {
		case err == nil:
			r.metrics.SyncAttemptsTotal.WithLabelValues("success").Inc()
			return u, nil
		case IsPermanent(err):
			r.metrics.SyncAttemptsTotal.WithLabelValues("permanent").Inc()
			return nil, backoff.Permanent(err)
		default:
			r.metrics.SyncAttemptsTotal.WithLabelValues("retryable").Inc()
			return nil, err
		}
	},
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(uint(r.maxAttempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			r.log.Warn("user sync failed, retrying",
				zap.String("external_id", externalID),
				zap.Int("attempt", attempts),
				zap.Duration("wait", wait),
				zap.Error(err),
			)
		}),
	)
	if err == nil {
		return user, nil
	}

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("user sync abandoned after %d attempt(s): %w", attempts, ctxErr)
	}
	if IsPermanent(err) {
		return nil, err
	}

	r.log.Error("user sync failed",
		zap.String("external_id", externalID),
		zap.Int("attempts", attempts),
		zap.Error(err),
	)
	return nil, fmt.Errorf("%w after %d attempt(s): %w", ErrRetriesExhausted, attempts, err)
}
