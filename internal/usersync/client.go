package usersync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/dmehra2102/prod-golang-projects/medportal/internal/config"
	"github.com/dmehra2102/prod-golang-projects/medportal/internal/domain"
	"github.com/dmehra2102/prod-golang-projects/medportal/pkg/tlsconfig"
)

// TokenHeader carries the shared secret between replicas.
const TokenHeader = "X-Internal-Token"

// HTTPClient calls the sync endpoint of another replica. A circuit breaker
// fails fast while the endpoint is down; the Retrier's backoff gives it time
// to recover.
type HTTPClient struct {
	endpoint string
	secret   string
	http     *http.Client
	breaker  *gobreaker.CircuitBreaker[*domain.User]
	log      *zap.Logger
}

var _ Syncer = (*HTTPClient)(nil)

func NewHTTPClient(cfg config.SyncConfig, log *zap.Logger) (*HTTPClient, error) {
	tlsCfg, err := tlsconfig.ClientTLSConfig(cfg.CAFile, cfg.ClientCertFile, cfg.ClientKeyFile)
	if err != nil {
		return nil, fmt.Errorf("sync client tls: %w", err)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsCfg

	c := &HTTPClient{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		secret:   cfg.SharedSecret,
		http:     &http.Client{Transport: transport, Timeout: cfg.RequestTimeout},
		log:      log,
	}
	c.breaker = gobreaker.NewCircuitBreaker[*domain.User](gobreaker.Settings{
		Name:        "user-sync",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// A rejected request means the endpoint is healthy.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrRejected)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return c, nil
}

type syncResponse struct {
	Data  *domain.User `json:"data"`
	Error string       `json:"error"`
}

func (c *HTTPClient) Sync(ctx context.Context, externalID string, hint Hint) (*domain.User, error) {
	return c.breaker.Execute(func() (*domain.User, error) {
		return c.do(ctx, externalID, hint)
	})
}

func (c *HTTPClient) do(ctx context.Context, externalID string, hint Hint) (*domain.User, error) {
	body, err := json.Marshal(hint)
	if err != nil {
		return nil, fmt.Errorf("encoding sync request: %w", err)
	}

	u := c.endpoint + "/api/auth/sync/" + url.PathEscape(externalID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building sync request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(TokenHeader, c.secret)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling sync endpoint: %w", err)
	}
	defer resp.Body.Close()

	var out syncResponse
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading sync response: %w", err)
	}
	_ = json.Unmarshal(raw, &out)

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("sync endpoint returned %d: %s", resp.StatusCode, out.Error)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("%w (%d): %s", ErrRejected, resp.StatusCode, out.Error)
	case out.Data == nil:
		return nil, fmt.Errorf("sync endpoint returned %d without a user", resp.StatusCode)
	}
	return out.Data, nil
}
