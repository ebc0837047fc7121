package api

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/roach88/mlscore/internal/association"
	"github.com/roach88/mlscore/internal/commitlog"
)

// ClientConfig configures a Client.
type ClientConfig struct {
	// RequestsPerSecond and Burst bound outgoing calls.
	RequestsPerSecond float64
	Burst             int
	// MaxAttempts bounds retries of fetch calls. Publish is not retried here;
	// the commit log worker retries on its next cycle.
	MaxAttempts int
	// BaseBackoff is the delay before the first retry; it doubles each time.
	BaseBackoff time.Duration
	Logger      *slog.Logger
}

// ApplyDefaults fills zero fields.
func (c *ClientConfig) ApplyDefaults() {
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 20
	}
	if c.Burst <= 0 {
		c.Burst = 10
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 200 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Client wraps a Transport with a backend, rate limiting and fetch retries.
// It implements Transport and is safe for concurrent use.
type Client struct {
	backend   Backend
	transport Transport
	limiter   *rate.Limiter
	cfg       ClientConfig
}

// NewClient creates a client for backend over transport.
func NewClient(backend Backend, transport Transport, cfg ClientConfig) *Client {
	cfg.ApplyDefaults()
	return &Client{
		backend:   backend,
		transport: transport,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		cfg:       cfg,
	}
}

// Backend returns the backend selected at construction.
func (c *Client) Backend() Backend { return c.backend }

// retry runs fn up to MaxAttempts times with exponential backoff.
func retry[T any](ctx context.Context, c *Client, op string, fn func() (T, error)) (T, error) {
	var zero T
	delay := c.cfg.BaseBackoff
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return zero, fmt.Errorf("%s: %w", op, err)
		}
		v, err := fn()
		if err == nil {
			return v, nil
		}
		lastErr = err
		if attempt == c.cfg.MaxAttempts {
			break
		}
		c.cfg.Logger.Debug("api call failed, retrying",
			"op", op, "attempt", attempt, "backoff", delay, "error", err)
		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("%s: %w", op, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
	return zero, fmt.Errorf("%s: %d attempts: %w", op, c.cfg.MaxAttempts, lastErr)
}

// GetIdentityUpdates fetches identity updates after a sequence id.
func (c *Client) GetIdentityUpdates(ctx context.Context, inboxID string, after uint64) ([]association.IdentityUpdate, error) {
	return retry(ctx, c, "get identity updates", func() ([]association.IdentityUpdate, error) {
		return c.transport.GetIdentityUpdates(ctx, inboxID, after)
	})
}

// FetchRemoteCommitLog fetches remote commit log entries after a position.
func (c *Client) FetchRemoteCommitLog(ctx context.Context, groupID string, after uint64) ([]commitlog.Entry, error) {
	return retry(ctx, c, "fetch remote commit log", func() ([]commitlog.Entry, error) {
		return c.transport.FetchRemoteCommitLog(ctx, groupID, after)
	})
}

// PublishCommitLog publishes entries once.
func (c *Client) PublishCommitLog(ctx context.Context, entries []commitlog.Entry) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("publish commit log: %w", err)
	}
	if err := c.transport.PublishCommitLog(ctx, entries); err != nil {
		return fmt.Errorf("publish commit log: %w", err)
	}
	return nil
}

// SendReaddRequest sends a readd request once. Recovery resends on a later
// cycle if it fails.
func (c *Client) SendReaddRequest(ctx context.Context, req commitlog.ReaddRequest, recipients []string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("send readd request: %w", err)
	}
	if err := c.transport.SendReaddRequest(ctx, req, recipients); err != nil {
		return fmt.Errorf("send readd request: %w", err)
	}
	return nil
}

// ReaddInstallations readds installations to a group once and returns the
// readd commit's sequence id.
func (c *Client) ReaddInstallations(ctx context.Context, groupID string, installations []string) (uint64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("readd installations: %w", err)
	}
	seq, err := c.transport.ReaddInstallations(ctx, groupID, installations)
	if err != nil {
		return 0, fmt.Errorf("readd installations: %w", err)
	}
	return seq, nil
}

// Subscribe opens a stream with backend-specific filters, and rewrites every
// received envelope for the backend.
func (c *Client) Subscribe(ctx context.Context, filters []TopicFilter) (<-chan Envelope, error) {
	rewritten := make([]TopicFilter, len(filters))
	for i, f := range filters {
		rewritten[i] = c.backend.filter(f)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	in, err := c.transport.Subscribe(ctx, rewritten)
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	out := make(chan Envelope)
	go func() {
		defer close(out)
		for e := range in {
			select {
			case out <- c.backend.normalize(e):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
