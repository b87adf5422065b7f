// Package postgres provides the resilient PostgreSQL connection layer.
//
// Client owns one pgx connection pool for the process lifetime and keeps
// it usable through transient network and container-startup races:
// failed connection attempts are retried with exponential backoff plus
// jitter, and when the primary connection string keeps failing the client
// rotates through an ordered list of fallback DSNs, adopting the first
// one that answers.
//
// Client is constructed explicitly at bootstrap and injected into stores;
// there is no package-level singleton.
package postgres

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/beaconhq/beacon/internal/log"
)

// Reconnect policy defaults. Delay grows as base * 1.5^(attempt-1) with
// multiplicative jitter in [0.85, 1.15], capped at MaxReconnectDelay.
const (
	DefaultReconnectBase  = 1 * time.Second
	DefaultMaxDelay       = 30 * time.Second
	DefaultConnectTimeout = 10 * time.Second
	DefaultPingTimeout    = 5 * time.Second

	jitterLow  = 0.85
	jitterHigh = 1.15
)

// Config configures a Client.
type Config struct {
	// DSN is the primary connection string (URL or key=value form).
	DSN string

	// FallbackDSNs are tried in order when the primary repeatedly fails.
	FallbackDSNs []string

	// Pool bounds passed through to pgxpool.
	MinConns int32
	MaxConns int32

	// MaxReconnectAttempts caps consecutive scheduled reconnects before
	// the client logs a terminal error and stops rescheduling. A later
	// successful TestConnection resets the counter.
	MaxReconnectAttempts int

	// ReconnectBase is the first retry delay. Zero means DefaultReconnectBase.
	ReconnectBase time.Duration

	// MaxDelay caps the computed retry delay. Zero means DefaultMaxDelay.
	MaxDelay time.Duration

	// ConnectTimeout bounds pool construction, PingTimeout bounds the
	// health-check round trip. Zero means the package defaults.
	ConnectTimeout time.Duration
	PingTimeout    time.Duration

	// OnConnect, when set, runs after every successful connection,
	// including background reconnects. Called outside the client's lock,
	// so it may use the client freely. Used at bootstrap to make sure the
	// schema exists before requests hit a freshly recovered database.
	OnConnect func(ctx context.Context)
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MinConns == 0 {
		out.MinConns = 2
	}
	if out.MaxConns == 0 {
		out.MaxConns = 10
	}
	if out.MaxReconnectAttempts == 0 {
		out.MaxReconnectAttempts = 10
	}
	if out.ReconnectBase == 0 {
		out.ReconnectBase = DefaultReconnectBase
	}
	if out.MaxDelay == 0 {
		out.MaxDelay = DefaultMaxDelay
	}
	if out.ConnectTimeout == 0 {
		out.ConnectTimeout = DefaultConnectTimeout
	}
	if out.PingTimeout == 0 {
		out.PingTimeout = DefaultPingTimeout
	}
	return out
}

// Client is a reconnecting wrapper around a pgx connection pool.
//
// Client is safe for concurrent use by multiple goroutines.
type Client struct {
	cfg    Config
	logger log.Logger

	mu        sync.Mutex
	pool      *pgxpool.Pool
	activeDSN string
	attempts  int // consecutive failed reconnects
	timer     *time.Timer
	closed    bool
}

// New creates a Client without performing any I/O.
// Call Connect to establish the pool.
func New(cfg Config, logger log.Logger) *Client {
	if logger == nil {
		logger = log.NewNop()
	}
	c := cfg.withDefaults()
	return &Client{cfg: c, logger: logger, activeDSN: c.DSN}
}

// Connect establishes the connection pool, rotating through fallback DSNs
// when the primary fails. On total failure a background reconnect is
// scheduled and ErrConnectionUnavailable is returned; the process keeps
// running and requests fail until a retry succeeds.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("%w: client closed", ErrConnectionUnavailable)
	}
	if c.pool != nil {
		c.mu.Unlock()
		return nil
	}
	err := c.connectLocked(ctx)
	c.mu.Unlock()

	if err == nil && c.cfg.OnConnect != nil {
		c.cfg.OnConnect(ctx)
	}
	return err
}

// connectLocked tries the active DSN, then each fallback, adopting the
// first that answers a ping. Caller holds c.mu.
func (c *Client) connectLocked(ctx context.Context) error {
	candidates := append([]string{c.activeDSN}, c.cfg.FallbackDSNs...)

	var lastErr error
	for i, dsn := range candidates {
		if dsn == "" {
			continue
		}
		pool, err := c.dial(ctx, dsn)
		if err != nil {
			lastErr = err
			c.logger.Warn("database connection failed",
				"candidate", i, "error", err)
			continue
		}
		if i > 0 {
			c.logger.Info("adopted fallback connection string", "candidate", i)
		}
		c.pool = pool
		c.activeDSN = dsn
		c.attempts = 0
		c.logger.Info("database connected",
			"min_conns", c.cfg.MinConns, "max_conns", c.cfg.MaxConns)
		return nil
	}

	c.scheduleReconnectLocked()
	return fmt.Errorf("%w: all connection candidates failed: %v",
		ErrConnectionUnavailable, lastErr)
}

// dial builds and pings a pool for one DSN.
func (c *Client) dial(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing connection config: %w", err)
	}
	poolCfg.MinConns = c.cfg.MinConns
	poolCfg.MaxConns = c.cfg.MaxConns
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	poolCfg.HealthCheckPeriod = 1 * time.Minute

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(dialCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	pingCtx, pingCancel := context.WithTimeout(ctx, c.cfg.PingTimeout)
	defer pingCancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}

// TestConnection runs a trivial round-trip query against the pool.
// On failure the pool is discarded and a backoff reconnect is scheduled;
// on success the consecutive-failure counter resets.
func (c *Client) TestConnection(ctx context.Context) error {
	c.mu.Lock()
	pool := c.pool
	timeout := c.cfg.PingTimeout
	c.mu.Unlock()

	if pool == nil {
		return c.Connect(ctx)
	}

	qctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var one int
	err := pool.QueryRow(qctx, "SELECT 1").Scan(&one)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.logger.Warn("connection test failed", "error", err)
		if c.pool == pool {
			c.pool.Close()
			c.pool = nil
		}
		c.scheduleReconnectLocked()
		return fmt.Errorf("%w: %v", ErrConnectionUnavailable, err)
	}
	c.attempts = 0
	return nil
}

// scheduleReconnectLocked arranges a background reconnect with
// exponential backoff and jitter. Caller holds c.mu.
func (c *Client) scheduleReconnectLocked() {
	if c.closed || c.timer != nil {
		return
	}
	c.attempts++
	if c.attempts > c.cfg.MaxReconnectAttempts {
		c.logger.Error("reconnect attempts exhausted, giving up until next request",
			"attempts", c.attempts-1)
		c.attempts = c.cfg.MaxReconnectAttempts // next trigger retries once more
		return
	}

	delay := ReconnectDelay(c.attempts, c.cfg.ReconnectBase, c.cfg.MaxDelay)
	c.logger.Info("scheduling database reconnect",
		"attempt", c.attempts, "delay", delay)
	c.timer = time.AfterFunc(delay, c.reconnect)
}

// reconnect is the timer callback for scheduled reconnects.
func (c *Client) reconnect() {
	c.mu.Lock()
	c.timer = nil
	if c.closed || c.pool != nil {
		c.mu.Unlock()
		return
	}
	err := c.connectLocked(context.Background())
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("scheduled reconnect failed", "error", err)
		return
	}
	c.logger.Info("database connection recovered")
	if c.cfg.OnConnect != nil {
		c.cfg.OnConnect(context.Background())
	}
}

// ReconnectDelay computes the backoff delay for the given attempt (1-based):
// min(base * 1.5^(attempt-1) * jitter, maxDelay) with jitter drawn
// uniformly from [0.85, 1.15]. Exported for verification of retry bounds.
func ReconnectDelay(attempt int, base, maxDelay time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(base)
	for i := 1; i < attempt; i++ {
		d *= 1.5
		if d >= float64(maxDelay) {
			break
		}
	}
	jitter := jitterLow + rand.Float64()*(jitterHigh-jitterLow)
	d *= jitter
	if d > float64(maxDelay) {
		d = float64(maxDelay)
	}
	return time.Duration(d)
}

// Pool returns the underlying pool, or nil while disconnected.
// Stores should prefer the query helpers, which classify errors.
func (c *Client) Pool() *pgxpool.Pool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pool
}

// acquire returns the pool or ErrConnectionUnavailable.
func (c *Client) acquire() (*pgxpool.Pool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pool == nil {
		return nil, fmt.Errorf("%w: no active pool", ErrConnectionUnavailable)
	}
	return c.pool, nil
}

// Exec runs a statement against the pool.
func (c *Client) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	pool, err := c.acquire()
	if err != nil {
		return pgconn.CommandTag{}, err
	}
	tag, err := pool.Exec(ctx, sql, args...)
	if err != nil {
		return pgconn.CommandTag{}, Classify(err)
	}
	return tag, nil
}

// Query runs a query against the pool.
func (c *Client) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	pool, err := c.acquire()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, Classify(err)
	}
	return rows, nil
}

// QueryRow runs a single-row query against the pool.
// The connection error, if any, surfaces from Scan.
func (c *Client) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	pool, err := c.acquire()
	if err != nil {
		return errRow{err}
	}
	return pool.QueryRow(ctx, sql, args...)
}

// Begin starts a transaction on the pool.
func (c *Client) Begin(ctx context.Context) (pgx.Tx, error) {
	pool, err := c.acquire()
	if err != nil {
		return nil, err
	}
	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, Classify(err)
	}
	return tx, nil
}

// Close releases the pool and cancels any pending reconnect.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.pool != nil {
		c.pool.Close()
		c.pool = nil
	}
}

// errRow satisfies pgx.Row for the disconnected case.
type errRow struct{ err error }

func (r errRow) Scan(...any) error { return r.err }
