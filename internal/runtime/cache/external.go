package cache

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	valkey "github.com/valkey-io/valkey-go"
)

// State is the connection state of the external tier.
type State int32

const (
	StateUninitialized State = iota
	StateConnected
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// Event drives State transitions. Only EventConnectSucceeded leaves Degraded.
type Event int

const (
	EventConnectSucceeded Event = iota + 1
	EventErrorObserved
	EventConfigAbsent
)

func (e Event) String() string {
	switch e {
	case EventConnectSucceeded:
		return "connect_succeeded"
	case EventErrorObserved:
		return "error_observed"
	case EventConfigAbsent:
		return "config_absent"
	default:
		return "unknown"
	}
}

const (
	defaultConnectAttempts = 3
	defaultInitialBackoff  = 100 * time.Millisecond
	defaultMaxBackoff      = 2 * time.Second
	defaultDialTimeout     = 2 * time.Second

	reasonNotConfigured = "external cache not configured"
)

type ExternalTLSConfig struct {
	Enabled bool
	CAFile  string
}

type ExternalConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	TLS      ExternalTLSConfig

	// ConnectAttempts bounds PING attempts per Connect call.
	ConnectAttempts int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	DialTimeout     time.Duration
}

// ExternalCache wraps a valkey client with connection-state tracking. The
// degraded state is latched: it clears only on a successful Connect.
type ExternalCache struct {
	cfg        ExternalConfig
	option     valkey.ClientOption
	configured bool
	logger     *slog.Logger

	state   atomic.Int32
	lastErr atomic.Value

	transitionMu sync.Mutex
	onTransition func(prev, next State, cause error)

	clientMu sync.RWMutex
	client   valkey.Client

	reconnectStop chan struct{}
	reconnectDone chan struct{}
	closeOnce     sync.Once
}

// NewExternal prepares the external tier without dialing. When no address is
// configured the cache starts Degraded and never attempts a connection.
func NewExternal(cfg ExternalConfig, logger *slog.Logger) (*ExternalCache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ConnectAttempts <= 0 {
		cfg.ConnectAttempts = defaultConnectAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	c := &ExternalCache{
		cfg:    cfg,
		logger: logger.With(slog.String("agent", "external_cache")),
	}
	c.lastErr.Store("")

	address := strings.TrimSpace(cfg.Address)
	if address == "" {
		c.transition(EventConfigAbsent, errors.New(reasonNotConfigured))
		return c, nil
	}

	option := valkey.ClientOption{
		InitAddress:       []string{address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
		Dialer:            net.Dialer{Timeout: cfg.DialTimeout},
	}
	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("cache: read redis ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("cache: redis ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}
	c.option = option
	c.configured = true
	return c, nil
}

// Configured reports whether an endpoint was supplied at all.
func (c *ExternalCache) Configured() bool { return c.configured }

// State returns the current connection state.
func (c *ExternalCache) State() State { return State(c.state.Load()) }

// LastError returns the message of the most recent failure, or "" once a
// connect succeeds.
func (c *ExternalCache) LastError() string {
	msg, _ := c.lastErr.Load().(string)
	return msg
}

// OnTransition registers a callback fired after each state change.
func (c *ExternalCache) OnTransition(fn func(prev, next State, cause error)) {
	c.transitionMu.Lock()
	defer c.transitionMu.Unlock()
	c.onTransition = fn
}

// Connect dials and pings with capped exponential backoff. Success fires
// EventConnectSucceeded; exhausting the attempts fires EventErrorObserved.
func (c *ExternalCache) Connect(ctx context.Context) error {
	if !c.configured {
		return fmt.Errorf("%w: %s", ErrUnavailable, reasonNotConfigured)
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.InitialBackoff
	policy.MaxInterval = c.cfg.MaxBackoff

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := c.dialAndPing(ctx)
		if err != nil {
			c.logger.Debug("external cache connect attempt failed",
				slog.Int("attempt", attempt),
				slog.Any("error", err),
			)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(uint(c.cfg.ConnectAttempts)))
	if err != nil {
		c.transition(EventErrorObserved, err)
		return fmt.Errorf("%w: connect: %v", ErrUnavailable, err)
	}
	c.transition(EventConnectSucceeded, nil)
	return nil
}

// ReportError records a failure observed by a caller and latches Degraded.
func (c *ExternalCache) ReportError(err error) {
	if err == nil {
		return
	}
	c.transition(EventErrorObserved, err)
}

// StartReconnect retries Connect every interval while the cache is Degraded.
// Close stops the loop.
func (c *ExternalCache) StartReconnect(interval time.Duration) {
	if !c.configured || interval <= 0 {
		return
	}
	c.clientMu.Lock()
	if c.reconnectStop != nil {
		c.clientMu.Unlock()
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	c.reconnectStop = stop
	c.reconnectDone = done
	c.clientMu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if c.State() != StateDegraded {
					continue
				}
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				if err := c.Connect(ctx); err != nil {
					c.logger.Debug("external cache reconnect failed", slog.Any("error", err))
				}
				cancel()
			}
		}
	}()
}

// Get returns the raw stored value. A missing key yields ErrMiss; anything
// else wraps ErrUnavailable.
func (c *ExternalCache) Get(ctx context.Context, key string) (string, error) {
	client, err := c.activeClient()
	if err != nil {
		return "", err
	}
	value, err := client.Do(ctx, client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if errors.Is(err, valkey.Nil) {
			return "", ErrMiss
		}
		return "", fmt.Errorf("%w: get: %v", ErrUnavailable, err)
	}
	return value, nil
}

// Set stores value with a millisecond-precision ttl.
func (c *ExternalCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	client, err := c.activeClient()
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	cmd := client.B().Set().Key(key).Value(value).Px(ttl).Build()
	if err := client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("%w: set: %v", ErrUnavailable, err)
	}
	return nil
}

func (c *ExternalCache) Delete(ctx context.Context, key string) error {
	client, err := c.activeClient()
	if err != nil {
		return err
	}
	if err := client.Do(ctx, client.B().Del().Key(key).Build()).Error(); err != nil {
		return fmt.Errorf("%w: del: %v", ErrUnavailable, err)
	}
	return nil
}

// Ping checks reachability. It never clears Degraded on its own.
func (c *ExternalCache) Ping(ctx context.Context) error {
	client, err := c.activeClient()
	if err != nil {
		return err
	}
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		return fmt.Errorf("%w: ping: %v", ErrUnavailable, err)
	}
	return nil
}

// Close stops reconnect attempts and releases the client.
func (c *ExternalCache) Close() error {
	c.closeOnce.Do(func() {
		c.clientMu.Lock()
		stop, done := c.reconnectStop, c.reconnectDone
		client := c.client
		c.client = nil
		c.clientMu.Unlock()
		if stop != nil {
			close(stop)
			<-done
		}
		if client != nil {
			client.Close()
		}
	})
	return nil
}

func (c *ExternalCache) activeClient() (valkey.Client, error) {
	if !c.configured {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, reasonNotConfigured)
	}
	c.clientMu.RLock()
	defer c.clientMu.RUnlock()
	if c.client == nil {
		return nil, fmt.Errorf("%w: not connected", ErrUnavailable)
	}
	return c.client, nil
}

func (c *ExternalCache) dialAndPing(ctx context.Context) error {
	c.clientMu.RLock()
	client := c.client
	c.clientMu.RUnlock()

	if client == nil {
		created, err := valkey.NewClient(c.option)
		if err != nil {
			return fmt.Errorf("redis client: %w", err)
		}
		c.clientMu.Lock()
		if c.client == nil {
			c.client = created
			client = created
		} else {
			client = c.client
			created.Close()
		}
		c.clientMu.Unlock()
	}

	pingCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	if err := client.Do(pingCtx, client.B().Ping().Build()).Error(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (c *ExternalCache) transition(event Event, cause error) {
	c.transitionMu.Lock()
	prev := c.State()
	next := prev
	switch event {
	case EventConnectSucceeded:
		next = StateConnected
		c.lastErr.Store("")
	case EventErrorObserved, EventConfigAbsent:
		next = StateDegraded
		if cause != nil {
			c.lastErr.Store(cause.Error())
		}
	}
	c.state.Store(int32(next))
	notify := c.onTransition
	c.transitionMu.Unlock()

	if prev == next {
		return
	}
	attrs := []slog.Attr{
		slog.String("event", event.String()),
		slog.String("from", prev.String()),
		slog.String("to", next.String()),
	}
	if cause != nil {
		attrs = append(attrs, slog.String("error", cause.Error()))
	}
	level := slog.LevelInfo
	if next == StateDegraded && event == EventErrorObserved {
		level = slog.LevelWarn
	}
	c.logger.LogAttrs(context.Background(), level, "external cache state changed", attrs...)
	if notify != nil {
		notify(prev, next, cause)
	}
}
