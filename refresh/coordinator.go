package refresh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jrsteele09/jobboard-client/credentials"
	autherrors "github.com/jrsteele09/jobboard-client/internal/errors"
	"github.com/jrsteele09/jobboard-client/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// NowTimeFunc returns the current time. It can be overridden in tests.
var NowTimeFunc = time.Now

var (
	ErrRefreshFailed  = autherrors.ErrRefreshFailed
	ErrNoRefreshToken = autherrors.ErrNoRefreshToken
	ErrSessionReset   = autherrors.ErrSessionReset

	errEmptyAccessToken = errors.New("identity provider returned an empty access token")
)

// Exchanger trades a refresh token for a new credential at the identity provider.
// An empty RefreshToken in the result means the provider did not rotate it.
type Exchanger interface {
	Refresh(ctx context.Context, refreshToken string) (credentials.Credential, error)
}

// Listener is notified of every completed (non-orphaned) refresh.
type Listener interface {
	RefreshSucceeded(c credentials.Credential)
	RefreshFailed(err error)
}

// flight is one refresh exchange and its shared outcome.
type flight struct {
	done chan struct{}
	cred credentials.Credential
	err  error
}

// Coordinator makes sure at most one refresh exchange is in flight. Callers
// arriving while an exchange runs wait for it and receive the same credential or
// the same error. Both the periodic (proactive) and the 401-driven refresh go
// through Refresh.
type Coordinator struct {
	store     *credentials.Store
	exchanger Exchanger
	logger    zerolog.Logger
	metrics   metrics.Recorder

	// commitMu orders store writes made by an exchange against Reset, so an
	// orphaned exchange can never overwrite a credential set after the reset.
	commitMu sync.Mutex

	mu        sync.Mutex
	current   *flight // nil while idle
	listeners map[int]Listener
	nextID    int
}

type Option func(*Coordinator)

func WithLogger(l zerolog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = l
	}
}

func WithMetrics(m metrics.Recorder) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// NewCoordinator creates a Coordinator that refreshes the credential held in store.
func NewCoordinator(store *credentials.Store, exchanger Exchanger, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:     store,
		exchanger: exchanger,
		logger:    log.Logger,
		metrics:   metrics.Nop{},
		listeners: make(map[int]Listener),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Refresh returns a fresh credential, starting an exchange only when none is
// running. Failures wrap ErrRefreshFailed; on failure the store has been
// cleared. A ctx that ends early only stops this caller from waiting.
func (c *Coordinator) Refresh(ctx context.Context) (credentials.Credential, error) {
	c.mu.Lock()
	f := c.current
	if f != nil {
		c.mu.Unlock()
		c.metrics.RecordRefresh(metrics.RefreshJoined)
		return wait(ctx, f)
	}
	f = &flight{done: make(chan struct{})}
	c.current = f
	c.mu.Unlock()

	go c.exchange(context.WithoutCancel(ctx), f)
	return wait(ctx, f)
}

func wait(ctx context.Context, f *flight) (credentials.Credential, error) {
	select {
	case <-f.done:
		return f.cred, f.err
	case <-ctx.Done():
		return credentials.Credential{}, ctx.Err()
	}
}

// Refreshing reports whether an exchange is currently in flight.
func (c *Coordinator) Refreshing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil
}

// Reset returns the coordinator to idle. An exchange still running is orphaned:
// it will neither write nor clear the store, and its waiters get ErrSessionReset.
func (c *Coordinator) Reset() {
	_ = c.ResetWith(nil)
}

// ResetWith runs apply, typically a store write for sign-in or sign-out, and
// then orphans any running exchange. No exchange can commit while apply runs,
// and an exchange started afterwards reads what apply wrote. The reset happens
// even if apply fails.
func (c *Coordinator) ResetWith(apply func() error) error {
	c.commitMu.Lock()
	defer c.commitMu.Unlock()

	var err error
	if apply != nil {
		err = apply()
	}

	c.mu.Lock()
	orphaned := c.current != nil
	c.current = nil
	c.mu.Unlock()
	if orphaned {
		c.logger.Debug().Msg("refresh in flight orphaned by session reset")
	}
	return err
}

// Subscribe registers l for refresh outcomes and returns a function that
// removes it.
func (c *Coordinator) Subscribe(l Listener) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = l
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *Coordinator) exchange(ctx context.Context, f *flight) {
	cred, err := c.doExchange(ctx, f)

	c.mu.Lock()
	orphaned := c.current != f
	if !orphaned {
		c.current = nil
	}
	listeners := make([]Listener, 0, len(c.listeners))
	for _, l := range c.listeners {
		listeners = append(listeners, l)
	}
	c.mu.Unlock()

	switch {
	case orphaned:
		c.metrics.RecordRefresh(metrics.RefreshOrphaned)
		f.cred, f.err = credentials.Credential{}, ErrSessionReset
	case err != nil:
		c.metrics.RecordRefresh(metrics.RefreshFailed)
		c.logger.Warn().Err(err).Msg("credential refresh failed")
		f.err = err
	default:
		c.metrics.RecordRefresh(metrics.RefreshSucceeded)
		c.logger.Debug().Time("expiry", cred.Expiry()).Msg("credential refreshed")
		f.cred = cred
	}

	// Listeners observe the outcome before any waiter is released.
	if !orphaned {
		for _, l := range listeners {
			if err != nil {
				l.RefreshFailed(err)
			} else {
				l.RefreshSucceeded(cred)
			}
		}
	}
	close(f.done)
}

// doExchange performs the exchange and updates the store unless f has been
// orphaned in the meantime.
func (c *Coordinator) doExchange(ctx context.Context, f *flight) (credentials.Credential, error) {
	prev, ok := c.store.Get()
	if !ok || prev.RefreshToken == "" {
		return credentials.Credential{}, c.fail(ctx, f, ErrNoRefreshToken)
	}

	next, err := c.exchanger.Refresh(ctx, prev.RefreshToken)
	if err != nil {
		return credentials.Credential{}, c.fail(ctx, f, err)
	}
	if next.AccessToken == "" {
		return credentials.Credential{}, c.fail(ctx, f, errEmptyAccessToken)
	}
	if next.RefreshToken == "" {
		next.RefreshToken = prev.RefreshToken
	}
	next.IssuedAt = NowTimeFunc()

	if err := c.commit(f, func() error { return c.store.Set(ctx, next) }); err != nil {
		return credentials.Credential{}, c.fail(ctx, f, err)
	}
	return next, nil
}

// fail clears the store (unless orphaned) and wraps cause as ErrRefreshFailed.
func (c *Coordinator) fail(ctx context.Context, f *flight, cause error) error {
	if err := c.commit(f, func() error { return c.store.Clear(ctx) }); err != nil {
		c.logger.Error().Err(err).Msg("failed to clear credential after refresh failure")
	}
	return fmt.Errorf("%w: %w", ErrRefreshFailed, cause)
}

// commit runs apply only while f is still the current flight.
func (c *Coordinator) commit(f *flight, apply func() error) error {
	c.commitMu.Lock()
	defer c.commitMu.Unlock()

	c.mu.Lock()
	current := c.current == f
	c.mu.Unlock()
	if !current {
		return nil
	}
	return apply()
}
