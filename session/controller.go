// Package session owns the application-visible authentication state. It signs
// users in and out, restores a persisted session at start-up, runs the
// proactive refresh timer and reacts to refresh outcomes reported by the
// refresh coordinator.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jrsteele09/jobboard-client/credentials"
	"github.com/jrsteele09/jobboard-client/identity"
	autherrors "github.com/jrsteele09/jobboard-client/internal/errors"
	"github.com/jrsteele09/jobboard-client/refresh"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// NowTimeFunc returns the current time. It can be overridden in tests.
var NowTimeFunc = time.Now

var ErrNotSignedIn = autherrors.ErrNotSignedIn

// UserVerifier confirms a restored credential with the backend and returns
// the user it belongs to.
type UserVerifier interface {
	Verify(ctx context.Context) (identity.User, error)
}

// CallCanceller aborts outstanding API calls on sign-out.
type CallCanceller interface {
	CancelAll(cause error) int
}

type Controller struct {
	provider    identity.Provider
	store       *credentials.Store
	coordinator *refresh.Coordinator
	calls       CallCanceller
	logger      zerolog.Logger
	unsubscribe func()

	mu          sync.Mutex
	state       State
	observers   map[int]func(State)
	onSignedOut map[int]func(error)
	nextID      int
}

type Option func(*Controller)

func WithLogger(l zerolog.Logger) Option {
	return func(c *Controller) {
		c.logger = l
	}
}

// WithCallCanceller makes Logout cancel the in-flight calls of cc.
func WithCallCanceller(cc CallCanceller) Option {
	return func(c *Controller) {
		c.calls = cc
	}
}

// NewController creates a signed-out controller and subscribes it to the
// coordinator's refresh outcomes.
func NewController(provider identity.Provider, store *credentials.Store, coordinator *refresh.Coordinator, opts ...Option) *Controller {
	c := &Controller{
		provider:    provider,
		store:       store,
		coordinator: coordinator,
		logger:      log.Logger,
		observers:   make(map[int]func(State)),
		onSignedOut: make(map[int]func(error)),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.unsubscribe = coordinator.Subscribe(refreshListener{c})
	return c
}

// Close detaches the controller from the coordinator.
func (c *Controller) Close() {
	c.unsubscribe()
}

// State returns the current session snapshot.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe registers fn for every state change and returns a function that
// removes it. fn is called synchronously and must not block.
func (c *Controller) Subscribe(fn func(State)) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.register()
	c.observers[id] = fn
	return func() {
		c.mu.Lock()
		delete(c.observers, id)
		c.mu.Unlock()
	}
}

// OnSignedOut registers fn for involuntary sign-outs (refresh failure or a
// restored credential that no longer verifies). It is the re-authentication
// prompt; explicit Logout does not call it.
func (c *Controller) OnSignedOut(fn func(error)) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.register()
	c.onSignedOut[id] = fn
	return func() {
		c.mu.Lock()
		delete(c.onSignedOut, id)
		c.mu.Unlock()
	}
}

func (c *Controller) register() int {
	id := c.nextID
	c.nextID++
	return id
}

func (c *Controller) Login(ctx context.Context, a identity.Assertion) (identity.User, error) {
	grant, err := c.provider.Login(ctx, a)
	if err != nil {
		return identity.User{}, fmt.Errorf("login: %w", err)
	}
	return c.signIn(ctx, grant)
}

func (c *Controller) Signup(ctx context.Context, a identity.Assertion) (identity.User, error) {
	grant, err := c.provider.Signup(ctx, a)
	if err != nil {
		return identity.User{}, fmt.Errorf("signup: %w", err)
	}
	return c.signIn(ctx, grant)
}

func (c *Controller) signIn(ctx context.Context, grant *identity.Grant) (identity.User, error) {
	// A refresh still running for a previous session must not touch the new credential.
	err := c.coordinator.ResetWith(func() error {
		return c.store.Set(ctx, grant.Credential)
	})
	if err != nil {
		return identity.User{}, err
	}

	c.logger.Info().Str("uid", grant.User.UID).Msg("signed in")
	c.transition(State{Status: SignedIn, User: grant.User, Expiry: grant.Credential.Expiry()}, nil)
	return grant.User, nil
}

// Logout ends the session. The provider is told on a best-effort basis; the
// local session is always cleared.
func (c *Controller) Logout(ctx context.Context) error {
	cred, ok := c.store.Get()
	if ok {
		if err := c.provider.Logout(ctx, cred); err != nil {
			c.logger.Warn().Err(err).Msg("identity provider logout failed")
		}
	}

	// Signed out before clearing, so a refresh failing against the cleared
	// store is not reported as an involuntary sign-out.
	c.transition(State{Status: SignedOut}, nil)
	err := c.clear(ctx, autherrors.ErrNotSignedIn)
	c.logger.Info().Msg("signed out")
	return err
}

func (c *Controller) clear(ctx context.Context, cause error) error {
	err := c.coordinator.ResetWith(func() error {
		return c.store.Clear(ctx)
	})
	if c.calls != nil {
		if n := c.calls.CancelAll(cause); n > 0 {
			c.logger.Debug().Int("calls", n).Msg("cancelled in-flight calls")
		}
	}
	return err
}

// Restore resumes a persisted session. A stored credential is confirmed with
// verifier and the resulting state is returned. Only an authentication
// failure (a rejected credential or a failed refresh) clears the session and
// runs the sign-out handlers. Any other error, such as an unreachable backend,
// is returned with the stored credential left in place.
func (c *Controller) Restore(ctx context.Context, verifier UserVerifier) (State, error) {
	cred, ok := c.store.Get()
	if !ok {
		return c.State(), nil
	}

	user, err := verifier.Verify(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return c.State(), ctx.Err()
		}
		if !sessionRejected(err) {
			return c.State(), autherrors.Wrapf(err, "restore session")
		}
		c.logger.Warn().Err(err).Msg("stored credential failed verification")
		if clearErr := c.clear(ctx, err); clearErr != nil {
			c.logger.Error().Err(clearErr).Msg("failed to clear credential")
		}
		c.transition(State{Status: SignedOut}, err)
		return c.State(), nil
	}

	// Verification may have refreshed the credential.
	if current, ok := c.store.Get(); ok {
		cred = current
	}
	c.logger.Info().Str("uid", user.UID).Msg("session restored")
	c.transition(State{Status: SignedIn, User: user, Expiry: cred.Expiry()}, nil)
	return c.State(), nil
}

// sessionRejected reports whether err means the stored credential is no
// longer accepted, as opposed to the backend being unreachable or failing.
func sessionRejected(err error) bool {
	return autherrors.Is(err, autherrors.ErrUnauthenticated) || autherrors.Is(err, autherrors.ErrRefreshFailed)
}

// RefreshNow performs a proactive refresh through the coordinator. The state
// change is applied by the coordinator's notification.
func (c *Controller) RefreshNow(ctx context.Context) error {
	if !c.State().SignedIn() {
		return ErrNotSignedIn
	}
	_, err := c.coordinator.Refresh(ctx)
	return err
}

// Run refreshes the credential every interval while signed in, until ctx is
// done.
func (c *Controller) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.logger.Info().Dur("interval", interval).Msg("proactive refresh started")
	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Msg("proactive refresh stopped")
			return
		case <-ticker.C:
			if err := c.Tick(ctx); err != nil && !autherrors.Is(err, ErrNotSignedIn) {
				c.logger.Warn().Err(err).Msg("proactive refresh failed")
			}
		}
	}
}

// Tick runs one proactive refresh cycle. A credential already past its
// expiry moves the session to Expired before refreshing.
func (c *Controller) Tick(ctx context.Context) error {
	st := c.State()
	if !st.SignedIn() {
		return ErrNotSignedIn
	}

	if cred, ok := c.store.Get(); ok && st.Status == SignedIn && cred.Expired(NowTimeFunc()) {
		c.transitionIf(SignedIn, State{Status: Expired, User: st.User, Expiry: st.Expiry})
	}
	return c.RefreshNow(ctx)
}

// transition installs next and notifies observers. cause is passed to the
// sign-out handlers when the move is an involuntary sign-out.
func (c *Controller) transition(next State, cause error) {
	c.mu.Lock()
	c.state = next
	observers, handlers := c.snapshotHandlers()
	c.mu.Unlock()

	c.notify(next, cause, observers, handlers)
}

// transitionIf installs next only while the current status is from.
func (c *Controller) transitionIf(from Status, next State) {
	c.mu.Lock()
	if c.state.Status != from {
		c.mu.Unlock()
		return
	}
	c.state = next
	observers, handlers := c.snapshotHandlers()
	c.mu.Unlock()

	c.notify(next, nil, observers, handlers)
}

func (c *Controller) snapshotHandlers() ([]func(State), []func(error)) {
	observers := make([]func(State), 0, len(c.observers))
	for _, fn := range c.observers {
		observers = append(observers, fn)
	}
	handlers := make([]func(error), 0, len(c.onSignedOut))
	for _, fn := range c.onSignedOut {
		handlers = append(handlers, fn)
	}
	return observers, handlers
}

func (c *Controller) notify(st State, cause error, observers []func(State), handlers []func(error)) {
	for _, fn := range observers {
		fn(st)
	}
	if st.Status == SignedOut && cause != nil {
		for _, fn := range handlers {
			fn(cause)
		}
	}
}

// refreshListener adapts the controller to refresh.Listener.
type refreshListener struct {
	c *Controller
}

func (l refreshListener) RefreshSucceeded(cred credentials.Credential) {
	c := l.c
	c.mu.Lock()
	if !c.state.SignedIn() {
		// Restore sets the state itself once verification completes.
		c.mu.Unlock()
		return
	}
	c.state = State{Status: SignedIn, User: c.state.User, Expiry: cred.Expiry()}
	next := c.state
	observers, handlers := c.snapshotHandlers()
	c.mu.Unlock()

	c.notify(next, nil, observers, handlers)
}

func (l refreshListener) RefreshFailed(err error) {
	c := l.c
	c.mu.Lock()
	if !c.state.SignedIn() {
		c.mu.Unlock()
		return
	}
	c.state = State{Status: SignedOut}
	next := c.state
	observers, handlers := c.snapshotHandlers()
	c.mu.Unlock()

	c.logger.Warn().Err(err).Msg("signed out after refresh failure")
	c.notify(next, err, observers, handlers)
}
