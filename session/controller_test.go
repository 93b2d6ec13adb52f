package session_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jrsteele09/jobboard-client/apiclient"
	"github.com/jrsteele09/jobboard-client/credentials"
	"github.com/jrsteele09/jobboard-client/identity"
	"github.com/jrsteele09/jobboard-client/refresh"
	"github.com/jrsteele09/jobboard-client/session"
	"github.com/jrsteele09/jobboard-client/storage/memstorage"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errRevoked     = errors.New("refresh token revoked")
	errUnreachable = errors.New("identity provider unreachable")
)

var testUser = identity.User{UID: "u-1", Email: "jane@example.com", Role: identity.RoleApplicant}

func accessToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   testUser.UID,
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return tok
}

type fakeProvider struct {
	mu         sync.Mutex
	grant      identity.Grant
	next       credentials.Credential
	refreshErr error
	logoutErr  error
	refreshes  atomic.Int32
	loggedOut  []credentials.Credential

	// When release is set, Refresh signals entered and blocks until it closes.
	entered chan struct{}
	release chan struct{}
}

func (p *fakeProvider) hold() {
	p.entered = make(chan struct{}, 4)
	p.release = make(chan struct{})
}

func (p *fakeProvider) Login(context.Context, identity.Assertion) (*identity.Grant, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	g := p.grant
	return &g, nil
}

func (p *fakeProvider) Signup(ctx context.Context, a identity.Assertion) (*identity.Grant, error) {
	return p.Login(ctx, a)
}

func (p *fakeProvider) Refresh(context.Context, string) (credentials.Credential, error) {
	p.refreshes.Add(1)
	if p.release != nil {
		p.entered <- struct{}{}
		<-p.release
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.refreshErr != nil {
		return credentials.Credential{}, p.refreshErr
	}
	return p.next, nil
}

func (p *fakeProvider) Logout(_ context.Context, c credentials.Credential) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loggedOut = append(p.loggedOut, c)
	return p.logoutErr
}

type fakeCanceller struct {
	causes   []error
	onCancel func()
}

func (f *fakeCanceller) CancelAll(cause error) int {
	f.causes = append(f.causes, cause)
	if f.onCancel != nil {
		f.onCancel()
	}
	return 0
}

type fakeVerifier struct {
	user identity.User
	err  error
}

func (v fakeVerifier) Verify(ctx context.Context) (identity.User, error) {
	if err := ctx.Err(); err != nil {
		return identity.User{}, err
	}
	return v.user, v.err
}

type testFixture struct {
	provider    *fakeProvider
	store       *credentials.Store
	coordinator *refresh.Coordinator
	controller  *session.Controller
	canceller   *fakeCanceller

	mu        sync.Mutex
	states    []session.Status
	signedOut []error
}

func setupTestFixture(t *testing.T) *testFixture {
	t.Helper()

	store, err := credentials.Open(context.Background(), memstorage.New())
	require.NoError(t, err)

	f := &testFixture{
		provider: &fakeProvider{
			grant: identity.Grant{
				User:       testUser,
				Credential: credentials.Credential{AccessToken: accessToken(t, time.Now().Add(time.Hour)), RefreshToken: "refresh-1"},
			},
			next: credentials.Credential{AccessToken: accessToken(t, time.Now().Add(2*time.Hour))},
		},
		store:     store,
		canceller: &fakeCanceller{},
	}

	f.coordinator = refresh.NewCoordinator(store, f.provider, refresh.WithLogger(zerolog.Nop()))
	f.controller = session.NewController(f.provider, store, f.coordinator,
		session.WithLogger(zerolog.Nop()),
		session.WithCallCanceller(f.canceller),
	)
	t.Cleanup(f.controller.Close)

	f.controller.Subscribe(func(s session.State) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.states = append(f.states, s.Status)
	})
	f.controller.OnSignedOut(func(err error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.signedOut = append(f.signedOut, err)
	})
	return f
}

func (f *testFixture) observed() ([]session.Status, []error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]session.Status(nil), f.states...), append([]error(nil), f.signedOut...)
}

// refreshInBackground starts a coordinator refresh and returns its result channel.
func (f *testFixture) refreshInBackground() <-chan error {
	out := make(chan error, 1)
	go func() {
		_, err := f.coordinator.Refresh(context.Background())
		out <- err
	}()
	return out
}

func (f *testFixture) login(t *testing.T) {
	t.Helper()
	_, err := f.controller.Login(context.Background(), identity.Assertion{IDToken: "google", Role: identity.RoleApplicant})
	require.NoError(t, err)
}

func TestController_Login(t *testing.T) {
	f := setupTestFixture(t)

	user, err := f.controller.Login(context.Background(), identity.Assertion{IDToken: "google"})
	require.NoError(t, err)
	assert.Equal(t, testUser, user)

	st := f.controller.State()
	assert.Equal(t, session.SignedIn, st.Status)
	assert.Equal(t, testUser, st.User)
	assert.WithinDuration(t, time.Now().Add(time.Hour), st.Expiry, 5*time.Second)

	stored, ok := f.store.Get()
	require.True(t, ok)
	assert.Equal(t, "refresh-1", stored.RefreshToken)

	states, _ := f.observed()
	assert.Equal(t, []session.Status{session.SignedIn}, states)
}

func TestController_Logout(t *testing.T) {
	f := setupTestFixture(t)
	f.login(t)
	f.provider.logoutErr = errUnreachable

	require.NoError(t, f.controller.Logout(context.Background()))

	assert.Equal(t, session.SignedOut, f.controller.State().Status)
	_, ok := f.store.Get()
	assert.False(t, ok)
	require.Len(t, f.provider.loggedOut, 1)
	assert.Equal(t, "refresh-1", f.provider.loggedOut[0].RefreshToken)
	require.Len(t, f.canceller.causes, 1)
	assert.ErrorIs(t, f.canceller.causes[0], session.ErrNotSignedIn)

	states, signedOut := f.observed()
	assert.Equal(t, []session.Status{session.SignedIn, session.SignedOut}, states)
	assert.Empty(t, signedOut)
}

func TestController_LogoutNotUndoneByRunningRefresh(t *testing.T) {
	f := setupTestFixture(t)
	f.login(t)
	f.provider.hold()

	// One exchange is already running with the old refresh token; a second is
	// started by an API call failing with 401 while the session is torn down.
	running := f.refreshInBackground()
	<-f.provider.entered
	var started <-chan error
	f.canceller.onCancel = func() {
		started = f.refreshInBackground()
	}

	require.NoError(t, f.controller.Logout(context.Background()))
	close(f.provider.release)

	require.ErrorIs(t, <-running, refresh.ErrSessionReset)
	require.ErrorIs(t, <-started, refresh.ErrNoRefreshToken)

	_, ok := f.store.Get()
	assert.False(t, ok)
	assert.Equal(t, session.SignedOut, f.controller.State().Status)

	states, signedOut := f.observed()
	assert.Equal(t, []session.Status{session.SignedIn, session.SignedOut}, states)
	assert.Empty(t, signedOut)
}

func TestController_LoginNotOverwrittenByPreviousSessionRefresh(t *testing.T) {
	f := setupTestFixture(t)
	f.login(t)
	f.provider.hold()

	running := f.refreshInBackground()
	<-f.provider.entered

	second := credentials.Credential{AccessToken: accessToken(t, time.Now().Add(3*time.Hour)), RefreshToken: "refresh-2"}
	f.provider.mu.Lock()
	f.provider.grant.Credential = second
	f.provider.mu.Unlock()
	f.login(t)

	close(f.provider.release)
	require.ErrorIs(t, <-running, refresh.ErrSessionReset)

	stored, ok := f.store.Get()
	require.True(t, ok)
	assert.Equal(t, second, stored)
	assert.WithinDuration(t, time.Now().Add(3*time.Hour), f.controller.State().Expiry, 5*time.Second)
}

func TestController_RefreshNowUpdatesCredential(t *testing.T) {
	f := setupTestFixture(t)
	f.login(t)

	require.NoError(t, f.controller.RefreshNow(context.Background()))

	st := f.controller.State()
	assert.Equal(t, session.SignedIn, st.Status)
	assert.WithinDuration(t, time.Now().Add(2*time.Hour), st.Expiry, 5*time.Second)

	stored, _ := f.store.Get()
	assert.Equal(t, f.provider.next.AccessToken, stored.AccessToken)
	assert.Equal(t, "refresh-1", stored.RefreshToken)
}

func TestController_RefreshFailureSignsOut(t *testing.T) {
	f := setupTestFixture(t)
	f.login(t)
	f.provider.refreshErr = errRevoked

	err := f.controller.RefreshNow(context.Background())
	require.ErrorIs(t, err, refresh.ErrRefreshFailed)

	assert.Equal(t, session.SignedOut, f.controller.State().Status)
	_, ok := f.store.Get()
	assert.False(t, ok)

	states, signedOut := f.observed()
	assert.Equal(t, []session.Status{session.SignedIn, session.SignedOut}, states)
	require.Len(t, signedOut, 1)
	assert.ErrorIs(t, signedOut[0], errRevoked)
}

func TestController_TickMarksExpiredBeforeRefreshing(t *testing.T) {
	f := setupTestFixture(t)
	f.provider.grant.Credential.AccessToken = accessToken(t, time.Now().Add(-time.Minute))
	f.login(t)

	require.NoError(t, f.controller.Tick(context.Background()))

	states, _ := f.observed()
	assert.Equal(t, []session.Status{session.SignedIn, session.Expired, session.SignedIn}, states)
	assert.Equal(t, testUser, f.controller.State().User)
}

func TestController_TickWhileSignedOut(t *testing.T) {
	f := setupTestFixture(t)

	require.ErrorIs(t, f.controller.Tick(context.Background()), session.ErrNotSignedIn)
	assert.Equal(t, int32(0), f.provider.refreshes.Load())
}

func TestController_Run(t *testing.T) {
	f := setupTestFixture(t)
	f.login(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.controller.Run(ctx, 5*time.Millisecond)
	}()

	require.Eventually(t, func() bool {
		return f.provider.refreshes.Load() >= 2
	}, 2*time.Second, time.Millisecond)
	cancel()
	<-done
	assert.Equal(t, session.SignedIn, f.controller.State().Status)
}

func TestController_Restore(t *testing.T) {
	t.Run("nothing stored", func(t *testing.T) {
		f := setupTestFixture(t)
		st, err := f.controller.Restore(context.Background(), fakeVerifier{user: testUser})
		require.NoError(t, err)
		assert.Equal(t, session.SignedOut, st.Status)
	})

	t.Run("verified", func(t *testing.T) {
		f := setupTestFixture(t)
		require.NoError(t, f.store.Set(context.Background(), f.provider.grant.Credential))

		st, err := f.controller.Restore(context.Background(), fakeVerifier{user: testUser})
		require.NoError(t, err)
		assert.Equal(t, session.SignedIn, st.Status)
		assert.Equal(t, testUser, st.User)
	})

	t.Run("rejected", func(t *testing.T) {
		f := setupTestFixture(t)
		require.NoError(t, f.store.Set(context.Background(), f.provider.grant.Credential))

		rejected := fmt.Errorf("%w: GET /auth/verify: rejected after refresh", apiclient.ErrUnauthenticated)
		st, err := f.controller.Restore(context.Background(), fakeVerifier{err: rejected})
		require.NoError(t, err)
		assert.Equal(t, session.SignedOut, st.Status)
		_, ok := f.store.Get()
		assert.False(t, ok)

		_, signedOut := f.observed()
		require.Len(t, signedOut, 1)
		assert.ErrorIs(t, signedOut[0], apiclient.ErrUnauthenticated)
	})

	t.Run("refresh failed", func(t *testing.T) {
		f := setupTestFixture(t)
		require.NoError(t, f.store.Set(context.Background(), f.provider.grant.Credential))

		failed := fmt.Errorf("%w: %w", refresh.ErrRefreshFailed, errRevoked)
		st, err := f.controller.Restore(context.Background(), fakeVerifier{err: failed})
		require.NoError(t, err)
		assert.Equal(t, session.SignedOut, st.Status)
		_, ok := f.store.Get()
		assert.False(t, ok)
	})

	for name, verifyErr := range map[string]error{
		"backend unreachable": &apiclient.TransportError{Method: "GET", Path: "/auth/verify", Err: errUnreachable},
		"server error":        &apiclient.APIError{Method: "GET", Path: "/auth/verify", StatusCode: 503},
	} {
		t.Run(name, func(t *testing.T) {
			f := setupTestFixture(t)
			require.NoError(t, f.store.Set(context.Background(), f.provider.grant.Credential))

			st, err := f.controller.Restore(context.Background(), fakeVerifier{err: verifyErr})
			require.ErrorIs(t, err, verifyErr)
			assert.Equal(t, session.SignedOut, st.Status)

			stored, ok := f.store.Get()
			require.True(t, ok)
			assert.Equal(t, "refresh-1", stored.RefreshToken)

			states, signedOut := f.observed()
			assert.Empty(t, states)
			assert.Empty(t, signedOut)
		})
	}

	t.Run("cancelled", func(t *testing.T) {
		f := setupTestFixture(t)
		require.NoError(t, f.store.Set(context.Background(), f.provider.grant.Credential))

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := f.controller.Restore(ctx, fakeVerifier{user: testUser})
		require.ErrorIs(t, err, context.Canceled)
		_, ok := f.store.Get()
		assert.True(t, ok)
	})
}
