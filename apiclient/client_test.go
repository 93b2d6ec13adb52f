package apiclient_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jrsteele09/jobboard-client/apiclient"
	"github.com/jrsteele09/jobboard-client/credentials"
	"github.com/jrsteele09/jobboard-client/internal/metrics"
	"github.com/jrsteele09/jobboard-client/refresh"
	"github.com/jrsteele09/jobboard-client/storage/memstorage"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

var errRevoked = errors.New("refresh token revoked")

// countingRecorder counts the pipeline events the tests synchronise on.
type countingRecorder struct {
	metrics.Nop
	coalesced  atomic.Int32
	superseded atomic.Int32
	retries    atomic.Int32
	joined     atomic.Int32
}

func (r *countingRecorder) RecordCoalesced()  { r.coalesced.Add(1) }
func (r *countingRecorder) RecordSuperseded() { r.superseded.Add(1) }
func (r *countingRecorder) RecordAuthRetry()  { r.retries.Add(1) }
func (r *countingRecorder) RecordRefresh(outcome string) {
	if outcome == metrics.RefreshJoined {
		r.joined.Add(1)
	}
}

// fakeExchanger hands out credentials once release is closed.
type fakeExchanger struct {
	calls   atomic.Int32
	release chan struct{}
	next    credentials.Credential
	err     error
}

func (f *fakeExchanger) Refresh(context.Context, string) (credentials.Credential, error) {
	f.calls.Add(1)
	<-f.release
	if f.err != nil {
		return credentials.Credential{}, f.err
	}
	return f.next, nil
}

type testFixture struct {
	server      *httptest.Server
	store       *credentials.Store
	exchanger   *fakeExchanger
	coordinator *refresh.Coordinator
	client      *apiclient.Client
	recorder    *countingRecorder
	hits        atomic.Int32
}

func setupTestFixture(t *testing.T, handler http.HandlerFunc, opts ...apiclient.Option) *testFixture {
	t.Helper()

	f := &testFixture{
		exchanger: &fakeExchanger{
			release: make(chan struct{}),
			next:    credentials.Credential{AccessToken: "fresh", RefreshToken: "refresh-2"},
		},
		recorder: &countingRecorder{},
	}

	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.hits.Add(1)
		handler(w, r)
	}))
	t.Cleanup(f.server.Close)

	var err error
	f.store, err = credentials.Open(context.Background(), memstorage.New())
	require.NoError(t, err)

	f.coordinator = refresh.NewCoordinator(f.store, f.exchanger,
		refresh.WithLogger(zerolog.Nop()),
		refresh.WithMetrics(f.recorder),
	)
	opts = append([]apiclient.Option{
		apiclient.WithHTTPClient(f.server.Client()),
		apiclient.WithLogger(zerolog.Nop()),
		apiclient.WithMetrics(f.recorder),
	}, opts...)
	f.client = apiclient.New(f.server.URL+"/api", f.store, f.coordinator, opts...)
	return f
}

func (f *testFixture) signIn(t *testing.T, access string) {
	t.Helper()
	require.NoError(t, f.store.Set(context.Background(), credentials.Credential{AccessToken: access, RefreshToken: "refresh-1"}))
}

func bearer(r *http.Request) string {
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

// requireFresh answers 401 unless the request carries the "fresh" token.
func requireFresh(w http.ResponseWriter, r *http.Request) {
	if bearer(r) != "fresh" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	_, _ = w.Write([]byte(`{"ok":true}`))
}

func TestClient_AttachesCredentialAndHeaders(t *testing.T) {
	f := setupTestFixture(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/jobs", r.URL.Path)
		assert.Equal(t, "Bearer access-1", r.Header.Get("Authorization"))
		assert.Equal(t, "jobctl/test", r.Header.Get("User-Agent"))
		_, err := uuid.Parse(r.Header.Get("X-Request-ID"))
		assert.NoError(t, err)
		_, _ = w.Write([]byte(`[{"id":"j1"}]`))
	}, apiclient.WithUserAgent("jobctl/test"))
	f.signIn(t, "access-1")

	resp, err := f.client.Get(context.Background(), "/jobs")
	require.NoError(t, err)

	var jobs []map[string]string
	require.NoError(t, resp.DecodeJSON(&jobs))
	assert.Equal(t, "j1", jobs[0]["id"])
}

func TestClient_QueryOnlyOnUncoalescedMethods(t *testing.T) {
	f := setupTestFixture(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "remote", r.URL.Query().Get("type"))
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	f.signIn(t, "access-1")

	read := apiclient.NewRequest(http.MethodGet, "/jobs")
	read.Query = url.Values{"type": {"remote"}}
	_, err := f.client.Send(context.Background(), read)
	require.ErrorIs(t, err, apiclient.ErrQueryOnRead)
	assert.Equal(t, int32(0), f.hits.Load())

	write := apiclient.NewRequest(http.MethodPost, "/jobs/search")
	write.Query = url.Values{"type": {"remote"}}
	_, err = f.client.Send(context.Background(), write)
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.hits.Load())
}

func TestClient_SignedOutSendsNoAuthorization(t *testing.T) {
	f := setupTestFixture(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := f.client.Get(context.Background(), "/user/profile")
	require.ErrorIs(t, err, apiclient.ErrUnauthenticated)
	assert.Equal(t, int32(0), f.exchanger.calls.Load())
	assert.Equal(t, int32(1), f.hits.Load())
}

func TestClient_IdenticalReadsShareOneCall(t *testing.T) {
	gate := make(chan struct{})
	f := setupTestFixture(t, func(w http.ResponseWriter, r *http.Request) {
		<-gate
		_, _ = w.Write([]byte(`{"uid":"u-1"}`))
	})
	f.signIn(t, "access-1")

	const n = 10
	var wg sync.WaitGroup
	bodies := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := f.client.Get(context.Background(), "/user/profile")
			errs[i] = err
			if err == nil {
				bodies[i] = string(resp.Body)
			}
		}(i)
	}

	require.Eventually(t, func() bool {
		return f.recorder.coalesced.Load() == n-1
	}, 2*time.Second, time.Millisecond)
	close(gate)
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, `{"uid":"u-1"}`, bodies[i])
	}
	assert.Equal(t, int32(1), f.hits.Load())
	assert.Equal(t, 0, f.client.InFlight())
}

func TestClient_SequentialReadsAreNotCached(t *testing.T) {
	f := setupTestFixture(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})
	f.signIn(t, "access-1")

	_, err := f.client.Get(context.Background(), "/user/profile")
	require.NoError(t, err)
	_, err = f.client.Get(context.Background(), "/user/profile")
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.hits.Load())
}

func TestClient_TransparentRetryAfterRefresh(t *testing.T) {
	var seen []string
	var mu sync.Mutex
	f := setupTestFixture(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, bearer(r))
		mu.Unlock()
		requireFresh(w, r)
	})
	f.signIn(t, "expired")
	close(f.exchanger.release)

	resp, err := f.client.Get(context.Background(), "/user/profile")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"expired", "fresh"}, seen)
	assert.Equal(t, int32(1), f.exchanger.calls.Load())
	assert.Equal(t, int32(1), f.recorder.retries.Load())

	stored, ok := f.store.Get()
	require.True(t, ok)
	assert.Equal(t, "fresh", stored.AccessToken)
}

func TestClient_ConcurrentUnauthorizedRefreshOnce(t *testing.T) {
	var rejected atomic.Int32
	f := setupTestFixture(t, func(w http.ResponseWriter, r *http.Request) {
		if bearer(r) != "fresh" {
			rejected.Add(1)
		}
		requireFresh(w, r)
	})
	f.signIn(t, "expired")

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Distinct paths so the calls are not coalesced.
			_, errs[i] = f.client.Get(context.Background(), "/jobs/"+string(rune('a'+i)))
		}(i)
	}

	require.Eventually(t, func() bool {
		return rejected.Load() == n && f.recorder.joined.Load() == n-1
	}, 2*time.Second, time.Millisecond)
	close(f.exchanger.release)
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), f.exchanger.calls.Load())
	assert.Equal(t, int32(2*n), f.hits.Load())
}

func TestClient_NoSecondRetry(t *testing.T) {
	f := setupTestFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	f.signIn(t, "expired")
	close(f.exchanger.release)

	_, err := f.client.Get(context.Background(), "/user/profile")
	require.ErrorIs(t, err, apiclient.ErrUnauthenticated)
	assert.Equal(t, int32(2), f.hits.Load())
	assert.Equal(t, int32(1), f.exchanger.calls.Load())
}

func TestClient_RevokedRefreshTokenSignsOut(t *testing.T) {
	f := setupTestFixture(t, requireFresh)
	f.signIn(t, "expired")
	f.exchanger.err = errRevoked
	close(f.exchanger.release)

	_, err := f.client.Get(context.Background(), "/user/profile")
	require.ErrorIs(t, err, apiclient.ErrUnauthenticated)
	require.ErrorIs(t, err, refresh.ErrRefreshFailed)
	require.ErrorIs(t, err, errRevoked)

	_, ok := f.store.Get()
	assert.False(t, ok)
	assert.Equal(t, int32(1), f.hits.Load())
}

func TestClient_SkipsRefreshWhenCredentialAlreadyReplaced(t *testing.T) {
	var f *testFixture
	f = setupTestFixture(t, func(w http.ResponseWriter, r *http.Request) {
		if bearer(r) == "old" {
			// Someone else refreshed while this call was on the wire.
			assert.NoError(t, f.store.Set(r.Context(), credentials.Credential{AccessToken: "fresh", RefreshToken: "r"}))
		}
		requireFresh(w, r)
	})
	f.signIn(t, "old")

	_, err := f.client.Get(context.Background(), "/user/profile")
	require.NoError(t, err)
	assert.Equal(t, int32(0), f.exchanger.calls.Load())
	assert.Equal(t, int32(2), f.hits.Load())
}

func TestClient_SupersededMutationDeliversOnlyLatest(t *testing.T) {
	arrived := make(chan struct{})
	done := make(chan struct{})
	t.Cleanup(func() { close(done) })

	f := setupTestFixture(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var in map[string]string
		_ = json.Unmarshal(body, &in)
		if in["displayName"] == "first" {
			close(arrived)
			select {
			case <-r.Context().Done():
			case <-done:
			}
			return
		}
		_, _ = w.Write(body)
	})
	f.signIn(t, "access-1")

	first, err := apiclient.NewJSONRequest(http.MethodPut, "/user/profile", map[string]string{"displayName": "first"})
	require.NoError(t, err)
	second, err := apiclient.NewJSONRequest(http.MethodPut, "/user/profile", map[string]string{"displayName": "second"})
	require.NoError(t, err)

	firstErr := make(chan error, 1)
	go func() {
		_, err := f.client.Send(context.Background(), first)
		firstErr <- err
	}()
	<-arrived

	resp, err := f.client.Send(context.Background(), second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"displayName":"second"}`, string(resp.Body))

	require.ErrorIs(t, <-firstErr, apiclient.ErrSuperseded)
	assert.Equal(t, int32(1), f.recorder.superseded.Load())
}

func TestClient_ErrorsPassThroughWithoutRetry(t *testing.T) {
	f := setupTestFixture(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/jobs/post":
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"error":"title is required"}`))
		case "/api/jobs/bad":
			w.WriteHeader(http.StatusBadRequest)
		default:
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"message":"boom"}`))
		}
	})
	f.signIn(t, "access-1")

	req, err := apiclient.NewJSONRequest(http.MethodPost, "/jobs/post", map[string]string{})
	require.NoError(t, err)
	_, err = f.client.Send(context.Background(), req)
	require.ErrorIs(t, err, apiclient.ErrValidation)
	var apiErr *apiclient.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	assert.Equal(t, "title is required", apiErr.Message)

	_, err = f.client.Get(context.Background(), "/jobs/bad")
	require.ErrorIs(t, err, apiclient.ErrValidation)

	_, err = f.client.Get(context.Background(), "/jobs/x")
	require.ErrorAs(t, err, &apiErr)
	assert.NotErrorIs(t, err, apiclient.ErrValidation)
	assert.Equal(t, "boom", apiErr.Message)

	assert.Equal(t, int32(3), f.hits.Load())
	assert.Equal(t, int32(0), f.exchanger.calls.Load())
}

func TestClient_TransportError(t *testing.T) {
	f := setupTestFixture(t, func(w http.ResponseWriter, r *http.Request) {})
	f.signIn(t, "access-1")
	f.server.Close()

	_, err := f.client.Get(context.Background(), "/user/profile")
	require.ErrorIs(t, err, apiclient.ErrTransport)
	var te *apiclient.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.MethodGet, te.Method)
	assert.Equal(t, int32(0), f.exchanger.calls.Load())
}

func TestClient_RateLimit(t *testing.T) {
	f := setupTestFixture(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}, apiclient.WithRateLimit(rate.NewLimiter(rate.Every(time.Hour), 1)))
	f.signIn(t, "access-1")

	_, err := f.client.Get(context.Background(), "/jobs")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = f.client.Get(ctx, "/jobs")
	require.Error(t, err)
	assert.Equal(t, int32(1), f.hits.Load())
}

func TestClient_CancelAll(t *testing.T) {
	arrived := make(chan struct{})
	f := setupTestFixture(t, func(w http.ResponseWriter, r *http.Request) {
		close(arrived)
		<-r.Context().Done()
	})
	f.signIn(t, "access-1")

	errc := make(chan error, 1)
	go func() {
		_, err := f.client.Get(context.Background(), "/jobs/my-jobs")
		errc <- err
	}()
	<-arrived

	assert.Equal(t, 1, f.client.CancelAll(refresh.ErrSessionReset))
	require.ErrorIs(t, <-errc, refresh.ErrSessionReset)
}
