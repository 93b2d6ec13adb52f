// Package apiclient is the authenticated request pipeline for the job-board
// backend. Every call carries the current bearer credential, identical reads
// share one network call, a newer mutation cancels an older one for the same
// endpoint, and a 401 triggers one coordinated refresh and a single retry.
package apiclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jrsteele09/jobboard-client/credentials"
	"github.com/jrsteele09/jobboard-client/inflight"
	"github.com/jrsteele09/jobboard-client/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	headerRequestID = "X-Request-ID"

	defaultUserAgent = "jobboard-client"
	maxResponseBytes = 10 << 20
)

// Doer executes HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Refresher obtains a new credential after a 401. *refresh.Coordinator
// satisfies it.
type Refresher interface {
	Refresh(ctx context.Context) (credentials.Credential, error)
}

type Client struct {
	baseURL   string
	store     *credentials.Store
	refresher Refresher
	doer      Doer
	limiter   *rate.Limiter
	userAgent string
	registry  *inflight.Registry[*Response]
	metrics   metrics.Recorder
	logger    zerolog.Logger
}

type Option func(*Client)

func WithHTTPClient(d Doer) Option {
	return func(c *Client) {
		c.doer = d
	}
}

// WithRateLimit makes every transport call, retries included, wait on l.
func WithRateLimit(l *rate.Limiter) Option {
	return func(c *Client) {
		c.limiter = l
	}
}

func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.userAgent = ua
	}
}

func WithMetrics(m metrics.Recorder) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// New creates a Client for the API rooted at baseURL.
func New(baseURL string, store *credentials.Store, refresher Refresher, opts ...Option) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		store:     store,
		refresher: refresher,
		doer:      &http.Client{Timeout: 30 * time.Second},
		userAgent: defaultUserAgent,
		registry:  inflight.New[*Response](),
		metrics:   metrics.Nop{},
		logger:    log.Logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send issues req and returns the response for a 2xx status.
//
// Errors:
//   - ErrUnauthenticated when a 401 could not be recovered by a refresh;
//   - *APIError for any other non-2xx status (400 and 422 match ErrValidation);
//   - *TransportError, matching ErrTransport, when no response was read;
//   - ErrSuperseded when a newer mutation to the same endpoint replaced this one;
//   - ErrQueryOnRead for a GET, HEAD or OPTIONS request that sets Query.
func (c *Client) Send(ctx context.Context, req *Request) (*Response, error) {
	method := req.method()
	key := inflight.KeyFor(method, req.Path)
	coalesce := inflight.Coalescable(method)
	if coalesce && len(req.Query) > 0 {
		return nil, fmt.Errorf("%w: %s %s", ErrQueryOnRead, method, req.Path)
	}

	future, outcome := c.registry.Do(ctx, key, coalesce, func(ctx context.Context) (*Response, error) {
		return c.execute(ctx, req)
	})
	switch outcome {
	case inflight.Joined:
		c.metrics.RecordCoalesced()
		c.logger.Debug().Str("key", string(key)).Msg("joined in-flight request")
	case inflight.Superseded:
		c.metrics.RecordSuperseded()
		c.logger.Debug().Str("key", string(key)).Msg("superseded in-flight request")
	}
	return future.Wait(ctx)
}

// Get is shorthand for Send with a bodiless GET.
func (c *Client) Get(ctx context.Context, path string) (*Response, error) {
	return c.Send(ctx, NewRequest(http.MethodGet, path))
}

// CancelAll cancels every in-flight call with cause and returns how many there were.
func (c *Client) CancelAll(cause error) int {
	return c.registry.CancelAll(cause)
}

// InFlight returns the number of distinct calls currently running.
func (c *Client) InFlight() int {
	return c.registry.Len()
}

func (c *Client) execute(ctx context.Context, req *Request) (*Response, error) {
	method := req.method()
	sent, _ := c.store.Get()

	resp, err := c.roundTrip(ctx, req, sent.AccessToken)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return checkStatus(method, req.Path, resp)
	}

	if sent.AccessToken == "" {
		return nil, fmt.Errorf("%w: %s %s: not signed in", ErrUnauthenticated, method, req.Path)
	}

	retry, err := c.credentialForRetry(ctx, sent.AccessToken)
	if err != nil {
		c.logger.Warn().Err(err).Str("method", method).Str("path", req.Path).Msg("refresh after 401 failed")
		return nil, fmt.Errorf("%w: %s %s: %w", ErrUnauthenticated, method, req.Path, err)
	}

	c.metrics.RecordAuthRetry()
	resp, err = c.roundTrip(ctx, req, retry.AccessToken)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, fmt.Errorf("%w: %s %s: rejected after refresh", ErrUnauthenticated, method, req.Path)
	}
	return checkStatus(method, req.Path, resp)
}

// credentialForRetry skips the refresh when the store already holds a
// different access token than the one that was rejected.
func (c *Client) credentialForRetry(ctx context.Context, rejected string) (credentials.Credential, error) {
	if current, ok := c.store.Get(); ok && current.AccessToken != rejected {
		return current, nil
	}
	return c.refresher.Refresh(ctx)
}

func (c *Client) roundTrip(ctx context.Context, req *Request, accessToken string) (*Response, error) {
	method := req.method()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%s %s: rate limit: %w", method, req.Path, err)
		}
	}

	hreq, err := req.httpRequest(ctx, c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("%s %s: build request: %w", method, req.Path, err)
	}
	requestID := uuid.NewString()
	hreq.Header.Set(headerRequestID, requestID)
	hreq.Header.Set("User-Agent", c.userAgent)
	if hreq.Header.Get("Accept") == "" {
		hreq.Header.Set("Accept", "application/json")
	}
	if accessToken != "" {
		hreq.Header.Set("Authorization", "Bearer "+accessToken)
	}

	start := time.Now()
	hresp, err := c.doer.Do(hreq)
	if err != nil {
		c.metrics.RecordTransportError(method)
		return nil, &TransportError{Method: method, Path: req.Path, Err: err}
	}
	defer hresp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(hresp.Body, maxResponseBytes))
	if err != nil {
		c.metrics.RecordTransportError(method)
		return nil, &TransportError{Method: method, Path: req.Path, Err: err}
	}
	latency := time.Since(start)
	c.metrics.RecordTransport(method, hresp.StatusCode, latency)

	c.logger.Debug().
		Str("request_id", requestID).
		Str("method", method).
		Str("path", req.Path).
		Int("status", hresp.StatusCode).
		Dur("latency", latency).
		Msg("api call")

	return &Response{
		StatusCode: hresp.StatusCode,
		Header:     hresp.Header,
		Body:       body,
	}, nil
}

func checkStatus(method, path string, resp *Response) (*Response, error) {
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return resp, nil
	}
	return nil, newAPIError(method, path, resp)
}
