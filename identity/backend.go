package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jrsteele09/jobboard-client/credentials"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// NowTimeFunc returns the current time. It can be overridden in tests.
var NowTimeFunc = time.Now

const (
	routeLogin   = "/auth/login"
	routeSignup  = "/auth/signup"
	routeRefresh = "/auth/refresh"
	routeLogout  = "/auth/logout"

	maxResponseBytes = 1 << 20
)

var _ Provider = (*BackendProvider)(nil)

// BackendProvider talks to the job-board backend's /auth endpoints, which
// exchange an upstream ID token for the backend's own access/refresh pair.
// It uses a plain HTTP client: these calls must never go through the
// authenticated pipeline, or a failing refresh would try to refresh itself.
type BackendProvider struct {
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
}

type BackendOption func(*BackendProvider)

func WithHTTPClient(c *http.Client) BackendOption {
	return func(p *BackendProvider) {
		p.httpClient = c
	}
}

func WithLogger(l zerolog.Logger) BackendOption {
	return func(p *BackendProvider) {
		p.logger = l
	}
}

// NewBackendProvider creates a provider for the backend at baseURL
// (for example "http://localhost:5000/api").
func NewBackendProvider(baseURL string, opts ...BackendOption) *BackendProvider {
	p := &BackendProvider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     log.Logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type assertionRequest struct {
	IDToken string   `json:"idToken"`
	Role    RoleType `json:"role,omitempty"`
}

type grantResponse struct {
	Success      bool   `json:"success"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	User         User   `json:"user"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type refreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (p *BackendProvider) Login(ctx context.Context, a Assertion) (*Grant, error) {
	return p.grant(ctx, "login", routeLogin, a)
}

func (p *BackendProvider) Signup(ctx context.Context, a Assertion) (*Grant, error) {
	return p.grant(ctx, "signup", routeSignup, a)
}

func (p *BackendProvider) grant(ctx context.Context, op, route string, a Assertion) (*Grant, error) {
	if a.IDToken == "" {
		return nil, ErrMissingAssertion
	}
	if err := ValidateRole(a.Role); err != nil {
		return nil, err
	}

	var resp grantResponse
	if err := p.post(ctx, op, route, "", assertionRequest{IDToken: a.IDToken, Role: a.Role}, &resp); err != nil {
		return nil, err
	}
	if resp.AccessToken == "" {
		return nil, &ProviderError{Op: op, StatusCode: http.StatusOK, Message: "response has no access token"}
	}

	p.logger.Info().Str("uid", resp.User.UID).Str("role", string(resp.User.Role)).Msgf("%s succeeded", op)
	return &Grant{
		User: resp.User,
		Credential: credentials.Credential{
			AccessToken:  resp.AccessToken,
			RefreshToken: resp.RefreshToken,
			IssuedAt:     NowTimeFunc(),
		},
	}, nil
}

func (p *BackendProvider) Refresh(ctx context.Context, refreshToken string) (credentials.Credential, error) {
	var resp refreshResponse
	if err := p.post(ctx, "refresh", routeRefresh, "", refreshRequest{RefreshToken: refreshToken}, &resp); err != nil {
		return credentials.Credential{}, err
	}
	return credentials.Credential{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		IssuedAt:     NowTimeFunc(),
	}, nil
}

func (p *BackendProvider) Logout(ctx context.Context, c credentials.Credential) error {
	return p.post(ctx, "logout", routeLogout, c.AccessToken, nil, nil)
}

func (p *BackendProvider) post(ctx context.Context, op, route, bearer string, in, out any) error {
	var body io.Reader = http.NoBody
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("[identity %s] encode: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+route, body)
	if err != nil {
		return fmt.Errorf("[identity %s] new request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("[identity %s] %w", op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("[identity %s] read response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e errorResponse
		_ = json.Unmarshal(data, &e)
		return &ProviderError{Op: op, StatusCode: resp.StatusCode, Message: e.Error}
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("[identity %s] decode response: %w", op, err)
	}
	return nil
}
