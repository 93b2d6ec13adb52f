// Package oidcprovider implements identity.Provider on top of a standard
// OpenID Connect issuer: sign-in is the authorization code flow (with PKCE),
// refresh is the refresh_token grant.
package oidcprovider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/jrsteele09/jobboard-client/credentials"
	"github.com/jrsteele09/jobboard-client/identity"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

// NowTimeFunc returns the current time. It can be overridden in tests.
var NowTimeFunc = time.Now

var (
	ErrNoIDToken     = errors.New("no id_token in token response")
	ErrNonceMismatch = errors.New("id_token nonce does not match the authorization request")
)

var _ identity.Provider = (*Provider)(nil)

// Provider exchanges authorization codes and refresh tokens at an OIDC issuer.
type Provider struct {
	oauth2Config *oauth2.Config
	verifier     *oidc.IDTokenVerifier
	httpClient   *http.Client
	logger       zerolog.Logger
}

type Option func(*Provider)

func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(p *Provider) {
		p.logger = l
	}
}

// Discover builds a Provider from the issuer's discovery document.
func Discover(ctx context.Context, issuer, clientID, clientSecret, redirectURL string, opts ...Option) (*Provider, error) {
	p := newProvider(opts...)

	provider, err := oidc.NewProvider(p.clientContext(ctx), issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to create OIDC provider: %w", err)
	}

	p.oauth2Config = &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     provider.Endpoint(),
		RedirectURL:  redirectURL,
		Scopes:       []string{oidc.ScopeOpenID, "profile", "email", oidc.ScopeOfflineAccess},
	}
	p.verifier = provider.Verifier(&oidc.Config{ClientID: clientID})
	return p, nil
}

// New builds a Provider from an explicit oauth2 configuration and verifier.
func New(cfg *oauth2.Config, verifier *oidc.IDTokenVerifier, opts ...Option) *Provider {
	p := newProvider(opts...)
	p.oauth2Config = cfg
	p.verifier = verifier
	return p
}

func newProvider(opts ...Option) *Provider {
	p := &Provider{
		httpClient: http.DefaultClient,
		logger:     log.Logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// AuthCodeURL returns the URL to send the user to. codeVerifier should come
// from oauth2.GenerateVerifier; it and nonce are passed back in the Assertion.
func (p *Provider) AuthCodeURL(state, nonce, codeVerifier string) string {
	return p.oauth2Config.AuthCodeURL(state,
		oauth2.S256ChallengeOption(codeVerifier),
		oidc.Nonce(nonce),
	)
}

func (p *Provider) clientContext(ctx context.Context) context.Context {
	return oidc.ClientContext(context.WithValue(ctx, oauth2.HTTPClient, p.httpClient), p.httpClient)
}

func (p *Provider) Login(ctx context.Context, a identity.Assertion) (*identity.Grant, error) {
	if a.Code == "" {
		return nil, identity.ErrMissingAssertion
	}
	if err := identity.ValidateRole(a.Role); err != nil {
		return nil, err
	}
	ctx = p.clientContext(ctx)

	var exchangeOpts []oauth2.AuthCodeOption
	if a.CodeVerifier != "" {
		exchangeOpts = append(exchangeOpts, oauth2.VerifierOption(a.CodeVerifier))
	}
	tok, err := p.oauth2Config.Exchange(ctx, a.Code, exchangeOpts...)
	if err != nil {
		return nil, fmt.Errorf("token exchange failed: %w", err)
	}

	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, ErrNoIDToken
	}
	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("ID token verification failed: %w", err)
	}

	// Prevent replay of an ID token issued for another authorization request.
	if idToken.Nonce != a.Nonce {
		return nil, ErrNonceMismatch
	}

	var claims struct {
		Sub           string `json:"sub"`
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
		Name          string `json:"name"`
		Picture       string `json:"picture"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to extract claims: %w", err)
	}

	p.logger.Info().Str("sub", claims.Sub).Msg("oidc sign-in succeeded")
	return &identity.Grant{
		User: identity.User{
			UID:           claims.Sub,
			Email:         claims.Email,
			DisplayName:   claims.Name,
			EmailVerified: claims.EmailVerified,
			PhotoURL:      claims.Picture,
			Role:          a.Role,
		},
		Credential: credentials.FromOAuth2Token(tok, NowTimeFunc()),
	}, nil
}

// Signup is the same exchange as Login; account creation is the issuer's concern.
func (p *Provider) Signup(ctx context.Context, a identity.Assertion) (*identity.Grant, error) {
	return p.Login(ctx, a)
}

func (p *Provider) Refresh(ctx context.Context, refreshToken string) (credentials.Credential, error) {
	ts := p.oauth2Config.TokenSource(p.clientContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := ts.Token()
	if err != nil {
		return credentials.Credential{}, fmt.Errorf("refresh_token grant failed: %w", err)
	}
	return credentials.FromOAuth2Token(tok, NowTimeFunc()), nil
}

// Logout is local only; the issuer keeps no per-client session to end.
func (p *Provider) Logout(context.Context, credentials.Credential) error {
	return nil
}
