package credentials

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// Credential is the access/refresh token pair that represents a signed-in session.
// Both tokens are opaque to the client; Expiry only peeks at the access token when
// it happens to be a JWT.
type Credential struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	IssuedAt     time.Time `json:"issuedAt"`
}

// IsZero reports whether c carries no access token.
func (c Credential) IsZero() bool {
	return c.AccessToken == ""
}

// Expiry returns the exp claim of the access token, or the zero time when the
// token is not a JWT or carries no exp. The signature is not verified: the
// backend remains the authority, this only drives proactive refresh.
func (c Credential) Expiry() time.Time {
	if c.AccessToken == "" {
		return time.Time{}
	}
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(c.AccessToken, &claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

// Expired reports whether the access token is known to be expired at now.
// Tokens with an unknown expiry are never reported as expired.
func (c Credential) Expired(now time.Time) bool {
	exp := c.Expiry()
	return !exp.IsZero() && !now.Before(exp)
}

// OAuth2Token converts c for use with golang.org/x/oauth2.
func (c Credential) OAuth2Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       c.Expiry(),
	}
}

// FromOAuth2Token builds a Credential from an oauth2 token issued at issuedAt.
func FromOAuth2Token(t *oauth2.Token, issuedAt time.Time) Credential {
	return Credential{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		IssuedAt:     issuedAt,
	}
}
