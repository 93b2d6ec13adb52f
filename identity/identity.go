package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/jrsteele09/jobboard-client/credentials"
)

// RoleType is the account type a user signs in as.
type RoleType string

const (
	RoleApplicant RoleType = "applicant" // Looks for jobs, uploads resumes, applies
	RoleRequester RoleType = "requester" // Posts jobs and reviews applicants
)

// User is the identity returned by the identity provider on sign-in.
type User struct {
	UID           string   `json:"uid"`
	Email         string   `json:"email,omitempty"`
	DisplayName   string   `json:"displayName,omitempty"`
	EmailVerified bool     `json:"emailVerified,omitempty"`
	PhotoURL      string   `json:"photoURL,omitempty"`
	Role          RoleType `json:"role,omitempty"`
}

// Assertion is the external proof of identity exchanged for a credential.
// Backend providers use IDToken (an upstream ID token such as a Google sign-in
// token); OAuth2 providers use Code, CodeVerifier and Nonce from the
// authorization code flow.
type Assertion struct {
	IDToken      string
	Code         string
	CodeVerifier string
	Nonce        string // sent with the authorization request, echoed in the ID token
	Role         RoleType
}

// Grant is the result of a successful login or signup.
type Grant struct {
	User       User
	Credential credentials.Credential
}

// Provider is the identity provider the session layer talks to. It is treated
// as an opaque collaborator: only these exchanges are used.
type Provider interface {
	Login(ctx context.Context, a Assertion) (*Grant, error)
	Signup(ctx context.Context, a Assertion) (*Grant, error)
	Refresh(ctx context.Context, refreshToken string) (credentials.Credential, error)
	Logout(ctx context.Context, c credentials.Credential) error
}

var (
	ErrMissingAssertion = errors.New("missing identity assertion")
	ErrInvalidRole      = errors.New("invalid role")
)

// ValidateRole accepts the empty role (provider default) and the known roles.
func ValidateRole(r RoleType) error {
	switch r {
	case "", RoleApplicant, RoleRequester:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidRole, r)
	}
}

// ProviderError is a rejection reported by the identity provider.
type ProviderError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("identity %s: status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("identity %s: status %d: %s", e.Op, e.StatusCode, e.Message)
}
