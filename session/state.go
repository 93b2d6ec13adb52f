package session

import (
	"fmt"
	"time"

	"github.com/jrsteele09/jobboard-client/identity"
)

type Status int

const (
	SignedOut Status = iota
	SignedIn
	// Expired means the access token is past its exp claim and a refresh is
	// pending. The user is still known.
	Expired
)

func (s Status) String() string {
	switch s {
	case SignedOut:
		return "signed-out"
	case SignedIn:
		return "signed-in"
	case Expired:
		return "expired"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// State is a snapshot of the session. User is the zero value when signed out.
type State struct {
	Status Status
	User   identity.User
	// Expiry of the current access token, zero when unknown.
	Expiry time.Time
}

func (s State) SignedIn() bool {
	return s.Status != SignedOut
}
