package credentials

import (
	"context"
	"encoding/json"
	"sync"

	autherrors "github.com/jrsteele09/jobboard-client/internal/errors"
	"github.com/jrsteele09/jobboard-client/storage"
	"golang.org/x/oauth2"
)

// DefaultKey is the storage key the credential blob lives under.
const DefaultKey = "credential"

var _ oauth2.TokenSource = (*Store)(nil)

// Store owns the current Credential. Reads are served from an in-memory
// snapshot; writes go to durable storage first and only then replace the
// snapshot, so a failed write never leaves a mix of old and new tokens.
type Store struct {
	storage storage.Storage
	key     string

	mu      sync.RWMutex
	current Credential
	present bool
}

type StoreOption func(*Store)

// WithKey overrides the storage key.
func WithKey(key string) StoreOption {
	return func(s *Store) {
		s.key = key
	}
}

// Open creates a Store backed by st and loads any persisted credential.
func Open(ctx context.Context, st storage.Storage, opts ...StoreOption) (*Store, error) {
	s := &Store{
		storage: st,
		key:     DefaultKey,
	}
	for _, opt := range opts {
		opt(s)
	}

	raw, ok, err := st.Get(ctx, s.key)
	if err != nil {
		return nil, autherrors.Wrapf(err, "[credentials Open] %w", autherrors.ErrStorage)
	}
	if !ok {
		return s, nil
	}

	var c Credential
	if err := json.Unmarshal([]byte(raw), &c); err != nil || c.IsZero() {
		// An unreadable blob is treated as signed out rather than fatal.
		if rmErr := st.Remove(ctx, s.key); rmErr != nil {
			return nil, autherrors.Wrapf(rmErr, "[credentials Open] %w", autherrors.ErrStorage)
		}
		return s, nil
	}
	s.current, s.present = c, true
	return s, nil
}

// Get returns a snapshot of the current credential.
func (s *Store) Get() (Credential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current, s.present
}

// Set replaces the current credential.
func (s *Store) Set(ctx context.Context, c Credential) error {
	data, err := json.Marshal(c)
	if err != nil {
		return autherrors.Wrapf(err, "[credentials Set] encode")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.storage.Set(ctx, s.key, string(data)); err != nil {
		return autherrors.Wrapf(err, "[credentials Set] %w", autherrors.ErrStorage)
	}
	s.current, s.present = c, true
	return nil
}

// Clear removes the current credential.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.storage.Remove(ctx, s.key); err != nil {
		return autherrors.Wrapf(err, "[credentials Clear] %w", autherrors.ErrStorage)
	}
	s.current, s.present = Credential{}, false
	return nil
}

// Token implements oauth2.TokenSource.
func (s *Store) Token() (*oauth2.Token, error) {
	c, ok := s.Get()
	if !ok {
		return nil, autherrors.ErrUnauthenticated
	}
	return c.OAuth2Token(), nil
}
