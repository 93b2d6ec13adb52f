package filestorage

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/jrsteele09/jobboard-client/storage"
	"golang.org/x/crypto/chacha20poly1305"
)

var _ storage.Storage = (*FileStorage)(nil)

// ErrInvalidKey is returned when a sealing key is not chacha20poly1305.KeySize bytes.
var ErrInvalidKey = errors.New("sealing key must be 32 bytes")

// FileStorage keeps all keys in a single JSON document on disk. Every write
// replaces the document atomically (temp file + rename) so readers never see a
// partially written file.
type FileStorage struct {
	path string
	aead cipher.AEAD // nil when values are stored in clear text

	mu     sync.RWMutex
	values map[string]string
}

type Option func(*FileStorage) error

// WithSealingKey encrypts every value at rest with XChaCha20-Poly1305.
func WithSealingKey(key []byte) Option {
	return func(s *FileStorage) error {
		if len(key) != chacha20poly1305.KeySize {
			return ErrInvalidKey
		}
		aead, err := chacha20poly1305.NewX(key)
		if err != nil {
			return fmt.Errorf("chacha20poly1305.NewX: %w", err)
		}
		s.aead = aead
		return nil
	}
}

// Open loads path, creating an empty document if it does not exist yet.
func Open(path string, opts ...Option) (*FileStorage, error) {
	s := &FileStorage{
		path:   path,
		values: make(map[string]string),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("[filestorage Open] read %s: %w", path, err)
	}

	if len(data) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(data, &s.values); err != nil {
		return nil, fmt.Errorf("[filestorage Open] decode %s: %w", path, err)
	}
	return s, nil
}

func (s *FileStorage) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	raw, ok := s.values[key]
	s.mu.RUnlock()
	if !ok {
		return "", false, nil
	}

	v, err := s.open(raw)
	if err != nil {
		return "", false, fmt.Errorf("[filestorage Get] %s: %w", key, err)
	}
	return v, true, nil
}

func (s *FileStorage) Set(_ context.Context, key, value string) error {
	sealed, err := s.seal(value)
	if err != nil {
		return fmt.Errorf("[filestorage Set] %s: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.copyValues()
	next[key] = sealed
	if err := s.persist(next); err != nil {
		return fmt.Errorf("[filestorage Set] %s: %w", key, err)
	}
	s.values = next
	return nil
}

func (s *FileStorage) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.values[key]; !ok {
		return nil
	}

	next := s.copyValues()
	delete(next, key)
	if err := s.persist(next); err != nil {
		return fmt.Errorf("[filestorage Remove] %s: %w", key, err)
	}
	s.values = next
	return nil
}

func (s *FileStorage) copyValues() map[string]string {
	next := make(map[string]string, len(s.values)+1)
	for k, v := range s.values {
		next[k] = v
	}
	return next
}

// persist must be called with s.mu held.
func (s *FileStorage) persist(values map[string]string) error {
	data, err := json.Marshal(values)
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, s.path)
}

func (s *FileStorage) seal(value string) (string, error) {
	if s.aead == nil {
		return value, nil
	}
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(value)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	out := s.aead.Seal(nonce, nonce, []byte(value), nil)
	return base64.RawStdEncoding.EncodeToString(out), nil
}

func (s *FileStorage) open(raw string) (string, error) {
	if s.aead == nil {
		return raw, nil
	}
	data, err := base64.RawStdEncoding.DecodeString(raw)
	if err != nil {
		return "", err
	}
	if len(data) < s.aead.NonceSize() {
		return "", errors.New("sealed value too short")
	}
	nonce, ciphertext := data[:s.aead.NonceSize()], data[s.aead.NonceSize():]
	plain, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}
