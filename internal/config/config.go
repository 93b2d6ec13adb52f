package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config interface {
	EnvConfig
	APIConfig
	IdentityConfig
	SessionConfig
	StorageConfig
}

type APIConfig interface {
	GetAPIBaseURL() string
	GetRequestTimeout() time.Duration
	GetRateLimit() float64
	GetRateBurst() int
	GetUserAgent() string
}

type IdentityConfig interface {
	GetIdentityProvider() string
	GetOIDCIssuer() string
	GetOIDCClientID() string
	GetOIDCClientSecret() string
	GetOIDCRedirectURL() string
}

type SessionConfig interface {
	GetRefreshInterval() time.Duration
}

type StorageConfig interface {
	GetStorageBackend() string
	GetCredentialFile() string
	GetSealingKey() string
	GetRedisAddr() string
	GetRedisPrefix() string
}

// fileValues is the optional YAML configuration file. Environment variables
// take precedence over it.
type fileValues struct {
	AppName  string `yaml:"app_name"`
	Env      string `yaml:"env"`
	LogLevel string `yaml:"log_level"`
	API      struct {
		BaseURL   string  `yaml:"base_url"`
		Timeout   string  `yaml:"timeout"`
		RateLimit float64 `yaml:"rate_limit"`
		RateBurst int     `yaml:"rate_burst"`
		UserAgent string  `yaml:"user_agent"`
	} `yaml:"api"`
	Identity struct {
		Provider     string `yaml:"provider"`
		Issuer       string `yaml:"issuer"`
		ClientID     string `yaml:"client_id"`
		ClientSecret string `yaml:"client_secret"`
		RedirectURL  string `yaml:"redirect_url"`
	} `yaml:"identity"`
	Session struct {
		RefreshInterval string `yaml:"refresh_interval"`
	} `yaml:"session"`
	Storage struct {
		Backend     string `yaml:"backend"`
		File        string `yaml:"file"`
		SealingKey  string `yaml:"sealing_key"`
		RedisAddr   string `yaml:"redis_addr"`
		RedisPrefix string `yaml:"redis_prefix"`
	} `yaml:"storage"`
}

type mainConfig struct {
	EnvVars
	API
	Identity
	Session
	Storage
}

// New returns a Config read from environment variables and defaults only.
func New() Config {
	return newConfig(&fileValues{})
}

// Load reads the YAML file at path, then applies environment overrides. A
// missing file is not an error.
func Load(path string) (Config, error) {
	f := &fileValues{}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, f); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	return newConfig(f), nil
}

func newConfig(f *fileValues) Config {
	return mainConfig{
		EnvVars:  EnvVars{f: f},
		API:      API{f: f},
		Identity: Identity{f: f},
		Session:  Session{f: f},
		Storage:  Storage{f: f},
	}
}
