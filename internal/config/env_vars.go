package config

import (
	"os"
	"strconv"
	"time"
)

const (
	appNameVar  = "APP_NAME"
	envVar      = "ENV"
	logLevelVar = "LOG_LEVEL"

	apiBaseURLVar   = "JOBBOARD_API_URL"
	apiTimeoutVar   = "JOBBOARD_API_TIMEOUT"
	apiRateLimitVar = "JOBBOARD_RATE_LIMIT"
	apiRateBurstVar = "JOBBOARD_RATE_BURST"
	userAgentVar    = "JOBBOARD_USER_AGENT"

	identityProviderVar = "JOBBOARD_IDENTITY_PROVIDER"
	oidcIssuerVar       = "OIDC_ISSUER"
	oidcClientIDVar     = "OIDC_CLIENT_ID"
	oidcClientSecretVar = "OIDC_CLIENT_SECRET"
	oidcRedirectURLVar  = "OIDC_REDIRECT_URL"

	refreshIntervalVar = "JOBBOARD_REFRESH_INTERVAL"

	storageBackendVar = "JOBBOARD_STORAGE"
	credentialFileVar = "JOBBOARD_CREDENTIAL_FILE"
	sealingKeyVar     = "JOBBOARD_SEALING_KEY"
	redisAddrVar      = "REDIS_ADDR"
	redisPrefixVar    = "REDIS_PREFIX"
)

// Identity provider kinds.
const (
	ProviderBackend = "backend"
	ProviderOIDC    = "oidc"
)

// Storage backends.
const (
	StorageFile   = "file"
	StorageRedis  = "redis"
	StorageMemory = "memory"
)

type EnvConfig interface {
	GetAppName() string
	GetEnv() string
	GetLogLevel() string
}

type EnvVars struct {
	f *fileValues
}

var _ EnvConfig = EnvVars{}

func (e EnvVars) GetAppName() string {
	return lookup(appNameVar, e.f.AppName, "Job Board")
}

func (e EnvVars) GetEnv() string {
	return lookup(envVar, e.f.Env, "DEV")
}

func (e EnvVars) GetLogLevel() string {
	return lookup(logLevelVar, e.f.LogLevel, "info")
}

type API struct {
	f *fileValues
}

var _ APIConfig = API{}

func (a API) GetAPIBaseURL() string {
	return lookup(apiBaseURLVar, a.f.API.BaseURL, "http://localhost:5000/api")
}

func (a API) GetRequestTimeout() time.Duration {
	return lookupDuration(apiTimeoutVar, a.f.API.Timeout, 30*time.Second)
}

// GetRateLimit is the outbound requests per second; 0 disables limiting.
func (a API) GetRateLimit() float64 {
	if v, err := strconv.ParseFloat(GetEnv(apiRateLimitVar, ""), 64); err == nil {
		return v
	}
	return a.f.API.RateLimit
}

func (a API) GetRateBurst() int {
	if v, err := strconv.Atoi(GetEnv(apiRateBurstVar, "")); err == nil {
		return v
	}
	if a.f.API.RateBurst > 0 {
		return a.f.API.RateBurst
	}
	return 5
}

func (a API) GetUserAgent() string {
	return lookup(userAgentVar, a.f.API.UserAgent, "jobctl")
}

type Identity struct {
	f *fileValues
}

var _ IdentityConfig = Identity{}

func (i Identity) GetIdentityProvider() string {
	return lookup(identityProviderVar, i.f.Identity.Provider, ProviderBackend)
}

func (i Identity) GetOIDCIssuer() string {
	return lookup(oidcIssuerVar, i.f.Identity.Issuer, "")
}

func (i Identity) GetOIDCClientID() string {
	return lookup(oidcClientIDVar, i.f.Identity.ClientID, "")
}

func (i Identity) GetOIDCClientSecret() string {
	return lookup(oidcClientSecretVar, i.f.Identity.ClientSecret, "")
}

func (i Identity) GetOIDCRedirectURL() string {
	return lookup(oidcRedirectURLVar, i.f.Identity.RedirectURL, "http://127.0.0.1:8085/callback")
}

type Session struct {
	f *fileValues
}

var _ SessionConfig = Session{}

// GetRefreshInterval should stay well below the access token lifetime.
func (s Session) GetRefreshInterval() time.Duration {
	return lookupDuration(refreshIntervalVar, s.f.Session.RefreshInterval, 10*time.Minute)
}

type Storage struct {
	f *fileValues
}

var _ StorageConfig = Storage{}

func (s Storage) GetStorageBackend() string {
	return lookup(storageBackendVar, s.f.Storage.Backend, StorageFile)
}

func (s Storage) GetCredentialFile() string {
	if p := lookup(credentialFileVar, s.f.Storage.File, ""); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "./jobboard-credential.json"
	}
	return dir + "/jobboard/credential.json"
}

// GetSealingKey is the hex-encoded 32-byte key for sealing the credential
// file. Empty means the file is stored unsealed.
func (s Storage) GetSealingKey() string {
	return lookup(sealingKeyVar, s.f.Storage.SealingKey, "")
}

func (s Storage) GetRedisAddr() string {
	return lookup(redisAddrVar, s.f.Storage.RedisAddr, "localhost:6379")
}

func (s Storage) GetRedisPrefix() string {
	return lookup(redisPrefixVar, s.f.Storage.RedisPrefix, "")
}

func GetEnv(envVar, defaultValue string) string {
	value := os.Getenv(envVar)
	if value == "" {
		return defaultValue
	}
	return value
}

func lookup(envVar, fileValue, defaultValue string) string {
	if fileValue != "" {
		defaultValue = fileValue
	}
	return GetEnv(envVar, defaultValue)
}

func lookupDuration(envVar, fileValue string, defaultValue time.Duration) time.Duration {
	d, err := time.ParseDuration(lookup(envVar, fileValue, ""))
	if err != nil || d <= 0 {
		return defaultValue
	}
	return d
}
