package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"

	"github.com/jrsteele09/jobboard-client/apiclient"
	"github.com/jrsteele09/jobboard-client/credentials"
	"github.com/jrsteele09/jobboard-client/identity"
	"github.com/jrsteele09/jobboard-client/identity/oidcprovider"
	"github.com/jrsteele09/jobboard-client/internal/config"
	"github.com/jrsteele09/jobboard-client/internal/metrics"
	"github.com/jrsteele09/jobboard-client/jobboard"
	"github.com/jrsteele09/jobboard-client/refresh"
	"github.com/jrsteele09/jobboard-client/session"
	"github.com/jrsteele09/jobboard-client/storage"
	"github.com/jrsteele09/jobboard-client/storage/filestorage"
	"github.com/jrsteele09/jobboard-client/storage/memstorage"
	"github.com/jrsteele09/jobboard-client/storage/redisstorage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// app wires the client components together.
type app struct {
	cfg      config.Config
	registry *prometheus.Registry
	store    *credentials.Store
	client   *apiclient.Client
	api      *jobboard.API
	session  *session.Controller
	oidc     *oidcprovider.Provider // nil with the backend provider
	closers  []func()
}

func newApp(ctx context.Context, c config.Config) (*app, error) {
	a := &app{cfg: c, registry: prometheus.NewRegistry()}

	st, err := a.openStorage(c)
	if err != nil {
		return nil, err
	}
	a.store, err = credentials.Open(ctx, st)
	if err != nil {
		a.Close()
		return nil, err
	}

	httpClient := &http.Client{Timeout: c.GetRequestTimeout()}
	provider, err := a.newProvider(ctx, c, httpClient)
	if err != nil {
		a.Close()
		return nil, err
	}

	collector := metrics.NewCollector(a.registry)
	coordinator := refresh.NewCoordinator(a.store, provider, refresh.WithMetrics(collector))

	opts := []apiclient.Option{
		apiclient.WithHTTPClient(httpClient),
		apiclient.WithMetrics(collector),
		apiclient.WithUserAgent(c.GetUserAgent()),
	}
	if limit := c.GetRateLimit(); limit > 0 {
		opts = append(opts, apiclient.WithRateLimit(rate.NewLimiter(rate.Limit(limit), c.GetRateBurst())))
	}
	a.client = apiclient.New(c.GetAPIBaseURL(), a.store, coordinator, opts...)
	a.api = jobboard.New(a.client)

	a.session = session.NewController(provider, a.store, coordinator, session.WithCallCanceller(a.client))
	a.session.OnSignedOut(func(err error) {
		log.Warn().Err(err).Msg("Session ended, run `jobctl login` to sign in again")
	})
	a.closers = append(a.closers, a.session.Close)
	return a, nil
}

func (a *app) openStorage(c config.Config) (storage.Storage, error) {
	switch backend := c.GetStorageBackend(); backend {
	case config.StorageMemory:
		return memstorage.New(), nil
	case config.StorageRedis:
		rdb := redis.NewClient(&redis.Options{Addr: c.GetRedisAddr()})
		a.closers = append(a.closers, func() { _ = rdb.Close() })
		return redisstorage.New(rdb, c.GetRedisPrefix()), nil
	case config.StorageFile:
		var opts []filestorage.Option
		if hexKey := c.GetSealingKey(); hexKey != "" {
			key, err := hex.DecodeString(hexKey)
			if err != nil {
				return nil, fmt.Errorf("decode sealing key: %w", err)
			}
			opts = append(opts, filestorage.WithSealingKey(key))
		}
		return filestorage.Open(c.GetCredentialFile(), opts...)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}

func (a *app) newProvider(ctx context.Context, c config.Config, httpClient *http.Client) (identity.Provider, error) {
	switch kind := c.GetIdentityProvider(); kind {
	case config.ProviderBackend:
		return identity.NewBackendProvider(c.GetAPIBaseURL(), identity.WithHTTPClient(httpClient)), nil
	case config.ProviderOIDC:
		p, err := oidcprovider.Discover(ctx, c.GetOIDCIssuer(), c.GetOIDCClientID(), c.GetOIDCClientSecret(),
			c.GetOIDCRedirectURL(), oidcprovider.WithHTTPClient(httpClient))
		if err != nil {
			return nil, err
		}
		a.oidc = p
		return p, nil
	default:
		return nil, fmt.Errorf("unknown identity provider %q", kind)
	}
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
