// Package gabridge connects a host application to Google Analytics. It wires
// the OAuth token manager, the credential store, the failback query cache and
// the callback handlers into a single Bridge.
//
// Example:
//
//	k, _ := gabridge.LoadConfig()
//	b, err := gabridge.NewFromConfig(ctx, k, gabridge.WithPermissions(perms))
//	if err != nil {
//		return err
//	}
//	defer b.Close()
//
//	http.Handle("/", b.Callbacks().Middleware(appHandler))
//	views, _ := b.Queries().MetricByPath(ctx, "ga:pageviews", query.Options{})
package gabridge

import (
	"context"
	"time"

	"github.com/handbuilt/gabridge/auth"
	"github.com/handbuilt/gabridge/cache"
	"github.com/handbuilt/gabridge/cache/memcache"
	"github.com/handbuilt/gabridge/cache/rediscache"
	"github.com/handbuilt/gabridge/callback"
	"github.com/handbuilt/gabridge/credential"
	"github.com/handbuilt/gabridge/csrf"
	"github.com/handbuilt/gabridge/errors"
	"github.com/handbuilt/gabridge/logging"
	"github.com/handbuilt/gabridge/prime"
	"github.com/handbuilt/gabridge/query"
	"github.com/handbuilt/gabridge/storage"
	"github.com/handbuilt/gabridge/storage/memorystore"
	"github.com/handbuilt/gabridge/storage/postgres"
	"github.com/handbuilt/gabridge/storage/sqlite"
	"github.com/handbuilt/gabridge/transport"
	"github.com/knadh/koanf/v2"
	"golang.org/x/oauth2"
	"google.golang.org/grpc/codes"
)

var errConfig = errors.NewC("gabridge: invalid configuration", codes.InvalidArgument)

// Option customizes a Bridge.
type Option func(*builder)

// WithStore sets the credential persistence store.
func WithStore(s storage.Store) Option {
	return func(b *builder) {
		b.store = s
	}
}

// WithCache sets the cache backing the query failback tiers.
func WithCache(c cache.Cache) Option {
	return func(b *builder) {
		b.cache = c
	}
}

// WithCachePolicy overrides the cache TTLs.
func WithCachePolicy(p cache.Policy) Option {
	return func(b *builder) {
		b.policy = p
	}
}

// WithTransport sets the HTTP transport used for Google requests.
func WithTransport(t transport.Transport) Option {
	return func(b *builder) {
		b.transport = t
	}
}

// WithPermissions sets the permission check used by callbacks.
func WithPermissions(p callback.Permissions) Option {
	return func(b *builder) {
		b.perms = p
	}
}

// WithSettings replaces the auth settings providers.
func WithSettings(s auth.Settings) Option {
	return func(b *builder) {
		b.settings = s
	}
}

// WithProfileID sets the provider of the default Analytics view id.
func WithProfileID(fn func(context.Context) string) Option {
	return func(b *builder) {
		b.profileID = fn
	}
}

// WithNonceKey sets the key signing anti-forgery tokens.
func WithNonceKey(key []byte) Option {
	return func(b *builder) {
		b.nonceKey = key
	}
}

// WithCallbackPath overrides the callback path.
func WithCallbackPath(path string) Option {
	return func(b *builder) {
		b.callbackPath = path
	}
}

// WithDisconnectAction overrides the disconnect action name.
func WithDisconnectAction(action string) Option {
	return func(b *builder) {
		b.disconnectAction = action
	}
}

// WithEndpoint overrides the OAuth provider endpoint.
func WithEndpoint(e oauth2.Endpoint) Option {
	return func(b *builder) {
		b.endpoint = &e
	}
}

// WithQueryURLs overrides the Analytics endpoints.
func WithQueryURLs(reportingURL, realtimeURL string) Option {
	return func(b *builder) {
		b.reportingURL = reportingURL
		b.realtimeURL = realtimeURL
	}
}

// WithLogger sets the logger used by background work.
func WithLogger(l logging.Logger) Option {
	return func(b *builder) {
		b.logger = l
	}
}

type builder struct {
	store            storage.Store
	cache            cache.Cache
	policy           cache.Policy
	transport        transport.Transport
	perms            callback.Permissions
	settings         auth.Settings
	profileID        func(context.Context) string
	nonceKey         []byte
	callbackPath     string
	disconnectAction string
	endpoint         *oauth2.Endpoint
	reportingURL     string
	realtimeURL      string
	logger           logging.Logger
}

// Bridge is the assembled system.
type Bridge struct {
	store     storage.Store
	manager   *auth.Manager
	nonces    *csrf.Tokens
	executor  *query.Executor
	queries   *query.Cached
	callbacks *callback.Handler
	logger    logging.Logger
	closers   []func() error
}

// New assembles a Bridge. Without options it keeps state in memory.
func New(opts ...Option) *Bridge {
	b := &builder{
		policy:           cache.DefaultPolicy(),
		callbackPath:     callback.DefaultCallbackPath,
		disconnectAction: auth.DefaultDisconnectAction,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b.build()
}

func (b *builder) build() *Bridge {
	if b.store == nil {
		b.store = memorystore.New()
	}
	if b.cache == nil {
		b.cache = memcache.New(10 * time.Minute)
	}
	if b.transport == nil {
		b.transport = transport.New()
	}
	if b.logger == nil {
		b.logger = logging.NewNopLogger()
	}

	nonces := csrf.New(b.nonceKey)
	mgrOpts := []auth.ManagerOption{
		auth.WithTransport(b.transport),
		auth.WithNonces(nonces),
		auth.WithDisconnectAction(b.disconnectAction),
	}
	if b.endpoint != nil {
		mgrOpts = append(mgrOpts, auth.WithEndpoint(*b.endpoint))
	}
	mgr := auth.NewManager(b.settings, credential.NewStore(b.store), mgrOpts...)

	queryOpts := []query.Option{query.WithTransport(b.transport)}
	if b.reportingURL != "" || b.realtimeURL != "" {
		queryOpts = append(queryOpts, query.WithURLs(
			orDefault(b.reportingURL, query.ReportingURL),
			orDefault(b.realtimeURL, query.RealtimeURL)))
	}
	exec := query.NewExecutor(mgr, b.profileID, queryOpts...)

	bridge := &Bridge{
		store:     b.store,
		manager:   mgr,
		nonces:    nonces,
		executor:  exec,
		queries:   query.NewCached(exec, cache.NewFailback(b.cache, b.policy)),
		callbacks: callback.New(mgr, b.perms, nonces, callback.WithCallbackPath(b.callbackPath)),
		logger:    b.logger,
	}
	if c, ok := b.store.(storage.Closer); ok {
		bridge.closers = append(bridge.closers, c.Close)
	}
	if c, ok := b.cache.(interface{ Close() error }); ok {
		bridge.closers = append(bridge.closers, c.Close)
	}
	return bridge
}

// NewFromConfig opens the configured storage and cache backends and
// assembles a Bridge. Options override configured values.
func NewFromConfig(ctx context.Context, k *koanf.Koanf, opts ...Option) (*Bridge, error) {
	store, err := OpenStore(k.String("storage.driver"), k.String("storage.dsn"))
	if err != nil {
		return nil, err
	}
	c, err := OpenCache(ctx, k)
	if err != nil {
		if closer, ok := store.(storage.Closer); ok {
			closer.Close()
		}
		return nil, err
	}

	base := []Option{
		WithStore(store),
		WithCache(c),
		WithCachePolicy(CachePolicyFromConfig(k)),
		WithSettings(SettingsFromConfig(k)),
		WithProfileID(func(context.Context) string { return k.String("analytics.profileId") }),
		WithNonceKey([]byte(k.String("oauth.nonceKey"))),
		WithCallbackPath(orDefault(k.String("oauth.callbackPath"), callback.DefaultCallbackPath)),
		WithDisconnectAction(orDefault(k.String("oauth.disconnectAction"), auth.DefaultDisconnectAction)),
		WithLogger(logging.FromContext(ctx)),
	}
	return New(append(base, opts...)...), nil
}

// OpenStore opens a storage backend by driver name.
func OpenStore(driver, dsn string) (storage.Store, error) {
	switch driver {
	case "", "memory":
		return memorystore.New(), nil
	case "sqlite":
		return sqlite.SafeNew(dsn)
	case "postgres":
		return postgres.SafeNew(dsn)
	}
	return nil, errors.Mark(errConfig, 0).Append("unknown storage driver " + driver)
}

// OpenCache opens the configured cache backend.
func OpenCache(ctx context.Context, k *koanf.Koanf) (cache.Cache, error) {
	switch backend := k.String("cache.backend"); backend {
	case "", "memory":
		return memcache.New(10 * time.Minute), nil
	case "redis":
		c, err := rediscache.New(ctx, rediscache.Config{
			Address:  k.String("cache.redis.address"),
			Password: k.String("cache.redis.password"),
			DB:       k.Int("cache.redis.db"),
			PoolSize: k.Int("cache.redis.poolSize"),
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, errors.Mark(errConfig, 0).Append("unknown cache backend " + backend)
	}
}

// Manager returns the token lifecycle manager.
func (b *Bridge) Manager() *auth.Manager {
	return b.manager
}

// Executor returns the uncached query executor.
func (b *Bridge) Executor() *query.Executor {
	return b.executor
}

// Queries returns the cached query API.
func (b *Bridge) Queries() *query.Cached {
	return b.queries
}

// Callbacks returns the inbound callback handlers.
func (b *Bridge) Callbacks() *callback.Handler {
	return b.callbacks
}

// Nonces returns the anti-forgery token issuer.
func (b *Bridge) Nonces() *csrf.Tokens {
	return b.nonces
}

// TokenSource exposes the stored credential to Google API clients.
func (b *Bridge) TokenSource(ctx context.Context) oauth2.TokenSource {
	return b.manager.TokenSource(ctx)
}

// Scheduler returns a cron scheduler that primes the cache with jobs on
// spec. It is not started.
func (b *Bridge) Scheduler(spec string, jobs ...prime.Job) (*prime.Scheduler, error) {
	s := prime.NewScheduler(b.queries, b.logger)
	if len(jobs) == 0 {
		return s, nil
	}
	if _, err := s.Add(spec, jobs...); err != nil {
		return nil, err
	}
	return s, nil
}

// Prime runs jobs once.
func (b *Bridge) Prime(ctx context.Context, jobs ...prime.Job) prime.Report {
	return prime.Run(ctx, b.queries, jobs...)
}

// Close releases storage and cache connections.
func (b *Bridge) Close() error {
	var errs []error
	for _, c := range b.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
