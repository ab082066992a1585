package lockmaster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/lockmaster-go/auth"
	"github.com/ggoodman/lockmaster-go/bundle"
	"github.com/ggoodman/lockmaster-go/config"
	"github.com/ggoodman/lockmaster-go/discovery"
	"github.com/ggoodman/lockmaster-go/livesync"
	"github.com/ggoodman/lockmaster-go/statuslist"
	"golang.org/x/time/rate"
)

var (
	// ErrClosed is returned by Bootstrap and Watch after Close.
	ErrClosed = errors.New("lockmaster: client closed")
	// ErrWatching is returned by Watch while another Watch is running.
	ErrWatching = errors.New("lockmaster: already watching")
)

// tokenLeeway renews access tokens this long before they expire.
const tokenLeeway = 30 * time.Second

// Option configures a Client.
type Option func(*options)

type options struct {
	hc    *http.Client
	log   *slog.Logger
	cache *statuslist.Cache
	store statuslist.Store
	now   func() time.Time
}

// WithHTTPClient sets the HTTP client used for every request.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) { o.hc = hc }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithCache shares an existing status cache, for example one already handed
// to the decision engine. WithStore is ignored when a cache is given.
func WithCache(c *statuslist.Cache) Option {
	return func(o *options) { o.cache = c }
}

// WithStore mirrors the status cache into s and restores from it after a
// successful bootstrap. The caller keeps ownership of s.
func WithStore(s statuslist.Store) Option {
	return func(o *options) { o.store = s }
}

// session is what a successful bootstrap learned.
type session struct {
	lockMaster discovery.LockMasterConfig
	oauth      discovery.OAuthConfig
	reg        auth.ClientRegistration
	grant      auth.AccessGrant
	digest     [32]byte
}

// Client bootstraps and synchronizes one policy store. T is the type the
// policy bundle decodes into.
type Client[T any] struct {
	cfg config.Config
	log *slog.Logger
	hc  *http.Client
	now func() time.Time

	resolver  *discovery.Resolver
	registrar *auth.Registrar
	tokens    *auth.TokenAcquirer
	fetcher   *bundle.Fetcher
	cache     *statuslist.Cache
	limiter   *rate.Limiter
	verifier  *jwksVerifier

	lifetime context.Context
	cancel   context.CancelFunc

	bootMu sync.Mutex

	watching atomic.Bool

	mu      sync.Mutex
	current *session
	live    *livesync.Channel
	changes <-chan struct{}
}

// New validates cfg and returns an idle Client.
func New[T any](cfg config.Config, opts ...Option) (*Client[T], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = slog.New(slog.DiscardHandler)
	}
	if o.hc == nil {
		o.hc = http.DefaultClient
	}
	if o.cache == nil {
		copts := []statuslist.CacheOption{statuslist.WithLogger(o.log)}
		if o.store != nil {
			copts = append(copts, statuslist.WithStore(o.store))
		}
		o.cache = statuslist.NewCache(copts...)
	}

	limit := rate.Inf
	if d := cfg.RefetchMinInterval.D(); d > 0 {
		limit = rate.Every(d)
	}

	lifetime, cancel := context.WithCancel(context.Background())
	return &Client[T]{
		cfg:       cfg,
		log:       o.log,
		hc:        o.hc,
		now:       o.now,
		resolver:  discovery.NewResolver(o.hc, o.log),
		registrar: auth.NewRegistrar(cfg.ApplicationName, auth.WithHTTPClient(o.hc), auth.WithLogger(o.log), auth.WithClock(o.now)),
		tokens:    auth.NewTokenAcquirer(auth.WithHTTPClient(o.hc), auth.WithLogger(o.log), auth.WithClock(o.now)),
		fetcher:   bundle.NewFetcher(o.hc, o.log, bundle.WithMaxBytes(cfg.MaxBundleBytes)),
		cache:     o.cache,
		limiter:   rate.NewLimiter(limit, 1),
		verifier: &jwksVerifier{
			lifetime: lifetime,
			hc:       o.hc,
			log:      o.log,
			timeout:  cfg.StageTimeout.D(),
		},
		lifetime:  lifetime,
		cancel:    cancel,
	}, nil
}

// Cache returns the revocation status cache.
func (c *Client[T]) Cache() *statuslist.Cache { return c.cache }

// Sync returns the live sync channel, nil until Bootstrap starts it.
func (c *Client[T]) Sync() *livesync.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live
}

// Close stops live sync. Bootstrap and Watch fail with ErrClosed afterwards.
func (c *Client[T]) Close() error {
	c.cancel()
	if ch := c.Sync(); ch != nil {
		return ch.Close()
	}
	return nil
}

func (c *Client[T]) session() (session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return session{}, false
	}
	return *c.current, true
}

// accessToken is the live sync TokenSource: the current token, or "" before
// the first successful token stage.
func (c *Client[T]) accessToken(context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil || !c.current.grant.Valid(c.now(), 0) {
		return "", nil
	}
	return c.current.grant.AccessToken, nil
}

// jwksVerifier builds the JWKS verifier on the first signed update, on the
// live sync goroutine, so Bootstrap never waits for the key set. It is built
// once per jwks_uri and lives until the client closes.
type jwksVerifier struct {
	lifetime context.Context
	hc       *http.Client
	log      *slog.Logger
	timeout  time.Duration

	mu     sync.Mutex
	uri    string
	v      *statuslist.JWKSVerifier
	cancel context.CancelFunc
}

// setURI records the key set location learned by OAuth discovery.
func (j *jwksVerifier) setURI(uri string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if uri == j.uri {
		return
	}
	if j.cancel != nil {
		j.cancel()
	}
	j.uri, j.v, j.cancel = uri, nil, nil
}

func (j *jwksVerifier) Verify(ctx context.Context, token string) (statuslist.Update, error) {
	v, err := j.verifier(ctx)
	if err != nil {
		return statuslist.Update{}, err
	}
	return v.Verify(ctx, token)
}

func (j *jwksVerifier) verifier(ctx context.Context) (*statuslist.JWKSVerifier, error) {
	j.mu.Lock()
	uri, v := j.uri, j.v
	j.mu.Unlock()
	if v != nil {
		return v, nil
	}
	if uri == "" {
		return nil, fmt.Errorf("%w: no signing keys available yet", statuslist.ErrUnverified)
	}

	// The refresh goroutine follows the client lifetime; the first fetch
	// also ends with ctx.
	keysCtx, cancel := context.WithCancel(j.lifetime)
	stop := context.AfterFunc(ctx, cancel)
	v, err := statuslist.NewJWKSVerifier(keysCtx, uri,
		statuslist.WithHTTPClient(j.hc),
		statuslist.WithHTTPTimeout(j.timeout),
		statuslist.WithRefreshLogger(j.log),
	)
	if !stop() && err == nil {
		err = ctx.Err()
	}
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %w", statuslist.ErrUnverified, err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.uri != uri || j.v != nil {
		// Replaced while fetching.
		cancel()
		if j.v == nil {
			return nil, fmt.Errorf("%w: jwks_uri changed", statuslist.ErrUnverified)
		}
		return j.v, nil
	}
	j.v, j.cancel = v, cancel
	return v, nil
}
