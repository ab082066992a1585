package statuslist

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/MicahParks/jwkset"
	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// DefaultJWKSRefresh is how often the key set is fetched again.
const DefaultJWKSRefresh = time.Hour

// ErrUnverified reports a signed update that failed verification.
var ErrUnverified = fmt.Errorf("%w: signature verification failed", ErrInvalidUpdate)

// updateClaims shadows the registered jti claim with the token id list.
type updateClaims struct {
	jwt.RegisteredClaims
	ListID   string   `json:"id"`
	Status   *byte    `json:"status"`
	TokenIDs []string `json:"jti"`
}

// JWKSVerifier verifies signed updates against the authority's JWKS.
type JWKSVerifier struct {
	keyfunc jwt.Keyfunc
	parser  *jwt.Parser
	life    context.Context
	stop    context.CancelFunc
}

// VerifierOption configures a JWKSVerifier.
type VerifierOption func(*verifierConfig)

type verifierConfig struct {
	algs   []string
	issuer string
	leeway time.Duration

	hc          *http.Client
	httpTimeout time.Duration
	refresh     time.Duration
	log         *slog.Logger
}

func newVerifierConfig(opts []VerifierOption) verifierConfig {
	cfg := verifierConfig{
		algs:    []string{"RS256", "ES256"},
		leeway:  60 * time.Second,
		refresh: DefaultJWKSRefresh,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.hc == nil {
		cfg.hc = http.DefaultClient
	}
	if cfg.log == nil {
		cfg.log = slog.New(slog.DiscardHandler)
	}
	return cfg
}

// WithAllowedAlgs restricts accepted JWS algorithms. Defaults to RS256 and
// ES256.
func WithAllowedAlgs(algs ...string) VerifierOption {
	return func(c *verifierConfig) { c.algs = append([]string(nil), algs...) }
}

// WithIssuer requires the iss claim to equal issuer.
func WithIssuer(issuer string) VerifierOption {
	return func(c *verifierConfig) { c.issuer = issuer }
}

// WithLeeway sets the clock skew tolerance for exp, nbf and iat.
func WithLeeway(d time.Duration) VerifierOption {
	return func(c *verifierConfig) { c.leeway = d }
}

// WithHTTPClient sets the client used to fetch the key set.
func WithHTTPClient(hc *http.Client) VerifierOption {
	return func(c *verifierConfig) { c.hc = hc }
}

// WithHTTPTimeout bounds every key set request, the first one included.
// Zero keeps the jwkset default of one minute.
func WithHTTPTimeout(d time.Duration) VerifierOption {
	return func(c *verifierConfig) { c.httpTimeout = d }
}

// WithRefreshInterval sets how often the key set is fetched again.
func WithRefreshInterval(d time.Duration) VerifierOption {
	return func(c *verifierConfig) { c.refresh = d }
}

// WithRefreshLogger receives background refresh failures.
func WithRefreshLogger(l *slog.Logger) VerifierOption {
	return func(c *verifierConfig) { c.log = l }
}

// NewJWKSVerifier fetches jwksURI and keeps it refreshed in the background
// until ctx ends or Close is called. The first fetch also ends with ctx.
func NewJWKSVerifier(ctx context.Context, jwksURI string, opts ...VerifierOption) (*JWKSVerifier, error) {
	cfg := newVerifierConfig(opts)
	ctx, cancel := context.WithCancel(ctx)
	storage, err := jwkset.NewStorageFromHTTP(jwksURI, jwkset.HTTPClientStorageOptions{
		Client:          cfg.hc,
		Ctx:             ctx,
		HTTPTimeout:     cfg.httpTimeout,
		RefreshInterval: cfg.refresh,
		RefreshErrorHandler: func(ctx context.Context, err error) {
			cfg.log.WarnContext(ctx, "statuslist.jwks.refresh_failed",
				slog.String("jwks_uri", jwksURI),
				slog.String("err", err.Error()),
			)
		},
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("statuslist: jwks init: %w", err)
	}
	kf, err := keyfunc.New(keyfunc.Options{Ctx: ctx, Storage: storage})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("statuslist: jwks init: %w", err)
	}
	v := newVerifier(kf.Keyfunc, cfg)
	v.life, v.stop = ctx, cancel
	return v, nil
}

// Close stops the background refresh. Verify fails afterwards.
func (v *JWKSVerifier) Close() error {
	if v.stop != nil {
		v.stop()
	}
	return nil
}

// NewVerifier builds a JWKSVerifier from an existing key function.
func NewVerifier(kf jwt.Keyfunc, opts ...VerifierOption) *JWKSVerifier {
	return newVerifier(kf, newVerifierConfig(opts))
}

func newVerifier(kf jwt.Keyfunc, cfg verifierConfig) *JWKSVerifier {
	popts := []jwt.ParserOption{
		jwt.WithValidMethods(cfg.algs),
		jwt.WithLeeway(cfg.leeway),
	}
	if cfg.issuer != "" {
		popts = append(popts, jwt.WithIssuer(cfg.issuer))
	}
	return &JWKSVerifier{keyfunc: kf, parser: jwt.NewParser(popts...)}
}

// Verify checks the signature and time claims of token and returns the
// update it carries in its "id", "status" and "jti" claims.
func (v *JWKSVerifier) Verify(ctx context.Context, token string) (Update, error) {
	if v.life != nil && v.life.Err() != nil {
		return Update{}, fmt.Errorf("%w: key set no longer refreshed: %w", ErrUnverified, v.life.Err())
	}
	var claims updateClaims
	if _, err := v.parser.ParseWithClaims(token, &claims, v.keyfunc); err != nil {
		return Update{}, fmt.Errorf("%w: %w", ErrUnverified, err)
	}
	if claims.ListID == "" || claims.Status == nil {
		return Update{}, fmt.Errorf("%w: signed update missing id or status", ErrInvalidUpdate)
	}
	return Update{ID: claims.ListID, Status: *claims.Status, TokenIDs: claims.TokenIDs}, nil
}
