package auth

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ggoodman/lockmaster-go/internal/transport"
	"github.com/ggoodman/lockmaster-go/internal/wellknown"
	"github.com/ggoodman/lockmaster-go/lockerr"
	"github.com/golang-jwt/jwt/v5"
)

// DefaultApplicationName is the client_name registered when none is given.
const DefaultApplicationName = "cedarling"

// registration constants sent to every authority.
const (
	applicationType         = "web"
	tokenEndpointAuthMethod = "client_secret_basic"
	registrationContact     = "newton@gluu.org"
)

// Option configures a Registrar or TokenAcquirer.
type Option func(*options)

type options struct {
	hc  *http.Client
	log *slog.Logger
	now func() time.Time
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = slog.New(slog.DiscardHandler)
	}
	return o
}

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) { o.hc = hc }
}

// WithLogger sets the logger. Secrets and tokens are never logged.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// SoftwareStatement is a pre-issued signed JWT attesting the client's
// identity.
type SoftwareStatement struct {
	// Raw is the compact JWT exactly as supplied.
	Raw string
	// Issuer is the iss claim.
	Issuer string
}

// ParseSoftwareStatement extracts the issuer from raw without verifying the
// signature or any time based claim.
func ParseSoftwareStatement(raw string) (SoftwareStatement, error) {
	tok, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return SoftwareStatement{}, fmt.Errorf("%w: software statement is not a JWT: %w", lockerr.ErrMalformedCredential, err)
	}
	iss, err := tok.Claims.GetIssuer()
	if err != nil || iss == "" {
		return SoftwareStatement{}, fmt.Errorf("%w: software statement has no iss claim", lockerr.ErrMalformedCredential)
	}
	return SoftwareStatement{Raw: raw, Issuer: iss}, nil
}

// ClientRegistration is the outcome of dynamic client registration.
type ClientRegistration struct {
	ClientID string
	// ClientSecret is empty when the authority issued none.
	ClientSecret string
	IssuedAt     time.Time
	// SecretExpiresAt is zero when the secret does not expire.
	SecretExpiresAt time.Time
}

// Auth selects the client authentication variant for the token request.
func (r ClientRegistration) Auth(log *slog.Logger) ClientAuth {
	if r.ClientSecret != "" {
		return BasicWithSecret{ClientID: r.ClientID, Secret: r.ClientSecret}
	}
	if log != nil {
		log.Warn("client secret not provided; using client_id only", slog.String("client_id", r.ClientID))
	}
	return IDOnly{ClientID: r.ClientID}
}

// ClientAuth is how the client authenticates to the token endpoint. The
// only implementations are BasicWithSecret and IDOnly.
type ClientAuth interface {
	// AuthorizationHeader is the full value of the Authorization header.
	AuthorizationHeader() string
	clientAuth()
}

// BasicWithSecret authenticates with HTTP Basic client_id:client_secret.
type BasicWithSecret struct {
	ClientID string
	Secret   string
}

func (b BasicWithSecret) AuthorizationHeader() string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(b.ClientID+":"+b.Secret))
}

// String omits the secret.
func (b BasicWithSecret) String() string { return "BasicWithSecret(" + b.ClientID + ")" }

func (BasicWithSecret) clientAuth() {}

// IDOnly sends the base64 encoded client_id as the Basic credential.
type IDOnly struct {
	ClientID string
}

func (i IDOnly) AuthorizationHeader() string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(i.ClientID))
}

func (i IDOnly) String() string { return "IDOnly(" + i.ClientID + ")" }

func (IDOnly) clientAuth() {}

// Registrar performs dynamic client registration.
type Registrar struct {
	appName string
	tc      *transport.Client
	log     *slog.Logger
	now     func() time.Time
}

// NewRegistrar returns a Registrar that registers as applicationName
// (DefaultApplicationName when empty).
func NewRegistrar(applicationName string, opts ...Option) *Registrar {
	o := buildOptions(opts)
	if applicationName == "" {
		applicationName = DefaultApplicationName
	}
	return &Registrar{
		appName: applicationName,
		tc:      transport.New(o.hc, o.log),
		log:     o.log,
		now:     o.now,
	}
}

// Register posts a registration request to endpoint. An empty endpoint
// yields lockerr.ErrUnsupportedAuthority without any network call.
func (r *Registrar) Register(ctx context.Context, endpoint string, ssa SoftwareStatement) (ClientRegistration, error) {
	if endpoint == "" {
		return ClientRegistration{}, lockerr.ErrUnsupportedAuthority
	}
	if ssa.Raw == "" || ssa.Issuer == "" {
		return ClientRegistration{}, fmt.Errorf("%w: software statement not parsed", lockerr.ErrMalformedCredential)
	}

	body := wellknown.ClientRegistrationRequest{
		ClientName:              r.appName,
		ApplicationType:         applicationType,
		GrantTypes:              []string{"client_credentials"},
		RedirectURIs:            []string{ssa.Issuer},
		TokenEndpointAuthMethod: tokenEndpointAuthMethod,
		SoftwareStatement:       ssa.Raw,
		Contacts:                []string{registrationContact},
	}

	var resp wellknown.ClientRegistrationResponse
	if err := r.tc.PostJSON(ctx, endpoint, nil, body, &resp); err != nil {
		return ClientRegistration{}, fmt.Errorf("client registration: %w", err)
	}
	if resp.ClientID == "" {
		return ClientRegistration{}, fmt.Errorf("%w: registration response has no client_id", lockerr.ErrDecode)
	}

	reg := ClientRegistration{
		ClientID:     resp.ClientID,
		ClientSecret: resp.ClientSecret,
		IssuedAt:     r.now(),
	}
	if resp.ClientIDIssuedAt > 0 {
		reg.IssuedAt = time.Unix(resp.ClientIDIssuedAt, 0)
	}
	if resp.ClientSecretExpiresAt > 0 {
		reg.SecretExpiresAt = time.Unix(resp.ClientSecretExpiresAt, 0)
	}

	r.log.InfoContext(ctx, "auth.register.ok",
		slog.String("client_id", reg.ClientID),
		slog.Bool("has_secret", reg.ClientSecret != ""),
	)
	return reg, nil
}
