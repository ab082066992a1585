// Package discovery resolves the Lock Master configuration document and the
// metadata of the authorization server it points at.
//
// Both lookups are unauthenticated GETs. Failures are fatal and are reported
// as lockerr.ErrTransport (network, non-2xx) or lockerr.ErrDecode (body is
// not the expected document or lacks a required field). No retry happens
// here.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/ggoodman/lockmaster-go/internal/transport"
	"github.com/ggoodman/lockmaster-go/internal/wellknown"
	"github.com/ggoodman/lockmaster-go/lockerr"
)

// LockMasterConfig is the subset of the Lock Master discovery document the
// bootstrap needs.
type LockMasterConfig struct {
	// OAuthWellKnown is the URL of the authorization server metadata.
	OAuthWellKnown string
	// ConfigURI is the policy bundle endpoint.
	ConfigURI string
	// SSEURI is the live sync endpoint; empty when the Lock Master does not
	// offer one.
	SSEURI string
}

// OAuthConfig is the subset of authorization server metadata the bootstrap
// needs.
type OAuthConfig struct {
	Issuer string
	// RegistrationEndpoint is empty when dynamic registration is unsupported.
	RegistrationEndpoint string
	TokenEndpoint        string
	JWKSURI              string
}

// Documents holds both discovery results.
type Documents struct {
	LockMaster LockMasterConfig
	OAuth      OAuthConfig
}

// Resolver performs discovery.
type Resolver struct {
	hc  *http.Client
	log *slog.Logger
	tc  *transport.Client
}

// NewResolver returns a Resolver using hc (http.DefaultClient when nil).
func NewResolver(hc *http.Client, log *slog.Logger) *Resolver {
	tc := transport.New(hc, log)
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Resolver{hc: tc.HTTPClient(), log: log, tc: tc}
}

// LockMaster fetches {baseURL}/.well-known/lock-master-configuration.
func (r *Resolver) LockMaster(ctx context.Context, baseURL string) (LockMasterConfig, error) {
	target := strings.TrimRight(baseURL, "/") + wellknown.LockMasterConfigurationPath

	var doc wellknown.LockMasterConfiguration
	if err := r.tc.GetJSON(ctx, target, nil, &doc); err != nil {
		return LockMasterConfig{}, fmt.Errorf("lock master discovery: %w", err)
	}

	var missing []string
	if doc.OAuthAsWellKnown == "" {
		missing = append(missing, "oauth_as_well_known")
	}
	if doc.ConfigURI == "" {
		missing = append(missing, "config_uri")
	}
	if len(missing) > 0 {
		return LockMasterConfig{}, fmt.Errorf("%w: lock master configuration missing %s", lockerr.ErrDecode, strings.Join(missing, ", "))
	}

	r.log.DebugContext(ctx, "discovery.lock_master.ok",
		slog.Bool("sse", doc.LockSSEURI != ""),
	)
	return LockMasterConfig{
		OAuthWellKnown: doc.OAuthAsWellKnown,
		ConfigURI:      doc.ConfigURI,
		SSEURI:         doc.LockSSEURI,
	}, nil
}

// OAuth fetches the authorization server metadata at wellKnownURL. OpenID
// Connect configuration URLs are resolved through go-oidc; any other URL
// (RFC 8414 or a custom path) is fetched directly.
func (r *Resolver) OAuth(ctx context.Context, wellKnownURL string) (OAuthConfig, error) {
	var (
		meta wellknown.AuthorizationServerMetadata
		err  error
	)
	if issuer, ok := strings.CutSuffix(wellKnownURL, wellknown.OpenIDConfigurationSuffix); ok {
		err = r.oidcMetadata(ctx, issuer, &meta)
	} else {
		err = r.tc.GetJSON(ctx, wellKnownURL, nil, &meta)
	}
	if err != nil {
		return OAuthConfig{}, fmt.Errorf("oauth discovery: %w", err)
	}

	if meta.TokenEndpoint == "" {
		return OAuthConfig{}, fmt.Errorf("%w: authorization server metadata missing token_endpoint", lockerr.ErrDecode)
	}

	r.log.DebugContext(ctx, "discovery.oauth.ok",
		slog.String("issuer", meta.Issuer),
		slog.Bool("registration", meta.RegistrationEndpoint != ""),
	)
	return OAuthConfig{
		Issuer:               meta.Issuer,
		RegistrationEndpoint: meta.RegistrationEndpoint,
		TokenEndpoint:        meta.TokenEndpoint,
		JWKSURI:              meta.JwksURI,
	}, nil
}

// Resolve runs LockMaster then OAuth.
func (r *Resolver) Resolve(ctx context.Context, baseURL string) (Documents, error) {
	lm, err := r.LockMaster(ctx, baseURL)
	if err != nil {
		return Documents{}, err
	}
	oa, err := r.OAuth(ctx, lm.OAuthWellKnown)
	if err != nil {
		return Documents{}, err
	}
	return Documents{LockMaster: lm, OAuth: oa}, nil
}

func (r *Resolver) oidcMetadata(ctx context.Context, issuer string, out *wellknown.AuthorizationServerMetadata) error {
	obs := &observingTransport{base: r.hc.Transport}
	hc := *r.hc
	hc.Transport = obs

	// The Lock Master may front the authority under a different host than
	// the issuer it reports.
	ctx = oidc.InsecureIssuerURLContext(ctx, issuer)
	ctx = oidc.ClientContext(ctx, &hc)

	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return obs.classify(issuer+wellknown.OpenIDConfigurationSuffix, err)
	}
	if err := provider.Claims(out); err != nil {
		return fmt.Errorf("%w: %w", lockerr.ErrDecode, err)
	}
	return nil
}

// observingTransport records what happened on the wire so go-oidc errors,
// which are not wrapped, can be mapped onto the lockerr taxonomy.
type observingTransport struct {
	base http.RoundTripper

	mu     sync.Mutex
	err    error
	status int
}

func (o *observingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := o.base
	if base == nil {
		base = http.DefaultTransport
	}
	resp, err := base.RoundTrip(req)

	o.mu.Lock()
	defer o.mu.Unlock()
	if err != nil {
		o.err = err
		return nil, err
	}
	o.status = resp.StatusCode
	return resp, nil
}

func (o *observingTransport) classify(target string, err error) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch {
	case o.err != nil:
		return fmt.Errorf("%w: GET %s: %w", lockerr.ErrTransport, target, o.err)
	case o.status == 0:
		// No request went out: the context ended or the URL was unusable.
		return errors.Join(lockerr.ErrTransport, err)
	case o.status < 200 || o.status > 299:
		return &lockerr.StatusError{Method: http.MethodGet, URL: target, StatusCode: o.status, Body: err.Error()}
	default:
		return fmt.Errorf("%w: %w", lockerr.ErrDecode, err)
	}
}
