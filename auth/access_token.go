package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ggoodman/lockmaster-go/internal/transport"
	"github.com/ggoodman/lockmaster-go/internal/wellknown"
	"github.com/ggoodman/lockmaster-go/lockerr"
	"github.com/golang-jwt/jwt/v5"
)

// GrantTypeLockMaster is the grant_type value the Lock Master's authority
// expects for agent tokens. It is a space separated pair rather than a
// single registered grant type.
const GrantTypeLockMaster = "client_credentials authorization_code"

const (
	// ScopeCedarling grants access to policy bundles.
	ScopeCedarling = "https://jans.io/oauth/scopes/cedarling"
	// ScopeLockSSE grants access to the live sync stream.
	ScopeLockSSE = "https://jans.io/oauth/scopes/lock_sse"
)

// Scopes are requested on every token request.
var Scopes = []string{ScopeCedarling, ScopeLockSSE}

// AccessGrant is an issued access token.
type AccessGrant struct {
	AccessToken string
	TokenType   string
	// ExpiresIn is the lifetime reported by the authority; zero when absent.
	ExpiresIn time.Duration
	Scope     string
	IssuedAt  time.Time
}

// ExpiresAt derives the expiry from expires_in, or from the exp claim when
// the token is a JWT. Zero means unknown.
func (g AccessGrant) ExpiresAt() time.Time {
	if g.ExpiresIn > 0 {
		return g.IssuedAt.Add(g.ExpiresIn)
	}
	tok, _, err := jwt.NewParser().ParseUnverified(g.AccessToken, jwt.MapClaims{})
	if err != nil {
		return time.Time{}
	}
	exp, err := tok.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

// Valid reports whether the token is present and will not expire within
// leeway of now. Tokens with unknown expiry are considered valid.
func (g AccessGrant) Valid(now time.Time, leeway time.Duration) bool {
	if g.AccessToken == "" {
		return false
	}
	exp := g.ExpiresAt()
	return exp.IsZero() || now.Add(leeway).Before(exp)
}

// TokenAcquirer performs the token request.
type TokenAcquirer struct {
	tc  *transport.Client
	log *slog.Logger
	now func() time.Time
}

// NewTokenAcquirer returns a TokenAcquirer.
func NewTokenAcquirer(opts ...Option) *TokenAcquirer {
	o := buildOptions(opts)
	return &TokenAcquirer{tc: transport.New(o.hc, o.log), log: o.log, now: o.now}
}

// Acquire requests an access token from tokenEndpoint authenticating with ca.
func (a *TokenAcquirer) Acquire(ctx context.Context, tokenEndpoint string, ca ClientAuth) (AccessGrant, error) {
	if ca == nil {
		return AccessGrant{}, fmt.Errorf("%w: no client authentication", lockerr.ErrMalformedCredential)
	}
	form := url.Values{
		"grant_type": {GrantTypeLockMaster},
		"scope":      {strings.Join(Scopes, " ")},
	}
	header := http.Header{"Authorization": {ca.AuthorizationHeader()}}

	issuedAt := a.now()
	var resp wellknown.TokenResponse
	if err := a.tc.PostForm(ctx, tokenEndpoint, header, form, &resp); err != nil {
		return AccessGrant{}, fmt.Errorf("token request: %w", err)
	}
	if resp.AccessToken == "" {
		return AccessGrant{}, fmt.Errorf("%w: token response has no access_token", lockerr.ErrDecode)
	}

	grant := AccessGrant{
		AccessToken: resp.AccessToken,
		TokenType:   resp.TokenType,
		ExpiresIn:   time.Duration(resp.ExpiresIn) * time.Second,
		Scope:       resp.Scope,
		IssuedAt:    issuedAt,
	}
	a.log.InfoContext(ctx, "auth.token.ok",
		slog.String("token_type", grant.TokenType),
		slog.Time("expires_at", grant.ExpiresAt()),
	)
	return grant, nil
}
