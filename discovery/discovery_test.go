package discovery

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ggoodman/lockmaster-go/lockerr"
)

type mockAuthority struct {
	srv *httptest.Server

	lockMaster map[string]any
	asMeta     map[string]any
	asStatus   int
}

func newMockAuthority(t *testing.T) *mockAuthority {
	t.Helper()
	m := &mockAuthority{asStatus: http.StatusOK}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/lock-master-configuration", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(m.lockMaster)
	})
	serveMeta := func(w http.ResponseWriter, r *http.Request) {
		if m.asStatus != http.StatusOK {
			w.WriteHeader(m.asStatus)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(m.asMeta)
	}
	mux.HandleFunc("/jans-auth/.well-known/openid-configuration", serveMeta)
	mux.HandleFunc("/.well-known/oauth-authorization-server", serveMeta)
	mux.HandleFunc("/garbage/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, "{not json")
	})
	m.srv = httptest.NewServer(mux)
	t.Cleanup(m.srv.Close)
	return m
}

func TestLockMasterDiscovery(t *testing.T) {
	m := newMockAuthority(t)
	m.lockMaster = map[string]any{
		"oauth_as_well_known": m.srv.URL + "/jans-auth/.well-known/openid-configuration",
		"config_uri":          m.srv.URL + "/config",
		"lock_sse_uri":        m.srv.URL + "/sse",
	}

	r := NewResolver(m.srv.Client(), nil)
	// A trailing slash on the base URL is tolerated.
	got, err := r.LockMaster(t.Context(), m.srv.URL+"/")
	if err != nil {
		t.Fatalf("LockMaster: %v", err)
	}
	if got.ConfigURI != m.srv.URL+"/config" || got.SSEURI != m.srv.URL+"/sse" {
		t.Fatalf("unexpected config: %+v", got)
	}
}

func TestLockMasterDiscoveryMissingFields(t *testing.T) {
	m := newMockAuthority(t)
	m.lockMaster = map[string]any{"lock_sse_uri": "x"}

	_, err := NewResolver(m.srv.Client(), nil).LockMaster(t.Context(), m.srv.URL)
	if !errors.Is(err, lockerr.ErrDecode) {
		t.Fatalf("expected ErrDecode, got %v", err)
	}
}

func TestOAuthDiscoveryViaOIDC(t *testing.T) {
	m := newMockAuthority(t)
	m.asMeta = map[string]any{
		// Reported issuer deliberately differs from the discovery URL.
		"issuer":                 "https://auth.example.org/jans-auth",
		"token_endpoint":         m.srv.URL + "/token",
		"registration_endpoint":  m.srv.URL + "/register",
		"jwks_uri":               m.srv.URL + "/jwks",
		"authorization_endpoint": m.srv.URL + "/authorize",
	}

	got, err := NewResolver(m.srv.Client(), nil).OAuth(t.Context(), m.srv.URL+"/jans-auth/.well-known/openid-configuration")
	if err != nil {
		t.Fatalf("OAuth: %v", err)
	}
	want := OAuthConfig{
		Issuer:               "https://auth.example.org/jans-auth",
		RegistrationEndpoint: m.srv.URL + "/register",
		TokenEndpoint:        m.srv.URL + "/token",
		JWKSURI:              m.srv.URL + "/jwks",
	}
	if got != want {
		t.Fatalf("OAuth = %+v, want %+v", got, want)
	}
}

func TestOAuthDiscoveryRFC8414WithoutRegistration(t *testing.T) {
	m := newMockAuthority(t)
	m.asMeta = map[string]any{
		"issuer":         m.srv.URL,
		"token_endpoint": m.srv.URL + "/token",
	}

	got, err := NewResolver(m.srv.Client(), nil).OAuth(t.Context(), m.srv.URL+"/.well-known/oauth-authorization-server")
	if err != nil {
		t.Fatalf("OAuth: %v", err)
	}
	if got.RegistrationEndpoint != "" {
		t.Fatalf("RegistrationEndpoint = %q, want empty", got.RegistrationEndpoint)
	}
}

func TestOAuthDiscoveryMissingTokenEndpoint(t *testing.T) {
	m := newMockAuthority(t)
	m.asMeta = map[string]any{"issuer": m.srv.URL}

	for _, path := range []string{
		"/.well-known/oauth-authorization-server",
		"/jans-auth/.well-known/openid-configuration",
	} {
		_, err := NewResolver(m.srv.Client(), nil).OAuth(t.Context(), m.srv.URL+path)
		if !errors.Is(err, lockerr.ErrDecode) {
			t.Fatalf("%s: expected ErrDecode, got %v", path, err)
		}
	}
}

func TestOAuthDiscoveryErrorsAreClassified(t *testing.T) {
	m := newMockAuthority(t)
	m.asStatus = http.StatusServiceUnavailable

	r := NewResolver(m.srv.Client(), nil)
	_, err := r.OAuth(t.Context(), m.srv.URL+"/jans-auth/.well-known/openid-configuration")
	var se *lockerr.StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected StatusError 503, got %v", err)
	}
	if !errors.Is(err, lockerr.ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}

	_, err = r.OAuth(t.Context(), m.srv.URL+"/garbage/.well-known/openid-configuration")
	if !errors.Is(err, lockerr.ErrDecode) {
		t.Fatalf("expected ErrDecode for invalid document, got %v", err)
	}
}

func TestResolveUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	_, err := NewResolver(nil, nil).Resolve(t.Context(), base)
	if !errors.Is(err, lockerr.ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
}
