package auth

import (
	"bytes"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"testing"

	"github.com/ggoodman/lockmaster-go/auth/authtest"
	"github.com/ggoodman/lockmaster-go/lockerr"
	"github.com/golang-jwt/jwt/v5"
)

func TestParseSoftwareStatement(t *testing.T) {
	srv := authtest.NewServer(t)
	raw := srv.SoftwareStatement("https://issuer.example")

	ssa, err := ParseSoftwareStatement(raw)
	if err != nil {
		t.Fatalf("ParseSoftwareStatement: %v", err)
	}
	if ssa.Issuer != "https://issuer.example" || ssa.Raw != raw {
		t.Fatalf("unexpected statement: %+v", ssa)
	}
}

func TestParseSoftwareStatementIgnoresExpiry(t *testing.T) {
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": "https://issuer.example",
		"exp": 1, // long expired
	}).SignedString([]byte("k"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ParseSoftwareStatement(tok); err != nil {
		t.Fatalf("expired statement should parse: %v", err)
	}
}

func TestParseSoftwareStatementMalformed(t *testing.T) {
	noIss, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "x"}).SignedString([]byte("k"))
	if err != nil {
		t.Fatal(err)
	}
	for name, raw := range map[string]string{
		"not a jwt": "not-a-jwt",
		"empty":     "",
		"no iss":    noIss,
	} {
		if _, err := ParseSoftwareStatement(raw); !errors.Is(err, lockerr.ErrMalformedCredential) {
			t.Errorf("%s: expected ErrMalformedCredential, got %v", name, err)
		}
	}
}

func TestRegisterSendsExpectedBody(t *testing.T) {
	srv := authtest.NewServer(t)
	ssa, err := ParseSoftwareStatement(srv.SoftwareStatement("https://issuer.example"))
	if err != nil {
		t.Fatal(err)
	}

	reg, err := NewRegistrar("my-agent", WithHTTPClient(srv.Client())).Register(t.Context(), srv.URL+authtest.RegistrationPath, ssa)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if reg.ClientID != "client-1" || reg.ClientSecret != "secret-1" {
		t.Fatalf("unexpected registration: %+v", reg)
	}
	if reg.IssuedAt.IsZero() {
		t.Fatal("IssuedAt should be set")
	}

	got := srv.Registrations()
	if len(got) != 1 {
		t.Fatalf("registrations = %d, want 1", len(got))
	}
	body := got[0]
	if body.ClientName != "my-agent" || body.ApplicationType != "web" ||
		body.TokenEndpointAuthMethod != "client_secret_basic" || body.SoftwareStatement != ssa.Raw {
		t.Fatalf("unexpected registration body: %+v", body)
	}
	if len(body.RedirectURIs) != 1 || body.RedirectURIs[0] != "https://issuer.example" {
		t.Fatalf("redirect_uris = %v", body.RedirectURIs)
	}
	if len(body.GrantTypes) != 1 || body.GrantTypes[0] != "client_credentials" {
		t.Fatalf("grant_types = %v", body.GrantTypes)
	}
	if len(body.Contacts) != 1 || body.Contacts[0] != "newton@gluu.org" {
		t.Fatalf("contacts = %v", body.Contacts)
	}
}

func TestRegisterWithoutEndpoint(t *testing.T) {
	srv := authtest.NewServer(t)
	ssa, _ := ParseSoftwareStatement(srv.SoftwareStatement("https://issuer.example"))

	_, err := NewRegistrar("", WithHTTPClient(srv.Client())).Register(t.Context(), "", ssa)
	if !errors.Is(err, lockerr.ErrUnsupportedAuthority) {
		t.Fatalf("expected ErrUnsupportedAuthority, got %v", err)
	}
	if n := srv.Hits(authtest.RegistrationPath); n != 0 {
		t.Fatalf("registration endpoint hit %d times, want 0", n)
	}
}

func TestRegisterRejected(t *testing.T) {
	srv := authtest.NewServer(t)
	srv.FailPath[authtest.RegistrationPath] = http.StatusBadRequest
	ssa, _ := ParseSoftwareStatement(srv.SoftwareStatement("https://issuer.example"))

	_, err := NewRegistrar("", WithHTTPClient(srv.Client())).Register(t.Context(), srv.URL+authtest.RegistrationPath, ssa)
	var se *lockerr.StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 StatusError, got %v", err)
	}
}

func TestClientAuthVariants(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))

	withSecret := ClientRegistration{ClientID: "abc", ClientSecret: "s3cr3t"}.Auth(log)
	if _, ok := withSecret.(BasicWithSecret); !ok {
		t.Fatalf("expected BasicWithSecret, got %T", withSecret)
	}
	if got, want := withSecret.AuthorizationHeader(), "Basic "+base64.StdEncoding.EncodeToString([]byte("abc:s3cr3t")); got != want {
		t.Fatalf("header = %q, want %q", got, want)
	}
	if buf.Len() != 0 {
		t.Fatalf("no warning expected with a secret: %s", buf.String())
	}

	idOnly := ClientRegistration{ClientID: "abc"}.Auth(log)
	if _, ok := idOnly.(IDOnly); !ok {
		t.Fatalf("expected IDOnly, got %T", idOnly)
	}
	if got, want := idOnly.AuthorizationHeader(), "Basic "+base64.StdEncoding.EncodeToString([]byte("abc")); got != want {
		t.Fatalf("header = %q, want %q", got, want)
	}
	if !strings.Contains(buf.String(), "client secret not provided") {
		t.Fatalf("expected a warning for IDOnly, got %q", buf.String())
	}
}

func TestBasicWithSecretStringOmitsSecret(t *testing.T) {
	s := BasicWithSecret{ClientID: "abc", Secret: "s3cr3t"}.String()
	if strings.Contains(s, "s3cr3t") {
		t.Fatalf("String leaked the secret: %s", s)
	}
}
