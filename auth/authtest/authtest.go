// Package authtest runs an in-process Lock Master together with the
// authorization server it delegates to. Tests point a client at Server.URL
// and script the authority through the exported fields and methods.
package authtest

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/klauspost/compress/zlib"
)

// Paths served by Server.
const (
	OpenIDConfigurationPath = "/jans-auth/.well-known/openid-configuration"
	RegistrationPath        = "/jans-auth/restv1/register"
	TokenPath               = "/jans-auth/restv1/token"
	JWKSPath                = "/jans-auth/restv1/jwks"
	ConfigPath              = "/api/v1/config"
	SSEPath                 = "/api/v1/sse"
)

// KeyID is the kid of the signing key published at JWKSPath.
const KeyID = "authtest-1"

// Event is a push event sent to every connected live sync stream.
type Event struct {
	ID    string
	Type  string
	Data  string
	Retry time.Duration
}

// RegistrationRequest records what the client sent to the registration
// endpoint.
type RegistrationRequest struct {
	ClientName              string   `json:"client_name"`
	ApplicationType         string   `json:"application_type"`
	GrantTypes              []string `json:"grant_types"`
	RedirectURIs            []string `json:"redirect_uris"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	SoftwareStatement       string   `json:"software_statement"`
	Contacts                []string `json:"contacts"`
}

// TokenRequest records what the client sent to the token endpoint.
type TokenRequest struct {
	Authorization string
	GrantType     string
	Scope         string
}

// Server is the mock authority. Configure the exported fields before the
// client starts; they are read under the server lock.
type Server struct {
	*httptest.Server

	mu sync.Mutex

	// DisableRegistration omits registration_endpoint from the metadata.
	DisableRegistration bool
	// DisableSSE omits lock_sse_uri from the Lock Master configuration.
	DisableSSE bool
	// OmitClientSecret registers clients without a secret.
	OmitClientSecret bool
	// TokenTTL is returned as expires_in; zero omits it.
	TokenTTL time.Duration
	// Bundle is the policy bundle served at ConfigPath.
	Bundle []byte
	// CompressBundle serves Bundle zlib compressed.
	CompressBundle bool
	// SSEStatus, when non-zero, is returned instead of opening a stream.
	SSEStatus int
	// FailPath maps a request path to a status returned instead of the
	// normal response.
	FailPath map[string]int
	// StallPath holds requests to a path open until the client gives up.
	StallPath map[string]bool

	clientSeq      int
	tokenSeq       int
	issuedTokens   map[string]bool
	registrations  []RegistrationRequest
	tokenRequests  []TokenRequest
	bundleRequests []*http.Request
	lastEventIDs   []string
	sseAuth        []string
	hits           map[string]int

	streams  map[chan Event]struct{}
	accepted int
	drop     chan struct{}

	key *rsa.PrivateKey
}

// NewServer starts a Server and registers its shutdown with t.Cleanup.
func NewServer(t testing.TB) *Server {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	s := &Server{
		Bundle:       []byte(`{"policy_store_id":"store-1","policies":{}}`),
		FailPath:     map[string]int{},
		StallPath:    map[string]bool{},
		issuedTokens: map[string]bool{},
		hits:         map[string]int{},
		streams:      map[chan Event]struct{}{},
		drop:         make(chan struct{}),
		key:          key,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/lock-master-configuration", s.handleLockMaster)
	mux.HandleFunc(OpenIDConfigurationPath, s.handleOpenIDConfiguration)
	mux.HandleFunc(RegistrationPath, s.handleRegister)
	mux.HandleFunc(TokenPath, s.handleToken)
	mux.HandleFunc(JWKSPath, s.handleJWKS)
	mux.HandleFunc(ConfigPath, s.handleConfig)
	mux.HandleFunc(SSEPath, s.handleSSE)
	s.Server = httptest.NewServer(s.countHits(mux))
	t.Cleanup(func() {
		s.DropStreams()
		s.Server.Close()
	})
	return s
}

// Update runs fn under the server lock so fields can change while clients
// are connected.
func (s *Server) Update(fn func(*Server)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

// Hits returns how many requests reached path.
func (s *Server) Hits(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

// Registrations returns the registration requests received so far.
func (s *Server) Registrations() []RegistrationRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RegistrationRequest(nil), s.registrations...)
}

// TokenRequests returns the token requests received so far.
func (s *Server) TokenRequests() []TokenRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TokenRequest(nil), s.tokenRequests...)
}

// BundleRequests returns the bundle requests received so far.
func (s *Server) BundleRequests() []*http.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*http.Request(nil), s.bundleRequests...)
}

// LastEventIDs returns the Last-Event-ID header of every stream connection
// in order, "" when absent.
func (s *Server) LastEventIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lastEventIDs...)
}

// StreamAuthorizations returns the Authorization header of every stream
// connection in order.
func (s *Server) StreamAuthorizations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sseAuth...)
}

// IssuedToken reports whether tok was issued by the token endpoint.
func (s *Server) IssuedToken(tok string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issuedTokens[tok]
}

// WaitForStreams blocks until at least n stream connections were accepted
// and subscribed to Publish.
func (s *Server) WaitForStreams(ctx context.Context, n int) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		s.mu.Lock()
		got := s.accepted
		s.mu.Unlock()
		if got >= n {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %d streams (have %d): %w", n, got, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Publish sends ev to every open stream.
func (s *Server) Publish(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.streams {
		select {
		case ch <- ev:
		default:
		}
	}
}

// DropStreams ends every open stream.
func (s *Server) DropStreams() {
	s.mu.Lock()
	defer s.mu.Unlock()
	close(s.drop)
	s.drop = make(chan struct{})
}

// SoftwareStatement returns an HS256 software statement issued by iss.
func (s *Server) SoftwareStatement(iss string) string {
	claims := jwt.MapClaims{
		"iss":         iss,
		"software_id": "authtest",
		"iat":         time.Now().Unix(),
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("authtest-ssa"))
	if err != nil {
		panic(err)
	}
	return tok
}

// Sign returns an RS256 JWT over claims signed with the key published at
// JWKSPath.
func (s *Server) Sign(claims jwt.MapClaims) string {
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = KeyID
	out, err := tok.SignedString(s.key)
	if err != nil {
		panic(err)
	}
	return out
}

func (s *Server) countHits(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.hits[r.URL.Path]++
		status := s.FailPath[r.URL.Path]
		stall := s.StallPath[r.URL.Path]
		s.mu.Unlock()
		if stall {
			<-r.Context().Done()
			return
		}
		if status != 0 {
			http.Error(w, http.StatusText(status), status)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleLockMaster(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	doc := map[string]any{
		"version":             "1.0",
		"issuer":              s.URL,
		"oauth_as_well_known": s.URL + OpenIDConfigurationPath,
		"config_uri":          s.URL + ConfigPath + "?tenant=t1",
	}
	if !s.DisableSSE {
		doc["lock_sse_uri"] = s.URL + SSEPath
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleOpenIDConfiguration(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	doc := map[string]any{
		"issuer":                 s.URL + "/jans-auth",
		"authorization_endpoint": s.URL + "/jans-auth/restv1/authorize",
		"token_endpoint":         s.URL + TokenPath,
		"jwks_uri":               s.URL + JWKSPath,
	}
	doc["response_types_supported"] = []string{"code"}
	doc["token_endpoint_auth_methods_supported"] = []string{"client_secret_basic"}
	if !s.DisableRegistration {
		doc["registration_endpoint"] = s.URL + RegistrationPath
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req RegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_client_metadata"})
		return
	}
	if _, _, err := jwt.NewParser().ParseUnverified(req.SoftwareStatement, jwt.MapClaims{}); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_software_statement"})
		return
	}

	s.mu.Lock()
	s.clientSeq++
	s.registrations = append(s.registrations, req)
	resp := map[string]any{
		"client_id":           "client-" + strconv.Itoa(s.clientSeq),
		"client_id_issued_at": time.Now().Unix(),
	}
	if !s.OmitClientSecret {
		resp["client_secret"] = "secret-" + strconv.Itoa(s.clientSeq)
		resp["client_secret_expires_at"] = 0
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	authz := r.Header.Get("Authorization")
	if !s.knownClient(authz) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_client"})
		return
	}

	s.mu.Lock()
	s.tokenSeq++
	tok := "access-" + strconv.Itoa(s.tokenSeq)
	s.issuedTokens[tok] = true
	s.tokenRequests = append(s.tokenRequests, TokenRequest{
		Authorization: authz,
		GrantType:     r.PostForm.Get("grant_type"),
		Scope:         r.PostForm.Get("scope"),
	})
	resp := map[string]any{
		"access_token": tok,
		"token_type":   "Bearer",
		"scope":        r.PostForm.Get("scope"),
	}
	if s.TokenTTL > 0 {
		resp["expires_in"] = int64(s.TokenTTL / time.Second)
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, resp)
}

// knownClient accepts Basic id:secret and id-only credentials of
// registered clients.
func (s *Server) knownClient(authz string) bool {
	raw, ok := strings.CutPrefix(authz, "Basic ")
	if !ok {
		return false
	}
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return false
	}
	id, secret, hasSecret := strings.Cut(string(decoded), ":")

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 1; i <= s.clientSeq; i++ {
		n := strconv.Itoa(i)
		if id != "client-"+n {
			continue
		}
		if s.OmitClientSecret {
			return !hasSecret
		}
		return hasSecret && secret == "secret-"+n
	}
	return false
}

func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &s.key.PublicKey,
		KeyID:     KeyID,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}}}
	writeJSON(w, http.StatusOK, set)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	tok, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || !s.IssuedToken(tok) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_token"})
		return
	}

	s.mu.Lock()
	s.bundleRequests = append(s.bundleRequests, r.Clone(context.Background()))
	bundle := append([]byte(nil), s.Bundle...)
	compress := s.CompressBundle
	s.mu.Unlock()

	if compress {
		var buf bytes.Buffer
		zw := zlib.NewWriter(&buf)
		_, _ = zw.Write(bundle)
		_ = zw.Close()
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(buf.Bytes())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(bundle)
}

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.lastEventIDs = append(s.lastEventIDs, r.Header.Get("Last-Event-ID"))
	s.sseAuth = append(s.sseAuth, r.Header.Get("Authorization"))
	status := s.SSEStatus
	s.mu.Unlock()

	if status != 0 {
		http.Error(w, http.StatusText(status), status)
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	ch := make(chan Event, 16)
	s.mu.Lock()
	s.streams[ch] = struct{}{}
	s.accepted++
	drop := s.drop
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.streams, ch)
		s.mu.Unlock()
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, ": connected\n\n")
	f.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-drop:
			return
		case ev := <-ch:
			writeEvent(w, ev)
			f.Flush()
		}
	}
}

func writeEvent(w io.Writer, ev Event) {
	if ev.ID != "" {
		fmt.Fprintf(w, "id: %s\n", ev.ID)
	}
	if ev.Type != "" {
		fmt.Fprintf(w, "event: %s\n", ev.Type)
	}
	if ev.Retry > 0 {
		fmt.Fprintf(w, "retry: %d\n", ev.Retry.Milliseconds())
	}
	for _, line := range strings.Split(ev.Data, "\n") {
		fmt.Fprintf(w, "data: %s\n", line)
	}
	_, _ = io.WriteString(w, "\n")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
