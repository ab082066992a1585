package bundle

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ggoodman/lockmaster-go/lockerr"
	"github.com/klauspost/compress/zlib"
	"github.com/zeebo/blake3"
)

type policyStore struct {
	PolicyStoreID string            `json:"policy_store_id"`
	Policies      map[string]string `json:"policies"`
}

func compress(t *testing.T, b []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(b); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func serve(t *testing.T, body []byte, check func(*http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			check(r)
		}
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestURLPreservesQuery(t *testing.T) {
	got, err := URL(Request{ConfigURI: "https://lm.example/config?tenant=t1", PolicyStoreID: "a b"})
	if err != nil {
		t.Fatal(err)
	}
	want := "https://lm.example/config?policy_store_format=json&policy_store_id=a+b&tenant=t1"
	if got != want {
		t.Fatalf("URL = %q, want %q", got, want)
	}
}

func TestFetchPlain(t *testing.T) {
	body := []byte(`{"policy_store_id":"s1","policies":{"p":"permit"}}`)
	srv := serve(t, body, func(r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		if r.URL.Query().Get("policy_store_id") != "s1" || r.URL.Query().Get("policy_store_format") != "json" {
			t.Errorf("query = %q", r.URL.RawQuery)
		}
	})

	f := NewFetcher(srv.Client(), nil)
	got, err := Fetch[policyStore](t.Context(), f, Request{ConfigURI: srv.URL, PolicyStoreID: "s1", AccessToken: "tok"})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got.PolicyStoreID != "s1" || got.Policies["p"] != "permit" {
		t.Fatalf("unexpected bundle: %+v", got)
	}
}

func TestFetchCompressedMatchesPlain(t *testing.T) {
	body := []byte(`{"policy_store_id":"s1","policies":{}}`)
	plain := serve(t, body, nil)
	packed := serve(t, compress(t, body), nil)

	f := NewFetcher(nil, nil)
	a, err := f.FetchRaw(t.Context(), Request{ConfigURI: plain.URL, PolicyStoreID: "s1"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := f.FetchRaw(t.Context(), Request{ConfigURI: packed.URL, PolicyStoreID: "s1", Decompress: true})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a.Bytes, b.Bytes) || a.Digest != b.Digest {
		t.Fatal("compressed and plain fetches should yield the same payload")
	}
	if a.Digest != blake3.Sum256(body) {
		t.Fatal("digest is not blake3-256 of the bundle")
	}
}

func TestFetchCorruptCompressed(t *testing.T) {
	srv := serve(t, []byte("definitely not zlib"), nil)
	_, err := NewFetcher(srv.Client(), nil).FetchRaw(t.Context(), Request{ConfigURI: srv.URL, Decompress: true})
	if !errors.Is(err, lockerr.ErrDecompression) {
		t.Fatalf("expected ErrDecompression, got %v", err)
	}
}

func TestFetchInflatedSizeCapped(t *testing.T) {
	srv := serve(t, compress(t, []byte(strings.Repeat("a", 4096))), nil)
	_, err := NewFetcher(srv.Client(), nil, WithMaxBytes(1024)).FetchRaw(t.Context(), Request{ConfigURI: srv.URL, Decompress: true})
	if !errors.Is(err, lockerr.ErrDecompression) {
		t.Fatalf("expected ErrDecompression, got %v", err)
	}
}

func TestFetchUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, "invalid_token")
	}))
	defer srv.Close()

	_, err := NewFetcher(srv.Client(), nil).FetchRaw(t.Context(), Request{ConfigURI: srv.URL})
	var se *lockerr.StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 StatusError, got %v", err)
	}
}

func TestDecodeInvalidJSON(t *testing.T) {
	_, err := Decode[policyStore](Payload{Bytes: []byte("{")})
	if !errors.Is(err, lockerr.ErrDecode) {
		t.Fatalf("expected ErrDecode, got %v", err)
	}
}
