// Package bundle fetches the policy bundle from the Lock Master.
//
// The bundle is opaque to this package: Fetcher returns its bytes together
// with a blake3 digest, and Decode parses them into whatever type the host
// uses for its policy store.
package bundle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/ggoodman/lockmaster-go/internal/transport"
	"github.com/ggoodman/lockmaster-go/lockerr"
	"github.com/klauspost/compress/zlib"
	"github.com/zeebo/blake3"
)

// DefaultMaxBytes bounds both the transferred and the decompressed size.
const DefaultMaxBytes = 32 << 20

// Request describes one bundle fetch.
type Request struct {
	// ConfigURI is the config_uri from Lock Master discovery. Its existing
	// query parameters are kept.
	ConfigURI     string
	PolicyStoreID string
	AccessToken   string
	// Decompress inflates the response as zlib.
	Decompress bool
}

// Payload is a fetched bundle.
type Payload struct {
	// Bytes is the decompressed bundle.
	Bytes []byte
	// Digest is the blake3-256 of Bytes.
	Digest [32]byte
}

// Fetcher downloads bundles.
type Fetcher struct {
	tc       *transport.Client
	log      *slog.Logger
	maxBytes int64
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithMaxBytes overrides DefaultMaxBytes.
func WithMaxBytes(n int64) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.maxBytes = n
		}
	}
}

// NewFetcher returns a Fetcher.
func NewFetcher(hc *http.Client, log *slog.Logger, opts ...Option) *Fetcher {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	f := &Fetcher{tc: transport.New(hc, log), log: log, maxBytes: DefaultMaxBytes}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// URL returns the bundle URL for req.
func URL(req Request) (string, error) {
	u, err := url.Parse(req.ConfigURI)
	if err != nil {
		return "", fmt.Errorf("%w: config_uri: %w", lockerr.ErrDecode, err)
	}
	q := u.Query()
	q.Set("policy_store_format", "json")
	q.Set("policy_store_id", req.PolicyStoreID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// FetchRaw downloads the bundle.
func (f *Fetcher) FetchRaw(ctx context.Context, req Request) (Payload, error) {
	target, err := URL(req)
	if err != nil {
		return Payload{}, err
	}
	header := http.Header{"Authorization": {"Bearer " + req.AccessToken}}

	raw, err := f.tc.GetBytes(ctx, target, header, f.maxBytes)
	if err != nil {
		return Payload{}, fmt.Errorf("bundle fetch: %w", err)
	}

	body := raw
	if req.Decompress {
		body, err = inflate(raw, f.maxBytes)
		if err != nil {
			return Payload{}, err
		}
	}

	p := Payload{Bytes: body, Digest: blake3.Sum256(body)}
	f.log.InfoContext(ctx, "bundle.fetch.ok",
		slog.Int("bytes", len(raw)),
		slog.Int("decoded_bytes", len(body)),
		slog.String("digest", fmt.Sprintf("%x", p.Digest[:8])),
	)
	return p, nil
}

func inflate(raw []byte, limit int64) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", lockerr.ErrDecompression, err)
	}
	defer zr.Close()

	out, err := io.ReadAll(io.LimitReader(zr, limit+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", lockerr.ErrDecompression, err)
	}
	if int64(len(out)) > limit {
		return nil, fmt.Errorf("%w: inflated bundle exceeds %d bytes", lockerr.ErrDecompression, limit)
	}
	return out, nil
}

// Decode parses p as JSON into T.
func Decode[T any](p Payload) (T, error) {
	var out T
	if err := json.Unmarshal(p.Bytes, &out); err != nil {
		var zero T
		return zero, fmt.Errorf("%w: policy bundle: %w", lockerr.ErrDecode, err)
	}
	return out, nil
}

// Fetch downloads and decodes a bundle.
func Fetch[T any](ctx context.Context, f *Fetcher, req Request) (T, error) {
	p, err := f.FetchRaw(ctx, req)
	if err != nil {
		var zero T
		return zero, err
	}
	return Decode[T](p)
}
