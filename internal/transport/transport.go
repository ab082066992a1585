// Package transport is the HTTP collaborator shared by the bootstrap stages
// and the live sync channel. It maps failures onto the lockerr taxonomy so
// callers never inspect net/http errors directly.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/lockmaster-go/lockerr"
	"github.com/google/uuid"
)

// RequestIDHeader carries a per-request uuid so authority logs can be
// correlated with ours.
const RequestIDHeader = "X-Request-Id"

const errorBodyLimit = 512

var (
	jsonMediaType        = contenttype.NewMediaType("application/json")
	eventStreamMediaType = contenttype.NewMediaType("text/event-stream")
)

// Client issues requests against the authority.
type Client struct {
	http *http.Client
	log  *slog.Logger
}

// New returns a Client. A nil http.Client means http.DefaultClient and a nil
// logger discards output.
func New(hc *http.Client, log *slog.Logger) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Client{http: hc, log: log}
}

// HTTPClient returns the underlying http.Client.
func (c *Client) HTTPClient() *http.Client { return c.http }

// GetJSON fetches rawURL and decodes the JSON body into out.
func (c *Client) GetJSON(ctx context.Context, rawURL string, header http.Header, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, rawURL, header, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	return c.doJSON(req, out)
}

// PostJSON sends body as JSON and decodes the JSON response into out.
func (c *Client) PostJSON(ctx context.Context, rawURL string, header http.Header, body, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request body: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, rawURL, header, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return c.doJSON(req, out)
}

// PostForm sends form url-encoded and decodes the JSON response into out.
func (c *Client) PostForm(ctx context.Context, rawURL string, header http.Header, form url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodPost, rawURL, header, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	return c.doJSON(req, out)
}

// GetBytes fetches rawURL and returns at most limit bytes of body. A body
// larger than limit is an error; limit <= 0 means unlimited.
func (c *Client) GetBytes(ctx context.Context, rawURL string, header http.Header, limit int64) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodGet, rawURL, header, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var r io.Reader = resp.Body
	if limit > 0 {
		r = io.LimitReader(resp.Body, limit+1)
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", lockerr.ErrTransport, redact(req.URL), err)
	}
	if limit > 0 && int64(len(body)) > limit {
		return nil, fmt.Errorf("%w: response from %s exceeds %d bytes", lockerr.ErrDecode, redact(req.URL), limit)
	}
	return body, nil
}

// Stream opens an event stream. The caller owns the returned body. A
// response that is not text/event-stream is a transport failure.
func (c *Client) Stream(ctx context.Context, rawURL string, header http.Header) (io.ReadCloser, error) {
	req, err := c.newRequest(ctx, http.MethodGet, rawURL, header, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if !IsEventStream(resp.Header.Get("Content-Type")) {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s returned content type %q, want text/event-stream",
			lockerr.ErrTransport, redact(req.URL), resp.Header.Get("Content-Type"))
	}
	return resp.Body, nil
}

// IsEventStream reports whether a Content-Type header names text/event-stream.
func IsEventStream(header string) bool {
	if header == "" {
		return false
	}
	return contenttype.NewMediaType(header).Matches(eventStreamMediaType)
}

func (c *Client) newRequest(ctx context.Context, method, rawURL string, header http.Header, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %w", lockerr.ErrTransport, err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get(RequestIDHeader) == "" {
		req.Header.Set(RequestIDHeader, uuid.NewString())
	}
	return req, nil
}

// do executes req and returns the response only for 2xx statuses.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	target := redact(req.URL)
	c.log.DebugContext(ctx, "http.request.start",
		slog.String("method", req.Method),
		slog.String("url", target),
		slog.String("request_id", req.Header.Get(RequestIDHeader)),
	)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", lockerr.ErrTransport, req.Method, target, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		c.log.DebugContext(ctx, "http.request.status",
			slog.String("method", req.Method),
			slog.String("url", target),
			slog.Int("status", resp.StatusCode),
		)
		return nil, &lockerr.StatusError{
			Method:     req.Method,
			URL:        target,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(snippet)),
		}
	}
	return resp, nil
}

func (c *Client) doJSON(req *http.Request, out any) error {
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "" && !isJSON(ct) {
		// Some authorities label JSON as text/plain; decoding decides.
		c.log.DebugContext(req.Context(), "http.response.content_type",
			slog.String("url", redact(req.URL)),
			slog.String("content_type", ct),
		)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %s %s: %w", lockerr.ErrDecode, req.Method, redact(req.URL), err)
	}
	return nil
}

func isJSON(header string) bool {
	mt := contenttype.NewMediaType(header)
	if mt.Matches(jsonMediaType) {
		return true
	}
	return mt.Type == "application" && strings.HasSuffix(mt.Subtype, "+json")
}

// redact drops the query string and userinfo from u for logging.
func redact(u *url.URL) string {
	c := *u
	c.RawQuery = ""
	c.User = nil
	return c.String()
}
