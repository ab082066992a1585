package livesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/lockmaster-go/internal/logctx"
	"github.com/ggoodman/lockmaster-go/internal/notify"
	"github.com/ggoodman/lockmaster-go/internal/sse"
	"github.com/ggoodman/lockmaster-go/internal/transport"
	"github.com/ggoodman/lockmaster-go/lockerr"
	"github.com/ggoodman/lockmaster-go/statuslist"
	"github.com/google/uuid"
)

// Event names understood by the Channel.
const (
	EventConfigChanged = "config_changed"
	EventStatusUpdate  = "status_update"
)

const (
	DefaultReconnectInitial = time.Second
	DefaultReconnectMax     = time.Minute
)

var errAlreadyRunning = errors.New("livesync: channel already running")

// State is the connection state of a Channel.
type State int32

const (
	Disconnected State = iota
	Connecting
	Streaming
	Reconnecting
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Streaming:
		return "streaming"
	case Reconnecting:
		return "reconnecting"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// TokenSource supplies the bearer token sent when connecting. An empty token
// connects without Authorization.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// TokenSourceFunc adapts a function to TokenSource.
type TokenSourceFunc func(ctx context.Context) (string, error)

func (f TokenSourceFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// Options configures a Channel.
type Options struct {
	// URL is the lock_sse_uri. Required.
	URL string
	// Cache receives status updates. Required.
	Cache *statuslist.Cache
	// PolicyStoreID filters config_changed events that name another store.
	PolicyStoreID string

	// HTTPClient opens the stream. Its Timeout is ignored; the stream is
	// long-lived and ends with the context.
	HTTPClient  *http.Client
	Logger      *slog.Logger
	TokenSource TokenSource
	// Verifier enables signed status updates.
	Verifier statuslist.Verifier

	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	// LastEventID resumes a previous stream.
	LastEventID string
}

// Channel is a live sync connection.
type Channel struct {
	url           string
	cache         *statuslist.Cache
	policyStoreID string
	tc            *transport.Client
	log           *slog.Logger
	tokens        TokenSource
	verifier      statuslist.Verifier
	initial       time.Duration
	max           time.Duration

	changes notify.Notifier

	state     atomic.Int32
	retryHint atomic.Int64

	mu          sync.Mutex
	lastEventID string
	cancel      context.CancelFunc
	running     bool
	closed      bool
	done        chan struct{}
}

// New validates opts and returns an idle Channel.
func New(opts Options) (*Channel, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("%w: live sync URL is required", lockerr.ErrInvalidConfig)
	}
	if opts.Cache == nil {
		return nil, fmt.Errorf("%w: live sync needs a status cache", lockerr.ErrInvalidConfig)
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	c := &Channel{
		url:           opts.URL,
		cache:         opts.Cache,
		policyStoreID: opts.PolicyStoreID,
		tc:            transport.New(streamClient(opts.HTTPClient), log),
		log:           log,
		tokens:        opts.TokenSource,
		verifier:      opts.Verifier,
		initial:       opts.ReconnectInitial,
		max:           opts.ReconnectMax,
		lastEventID:   opts.LastEventID,
		done:          make(chan struct{}),
	}
	if c.initial <= 0 {
		c.initial = DefaultReconnectInitial
	}
	if c.max <= 0 {
		c.max = DefaultReconnectMax
	}
	if c.max < c.initial {
		c.max = c.initial
	}
	return c, nil
}

// streamClient drops a whole-request timeout, which would cut every stream.
func streamClient(hc *http.Client) *http.Client {
	if hc == nil || hc.Timeout == 0 {
		return hc
	}
	cp := *hc
	cp.Timeout = 0
	return &cp
}

// State returns the current connection state.
func (c *Channel) State() State { return State(c.state.Load()) }

func (c *Channel) setState(s State) { c.state.Store(int32(s)) }

// LastEventID returns the id of the last processed event.
func (c *Channel) LastEventID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastEventID
}

// Subscribe returns a channel that is signalled after config_changed events.
// Signals coalesce.
func (c *Channel) Subscribe() <-chan struct{} { return c.changes.Subscribe() }

// Unsubscribe releases a channel returned by Subscribe.
func (c *Channel) Unsubscribe(ch <-chan struct{}) { c.changes.Unsubscribe(ch) }

// Done is closed when Run returns.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Start runs the Channel on a new goroutine.
func (c *Channel) Start(ctx context.Context) {
	go func() {
		if err := c.Run(ctx); err != nil {
			c.log.ErrorContext(ctx, "livesync.run.error", slog.String("err", err.Error()))
		}
	}()
}

// Close stops the Channel and waits for Run to return.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel, running := c.cancel, c.running
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if running {
		<-c.done
	} else {
		c.finish()
	}
	return nil
}

func (c *Channel) finish() {
	c.setState(Closed)
	c.changes.Close()
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

// Run connects and reconnects until ctx ends or Close is called. It returns
// nil in both cases; disconnects are never returned.
func (c *Channel) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return errAlreadyRunning
	}
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running = true
	c.mu.Unlock()

	defer c.finish()
	defer cancel()

	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		c.setState(Connecting)
		streamed, err := c.connect(ctx, attempt)
		if ctx.Err() != nil {
			return nil
		}
		if streamed {
			attempt = 0
		}

		c.setState(Reconnecting)
		delay := c.backoff(attempt)
		attempt++
		c.log.WarnContext(ctx, "livesync.disconnected",
			slog.String("err", fmt.Errorf("%w: %w", lockerr.ErrStreamDisconnected, err).Error()),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// backoff returns the delay before reconnect attempt n (zero based).
func (c *Channel) backoff(n int) time.Duration {
	initial := c.initial
	if hint := time.Duration(c.retryHint.Load()); hint > initial {
		initial = hint
	}
	d := c.max
	if n < 32 {
		if v := initial << n; v > 0 && v < c.max {
			d = v
		}
	}
	if j := int64(d) / 5; j > 0 {
		d -= time.Duration(rand.Int64N(j + 1))
	}
	return d
}

// connect runs one stream. streamed reports whether the stream was
// established before it ended.
func (c *Channel) connect(ctx context.Context, attempt int) (streamed bool, err error) {
	header := http.Header{}
	if id := c.LastEventID(); id != "" {
		header.Set("Last-Event-ID", id)
	}
	if c.tokens != nil {
		tok, err := c.tokens.Token(ctx)
		if err != nil {
			return false, fmt.Errorf("live sync token: %w", err)
		}
		if tok != "" {
			header.Set("Authorization", "Bearer "+tok)
		}
	}

	body, err := c.tc.Stream(ctx, c.url, header)
	if err != nil {
		return false, err
	}
	defer body.Close()

	sd := &logctx.SyncData{ConnectionID: uuid.NewString(), LastEventID: header.Get("Last-Event-ID"), Attempt: attempt}
	ctx = logctx.WithSyncData(ctx, sd)
	c.setState(Streaming)
	c.log.InfoContext(ctx, "livesync.connected")

	scanner := sse.NewScanner(body)
	for scanner.Next() {
		ev := scanner.Event()
		if ev.Retry > 0 {
			c.retryHint.Store(int64(ev.Retry))
		}
		c.handle(ctx, ev)
		if ev.ID != "" {
			c.mu.Lock()
			c.lastEventID = ev.ID
			c.mu.Unlock()
			sd.LastEventID = ev.ID
		}
	}
	if err := scanner.Err(); err != nil {
		return true, err
	}
	return true, io.EOF
}

type envelope struct {
	Type          string `json:"type"`
	PolicyStoreID string `json:"policy_store_id"`
}

func (c *Channel) handle(ctx context.Context, ev sse.Event) {
	typ := ev.Type
	if typ == "" || typ == "message" {
		var env envelope
		if err := json.Unmarshal([]byte(ev.Data), &env); err == nil {
			typ = env.Type
		}
	}

	switch typ {
	case EventConfigChanged:
		c.handleConfigChanged(ctx, ev)
	case EventStatusUpdate:
		c.handleStatusUpdate(ctx, ev)
	default:
		c.log.DebugContext(ctx, "livesync.event.unknown", slog.String("type", typ))
	}
}

func (c *Channel) handleConfigChanged(ctx context.Context, ev sse.Event) {
	var env envelope
	if ev.Data != "" {
		if err := json.Unmarshal([]byte(ev.Data), &env); err != nil {
			// The payload is advisory; a bare signal still means refetch.
			c.log.DebugContext(ctx, "livesync.config_changed.payload", slog.String("err", err.Error()))
		}
	}
	if env.PolicyStoreID != "" && c.policyStoreID != "" && env.PolicyStoreID != c.policyStoreID {
		c.log.DebugContext(ctx, "livesync.config_changed.other_store", slog.String("policy_store_id", env.PolicyStoreID))
		return
	}
	c.log.InfoContext(ctx, "livesync.config_changed")
	c.changes.Notify()
}

func (c *Channel) handleStatusUpdate(ctx context.Context, ev sse.Event) {
	var u statuslist.Update
	if err := json.Unmarshal([]byte(ev.Data), &u); err != nil {
		c.log.WarnContext(ctx, "livesync.status_update.malformed", slog.String("err", err.Error()))
		return
	}
	if u.Signed() {
		if c.verifier == nil {
			c.log.WarnContext(ctx, "livesync.status_update.unverifiable")
			return
		}
		verified, err := c.verifier.Verify(ctx, u.Token)
		if err != nil {
			c.log.WarnContext(ctx, "livesync.status_update.rejected", slog.String("err", err.Error()))
			return
		}
		u = verified
	}

	if err := c.cache.Apply(ctx, u); err != nil {
		if errors.Is(err, statuslist.ErrInvalidUpdate) {
			c.log.WarnContext(ctx, "livesync.status_update.malformed", slog.String("err", err.Error()))
			return
		}
		// Applied in memory; only the mirror failed.
		c.log.WarnContext(ctx, "livesync.status_update.mirror", slog.String("err", err.Error()))
	}
	c.log.InfoContext(ctx, "livesync.status_update.applied", slog.String("id", u.ID))
}
