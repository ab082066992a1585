package lockmaster

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ggoodman/lockmaster-go/auth"
	"github.com/ggoodman/lockmaster-go/bundle"
	"github.com/ggoodman/lockmaster-go/discovery"
	"github.com/ggoodman/lockmaster-go/internal/logctx"
	"github.com/ggoodman/lockmaster-go/livesync"
	"github.com/ggoodman/lockmaster-go/lockerr"
	"github.com/google/uuid"
)

// Bootstrap runs every stage and returns the decoded policy bundle. On
// failure it returns a *lockerr.StageError and leaves the previous session
// and the status cache untouched.
func (c *Client[T]) Bootstrap(ctx context.Context) (T, error) {
	var zero T
	if c.lifetime.Err() != nil {
		return zero, ErrClosed
	}
	c.bootMu.Lock()
	defer c.bootMu.Unlock()

	attempt := uuid.NewString()
	var (
		next    session
		payload bundle.Payload
		result  T
	)

	err := c.stage(ctx, attempt, lockerr.StageLockMasterDiscovery, func(ctx context.Context) (err error) {
		next.lockMaster, err = c.resolver.LockMaster(ctx, c.cfg.LockMasterURL)
		return err
	})
	if err != nil {
		return zero, err
	}
	c.startSync(next.lockMaster)

	err = c.stage(ctx, attempt, lockerr.StageOAuthDiscovery, func(ctx context.Context) (err error) {
		next.oauth, err = c.resolver.OAuth(ctx, next.lockMaster.OAuthWellKnown)
		return err
	})
	if err != nil {
		return zero, err
	}
	c.attachVerifier(next.oauth)

	err = c.stage(ctx, attempt, lockerr.StageRegistration, func(ctx context.Context) error {
		raw, err := c.cfg.SoftwareStatementJWT()
		if err != nil {
			return err
		}
		ssa, err := auth.ParseSoftwareStatement(raw)
		if err != nil {
			return err
		}
		next.reg, err = c.registrar.Register(ctx, next.oauth.RegistrationEndpoint, ssa)
		return err
	})
	if err != nil {
		return zero, err
	}

	err = c.stage(ctx, attempt, lockerr.StageToken, func(ctx context.Context) (err error) {
		next.grant, err = c.tokens.Acquire(ctx, next.oauth.TokenEndpoint, next.reg.Auth(c.log))
		return err
	})
	if err != nil {
		return zero, err
	}

	err = c.stage(ctx, attempt, lockerr.StageBundle, func(ctx context.Context) (err error) {
		payload, err = c.fetcher.FetchRaw(ctx, c.bundleRequest(next))
		if err != nil {
			return err
		}
		result, err = bundle.Decode[T](payload)
		return err
	})
	if err != nil {
		return zero, err
	}

	next.digest = payload.Digest
	c.mu.Lock()
	c.current = &next
	c.mu.Unlock()

	if n, err := c.cache.Restore(ctx); err != nil {
		c.log.WarnContext(ctx, "lockmaster.cache.restore_failed", slog.String("err", err.Error()))
	} else if n > 0 {
		c.log.InfoContext(ctx, "lockmaster.cache.restored", slog.Int("entries", n))
	}

	c.log.InfoContext(ctx, "lockmaster.bootstrap.ok",
		slog.String("attempt_id", attempt),
		slog.String("client_id", next.reg.ClientID),
	)
	return result, nil
}

func (c *Client[T]) bundleRequest(s session) bundle.Request {
	return bundle.Request{
		ConfigURI:     s.lockMaster.ConfigURI,
		PolicyStoreID: c.cfg.PolicyStoreID,
		AccessToken:   s.grant.AccessToken,
		Decompress:    c.cfg.DecompressBundle,
	}
}

// stage runs fn under the stage timeout and attributes its error.
func (c *Client[T]) stage(ctx context.Context, attempt string, stage lockerr.Stage, fn func(context.Context) error) error {
	if d := c.cfg.StageTimeout.D(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	ctx = logctx.WithStageData(ctx, &logctx.StageData{Stage: string(stage), AttemptID: attempt})

	start := time.Now()
	err := fn(ctx)
	if err == nil {
		c.log.DebugContext(ctx, "lockmaster.stage.ok", slog.Duration("took", time.Since(start)))
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, lockerr.ErrTransport) {
		err = errors.Join(lockerr.ErrTransport, err)
	}
	c.log.WarnContext(ctx, "lockmaster.stage.failed", slog.String("err", err.Error()))
	return &lockerr.StageError{Stage: stage, Err: err}
}

// startSync starts live sync once, on the client lifetime.
func (c *Client[T]) startSync(lm discovery.LockMasterConfig) {
	if !c.cfg.EnableDynamicConfiguration {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.live != nil {
		return
	}
	if lm.SSEURI == "" {
		c.log.Warn("lockmaster.sync.unavailable")
		return
	}

	opts := livesync.Options{
		URL:              lm.SSEURI,
		Cache:            c.cache,
		PolicyStoreID:    c.cfg.PolicyStoreID,
		HTTPClient:       c.hc,
		Logger:           c.log,
		TokenSource:      livesync.TokenSourceFunc(c.accessToken),
		ReconnectInitial: c.cfg.Sync.ReconnectInitial.D(),
		ReconnectMax:     c.cfg.Sync.ReconnectMax.D(),
	}
	if c.cfg.Sync.VerifySignedUpdates {
		opts.Verifier = c.verifier
	}
	ch, err := livesync.New(opts)
	if err != nil {
		c.log.Warn("lockmaster.sync.init_failed", slog.String("err", err.Error()))
		return
	}
	c.live = ch
	// Subscribed before the first connection so a change pushed before
	// Watch runs stays pending.
	c.changes = ch.Subscribe()
	ch.Start(c.lifetime)
}

// attachVerifier points signed update verification at the authority's
// JWKS. The key set is fetched by live sync on first use.
func (c *Client[T]) attachVerifier(oa discovery.OAuthConfig) {
	if !c.cfg.Sync.VerifySignedUpdates || oa.JWKSURI == "" {
		return
	}
	c.verifier.setURI(oa.JWKSURI)
}
