package lockmaster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ggoodman/lockmaster-go/bundle"
	"github.com/ggoodman/lockmaster-go/lockerr"
	"github.com/google/uuid"
)

// Watch calls fn with the re-fetched bundle after each config_changed push
// whose bundle differs from the last one delivered. A push received after
// live sync started but before Watch was called is still acted on. Re-fetches
// are spaced at least refetch_min_interval apart and failures are logged, not
// returned. Only one Watch runs at a time. Watch returns nil when ctx ends or
// the client closes.
func (c *Client[T]) Watch(ctx context.Context, fn func(T)) error {
	if c.lifetime.Err() != nil {
		return ErrClosed
	}
	c.mu.Lock()
	sub := c.changes
	c.mu.Unlock()
	if sub == nil {
		return fmt.Errorf("%w: live sync is not running; enable dynamic configuration and bootstrap first", lockerr.ErrInvalidConfig)
	}
	if !c.watching.CompareAndSwap(false, true) {
		return ErrWatching
	}
	defer c.watching.Store(false)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.lifetime.Done():
			return nil
		case _, ok := <-sub:
			if !ok {
				return nil
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil
		}
		v, changed, err := c.Refetch(ctx)
		if err != nil {
			c.log.WarnContext(ctx, "lockmaster.refetch.failed", slog.String("err", err.Error()))
			continue
		}
		if changed {
			fn(v)
		}
	}
}

// Refetch downloads the bundle again with the current session, renewing the
// access token first when it is about to expire. changed reports whether the
// bundle differs from the last one returned.
func (c *Client[T]) Refetch(ctx context.Context) (v T, changed bool, err error) {
	c.bootMu.Lock()
	defer c.bootMu.Unlock()

	s, ok := c.session()
	if !ok {
		return v, false, fmt.Errorf("%w: bootstrap has not completed", lockerr.ErrInvalidConfig)
	}
	attempt := uuid.NewString()

	if !s.grant.Valid(c.now(), tokenLeeway) {
		if err := c.renewToken(ctx, attempt, &s); err != nil {
			return v, false, err
		}
	}

	var payload bundle.Payload
	fetch := func(ctx context.Context) (err error) {
		payload, err = c.fetcher.FetchRaw(ctx, c.bundleRequest(s))
		return err
	}
	err = c.stage(ctx, attempt, lockerr.StageBundle, fetch)
	var se *lockerr.StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusUnauthorized {
		if err := c.renewToken(ctx, attempt, &s); err != nil {
			return v, false, err
		}
		err = c.stage(ctx, attempt, lockerr.StageBundle, fetch)
	}
	if err != nil {
		return v, false, err
	}

	if payload.Digest == s.digest {
		c.log.DebugContext(ctx, "lockmaster.refetch.unchanged")
		return v, false, nil
	}
	if err := c.stage(ctx, attempt, lockerr.StageBundle, func(context.Context) (err error) {
		v, err = bundle.Decode[T](payload)
		return err
	}); err != nil {
		return v, false, err
	}

	s.digest = payload.Digest
	c.mu.Lock()
	c.current = &s
	c.mu.Unlock()
	return v, true, nil
}

func (c *Client[T]) renewToken(ctx context.Context, attempt string, s *session) error {
	err := c.stage(ctx, attempt, lockerr.StageToken, func(ctx context.Context) (err error) {
		s.grant, err = c.tokens.Acquire(ctx, s.oauth.TokenEndpoint, s.reg.Auth(c.log))
		return err
	})
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.current != nil {
		c.current.grant = s.grant
	}
	c.mu.Unlock()
	return nil
}
