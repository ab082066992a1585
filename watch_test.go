package lockmaster_test

import (
	"context"
	"errors"
	"testing"
	"time"

	lockmaster "github.com/ggoodman/lockmaster-go"
	"github.com/ggoodman/lockmaster-go/auth/authtest"
	"github.com/ggoodman/lockmaster-go/livesync"
	"github.com/ggoodman/lockmaster-go/lockerr"
	"github.com/stretchr/testify/require"
)

func TestWatchRefetchesOnConfigChanged(t *testing.T) {
	srv := authtest.NewServer(t)
	srv.Bundle = []byte(`{"policies":["p1"]}`)

	cfg := testConfig(srv)
	cfg.EnableDynamicConfiguration = true
	c := newClient(t, srv, cfg)

	first, err := c.Bootstrap(t.Context())
	require.NoError(t, err)
	require.Equal(t, []string{"p1"}, first.Policies)

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.WaitForStreams(ctx, 1))

	updates := make(chan policyStore, 4)
	done := make(chan error, 1)
	go func() { done <- c.Watch(ctx, func(s policyStore) { updates <- s }) }()

	srv.Update(func(s *authtest.Server) { s.Bundle = []byte(`{"policies":["p1","p2"]}`) })

	// Watch may not have subscribed yet; keep signalling until it reacts.
	var got policyStore
	require.Eventually(t, func() bool {
		srv.Publish(authtest.Event{Type: livesync.EventConfigChanged, Data: `{"policy_store_id":"store-1"}`})
		select {
		case got = <-updates:
			return true
		default:
			return false
		}
	}, 5*time.Second, 20*time.Millisecond)
	require.Equal(t, []string{"p1", "p2"}, got.Policies)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}

func TestRefetchSkipsUnchangedBundle(t *testing.T) {
	srv := authtest.NewServer(t)
	c := newClient(t, srv, testConfig(srv))

	_, _, err := c.Refetch(t.Context())
	require.ErrorIs(t, err, lockerr.ErrInvalidConfig, "refetch before bootstrap")

	srv.Bundle = []byte(`{"policies":["a"]}`)
	_, err = c.Bootstrap(t.Context())
	require.NoError(t, err)

	_, changed, err := c.Refetch(t.Context())
	require.NoError(t, err)
	require.False(t, changed)
	require.Len(t, srv.BundleRequests(), 2)

	srv.Update(func(s *authtest.Server) { s.Bundle = []byte(`{"policies":["b"]}`) })
	v, changed, err := c.Refetch(t.Context())
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, []string{"b"}, v.Policies)
}

func TestRefetchRenewsExpiringToken(t *testing.T) {
	srv := authtest.NewServer(t)
	srv.Bundle = []byte(`{"policies":[]}`)
	// Inside the renewal leeway from the start.
	srv.TokenTTL = time.Second

	c := newClient(t, srv, testConfig(srv))
	_, err := c.Bootstrap(t.Context())
	require.NoError(t, err)
	require.Len(t, srv.TokenRequests(), 1)

	_, _, err = c.Refetch(t.Context())
	require.NoError(t, err)

	toks := srv.TokenRequests()
	require.Len(t, toks, 2)
	require.Equal(t, toks[0].Authorization, toks[1].Authorization, "renewal reuses the registered client")
	require.Len(t, srv.Registrations(), 1)

	reqs := srv.BundleRequests()
	require.Equal(t, "Bearer access-2", reqs[len(reqs)-1].Header.Get("Authorization"))
}

func TestWatchWithoutLiveSync(t *testing.T) {
	srv := authtest.NewServer(t)
	srv.Bundle = []byte(`{"policies":[]}`)
	c := newClient(t, srv, testConfig(srv))
	_, err := c.Bootstrap(t.Context())
	require.NoError(t, err)

	err = c.Watch(t.Context(), func(policyStore) {})
	require.ErrorIs(t, err, lockerr.ErrInvalidConfig)
}

func TestWatchActsOnChangePushedBeforeItStarted(t *testing.T) {
	srv := authtest.NewServer(t)
	srv.Bundle = []byte(`{"policies":["p1"]}`)

	cfg := testConfig(srv)
	cfg.EnableDynamicConfiguration = true
	c := newClient(t, srv, cfg)

	_, err := c.Bootstrap(t.Context())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.WaitForStreams(ctx, 1))

	srv.Update(func(s *authtest.Server) { s.Bundle = []byte(`{"policies":["p1","p2"]}`) })
	srv.Publish(authtest.Event{ID: "1", Type: livesync.EventConfigChanged, Data: `{"policy_store_id":"store-1"}`})
	require.Eventually(t, func() bool { return c.Sync().LastEventID() == "1" }, 5*time.Second, 5*time.Millisecond)

	updates := make(chan policyStore, 1)
	go func() { _ = c.Watch(ctx, func(s policyStore) { updates <- s }) }()

	select {
	case got := <-updates:
		require.Equal(t, []string{"p1", "p2"}, got.Policies)
	case <-ctx.Done():
		t.Fatal("change pushed before Watch started was lost")
	}
}

func TestWatchRunsOnce(t *testing.T) {
	srv := authtest.NewServer(t)
	srv.Bundle = []byte(`{"policies":[]}`)

	cfg := testConfig(srv)
	cfg.EnableDynamicConfiguration = true
	c := newClient(t, srv, cfg)
	_, err := c.Bootstrap(t.Context())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	go func() { _ = c.Watch(ctx, func(policyStore) {}) }()

	// A call with an ended context returns at once, with ErrWatching once
	// the first Watch holds the subscription.
	ended, stop := context.WithCancel(t.Context())
	stop()
	require.Eventually(t, func() bool {
		return errors.Is(c.Watch(ended, func(policyStore) {}), lockmaster.ErrWatching)
	}, 5*time.Second, 5*time.Millisecond)
}
