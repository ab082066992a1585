// Package lockmaster bootstraps a policy enforcement agent from a Lock
// Master and keeps it in sync.
//
// Bootstrap runs five stages strictly in order: Lock Master discovery,
// authorization server discovery, dynamic client registration, token
// acquisition and policy bundle fetch. Each stage has its own timeout and a
// failure is returned as a *lockerr.StageError naming the stage. The decoded
// bundle is the result.
//
//	cfg, _ := config.Load("lock.toml")
//	client, err := lockmaster.New[PolicyStore](cfg, lockmaster.WithLogger(logger))
//	if err != nil { return err }
//	defer client.Close()
//
//	store, err := client.Bootstrap(ctx)
//	if err != nil { return err }
//
//	// Revocation status for the decision engine.
//	revoked := client.Cache().Lookup(statusListID, jti)
//
//	// Re-fetch the bundle whenever the Lock Master pushes config_changed.
//	go client.Watch(ctx, func(s PolicyStore) { engine.Load(s) })
//
// # Live sync
//
// With enable_dynamic_configuration the client starts a livesync.Channel
// right after Lock Master discovery. It runs on the client's own lifetime,
// not the Bootstrap context, and stops on Close. Its failures never reach
// Bootstrap.
//
// # Tokens
//
// The access token is kept with its expiry. Watch acquires a new one with
// the stored client registration when it is about to expire or when the
// bundle endpoint answers 401.
package lockmaster
