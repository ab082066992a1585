// Package redisstore implements statuslist.Store on Redis so several agents,
// or a restarted one, can share the revocation status pushed by the Lock
// Master.
//
// Design Notes
//   - One key per status list holding a CBOR encoded entry, written with a
//     single SET so readers never see a partial entry
//   - An index set of known ids lets Load find every entry without SCAN
//   - SET and SADD run in one MULTI/EXEC transaction
//
// Example:
//
//	store, err := redisstore.NewFromEnv(ctx)
//	if err != nil { return err }
//	defer store.Close()
//	cache := statuslist.NewCache(statuslist.WithStore(store))
package redisstore
