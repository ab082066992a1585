// Package livesync keeps a long lived Server-Sent Events connection to the
// Lock Master and applies what it pushes.
//
// A Channel runs on its own goroutine, independent of bootstrap. It writes
// status_update events into a statuslist.Cache and turns config_changed
// events into a change signal that subscribers (usually the host's bundle
// re-fetch loop) consume through Subscribe. It never calls back into the
// bootstrap flow.
//
// # Reconnects
//
// A dropped or refused stream is logged as lockerr.ErrStreamDisconnected and
// retried with exponential backoff: initial * 2^attempt, capped at the
// maximum and reduced by up to 20% jitter. A "retry:" field from the server
// raises the initial delay. The attempt counter resets once a stream is
// established. Reconnects send Last-Event-ID so the server can resume.
//
// # Events
//
// The SSE event name selects the handler; when it is absent the JSON "type"
// field of the data is used instead.
//
//	event: status_update
//	id: 42
//	data: {"id":"https://lm.example/status/1","status":1,"jti":["a","b"]}
//
//	event: config_changed
//	data: {"policy_store_id":"store-1"}
//
// A status update may instead carry {"token":"<jwt>"}, a signed form whose
// claims hold the same fields; it is applied only when the Channel has a
// Verifier. Unknown events and malformed payloads are logged and skipped.
package livesync
