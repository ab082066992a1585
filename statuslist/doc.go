// Package statuslist tracks token revocation status pushed by the Lock
// Master.
//
// A Cache maps a status list identifier to an Entry: a one byte status code
// and the set of token identifiers (jti values) it applies to. The decision
// engine reads the cache on every authorization check through Lookup or
// Status; the live sync channel writes it through Apply.
//
// Entries are immutable. Every write replaces the entry for an identifier as
// a unit, so a reader sees either the previous or the next entry and never a
// status code from one update paired with token ids from another. Readers
// hold the read lock only for the map lookup.
//
// A Cache may mirror its entries into a Store (see the memorystore and
// redisstore packages) so a restarted agent can warm up with Restore before
// the first push arrives.
package statuslist
