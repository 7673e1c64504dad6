// Package cache implements a cache-aside read layer over the shared
// coordination store with type-safe generic reads.
//
// # Reading
//
// [Read] checks the store first and returns hits immediately. On a miss,
// concurrent readers elect a single fill winner through a short-TTL
// set-if-absent marker held in the store itself — the election spans
// processes, since workers do not share memory. The winner runs the
// [Loader], publishes the result with the configured TTL, and clears the
// marker. Losers poll briefly for the winner's write and, once their retry
// budget is spent, call the loader directly without caching, so a crashed
// winner can never block them past the marker's TTL.
//
// # Invalidation
//
// [Cache.Invalidate] deletes entries unconditionally. The contract is
// write-then-invalidate: invalidate only after the underlying write is
// durably committed, never before.
//
// # Outages
//
// By default reads fail open: when the store is unreachable the loader is
// called directly and its value returned uncached. [WithFailClosed] makes
// outages surface as retryable errors instead.
//
// Values are serialized with msgpack ([github.com/vmihailenco/msgpack/v5]),
// so struct fields must be exported to survive a round trip.
package cache
