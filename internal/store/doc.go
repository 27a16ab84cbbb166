// Package store provides the SQLite-backed local document store that
// observers read from and replication writes into.
//
// Documents live in one table keyed by (collection, id) with a JSON body.
// Every committed mutation is stamped with the next value of the store's
// logical clock and published to the change hub after commit, in version
// order.
//
// # Write Paths
//
//   - Upsert: local write under a conflict directive (merge by default)
//   - UpdateFields: client-side delta filter, then merge
//   - Delete: tombstone; the row stays with deleted=1 and replicates
//   - Evict: local-only removal, no tombstone
//   - ApplyReplicated: merge documents pulled from a peer
//
// A write whose merge changes no field is skipped entirely and reported
// as WriteResult.Noop. It does not advance the clock or notify observers.
//
// # Scoped Results
//
// Scan hands a *Results to a callback. The handle reads from driver-owned
// buffers and is invalid once the callback returns; any later access
// returns ErrStaleHandle.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
package store
