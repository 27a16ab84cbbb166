// Package observer implements live queries with signal-gated delivery.
//
// A Channel binds a SELECT (plus named parameters) to a handler. It
// evaluates the query once at start, delivers the result immediately, and
// re-evaluates whenever the observed collection changes. Results are
// materialized into plain Snapshots inside the store's scan scope, so a
// handler never holds a store cursor.
//
// SIGNAL GATE:
//
// Each channel owns a Gate. The gate closes immediately before every
// delivery and opens again when the consumer signals:
//
//   - auto mode (default): when the handler returns
//   - manual mode (WithManualSignal): when the handler or anything it hands
//     the update to calls Update.Signal
//
// While the gate is closed the channel keeps at most one pending result.
// A newer evaluation replaces it (latest wins) and the replacement is
// counted in Stats.Superseded and in the update finally delivered. Callers
// that need every intermediate state must not use this package.
//
// A manual-mode consumer that never signals stops receiving updates. The
// registry reports such channels as starved (Registry.CheckStarvation)
// and logs them with event=gate_starved.
//
// ORDERING AND CANCELLATION:
//
// Handlers of one channel never run concurrently; different channels
// dispatch independently. Delivered versions are strictly increasing per
// channel, and a result identical to the last delivered one is not
// delivered again.
//
// Cancel never blocks. Once it returns, the handler is not invoked again;
// an invocation already running finishes normally. Wait and CancelAndWait
// block until that invocation and the dispatch goroutine have finished and
// must not be called from the handler itself.
//
// Handler errors and panics release the gate in manual mode too, unless the
// channel was created WithoutAutoRelease.
package observer
