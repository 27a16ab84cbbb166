// Package query parses and represents the declarative query language used by
// observers, subscriptions and eviction.
//
// Queries are plain text plus a named-parameter object. Parameters are
// referenced as :name and are never interpolated into the text; backends
// receive them as bound arguments.
//
//	SELECT * FROM tasks WHERE status = :status ORDER BY due ASC LIMIT 50
//	SELECT title, status FROM tasks WHERE owner.id = :owner AND done = false
//	EVICT FROM tasks WHERE status = 'done'
//
// SEALED INTERFACES:
//
// Statement and Predicate are sealed with marker methods, so backends can
// switch exhaustively:
//
//	switch s := stmt.(type) {
//	case *Select:
//	case *Evict:
//	}
//
// BOUNDED RESULTS:
//
// Observers re-run their query on every change, so an unbounded query turns
// every local write into a full collection scan and a full delivery.
// Validate reports the constructs that break the bounded-result discipline;
// it never rejects a query.
package query
