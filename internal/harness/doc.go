// Package harness runs scripted replication scenarios and records what
// every observer saw.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: manual_signal_latest_wins
//	description: "A blocked observer only sees the newest result"
//	sites: [a, b]            # replicas; default [local]
//	peers:                   # site -> sites it pulls from
//	  b: [a]
//	steps:
//	  - do: observe
//	    site: b
//	    name: active
//	    query: SELECT * FROM tasks WHERE status = :s
//	    params: { s: active }
//	    manual: true
//	  - do: subscribe
//	    site: b
//	    name: all-tasks
//	    query: SELECT * FROM tasks
//	  - do: put
//	    site: a
//	    collection: tasks
//	    doc: { _id: A, status: active }
//	  - do: signal
//	    name: active
//	assertions:
//	  - type: delivery_count
//	    observer: active
//	    count: 2
//	  - type: delivered_ids
//	    observer: active
//	    ids: [A]
//	  - type: doc_exists
//	    site: b
//	    collection: tasks
//	    id: A
//
// Steps: put, update, delete, evict, observe, signal, subscribe, cancel.
// Site defaults to the first site.
//
// # Assertion Types
//
//   - delivery_count: an observer received exactly N updates
//   - delivered_ids: the ids of one delivery (default: the last), in order
//   - doc_exists: a document is live (or, with exists: false, absent) on a site
//   - fetch_count: a site asked one of its peers for documents exactly N times
//
// # Deterministic Execution
//
// Every site is an in-memory store with sequential document ids. Peers do
// not push notices; instead, after every step the harness waits for all
// observers to settle and then pulls every subscription from its peers,
// repeating until no store changes. Store versions, deliveries and fetch
// counts are therefore identical across runs, and the trace can be
// compared against a golden file. The pulls made inside a subscribe step
// or an evict re-pull go to all of a site's peers at once; scenarios that
// need exact intermediate deliveries there give the site a single peer.
//
// Usage:
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/manual_signal_latest_wins.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := harness.Run(scenario)
//	if !result.Pass {
//	    for _, msg := range result.Errors {
//	        log.Println(msg)
//	    }
//	}
package harness
