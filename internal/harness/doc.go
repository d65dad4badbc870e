// Package harness runs YAML scenarios against a complete proxy wired to
// an in-process fake upstream.
//
// # Scenario Format
//
//	name: offline_review_roundtrip
//	description: "A review written offline is replayed once online"
//	seed:
//	  restaurants:
//	    - { id: 1, name: Mission Chinese }
//	  assets:
//	    /css/styles.css: "body{}"
//	  next_id: 42
//	manifest: ["css/styles.css"]
//	flow:
//	  - network: offline
//	  - request: { method: POST, path: /reviews/, body: { restaurant_id: 1, name: Ana, rating: 4 } }
//	    expect: { status: 200, source: deferred }
//	  - network: online
//	  - sync: true
//	    expect: { confirmed: 1 }
//	assertions:
//	  - type: trace_count
//	    match: { type: event, action: add-record }
//	    count: 1
//	  - type: final_state
//	    table: deferred_reviews
//	    count: 0
//
// Each flow step does exactly one thing: switch the fake upstream
// (network: online, offline or a status code), send one request through
// the proxy, run a reconciliation pass, install the app shell or activate.
// Notifications published during a step are appended to the trace right
// after it.
//
// # Assertion Types
//
//   - trace_contains: some trace event matches (subset match)
//   - trace_order: matching events appear in the listed order
//   - trace_count: exactly count events match
//   - final_state: store rows in a table; subset match on one row, or a row count
//   - cached: an asset is present (or absent) in a named cache
//   - upstream: the fake upstream saw a request exactly count times
//
// # Deterministic Testing
//
// The fake upstream stamps records with a testutil.DeterministicClock and
// trace events carry no ids or wall-clock times, so a scenario produces
// the same trace on every run. RunWithGolden compares it against
// testdata/golden/<name>.golden.
package harness
