package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/roach88/offsync/internal/proxy"
	"github.com/roach88/offsync/internal/testutil"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s\n", event.Seq, describe(event))
		}
	}
	return buf.String()
}

// describe renders one trace event on a single line.
func describe(ev TraceEvent) string {
	switch ev.Type {
	case EventRequest:
		return fmt.Sprintf("request %s %s -> %d (%s) %s", ev.Method, ev.Path, ev.Status, ev.Source, ev.Body)
	case EventNetwork:
		return "network " + ev.Network
	case EventSync:
		return fmt.Sprintf("sync confirmed=%d failed=%d %s", ev.Confirmed, ev.Failed, ev.Error)
	case EventNotify:
		return fmt.Sprintf("event %s record=%d replaces=%d", ev.Action, ev.Record, ev.Replaces)
	case EventActivate:
		return fmt.Sprintf("activate purged=%v %s", ev.Purged, ev.Error)
	default:
		return strings.TrimSpace(ev.Type + " " + ev.Error)
	}
}

// assertTraceContains checks that some trace event matches (subset match).
func assertTraceContains(trace []TraceEvent, assertion Assertion) error {
	want, err := normalize(assertion.Match)
	if err != nil {
		return err
	}
	for _, event := range trace {
		if eventMatches(event, want) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: "event matching " + mustJSON(want),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that matching events appear in the listed order.
// Events don't need to be consecutive.
func assertTraceOrder(trace []TraceEvent, assertion Assertion) error {
	pos := 0
	for i, m := range assertion.Matches {
		want, err := normalize(m)
		if err != nil {
			return err
		}
		found := false
		for pos < len(trace) {
			event := trace[pos]
			pos++
			if eventMatches(event, want) {
				found = true
				break
			}
		}
		if !found {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("matches[%d] %s after matches[%d]", i, mustJSON(want), i-1),
				Actual:   "not found in order",
				Trace:    trace,
			}
		}
	}
	return nil
}

// assertTraceCount checks that exactly count events match.
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	if assertion.Count == nil {
		return fmt.Errorf("trace_count assertion requires count")
	}
	want, err := normalize(assertion.Match)
	if err != nil {
		return err
	}
	count := 0
	for _, event := range trace {
		if eventMatches(event, want) {
			count++
		}
	}
	if count != *assertion.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d events matching %s", *assertion.Count, mustJSON(want)),
			Actual:   fmt.Sprintf("%d events", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertFinalState selects store rows with Where and checks their count,
// or checks the single selected row against Expect.
func assertFinalState(ctx context.Context, svc *proxy.Service, assertion Assertion) error {
	rows, err := tableRows(ctx, svc, assertion.Table)
	if err != nil {
		return err
	}
	where, err := normalize(assertion.Where)
	if err != nil {
		return err
	}

	var selected []interface{}
	for _, row := range rows {
		if subsetMatch(row, where) {
			selected = append(selected, row)
		}
	}

	desc := assertion.Table
	if len(assertion.Where) > 0 {
		desc += " where " + mustJSON(where)
	}
	if assertion.Count != nil && len(selected) != *assertion.Count {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("%d rows in %s", *assertion.Count, desc),
			Actual:   fmt.Sprintf("%d rows: %s", len(selected), mustJSON(selected)),
		}
	}
	if len(assertion.Expect) == 0 {
		return nil
	}

	if len(selected) != 1 {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: "exactly one row in " + desc,
			Actual:   fmt.Sprintf("%d rows", len(selected)),
		}
	}
	want, err := normalize(assertion.Expect)
	if err != nil {
		return err
	}
	if !subsetMatch(selected[0], want) {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("row in %s matching %s", desc, mustJSON(want)),
			Actual:   mustJSON(selected[0]),
		}
	}
	return nil
}

// tableRows returns the rows of a store table as normalized JSON objects.
func tableRows(ctx context.Context, svc *proxy.Service, table string) ([]interface{}, error) {
	st := svc.Store()
	var (
		records interface{}
		err     error
	)
	switch table {
	case "restaurants":
		records, err = st.AllRestaurants(ctx)
	case "reviews":
		records, err = st.AllReviews(ctx)
	case "deferred_reviews":
		records, err = st.DeferredReviews(ctx)
	case "deferred_favorites":
		records, err = st.DeferredFavorites(ctx)
	default:
		return nil, fmt.Errorf("unknown table %q", table)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", table, err)
	}

	v, err := normalize(records)
	if err != nil {
		return nil, err
	}
	rows, _ := v.([]interface{})
	return rows, nil
}

// assertCached checks whether an asset is present in a named cache.
func assertCached(ctx context.Context, svc *proxy.Service, assertion Assertion) error {
	want := assertion.Present == nil || *assertion.Present
	_, found, err := svc.Cache().Get(ctx, assertion.Cache, assertion.URL)
	if err != nil {
		return fmt.Errorf("cache lookup %s %s: %w", assertion.Cache, assertion.URL, err)
	}
	if found != want {
		return &AssertionError{
			Type:     AssertCached,
			Expected: fmt.Sprintf("%s in %s present=%t", assertion.URL, assertion.Cache, want),
			Actual:   fmt.Sprintf("present=%t", found),
		}
	}
	return nil
}

// assertUpstream checks how often the fake upstream saw a request. Without
// a count, at least once is expected.
func assertUpstream(api *testutil.FakeAPI, assertion Assertion) error {
	count := 0
	for _, req := range api.Requests() {
		if req == assertion.Request {
			count++
		}
	}
	switch {
	case assertion.Count == nil && count == 0:
		return &AssertionError{
			Type:     AssertUpstream,
			Expected: fmt.Sprintf("upstream saw %q", assertion.Request),
			Actual:   fmt.Sprintf("requests: %v", api.Requests()),
		}
	case assertion.Count != nil && count != *assertion.Count:
		return &AssertionError{
			Type:     AssertUpstream,
			Expected: fmt.Sprintf("upstream saw %q %d times", assertion.Request, *assertion.Count),
			Actual:   fmt.Sprintf("%d times", count),
		}
	}
	return nil
}

// normalize converts v to the shape decodeJSON produces, so values from
// YAML and values from responses compare equal.
func normalize(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("normalize %v: %w", v, err)
	}
	return decodeJSON(data)
}

func eventMatches(ev TraceEvent, want interface{}) bool {
	got, err := normalize(ev)
	if err != nil {
		return false
	}
	return subsetMatch(got, want)
}

// subsetMatch reports whether actual contains expected. Objects match
// when every expected key matches; arrays match element-wise and must
// have equal length. A nil expectation matches anything.
func subsetMatch(actual, expected interface{}) bool {
	switch want := expected.(type) {
	case nil:
		return true
	case map[string]interface{}:
		got, ok := actual.(map[string]interface{})
		if !ok {
			return false
		}
		for k, v := range want {
			a, exists := got[k]
			if !exists || !subsetMatch(a, v) {
				return false
			}
		}
		return true
	case []interface{}:
		got, ok := actual.([]interface{})
		if !ok || len(got) != len(want) {
			return false
		}
		for i := range want {
			if !subsetMatch(got[i], want[i]) {
				return false
			}
		}
		return true
	case json.Number:
		got, ok := actual.(json.Number)
		if !ok {
			return false
		}
		if got == want {
			return true
		}
		a, errA := strconv.ParseFloat(got.String(), 64)
		b, errB := strconv.ParseFloat(want.String(), 64)
		return errA == nil && errB == nil && a == b
	default:
		return reflect.DeepEqual(actual, expected)
	}
}

// AssertionContext provides what state assertions read.
type AssertionContext struct {
	Ctx     context.Context
	Service *proxy.Service
	API     *testutil.FakeAPI
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertFinalState, AssertCached:
			if actx == nil || actx.Service == nil {
				err = fmt.Errorf("assertion[%d]: %s requires a running proxy", i, assertion.Type)
			} else if assertion.Type == AssertFinalState {
				err = assertFinalState(actx.Ctx, actx.Service, assertion)
			} else {
				err = assertCached(actx.Ctx, actx.Service, assertion)
			}
		case AssertUpstream:
			if actx == nil || actx.API == nil {
				err = fmt.Errorf("assertion[%d]: upstream requires the fake upstream", i)
			} else {
				err = assertUpstream(actx.API, assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
