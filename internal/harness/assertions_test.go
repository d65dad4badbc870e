package harness

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(n int) *int { return &n }

func sampleTrace() []TraceEvent {
	return []TraceEvent{
		{Seq: 1, Type: EventNetwork, Network: "offline"},
		{Seq: 2, Type: EventRequest, Method: "POST", Path: "/reviews/", Status: 200, Source: "deferred",
			Body: json.RawMessage(`{"id":-1,"is_deferred":true,"name":"Ana","rating":4}`)},
		{Seq: 3, Type: EventSync, Confirmed: 1},
		{Seq: 4, Type: EventNotify, Action: "add-record", Record: 42, Replaces: -1},
	}
}

func TestAssertTraceContains_Found(t *testing.T) {
	err := assertTraceContains(sampleTrace(), Assertion{
		Type:  AssertTraceContains,
		Match: map[string]interface{}{"type": "request", "body": map[string]interface{}{"id": -1}},
	})
	assert.NoError(t, err)
}

func TestAssertTraceContains_NotFound(t *testing.T) {
	err := assertTraceContains(sampleTrace(), Assertion{
		Type:  AssertTraceContains,
		Match: map[string]interface{}{"type": "event", "action": "update-record"},
	})
	require.Error(t, err)

	assertErr, ok := err.(*AssertionError)
	require.True(t, ok)
	assert.Equal(t, AssertTraceContains, assertErr.Type)
	assert.Contains(t, assertErr.Expected, "update-record")
	assert.Equal(t, "not found in trace", assertErr.Actual)
	assert.Contains(t, assertErr.Error(), "[4] event add-record record=42 replaces=-1")
}

func TestAssertTraceOrder(t *testing.T) {
	ordered := Assertion{
		Type: AssertTraceOrder,
		Matches: []map[string]interface{}{
			{"type": "network"},
			{"type": "sync"},
			{"type": "event", "record": 42},
		},
	}
	assert.NoError(t, assertTraceOrder(sampleTrace(), ordered))

	reversed := Assertion{
		Type: AssertTraceOrder,
		Matches: []map[string]interface{}{
			{"type": "event"},
			{"type": "sync"},
		},
	}
	err := assertTraceOrder(sampleTrace(), reversed)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found in order")
}

func TestAssertTraceCount(t *testing.T) {
	assert.NoError(t, assertTraceCount(sampleTrace(), Assertion{
		Type:  AssertTraceCount,
		Match: map[string]interface{}{"type": "event"},
		Count: intPtr(1),
	}))

	err := assertTraceCount(sampleTrace(), Assertion{
		Type:  AssertTraceCount,
		Match: map[string]interface{}{"type": "request"},
		Count: intPtr(2),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 events")
}

func TestSubsetMatch(t *testing.T) {
	tests := []struct {
		name     string
		actual   string
		expected interface{}
		want     bool
	}{
		{"extra keys ignored", `{"a":1,"b":2}`, map[string]interface{}{"a": 1}, true},
		{"missing key", `{"a":1}`, map[string]interface{}{"c": 1}, false},
		{"nested object", `{"a":{"b":"x","c":true}}`, map[string]interface{}{"a": map[string]interface{}{"c": true}}, true},
		{"array element subset", `[{"id":1,"n":"x"}]`, []interface{}{map[string]interface{}{"id": 1}}, true},
		{"array length differs", `[1,2]`, []interface{}{1}, false},
		{"int equals float", `4`, 4.0, true},
		{"string vs number", `"4"`, 4, false},
		{"nil matches anything", `{"a":1}`, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			actual, err := decodeJSON([]byte(tt.actual))
			require.NoError(t, err)
			expected, err := normalize(tt.expected)
			require.NoError(t, err)
			assert.Equal(t, tt.want, subsetMatch(actual, expected))
		})
	}
}

func TestCanonicalBody(t *testing.T) {
	assert.Equal(t, `{"a":1,"b":[true]}`, string(canonicalBody([]byte("{\"b\": [true],\n \"a\": 1}\n"))))
	assert.Equal(t, `"body{}"`, string(canonicalBody([]byte("body{}"))))
	assert.Equal(t, `1704067200000`, string(canonicalBody([]byte("1704067200000"))))
	assert.Nil(t, canonicalBody(nil))
}

func TestCheckExpect(t *testing.T) {
	ev := sampleTrace()[1]

	assert.Empty(t, checkExpect(ev, &ExpectClause{
		Status: 200,
		Source: "deferred",
		Body:   map[string]interface{}{"is_deferred": true},
	}))

	errs := checkExpect(ev, &ExpectClause{Status: 201, Source: "network"})
	assert.Len(t, errs, 2)
	assert.Contains(t, errs[0], "expected status 201, got 200")

	noError := false
	assert.Empty(t, checkExpect(TraceEvent{Type: EventInstall}, &ExpectClause{Error: &noError}))
	assert.Len(t, checkExpect(TraceEvent{Type: EventInstall, Error: installFailed}, &ExpectClause{Error: &noError}), 1)
}

func TestEvaluateAssertions_StateNeedsProxy(t *testing.T) {
	errs := EvaluateAssertions(NewResult(), []Assertion{
		{Type: AssertFinalState, Table: "reviews", Count: intPtr(0)},
		{Type: AssertUpstream, Request: "GET /"},
	}, nil)
	require.Len(t, errs, 2)
	assert.Contains(t, errs[0], "requires a running proxy")
	assert.Contains(t, errs[1], "requires the fake upstream")
}
