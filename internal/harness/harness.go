package harness

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/roach88/offsync/internal/config"
	"github.com/roach88/offsync/internal/dispatch"
	"github.com/roach88/offsync/internal/model"
	"github.com/roach88/offsync/internal/notify"
	"github.com/roach88/offsync/internal/proxy"
	"github.com/roach88/offsync/internal/testutil"
)

// installFailed is recorded instead of the error text, which carries the
// fake upstream's random port.
const installFailed = "install failed"

// Harness runs one scenario against a fresh proxy and fake upstream.
type Harness struct {
	api    *testutil.FakeAPI
	svc    *proxy.Service
	events <-chan notify.Event
	result *Result
}

// Run executes a scenario and returns the result.
//
// Each scenario gets its own fake upstream, store file and in-memory
// asset cache; all of them are released when t ends.
//
// Execution flow:
//  1. Seed the fake upstream
//  2. Start a proxy pointed at it and subscribe to notifications
//  3. Execute flow steps with expect validation
//  4. Evaluate assertions against the trace and final state
func Run(t testing.TB, scenario *Scenario) (*Result, error) {
	t.Helper()
	ctx := context.Background()

	api := testutil.NewFakeAPI(t)
	if err := seed(api, scenario.Seed); err != nil {
		return nil, fmt.Errorf("failed to seed upstream: %w", err)
	}

	cfg := config.DefaultConfig()
	cfg.Upstream.API = api.URL
	cfg.Upstream.Site = api.URL
	cfg.Store.Path = filepath.Join(t.TempDir(), "offsync.db")
	cfg.Cache.Backend = config.BackendMemory
	if len(scenario.Manifest) > 0 {
		cfg.Cache.Manifest = scenario.Manifest
	}

	svc, err := proxy.New(ctx, cfg, proxy.WithLogger(slog.New(slog.DiscardHandler)))
	if err != nil {
		return nil, fmt.Errorf("failed to start proxy: %w", err)
	}
	t.Cleanup(func() { svc.Close() })

	events, unsubscribe := svc.Hub().Subscribe()
	t.Cleanup(unsubscribe)

	h := &Harness{api: api, svc: svc, events: events, result: NewResult()}
	for i, step := range scenario.Flow {
		if err := h.executeStep(ctx, i, step); err != nil {
			return nil, fmt.Errorf("flow[%d]: %w", i, err)
		}
	}

	actx := &AssertionContext{Ctx: ctx, Service: svc, API: api}
	for _, msg := range EvaluateAssertions(h.result, scenario.Assertions, actx) {
		h.result.AddError(msg)
	}
	return h.result, nil
}

func seed(api *testutil.FakeAPI, s Seed) error {
	for i, raw := range s.Restaurants {
		var r model.Restaurant
		if err := convert(raw, &r); err != nil {
			return fmt.Errorf("restaurants[%d]: %w", i, err)
		}
		api.AddRestaurants(r)
	}
	for i, raw := range s.Reviews {
		var r model.Review
		if err := convert(raw, &r); err != nil {
			return fmt.Errorf("reviews[%d]: %w", i, err)
		}
		api.AddReviews(r)
	}
	for p, body := range s.Assets {
		api.AddAsset(p, []byte(body))
	}
	if s.NextID != 0 {
		api.SetNextID(s.NextID)
	}
	return nil
}

// convert round-trips a decoded YAML value through JSON into dst.
func convert(v interface{}, dst interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

func (h *Harness) executeStep(ctx context.Context, index int, step FlowStep) error {
	var ev TraceEvent
	switch {
	case step.Network != "":
		status, err := parseNetwork(step.Network)
		if err != nil {
			return err
		}
		h.api.SetOffline(status < 0)
		h.api.FailWith(max(status, 0))
		ev = TraceEvent{Type: EventNetwork, Network: step.Network}

	case step.Request != nil:
		var err error
		if ev, err = h.request(step.Request); err != nil {
			return err
		}

	case step.Sync:
		ev = TraceEvent{Type: EventSync}
		report, err := h.svc.Reconciler().SyncOnce(ctx)
		if err != nil {
			ev.Error = err.Error()
		}
		ev.Confirmed, ev.Failed = report.Confirmed, report.Failed

	case step.Install:
		ev = TraceEvent{Type: EventInstall}
		if err := h.svc.Install(ctx); err != nil {
			ev.Error = installFailed
		}

	case step.Activate:
		ev = TraceEvent{Type: EventActivate}
		purged, err := h.svc.Activate(ctx)
		if err != nil {
			ev.Error = err.Error()
		}
		ev.Purged = purged
	}

	ev = h.result.add(ev)
	if step.Expect != nil {
		for _, msg := range checkExpect(ev, step.Expect) {
			h.result.AddError(fmt.Sprintf("flow[%d]: %s", index, msg))
		}
	}
	h.drainEvents()
	return nil
}

func (h *Harness) request(rs *RequestSpec) (TraceEvent, error) {
	var body []byte
	switch {
	case rs.Body != nil:
		var err error
		if body, err = json.Marshal(rs.Body); err != nil {
			return TraceEvent{}, fmt.Errorf("encode request body: %w", err)
		}
	case rs.RawBody != "":
		body = []byte(rs.RawBody)
	}

	method := strings.ToUpper(rs.Method)
	req := httptest.NewRequest(method, rs.Path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.svc.Handler().ServeHTTP(w, req)

	return TraceEvent{
		Type:   EventRequest,
		Method: method,
		Path:   rs.Path,
		Status: w.Code,
		Source: w.Header().Get(dispatch.SourceHeader),
		Body:   canonicalBody(w.Body.Bytes()),
	}, nil
}

// drainEvents appends every notification already delivered. Passes
// publish before SyncOnce returns, so nothing is in flight by now.
func (h *Harness) drainEvents() {
	for {
		select {
		case ev, ok := <-h.events:
			if !ok {
				return
			}
			h.result.add(TraceEvent{
				Type:     EventNotify,
				Action:   ev.Action,
				Record:   ev.RecordID(),
				Replaces: ev.Replaces,
			})
		default:
			return
		}
	}
}

// canonicalBody returns JSON bodies compacted with sorted keys and any
// other body as a JSON string.
func canonicalBody(data []byte) json.RawMessage {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if v, err := decodeJSON(data); err == nil {
		if out, err := json.Marshal(v); err == nil {
			return out
		}
	}
	out, _ := json.Marshal(string(data))
	return out
}

// decodeJSON decodes data keeping numbers as json.Number.
func decodeJSON(data []byte) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after JSON value")
	}
	return v, nil
}

// checkExpect returns one message per mismatch.
func checkExpect(ev TraceEvent, expect *ExpectClause) []string {
	var errs []string
	if expect.Status != 0 && ev.Status != expect.Status {
		errs = append(errs, fmt.Sprintf("expected status %d, got %d", expect.Status, ev.Status))
	}
	if expect.Source != "" && ev.Source != expect.Source {
		errs = append(errs, fmt.Sprintf("expected source %q, got %q", expect.Source, ev.Source))
	}
	if expect.Body != nil {
		want, err := normalize(expect.Body)
		if err != nil {
			errs = append(errs, fmt.Sprintf("expected body: %v", err))
		} else {
			got, err := decodeJSON(ev.Body)
			if err != nil || !subsetMatch(got, want) {
				errs = append(errs, fmt.Sprintf("expected body matching %s, got %s", mustJSON(want), ev.Body))
			}
		}
	}
	if expect.Confirmed != nil && ev.Confirmed != *expect.Confirmed {
		errs = append(errs, fmt.Sprintf("expected %d confirmed, got %d", *expect.Confirmed, ev.Confirmed))
	}
	if expect.Failed != nil && ev.Failed != *expect.Failed {
		errs = append(errs, fmt.Sprintf("expected %d failed, got %d", *expect.Failed, ev.Failed))
	}
	if expect.Error != nil && (ev.Error != "") != *expect.Error {
		errs = append(errs, fmt.Sprintf("expected error=%t, got %q", *expect.Error, ev.Error))
	}
	return errs
}

func mustJSON(v interface{}) string {
	out, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(out)
}

