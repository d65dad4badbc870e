package harness

import (
	"bytes"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Scenario defines an end-to-end proxy scenario.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Seed is the initial state of the fake upstream.
	Seed Seed `yaml:"seed,omitempty"`

	// Manifest replaces the app shell manifest used by install steps.
	Manifest []string `yaml:"manifest,omitempty"`

	// Flow contains the steps, run in order.
	Flow []FlowStep `yaml:"flow"`

	// Assertions validate the final trace and state.
	Assertions []Assertion `yaml:"assertions"`
}

// Seed is upstream state before the flow starts.
type Seed struct {
	Restaurants []map[string]interface{} `yaml:"restaurants,omitempty"`
	Reviews     []map[string]interface{} `yaml:"reviews,omitempty"`

	// Assets maps site paths to bodies.
	Assets map[string]string `yaml:"assets,omitempty"`

	// NextID is the id the fake server assigns to the next posted review.
	NextID int64 `yaml:"next_id,omitempty"`
}

// FlowStep is one step of the flow. Exactly one action field is set.
type FlowStep struct {
	// Network switches the fake upstream: "online", "offline", or an HTTP
	// status code every request fails with.
	Network string `yaml:"network,omitempty"`

	// Request is sent through the proxy.
	Request *RequestSpec `yaml:"request,omitempty"`

	// Sync runs one reconciliation pass.
	Sync bool `yaml:"sync,omitempty"`

	// Install pre-caches the manifest.
	Install bool `yaml:"install,omitempty"`

	// Activate purges stale caches.
	Activate bool `yaml:"activate,omitempty"`

	// Expect validates the step outcome. If nil, nothing is checked.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// RequestSpec is one proxied request.
type RequestSpec struct {
	Method string `yaml:"method"`
	Path   string `yaml:"path"` // request URI including query

	// Body is encoded as JSON. RawBody is sent as is. At most one is set.
	Body    interface{} `yaml:"body,omitempty"`
	RawBody string      `yaml:"raw_body,omitempty"`
}

// ExpectClause specifies an expected step outcome.
type ExpectClause struct {
	// Status and Source apply to requests.
	Status int    `yaml:"status,omitempty"`
	Source string `yaml:"source,omitempty"`

	// Body is a subset match against the JSON response body.
	Body interface{} `yaml:"body,omitempty"`

	// Confirmed and Failed apply to sync steps.
	Confirmed *int `yaml:"confirmed,omitempty"`
	Failed    *int `yaml:"failed,omitempty"`

	// Error applies to install and activate steps.
	Error *bool `yaml:"error,omitempty"`
}

// Assertion validates the trace or the final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Match is a subset of a trace event (trace_contains, trace_count).
	Match map[string]interface{} `yaml:"match,omitempty"`

	// Matches lists trace event subsets in order (trace_order).
	Matches []map[string]interface{} `yaml:"matches,omitempty"`

	// Table is one of restaurants, reviews, deferred_reviews,
	// deferred_favorites (final_state).
	Table string `yaml:"table,omitempty"`

	// Where selects rows by subset match (final_state).
	Where map[string]interface{} `yaml:"where,omitempty"`

	// Expect is a subset match on the single selected row (final_state).
	Expect map[string]interface{} `yaml:"expect,omitempty"`

	// Count is the expected number of matches (trace_count, final_state,
	// upstream).
	Count *int `yaml:"count,omitempty"`

	// Cache, URL and Present describe a cache entry (cached).
	Cache   string `yaml:"cache,omitempty"`
	URL     string `yaml:"url,omitempty"`
	Present *bool  `yaml:"present,omitempty"`

	// Request is "METHOD uri" as seen by the fake upstream (upstream).
	Request string `yaml:"request,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
	AssertCached        = "cached"
	AssertUpstream      = "upstream"
)

// Tables readable by final_state.
var stateTables = map[string]bool{
	"restaurants":        true,
	"reviews":            true,
	"deferred_reviews":   true,
	"deferred_favorites": true,
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Parse YAML with strict field validation (catches typos like "assertion:" vs "assertions:")
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, r := range s.Seed.Restaurants {
		if _, ok := r["id"]; !ok {
			return fmt.Errorf("seed.restaurants[%d]: id is required", i)
		}
	}
	for i, r := range s.Seed.Reviews {
		if _, ok := r["id"]; !ok {
			return fmt.Errorf("seed.reviews[%d]: id is required", i)
		}
	}

	for i, step := range s.Flow {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}
	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, step *FlowStep) error {
	actions := 0
	if step.Network != "" {
		actions++
		if _, err := parseNetwork(step.Network); err != nil {
			return fmt.Errorf("flow[%d]: %w", index, err)
		}
	}
	if step.Request != nil {
		actions++
		if step.Request.Method == "" {
			return fmt.Errorf("flow[%d].request: method is required", index)
		}
		if !strings.HasPrefix(step.Request.Path, "/") {
			return fmt.Errorf("flow[%d].request: path must start with /", index)
		}
		if step.Request.Body != nil && step.Request.RawBody != "" {
			return fmt.Errorf("flow[%d].request: body and raw_body are exclusive", index)
		}
	}
	for _, set := range []bool{step.Sync, step.Install, step.Activate} {
		if set {
			actions++
		}
	}
	if actions != 1 {
		return fmt.Errorf("flow[%d]: exactly one of network, request, sync, install, activate is required", index)
	}
	return nil
}

// parseNetwork returns the failure status for a network mode: -1 for
// offline, 0 for online.
func parseNetwork(mode string) (int, error) {
	switch mode {
	case "online":
		return 0, nil
	case "offline":
		return -1, nil
	}
	status, err := strconv.Atoi(mode)
	if err != nil || status < 100 || status > 599 || http.StatusText(status) == "" {
		return 0, fmt.Errorf("network must be online, offline or an HTTP status, got %q", mode)
	}
	return status, nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if len(a.Match) == 0 {
			return fmt.Errorf("assertions[%d]: match is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Matches) == 0 {
			return fmt.Errorf("assertions[%d]: matches list is required for trace_order", index)
		}
	case AssertTraceCount:
		if len(a.Match) == 0 {
			return fmt.Errorf("assertions[%d]: match is required for trace_count", index)
		}
		if a.Count == nil || *a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if !stateTables[a.Table] {
			return fmt.Errorf("assertions[%d]: unknown table %q for final_state", index, a.Table)
		}
		if a.Count == nil && len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect or count is required for final_state", index)
		}
	case AssertCached:
		if a.Cache == "" || a.URL == "" {
			return fmt.Errorf("assertions[%d]: cache and url are required for cached", index)
		}
	case AssertUpstream:
		if a.Request == "" {
			return fmt.Errorf("assertions[%d]: request is required for upstream", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
