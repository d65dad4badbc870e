package harness

import (
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestScenarios_Golden(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		scenario, err := LoadScenario(path)
		require.NoError(t, err, path)

		t.Run(scenario.Name, func(t *testing.T) {
			require.NoError(t, RunWithGolden(t, scenario))
		})
	}
}

func TestRun_ReportsFailedExpect(t *testing.T) {
	scenario := &Scenario{
		Name:        "wrong_expect",
		Description: "A toggle for an unknown restaurant is not queued",
		Seed: Seed{Restaurants: []map[string]interface{}{
			{"id": 1, "name": "Mission Chinese"},
		}},
		Flow: []FlowStep{
			{Network: "offline"},
			{
				Request: &RequestSpec{Method: "PUT", Path: "/restaurants/1/?is_favorite=true"},
				Expect:  &ExpectClause{Source: "network"},
			},
		},
		Assertions: []Assertion{
			{Type: AssertFinalState, Table: "deferred_favorites", Count: intPtr(1)},
		},
	}

	result, err := Run(t, scenario)
	require.NoError(t, err)

	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0], `flow[1]: expected source "network", got "store"`)
	assert.Contains(t, result.Errors[1], "0 rows", "restaurant 1 was never mirrored, so the toggle was not queued")
}

func TestRun_OfflineWithoutMirrorIsCacheMiss(t *testing.T) {
	scenario := &Scenario{
		Name:        "cold_start_offline",
		Description: "Nothing mirrored yet, so offline reads come back empty",
		Flow: []FlowStep{
			{Network: "offline"},
			{
				Request: &RequestSpec{Method: "GET", Path: "/restaurants"},
				Expect:  &ExpectClause{Status: 200, Source: "store", Body: []interface{}{}},
			},
			{
				Request: &RequestSpec{Method: "GET", Path: "/img/9.jpg"},
				Expect:  &ExpectClause{Status: 504, Source: "cache"},
			},
		},
		Assertions: []Assertion{
			{Type: AssertCached, Cache: "images-cache", URL: "/img/9.jpg", Present: new(bool)},
		},
	}

	result, err := Run(t, scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Len(t, result.Trace, 3)
}
