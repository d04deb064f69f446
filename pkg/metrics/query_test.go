package metrics

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newFakePrometheus serves canned instant-query vectors keyed off the
// PromQL expression.
func newFakePrometheus(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		query := r.Form.Get("query")

		w.Header().Set("Content-Type", "application/json")
		vector := func(samples string) {
			fmt.Fprintf(w, `{"status":"success","data":{"resultType":"vector","result":[%s]}}`, samples)
		}
		switch {
		case strings.Contains(query, "by (outcome)"):
			vector(`{"metric":{"outcome":"story_accepted"},"value":[1756100000,"3"]},` +
				`{"metric":{"outcome":"tests_failed"},"value":[1756100000,"2"]}`)
		case strings.Contains(query, `status="pass"`):
			vector(`{"metric":{},"value":[1756100000,"4"]}`)
		case strings.Contains(query, `status="fail"`):
			vector(`{"metric":{},"value":[1756100000,"2"]}`)
		case strings.Contains(query, "loop_stories_accepted_total"):
			vector(`{"metric":{},"value":[1756100000,"3"]}`)
		case strings.Contains(query, "loop_iterations_total"):
			vector(`{"metric":{},"value":[1756100000,"5"]}`)
		default:
			vector("")
		}
	}))
}

func TestGetLoopMetrics(t *testing.T) {
	srv := newFakePrometheus(t)
	defer srv.Close()

	svc, err := NewQueryService(srv.URL)
	require.NoError(t, err)

	m, err := svc.GetLoopMetrics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(5), m.Iterations)
	assert.Equal(t, int64(3), m.StoriesAccepted)
	assert.Equal(t, int64(4), m.TestRunsPassed)
	assert.Equal(t, int64(2), m.TestRunsFailed)
}

func TestGetIterationsByOutcome(t *testing.T) {
	srv := newFakePrometheus(t)
	defer srv.Close()

	svc, err := NewQueryService(srv.URL)
	require.NoError(t, err)

	outcomes, err := svc.GetIterationsByOutcome(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{
		"story_accepted": 3,
		"tests_failed":   2,
	}, outcomes)
}

func TestQueryServiceUnreachableServer(t *testing.T) {
	srv := newFakePrometheus(t)
	url := srv.URL
	srv.Close()

	svc, err := NewQueryService(url)
	require.NoError(t, err)

	_, err = svc.GetLoopMetrics(context.Background())
	require.Error(t, err)
	_, err = svc.GetIterationsByOutcome(context.Background())
	require.Error(t, err)
}
