package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// LoopMetrics represents aggregated counters for past loop runs.
type LoopMetrics struct {
	Iterations      int64 `json:"iterations"`
	StoriesAccepted int64 `json:"stories_accepted"`
	TestRunsPassed  int64 `json:"test_runs_passed"`
	TestRunsFailed  int64 `json:"test_runs_failed"`
}

// QueryService queries loop metrics back out of a Prometheus server.
type QueryService struct {
	client   api.Client
	queryAPI v1.API
}

// NewQueryService creates a new metrics query service.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	return &QueryService{
		client:   client,
		queryAPI: v1.NewAPI(client),
	}, nil
}

func (q *QueryService) sumQuery(ctx context.Context, query string) (int64, error) {
	result, _, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return 0, fmt.Errorf("query %q failed: %w", query, err)
	}
	if vector, ok := result.(model.Vector); ok && len(vector) > 0 {
		return int64(vector[0].Value), nil
	}
	return 0, nil
}

// GetLoopMetrics retrieves aggregated iteration and acceptance counters.
func (q *QueryService) GetLoopMetrics(ctx context.Context) (*LoopMetrics, error) {
	metrics := &LoopMetrics{}
	var err error

	if metrics.Iterations, err = q.sumQuery(ctx, `sum(loop_iterations_total)`); err != nil {
		return nil, err
	}
	if metrics.StoriesAccepted, err = q.sumQuery(ctx, `sum(loop_stories_accepted_total)`); err != nil {
		return nil, err
	}
	if metrics.TestRunsPassed, err = q.sumQuery(ctx, `sum(loop_test_runs_total{status="pass"})`); err != nil {
		return nil, err
	}
	if metrics.TestRunsFailed, err = q.sumQuery(ctx, `sum(loop_test_runs_total{status="fail"})`); err != nil {
		return nil, err
	}
	return metrics, nil
}

// GetIterationsByOutcome returns iteration counts broken down by outcome
// label.
func (q *QueryService) GetIterationsByOutcome(ctx context.Context) (map[string]int64, error) {
	result, _, err := q.queryAPI.Query(ctx, `sum by (outcome) (loop_iterations_total)`, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query iterations by outcome: %w", err)
	}

	outcomes := make(map[string]int64)
	if vector, ok := result.(model.Vector); ok {
		for _, sample := range vector {
			if outcome, ok := sample.Metric["outcome"]; ok {
				outcomes[string(outcome)] = int64(sample.Value)
			}
		}
	}
	return outcomes, nil
}
