package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// LifecycleTotals are aggregated lifecycle counts read back from Prometheus.
type LifecycleTotals struct {
	Created   int64 `json:"created"`
	Started   int64 `json:"started"`
	Merged    int64 `json:"merged"`
	Pushed    int64 `json:"pushed"`
	Discarded int64 `json:"discarded"`
}

// QueryService reads aggregated metrics from a Prometheus server.
type QueryService struct {
	queryAPI v1.API
}

// NewQueryService creates a QueryService against the given Prometheus URL.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{Address: prometheusURL})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}
	return &QueryService{queryAPI: v1.NewAPI(client)}, nil
}

// GetLifecycleTotals aggregates the lifecycle counters across all instances.
func (q *QueryService) GetLifecycleTotals(ctx context.Context) (*LifecycleTotals, error) {
	totals := &LifecycleTotals{}

	queries := []struct {
		expr string
		dest *int64
	}{
		{`sum(looper_loops_created_total)`, &totals.Created},
		{`sum(looper_loops_started_total)`, &totals.Started},
		{`sum(looper_loops_finalized_total{action="merge"})`, &totals.Merged},
		{`sum(looper_loops_finalized_total{action="push"})`, &totals.Pushed},
		{`sum(looper_loops_discarded_total)`, &totals.Discarded},
	}

	for _, query := range queries {
		result, _, err := q.queryAPI.Query(ctx, query.expr, time.Now())
		if err != nil {
			return nil, fmt.Errorf("query %q failed: %w", query.expr, err)
		}
		if vector, ok := result.(model.Vector); ok && len(vector) > 0 {
			*query.dest = int64(vector[0].Value)
		}
	}
	return totals, nil
}
