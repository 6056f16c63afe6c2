package query

import (
	"context"

	"github.com/handbuilt/gabridge/cache"
	"github.com/handbuilt/gabridge/errors"
	reporting "google.golang.org/api/analyticsreporting/v4"
)

// notConnected keeps "no token yet" results out of both cache tiers, so the
// first query after connecting goes live.
func notConnected() error {
	return errors.Mark(cache.ErrSkipCache, 1).Append("not connected")
}

// Cached runs queries through the failback cache. Contract violations are
// returned immediately; any other failure yields the last known-good result,
// or an empty one.
type Cached struct {
	exec *Executor
	fb   *cache.Failback
}

// NewCached wraps exec with fb.
func NewCached(exec *Executor, fb *cache.Failback) *Cached {
	return &Cached{exec: exec, fb: fb}
}

// Executor returns the wrapped executor.
func (c *Cached) Executor() *Executor {
	return c.exec
}

type metricsArgs struct {
	Metrics []string `json:"metrics"`
	Options Options  `json:"options"`
}

// MetricByPath is Executor.MetricByPath with caching.
func (c *Cached) MetricByPath(ctx context.Context, metric string, opts Options) (map[string]string, error) {
	if metric == "" {
		return nil, errors.Mark(ErrNoMetrics, 0)
	}
	rows := c.metricsByPath(ctx, []string{metric}, opts, cache.Call[map[string][]string])
	return scalars(rows), nil
}

// MetricsByPath is Executor.MetricsByPath with caching.
func (c *Cached) MetricsByPath(ctx context.Context, metrics []string, opts Options) (map[string][]string, error) {
	if len(metrics) == 0 {
		return nil, errors.Mark(ErrNoMetrics, 0)
	}
	return c.metricsByPath(ctx, metrics, opts, cache.Call[map[string][]string]), nil
}

// RefreshMetricsByPath always queries live and, on success, replaces the
// cached result that MetricByPath and MetricsByPath serve. On failure the
// last known-good result is returned and the cache is left alone.
func (c *Cached) RefreshMetricsByPath(ctx context.Context, metrics []string, opts Options) (map[string][]string, error) {
	if len(metrics) == 0 {
		return nil, errors.Mark(ErrNoMetrics, 0)
	}
	return c.metricsByPath(ctx, metrics, opts, cache.Refresh[map[string][]string]), nil
}

type rowsRunner func(context.Context, *cache.Failback, string, any, func(context.Context) (map[string][]string, error)) cache.Result[map[string][]string]

// metricsByPath backs both metric helpers, so they share cache entries.
func (c *Cached) metricsByPath(ctx context.Context, metrics []string, opts Options, run rowsRunner) map[string][]string {
	opts = opts.resolve(c.exec.now())
	args := metricsArgs{Metrics: metrics, Options: opts}
	res := run(ctx, c.fb, "metrics_by_path", args, func(ctx context.Context) (map[string][]string, error) {
		rows, connected, err := c.exec.metricsByPath(ctx, metrics, opts)
		if err != nil {
			return nil, err
		}
		if !connected {
			return nil, notConnected()
		}
		return rows, nil
	})
	if !res.Found || res.Value == nil {
		return map[string][]string{}
	}
	return res.Value
}

// Reports is Executor.QueryReportingAPI with caching.
func (c *Cached) Reports(ctx context.Context, req *reporting.GetReportsRequest) (*reporting.GetReportsResponse, error) {
	if req == nil || len(req.ReportRequests) == 0 {
		return nil, errors.Mark(ErrMissingReportRequest, 0)
	}
	res := cache.Call(ctx, c.fb, "reports", req, func(ctx context.Context) (*reporting.GetReportsResponse, error) {
		resp, connected, err := c.exec.reports(ctx, req)
		if err != nil {
			return nil, err
		}
		if !connected {
			return nil, notConnected()
		}
		return resp, nil
	})
	if !res.Found || res.Value == nil {
		return &reporting.GetReportsResponse{}, nil
	}
	return res.Value, nil
}

// Realtime is Executor.QueryRealtimeAPI with caching.
func (c *Cached) Realtime(ctx context.Context, args map[string]string) (map[string]any, error) {
	if len(args) == 0 {
		return nil, errors.Mark(ErrMissingRequestArgs, 0)
	}
	res := cache.Call(ctx, c.fb, "realtime", args, func(ctx context.Context) (map[string]any, error) {
		out, connected, err := c.exec.realtime(ctx, args)
		if err != nil {
			return nil, err
		}
		if !connected {
			return nil, notConnected()
		}
		return out, nil
	})
	if !res.Found || res.Value == nil {
		return map[string]any{}, nil
	}
	return res.Value, nil
}
