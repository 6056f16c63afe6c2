// Package query runs Google Analytics reporting and realtime queries with the
// stored credential, and reshapes report rows into path keyed maps.
//
// The plain Executor reports remote failures as errors. Cached wraps it with
// the failback cache so that callers get last known-good data instead.
package query

import (
	"context"
	"time"

	"github.com/handbuilt/gabridge/credential"
	"github.com/handbuilt/gabridge/errors"
	"google.golang.org/grpc/codes"
)

const (
	ReportingURL = "https://analyticsreporting.googleapis.com/v4/reports:batchGet"
	RealtimeURL  = "https://www.googleapis.com/analytics/v3/data/realtime"

	// PagePathDimension keys the rows returned by MetricByPath.
	PagePathDimension = "ga:pagePath"

	DefaultTotal = 25

	InteractiveTimeout = 3 * time.Second
	BackgroundTimeout  = 30 * time.Second
)

var (
	// ErrMissingReportRequest is returned when a reporting query has no
	// report requests. No network call is made.
	ErrMissingReportRequest = errors.NewC("query: request is missing report requests", codes.InvalidArgument)

	// ErrMissingRequestArgs is returned when a realtime query has no
	// arguments. No network call is made.
	ErrMissingRequestArgs = errors.NewC("query: realtime request is missing arguments", codes.InvalidArgument)

	// ErrNoMetrics is returned when a metrics query names no metric.
	ErrNoMetrics = errors.NewC("query: no metrics requested", codes.InvalidArgument)

	// ErrQueryFailed wraps non-200 responses and undecodable bodies.
	ErrQueryFailed = errors.NewC("query: analytics request failed", codes.Unavailable).
		WithPublicMessage("Google Analytics did not return data.")
)

// TokenProvider yields a currently valid credential.
type TokenProvider interface {
	CurrentToken(ctx context.Context) (*credential.Credential, error)
}

type backgroundKey struct{}

// WithBackground marks ctx as a scheduled or batch context. Reporting
// queries then get the long timeout, since the API is slow under batch load.
func WithBackground(ctx context.Context) context.Context {
	return context.WithValue(ctx, backgroundKey{}, true)
}

// IsBackground reports whether ctx was marked with WithBackground.
func IsBackground(ctx context.Context) bool {
	v, _ := ctx.Value(backgroundKey{}).(bool)
	return v
}

// DateRange bounds a report, as Y-m-d dates. Empty fields take the default
// of seven days ago through today.
type DateRange struct {
	StartDate string `json:"startDate,omitempty"`
	EndDate   string `json:"endDate,omitempty"`
}

// Options tune the metrics helpers.
type Options struct {
	DateRange DateRange `json:"dateRange"`

	// Maximum number of rows, defaults to 25.
	Total int `json:"total"`
}

func (o Options) resolve(now time.Time) Options {
	if o.DateRange.StartDate == "" {
		o.DateRange.StartDate = now.AddDate(0, 0, -7).Format(time.DateOnly)
	}
	if o.DateRange.EndDate == "" {
		o.DateRange.EndDate = now.Format(time.DateOnly)
	}
	if o.Total <= 0 {
		o.Total = DefaultTotal
	}
	return o
}
