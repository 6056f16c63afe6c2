package query

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/handbuilt/gabridge/errors"
	"github.com/handbuilt/gabridge/logging"
	"github.com/handbuilt/gabridge/transport"
	reporting "google.golang.org/api/analyticsreporting/v4"
	"google.golang.org/api/googleapi"
)

// Option configures an Executor.
type Option func(*Executor)

// WithTransport overrides the HTTP transport.
func WithTransport(t transport.Transport) Option {
	return func(e *Executor) {
		e.transport = t
	}
}

// WithURLs overrides the reporting and realtime endpoints.
func WithURLs(reportingURL, realtimeURL string) Option {
	return func(e *Executor) {
		e.reportingURL = reportingURL
		e.realtimeURL = realtimeURL
	}
}

// WithClock overrides the time source used for default date ranges.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		e.now = now
	}
}

// WithTimeouts overrides the interactive and background timeouts.
func WithTimeouts(interactive, background time.Duration) Option {
	return func(e *Executor) {
		e.interactiveTimeout = interactive
		e.backgroundTimeout = background
	}
}

// Executor issues authenticated Analytics requests.
type Executor struct {
	tokens             TokenProvider
	profileID          func(ctx context.Context) string
	transport          transport.Transport
	reportingURL       string
	realtimeURL        string
	now                func() time.Time
	interactiveTimeout time.Duration
	backgroundTimeout  time.Duration
}

// NewExecutor returns an executor that fills unset view ids from profileID.
func NewExecutor(tokens TokenProvider, profileID func(ctx context.Context) string, opts ...Option) *Executor {
	e := &Executor{
		tokens:             tokens,
		profileID:          profileID,
		transport:          transport.New(),
		reportingURL:       ReportingURL,
		realtimeURL:        RealtimeURL,
		now:                time.Now,
		interactiveTimeout: InteractiveTimeout,
		backgroundTimeout:  BackgroundTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Executor) profile(ctx context.Context) string {
	if e.profileID == nil {
		return ""
	}
	return e.profileID(ctx)
}

// MetricByPath returns the value of one metric for each page path.
func (e *Executor) MetricByPath(ctx context.Context, metric string, opts Options) (map[string]string, error) {
	if metric == "" {
		return nil, errors.Mark(ErrNoMetrics, 0)
	}
	res, _, err := e.metricsByPath(ctx, []string{metric}, opts)
	if err != nil {
		return nil, err
	}
	return scalars(res), nil
}

// MetricsByPath returns, for each page path, the values of the requested
// metrics in the order requested.
func (e *Executor) MetricsByPath(ctx context.Context, metrics []string, opts Options) (map[string][]string, error) {
	if len(metrics) == 0 {
		return nil, errors.Mark(ErrNoMetrics, 0)
	}
	res, _, err := e.metricsByPath(ctx, metrics, opts)
	return res, err
}

func (e *Executor) metricsByPath(ctx context.Context, metrics []string, opts Options) (map[string][]string, bool, error) {
	req := PathReportRequest(metrics, opts.resolve(e.now()))
	resp, connected, err := e.reports(ctx, req)
	if err != nil {
		return nil, connected, err
	}
	return RowsByDimension(resp), connected, nil
}

// QueryReportingAPI posts req to the reporting endpoint. Unset view ids are
// filled from configuration. When no token or profile is available the
// result is empty and the error nil.
func (e *Executor) QueryReportingAPI(ctx context.Context, req *reporting.GetReportsRequest) (*reporting.GetReportsResponse, error) {
	resp, _, err := e.reports(ctx, req)
	return resp, err
}

// reports also reports whether a token and profile were available.
func (e *Executor) reports(ctx context.Context, req *reporting.GetReportsRequest) (*reporting.GetReportsResponse, bool, error) {
	if req == nil || len(req.ReportRequests) == 0 {
		return nil, false, errors.Mark(ErrMissingReportRequest, 0)
	}

	// Copy so the caller's request, and its cache fingerprint, stay unchanged.
	profile := e.profile(ctx)
	filled := *req
	filled.ReportRequests = make([]*reporting.ReportRequest, 0, len(req.ReportRequests))
	for _, r := range req.ReportRequests {
		if r == nil {
			continue
		}
		cp := *r
		if cp.ViewId == "" {
			cp.ViewId = profile
		}
		filled.ReportRequests = append(filled.ReportRequests, &cp)
	}
	if len(filled.ReportRequests) == 0 {
		return nil, false, errors.Mark(ErrMissingReportRequest, 0)
	}
	req = &filled
	for _, r := range req.ReportRequests {
		if r.ViewId == "" {
			logging.Debug(ctx, "query: no analytics profile configured")
			return &reporting.GetReportsResponse{}, false, nil
		}
	}

	token, ok := e.token(ctx)
	if !ok {
		return &reporting.GetReportsResponse{}, false, nil
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, true, errors.WithCode(err, ErrQueryFailed.Code())
	}
	header := authHeader(token)
	header.Set("Content-Type", "application/json; charset=UTF-8")

	timeout := e.interactiveTimeout
	if IsBackground(ctx) {
		timeout = e.backgroundTimeout
	}
	resp, err := e.transport.Post(ctx, e.reportingURL, header, body, timeout)
	if err != nil {
		return nil, true, err
	}

	var out reporting.GetReportsResponse
	if err := decode(resp, &out); err != nil {
		return nil, true, err
	}
	logging.Debugw(ctx, "query: reports fetched", "reports", len(out.Reports), "timeout", timeout)
	return &out, true, nil
}

// QueryRealtimeAPI runs a realtime query. The configured profile is sent as
// the ids parameter. When no token or profile is available the result is
// empty and the error nil.
func (e *Executor) QueryRealtimeAPI(ctx context.Context, args map[string]string) (map[string]any, error) {
	res, _, err := e.realtime(ctx, args)
	return res, err
}

func (e *Executor) realtime(ctx context.Context, args map[string]string) (map[string]any, bool, error) {
	if len(args) == 0 {
		return nil, false, errors.Mark(ErrMissingRequestArgs, 0)
	}
	profile := e.profile(ctx)
	if profile == "" {
		logging.Debug(ctx, "query: no analytics profile configured")
		return map[string]any{}, false, nil
	}
	token, ok := e.token(ctx)
	if !ok {
		return map[string]any{}, false, nil
	}

	params := url.Values{}
	for k, v := range args {
		params.Set(k, v)
	}
	params.Set("ids", "ga:"+profile)

	resp, err := e.transport.Get(ctx, e.realtimeURL+"?"+params.Encode(), authHeader(token), e.interactiveTimeout)
	if err != nil {
		return nil, true, err
	}
	out := map[string]any{}
	if err := decode(resp, &out); err != nil {
		return nil, true, err
	}
	return out, true, nil
}

func (e *Executor) token(ctx context.Context) (string, bool) {
	cred, err := e.tokens.CurrentToken(ctx)
	if err != nil || !cred.Connected() {
		logging.Debugw(ctx, "query: no token available", "error", err)
		return "", false
	}
	return cred.AccessToken, true
}

func authHeader(token string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	return h
}

func decode(resp *transport.Response, v any) error {
	if !resp.OK() {
		gerr := &googleapi.Error{Code: resp.Status, Body: string(resp.Body), Header: resp.Header}
		var wrapper struct {
			Error *googleapi.Error `json:"error"`
		}
		if json.Unmarshal(resp.Body, &wrapper) == nil && wrapper.Error != nil {
			gerr.Message = wrapper.Error.Message
		}
		return failure(gerr)
	}
	if err := json.Unmarshal(resp.Body, v); err != nil {
		return failure(err)
	}
	return nil
}

func failure(cause error) error {
	return errors.WithCode(fmt.Errorf("%w: %w", ErrQueryFailed, cause), ErrQueryFailed.Code()).
		WithPublicMessage(ErrQueryFailed.PublicMessage())
}

// PathReportRequest builds a request for metrics by page path, ordered
// descending by each metric. opts must already be resolved.
func PathReportRequest(metrics []string, opts Options) *reporting.GetReportsRequest {
	rr := &reporting.ReportRequest{
		DateRanges: []*reporting.DateRange{{
			StartDate: opts.DateRange.StartDate,
			EndDate:   opts.DateRange.EndDate,
		}},
		Dimensions: []*reporting.Dimension{{Name: PagePathDimension}},
		PageSize:   int64(opts.Total),
	}
	for _, m := range metrics {
		rr.Metrics = append(rr.Metrics, &reporting.Metric{Expression: m})
		rr.OrderBys = append(rr.OrderBys, &reporting.OrderBy{FieldName: m, SortOrder: "DESCENDING"})
	}
	return &reporting.GetReportsRequest{ReportRequests: []*reporting.ReportRequest{rr}}
}

// RowsByDimension maps the first dimension of each row of the first report
// to the row's values for the first date range.
func RowsByDimension(resp *reporting.GetReportsResponse) map[string][]string {
	out := map[string][]string{}
	if resp == nil || len(resp.Reports) == 0 || resp.Reports[0] == nil || resp.Reports[0].Data == nil {
		return out
	}
	for _, row := range resp.Reports[0].Data.Rows {
		if row == nil || len(row.Dimensions) == 0 {
			continue
		}
		var values []string
		if len(row.Metrics) > 0 && row.Metrics[0] != nil {
			values = row.Metrics[0].Values
		}
		out[row.Dimensions[0]] = values
	}
	return out
}

func scalars(rows map[string][]string) map[string]string {
	out := make(map[string]string, len(rows))
	for k, v := range rows {
		if len(v) > 0 {
			out[k] = v[0]
		} else {
			out[k] = ""
		}
	}
	return out
}
