package query

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/handbuilt/gabridge/auth"
	"github.com/handbuilt/gabridge/cache"
	"github.com/handbuilt/gabridge/cache/memcache"
	"github.com/handbuilt/gabridge/credential"
	"github.com/handbuilt/gabridge/errors"
	"github.com/handbuilt/gabridge/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	reporting "google.golang.org/api/analyticsreporting/v4"
)

var testNow = time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)

type staticTokens struct {
	cred *credential.Credential
	err  error
}

func (s staticTokens) CurrentToken(context.Context) (*credential.Credential, error) {
	return s.cred, s.err
}

var connected = staticTokens{cred: &credential.Credential{AccessToken: "at"}}

type request struct {
	Method  string
	URL     string
	Header  http.Header
	Body    []byte
	Timeout time.Duration
}

type fakeTransport struct {
	mu       sync.Mutex
	requests []request
	status   int
	body     string
	err      error
}

func (f *fakeTransport) record(r request) (*transport.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, r)
	if f.err != nil {
		return nil, f.err
	}
	return &transport.Response{Status: f.status, Body: []byte(f.body)}, nil
}

func (f *fakeTransport) Post(_ context.Context, u string, h http.Header, body []byte, timeout time.Duration) (*transport.Response, error) {
	return f.record(request{Method: http.MethodPost, URL: u, Header: h, Body: body, Timeout: timeout})
}

func (f *fakeTransport) Get(_ context.Context, u string, h http.Header, timeout time.Duration) (*transport.Response, error) {
	return f.record(request{Method: http.MethodGet, URL: u, Header: h, Timeout: timeout})
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

const twoRows = `{"reports":[{"data":{"rows":[
	{"dimensions":["/a"],"metrics":[{"values":["5","50"]}]},
	{"dimensions":["/b"],"metrics":[{"values":["3","30"]}]}
]}}]}`

func newExecutor(tokens TokenProvider, profile string, ft *fakeTransport) *Executor {
	return NewExecutor(tokens, func(context.Context) string { return profile },
		WithTransport(ft),
		WithClock(func() time.Time { return testNow }))
}

func TestMetricByPath(t *testing.T) {
	ft := &fakeTransport{status: 200, body: twoRows}
	e := newExecutor(connected, "12345", ft)

	got, err := e.MetricByPath(t.Context(), "ga:pageviews", Options{Total: 2})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"/a": "5", "/b": "3"}, got)

	require.Len(t, ft.requests, 1)
	r := ft.requests[0]
	assert.Equal(t, ReportingURL, r.URL)
	assert.Equal(t, "Bearer at", r.Header.Get("Authorization"))
	assert.Equal(t, "application/json; charset=UTF-8", r.Header.Get("Content-Type"))
	assert.Equal(t, InteractiveTimeout, r.Timeout)
	assert.JSONEq(t, `{"reportRequests":[{
		"viewId":"12345",
		"dateRanges":[{"startDate":"2024-03-08","endDate":"2024-03-15"}],
		"dimensions":[{"name":"ga:pagePath"}],
		"metrics":[{"expression":"ga:pageviews"}],
		"orderBys":[{"fieldName":"ga:pageviews","sortOrder":"DESCENDING"}],
		"pageSize":2
	}]}`, string(r.Body))
}

func TestMetricsByPath(t *testing.T) {
	ft := &fakeTransport{status: 200, body: twoRows}
	e := newExecutor(connected, "12345", ft)

	got, err := e.MetricsByPath(t.Context(), []string{"ga:pageviews", "ga:users"}, Options{
		DateRange: DateRange{StartDate: "2024-01-01"},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"/a": {"5", "50"}, "/b": {"3", "30"}}, got)

	var body map[string][]map[string]any
	require.NoError(t, json.Unmarshal(ft.requests[0].Body, &body))
	rr := body["reportRequests"][0]
	assert.Equal(t, float64(DefaultTotal), rr["pageSize"])
	assert.Equal(t, []any{map[string]any{"startDate": "2024-01-01", "endDate": "2024-03-15"}}, rr["dateRanges"])
	assert.Len(t, rr["orderBys"], 2)
}

func TestMetricsByPathRequiresMetrics(t *testing.T) {
	ft := &fakeTransport{}
	e := newExecutor(connected, "12345", ft)

	_, err := e.MetricsByPath(t.Context(), nil, Options{})
	assert.ErrorIs(t, err, ErrNoMetrics)
	_, err = e.MetricByPath(t.Context(), "", Options{})
	assert.ErrorIs(t, err, ErrNoMetrics)
	assert.Zero(t, ft.count())
}

func TestQueryReportingAPI(t *testing.T) {
	t.Run("missing report requests", func(t *testing.T) {
		ft := &fakeTransport{}
		e := newExecutor(connected, "12345", ft)

		_, err := e.QueryReportingAPI(t.Context(), &reporting.GetReportsRequest{})
		assert.ErrorIs(t, err, ErrMissingReportRequest)
		_, err = e.QueryReportingAPI(t.Context(), nil)
		assert.ErrorIs(t, err, ErrMissingReportRequest)
		assert.Zero(t, ft.count())
	})

	t.Run("explicit view id is kept", func(t *testing.T) {
		ft := &fakeTransport{status: 200, body: `{"reports":[]}`}
		e := newExecutor(connected, "12345", ft)

		req := &reporting.GetReportsRequest{ReportRequests: []*reporting.ReportRequest{
			{ViewId: "999"},
			{},
		}}
		_, err := e.QueryReportingAPI(t.Context(), req)
		require.NoError(t, err)
		assert.JSONEq(t, `{"reportRequests":[{"viewId":"999"},{"viewId":"12345"}]}`, string(ft.requests[0].Body))
		assert.Empty(t, req.ReportRequests[1].ViewId, "caller's request is not modified")
	})

	t.Run("not connected is an empty result", func(t *testing.T) {
		ft := &fakeTransport{}
		e := newExecutor(staticTokens{err: errors.Mark(auth.ErrUnavailable, 0)}, "12345", ft)

		resp, err := e.QueryReportingAPI(t.Context(), PathReportRequest([]string{"ga:users"}, Options{}.resolve(testNow)))
		require.NoError(t, err)
		assert.Empty(t, resp.Reports)
		assert.Zero(t, ft.count())
	})

	t.Run("missing profile is an empty result", func(t *testing.T) {
		ft := &fakeTransport{}
		e := newExecutor(connected, "", ft)

		got, err := e.MetricByPath(t.Context(), "ga:users", Options{})
		require.NoError(t, err)
		assert.Empty(t, got)
		assert.Zero(t, ft.count())
	})

	t.Run("background context uses long timeout", func(t *testing.T) {
		ft := &fakeTransport{status: 200, body: `{}`}
		e := newExecutor(connected, "12345", ft)

		_, err := e.MetricByPath(WithBackground(t.Context()), "ga:users", Options{})
		require.NoError(t, err)
		assert.Equal(t, BackgroundTimeout, ft.requests[0].Timeout)
	})

	t.Run("remote error", func(t *testing.T) {
		ft := &fakeTransport{status: 403, body: `{"error":{"code":403,"message":"User does not have sufficient permissions"}}`}
		e := newExecutor(connected, "12345", ft)

		_, err := e.MetricByPath(t.Context(), "ga:users", Options{})
		assert.ErrorIs(t, err, ErrQueryFailed)
		assert.Contains(t, err.Error(), "sufficient permissions")
		assert.NotContains(t, errors.PublicMessage(err), "permissions")
	})

	t.Run("transport error", func(t *testing.T) {
		ft := &fakeTransport{err: errors.Mark(transport.ErrTransport, 0)}
		e := newExecutor(connected, "12345", ft)

		_, err := e.MetricByPath(t.Context(), "ga:users", Options{})
		assert.ErrorIs(t, err, transport.ErrTransport)
	})
}

func TestQueryRealtimeAPI(t *testing.T) {
	t.Run("missing args", func(t *testing.T) {
		ft := &fakeTransport{}
		e := newExecutor(connected, "12345", ft)

		_, err := e.QueryRealtimeAPI(t.Context(), nil)
		assert.ErrorIs(t, err, ErrMissingRequestArgs)
		assert.Zero(t, ft.count())
	})

	t.Run("get with ids", func(t *testing.T) {
		ft := &fakeTransport{status: 200, body: `{"totalsForAllResults":{"rt:activeUsers":"7"}}`}
		e := newExecutor(connected, "12345", ft)

		got, err := e.QueryRealtimeAPI(WithBackground(t.Context()), map[string]string{"metrics": "rt:activeUsers"})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"rt:activeUsers": "7"}, got["totalsForAllResults"])

		r := ft.requests[0]
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, InteractiveTimeout, r.Timeout, "realtime always uses the short timeout")
		u, err := url.Parse(r.URL)
		require.NoError(t, err)
		assert.Equal(t, "ga:12345", u.Query().Get("ids"))
		assert.Equal(t, "rt:activeUsers", u.Query().Get("metrics"))
		assert.Equal(t, "Bearer at", r.Header.Get("Authorization"))
	})

	t.Run("not connected", func(t *testing.T) {
		ft := &fakeTransport{}
		e := newExecutor(staticTokens{}, "12345", ft)

		got, err := e.QueryRealtimeAPI(t.Context(), map[string]string{"metrics": "rt:activeUsers"})
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestRowsByDimension(t *testing.T) {
	assert.Empty(t, RowsByDimension(nil))
	assert.Empty(t, RowsByDimension(&reporting.GetReportsResponse{}))
	assert.Equal(t, map[string][]string{"/a": nil}, RowsByDimension(&reporting.GetReportsResponse{
		Reports: []*reporting.Report{{Data: &reporting.ReportData{Rows: []*reporting.ReportRow{
			{Dimensions: []string{"/a"}},
			{},
		}}}},
	}))
}

func newCached(ft *fakeTransport, tokens TokenProvider) *Cached {
	fb := cache.NewFailback(memcache.New(time.Minute), cache.DefaultPolicy())
	return NewCached(newExecutor(tokens, "12345", ft), fb)
}

func TestCachedMetricByPath(t *testing.T) {
	ctx := t.Context()
	ft := &fakeTransport{status: 200, body: twoRows}
	c := newCached(ft, connected)

	got, err := c.MetricByPath(ctx, "ga:pageviews", Options{})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"/a": "5", "/b": "3"}, got)

	got, err = c.MetricByPath(ctx, "ga:pageviews", Options{})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"/a": "5", "/b": "3"}, got)
	assert.Equal(t, 1, ft.count(), "second call is served from cache")

	multi, err := c.MetricsByPath(ctx, []string{"ga:pageviews", "ga:users"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"5", "50"}, multi["/a"])
	assert.Equal(t, 2, ft.count(), "different arguments miss the cache")
}

func TestCachedFailureIsEmpty(t *testing.T) {
	ft := &fakeTransport{status: 500, body: `oops`}
	c := newCached(ft, connected)

	got, err := c.MetricsByPath(t.Context(), []string{"ga:users"}, Options{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

// switchTokens starts disconnected until connect is called.
type switchTokens struct {
	mu   sync.Mutex
	cred *credential.Credential
}

func (s *switchTokens) CurrentToken(context.Context) (*credential.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cred, nil
}

func (s *switchTokens) connect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = &credential.Credential{AccessToken: "at"}
}

func TestCachedNotConnectedIsNotCached(t *testing.T) {
	ctx := t.Context()
	ft := &fakeTransport{status: 200, body: twoRows}
	tokens := &switchTokens{}
	fb := cache.NewFailback(memcache.New(time.Minute), cache.DefaultPolicy())
	c := NewCached(newExecutor(tokens, "12345", ft), fb)

	got, err := c.MetricByPath(ctx, "ga:pageviews", Options{})
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Zero(t, ft.count())

	tokens.connect()
	got, err = c.MetricByPath(ctx, "ga:pageviews", Options{})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"/a": "5", "/b": "3"}, got)
	assert.Equal(t, 1, ft.count(), "first query after connecting goes live")
}

func TestCachedNotConnectedReportsAndRealtime(t *testing.T) {
	ctx := t.Context()
	ft := &fakeTransport{status: 200, body: `{"totalsForAllResults":{"rt:activeUsers":"2"}}`}
	tokens := &switchTokens{}
	c := NewCached(newExecutor(tokens, "12345", ft), cache.NewFailback(memcache.New(time.Minute), cache.DefaultPolicy()))
	args := map[string]string{"metrics": "rt:activeUsers"}

	rt, err := c.Realtime(ctx, args)
	require.NoError(t, err)
	assert.Empty(t, rt)

	req := PathReportRequest([]string{"ga:pageviews"}, Options{}.resolve(testNow))
	resp, err := c.Reports(ctx, req)
	require.NoError(t, err)
	assert.Empty(t, resp.Reports)

	tokens.connect()
	rt, err = c.Realtime(ctx, args)
	require.NoError(t, err)
	assert.NotEmpty(t, rt)
	assert.Equal(t, 1, ft.count())
}

func TestRefreshMetricsByPath(t *testing.T) {
	ctx := t.Context()
	ft := &fakeTransport{status: 200, body: twoRows}
	c := newCached(ft, connected)
	metrics := []string{"ga:pageviews"}

	rows, err := c.RefreshMetricsByPath(ctx, metrics, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"5", "50"}, rows["/a"])
	_, err = c.RefreshMetricsByPath(ctx, metrics, Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, ft.count(), "every refresh goes live")

	// The refreshed entry is what read-through callers see.
	ft.mu.Lock()
	ft.body = `{"reports":[{"data":{"rows":[{"dimensions":["/c"],"metrics":[{"values":["9"]}]}]}}]}`
	ft.mu.Unlock()
	_, err = c.RefreshMetricsByPath(ctx, metrics, Options{})
	require.NoError(t, err)
	got, err := c.MetricByPath(ctx, "ga:pageviews", Options{})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"/c": "9"}, got)
	assert.Equal(t, 3, ft.count())

	// A failed refresh keeps serving the last good result.
	ft.mu.Lock()
	ft.status = 500
	ft.mu.Unlock()
	rows, err = c.RefreshMetricsByPath(ctx, metrics, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"9"}, rows["/c"])
	got, err = c.MetricByPath(ctx, "ga:pageviews", Options{})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"/c": "9"}, got)
	assert.Equal(t, 4, ft.count(), "primary entry survives a failed refresh")

	_, err = c.RefreshMetricsByPath(ctx, nil, Options{})
	assert.ErrorIs(t, err, ErrNoMetrics)
}

func TestCachedContractViolations(t *testing.T) {
	ctx := t.Context()
	c := newCached(&fakeTransport{}, connected)

	_, err := c.Reports(ctx, &reporting.GetReportsRequest{})
	assert.ErrorIs(t, err, ErrMissingReportRequest)
	_, err = c.Realtime(ctx, map[string]string{})
	assert.ErrorIs(t, err, ErrMissingRequestArgs)
	_, err = c.MetricByPath(ctx, "", Options{})
	assert.ErrorIs(t, err, ErrNoMetrics)
	_, err = c.MetricsByPath(ctx, nil, Options{})
	assert.ErrorIs(t, err, ErrNoMetrics)
}

func TestCachedReportsAndRealtime(t *testing.T) {
	ctx := t.Context()
	ft := &fakeTransport{status: 200, body: twoRows}
	c := newCached(ft, connected)

	req := PathReportRequest([]string{"ga:pageviews"}, Options{}.resolve(testNow))
	resp, err := c.Reports(ctx, req)
	require.NoError(t, err)
	require.Len(t, resp.Reports, 1)
	assert.Len(t, resp.Reports[0].Data.Rows, 2)

	ft.body = `{"totalsForAllResults":{"rt:activeUsers":"2"}}`
	rt, err := c.Realtime(ctx, map[string]string{"metrics": "rt:activeUsers"})
	require.NoError(t, err)
	assert.NotEmpty(t, rt)

	_, err = c.Realtime(ctx, map[string]string{"metrics": "rt:activeUsers"})
	require.NoError(t, err)
	assert.Equal(t, 2, ft.count())
}
