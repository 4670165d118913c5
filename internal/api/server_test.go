package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/public-register-crawler/internal/crawler"
	"github.com/JakeFAU/public-register-crawler/internal/jobs"
	"github.com/JakeFAU/public-register-crawler/internal/storage/postgres"
)

type fakeJobs struct {
	mu         sync.Mutex
	startErr   error
	active     string
	stopErr    error
	started    []jobs.Overrides
	stopped    []string
	jobs       map[string]jobs.Job
	records    map[string][]crawler.DetailRecord
	panicOnGet bool
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{
		jobs:    map[string]jobs.Job{},
		records: map[string][]crawler.DetailRecord{},
	}
}

func (f *fakeJobs) Start(_ context.Context, o jobs.Overrides) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	f.started = append(f.started, o)
	return "job-1", nil
}

func (f *fakeJobs) Stop(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopErr != nil {
		return f.stopErr
	}
	if _, ok := f.jobs[id]; !ok {
		return jobs.ErrNotFound
	}
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeJobs) Get(_ context.Context, id string) (jobs.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicOnGet {
		panic("store corrupted")
	}
	job, ok := f.jobs[id]
	if !ok {
		return jobs.Job{}, jobs.ErrNotFound
	}
	return job, nil
}

func (f *fakeJobs) Active() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active, f.active != ""
}

func (f *fakeJobs) Result(_ context.Context, id string) (jobs.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return jobs.Result{}, jobs.ErrNotFound
	}
	return jobs.Result{Job: job, Records: f.records[id]}, nil
}

func serve(t *testing.T, srv *Server, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthz(t *testing.T) {
	srv := NewServer(newFakeJobs(), Options{}, zap.NewNop())
	rec := serve(t, srv, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestMetricsEndpoint(t *testing.T) {
	srv := NewServer(newFakeJobs(), Options{}, nil)
	_ = serve(t, srv, http.MethodGet, "/healthz", "", nil)
	rec := serve(t, srv, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestStartCrawl(t *testing.T) {
	fake := newFakeJobs()
	srv := NewServer(fake, Options{}, nil)

	rec := serve(t, srv, http.MethodPost, "/v1/crawls", `{"filter_value":"Physician"}`, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "job-1", decode(t, rec)["job_id"])

	rec = serve(t, srv, http.MethodPost, "/v1/crawls", "", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Len(t, fake.started, 2)
	assert.Equal(t, "Physician", fake.started[0].FilterValue)
	assert.Empty(t, fake.started[1].FilterValue)
}

func TestStartCrawlErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		body string
		want int
	}{
		{name: "busy", err: jobs.ErrBusy, want: http.StatusConflict},
		{name: "closed", err: jobs.ErrClosed, want: http.StatusServiceUnavailable},
		{name: "internal", err: errors.New("store down"), want: http.StatusInternalServerError},
		{name: "bad json", body: "{", want: http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fake := newFakeJobs()
			fake.startErr = tc.err
			srv := NewServer(fake, Options{}, nil)
			rec := serve(t, srv, http.MethodPost, "/v1/crawls", tc.body, nil)
			assert.Equal(t, tc.want, rec.Code)
			assert.NotEmpty(t, decode(t, rec)["error"])
		})
	}
}

func TestStartCrawlBusyNamesActiveJob(t *testing.T) {
	fake := newFakeJobs()
	fake.startErr = jobs.ErrBusy
	fake.active = "job-7"
	srv := NewServer(fake, Options{}, nil)

	rec := serve(t, srv, http.MethodPost, "/v1/crawls", "", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "job-7", body["job_id"])
	assert.Equal(t, jobs.ErrBusy.Error(), body["error"])
}

func TestCrawlStatusAndResult(t *testing.T) {
	fake := newFakeJobs()
	fake.jobs["done"] = jobs.Job{ID: "done", Status: jobs.StatusSucceeded, Counters: jobs.Counters{Records: 1}}
	fake.records["done"] = []crawler.DetailRecord{{Identifier: "10234", Name: "Dr. Ada"}}
	fake.jobs["busy"] = jobs.Job{ID: "busy", Status: jobs.StatusRunning, Submitted: time.Unix(0, 0)}
	srv := NewServer(fake, Options{}, nil)

	rec := serve(t, srv, http.MethodGet, "/v1/crawls/done/status", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "succeeded", body["status"])
	assert.Equal(t, float64(1), body["counters"].(map[string]any)["records"])

	rec = serve(t, srv, http.MethodGet, "/v1/crawls/done/result", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var res jobs.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Len(t, res.Records, 1)
	assert.Equal(t, crawler.Identifier("10234"), res.Records[0].Identifier)

	rec = serve(t, srv, http.MethodGet, "/v1/crawls/busy/result", "", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "running", decode(t, rec)["status"])

	for _, path := range []string{"/v1/crawls/nope/status", "/v1/crawls/nope/result"} {
		rec = serve(t, srv, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}

func TestStopCrawl(t *testing.T) {
	fake := newFakeJobs()
	fake.jobs["job-1"] = jobs.Job{ID: "job-1", Status: jobs.StatusRunning}
	srv := NewServer(fake, Options{}, nil)

	rec := serve(t, srv, http.MethodPost, "/v1/crawls/job-1/stop", "", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"job-1"}, fake.stopped)

	rec = serve(t, srv, http.MethodPost, "/v1/crawls/other/stop", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	fake.stopErr = jobs.ErrNotRunning
	rec = serve(t, srv, http.MethodPost, "/v1/crawls/job-1/stop", "", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAPIKey(t *testing.T) {
	fake := newFakeJobs()
	srv := NewServer(fake, Options{APIKey: "secret"}, nil)

	rec := serve(t, srv, http.MethodPost, "/v1/crawls", "", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = serve(t, srv, http.MethodPost, "/v1/crawls", "", map[string]string{"X-API-Key": "secret"})
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = serve(t, srv, http.MethodPost, "/v1/crawls?api_key=secret", "", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = serve(t, srv, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRecoverMiddleware(t *testing.T) {
	fake := newFakeJobs()
	fake.panicOnGet = true
	srv := NewServer(fake, Options{}, nil)

	rec := serve(t, srv, http.MethodGet, "/v1/crawls/x/status", "", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRequestIDPropagates(t *testing.T) {
	srv := NewServer(newFakeJobs(), Options{}, nil)
	rec := serve(t, srv, http.MethodGet, "/healthz", "", map[string]string{"X-Request-ID": "req-42"})
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}

type mockRecords struct {
	mock.Mock
}

func (m *mockRecords) Search(ctx context.Context, query string, page, perPage int) (postgres.SearchResult, error) {
	args := m.Called(ctx, query, page, perPage)
	return args.Get(0).(postgres.SearchResult), args.Error(1)
}

func TestSearchRecords(t *testing.T) {
	records := &mockRecords{}
	fetched := time.Unix(1700000000, 0).UTC()
	records.On("Search", mock.Anything, "ada", 2, 5).Return(postgres.SearchResult{
		Count:    7,
		NumPages: 2,
		Page:     2,
		Records: []crawler.DetailRecord{
			{Identifier: "10234", Name: "Dr. Ada Example", RegistrationNumber: "R-5501", FetchedAt: fetched},
			{Identifier: "10240", Error: "timeout", FetchedAt: fetched},
		},
	}, nil).Once()
	srv := NewServer(newFakeJobs(), Options{Records: records}, nil)

	rec := serve(t, srv, http.MethodGet, "/v1/records?query=ada&page=2&per_page=5", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body struct {
		Count    int                    `json:"count"`
		NumPages int                    `json:"num_pages"`
		Page     int                    `json:"page"`
		Results  []crawler.DetailRecord `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 7, body.Count)
	assert.Equal(t, 2, body.NumPages)
	assert.Equal(t, 2, body.Page)
	require.Len(t, body.Results, 2)
	assert.Equal(t, crawler.Identifier("10234"), body.Results[0].Identifier)
	assert.Equal(t, "R-5501", body.Results[0].RegistrationNumber)
	assert.True(t, body.Results[1].Failed())
	records.AssertExpectations(t)
}

func TestSearchRecordsDefaults(t *testing.T) {
	records := &mockRecords{}
	records.On("Search", mock.Anything, "", 1, postgres.DefaultPerPage).
		Return(postgres.SearchResult{Count: 0, NumPages: 1, Page: 1, Records: []crawler.DetailRecord{}}, nil).Once()
	srv := NewServer(newFakeJobs(), Options{Records: records}, nil)

	rec := serve(t, srv, http.MethodGet, "/v1/records", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, float64(0), body["count"])
	assert.Equal(t, float64(1), body["num_pages"])
	assert.Equal(t, []any{}, body["results"])
	records.AssertExpectations(t)
}

func TestSearchRecordsErrors(t *testing.T) {
	rec := serve(t, NewServer(newFakeJobs(), Options{}, nil), http.MethodGet, "/v1/records?query=x", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	records := &mockRecords{}
	records.On("Search", mock.Anything, "x", 1, 10).
		Return(postgres.SearchResult{}, errors.New("connection refused")).Once()
	srv := NewServer(newFakeJobs(), Options{Records: records, APIKey: "secret"}, nil)

	rec = serve(t, srv, http.MethodGet, "/v1/records?query=x", "", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	key := map[string]string{"X-API-Key": "secret"}
	for _, target := range []string{"/v1/records?page=zero", "/v1/records?page=0", "/v1/records?per_page=-3"} {
		rec = serve(t, srv, http.MethodGet, target, "", key)
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}

	rec = serve(t, srv, http.MethodGet, "/v1/records?query=x", "", key)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "failed to search records", decode(t, rec)["error"])
	records.AssertExpectations(t)
}
