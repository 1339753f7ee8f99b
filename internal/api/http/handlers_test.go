package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ratescope/ratescope/internal/cache"
	"github.com/ratescope/ratescope/internal/combine"
	"github.com/ratescope/ratescope/internal/engine"
	"github.com/ratescope/ratescope/internal/filter"
	"github.com/ratescope/ratescope/internal/metadata"
	"github.com/ratescope/ratescope/internal/navigator"
	"github.com/ratescope/ratescope/internal/service"
)

type fakeIndex struct {
	records []*metadata.PartitionRecord
}

func (f *fakeIndex) Find(ctx context.Context, fs filter.Set) ([]*metadata.PartitionRecord, error) {
	return append([]*metadata.PartitionRecord(nil), f.records...), nil
}

func (f *fakeIndex) ListDistinct(ctx context.Context, dim filter.Dimension) ([]string, error) {
	if dim == filter.DimPayer {
		return []string{"aetna"}, nil
	}
	return nil, nil
}

func (f *fakeIndex) PayerNames(ctx context.Context) (map[string]string, error) {
	return map[string]string{"aetna": "Aetna"}, nil
}

func (f *fakeIndex) TaxonomyNames(ctx context.Context) (map[string]string, error) {
	return map[string]string{}, nil
}

// failingFetcher simulates the object store being unreachable.
type failingFetcher struct{}

func (f *failingFetcher) FetchRows(ctx context.Context, record *metadata.PartitionRecord, limit int64) (*combine.RowBatch, error) {
	return nil, fmt.Errorf("storage offline")
}

type fakeFetcher struct{}

func (f *fakeFetcher) FetchRows(ctx context.Context, record *metadata.PartitionRecord, limit int64) (*combine.RowBatch, error) {
	b := &combine.RowBatch{Columns: []string{"code", "negotiated_rate"}}
	for i := 0; i < 3 && int64(i) < limit; i++ {
		b.Rows = append(b.Rows, []interface{}{fmt.Sprintf("9921%d", i), float64(100 * (i + 1))})
	}
	return b, nil
}

func newTestHandler(records []*metadata.PartitionRecord) *Handler {
	return newTestHandlerWithFetcher(records, &fakeFetcher{})
}

func newTestHandlerWithFetcher(records []*metadata.PartitionRecord, fetcher combine.Fetcher) *Handler {
	log := zerolog.Nop()
	idx := &fakeIndex{records: records}
	svc := service.New(
		navigator.New(idx, log),
		combine.New(fetcher, log),
		cache.New(time.Minute, log),
		idx,
		service.DefaultConfig(),
		log,
	)
	pool := engine.NewPool(engine.PoolConfig{}, log)
	return NewHandler(svc, pool, log)
}

func testMux(records []*metadata.PartitionRecord) *http.ServeMux {
	mux := http.NewServeMux()
	newTestHandler(records).Register(mux)
	return mux
}

func sampleRecords() []*metadata.PartitionRecord {
	return []*metadata.PartitionRecord{
		{Bucket: "rates", ObjectKey: "aetna/tx/professional/p1.parquet", Payer: "aetna", State: "tx", BillingClass: "professional"},
		{Bucket: "rates", ObjectKey: "aetna/tx/professional/p2.parquet", Payer: "aetna", State: "tx", BillingClass: "professional"},
	}
}

func postJSON(t *testing.T, mux *http.ServeMux, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func validRequest() DatasetRequest {
	return DatasetRequest{
		Filters: map[string][]string{
			"payer":         {"aetna"},
			"state":         {"tx"},
			"billing_class": {"professional"},
		},
	}
}

func TestHandleResolve(t *testing.T) {
	mux := testMux(sampleRecords())

	rec := postJSON(t, mux, "/v1/resolve", validRequest())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp ResolveResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Partitions, 2)
	assert.Equal(t, 2, resp.TotalMatches)
	assert.False(t, resp.Truncated)
	assert.NotEmpty(t, resp.RequestID)
}

func TestHandleResolve_NoMatchesIsOK(t *testing.T) {
	mux := testMux(nil)

	rec := postJSON(t, mux, "/v1/resolve", validRequest())
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ResolveResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Partitions)
	assert.NotNil(t, resp.Partitions, "partitions must serialize as [], not null")
}

func TestHandleResolve_MissingRequiredFilter(t *testing.T) {
	mux := testMux(sampleRecords())

	rec := postJSON(t, mux, "/v1/resolve", DatasetRequest{
		Filters: map[string][]string{"payer": {"aetna"}},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp.Error, "MISSING_REQUIRED_FILTER")
}

func TestHandleResolve_BadBody(t *testing.T) {
	mux := testMux(nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/resolve", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleResolve_MethodNotAllowed(t *testing.T) {
	mux := testMux(nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/resolve", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleAnalyze(t *testing.T) {
	mux := testMux(sampleRecords())

	rec := postJSON(t, mux, "/v1/analyze", validRequest())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp AnalyzeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Summary)
	assert.Equal(t, 6, resp.Summary.RowCount)
	assert.Equal(t, 2, resp.PartitionsLoaded)
}

func TestHandleSummary(t *testing.T) {
	mux := testMux(sampleRecords())

	rec := postJSON(t, mux, "/v1/summary", validRequest())
	require.Equal(t, http.StatusOK, rec.Code)

	var resp SummaryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.PartitionCount)
}

func TestHandleExport(t *testing.T) {
	mux := testMux(sampleRecords())

	rec := postJSON(t, mux, "/v1/export", validRequest())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))

	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	assert.Len(t, lines, 7, "header plus six rows")
}

func TestHandleExport_NoCandidates(t *testing.T) {
	mux := testMux(nil)

	rec := postJSON(t, mux, "/v1/export", validRequest())
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleExport_FetchFailureIsCleanJSONError(t *testing.T) {
	mux := http.NewServeMux()
	newTestHandlerWithFetcher(sampleRecords(), &failingFetcher{}).Register(mux)

	rec := postJSON(t, mux, "/v1/export", validRequest())
	require.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Empty(t, rec.Header().Get("Content-Disposition"))

	// The body must be a single JSON error, never CSV fragments with a
	// JSON object appended.
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp.Error, "ALL_FETCHES_FAILED")
}

func TestHandleOptions(t *testing.T) {
	mux := testMux(sampleRecords())

	req := httptest.NewRequest(http.MethodGet, "/v1/options", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp OptionsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	payers := resp.Options["payer"]
	require.Len(t, payers, 1)
	assert.Equal(t, "Aetna", payers[0].Label)
}

func TestHandleStatus(t *testing.T) {
	mux := testMux(nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleHealth(t *testing.T) {
	mux := testMux(nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDPropagation(t *testing.T) {
	mux := testMux(sampleRecords())

	raw, _ := json.Marshal(validRequest())
	req := httptest.NewRequest(http.MethodPost, "/v1/resolve", bytes.NewReader(raw))
	req.Header.Set("X-Request-ID", "req-abc123")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, "req-abc123", rec.Header().Get("X-Request-ID"))

	var resp ResolveResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "req-abc123", resp.RequestID)
}

func TestRequestLogging_CarriesCorrelationID(t *testing.T) {
	var logBuf bytes.Buffer
	log := zerolog.New(&logBuf)

	nop := zerolog.Nop()
	idx := &fakeIndex{records: sampleRecords()}
	svc := service.New(
		navigator.New(idx, nop),
		combine.New(&fakeFetcher{}, nop),
		cache.New(time.Minute, nop),
		idx,
		service.DefaultConfig(),
		nop,
	)
	pool := engine.NewPool(engine.PoolConfig{}, nop)
	mux := http.NewServeMux()
	NewHandler(svc, pool, log).Register(mux)

	raw, err := json.Marshal(validRequest())
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/resolve", bytes.NewReader(raw))
	req.Header.Set("X-Correlation-ID", "flow-42")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "flow-42", rec.Header().Get("X-Correlation-ID"))

	logged := logBuf.String()
	assert.Contains(t, logged, `"correlation_id":"flow-42"`)
	assert.Contains(t, logged, `"path":"/v1/resolve"`)
	assert.Contains(t, logged, `"status":200`)
}
