package http

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/ratescope/ratescope/internal/cache"
	"github.com/ratescope/ratescope/internal/engine"
	rserrors "github.com/ratescope/ratescope/internal/errors"
	"github.com/ratescope/ratescope/internal/filter"
	"github.com/ratescope/ratescope/internal/service"
)

// Handler serves the Ratescope HTTP API.
type Handler struct {
	svc  *service.Service
	pool *engine.Pool
	log  zerolog.Logger
}

// NewHandler creates the API handler.
func NewHandler(svc *service.Service, pool *engine.Pool, log zerolog.Logger) *Handler {
	return &Handler{svc: svc, pool: pool, log: log}
}

// Register mounts all routes on the mux, wrapped in the default
// middleware chain.
func (h *Handler) Register(mux *http.ServeMux) {
	mw := DefaultMiddleware(h.log)
	mux.Handle("/v1/options", mw(http.HandlerFunc(h.handleOptions)))
	mux.Handle("/v1/resolve", mw(http.HandlerFunc(h.handleResolve)))
	mux.Handle("/v1/summary", mw(http.HandlerFunc(h.handleSummary)))
	mux.Handle("/v1/analyze", mw(http.HandlerFunc(h.handleAnalyze)))
	mux.Handle("/v1/export", mw(http.HandlerFunc(h.handleExport)))
	mux.Handle("/v1/status", mw(http.HandlerFunc(h.handleStatus)))
	mux.Handle("/health", http.HandlerFunc(h.handleHealth))
}

// DatasetRequest is the shared request shape for resolution, analysis,
// and export: a filter map plus optional budgets.
type DatasetRequest struct {
	Filters       map[string][]string `json:"filters"`
	MaxRows       int64               `json:"max_rows,omitempty"`
	MaxPartitions int                 `json:"max_partitions,omitempty"`
}

// ResolveResponse describes a resolved candidate set.
type ResolveResponse struct {
	Partitions    []string            `json:"partitions"`
	TotalMatches  int                 `json:"total_matches"`
	Truncated     bool                `json:"truncated"`
	MaxPartitions int                 `json:"max_partitions"`
	Filters       map[string][]string `json:"filters"`
	RequestID     string              `json:"request_id"`
}

func (h *Handler) handleResolve(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	req, ok := decodeDatasetRequest(w, r, requestID)
	if !ok {
		return
	}

	cs, err := h.svc.Resolve(r.Context(), filter.FromMap(req.Filters), req.MaxPartitions)
	if err != nil {
		writeServiceError(w, err, requestID)
		return
	}

	filters := make(map[string][]string, len(cs.Filters))
	for dim, vals := range cs.Filters {
		filters[string(dim)] = vals
	}
	resp := ResolveResponse{
		Partitions:    cs.Addresses(),
		TotalMatches:  cs.TotalMatches,
		Truncated:     cs.Truncated,
		MaxPartitions: cs.MaxPartitions,
		Filters:       filters,
		RequestID:     requestID,
	}
	if resp.Partitions == nil {
		resp.Partitions = []string{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// SummaryResponse describes the full match set for a filter set.
type SummaryResponse struct {
	PartitionCount     int                 `json:"partition_count"`
	TotalBytes         int64               `json:"total_bytes"`
	TotalEstimatedRows int64               `json:"total_estimated_rows"`
	Refinements        map[string][]string `json:"refinements"`
	RequestID          string              `json:"request_id"`
}

func (h *Handler) handleSummary(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	req, ok := decodeDatasetRequest(w, r, requestID)
	if !ok {
		return
	}

	s, err := h.svc.Summary(r.Context(), filter.FromMap(req.Filters))
	if err != nil {
		writeServiceError(w, err, requestID)
		return
	}

	refinements := make(map[string][]string, len(s.Refinements))
	for dim, vals := range s.Refinements {
		refinements[string(dim)] = vals
	}
	writeJSON(w, http.StatusOK, SummaryResponse{
		PartitionCount:     s.PartitionCount,
		TotalBytes:         s.TotalBytes,
		TotalEstimatedRows: s.TotalEstimatedRows,
		Refinements:        refinements,
		RequestID:          requestID,
	})
}

// AnalyzeResponse wraps the cached analysis result.
type AnalyzeResponse struct {
	*service.AnalysisResult
	RequestID string `json:"request_id"`
}

func (h *Handler) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	req, ok := decodeDatasetRequest(w, r, requestID)
	if !ok {
		return
	}

	result, err := h.svc.Analyze(r.Context(), filter.FromMap(req.Filters), req.MaxRows, req.MaxPartitions)
	if err != nil {
		writeServiceError(w, err, requestID)
		return
	}

	writeJSON(w, http.StatusOK, AnalyzeResponse{AnalysisResult: result, RequestID: requestID})
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	req, ok := decodeDatasetRequest(w, r, requestID)
	if !ok {
		return
	}

	// The row budget bounds the dataset, so the whole export fits in
	// memory. Building it first keeps a late failure from appending a
	// JSON error to a half-written 200 CSV body.
	var buf bytes.Buffer
	if err := h.svc.ExportCSV(r.Context(), filter.FromMap(req.Filters), req.MaxRows, req.MaxPartitions, &buf); err != nil {
		writeServiceError(w, err, requestID)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="ratescope-export.csv"`)
	w.Write(buf.Bytes())
}

// OptionsResponse lists selectable filter values per dimension.
type OptionsResponse struct {
	Options   map[string][]service.Option `json:"options"`
	RequestID string                      `json:"request_id"`
}

func (h *Handler) handleOptions(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", requestID)
		return
	}

	options, err := h.svc.FilterOptions(r.Context())
	if err != nil {
		writeServiceError(w, err, requestID)
		return
	}

	writeJSON(w, http.StatusOK, OptionsResponse{Options: options, RequestID: requestID})
}

// StatusResponse exposes pool and cache counters.
type StatusResponse struct {
	Engine engine.PoolStats `json:"engine"`
	Cache  cache.Stats      `json:"cache"`
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", GetRequestID(r.Context()))
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		Engine: h.pool.Stats(),
		Cache:  h.svc.CacheStats(),
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decodeDatasetRequest(w http.ResponseWriter, r *http.Request, requestID string) (*DatasetRequest, bool) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", requestID)
		return nil, false
	}

	var req DatasetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), requestID)
		return nil, false
	}
	if len(req.Filters) == 0 {
		writeError(w, http.StatusBadRequest, "filters are required", requestID)
		return nil, false
	}
	return &req, true
}

// writeServiceError maps an error to an HTTP status by its category.
func writeServiceError(w http.ResponseWriter, err error, requestID string) {
	writeError(w, statusForError(err), err.Error(), requestID)
}

func statusForError(err error) int {
	switch rserrors.GetCategory(err) {
	case rserrors.ErrCategoryValidation:
		return http.StatusBadRequest
	case rserrors.ErrCategoryIndex:
		return http.StatusServiceUnavailable
	case rserrors.ErrCategoryEngine, rserrors.ErrCategoryStorage:
		return http.StatusBadGateway
	case rserrors.ErrCategoryCombine:
		if rserrors.GetCode(err) == rserrors.CodeNoCandidates {
			return http.StatusNotFound
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
