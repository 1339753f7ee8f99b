// Package service is the consumer boundary of the engine: resolution,
// combination, and derived analysis behind deterministic result caching.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/ratescope/ratescope/internal/analysis"
	"github.com/ratescope/ratescope/internal/cache"
	"github.com/ratescope/ratescope/internal/combine"
	rserrors "github.com/ratescope/ratescope/internal/errors"
	"github.com/ratescope/ratescope/internal/filter"
	"github.com/ratescope/ratescope/internal/metadata"
	"github.com/ratescope/ratescope/internal/navigator"
)

// OptionsIndex is the slice of the metadata index used to list filter
// options and display names.
type OptionsIndex interface {
	ListDistinct(ctx context.Context, dim filter.Dimension) ([]string, error)
	PayerNames(ctx context.Context) (map[string]string, error)
	TaxonomyNames(ctx context.Context) (map[string]string, error)
}

// Config holds the service's default budgets and cache TTL.
type Config struct {
	DefaultMaxRows       int64
	DefaultMaxPartitions int
	CacheTTL             time.Duration
}

// DefaultConfig returns the product defaults.
func DefaultConfig() Config {
	return Config{
		DefaultMaxRows:       combine.DefaultMaxRows,
		DefaultMaxPartitions: navigator.DefaultMaxPartitions,
		CacheTTL:             cache.DefaultTTL,
	}
}

// Service wires the navigator, combiner, and cache into the three-call
// consumer contract.
type Service struct {
	nav      *navigator.Navigator
	combiner *combine.Combiner
	cache    *cache.Cache
	options  OptionsIndex
	cfg      Config
	log      zerolog.Logger
}

// New creates the service.
func New(nav *navigator.Navigator, combiner *combine.Combiner, c *cache.Cache, options OptionsIndex, cfg Config, log zerolog.Logger) *Service {
	if cfg.DefaultMaxRows <= 0 {
		cfg.DefaultMaxRows = combine.DefaultMaxRows
	}
	if cfg.DefaultMaxPartitions <= 0 {
		cfg.DefaultMaxPartitions = navigator.DefaultMaxPartitions
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = cache.DefaultTTL
	}
	return &Service{
		nav:      nav,
		combiner: combiner,
		cache:    c,
		options:  options,
		cfg:      cfg,
		log:      log,
	}
}

// cachedResolution is the cacheable form of a candidate set.
type cachedResolution struct {
	Filters       map[string][]string         `json:"filters"`
	Partitions    []*metadata.PartitionRecord `json:"partitions"`
	TotalMatches  int                         `json:"total_matches"`
	Truncated     bool                        `json:"truncated"`
	MaxPartitions int                         `json:"max_partitions"`
}

// Resolve maps a filter set to its candidate partitions, serving
// repeated requests from the cache. Cached entries are shape-validated
// on every hit; corrupt entries are evicted and recomputed.
func (s *Service) Resolve(ctx context.Context, fs filter.Set, maxPartitions int) (*navigator.CandidateSet, error) {
	if err := fs.Validate(); err != nil {
		return nil, err
	}
	if maxPartitions <= 0 {
		maxPartitions = s.cfg.DefaultMaxPartitions
	}

	key := "resolve:" + cache.Key(fs, cache.Budgets{MaxPartitions: maxPartitions})

	payload, err := s.cache.GetOrCompute(ctx, key, s.cfg.CacheTTL, validateResolution,
		func(ctx context.Context) ([]byte, error) {
			cs, err := s.nav.Resolve(ctx, fs, maxPartitions)
			if err != nil {
				return nil, err
			}
			return marshalResolution(cs)
		})
	if err != nil {
		return nil, err
	}

	return unmarshalResolution(payload)
}

func marshalResolution(cs *navigator.CandidateSet) ([]byte, error) {
	filters := make(map[string][]string, len(cs.Filters))
	for dim, vals := range cs.Filters {
		filters[string(dim)] = vals
	}
	partitions := cs.Partitions
	if partitions == nil {
		partitions = []*metadata.PartitionRecord{}
	}
	raw, err := json.Marshal(cachedResolution{
		Filters:       filters,
		Partitions:    partitions,
		TotalMatches:  cs.TotalMatches,
		Truncated:     cs.Truncated,
		MaxPartitions: cs.MaxPartitions,
	})
	if err != nil {
		return nil, fmt.Errorf("service: failed to encode resolution: %w", err)
	}
	return raw, nil
}

func unmarshalResolution(payload []byte) (*navigator.CandidateSet, error) {
	var cr cachedResolution
	if err := json.Unmarshal(payload, &cr); err != nil {
		return nil, rserrors.NewCacheError(rserrors.CodeCorruption,
			"service: cached resolution undecodable", err)
	}

	fs := make(filter.Set, len(cr.Filters))
	for dim, vals := range cr.Filters {
		fs[filter.Dimension(dim)] = vals
	}
	return &navigator.CandidateSet{
		Filters:       fs,
		Partitions:    cr.Partitions,
		TotalMatches:  cr.TotalMatches,
		Truncated:     cr.Truncated,
		MaxPartitions: cr.MaxPartitions,
	}, nil
}

// validateResolution is the validate-on-hit shape check for cached
// resolutions.
func validateResolution(payload []byte) error {
	var cr cachedResolution
	if err := json.Unmarshal(payload, &cr); err != nil {
		return err
	}
	if cr.Filters == nil || cr.Partitions == nil {
		return fmt.Errorf("resolution payload missing fields")
	}
	for _, p := range cr.Partitions {
		if p == nil || p.Bucket == "" || p.ObjectKey == "" {
			return fmt.Errorf("resolution payload contains partition without address")
		}
	}
	return nil
}

// Combine assembles a dataset from an already-resolved candidate set.
// Datasets themselves are not cached; only resolutions and analyses are.
func (s *Service) Combine(ctx context.Context, cs *navigator.CandidateSet, maxRows int64) (*combine.CombinedDataset, error) {
	if maxRows <= 0 {
		maxRows = s.cfg.DefaultMaxRows
	}
	return s.combiner.Combine(ctx, cs, combine.Options{MaxRows: maxRows})
}

// AnalysisResult pairs the derived summary with the assembly metadata
// of the dataset it was computed from.
type AnalysisResult struct {
	Summary             *analysis.Summary          `json:"summary"`
	PartitionsAttempted int                        `json:"partitions_attempted"`
	PartitionsLoaded    int                        `json:"partitions_loaded"`
	Failures            []combine.PartitionFailure `json:"failures,omitempty"`
	RowBudgetReached    bool                       `json:"row_budget_reached"`
	TimedOut            bool                       `json:"timed_out"`
	Truncated           bool                       `json:"truncated"`
	TotalMatches        int                        `json:"total_matches"`
}

// Analyze resolves, combines, and summarizes in one cached operation.
// The cache key covers the normalized filters and both budgets.
func (s *Service) Analyze(ctx context.Context, fs filter.Set, maxRows int64, maxPartitions int) (*AnalysisResult, error) {
	if err := fs.Validate(); err != nil {
		return nil, err
	}
	if maxRows <= 0 {
		maxRows = s.cfg.DefaultMaxRows
	}
	if maxPartitions <= 0 {
		maxPartitions = s.cfg.DefaultMaxPartitions
	}

	key := "analysis:" + cache.Key(fs, cache.Budgets{MaxRows: maxRows, MaxPartitions: maxPartitions})

	payload, err := s.cache.GetOrCompute(ctx, key, s.cfg.CacheTTL, validateAnalysis,
		func(ctx context.Context) ([]byte, error) {
			result, err := s.computeAnalysis(ctx, fs, maxRows, maxPartitions)
			if err != nil {
				return nil, err
			}
			raw, err := json.Marshal(result)
			if err != nil {
				return nil, fmt.Errorf("service: failed to encode analysis: %w", err)
			}
			return raw, nil
		})
	if err != nil {
		return nil, err
	}

	var result AnalysisResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, rserrors.NewCacheError(rserrors.CodeCorruption,
			"service: cached analysis undecodable", err)
	}
	return &result, nil
}

func (s *Service) computeAnalysis(ctx context.Context, fs filter.Set, maxRows int64, maxPartitions int) (*AnalysisResult, error) {
	cs, err := s.Resolve(ctx, fs, maxPartitions)
	if err != nil {
		return nil, err
	}
	if cs.Empty() {
		// No partitions is a valid, cacheable outcome.
		return &AnalysisResult{Summary: analysis.Summarize(combine.NewDataset(nil, nil))}, nil
	}

	ds, err := s.combiner.Combine(ctx, cs, combine.Options{MaxRows: maxRows})
	if err != nil {
		return nil, err
	}

	return &AnalysisResult{
		Summary:             analysis.Summarize(ds),
		PartitionsAttempted: ds.PartitionsAttempted,
		PartitionsLoaded:    ds.PartitionsLoaded,
		Failures:            ds.Failures,
		RowBudgetReached:    ds.RowBudgetReached,
		TimedOut:            ds.TimedOut,
		Truncated:           cs.Truncated,
		TotalMatches:        cs.TotalMatches,
	}, nil
}

func validateAnalysis(payload []byte) error {
	var result AnalysisResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return err
	}
	if result.Summary == nil {
		return fmt.Errorf("analysis payload missing summary")
	}
	return nil
}

// GetOrCompute exposes deterministic caching for derived computations
// beyond the built-in ones. The key covers fs and budgets; compute runs
// on miss or after corruption eviction.
func (s *Service) GetOrCompute(ctx context.Context, fs filter.Set, budgets cache.Budgets, validate cache.ValidateFunc, compute cache.ComputeFunc) ([]byte, error) {
	key := "derived:" + cache.Key(fs, budgets)
	return s.cache.GetOrCompute(ctx, key, s.cfg.CacheTTL, validate, compute)
}

// Summary describes the full match set for a filter set.
func (s *Service) Summary(ctx context.Context, fs filter.Set) (*navigator.Summary, error) {
	return s.nav.Summarize(ctx, fs)
}

// ExportCSV resolves, combines, and streams the dataset as CSV.
func (s *Service) ExportCSV(ctx context.Context, fs filter.Set, maxRows int64, maxPartitions int, w io.Writer) error {
	cs, err := s.Resolve(ctx, fs, maxPartitions)
	if err != nil {
		return err
	}
	if cs.Empty() {
		return rserrors.NewCombineError(rserrors.CodeNoCandidates,
			"service: no partitions to export", nil)
	}
	if maxRows <= 0 {
		maxRows = s.cfg.DefaultMaxRows
	}
	ds, err := s.combiner.Combine(ctx, cs, combine.Options{MaxRows: maxRows})
	if err != nil {
		return err
	}
	return analysis.ExportCSV(ds, w)
}

// Option is one selectable filter value, with a display label when the
// dimension tables carry one.
type Option struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// FilterOptions lists the selectable values per dimension, labeled from
// the display-name tables. The listing is cached under a fixed key.
func (s *Service) FilterOptions(ctx context.Context) (map[string][]Option, error) {
	const key = "options:all"

	payload, err := s.cache.GetOrCompute(ctx, key, s.cfg.CacheTTL, nil,
		func(ctx context.Context) ([]byte, error) {
			options, err := s.computeFilterOptions(ctx)
			if err != nil {
				return nil, err
			}
			raw, err := json.Marshal(options)
			if err != nil {
				return nil, fmt.Errorf("service: failed to encode filter options: %w", err)
			}
			return raw, nil
		})
	if err != nil {
		return nil, err
	}

	var options map[string][]Option
	if err := json.Unmarshal(payload, &options); err != nil {
		return nil, rserrors.NewCacheError(rserrors.CodeCorruption,
			"service: cached filter options undecodable", err)
	}
	return options, nil
}

func (s *Service) computeFilterOptions(ctx context.Context) (map[string][]Option, error) {
	payerNames, err := s.options.PayerNames(ctx)
	if err != nil {
		return nil, err
	}
	taxonomyNames, err := s.options.TaxonomyNames(ctx)
	if err != nil {
		return nil, err
	}

	options := make(map[string][]Option)
	for _, dim := range filter.AllDimensions() {
		values, err := s.options.ListDistinct(ctx, dim)
		if err != nil {
			return nil, err
		}
		if len(values) == 0 {
			continue
		}
		sort.Strings(values)

		opts := make([]Option, 0, len(values))
		for _, v := range values {
			label := v
			switch dim {
			case filter.DimPayer:
				if name, ok := payerNames[v]; ok {
					label = name
				}
			case filter.DimTaxonomyCode:
				if desc, ok := taxonomyNames[v]; ok {
					label = desc
				}
			}
			opts = append(opts, Option{Value: v, Label: label})
		}
		options[string(dim)] = opts
	}
	return options, nil
}

// CacheStats exposes cache counters for the status surface.
func (s *Service) CacheStats() cache.Stats {
	return s.cache.Stats()
}
