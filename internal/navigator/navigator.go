// Package navigator resolves filter sets to bounded, ordered candidate
// partition lists using the metadata index.
package navigator

import (
	"context"
	"sort"

	"github.com/rs/zerolog"

	"github.com/ratescope/ratescope/internal/filter"
	"github.com/ratescope/ratescope/internal/metadata"
)

// DefaultMaxPartitions bounds a resolution when the caller does not
// supply a budget.
const DefaultMaxPartitions = 25

// IndexReader is the slice of the metadata index the navigator needs.
type IndexReader interface {
	Find(ctx context.Context, fs filter.Set) ([]*metadata.PartitionRecord, error)
	ListDistinct(ctx context.Context, dim filter.Dimension) ([]string, error)
}

// CandidateSet is the result of a resolution: the partitions to assemble,
// in stable address order, plus truncation metadata. An empty candidate
// set is a valid outcome meaning no partitions match.
type CandidateSet struct {
	Filters       filter.Set
	Partitions    []*metadata.PartitionRecord
	TotalMatches  int
	Truncated     bool
	MaxPartitions int
}

// Empty reports whether the resolution matched no partitions.
func (cs *CandidateSet) Empty() bool {
	return len(cs.Partitions) == 0
}

// Addresses returns the candidate addresses in order.
func (cs *CandidateSet) Addresses() []string {
	addrs := make([]string, len(cs.Partitions))
	for i, p := range cs.Partitions {
		addrs[i] = p.Address()
	}
	return addrs
}

// Summary describes the full (un-truncated) match set for a filter set:
// how much data it covers and which refinement values remain available.
type Summary struct {
	PartitionCount     int
	TotalBytes         int64
	TotalEstimatedRows int64
	Refinements        map[filter.Dimension][]string
}

// Navigator resolves filter sets against the metadata index.
type Navigator struct {
	index IndexReader
	log   zerolog.Logger
}

// New creates a navigator backed by the given index.
func New(index IndexReader, log zerolog.Logger) *Navigator {
	return &Navigator{index: index, log: log}
}

// Resolve maps a filter set to a candidate set. Required-filter
// validation fails fast, before the index is consulted. Matches are
// sorted by address and truncated to maxPartitions; TotalMatches and
// Truncated record what the truncation dropped. maxPartitions <= 0
// selects DefaultMaxPartitions.
func (n *Navigator) Resolve(ctx context.Context, fs filter.Set, maxPartitions int) (*CandidateSet, error) {
	if err := fs.Validate(); err != nil {
		return nil, err
	}
	if maxPartitions <= 0 {
		maxPartitions = DefaultMaxPartitions
	}

	norm := fs.Normalize()
	records, err := n.index.Find(ctx, norm.Known())
	if err != nil {
		return nil, err
	}

	sortByAddress(records)

	total := len(records)
	truncated := total > maxPartitions
	if truncated {
		records = records[:maxPartitions]
	}

	cs := &CandidateSet{
		Filters:       norm,
		Partitions:    records,
		TotalMatches:  total,
		Truncated:     truncated,
		MaxPartitions: maxPartitions,
	}

	if cs.Empty() {
		n.log.Debug().Interface("filters", norm).Msg("no matching partitions")
	} else if truncated {
		n.log.Debug().
			Int("total_matches", total).
			Int("max_partitions", maxPartitions).
			Msg("candidate set truncated")
	}

	return cs, nil
}

// Summarize describes the full match set for a filter set without
// truncation: partition count, total size, estimated rows, and the
// optional-dimension values still available for narrowing.
func (n *Navigator) Summarize(ctx context.Context, fs filter.Set) (*Summary, error) {
	if err := fs.Validate(); err != nil {
		return nil, err
	}

	records, err := n.index.Find(ctx, fs.Normalize().Known())
	if err != nil {
		return nil, err
	}

	s := &Summary{
		PartitionCount: len(records),
		Refinements:    make(map[filter.Dimension][]string),
	}
	for _, r := range records {
		s.TotalBytes += r.FileSizeBytes
		s.TotalEstimatedRows += r.EstimatedRows
	}

	for _, dim := range filter.OptionalDimensions() {
		seen := make(map[string]bool)
		var values []string
		for _, r := range records {
			v := r.DimensionValue(dim)
			if v == "" || seen[v] {
				continue
			}
			seen[v] = true
			values = append(values, v)
		}
		if len(values) > 0 {
			sort.Strings(values)
			s.Refinements[dim] = values
		}
	}

	return s, nil
}

// sortByAddress sorts records by (bucket, object_key) for deterministic
// candidate order.
func sortByAddress(records []*metadata.PartitionRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Bucket != records[j].Bucket {
			return records[i].Bucket < records[j].Bucket
		}
		return records[i].ObjectKey < records[j].ObjectKey
	})
}
