// Package filter defines the filter dimensions and filter sets used to
// resolve rate partitions. Dimensions are a closed enumeration; a filter
// set maps dimensions to value sets with set semantics (order and
// duplicates are irrelevant, absence means no constraint).
package filter

import (
	"sort"
	"strings"

	rserrors "github.com/ratescope/ratescope/internal/errors"
)

// Dimension identifies a single filter dimension.
type Dimension string

const (
	DimPayer        Dimension = "payer"
	DimState        Dimension = "state"
	DimBillingClass Dimension = "billing_class"
	DimProcedureSet Dimension = "procedure_set"
	DimTaxonomyCode Dimension = "taxonomy_code"
	DimTaxonomyDesc Dimension = "taxonomy_desc"
	DimStatArea     Dimension = "stat_area"
	DimYear         Dimension = "year"
	DimMonth        Dimension = "month"
)

// requiredDims are the dimensions every resolvable filter set must constrain.
var requiredDims = []Dimension{DimPayer, DimState, DimBillingClass}

// optionalDims narrow a match without being mandatory. Year and month are
// temporal refinements and behave like any other optional dimension.
var optionalDims = []Dimension{
	DimProcedureSet, DimTaxonomyCode, DimTaxonomyDesc, DimStatArea,
	DimYear, DimMonth,
}

// RequiredDimensions returns the required dimensions in canonical order.
func RequiredDimensions() []Dimension {
	out := make([]Dimension, len(requiredDims))
	copy(out, requiredDims)
	return out
}

// OptionalDimensions returns the optional dimensions in canonical order.
func OptionalDimensions() []Dimension {
	out := make([]Dimension, len(optionalDims))
	copy(out, optionalDims)
	return out
}

// AllDimensions returns every known dimension, required first.
func AllDimensions() []Dimension {
	out := make([]Dimension, 0, len(requiredDims)+len(optionalDims))
	out = append(out, requiredDims...)
	out = append(out, optionalDims...)
	return out
}

// IsKnown reports whether d is part of the closed dimension enumeration.
func IsKnown(d Dimension) bool {
	switch d {
	case DimPayer, DimState, DimBillingClass,
		DimProcedureSet, DimTaxonomyCode, DimTaxonomyDesc, DimStatArea,
		DimYear, DimMonth:
		return true
	}
	return false
}

// IsRequired reports whether d must be present for physical resolution.
func IsRequired(d Dimension) bool {
	for _, r := range requiredDims {
		if d == r {
			return true
		}
	}
	return false
}

// Set maps dimensions to their selected values. A missing dimension means
// no constraint. Unknown dimensions are carried through normalization (they
// may drive downstream in-memory refinement) but are ignored during
// physical partition resolution.
type Set map[Dimension][]string

// FromMap builds a Set from a plain string-keyed map, accepting both the
// single-value and list-value request shapes.
func FromMap(m map[string][]string) Set {
	s := make(Set, len(m))
	for k, vals := range m {
		s[Dimension(k)] = append([]string(nil), vals...)
	}
	return s
}

// Normalize returns a canonical copy of the set: values trimmed, sorted,
// and deduplicated; empty values and empty dimensions dropped. Two sets
// describing the same constraints normalize to equal sets regardless of
// input ordering or duplication.
func (s Set) Normalize() Set {
	out := make(Set, len(s))
	for dim, vals := range s {
		cleaned := make([]string, 0, len(vals))
		for _, v := range vals {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			cleaned = append(cleaned, v)
		}
		if len(cleaned) == 0 {
			continue
		}
		sort.Strings(cleaned)
		deduped := cleaned[:1]
		for _, v := range cleaned[1:] {
			if v != deduped[len(deduped)-1] {
				deduped = append(deduped, v)
			}
		}
		out[dim] = deduped
	}
	return out
}

// MissingRequired returns the required dimensions not constrained by s,
// in canonical order.
func (s Set) MissingRequired() []Dimension {
	var missing []Dimension
	for _, dim := range requiredDims {
		if !s.Has(dim) {
			missing = append(missing, dim)
		}
	}
	return missing
}

// Validate checks that every required dimension is present with at least
// one non-empty value. The returned error names all missing dimensions.
func (s Set) Validate() error {
	missing := s.Normalize().MissingRequired()
	if len(missing) == 0 {
		return nil
	}
	names := make([]string, len(missing))
	details := make([]string, len(missing))
	for i, d := range missing {
		names[i] = string(d)
		details[i] = string(d)
	}
	return rserrors.NewValidationError(
		rserrors.CodeMissingRequiredFilter,
		"missing required filters: "+strings.Join(names, ", "),
	).WithDetails(map[string]interface{}{"missing": details})
}

// Has reports whether dim is constrained with at least one non-empty value.
func (s Set) Has(dim Dimension) bool {
	for _, v := range s[dim] {
		if strings.TrimSpace(v) != "" {
			return true
		}
	}
	return false
}

// Values returns a copy of the values for dim, nil when unconstrained.
func (s Set) Values(dim Dimension) []string {
	vals, ok := s[dim]
	if !ok {
		return nil
	}
	return append([]string(nil), vals...)
}

// Known returns the subset of s restricted to known dimensions. This is
// the view the metadata index resolves against.
func (s Set) Known() Set {
	out := make(Set, len(s))
	for dim, vals := range s {
		if IsKnown(dim) {
			out[dim] = append([]string(nil), vals...)
		}
	}
	return out
}

// Clone returns a deep copy of s.
func (s Set) Clone() Set {
	out := make(Set, len(s))
	for dim, vals := range s {
		out[dim] = append([]string(nil), vals...)
	}
	return out
}

// Equal reports whether two sets are identical dimension for dimension.
// Callers comparing for semantic equality should normalize both sides first.
func (s Set) Equal(other Set) bool {
	if len(s) != len(other) {
		return false
	}
	for dim, vals := range s {
		ovals, ok := other[dim]
		if !ok || len(vals) != len(ovals) {
			return false
		}
		for i := range vals {
			if vals[i] != ovals[i] {
				return false
			}
		}
	}
	return true
}
