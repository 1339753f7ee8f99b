package filter

import (
	"errors"
	"testing"

	rserrors "github.com/ratescope/ratescope/internal/errors"
)

func TestNormalize_SortsAndDedupes(t *testing.T) {
	fs := Set{
		DimState: {"tx", "ca", "tx", "ny"},
	}
	got := fs.Normalize()

	want := []string{"ca", "ny", "tx"}
	vals := got.Values(DimState)
	if len(vals) != len(want) {
		t.Fatalf("got %v, want %v", vals, want)
	}
	for i := range want {
		if vals[i] != want[i] {
			t.Errorf("values[%d] = %q, want %q", i, vals[i], want[i])
		}
	}
}

func TestNormalize_StripsEmptyValuesAndDimensions(t *testing.T) {
	fs := Set{
		DimPayer:        {"  aetna  ", ""},
		DimProcedureSet: {"", "   "},
	}
	got := fs.Normalize()

	if vals := got.Values(DimPayer); len(vals) != 1 || vals[0] != "aetna" {
		t.Errorf("payer = %v, want [aetna]", vals)
	}
	if got.Has(DimProcedureSet) {
		t.Error("dimension with only empty values should be dropped")
	}
	if _, ok := got[DimProcedureSet]; ok {
		t.Error("empty dimension should not remain as a key")
	}
}

func TestNormalize_EquivalentSetsAreEqual(t *testing.T) {
	a := Set{
		DimPayer: {"uhc", "aetna"},
		DimState: {"tx"},
	}
	b := Set{
		DimState: {"tx", "tx"},
		DimPayer: {"aetna", "uhc", "aetna"},
	}
	if !a.Normalize().Equal(b.Normalize()) {
		t.Error("sets with same constraints should normalize equal")
	}
}

func TestNormalize_KeepsUnknownDimensions(t *testing.T) {
	fs := Set{
		DimPayer:              {"aetna"},
		Dimension("rate_tier"): {"b", "a"},
	}
	got := fs.Normalize()
	if vals := got.Values(Dimension("rate_tier")); len(vals) != 2 || vals[0] != "a" {
		t.Errorf("unknown dimension should survive normalization, got %v", vals)
	}
	if got.Known().Has(Dimension("rate_tier")) {
		t.Error("Known() should exclude unknown dimensions")
	}
}

func TestValidate_AllRequiredPresent(t *testing.T) {
	fs := Set{
		DimPayer:        {"aetna"},
		DimState:        {"tx"},
		DimBillingClass: {"professional"},
	}
	if err := fs.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_MissingRequired(t *testing.T) {
	fs := Set{
		DimPayer: {"aetna"},
	}
	err := fs.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}

	var re *rserrors.RatescopeError
	if !errors.As(err, &re) {
		t.Fatalf("expected RatescopeError, got %T", err)
	}
	if re.Category != rserrors.ErrCategoryValidation || re.Code != rserrors.CodeMissingRequiredFilter {
		t.Errorf("got %s:%s, want VALIDATION:MISSING_REQUIRED_FILTER", re.Category, re.Code)
	}

	missing, ok := re.Details["missing"].([]string)
	if !ok || len(missing) != 2 {
		t.Fatalf("details should list both missing dimensions, got %v", re.Details["missing"])
	}
	if missing[0] != "state" || missing[1] != "billing_class" {
		t.Errorf("missing = %v, want [state billing_class]", missing)
	}
}

func TestValidate_WhitespaceOnlyValueIsMissing(t *testing.T) {
	fs := Set{
		DimPayer:        {"   "},
		DimState:        {"tx"},
		DimBillingClass: {"institutional"},
	}
	if err := fs.Validate(); err == nil {
		t.Error("whitespace-only required value should fail validation")
	}
}

func TestFromMap(t *testing.T) {
	fs := FromMap(map[string][]string{
		"payer": {"aetna"},
		"state": {"tx", "ca"},
	})
	if !fs.Has(DimPayer) || !fs.Has(DimState) {
		t.Error("FromMap should carry all provided dimensions")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	fs := Set{DimPayer: {"aetna"}}
	cp := fs.Clone()
	cp[DimPayer][0] = "changed"
	if fs[DimPayer][0] != "aetna" {
		t.Error("Clone should deep-copy value slices")
	}
}

func TestDimensionEnumeration(t *testing.T) {
	if got := len(RequiredDimensions()); got != 3 {
		t.Errorf("required dimension count = %d, want 3", got)
	}
	for _, d := range AllDimensions() {
		if !IsKnown(d) {
			t.Errorf("dimension %q should be known", d)
		}
	}
	if IsKnown(Dimension("rate_tier")) {
		t.Error("rate_tier should not be a known dimension")
	}
	if !IsRequired(DimBillingClass) || IsRequired(DimYear) {
		t.Error("required/optional split mismatch")
	}
}
