package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/ratescope/ratescope/internal/filter"
)

// Budgets are the per-request bounds that shape a result and therefore
// participate in its cache identity.
type Budgets struct {
	MaxRows       int64 `json:"max_rows"`
	MaxPartitions int   `json:"max_partitions"`
}

// keyPayload is the canonical serialized form the digest is taken over.
// Filters are normalized before serialization and json.Marshal emits map
// keys sorted, so equivalent requests always produce identical bytes.
type keyPayload struct {
	Filters       map[string][]string `json:"filters"`
	MaxRows       int64               `json:"max_rows"`
	MaxPartitions int                 `json:"max_partitions"`
}

// Key derives the deterministic cache key for a filter set and budgets:
// a sha256 hex digest over the canonical form. Value order, duplicates,
// and whitespace in fs do not affect the key; any change to constraints
// or budgets does.
func Key(fs filter.Set, budgets Budgets) string {
	norm := fs.Normalize()

	filters := make(map[string][]string, len(norm))
	for dim, vals := range norm {
		filters[string(dim)] = vals
	}

	raw, err := json.Marshal(keyPayload{
		Filters:       filters,
		MaxRows:       budgets.MaxRows,
		MaxPartitions: budgets.MaxPartitions,
	})
	if err != nil {
		// Marshaling string maps cannot fail; keep the signature simple.
		panic("cache: key serialization failed: " + err.Error())
	}

	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
