// Package arbiter implements ArbiterSelector (SPEC_FULL.md §4.4):
// deterministic least-loaded-first selection from a pool of registered
// arbiters.
package arbiter

import (
	"sort"
	"time"

	"github.com/duskmarket/escrowcore/internal/escrowerr"
)

// Arbiter is one candidate in the selection pool.
type Arbiter struct {
	ID        string
	CreatedAt time.Time
	Load      int // count of non-terminal escrows currently assigned
}

// Select picks the least-loaded arbiter from pool, tie-broken by oldest
// account creation timestamp, then by identifier sort, so that a given
// pool snapshot always yields the same choice (§4.4 "deterministic for a
// given database snapshot"). Fails with NoArbiterAvailable on an empty
// pool.
func Select(pool []Arbiter) (Arbiter, error) {
	if len(pool) == 0 {
		return Arbiter{}, escrowerr.New(escrowerr.NoArbiterAvailable, "arbiter pool is empty")
	}

	candidates := make([]Arbiter, len(pool))
	copy(candidates, pool)

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Load != b.Load {
			return a.Load < b.Load
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	return candidates[0], nil
}
