package arbiter

import "time"

// Registration is a configured arbiter's static identity: its ID and
// account creation time. The orchestrator's caller supplies the pool of
// registrations (from config or an operator-maintained list); this
// package only weighs them by current load.
type Registration struct {
	ID        string
	CreatedAt time.Time
}

// LoadCounter reports how many non-terminal escrows an arbiter currently
// holds. internal/store satisfies this via ActiveEscrowCount.
type LoadCounter interface {
	ActiveEscrowCount(arbiterID string) (int, error)
}

// BuildPool resolves a static list of registrations into a weighted pool
// by querying current load for each, ready to pass to Select.
func BuildPool(registrations []Registration, loads LoadCounter) ([]Arbiter, error) {
	pool := make([]Arbiter, 0, len(registrations))
	for _, r := range registrations {
		load, err := loads.ActiveEscrowCount(r.ID)
		if err != nil {
			return nil, err
		}
		pool = append(pool, Arbiter{ID: r.ID, CreatedAt: r.CreatedAt, Load: load})
	}
	return pool, nil
}
