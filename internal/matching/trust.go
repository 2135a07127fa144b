package matching

import "voltgrid/internal/domain"

// Trust scores blend historical delivery success with a neutral base rating.
// The base term is a placeholder for a future external rating source.
const (
	successRateWeight = 0.7
	baseRatingWeight  = 0.3
	neutralBaseRating = 0.5
)

// ApplyOrderOutcome records one terminal order outcome on the provider and
// recomputes its trust score. Must be invoked exactly once per terminal
// outcome, never retroactively. With binary outcomes the score stays within
// [0.15, 0.85].
func ApplyOrderOutcome(p domain.Provider, wasSuccessful bool) domain.Provider {
	p.TotalOrders++
	if wasSuccessful {
		p.SuccessfulOrders++
	}
	rate := float64(p.SuccessfulOrders) / float64(p.TotalOrders)
	p.TrustScore = successRateWeight*rate + baseRatingWeight*neutralBaseRating
	return p
}
