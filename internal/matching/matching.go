// Package matching filters, scores and ranks energy offers against a buyer's
// request, and greedily combines offers to cover a bulk quantity.
package matching

import (
	"fmt"
	"sort"

	"voltgrid/internal/domain"
	"voltgrid/internal/timewindow"
)

// Fixed magic values carried over from the protocol reference behavior.
// Deliberately named constants, not configuration.
const (
	// ineligiblePenaltyFactor keeps offers that fail the hard filter rankable
	// but sorted after every eligible offer.
	ineligiblePenaltyFactor = 0.5
	// flexibleWindowScore is the time-fit score of an offer with no declared
	// window against a constrained request.
	flexibleWindowScore = 0.5
)

// Config holds the tunable matching parameters.
type Config struct {
	Weights           Weights
	MinTrustThreshold float64
	DefaultTrustScore float64
	PriceScoreFloor   float64
}

type Weights struct {
	Price      float64
	Trust      float64
	TimeWindow float64
}

// Criteria is the buyer's request.
type Criteria struct {
	RequestedQuantity int
	Window            *domain.TimeWindow
	MaxPrice          *float64
}

// ScoredOffer is one candidate with its sub-scores and filter verdict.
type ScoredOffer struct {
	Offer          domain.Offer `json:"offer"`
	TrustScore     float64      `json:"trust_score"`
	PriceScore     float64      `json:"price_score"`
	TimeFitScore   float64      `json:"time_fit_score"`
	Score          float64      `json:"score"`
	MatchesFilters bool         `json:"matches_filters"`
	FailureReasons []string     `json:"failure_reasons,omitempty"`
}

// Result ranks the full candidate set and names the winner, if any.
type Result struct {
	Selected      *ScoredOffer  `json:"selected_offer,omitempty"`
	Offers        []ScoredOffer `json:"all_offers"`
	EligibleCount int           `json:"eligible_count"`
	Reason        string        `json:"reason,omitempty"`
}

// MatchOffers scores every candidate offer against the criteria. All offers
// stay rankable: hard-filter failures keep a penalized score instead of being
// discarded, and sort after the eligible group.
func MatchOffers(offers []domain.Offer, providers map[string]domain.Provider, c Criteria, cfg Config) Result {
	var requested *timewindow.Window
	if c.Window != nil {
		if w, err := timewindow.Parse(c.Window.Start, c.Window.End); err == nil {
			requested = &w
		}
	}

	minPrice, maxPrice := priceRange(offers)
	scored := make([]ScoredOffer, 0, len(offers))
	eligible := 0
	for _, offer := range offers {
		trust := cfg.DefaultTrustScore
		if p, ok := providers[offer.ProviderID]; ok {
			trust = p.TrustScore
		}

		so := ScoredOffer{
			Offer:        offer,
			TrustScore:   trust,
			PriceScore:   priceScore(offer.Price.Value, minPrice, maxPrice, cfg.PriceScoreFloor),
			TimeFitScore: timeFitScore(requested, offer.Window),
		}
		so.MatchesFilters, so.FailureReasons = passesFilters(offer, trust, c, requested, cfg)

		so.Score = cfg.Weights.Price*so.PriceScore +
			cfg.Weights.Trust*so.TrustScore +
			cfg.Weights.TimeWindow*so.TimeFitScore
		if !so.MatchesFilters {
			so.Score *= ineligiblePenaltyFactor
		} else {
			eligible++
		}
		scored = append(scored, so)
	}

	// Eligible offers first, then score descending within each group. The
	// stable sort makes ties deterministic by input order.
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].MatchesFilters != scored[j].MatchesFilters {
			return scored[i].MatchesFilters
		}
		return scored[i].Score > scored[j].Score
	})

	res := Result{Offers: scored, EligibleCount: eligible}
	if eligible == 0 {
		res.Reason = "no offers satisfy the requested quantity, window, price and trust constraints"
		return res
	}
	top := scored[0]
	res.Selected = &top
	return res
}

func passesFilters(offer domain.Offer, trust float64, c Criteria, requested *timewindow.Window, cfg Config) (bool, []string) {
	var reasons []string
	if requested != nil && offer.Window != nil {
		w, err := timewindow.Parse(offer.Window.Start, offer.Window.End)
		if err != nil {
			reasons = append(reasons, fmt.Sprintf("offer window invalid: %v", err))
		} else if !requested.Overlaps(w) {
			reasons = append(reasons, "offer window does not overlap requested window")
		}
	}
	if offer.MaxQuantity < c.RequestedQuantity {
		reasons = append(reasons, fmt.Sprintf("offer quantity %d below requested %d", offer.MaxQuantity, c.RequestedQuantity))
	}
	if c.MaxPrice != nil && offer.Price.Value > *c.MaxPrice {
		reasons = append(reasons, fmt.Sprintf("price %.2f above max %.2f", offer.Price.Value, *c.MaxPrice))
	}
	if trust < cfg.MinTrustThreshold {
		reasons = append(reasons, fmt.Sprintf("provider trust %.2f below threshold %.2f", trust, cfg.MinTrustThreshold))
	}
	return len(reasons) == 0, reasons
}

func priceRange(offers []domain.Offer) (min, max float64) {
	for i, o := range offers {
		if i == 0 || o.Price.Value < min {
			min = o.Price.Value
		}
		if i == 0 || o.Price.Value > max {
			max = o.Price.Value
		}
	}
	return min, max
}

// priceScore is linear over the candidate set: 1.0 at the minimum price, the
// configured floor at the maximum. Equal prices all score 1.0.
func priceScore(price, min, max, floor float64) float64 {
	if max <= min {
		return 1.0
	}
	return floor + (1.0-floor)*(max-price)/(max-min)
}

func timeFitScore(requested *timewindow.Window, offered *domain.TimeWindow) float64 {
	if requested == nil {
		return 1.0
	}
	if offered == nil {
		return flexibleWindowScore
	}
	w, err := timewindow.Parse(offered.Start, offered.End)
	if err != nil {
		return 0
	}
	return timewindow.FitScore(*requested, w)
}

// BulkOffer is one offer's allocation inside a bulk selection.
type BulkOffer struct {
	OfferID    string       `json:"offer_id"`
	ItemID     string       `json:"item_id"`
	ProviderID string       `json:"provider_id"`
	Quantity   int          `json:"quantity"`
	UnitPrice  domain.Money `json:"unit_price"`
	Subtotal   float64      `json:"subtotal"`
	Score      float64      `json:"score"`
}

// BulkSelection reports how a target quantity was covered.
type BulkSelection struct {
	Offers         []BulkOffer `json:"offers"`
	TotalQuantity  int         `json:"total_quantity"`
	TotalPrice     float64     `json:"total_price"`
	FullyFulfilled bool        `json:"fully_fulfilled"`
	Shortfall      int         `json:"shortfall"`
}

// SelectOffersForBulk greedily combines eligible offers, best score first,
// until the target quantity is covered or maxOffers is reached. Availability
// comes from live block counts when supplied, else the offer's nominal max.
// Greedy by score, not a knapsack solve; determinism rides on the upstream
// stable sort.
func SelectOffersForBulk(scored []ScoredOffer, targetQuantity, maxOffers int, available map[string]int) BulkSelection {
	sel := BulkSelection{}
	remaining := targetQuantity
	for _, so := range scored {
		if remaining <= 0 || len(sel.Offers) >= maxOffers {
			break
		}
		if !so.MatchesFilters {
			continue
		}
		avail := so.Offer.MaxQuantity
		if available != nil {
			avail = available[so.Offer.ID]
		}
		take := avail
		if take > remaining {
			take = remaining
		}
		if take <= 0 {
			continue
		}
		sub := float64(take) * so.Offer.Price.Value
		sel.Offers = append(sel.Offers, BulkOffer{
			OfferID:    so.Offer.ID,
			ItemID:     so.Offer.ItemID,
			ProviderID: so.Offer.ProviderID,
			Quantity:   take,
			UnitPrice:  so.Offer.Price,
			Subtotal:   sub,
			Score:      so.Score,
		})
		sel.TotalQuantity += take
		sel.TotalPrice += sub
		remaining -= take
	}
	sel.FullyFulfilled = sel.TotalQuantity >= targetQuantity
	if !sel.FullyFulfilled {
		sel.Shortfall = targetQuantity - sel.TotalQuantity
	}
	return sel
}
