package matching

import (
	"math"
	"testing"

	"voltgrid/internal/domain"
)

func testConfig() Config {
	return Config{
		Weights:           Weights{Price: 0.4, Trust: 0.3, TimeWindow: 0.3},
		MinTrustThreshold: 0.3,
		DefaultTrustScore: 0.5,
		PriceScoreFloor:   0.3,
	}
}

func offer(id string, price float64, maxQty int, window *domain.TimeWindow) domain.Offer {
	return domain.Offer{
		ID:                id,
		ItemID:            "item-" + id,
		ProviderID:        "prov-" + id,
		Price:             domain.Money{Value: price, Currency: "INR"},
		MaxQuantity:       maxQty,
		AvailableQuantity: maxQty,
		Window:            window,
		Status:            "published",
	}
}

func provider(id string, trust float64) domain.Provider {
	return domain.Provider{ID: id, Name: id, TrustScore: trust}
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestMatchDeterminism(t *testing.T) {
	offers := []domain.Offer{
		offer("a", 5, 50, nil),
		offer("b", 10, 50, nil),
	}
	providers := map[string]domain.Provider{
		"prov-a": provider("prov-a", 0.8),
		"prov-b": provider("prov-b", 0.8),
	}
	res := MatchOffers(offers, providers, Criteria{RequestedQuantity: 10}, testConfig())
	if res.Selected == nil || res.Selected.Offer.ID != "a" {
		t.Fatalf("expected offer a selected, got %+v", res.Selected)
	}
	if res.EligibleCount != 2 {
		t.Fatalf("eligible = %d, want 2", res.EligibleCount)
	}
	if !approx(res.Offers[0].PriceScore, 1.0) {
		t.Fatalf("cheapest priceScore = %v, want 1.0", res.Offers[0].PriceScore)
	}
	if !approx(res.Offers[1].PriceScore, 0.3) {
		t.Fatalf("priciest priceScore = %v, want floor 0.3", res.Offers[1].PriceScore)
	}
}

func TestEqualPricesAllScoreOne(t *testing.T) {
	offers := []domain.Offer{offer("a", 7, 50, nil), offer("b", 7, 50, nil)}
	res := MatchOffers(offers, nil, Criteria{RequestedQuantity: 10}, testConfig())
	for _, so := range res.Offers {
		if !approx(so.PriceScore, 1.0) {
			t.Fatalf("offer %s priceScore = %v, want 1.0", so.Offer.ID, so.PriceScore)
		}
	}
}

func TestIneligibleOffersPenalizedNotDiscarded(t *testing.T) {
	offers := []domain.Offer{
		offer("small", 5, 5, nil),
		offer("big", 9, 50, nil),
	}
	res := MatchOffers(offers, nil, Criteria{RequestedQuantity: 10}, testConfig())
	if len(res.Offers) != 2 {
		t.Fatalf("expected both offers ranked, got %d", len(res.Offers))
	}
	if res.Selected == nil || res.Selected.Offer.ID != "big" {
		t.Fatalf("expected eligible offer selected despite worse price")
	}
	// ineligible offer sorts last and carries reasons
	last := res.Offers[len(res.Offers)-1]
	if last.Offer.ID != "small" || last.MatchesFilters {
		t.Fatalf("expected small offer ineligible and last, got %+v", last)
	}
	if len(last.FailureReasons) == 0 {
		t.Fatalf("expected failure reasons for ineligible offer")
	}
}

func TestNoEligibleOffersGivesReason(t *testing.T) {
	maxPrice := 4.0
	offers := []domain.Offer{offer("a", 5, 50, nil)}
	res := MatchOffers(offers, nil, Criteria{RequestedQuantity: 10, MaxPrice: &maxPrice}, testConfig())
	if res.Selected != nil {
		t.Fatalf("expected no selection")
	}
	if res.Reason == "" {
		t.Fatalf("expected explanatory reason")
	}
}

func TestUnknownProviderGetsDefaultTrust(t *testing.T) {
	offers := []domain.Offer{offer("a", 5, 50, nil)}
	res := MatchOffers(offers, map[string]domain.Provider{}, Criteria{RequestedQuantity: 10}, testConfig())
	if !approx(res.Offers[0].TrustScore, 0.5) {
		t.Fatalf("trust = %v, want default 0.5", res.Offers[0].TrustScore)
	}
	if res.Selected == nil {
		t.Fatalf("default trust above threshold must remain eligible")
	}
}

func TestLowTrustFailsFilter(t *testing.T) {
	offers := []domain.Offer{offer("a", 5, 50, nil)}
	providers := map[string]domain.Provider{"prov-a": provider("prov-a", 0.1)}
	res := MatchOffers(offers, providers, Criteria{RequestedQuantity: 10}, testConfig())
	if res.Selected != nil {
		t.Fatalf("expected low-trust offer filtered")
	}
}

func TestTimeWindowScoring(t *testing.T) {
	requested := &domain.TimeWindow{Start: "2025-06-01T10:00:00Z", End: "2025-06-01T14:00:00Z"}
	offers := []domain.Offer{
		offer("exact", 5, 50, &domain.TimeWindow{Start: "2025-06-01T10:00:00Z", End: "2025-06-01T14:00:00Z"}),
		offer("half", 5, 50, &domain.TimeWindow{Start: "2025-06-01T12:00:00Z", End: "2025-06-01T18:00:00Z"}),
		offer("flex", 5, 50, nil),
	}
	res := MatchOffers(offers, nil, Criteria{RequestedQuantity: 10, Window: requested}, testConfig())
	scores := map[string]float64{}
	for _, so := range res.Offers {
		scores[so.Offer.ID] = so.TimeFitScore
	}
	if !approx(scores["exact"], 1.0) {
		t.Fatalf("exact fit = %v, want 1.0", scores["exact"])
	}
	if !approx(scores["half"], 0.5) {
		t.Fatalf("half fit = %v, want 0.5", scores["half"])
	}
	if !approx(scores["flex"], 0.5) {
		t.Fatalf("flexible fit = %v, want 0.5", scores["flex"])
	}
}

func TestNoRequestedWindowScoresOne(t *testing.T) {
	offers := []domain.Offer{offer("a", 5, 50, &domain.TimeWindow{Start: "2025-06-01T10:00:00Z", End: "2025-06-01T14:00:00Z"})}
	res := MatchOffers(offers, nil, Criteria{RequestedQuantity: 10}, testConfig())
	if !approx(res.Offers[0].TimeFitScore, 1.0) {
		t.Fatalf("unconstrained fit = %v, want 1.0", res.Offers[0].TimeFitScore)
	}
}

func TestBulkShortfall(t *testing.T) {
	offers := []domain.Offer{
		offer("a", 5, 50, nil),
		offer("b", 6, 30, nil),
	}
	res := MatchOffers(offers, nil, Criteria{RequestedQuantity: 1}, testConfig())
	sel := SelectOffersForBulk(res.Offers, 100, 5, nil)
	if sel.FullyFulfilled {
		t.Fatalf("expected shortfall")
	}
	if sel.Shortfall != 20 {
		t.Fatalf("shortfall = %d, want 20", sel.Shortfall)
	}
	if sel.TotalQuantity != 80 {
		t.Fatalf("total = %d, want 80", sel.TotalQuantity)
	}
	if len(sel.Offers) != 2 {
		t.Fatalf("offers used = %d, want 2", len(sel.Offers))
	}
}

func TestBulkUsesLiveAvailability(t *testing.T) {
	offers := []domain.Offer{
		offer("a", 5, 50, nil),
		offer("b", 6, 50, nil),
	}
	res := MatchOffers(offers, nil, Criteria{RequestedQuantity: 1}, testConfig())
	avail := map[string]int{"a": 10, "b": 40}
	sel := SelectOffersForBulk(res.Offers, 30, 5, avail)
	if !sel.FullyFulfilled {
		t.Fatalf("expected fulfillment from live counts: %+v", sel)
	}
	if sel.Offers[0].OfferID != "a" || sel.Offers[0].Quantity != 10 {
		t.Fatalf("expected best-scored offer capped at live availability, got %+v", sel.Offers[0])
	}
	if sel.Offers[1].Quantity != 20 {
		t.Fatalf("expected remainder 20 from second offer, got %+v", sel.Offers[1])
	}
}

func TestBulkSkipsZeroAvailability(t *testing.T) {
	offers := []domain.Offer{
		offer("empty", 5, 50, nil),
		offer("full", 6, 50, nil),
	}
	res := MatchOffers(offers, nil, Criteria{RequestedQuantity: 1}, testConfig())
	sel := SelectOffersForBulk(res.Offers, 10, 5, map[string]int{"empty": 0, "full": 50})
	if len(sel.Offers) != 1 || sel.Offers[0].OfferID != "full" {
		t.Fatalf("expected zero-availability offer skipped, got %+v", sel.Offers)
	}
}

func TestBulkRespectsMaxOffers(t *testing.T) {
	offers := []domain.Offer{
		offer("a", 5, 10, nil),
		offer("b", 6, 10, nil),
		offer("c", 7, 10, nil),
	}
	res := MatchOffers(offers, nil, Criteria{RequestedQuantity: 1}, testConfig())
	sel := SelectOffersForBulk(res.Offers, 30, 2, nil)
	if len(sel.Offers) != 2 {
		t.Fatalf("offers used = %d, want cap 2", len(sel.Offers))
	}
	if sel.Shortfall != 10 {
		t.Fatalf("shortfall = %d, want 10", sel.Shortfall)
	}
}

func TestTrustUpdateBounds(t *testing.T) {
	fresh := domain.Provider{ID: "p", TrustScore: 0.5}

	succeeded := ApplyOrderOutcome(fresh, true)
	if !approx(succeeded.TrustScore, 0.85) {
		t.Fatalf("first success trust = %v, want 0.85", succeeded.TrustScore)
	}
	if succeeded.TotalOrders != 1 || succeeded.SuccessfulOrders != 1 {
		t.Fatalf("unexpected counters %+v", succeeded)
	}

	failed := ApplyOrderOutcome(fresh, false)
	if !approx(failed.TrustScore, 0.15) {
		t.Fatalf("first failure trust = %v, want 0.15", failed.TrustScore)
	}
	if failed.TotalOrders != 1 || failed.SuccessfulOrders != 0 {
		t.Fatalf("unexpected counters %+v", failed)
	}
}

func TestTrustUpdateBlend(t *testing.T) {
	p := domain.Provider{ID: "p", TotalOrders: 3, SuccessfulOrders: 3, TrustScore: 0.85}
	p = ApplyOrderOutcome(p, false)
	// 0.7*(3/4) + 0.3*0.5
	if !approx(p.TrustScore, 0.675) {
		t.Fatalf("trust = %v, want 0.675", p.TrustScore)
	}
}
