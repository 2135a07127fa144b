package engine_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"voltgrid/internal/config"
	"voltgrid/internal/db"
	"voltgrid/internal/domain"
	"voltgrid/internal/engine"
	"voltgrid/internal/migrate"
	"voltgrid/internal/repo"
	"voltgrid/internal/scheduler"
)

func eventFilter(txn string) repo.EventFilters {
	return repo.EventFilters{TransactionID: txn}
}

var testClock = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type sentCallback struct {
	BapURI  string
	Context engine.Context
	Payload any
}

type captureSender struct {
	mu   sync.Mutex
	sent []sentCallback
}

func (c *captureSender) Send(ctx context.Context, bapURI string, cbCtx engine.Context, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, sentCallback{BapURI: bapURI, Context: cbCtx, Payload: payload})
	return nil
}

func (c *captureSender) actions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var res []string
	for _, s := range c.sent {
		res = append(res, s.Context.Action)
	}
	return res
}

func newTestEngine(t *testing.T) (*engine.Engine, *scheduler.Scheduler, *captureSender) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	sched := scheduler.NewManual(testClock)
	sender := &captureSender{}
	e := engine.New(conn, config.Default(), sched, sender)
	e.Now = func() time.Time { return testClock }
	return e, sched, sender
}

func seedOffer(t *testing.T, e *engine.Engine, price float64, quantity int) domain.Offer {
	t.Helper()
	ctx := context.Background()
	p, err := e.RegisterProvider(ctx, "", "Rooftop Solar Co")
	if err != nil {
		t.Fatalf("register provider: %v", err)
	}
	offer, err := e.PublishOffer(ctx, engine.OfferPublishOptions{
		ProviderID: p.ID,
		Price:      domain.Money{Value: price, Currency: "INR"},
		Quantity:   quantity,
	})
	if err != nil {
		t.Fatalf("publish offer: %v", err)
	}
	return offer
}

func pctx(txn, msg, action string) engine.Context {
	return engine.Context{TransactionID: txn, MessageID: msg, Action: action, BapURI: "http://bap.example"}
}

func protoCode(t *testing.T, err error) string {
	t.Helper()
	var pe *engine.ProtoError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProtoError, got %v", err)
	}
	return pe.Code
}

func initOrder(t *testing.T, e *engine.Engine, txn string, offer domain.Offer, qty int) *domain.Order {
	t.Helper()
	order, err := e.Init(context.Background(), pctx(txn, txn+"-init", "init"), engine.InitRequest{
		Items: []engine.InitItem{{OfferID: offer.ID, Quantity: qty}},
	})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	return order
}

func confirmOrder(t *testing.T, e *engine.Engine, txn, msg string) *domain.Order {
	t.Helper()
	order, err := e.Confirm(context.Background(), pctx(txn, msg, "confirm"))
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	return order
}

func TestSelectRanksOffersAndDispatchesCallback(t *testing.T) {
	e, sched, sender := newTestEngine(t)
	ctx := context.Background()
	cheap := seedOffer(t, e, 5, 50)
	seedOffer(t, e, 10, 50)

	res, err := e.Select(ctx, pctx("txn-1", "msg-1", "select"), engine.SelectRequest{RequestedQuantity: 10})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if res.Match.Selected == nil || res.Match.Selected.Offer.ID != cheap.ID {
		t.Fatalf("expected cheapest offer selected, got %+v", res.Match.Selected)
	}

	sched.Advance(time.Second)
	actions := sender.actions()
	if len(actions) != 1 || actions[0] != "on_select" {
		t.Fatalf("callbacks = %v, want [on_select]", actions)
	}
	events, err := e.Repo.LatestEvents(ctx, eventFilter("txn-1"))
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want inbound + outbound", len(events))
	}
}

func TestSelectBulkCombinesOffers(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	seedOffer(t, e, 5, 50)
	seedOffer(t, e, 6, 30)

	res, err := e.Select(ctx, pctx("txn-1", "msg-1", "select"), engine.SelectRequest{RequestedQuantity: 100, Bulk: true})
	if err != nil {
		t.Fatalf("select bulk: %v", err)
	}
	if res.Bulk == nil {
		t.Fatalf("expected bulk selection")
	}
	if res.Bulk.FullyFulfilled || res.Bulk.Shortfall != 20 {
		t.Fatalf("expected shortfall 20, got %+v", res.Bulk)
	}
}

func TestInitClaimsBlocks(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	offer := seedOffer(t, e, 5, 10)

	order := initOrder(t, e, "txn-1", offer, 4)
	if order.Status != domain.OrderPending {
		t.Fatalf("status = %s, want PENDING", order.Status)
	}
	if order.Quote.TotalQuantity != 4 || order.Quote.Price.Value != 20 {
		t.Fatalf("unexpected quote %+v", order.Quote)
	}
	stats, err := e.Ledger.BlockStats(ctx, offer.ID)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Reserved != 4 || stats.Available != 6 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestInitInsufficientQuantityReleasesClaim(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	offer := seedOffer(t, e, 5, 3)

	_, err := e.Init(ctx, pctx("txn-1", "msg-1", "init"), engine.InitRequest{
		Items: []engine.InitItem{{OfferID: offer.ID, Quantity: 5}},
	})
	if code := protoCode(t, err); code != engine.CodeInsufficientQuantity {
		t.Fatalf("code = %s, want INSUFFICIENT_QUANTITY", code)
	}
	n, err := e.Ledger.AvailableCount(ctx, offer.ID)
	if err != nil || n != 3 {
		t.Fatalf("available = %d (%v), want full release to 3", n, err)
	}
	if _, err := e.Repo.GetOrderByTransaction(ctx, "txn-1"); err == nil {
		t.Fatalf("no order must be created on insufficient claim")
	}
}

func TestInitUnknownOfferNacks(t *testing.T) {
	e, _, _ := newTestEngine(t)
	_, err := e.Init(context.Background(), pctx("txn-1", "msg-1", "init"), engine.InitRequest{
		Items: []engine.InitItem{{OfferID: "nope", Quantity: 1}},
	})
	if code := protoCode(t, err); code != engine.CodeOfferNotFound {
		t.Fatalf("code = %s, want OFFER_NOT_FOUND", code)
	}
}

func TestConfirmIdempotent(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	offer := seedOffer(t, e, 5, 10)
	initOrder(t, e, "txn-1", offer, 4)

	first := confirmOrder(t, e, "txn-1", "msg-c1")
	if first.Status != domain.OrderActive {
		t.Fatalf("status = %s, want ACTIVE", first.Status)
	}
	stats, _ := e.Ledger.BlockStats(ctx, offer.ID)
	if stats.Sold != 4 || stats.Reserved != 0 {
		t.Fatalf("unexpected stats after confirm %+v", stats)
	}
	got, _ := e.Repo.GetOffer(ctx, offer.ID)
	if got.AvailableQuantity != 6 {
		t.Fatalf("available_quantity = %d, want 6", got.AvailableQuantity)
	}

	// repeat confirm with a fresh message_id: no further mutation
	second := confirmOrder(t, e, "txn-1", "msg-c2")
	if second.Status != domain.OrderActive {
		t.Fatalf("second confirm status = %s, want ACTIVE", second.Status)
	}
	stats, _ = e.Ledger.BlockStats(ctx, offer.ID)
	if stats.Sold != 4 {
		t.Fatalf("sold changed on repeat confirm: %+v", stats)
	}
	got, _ = e.Repo.GetOffer(ctx, offer.ID)
	if got.AvailableQuantity != 6 {
		t.Fatalf("available_quantity decremented twice: %d", got.AvailableQuantity)
	}
}

func TestOrderStatusTransitionGuard(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	offer := seedOffer(t, e, 5, 10)
	order := initOrder(t, e, "txn-1", offer, 4)
	confirmOrder(t, e, "txn-1", "msg-c1")

	// a stale PENDING transition must lose against the committed ACTIVE state
	ts := testClock.UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	moved, err := e.Repo.AdvanceOrderStatusTx(ctx, tx, order.ID, domain.OrderPending, domain.OrderActive, ts)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if moved {
		t.Fatal("stale PENDING transition applied against an ACTIVE order")
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	got, _ := e.Repo.GetOffer(ctx, offer.ID)
	if got.AvailableQuantity != 6 {
		t.Fatalf("available_quantity = %d, want 6", got.AvailableQuantity)
	}
}

func TestInjectedClockStampsLedgerAndEvents(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	offer := seedOffer(t, e, 5, 6)
	order := initOrder(t, e, "txn-1", offer, 2)

	want := testClock.UTC().Format(time.RFC3339)
	blocks, err := e.Ledger.BlocksForOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("blocks: %v", err)
	}
	if len(blocks) != 2 {
		t.Fatalf("blocks = %d, want 2", len(blocks))
	}
	for _, b := range blocks {
		if b.UpdatedAt != want {
			t.Fatalf("block %s updated_at = %s, want %s", b.ID, b.UpdatedAt, want)
		}
	}
	events, err := e.Repo.LatestEvents(ctx, eventFilter("txn-1"))
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) == 0 {
		t.Fatal("no events recorded")
	}
	for _, ev := range events {
		if ev.CreatedAt != want {
			t.Fatalf("event %s created_at = %s, want %s", ev.MessageID, ev.CreatedAt, want)
		}
	}
}

func TestDuplicateMessageSuppressed(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	seedOffer(t, e, 5, 10)

	req := engine.SelectRequest{RequestedQuantity: 2}
	first, err := e.Select(ctx, pctx("txn-1", "msg-1", "select"), req)
	if err != nil || first == nil {
		t.Fatalf("first select: %v", err)
	}
	before, _ := e.Repo.CountEvents(ctx, "txn-1")

	second, err := e.Select(ctx, pctx("txn-1", "msg-1", "select"), req)
	if err != nil {
		t.Fatalf("replay must ACK, got %v", err)
	}
	if second != nil {
		t.Fatalf("replay must perform no work, got %+v", second)
	}
	after, _ := e.Repo.CountEvents(ctx, "txn-1")
	if after != before {
		t.Fatalf("replay appended events: %d -> %d", before, after)
	}
}

func TestCancelReleasesBlocksAndPenalizesTrust(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	offer := seedOffer(t, e, 5, 10)
	initOrder(t, e, "txn-1", offer, 4)

	order, err := e.Cancel(ctx, pctx("txn-1", "msg-x", "cancel"))
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if order.Status != domain.OrderCancelled {
		t.Fatalf("status = %s, want CANCELLED", order.Status)
	}
	n, _ := e.Ledger.AvailableCount(ctx, offer.ID)
	if n != 10 {
		t.Fatalf("available = %d, want all 10 released", n)
	}
	p, err := e.Repo.GetProvider(ctx, offer.ProviderID)
	if err != nil {
		t.Fatalf("provider: %v", err)
	}
	if math.Abs(p.TrustScore-0.15) > 1e-9 {
		t.Fatalf("trust = %v, want 0.15 after first failed order", p.TrustScore)
	}
	if p.TotalOrders != 1 || p.SuccessfulOrders != 0 {
		t.Fatalf("unexpected counters %+v", p)
	}

	// confirm after cancel is rejected
	_, err = e.Confirm(ctx, pctx("txn-1", "msg-y", "confirm"))
	if code := protoCode(t, err); code != engine.CodeInvalidRequest {
		t.Fatalf("code = %s, want INVALID_REQUEST", code)
	}
}

func startCase(t *testing.T, e *engine.Engine, txn string, expected float64) *domain.VerificationCase {
	t.Helper()
	vc, err := e.VerificationStart(context.Background(), pctx(txn, txn+"-vs", "verification_start"), engine.VerificationStartRequest{
		ExpectedQuantity: expected,
	})
	if err != nil {
		t.Fatalf("verification start: %v", err)
	}
	return vc
}

func submitProofs(t *testing.T, e *engine.Engine, txn string, delivered float64) *domain.VerificationCase {
	t.Helper()
	vc, err := e.SubmitProofs(context.Background(), pctx(txn, txn+"-sp", "submit_proofs"), engine.SubmitProofsRequest{
		Proofs: []domain.DeliveryProof{{Type: "meter_reading", Quantity: delivered}},
	})
	if err != nil {
		t.Fatalf("submit proofs: %v", err)
	}
	return vc
}

func TestDeviationClassification(t *testing.T) {
	cases := []struct {
		name      string
		delivered float64
		wantState string
		wantPct   float64
	}{
		{"within tolerance", 96, domain.CaseVerified, 4},
		{"beyond tolerance", 94, domain.CaseDeviated, 6},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e, _, _ := newTestEngine(t)
			offer := seedOffer(t, e, 5, 100)
			initOrder(t, e, "txn-1", offer, 100)
			confirmOrder(t, e, "txn-1", "msg-c")
			startCase(t, e, "txn-1", 100)

			vc := submitProofs(t, e, "txn-1", tc.delivered)
			if vc.State != tc.wantState {
				t.Fatalf("state = %s, want %s", vc.State, tc.wantState)
			}
			if vc.DeviationPercent == nil || math.Abs(*vc.DeviationPercent-tc.wantPct) > 1e-9 {
				t.Fatalf("deviation = %v, want %v", vc.DeviationPercent, tc.wantPct)
			}
			if vc.DeviationQty == nil || math.Abs(*vc.DeviationQty-(100-tc.delivered)) > 1e-9 {
				t.Fatalf("deviation qty = %v, want %v", vc.DeviationQty, 100-tc.delivered)
			}
		})
	}
}

func TestAcceptAndRejectVerification(t *testing.T) {
	e, _, _ := newTestEngine(t)
	offer := seedOffer(t, e, 5, 100)
	initOrder(t, e, "txn-1", offer, 100)
	confirmOrder(t, e, "txn-1", "msg-c")
	startCase(t, e, "txn-1", 100)
	submitProofs(t, e, "txn-1", 90) // DEVIATED

	vc, err := e.AcceptVerification(context.Background(), pctx("txn-1", "msg-a", "accept_verification"), "")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if vc.State != domain.CaseVerified {
		t.Fatalf("state = %s, want VERIFIED after acceptance", vc.State)
	}

	// a second, disputed rejection path on a fresh order
	offer2 := seedOffer(t, e, 5, 100)
	initOrder(t, e, "txn-2", offer2, 100)
	confirmOrder(t, e, "txn-2", "msg-c2")
	startCase(t, e, "txn-2", 100)
	submitProofs(t, e, "txn-2", 80)

	vc2, err := e.RejectVerification(context.Background(), pctx("txn-2", "msg-r", "reject_verification"), engine.RejectVerificationRequest{Dispute: true})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if vc2.State != domain.CaseDisputed {
		t.Fatalf("state = %s, want DISPUTED", vc2.State)
	}
}

func TestSettlementProgressionAndCompletion(t *testing.T) {
	e, sched, sender := newTestEngine(t)
	ctx := context.Background()
	offer := seedOffer(t, e, 5, 100)
	initOrder(t, e, "txn-1", offer, 100)
	confirmOrder(t, e, "txn-1", "msg-c")
	startCase(t, e, "txn-1", 100)
	submitProofs(t, e, "txn-1", 96)

	s, err := e.SettlementStart(ctx, pctx("txn-1", "msg-s", "settlement_start"), engine.SettlementStartRequest{})
	if err != nil {
		t.Fatalf("settlement start: %v", err)
	}
	if s.State != domain.SettlementInitiated {
		t.Fatalf("state = %s, want INITIATED", s.State)
	}
	// delivered 96 at unit price 5, 4% deviation: no penalty
	if math.Abs(s.Amount.Value-480) > 1e-6 || s.Breakdown.Penalty != 0 {
		t.Fatalf("amount = %v penalty = %v, want 480 and 0", s.Amount.Value, s.Breakdown.Penalty)
	}

	sched.Advance(e.Config.SettlementPendingDelay())
	got, err := e.Repo.GetSettlement(ctx, s.ID)
	if err != nil {
		t.Fatalf("get settlement: %v", err)
	}
	if got.State != domain.SettlementPending {
		t.Fatalf("state = %s, want PENDING", got.State)
	}
	if got.CompletedAt != nil {
		t.Fatalf("completed_at set before SETTLED")
	}

	sched.Advance(e.Config.SettlementSettledDelay())
	got, _ = e.Repo.GetSettlement(ctx, s.ID)
	if got.State != domain.SettlementSettled {
		t.Fatalf("state = %s, want SETTLED", got.State)
	}
	if got.CompletedAt == nil {
		t.Fatalf("completed_at missing after SETTLED")
	}

	order, _ := e.Repo.GetOrderByTransaction(ctx, "txn-1")
	if order.Status != domain.OrderCompleted {
		t.Fatalf("order status = %s, want COMPLETED", order.Status)
	}
	p, _ := e.Repo.GetProvider(ctx, offer.ProviderID)
	if math.Abs(p.TrustScore-0.85) > 1e-9 {
		t.Fatalf("trust = %v, want 0.85 after first successful order", p.TrustScore)
	}

	// drain remaining callback dispatches and check the stage callbacks fired
	sched.Advance(time.Minute)
	seen := map[string]bool{}
	for _, a := range sender.actions() {
		seen[a] = true
	}
	for _, want := range []string{"on_settlement_initiated", "on_settlement_pending", "on_settlement_settled"} {
		if !seen[want] {
			t.Fatalf("missing callback %s in %v", want, sender.actions())
		}
	}

	// progression is monotonic: further time changes nothing
	sched.Advance(time.Hour)
	again, _ := e.Repo.GetSettlement(ctx, s.ID)
	if again.State != domain.SettlementSettled || *again.CompletedAt != *got.CompletedAt {
		t.Fatalf("settlement regressed: %+v", again)
	}
}

func TestSettlementPenaltyBeyondCutoff(t *testing.T) {
	e, _, _ := newTestEngine(t)
	offer := seedOffer(t, e, 5, 100)
	initOrder(t, e, "txn-1", offer, 100)
	confirmOrder(t, e, "txn-1", "msg-c")
	startCase(t, e, "txn-1", 100)
	submitProofs(t, e, "txn-1", 94) // 6% deviation

	s, err := e.SettlementStart(context.Background(), pctx("txn-1", "msg-s", "settlement_start"), engine.SettlementStartRequest{})
	if err != nil {
		t.Fatalf("settlement start: %v", err)
	}
	base := 94 * 5.0
	penalty := base * 0.05
	if math.Abs(s.Breakdown.BaseAmount-base) > 1e-6 {
		t.Fatalf("base = %v, want %v", s.Breakdown.BaseAmount, base)
	}
	if math.Abs(s.Breakdown.Penalty-penalty) > 1e-6 {
		t.Fatalf("penalty = %v, want %v", s.Breakdown.Penalty, penalty)
	}
	if math.Abs(s.Amount.Value-(base-penalty)) > 1e-6 {
		t.Fatalf("amount = %v, want %v", s.Amount.Value, base-penalty)
	}
}

func TestSettlementRequiresProofs(t *testing.T) {
	e, _, _ := newTestEngine(t)
	offer := seedOffer(t, e, 5, 100)
	initOrder(t, e, "txn-1", offer, 100)
	confirmOrder(t, e, "txn-1", "msg-c")
	startCase(t, e, "txn-1", 100)

	_, err := e.SettlementStart(context.Background(), pctx("txn-1", "msg-s", "settlement_start"), engine.SettlementStartRequest{})
	if code := protoCode(t, err); code != engine.CodeInvalidRequest {
		t.Fatalf("code = %s, want INVALID_REQUEST", code)
	}
}

func TestStatusIsReadOnly(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()
	offer := seedOffer(t, e, 5, 10)
	initOrder(t, e, "txn-1", offer, 4)

	res, err := e.Status(ctx, pctx("txn-1", "msg-st", "status"))
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if res.Order.Status != domain.OrderPending {
		t.Fatalf("status probe changed or misread state: %+v", res.Order)
	}
	if len(res.Blocks) != 4 {
		t.Fatalf("blocks = %d, want 4", len(res.Blocks))
	}
	stats, _ := e.Ledger.BlockStats(ctx, offer.ID)
	if stats.Reserved != 4 || stats.Available != 6 {
		t.Fatalf("status probe mutated blocks: %+v", stats)
	}
}
