package domain

// Money is a price amount in a given currency.
type Money struct {
	Value    float64 `json:"value"`
	Currency string  `json:"currency"`
}

// TimeWindow bounds an offer or request in time. RFC3339 timestamps.
type TimeWindow struct {
	Start string `json:"start" format:"date-time"`
	End   string `json:"end" format:"date-time"`
}

type Provider struct {
	ID               string  `json:"id"`
	Name             string  `json:"name"`
	TrustScore       float64 `json:"trust_score" minimum:"0" maximum:"1"`
	TotalOrders      int     `json:"total_orders"`
	SuccessfulOrders int     `json:"successful_orders"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
	UpdatedAt        string  `json:"updated_at" format:"date-time"`
}

type Offer struct {
	ID         string `json:"id"`
	ItemID     string `json:"item_id"`
	ProviderID string `json:"provider_id"`
	Price      Money  `json:"price"`
	// MaxQuantity is the nominal published quantity in blocks (1 block = 1 kWh).
	MaxQuantity int `json:"max_quantity"`
	// AvailableQuantity is the item-level counter decremented at confirm by the
	// actual sold quantity. Block statuses remain the authoritative measure.
	AvailableQuantity int         `json:"available_quantity"`
	Window            *TimeWindow `json:"time_window,omitempty"`
	Status            string      `json:"status" enum:"published,withdrawn"`
	CreatedAt         string      `json:"created_at" format:"date-time"`
	UpdatedAt         string      `json:"updated_at" format:"date-time"`
}

// Block statuses. A block is the indivisible unit of reservable quantity.
const (
	BlockAvailable = "AVAILABLE"
	BlockReserved  = "RESERVED"
	BlockSold      = "SOLD"
)

type Block struct {
	ID            string  `json:"id"`
	OfferID       string  `json:"offer_id"`
	Status        string  `json:"status" enum:"AVAILABLE,RESERVED,SOLD"`
	OrderID       *string `json:"order_id,omitempty"`
	TransactionID *string `json:"transaction_id,omitempty"`
	UpdatedAt     string  `json:"updated_at" format:"date-time"`
}

// Order statuses.
const (
	OrderPending   = "PENDING"
	OrderActive    = "ACTIVE"
	OrderCancelled = "CANCELLED"
	OrderCompleted = "COMPLETED"
)

// OrderItem is one offer's contribution to an order.
type OrderItem struct {
	OfferID   string  `json:"offer_id"`
	ItemID    string  `json:"item_id"`
	Quantity  int     `json:"quantity"`
	UnitPrice Money   `json:"unit_price"`
	Subtotal  float64 `json:"subtotal"`
}

// Quote summarizes an order's agreed totals.
type Quote struct {
	TotalQuantity int   `json:"total_quantity"`
	Price         Money `json:"price"`
}

type Order struct {
	ID            string      `json:"id"`
	TransactionID string      `json:"transaction_id"`
	Status        string      `json:"status" enum:"PENDING,ACTIVE,CANCELLED,COMPLETED"`
	ProviderID    string      `json:"provider_id"`
	Items         []OrderItem `json:"items"`
	Quote         Quote       `json:"quote"`
	CreatedAt     string      `json:"created_at" format:"date-time"`
	UpdatedAt     string      `json:"updated_at" format:"date-time"`
}

// Verification case states.
const (
	CasePending  = "PENDING"
	CaseVerified = "VERIFIED"
	CaseDeviated = "DEVIATED"
	CaseDisputed = "DISPUTED"
	CaseRejected = "REJECTED"
)

// ToleranceRules bound the acceptable expected-vs-delivered deviation.
type ToleranceRules struct {
	MaxDeviationPercent float64 `json:"max_deviation_percent"`
}

type VerificationCase struct {
	ID                string         `json:"id"`
	OrderID           string         `json:"order_id"`
	TransactionID     string         `json:"transaction_id"`
	State             string         `json:"state" enum:"PENDING,VERIFIED,DEVIATED,DISPUTED,REJECTED"`
	ExpectedQuantity  float64        `json:"expected_quantity"`
	DeliveredQuantity *float64       `json:"delivered_quantity,omitempty"`
	DeviationQty      *float64       `json:"deviation_qty,omitempty"`
	DeviationPercent  *float64       `json:"deviation_percent,omitempty"`
	RequiredProofs    []string       `json:"required_proofs,omitempty"`
	Tolerance         ToleranceRules `json:"tolerance_rules"`
	Window            *TimeWindow    `json:"window,omitempty"`
	ExpiresAt         string         `json:"expires_at" format:"date-time"`
	CreatedAt         string         `json:"created_at" format:"date-time"`
	UpdatedAt         string         `json:"updated_at" format:"date-time"`
}

// DeliveryProof is one meter reading or attestation submitted against a case.
type DeliveryProof struct {
	Type     string  `json:"type"`
	Quantity float64 `json:"quantity"`
	Ref      string  `json:"ref,omitempty"`
}

// Settlement states. Progression is monotonic and never reverses.
const (
	SettlementInitiated = "INITIATED"
	SettlementPending   = "PENDING"
	SettlementSettled   = "SETTLED"
	SettlementFailed    = "FAILED"
)

// SettlementBreakdown itemizes how the payout was computed.
type SettlementBreakdown struct {
	BaseAmount          float64 `json:"base_amount"`
	Penalty             float64 `json:"penalty,omitempty"`
	DeviationAdjustment float64 `json:"deviation_adjustment,omitempty"`
}

type Settlement struct {
	ID             string              `json:"id"`
	OrderID        string              `json:"order_id"`
	CaseID         string              `json:"verification_case_id"`
	TransactionID  string              `json:"transaction_id"`
	SettlementType string              `json:"settlement_type"`
	State          string              `json:"state" enum:"INITIATED,PENDING,SETTLED,FAILED"`
	Amount         Money               `json:"amount"`
	Breakdown      SettlementBreakdown `json:"breakdown"`
	InitiatedAt    string              `json:"initiated_at" format:"date-time"`
	CompletedAt    *string             `json:"completed_at,omitempty" format:"date-time"`
}

// Protocol event directions.
const (
	DirectionInbound  = "INBOUND"
	DirectionOutbound = "OUTBOUND"
)

// ProtocolEvent is one appended inbound or outbound protocol message.
// MessageID uniqueness across INBOUND rows is the deduplication key.
type ProtocolEvent struct {
	ID            int64  `json:"id"`
	TransactionID string `json:"transaction_id"`
	MessageID     string `json:"message_id"`
	Action        string `json:"action"`
	Direction     string `json:"direction" enum:"INBOUND,OUTBOUND"`
	Payload       string `json:"payload_json"`
	CreatedAt     string `json:"created_at" format:"date-time"`
}

// APIKey authenticates dashboard read access.
type APIKey struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Subject   string `json:"subject"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
