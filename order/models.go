package order

import "time"

// Status is the off-chain mirror of an escrow contract's lifecycle state.
type Status string

const (
	StatusCreated   Status = "created"
	StatusFunded    Status = "funded"
	StatusShipped   Status = "shipped"
	StatusDelivered Status = "delivered"
	StatusCompleted Status = "completed"
	StatusDisputed  Status = "disputed"
)

// SettlementOutcome records how a dispute settled. Both outcomes collapse to
// StatusCompleted; downstream consumers that care read this field instead.
type SettlementOutcome string

const (
	OutcomeReleasedToSeller SettlementOutcome = "released_to_seller"
	OutcomeRefundedToBuyer  SettlementOutcome = "refunded_to_buyer"
)

// Order mirrors the orders table. Mirror rows are keyed by ContractAddress
// and are only ever mutated by the reconciliation engine; the CRUD columns
// (product, buyer, seller, amount) belong to the storefront glue.
type Order struct {
	ID                  string
	ContractAddress     *string
	ProductID           *string
	BuyerID             *string
	SellerID            *string
	Amount              *string
	BuyerWallet         *string
	DeliveryAddress     *string
	Status              Status
	TrackingNumber      *string
	SettlementOutcome   SettlementOutcome
	LastAppliedEventSeq uint64
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Terminal reports whether no further transition may be applied.
func (s Status) Terminal() bool {
	return s == StatusCompleted
}

// transitions is the strict forward-only transition table. Any pair absent
// from it is inapplicable and must not mutate the mirror.
var transitions = map[Status]map[EventKind]Status{
	StatusCreated: {
		KindFunded: StatusFunded,
	},
	StatusFunded: {
		KindShipped:       StatusShipped,
		KindDisputeOpened: StatusDisputed,
	},
	StatusShipped: {
		KindDelivered:     StatusDelivered,
		KindDisputeOpened: StatusDisputed,
	},
	StatusDelivered: {
		KindGoodsConfirmed: StatusCompleted,
		KindDisputeOpened:  StatusDisputed,
	},
	StatusDisputed: {
		KindDisputeResolved: StatusCompleted,
	},
}

// NextStatus resolves the transition table for (current, kind). The second
// return is false when the combination is inapplicable.
func NextStatus(current Status, kind EventKind) (Status, bool) {
	next, ok := transitions[current][kind]
	return next, ok
}
