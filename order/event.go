package order

import "time"

// EventKind identifies one of the escrow contract's lifecycle events.
type EventKind string

const (
	KindFunded          EventKind = "Funded"
	KindShipped         EventKind = "Shipped"
	KindDelivered       EventKind = "Delivered"
	KindGoodsConfirmed  EventKind = "GoodsConfirmed"
	KindDisputeOpened   EventKind = "DisputeOpened"
	KindDisputeResolved EventKind = "DisputeResolved"
)

// ContractEvent is one normalized occurrence on the external ledger. The
// payload fields are kind-specific; unused ones stay zero.
type ContractEvent struct {
	Contract   string
	Kind       EventKind
	SourceSeq  uint64
	ObservedAt time.Time

	// Funded / GoodsConfirmed
	Buyer string
	// Funded / DisputeResolved, in wei as a decimal string
	Amount string
	// Shipped
	TrackingNumber string
	// DisputeOpened, unix seconds
	Deadline uint64
	// DisputeResolved
	Winner string
	// DisputeResolved; derived by the normalizer from winner vs. buyer when
	// the event carries enough information, otherwise left empty and the
	// mirror records the settlement without an outcome.
	Outcome SettlementOutcome
}

// SourceSeq packs a block number and log index into the total order supplied
// by the chain. Comparing two sequences compares (block, index) pairs.
func SourceSeq(block uint64, logIndex uint) uint64 {
	return block<<32 | uint64(logIndex)
}

// BlockOf recovers the block number a sequence was derived from.
func BlockOf(seq uint64) uint64 {
	return seq >> 32
}

// payloadMap renders the kind-specific fields for the audit trail.
func (e ContractEvent) payloadMap() map[string]any {
	p := make(map[string]any, 4)
	switch e.Kind {
	case KindFunded:
		p["buyer"] = e.Buyer
		p["amount"] = e.Amount
	case KindShipped:
		p["tracking_number"] = e.TrackingNumber
	case KindGoodsConfirmed:
		p["buyer"] = e.Buyer
	case KindDisputeOpened:
		p["deadline"] = e.Deadline
	case KindDisputeResolved:
		p["winner"] = e.Winner
		p["amount"] = e.Amount
		if e.Outcome != "" {
			p["outcome"] = string(e.Outcome)
		}
	}
	return p
}
