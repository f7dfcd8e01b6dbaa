package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrOrderNotFound is returned when no order row exists for the identifier.
	ErrOrderNotFound = errors.New("order: not found")
)

// InapplicableError signals that the transition table has no entry for the
// event given the mirror's current status. The engine buffers these for
// bounded retry before escalating.
type InapplicableError struct {
	Contract string
	Current  Status
	Kind     EventKind
	Seq      uint64
}

func (e *InapplicableError) Error() string {
	return fmt.Sprintf("order: event %s (seq=%d) inapplicable for %s in status %s", e.Kind, e.Seq, e.Contract, e.Current)
}

// ApplyResult reports what a single reconciliation step did.
type ApplyResult struct {
	Order     Order
	Duplicate bool
}

// InconsistencyReport is surfaced to operators when an event could not be
// reconciled within the retry budget. ChainStatus holds the authoritative
// contract state when a direct read was possible.
type InconsistencyReport struct {
	Contract     string
	Kind         EventKind
	SourceSeq    uint64
	MirrorStatus Status
	ChainStatus  string
	Detail       string
}

// Repository is the order ledger: the single durable store the engine writes.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Apply performs one reconciliation step in a single transaction: lazily
// create the mirror row, lock it, discard duplicates by source sequence,
// validate the transition, then update the row and append the audit trail
// and outbox message. The row lock serializes concurrent appliers racing on
// the same contract address.
func (r *Repository) Apply(ctx context.Context, ev ContractEvent) (ApplyResult, error) {
	if ev.Contract == "" {
		return ApplyResult{}, fmt.Errorf("order: apply: missing contract address")
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("order: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Mirror rows are created on first sight of an address.
	if _, err := tx.Exec(ctx, `
        INSERT INTO orders (contract_address, status)
        VALUES ($1, 'created')
        ON CONFLICT (contract_address) DO NOTHING
    `, ev.Contract); err != nil {
		return ApplyResult{}, fmt.Errorf("order: ensure mirror row: %w", err)
	}

	var (
		current     Status
		lastSeq     int64
		buyerWallet *string
	)
	if err := tx.QueryRow(ctx, `
        SELECT status::text, last_applied_event_seq, buyer_wallet
        FROM orders
        WHERE contract_address = $1
        FOR UPDATE
    `, ev.Contract).Scan(&current, &lastSeq, &buyerWallet); err != nil {
		return ApplyResult{}, fmt.Errorf("order: lock mirror row: %w", err)
	}

	if ev.SourceSeq <= uint64(lastSeq) {
		// At-least-once delivery replays are expected; nothing to do.
		return ApplyResult{Duplicate: true, Order: Order{ContractAddress: &ev.Contract, Status: current, LastAppliedEventSeq: uint64(lastSeq)}}, nil
	}

	next, ok := NextStatus(current, ev.Kind)
	if !ok {
		return ApplyResult{}, &InapplicableError{Contract: ev.Contract, Current: current, Kind: ev.Kind, Seq: ev.SourceSeq}
	}

	outcome := ev.Outcome
	if ev.Kind == KindDisputeResolved && outcome == "" && ev.Winner != "" && buyerWallet != nil {
		if strings.EqualFold(ev.Winner, *buyerWallet) {
			outcome = OutcomeRefundedToBuyer
		} else {
			outcome = OutcomeReleasedToSeller
		}
	}

	var rec Order
	if err := tx.QueryRow(ctx, `
        UPDATE orders
        SET status = $1::order_status,
            tracking_number = COALESCE(NULLIF($2, ''), tracking_number),
            settlement_outcome = COALESCE(NULLIF($3, ''), settlement_outcome),
            buyer_wallet = COALESCE(NULLIF($4, ''), buyer_wallet),
            last_applied_event_seq = $5,
            updated_at = now()
        WHERE contract_address = $6
        RETURNING id, contract_address, status::text, tracking_number, COALESCE(settlement_outcome, ''), last_applied_event_seq, created_at, updated_at
    `, next, ev.TrackingNumber, string(outcome), ev.Buyer, int64(ev.SourceSeq), ev.Contract).Scan(
		&rec.ID, &rec.ContractAddress, &rec.Status, &rec.TrackingNumber, &rec.SettlementOutcome, &rec.LastAppliedEventSeq, &rec.CreatedAt, &rec.UpdatedAt,
	); err != nil {
		return ApplyResult{}, fmt.Errorf("order: update mirror row: %w", err)
	}

	payload, err := json.Marshal(ev.payloadMap())
	if err != nil {
		return ApplyResult{}, fmt.Errorf("order: marshal event payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `
        INSERT INTO order_events (contract_address, kind, source_seq, previous_status, next_status, payload, observed_at)
        VALUES ($1, $2, $3, $4::order_status, $5::order_status, $6::jsonb, $7)
    `, ev.Contract, string(ev.Kind), int64(ev.SourceSeq), current, next, payload, ev.ObservedAt); err != nil {
		return ApplyResult{}, fmt.Errorf("order: append audit event: %w", err)
	}

	if err := enqueueOutbox(ctx, tx, "order.status_changed", map[string]any{
		"contract_address": ev.Contract,
		"previous":         current,
		"next":             next,
		"source_seq":       ev.SourceSeq,
	}); err != nil {
		return ApplyResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return ApplyResult{}, fmt.Errorf("order: commit apply: %w", err)
	}

	return ApplyResult{Order: rec}, nil
}

// RecordInconsistency persists an unreconcilable event for operator review.
func (r *Repository) RecordInconsistency(ctx context.Context, rep InconsistencyReport) error {
	_, err := r.pool.Exec(ctx, `
        INSERT INTO inconsistencies (contract_address, kind, source_seq, mirror_status, chain_status, detail)
        VALUES ($1, $2, $3, NULLIF($4, '')::order_status, NULLIF($5, ''), NULLIF($6, ''))
    `, rep.Contract, string(rep.Kind), int64(rep.SourceSeq), string(rep.MirrorStatus), rep.ChainStatus, rep.Detail)
	if err != nil {
		return fmt.Errorf("order: record inconsistency: %w", err)
	}
	return nil
}

// GetByContract loads the mirror row for a contract address.
func (r *Repository) GetByContract(ctx context.Context, contract string) (Order, error) {
	const query = `
        SELECT id, contract_address, product_id, buyer_id, seller_id, amount::text, buyer_wallet, delivery_address,
               status::text, tracking_number, COALESCE(settlement_outcome, ''), last_applied_event_seq, created_at, updated_at
        FROM orders
        WHERE contract_address = $1
    `
	var rec Order
	err := r.pool.QueryRow(ctx, query, contract).Scan(
		&rec.ID, &rec.ContractAddress, &rec.ProductID, &rec.BuyerID, &rec.SellerID, &rec.Amount, &rec.BuyerWallet, &rec.DeliveryAddress,
		&rec.Status, &rec.TrackingNumber, &rec.SettlementOutcome, &rec.LastAppliedEventSeq, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Order{}, ErrOrderNotFound
		}
		return Order{}, fmt.Errorf("order: get by contract: %w", err)
	}
	return rec, nil
}

// LastAppliedSeq returns the highest source sequence applied across the
// ledger, used by the supervisor to seed gap replay after a restart.
func (r *Repository) LastAppliedSeq(ctx context.Context) (uint64, error) {
	var seq int64
	if err := r.pool.QueryRow(ctx, `SELECT COALESCE(MAX(last_applied_event_seq), 0) FROM orders`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("order: last applied seq: %w", err)
	}
	return uint64(seq), nil
}

func enqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("order: marshal outbox payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`, topic, body); err != nil {
		return fmt.Errorf("order: enqueue outbox: %w", err)
	}
	return nil
}
