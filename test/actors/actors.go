package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"descrow/order"
)

// LifecycleFeeder plays contract lifecycles through the engine the way the
// chain subscription would: a fresh contract per round, with occasional
// duplicated and reordered deliveries to exercise the dedup and the pending
// buffer.
func LifecycleFeeder(ctx context.Context, eng *order.Engine, feederID int, stop <-chan struct{}) error {
	round := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		round++
		contract := fmt.Sprintf("0xstress%02d%032d", feederID, round)
		events := lifecycle(contract, uint64(rand.Intn(1_000_000)+1))

		// Reorder an adjacent pair about a third of the time.
		if len(events) > 2 && rand.Intn(3) == 0 {
			i := rand.Intn(len(events) - 1)
			events[i], events[i+1] = events[i+1], events[i]
		}

		for _, ev := range events {
			if err := eng.Submit(ctx, ev); err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return fmt.Errorf("feeder submit: %w", err)
			}
			// At-least-once delivery: replay some events immediately.
			if rand.Intn(4) == 0 {
				if err := eng.Submit(ctx, ev); err != nil {
					if errors.Is(err, context.Canceled) {
						return nil
					}
					return fmt.Errorf("feeder replay: %w", err)
				}
			}
		}
		time.Sleep(time.Duration(10+rand.Intn(30)) * time.Millisecond)
	}
}

// lifecycle generates a full event sequence for one contract starting at the
// given block. Half the rounds settle through a dispute.
func lifecycle(contract string, block uint64) []order.ContractEvent {
	buyer := fmt.Sprintf("0xb%039d", rand.Intn(1000))
	now := time.Now().UTC()

	evs := []order.ContractEvent{
		{Contract: contract, Kind: order.KindFunded, SourceSeq: order.SourceSeq(block, 0), ObservedAt: now, Buyer: buyer, Amount: "1000"},
		{Contract: contract, Kind: order.KindShipped, SourceSeq: order.SourceSeq(block+1, 0), ObservedAt: now, TrackingNumber: fmt.Sprintf("TRK-%s", contract[len(contract)-6:])},
		{Contract: contract, Kind: order.KindDelivered, SourceSeq: order.SourceSeq(block+2, 0), ObservedAt: now},
	}
	if rand.Intn(2) == 0 {
		evs = append(evs,
			order.ContractEvent{Contract: contract, Kind: order.KindGoodsConfirmed, SourceSeq: order.SourceSeq(block+3, 0), ObservedAt: now, Buyer: buyer},
		)
	} else {
		winner := buyer
		if rand.Intn(2) == 0 {
			winner = fmt.Sprintf("0xs%039d", rand.Intn(1000))
		}
		evs = append(evs,
			order.ContractEvent{Contract: contract, Kind: order.KindDisputeOpened, SourceSeq: order.SourceSeq(block+3, 0), ObservedAt: now, Deadline: uint64(now.Unix()) + 86400},
			order.ContractEvent{Contract: contract, Kind: order.KindDisputeResolved, SourceSeq: order.SourceSeq(block+4, 0), ObservedAt: now, Winner: winner, Amount: "1000"},
		)
	}
	return evs
}

// WalletLogin hammers the lazy wallet-user upsert with a small id set so
// concurrent first sign-ins race on the same account rows.
func WalletLogin(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		accountID := fmt.Sprintf("0xwallet%03d", rand.Intn(16))
		if _, err := pool.Exec(ctx, `
            INSERT INTO users (account_id, role) VALUES ($1, 'buyer')
            ON CONFLICT (account_id) DO UPDATE SET updated_at = now()
        `, accountID); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("wallet login: %w", err)
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Shopper creates storefront orders and attaches contract addresses,
// racing attachers over the unique contract constraint.
func Shopper(ctx context.Context, pool *pgxpool.Pool, buyerID, sellerID string, stop <-chan struct{}) error {
	n := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		n++
		var orderID string
		if err := pool.QueryRow(ctx, `
            INSERT INTO orders (buyer_id, seller_id, amount, status)
            VALUES ($1, $2, 1000, 'created') RETURNING id
        `, buyerID, sellerID).Scan(&orderID); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("shopper create: %w", err)
		}

		// Two attach attempts per order; the second hits the unique key.
		contract := fmt.Sprintf("0xshop%s%030d", buyerID[:4], n)
		for i := 0; i < 2; i++ {
			_, err := pool.Exec(ctx, `
                UPDATE orders SET contract_address = $1, updated_at = now()
                WHERE id = $2 AND contract_address IS NULL
            `, contract, orderID)
			if err != nil {
				var pgErr *pgconn.PgError
				if errors.As(err, &pgErr) && pgErr.Code == "23505" {
					continue // expected under contention
				}
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return fmt.Errorf("shopper attach: %w", err)
			}
		}
		time.Sleep(time.Duration(30+rand.Intn(50)) * time.Millisecond)
	}
}

// DashboardReader runs the seller aggregate query concurrently with the
// engine's writes; it must never error regardless of in-flight transitions.
func DashboardReader(ctx context.Context, pool *pgxpool.Pool, sellerID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var completed, active int
		var totalSales, pendingEscrow string
		err := pool.QueryRow(ctx, `
            SELECT
                COUNT(*) FILTER (WHERE status = 'completed'),
                COUNT(*) FILTER (WHERE status IN ('created','funded','shipped','delivered')),
                COALESCE(SUM(amount) FILTER (WHERE status = 'completed'), 0)::text,
                COALESCE(SUM(amount) FILTER (WHERE status IN ('funded','shipped','delivered')), 0)::text
            FROM orders
            WHERE seller_id = $1
        `, sellerID).Scan(&completed, &active, &totalSales, &pendingEscrow)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("dashboard read: %w", err)
		}
		time.Sleep(time.Duration(50+rand.Intn(80)) * time.Millisecond)
	}
}

// OutboxWorker consumes pending outbox messages with SKIP LOCKED and marks
// them processed, occasionally simulating a failed delivery attempt.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE status='pending' ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		ids := make([]string, 0, 10)
		for rows.Next() {
			var id string
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			if rand.Intn(10) == 0 {
				_, _ = tx.Exec(ctx, `UPDATE outbox SET attempts=attempts+1 WHERE id=$1`, id)
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE outbox SET status='processed' WHERE id=$1`, id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}
