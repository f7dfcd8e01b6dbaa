package seller

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"descrow/order"
)

// Repository provides read access to a seller's orders and aggregates.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Stats aggregates the seller dashboard figures in one pass. Sales are
// summed in wei and returned as decimal strings.
func (r *Repository) Stats(ctx context.Context, sellerID string) (Stats, error) {
	const query = `
		SELECT
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status IN ('created','funded','shipped','delivered')),
			COALESCE(SUM(amount) FILTER (WHERE status = 'completed'), 0)::text,
			COALESCE(SUM(amount) FILTER (WHERE status IN ('funded','shipped','delivered')), 0)::text
		FROM orders
		WHERE seller_id = $1
	`

	var stats Stats
	err := r.pool.QueryRow(ctx, query, sellerID).Scan(
		&stats.CompletedOrders,
		&stats.ActiveOrders,
		&stats.TotalSales,
		&stats.PendingEscrow,
	)
	if err != nil {
		return Stats{}, fmt.Errorf("seller: stats: %w", err)
	}
	return stats, nil
}

// Orders lists the seller's orders, newest first.
func (r *Repository) Orders(ctx context.Context, sellerID string) ([]order.Order, error) {
	const query = `
		SELECT id, contract_address, product_id, buyer_id, seller_id, amount::text, buyer_wallet, delivery_address,
		       status::text, tracking_number, COALESCE(settlement_outcome, ''), last_applied_event_seq, created_at, updated_at
		FROM orders
		WHERE seller_id = $1
		ORDER BY created_at DESC
	`

	rows, err := r.pool.Query(ctx, query, sellerID)
	if err != nil {
		return nil, fmt.Errorf("seller: list orders: %w", err)
	}
	defer rows.Close()

	orders := make([]order.Order, 0, 8)
	for rows.Next() {
		var rec order.Order
		if err := rows.Scan(
			&rec.ID, &rec.ContractAddress, &rec.ProductID, &rec.BuyerID, &rec.SellerID, &rec.Amount, &rec.BuyerWallet, &rec.DeliveryAddress,
			&rec.Status, &rec.TrackingNumber, &rec.SettlementOutcome, &rec.LastAppliedEventSeq, &rec.CreatedAt, &rec.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("seller: scan order: %w", err)
		}
		orders = append(orders, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("seller: iterate orders: %w", err)
	}
	return orders, nil
}
