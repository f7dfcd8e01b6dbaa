package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrContractTaken signals that the contract address is already attached
	// to another order.
	ErrContractTaken = errors.New("order: contract address already attached")
)

// OrderStatus is the read surface exposed to the order-status API layer.
type OrderStatus struct {
	Status         Status
	TrackingNumber *string
	UpdatedAt      time.Time
}

// QueryService is the read-only surface for external collaborators. It never
// touches event-processing internals.
type QueryService struct {
	pool *pgxpool.Pool
}

func NewQueryService(pool *pgxpool.Pool) *QueryService {
	return &QueryService{pool: pool}
}

// GetOrderStatus returns the mirror's view of one escrow contract.
func (s *QueryService) GetOrderStatus(ctx context.Context, contract string) (OrderStatus, error) {
	var st OrderStatus
	err := s.pool.QueryRow(ctx, `
        SELECT status::text, tracking_number, updated_at
        FROM orders
        WHERE contract_address = $1
    `, contract).Scan(&st.Status, &st.TrackingNumber, &st.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return OrderStatus{}, ErrOrderNotFound
		}
		return OrderStatus{}, fmt.Errorf("order: get status: %w", err)
	}
	return st, nil
}

// ListForUser returns orders where the user is buyer or seller, newest first.
func (s *QueryService) ListForUser(ctx context.Context, userID string) ([]Order, error) {
	rows, err := s.pool.Query(ctx, `
        SELECT id, contract_address, product_id, buyer_id, seller_id, amount::text, buyer_wallet, delivery_address,
               status::text, tracking_number, COALESCE(settlement_outcome, ''), last_applied_event_seq, created_at, updated_at
        FROM orders
        WHERE buyer_id = $1 OR seller_id = $1
        ORDER BY created_at DESC
    `, userID)
	if err != nil {
		return nil, fmt.Errorf("order: list for user: %w", err)
	}
	defer rows.Close()

	out := make([]Order, 0, 8)
	for rows.Next() {
		var rec Order
		if err := rows.Scan(
			&rec.ID, &rec.ContractAddress, &rec.ProductID, &rec.BuyerID, &rec.SellerID, &rec.Amount, &rec.BuyerWallet, &rec.DeliveryAddress,
			&rec.Status, &rec.TrackingNumber, &rec.SettlementOutcome, &rec.LastAppliedEventSeq, &rec.CreatedAt, &rec.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("order: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("order: iterate: %w", err)
	}
	return out, nil
}

// CreateParams captures a buyer checkout before the escrow contract exists.
type CreateParams struct {
	BuyerID         string
	SellerID        string
	ProductID       string
	Amount          string
	DeliveryAddress string
}

// CRUDService is the storefront glue around order rows. It writes only the
// commerce columns; lifecycle columns belong to the reconciliation engine.
type CRUDService struct {
	pool *pgxpool.Pool
}

func NewCRUDService(pool *pgxpool.Pool) *CRUDService {
	return &CRUDService{pool: pool}
}

func (s *CRUDService) Create(ctx context.Context, params CreateParams) (Order, error) {
	if params.BuyerID == "" || params.SellerID == "" {
		return Order{}, fmt.Errorf("order: buyer and seller ids required")
	}
	if params.Amount == "" {
		return Order{}, fmt.Errorf("order: amount required")
	}

	var rec Order
	err := s.pool.QueryRow(ctx, `
        INSERT INTO orders (product_id, buyer_id, seller_id, amount, delivery_address, status)
        VALUES (NULLIF($1, ''), $2, $3, $4::numeric, NULLIF($5, ''), 'created')
        RETURNING id, contract_address, product_id, buyer_id, seller_id, amount::text, buyer_wallet, delivery_address,
                  status::text, tracking_number, COALESCE(settlement_outcome, ''), last_applied_event_seq, created_at, updated_at
    `, params.ProductID, params.BuyerID, params.SellerID, params.Amount, params.DeliveryAddress).Scan(
		&rec.ID, &rec.ContractAddress, &rec.ProductID, &rec.BuyerID, &rec.SellerID, &rec.Amount, &rec.BuyerWallet, &rec.DeliveryAddress,
		&rec.Status, &rec.TrackingNumber, &rec.SettlementOutcome, &rec.LastAppliedEventSeq, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return Order{}, fmt.Errorf("order: create: %w", err)
	}
	return rec, nil
}

// AttachContract links a freshly deployed escrow contract to a buyer's order.
// If the engine already created a bare mirror row for the address the two
// rows stay separate; operators reconcile that case via the audit trail.
func (s *CRUDService) AttachContract(ctx context.Context, orderID, contract string) error {
	tag, err := s.pool.Exec(ctx, `
        UPDATE orders
        SET contract_address = $1, updated_at = now()
        WHERE id = $2 AND contract_address IS NULL
    `, contract, orderID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrContractTaken
		}
		return fmt.Errorf("order: attach contract: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// Get returns one order scoped to a participant.
func (s *CRUDService) Get(ctx context.Context, orderID, userID string) (Order, error) {
	var rec Order
	err := s.pool.QueryRow(ctx, `
        SELECT id, contract_address, product_id, buyer_id, seller_id, amount::text, buyer_wallet, delivery_address,
               status::text, tracking_number, COALESCE(settlement_outcome, ''), last_applied_event_seq, created_at, updated_at
        FROM orders
        WHERE id = $1 AND (buyer_id = $2 OR seller_id = $2)
    `, orderID, userID).Scan(
		&rec.ID, &rec.ContractAddress, &rec.ProductID, &rec.BuyerID, &rec.SellerID, &rec.Amount, &rec.BuyerWallet, &rec.DeliveryAddress,
		&rec.Status, &rec.TrackingNumber, &rec.SettlementOutcome, &rec.LastAppliedEventSeq, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Order{}, ErrOrderNotFound
		}
		return Order{}, fmt.Errorf("order: get: %w", err)
	}
	return rec, nil
}
