package seller

import (
	"context"

	"descrow/order"
)

// DashboardReader abstracts repository operations for the service.
type DashboardReader interface {
	Stats(ctx context.Context, sellerID string) (Stats, error)
	Orders(ctx context.Context, sellerID string) ([]order.Order, error)
}

// Service exposes business-level seller dashboard operations.
type Service struct {
	repo DashboardReader
}

// NewService builds a Service using the provided repository.
func NewService(repo DashboardReader) *Service {
	return &Service{repo: repo}
}

// Stats returns dashboard aggregates for the seller.
func (s *Service) Stats(ctx context.Context, sellerID string) (Stats, error) {
	return s.repo.Stats(ctx, sellerID)
}

// Orders returns the seller's orders, newest first.
func (s *Service) Orders(ctx context.Context, sellerID string) ([]order.Order, error) {
	return s.repo.Orders(ctx, sellerID)
}
