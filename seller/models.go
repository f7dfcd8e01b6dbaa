package seller

// Stats captures the dashboard aggregates exposed to sellers.
type Stats struct {
	CompletedOrders int64
	ActiveOrders    int64
	TotalSales      string
	PendingEscrow   string
}
