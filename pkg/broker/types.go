package broker

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType denotes the price types the controller places.
type OrderType string

const (
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeStopMarket OrderType = "SL-M"
)

// OrderStatus normalizes broker status into a small set.
type OrderStatus string

const (
	StatusPending   OrderStatus = "PENDING"
	StatusPartial   OrderStatus = "PARTIAL"
	StatusComplete  OrderStatus = "COMPLETE"
	StatusRejected  OrderStatus = "REJECTED"
	StatusCancelled OrderStatus = "CANCELLED"
	StatusUnknown   OrderStatus = "UNKNOWN"
)

// Terminal reports whether the status can no longer change.
func (s OrderStatus) Terminal() bool {
	return s == StatusComplete || s == StatusRejected || s == StatusCancelled
}

// OrderRequest captures an order intent sent to the broker.
type OrderRequest struct {
	Symbol       string
	Exchange     string
	Side         Side
	Type         OrderType
	Qty          int
	Price        float64 // required for LIMIT
	TriggerPrice float64 // required for SL-M
	ClientID     string  // optional client order id
}

// OrderAck is the broker's acceptance of an order.
type OrderAck struct {
	OrderID string
	Status  OrderStatus
}

// OrderState is a point-in-time view of an order.
type OrderState struct {
	OrderID   string
	Status    OrderStatus
	FilledQty int
	AvgPrice  float64
}

// Quote is a last-traded-price snapshot.
type Quote struct {
	Symbol    string
	LastPrice float64
}

// NetPosition is one row of the broker's position book.
type NetPosition struct {
	Symbol   string
	Exchange string
	NetQty   int
	AvgPrice float64
}
