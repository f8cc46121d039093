package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Client talks to an OpenAlgo-compatible broker bridge over REST.
// All endpoints are POST-with-JSON; the api key travels in the body.
type Client struct {
	BaseURL    string
	APIKey     string
	Product    string // MIS for intraday, NRML for carry-forward
	HTTPClient *http.Client

	limiter *rate.Limiter
}

// NewClient builds a REST client. rps bounds outbound request rate; the
// bridge bans keys that exceed its per-second budget.
func NewClient(baseURL, apiKey string, rps float64) *Client {
	if rps <= 0 {
		rps = 10
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     apiKey,
		Product:    "MIS",
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(rps), int(rps)),
	}
}

type placeOrderPayload struct {
	APIKey       string `json:"apikey"`
	Strategy     string `json:"strategy"`
	Symbol       string `json:"symbol"`
	Exchange     string `json:"exchange"`
	Action       string `json:"action"`
	Quantity     string `json:"quantity"`
	PriceType    string `json:"pricetype"`
	Product      string `json:"product"`
	Price        string `json:"price,omitempty"`
	TriggerPrice string `json:"trigger_price,omitempty"`
}

type placeOrderResponse struct {
	Status  string `json:"status"`
	OrderID string `json:"orderid"`
	Message string `json:"message"`
}

// PlaceOrder submits an order and returns the broker ack.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	payload := placeOrderPayload{
		APIKey:    c.APIKey,
		Strategy:  req.ClientID,
		Symbol:    req.Symbol,
		Exchange:  req.Exchange,
		Action:    string(req.Side),
		Quantity:  fmt.Sprintf("%d", req.Qty),
		PriceType: string(req.Type),
		Product:   c.Product,
	}
	if req.Type == OrderTypeLimit {
		payload.Price = fmt.Sprintf("%.2f", req.Price)
	}
	if req.Type == OrderTypeStopMarket {
		payload.TriggerPrice = fmt.Sprintf("%.2f", req.TriggerPrice)
	}

	var res placeOrderResponse
	if err := c.post(ctx, "/api/v1/placeorder", payload, &res); err != nil {
		return OrderAck{}, err
	}
	if res.Status != "success" {
		return OrderAck{Status: StatusRejected}, fmt.Errorf("place order rejected: %s", res.Message)
	}
	return OrderAck{OrderID: res.OrderID, Status: StatusPending}, nil
}

type orderStatusPayload struct {
	APIKey  string `json:"apikey"`
	OrderID string `json:"orderid"`
}

type orderStatusResponse struct {
	Status string `json:"status"`
	Data   struct {
		OrderID     string  `json:"orderid"`
		OrderStatus string  `json:"order_status"`
		FilledQty   int     `json:"filled_quantity"`
		AvgPrice    float64 `json:"average_price"`
	} `json:"data"`
	Message string `json:"message"`
}

// OrderStatus fetches the current state of an order.
func (c *Client) OrderStatus(ctx context.Context, orderID string) (OrderState, error) {
	var res orderStatusResponse
	if err := c.post(ctx, "/api/v1/orderstatus", orderStatusPayload{APIKey: c.APIKey, OrderID: orderID}, &res); err != nil {
		return OrderState{}, err
	}
	if res.Status != "success" {
		if strings.Contains(strings.ToLower(res.Message), "not found") {
			return OrderState{}, fmt.Errorf("order %s: %w", orderID, ErrOrderNotFound)
		}
		return OrderState{}, fmt.Errorf("order status failed: %s", res.Message)
	}
	return OrderState{
		OrderID:   res.Data.OrderID,
		Status:    normalizeStatus(res.Data.OrderStatus),
		FilledQty: res.Data.FilledQty,
		AvgPrice:  res.Data.AvgPrice,
	}, nil
}

type cancelPayload struct {
	APIKey  string `json:"apikey"`
	Symbol  string `json:"symbol"`
	OrderID string `json:"orderid"`
}

// CancelOrder requests cancellation. The ack is best-effort: an order that
// already completed cancels into a no-op on the broker side.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	var res placeOrderResponse
	if err := c.post(ctx, "/api/v1/cancelorder", cancelPayload{APIKey: c.APIKey, Symbol: symbol, OrderID: orderID}, &res); err != nil {
		return err
	}
	if res.Status != "success" {
		return fmt.Errorf("cancel order %s: %s", orderID, res.Message)
	}
	return nil
}

type quotePayload struct {
	APIKey   string `json:"apikey"`
	Symbol   string `json:"symbol"`
	Exchange string `json:"exchange"`
}

type quoteResponse struct {
	Status string `json:"status"`
	Data   struct {
		LTP float64 `json:"ltp"`
	} `json:"data"`
	Message string `json:"message"`
}

// Quote returns the last traded price for a symbol.
func (c *Client) Quote(ctx context.Context, symbol, exchange string) (Quote, error) {
	var res quoteResponse
	if err := c.post(ctx, "/api/v1/quotes", quotePayload{APIKey: c.APIKey, Symbol: symbol, Exchange: exchange}, &res); err != nil {
		return Quote{}, err
	}
	if res.Status != "success" {
		return Quote{}, fmt.Errorf("quote failed for %s: %s", symbol, res.Message)
	}
	return Quote{Symbol: symbol, LastPrice: res.Data.LTP}, nil
}

type positionBookResponse struct {
	Status string `json:"status"`
	Data   []struct {
		Symbol   string  `json:"symbol"`
		Exchange string  `json:"exchange"`
		NetQty   int     `json:"netqty"`
		AvgPrice float64 `json:"average_price"`
	} `json:"data"`
	Message string `json:"message"`
}

// PositionBook returns the broker's authoritative net positions.
func (c *Client) PositionBook(ctx context.Context) ([]NetPosition, error) {
	var res positionBookResponse
	if err := c.post(ctx, "/api/v1/positionbook", map[string]string{"apikey": c.APIKey}, &res); err != nil {
		return nil, err
	}
	if res.Status != "success" {
		return nil, fmt.Errorf("position book failed: %s", res.Message)
	}
	out := make([]NetPosition, 0, len(res.Data))
	for _, p := range res.Data {
		out = append(out, NetPosition{
			Symbol:   p.Symbol,
			Exchange: p.Exchange,
			NetQty:   p.NetQty,
			AvgPrice: p.AvgPrice,
		})
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer res.Body.Close()

	if res.StatusCode >= 500 {
		return fmt.Errorf("%w: %s returned %d", ErrUnavailable, path, res.StatusCode)
	}
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned %d", path, res.StatusCode)
	}
	return json.NewDecoder(res.Body).Decode(out)
}

// normalizeStatus maps the bridge's free-form status strings onto the
// controller's small status set.
func normalizeStatus(s string) OrderStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "open", "pending", "trigger pending", "validation pending", "put order req received":
		return StatusPending
	case "partially filled", "partial":
		return StatusPartial
	case "complete", "filled":
		return StatusComplete
	case "rejected":
		return StatusRejected
	case "cancelled", "canceled":
		return StatusCancelled
	default:
		return StatusUnknown
	}
}
