package api

import "github.com/uhyunpark/estatex/pkg/app/core"

// ==============================
// REST Response Types
// ==============================

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

type SubmitOrderResponse struct {
	OrderID string           `json:"orderId"`
	Status  core.OrderStatus `json:"status"`
}

// ==============================
// WebSocket Types
// ==============================

// WSSubscribeRequest is sent by clients, e.g.
// {"op":"subscribe","channels":["trades:PROP-1","book:PROP-1"]}
type WSSubscribeRequest struct {
	Op       string   `json:"op"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}

// WSMessage wraps every server push.
type WSMessage struct {
	Type      string      `json:"type"` // "trade", "book" or "order"
	Channel   string      `json:"channel"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"` // unix milliseconds
}

const (
	channelTrades = "trades:"
	channelBook   = "book:"
	channelOrders = "orders:"
)
