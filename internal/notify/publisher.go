// Package notify publishes execution events to Redis for dashboard consumers.
package notify

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
)

const defaultEventChannel = "execution:events"

// 事件类型
const (
	EventOrderPlaced       = "order_placed"
	EventOrderFilled       = "order_filled"
	EventOrderCanceled     = "order_canceled"
	EventPositionFlattened = "position_flattened"
	EventSweepCancel       = "sweep_cancel"
	EventExitSent          = "exit_sent"
)

// OrderEvent 对外广播的订单事件
type OrderEvent struct {
	Event     string `json:"event"`
	Symbol    string `json:"symbol"`
	OrderID   int64  `json:"orderId,omitempty"`
	Side      string `json:"side,omitempty"`
	OrderType string `json:"orderType,omitempty"`
	Price     string `json:"price,omitempty"`
	Quantity  string `json:"quantity,omitempty"`
	Source    string `json:"source"`
	Reason    string `json:"reason,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Publisher publishes execution events.
type Publisher struct {
	client  *redis.Client
	channel string
}

// NewPublisher creates a publisher. A nil client disables publishing.
func NewPublisher(client *redis.Client, channel string) *Publisher {
	if channel == "" {
		channel = defaultEventChannel
	}
	return &Publisher{
		client:  client,
		channel: channel,
	}
}

// PublishOrderEvent publishes an order event for the dashboard.
func (p *Publisher) PublishOrderEvent(ctx context.Context, ev OrderEvent) error {
	if p == nil || p.client == nil {
		return nil
	}

	payload := map[string]interface{}{
		"channel": "execution",
		"event":   ev.Event,
		"data":    ev,
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, p.channel, raw).Err()
}
