// Package transport defines the wire protocol between the exchange and
// worker agents, plus one concrete implementation over gorilla/websocket.
// The transport substrate itself (which framing, which auth) is out of
// core scope; AgentSocket is the seam the auction and execution
// controllers depend on instead of a concrete connection type.
package transport

import "time"

// MessageType enumerates the wire messages of §6.
type MessageType string

const (
	MsgBidRequest     MessageType = "bid_request"
	MsgTaskAssignment MessageType = "task_assignment"
	MsgBidResponse    MessageType = "bid_response"
	MsgTaskAck        MessageType = "task_ack"
	MsgTaskHeartbeat  MessageType = "task_heartbeat"
	MsgTaskResult     MessageType = "task_result"

	// MsgCategorySubscribe/MsgCategoryUnsubscribe let a connected agent
	// register or drop its capability-category subscriptions after
	// connect time (§4.3: "Agents register/unregister category
	// subscriptions; the index is recomputed incrementally"). Payload
	// carries {"categoryId": "..."}.
	MsgCategorySubscribe   MessageType = "category_subscribe"
	MsgCategoryUnsubscribe MessageType = "category_unsubscribe"
)

// Message is the envelope carried over an AgentSocket in both directions.
type Message struct {
	Type      MessageType    `json:"type"`
	At        time.Time      `json:"at"`
	TaskID    string         `json:"taskId,omitempty"`
	AuctionID string         `json:"auctionId,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// AgentSocket is the exchange-side view of a connected worker agent. The
// auction and execution controllers send through it and receive inbound
// messages off its Inbox; they never touch the underlying connection.
type AgentSocket interface {
	AgentID() string
	Send(Message) error
	Inbox() <-chan Message
	Closed() <-chan struct{}
	Close() error
}
