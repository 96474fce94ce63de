package exchange

import (
	"encoding/json"
	"time"

	"github.com/taskauction/exchange/internal/transport"
	"github.com/taskauction/exchange/internal/types"
	"github.com/taskauction/exchange/internal/xlog"
)

// RegisterAgent accepts a freshly upgraded worker connection into the
// registry and category index, and starts the goroutine pumping its
// inbound messages into the auction/execution controllers. The
// internal/endpoints AgentHandler owns the websocket.Upgrader and calls
// this once per accepted connection, keeping gorilla/websocket out of
// this package.
func (x *Exchange) RegisterAgent(agentID, version string, sock transport.AgentSocket) {
	x.deps.Registry.Connect(agentID, version, sock)
	if x.deps.Metrics != nil {
		x.deps.Metrics.SetAgentConnections(len(x.deps.Registry.All()))
	}

	x.wg.Add(1)
	go func() {
		defer x.wg.Done()
		x.pumpInbound(agentID, sock)
	}()
}

func (x *Exchange) pumpInbound(agentID string, sock transport.AgentSocket) {
	for {
		select {
		case msg, ok := <-sock.Inbox():
			if !ok {
				return
			}
			x.dispatchInbound(agentID, msg)
		case <-sock.Closed():
			x.onAgentDisconnected(agentID)
			return
		case <-x.stopCh:
			return
		}
	}
}

func (x *Exchange) onAgentDisconnected(agentID string) {
	x.deps.Registry.Disconnect(agentID)
	x.deps.Categories.RemoveAgent(agentID)
	x.deps.Execution.HandleAgentDisconnected(agentID)
	if x.deps.Metrics != nil {
		x.deps.Metrics.SetAgentConnections(len(x.deps.Registry.All()))
	}
}

// dispatchInbound routes one inbound wire message to the controller that
// owns its lifecycle phase (§6).
func (x *Exchange) dispatchInbound(agentID string, msg transport.Message) {
	switch msg.Type {
	case transport.MsgBidResponse:
		bid, err := decodeBid(agentID, msg.Payload)
		if err != nil {
			xlog.Agent(agentID).Warn().Err(err).Msg("malformed bid_response payload")
			return
		}
		if err := x.deps.Auction.SubmitBid(msg.AuctionID, bid); err != nil {
			xlog.Agent(agentID).Debug().Err(err).Str("auction_id", msg.AuctionID).Msg("bid rejected")
		}
	case transport.MsgTaskAck:
		x.deps.Execution.HandleAck(msg.TaskID, agentID)
	case transport.MsgTaskHeartbeat:
		var extendMs int64
		if v, ok := msg.Payload["extendMs"]; ok {
			extendMs = asInt64(v)
		}
		x.deps.Execution.HandleHeartbeat(msg.TaskID, agentID, extendMs)
	case transport.MsgTaskResult:
		result := decodeResult(msg.Payload)
		x.deps.Execution.HandleResult(msg.TaskID, agentID, result)
	case transport.MsgCategorySubscribe:
		if categoryID, ok := msg.Payload["categoryId"].(string); ok && categoryID != "" {
			x.deps.Categories.Subscribe(agentID, categoryID)
		}
	case transport.MsgCategoryUnsubscribe:
		if categoryID, ok := msg.Payload["categoryId"].(string); ok && categoryID != "" {
			x.deps.Categories.Unsubscribe(agentID, categoryID)
		}
	default:
		xlog.Agent(agentID).Warn().Str("type", string(msg.Type)).Msg("unexpected inbound message type")
	}
}

func decodeBid(agentID string, payload map[string]any) (types.Bid, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return types.Bid{}, err
	}
	var bid types.Bid
	if err := json.Unmarshal(raw, &bid); err != nil {
		return types.Bid{}, err
	}
	bid.AgentID = agentID
	bid.SubmittedAt = time.Now()
	if bid.Tier == "" {
		bid.Tier = types.TierCommunity
	}
	return bid, nil
}

func decodeResult(payload map[string]any) types.Result {
	var result types.Result
	raw, err := json.Marshal(payload)
	if err != nil {
		return result
	}
	_ = json.Unmarshal(raw, &result)
	return result
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}

// encodeTask/decodeTask serialize a task for the pending: persistence key
// described in §6.
func encodeTask(task *types.Task) ([]byte, error) {
	return json.Marshal(task)
}

func decodeTask(raw []byte) (*types.Task, error) {
	var task types.Task
	if err := json.Unmarshal(raw, &task); err != nil {
		return nil, err
	}
	return &task, nil
}
