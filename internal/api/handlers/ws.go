package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/syncstorage/sync-engine/internal/dispatch"
	"github.com/syncstorage/sync-engine/internal/queue"
	"github.com/syncstorage/sync-engine/internal/realtime"
)

// Client-issued message types (spec §6, WebSocket namespace /sync).
const (
	wsTypeSet         = "sync:set"
	wsTypeRemove      = "sync:remove"
	wsTypeGet         = "sync:get"
	wsTypeGetAll      = "sync:getAll"
	wsTypeSubscribe   = "sync:subscribe"
	wsTypeUnsubscribe = "sync:unsubscribe"
)

// Server-emitted message types.
const (
	wsTypeResponse         = "response"
	wsTypeError            = "error"
	wsTypePendingUpdates   = "pending-updates"
	wsTypeConnectionStatus = "connection:status"
)

// inboundMessage is the envelope every client frame on /sync is decoded
// into; fields not relevant to Type are left zero.
type inboundMessage struct {
	Type            string          `json:"type"`
	Key             string          `json:"key,omitempty"`
	Value           json.RawMessage `json:"value,omitempty"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
	Prefix          string          `json:"prefix,omitempty"`
	ExpectedVersion *int64          `json:"expectedVersion,omitempty"`
	RequestID       string          `json:"requestId,omitempty"`
}

// outboundMessage is the envelope every server frame on /sync is encoded
// from.
type outboundMessage struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload,omitempty"`
	Error     string      `json:"error,omitempty"`
	Message   string      `json:"message,omitempty"`
	RequestID string      `json:"requestId,omitempty"`
	Timestamp int64       `json:"timestamp,omitempty"`
}

// WSCommandHandler implements realtime.CommandHandler, executing
// client-issued /sync commands against the dispatcher and replaying
// buffered offline updates on connect.
type WSCommandHandler struct {
	dispatcher *dispatch.Dispatcher
	queue      *queue.Manager
	logger     *slog.Logger
}

// NewWSCommandHandler creates a WSCommandHandler.
func NewWSCommandHandler(dispatcher *dispatch.Dispatcher, manager *queue.Manager, logger *slog.Logger) *WSCommandHandler {
	return &WSCommandHandler{dispatcher: dispatcher, queue: manager, logger: logger.With("component", "ws_command_handler")}
}

// HandleConnect implements realtime.CommandHandler: registers the instance
// with the offline queue, then emits a connection:status ack followed by
// any updates buffered while the instance was offline.
func (h *WSCommandHandler) HandleConnect(ctx context.Context, userID, instanceID string) [][]byte {
	h.queue.RegisterInstance(userID, instanceID)

	status, err := json.Marshal(outboundMessage{
		Type:      wsTypeConnectionStatus,
		Payload:   map[string]interface{}{"connected": true, "userId": userID, "instanceId": instanceID},
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		h.logger.Error("failed to marshal connection:status", "error", err)
		return nil
	}

	msgs := [][]byte{status}

	pending := h.queue.GetPendingUpdates(userID, instanceID, nil)
	if len(pending) > 0 {
		raw, err := json.Marshal(outboundMessage{
			Type:      wsTypePendingUpdates,
			Payload:   pending,
			Timestamp: time.Now().UnixMilli(),
		})
		if err != nil {
			h.logger.Error("failed to marshal pending-updates", "error", err)
			return msgs
		}
		msgs = append(msgs, raw)
		h.queue.ClearQueue(userID, instanceID)
	}

	return msgs
}

// HandleMessage implements realtime.CommandHandler, executing one inbound
// client frame and returning its ack or error response.
func (h *WSCommandHandler) HandleMessage(ctx context.Context, userID, instanceID string, raw []byte) []byte {
	var msg inboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return h.errorResponse("", "malformed message")
	}

	switch msg.Type {
	case wsTypeSet:
		return h.handleSet(ctx, userID, instanceID, msg)
	case wsTypeRemove:
		return h.handleRemove(ctx, userID, instanceID, msg)
	case wsTypeGet:
		return h.handleGet(ctx, userID, msg)
	case wsTypeGetAll:
		return h.handleGetAll(ctx, userID, msg)
	case wsTypeSubscribe, wsTypeUnsubscribe:
		// Room membership for key-level subscriptions is fixed at connect
		// time from the "keys" query parameter; acknowledge without effect
		// so older clients that still send these frames don't see errors.
		return h.response(msg.RequestID, map[string]interface{}{"acknowledged": true})
	default:
		return h.errorResponse(msg.RequestID, "unknown message type: "+msg.Type)
	}
}

func (h *WSCommandHandler) handleSet(ctx context.Context, userID, instanceID string, msg inboundMessage) []byte {
	if msg.Key == "" || len(msg.Value) == 0 {
		return h.errorResponse(msg.RequestID, "key and value are required")
	}
	result, err := h.dispatcher.Dispatch(ctx, dispatch.SetItem{
		UserID:          userID,
		InstanceID:      instanceID,
		Key:             msg.Key,
		Value:           valueOf(msg.Value),
		Metadata:        valueOf(msg.Metadata),
		ExpectedVersion: msg.ExpectedVersion,
	})
	if err != nil {
		return h.errorResponse(msg.RequestID, err.Error())
	}
	return h.response(msg.RequestID, result.Item)
}

func (h *WSCommandHandler) handleRemove(ctx context.Context, userID, instanceID string, msg inboundMessage) []byte {
	if msg.Key == "" {
		return h.errorResponse(msg.RequestID, "key is required")
	}
	if _, err := h.dispatcher.Dispatch(ctx, dispatch.RemoveItem{
		UserID:     userID,
		InstanceID: instanceID,
		Key:        msg.Key,
	}); err != nil {
		return h.errorResponse(msg.RequestID, err.Error())
	}
	return h.response(msg.RequestID, map[string]interface{}{"key": msg.Key, "removed": true})
}

func (h *WSCommandHandler) handleGet(ctx context.Context, userID string, msg inboundMessage) []byte {
	if msg.Key == "" {
		return h.errorResponse(msg.RequestID, "key is required")
	}
	item, err := h.dispatcher.Query(ctx, dispatch.GetItem{UserID: userID, Key: msg.Key})
	if err != nil {
		return h.errorResponse(msg.RequestID, err.Error())
	}
	return h.response(msg.RequestID, item)
}

func (h *WSCommandHandler) handleGetAll(ctx context.Context, userID string, msg inboundMessage) []byte {
	items, err := h.dispatcher.Query(ctx, dispatch.GetAllItems{UserID: userID, Prefix: msg.Prefix})
	if err != nil {
		return h.errorResponse(msg.RequestID, err.Error())
	}
	return h.response(msg.RequestID, items)
}

func (h *WSCommandHandler) response(requestID string, payload interface{}) []byte {
	raw, err := json.Marshal(outboundMessage{Type: wsTypeResponse, Payload: payload, RequestID: requestID})
	if err != nil {
		h.logger.Error("failed to marshal response", "error", err)
		return h.errorResponse(requestID, "internal error")
	}
	return raw
}

func (h *WSCommandHandler) errorResponse(requestID, message string) []byte {
	raw, err := json.Marshal(outboundMessage{
		Type:      wsTypeError,
		Error:     message,
		Message:   message,
		RequestID: requestID,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return []byte(`{"type":"error","error":"internal error"}`)
	}
	return raw
}

var _ realtime.CommandHandler = (*WSCommandHandler)(nil)
