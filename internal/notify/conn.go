package notify

import (
	"context"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/helpdesk/internal/protocol"
)

const (
	writeTimeout = 10 * time.Second
	readTimeout  = 120 * time.Second
	pingInterval = 45 * time.Second
	readLimit    = 64 << 10
)

// Handler answers one parsed client frame. A nil reply sends nothing.
type Handler func(ctx context.Context, sessionID string, msg any) (any, error)

// Serve runs the read and write pumps for one websocket connection until the
// client disconnects or ctx is done. Client frames are handled in arrival
// order; handoff updates published to the hub are interleaved on the same
// writer.
func (h *Hub) Serve(ctx context.Context, conn *websocket.Conn, sessionID string, handle Handler) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	updates, unsubscribe := h.Subscribe(sessionID)
	defer unsubscribe()

	inbound := make(chan any, 16)
	outbound := make(chan any, 16)

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		for msg := range inbound {
			reply := h.dispatch(ctx, sessionID, msg, handle)
			if reply == nil {
				continue
			}
			select {
			case outbound <- reply:
			case <-ctx.Done():
				return
			}
		}
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			var msg any
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					cancel()
					return
				}
				continue
			case m, ok := <-updates:
				if !ok {
					cancel()
					return
				}
				msg = m
			case m := <-outbound:
				msg = m
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				h.logger.Debug("websocket write failed", "session_id", sessionID, "error", err)
				cancel()
				return
			}
			if t, ok := messageTypeOf(msg); ok {
				h.metrics.IncWSMessage("outbound", string(t))
			}
		}
	}()

	// Unblock ReadMessage when the writer or the caller gives up.
	go func() {
		<-ctx.Done()
		_ = conn.SetReadDeadline(time.Now())
	}()

	conn.SetReadLimit(readLimit)
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			parsed = protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      "invalid_client_message",
				Source:    "gateway",
				Detail:    err.Error(),
			}
		} else if t, ok := messageTypeOf(parsed); ok {
			h.metrics.IncWSMessage("inbound", string(t))
		}
		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- parsed:
		}
	}

	close(inbound)
	cancel()
	<-workerDone
	<-writerDone
}

func (h *Hub) dispatch(ctx context.Context, sessionID string, msg any, handle Handler) any {
	switch m := msg.(type) {
	case protocol.ErrorEvent:
		return m
	case protocol.Ping:
		return protocol.SystemEvent{Type: protocol.TypeSystemEvent, SessionID: sessionID, Code: "pong"}
	}
	if handle == nil {
		return nil
	}
	reply, err := handle(ctx, sessionID, msg)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		h.logger.Warn("websocket message failed", "session_id", sessionID, "error", err)
		return protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: sessionID,
			Code:      "message_failed",
			Source:    "orchestrator",
			Retryable: true,
			Detail:    err.Error(),
		}
	}
	return reply
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.UserMessage:
		return m.Type, true
	case protocol.Ping:
		return m.Type, true
	case protocol.AssistantMessage:
		return m.Type, true
	case protocol.HandoffUpdate:
		return m.Type, true
	case protocol.SystemEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
