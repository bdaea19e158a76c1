package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/helpdesk/internal/handoff"
	"github.com/ent0n29/helpdesk/internal/protocol"
)

func TestHubNotifyDeliversToSessionSubscribers(t *testing.T) {
	hub := NewHub(nil, nil)
	a, unsubA := hub.Subscribe("s1")
	defer unsubA()
	b, unsubB := hub.Subscribe("s1")
	defer unsubB()
	other, unsubOther := hub.Subscribe("s2")
	defer unsubOther()

	err := hub.Notify(context.Background(), "s1", handoff.Notice{TicketID: "t1", State: handoff.StateResolved, Message: "done"})
	if err != nil {
		t.Fatalf("Notify() error = %v", err)
	}

	for i, ch := range []<-chan any{a, b} {
		select {
		case msg := <-ch:
			up, ok := msg.(protocol.HandoffUpdate)
			if !ok {
				t.Fatalf("subscriber %d got %T, want HandoffUpdate", i, msg)
			}
			if up.TicketID != "t1" || up.State != "resolved" || up.Text != "done" {
				t.Fatalf("unexpected update: %+v", up)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d did not receive update", i)
		}
	}
	select {
	case msg := <-other:
		t.Fatalf("other session received %+v", msg)
	default:
	}
}

func TestHubNotifyWithoutSubscribersIsNotAnError(t *testing.T) {
	hub := NewHub(nil, nil)
	if err := hub.Notify(context.Background(), "nobody", handoff.Notice{TicketID: "t1"}); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
}

func TestHubUnsubscribeClosesChannel(t *testing.T) {
	hub := NewHub(nil, nil)
	ch, unsub := hub.Subscribe("s1")
	if got := hub.Subscribers("s1"); got != 1 {
		t.Fatalf("Subscribers() = %d, want 1", got)
	}
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatalf("channel still open after unsubscribe")
	}
	if got := hub.Subscribers("s1"); got != 0 {
		t.Fatalf("Subscribers() = %d, want 0", got)
	}
}

func TestHubPublishDropsWhenSubscriberIsFull(t *testing.T) {
	hub := NewHub(nil, nil)
	_, unsub := hub.Subscribe("s1")
	defer unsub()
	for i := 0; i < subscriberBuffer; i++ {
		if got := hub.Publish("s1", i); got != 1 {
			t.Fatalf("Publish(%d) delivered = %d, want 1", i, got)
		}
	}
	if got := hub.Publish("s1", "overflow"); got != 0 {
		t.Fatalf("Publish() on full subscriber delivered = %d, want 0", got)
	}
}

func TestHubCloseEndsSubscriptions(t *testing.T) {
	hub := NewHub(nil, nil)
	ch, unsub := hub.Subscribe("s1")
	defer unsub()
	hub.Close()
	if _, ok := <-ch; ok {
		t.Fatalf("channel still open after Close")
	}
	late, _ := hub.Subscribe("s1")
	if _, ok := <-late; ok {
		t.Fatalf("subscription after Close should be closed")
	}
}

func TestServeHandlesMessagesAndPushesUpdates(t *testing.T) {
	hub := NewHub(nil, nil)
	upgrader := websocket.Upgrader{}
	handle := func(_ context.Context, sessionID string, msg any) (any, error) {
		um, ok := msg.(protocol.UserMessage)
		if !ok {
			return nil, nil
		}
		return protocol.AssistantMessage{
			Type:        protocol.TypeAssistantMessage,
			SessionID:   sessionID,
			ClientMsgID: um.ClientMsgID,
			Text:        "echo: " + um.Text,
		}, nil
	}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		hub.Serve(r.Context(), conn, "s1", handle)
	}))
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	if err := conn.WriteJSON(map[string]any{"type": "user_message", "text": "hi", "client_msg_id": "m1"}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	var reply protocol.AssistantMessage
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if reply.Type != protocol.TypeAssistantMessage || reply.Text != "echo: hi" || reply.ClientMsgID != "m1" {
		t.Fatalf("unexpected reply: %+v", reply)
	}

	deadline := time.Now().Add(time.Second)
	for hub.Subscribers("s1") == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	_ = hub.Notify(context.Background(), "s1", handoff.Notice{TicketID: "t9", State: handoff.StateTimedOut, Message: "still waiting"})
	var update protocol.HandoffUpdate
	if err := conn.ReadJSON(&update); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if update.Type != protocol.TypeHandoffUpdate || update.TicketID != "t9" || update.State != "timed_out" {
		t.Fatalf("unexpected update: %+v", update)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"nope"}`)); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	var errEvent protocol.ErrorEvent
	if err := conn.ReadJSON(&errEvent); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if errEvent.Code != "invalid_client_message" {
		t.Fatalf("error code = %q, want invalid_client_message", errEvent.Code)
	}
}
