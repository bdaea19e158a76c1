package protocol

import (
	"errors"
	"testing"
)

func TestParseClientMessageUserMessage(t *testing.T) {
	raw := []byte(`{"type":"user_message","session_id":"s1","text":"What is my balance?","client_msg_id":"m-7"}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	um, ok := msg.(UserMessage)
	if !ok {
		t.Fatalf("message type = %T, want UserMessage", msg)
	}
	if um.SessionID != "s1" || um.Text != "What is my balance?" {
		t.Fatalf("unexpected user message: %+v", um)
	}
	if um.ClientMsgID != "m-7" {
		t.Fatalf("ClientMsgID = %q, want %q", um.ClientMsgID, "m-7")
	}
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseClientMessagePing(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"ping","session_id":"s1","ts_ms":456}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	ping, ok := msg.(Ping)
	if !ok {
		t.Fatalf("message type = %T, want Ping", msg)
	}
	if ping.TSMs != 456 {
		t.Fatalf("TSMs = %d, want %d", ping.TSMs, 456)
	}
}

func TestParseClientMessageRejectsBlankText(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"user_message","session_id":"s1","text":"   "}`))
	if err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestParseClientMessageRejectsMalformedJSON(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":`))
	if err == nil || errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want envelope error", err)
	}
}

func BenchmarkParseClientMessageUserMessage(b *testing.B) {
	raw := []byte(`{"type":"user_message","session_id":"s1","text":"How do I set up autopay?","client_msg_id":"m-1"}`)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		msg, err := ParseClientMessage(raw)
		if err != nil {
			b.Fatalf("ParseClientMessage() error = %v", err)
		}
		if _, ok := msg.(UserMessage); !ok {
			b.Fatalf("message type = %T, want UserMessage", msg)
		}
	}
}
