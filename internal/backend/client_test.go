package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestFetchMessages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/widget/messages" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("session_id"); got != "sess & co" {
			t.Errorf("session_id = %q, expected raw value back", got)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"messages": [
				{"id": "m1", "role": "user", "content": "hi"},
				{"id": "m2", "role": "assistant", "content": "hello"}
			],
			"agentTyping": true,
			"agentAvatarUrl": "https://cdn.example.com/a.png"
		}`)
	}))
	defer srv.Close()

	snap, err := NewClient(srv.URL).FetchMessages(context.Background(), "sess & co")
	if err != nil {
		t.Fatalf("FetchMessages failed: %v", err)
	}
	if len(snap.Messages) != 2 || snap.Messages[1].ID != "m2" {
		t.Errorf("unexpected messages: %+v", snap.Messages)
	}
	if !snap.AgentTyping || snap.AgentAvatarURL == "" {
		t.Errorf("agent fields lost: %+v", snap)
	}
}

func TestFetchMessagesErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	if _, err := NewClient(srv.URL).FetchMessages(context.Background(), "s"); err == nil {
		t.Fatal("expected error for non-200 status")
	}
}

func TestSendMessageJSONReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req SendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Text != "hi" || req.SessionID != "s1" {
			t.Errorf("unexpected request: %+v", req)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"text": "hello!", "checkoutOffer": {"items": []}}`)
	}))
	defer srv.Close()

	reply, err := NewClient(srv.URL).SendMessage(context.Background(), SendRequest{SessionID: "s1", Text: "hi"})
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if reply.Stream != nil {
		t.Fatal("JSON reply must not be treated as a stream")
	}
	if reply.Text != "hello!" {
		t.Errorf("text = %q", reply.Text)
	}
	if len(reply.OfferPayload) == 0 {
		t.Error("offer payload dropped")
	}
}

func TestSendMessageStreamReply(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
	}{
		{"ndjson", "application/x-ndjson"},
		{"jsonl", "application/jsonl; charset=utf-8"},
		{"sse", "text/event-stream"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", tt.contentType)
				io.WriteString(w, `{"token":"He"}`+"\n"+`{"token":"llo"}`+"\n"+`{"done":true}`+"\n")
			}))
			defer srv.Close()

			reply, err := NewClient(srv.URL).SendMessage(context.Background(), SendRequest{Text: "hi"})
			if err != nil {
				t.Fatalf("SendMessage failed: %v", err)
			}
			if reply.Stream == nil {
				t.Fatal("expected a stream reply")
			}
			defer reply.Stream.Close()

			sc := bufio.NewScanner(reply.Stream)
			var lines int
			for sc.Scan() {
				lines++
			}
			if lines != 3 {
				t.Errorf("read %d stream lines, expected 3", lines)
			}
		})
	}
}

func TestReplyPayloadFieldVariants(t *testing.T) {
	tests := []struct {
		name string
		body string
		text string
	}{
		{"text", `{"text": "a"}`, "a"},
		{"reply", `{"reply": "b"}`, "b"},
		{"message", `{"message": "c"}`, "c"},
		{"response", `{"response": "d"}`, "d"},
		{"content", `{"content": "e"}`, "e"},
		{"text wins over reply", `{"text": "a", "reply": "b"}`, "a"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p replyPayload
			if err := json.Unmarshal([]byte(tt.body), &p); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got := p.text(); got != tt.text {
				t.Errorf("text() = %q, expected %q", got, tt.text)
			}
		})
	}
}

func TestReplyPayloadOfferVariants(t *testing.T) {
	tests := []struct {
		name string
		body string
		want bool
	}{
		{"checkoutOffer", `{"checkoutOffer": {"items": []}}`, true},
		{"checkout_offer", `{"checkout_offer": {"items": []}}`, true},
		{"offer", `{"offer": {"items": []}}`, true},
		{"cart", `{"cart": {"items": []}}`, true},
		{"explicit null", `{"checkoutOffer": null}`, false},
		{"absent", `{"text": "x"}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p replyPayload
			if err := json.Unmarshal([]byte(tt.body), &p); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got := p.offer() != nil; got != tt.want {
				t.Errorf("offer() presence = %v, expected %v", got, tt.want)
			}
		})
	}
}

func TestResolveConversationID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/widget/conversation" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var req map[string]string
		json.NewDecoder(r.Body).Decode(&req)
		if req["session_id"] != "s1" {
			t.Errorf("session_id = %q", req["session_id"])
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"conversation_id": "c-42"}`)
	}))
	defer srv.Close()

	id, err := NewClient(srv.URL).ResolveConversationID(context.Background(), "s1")
	if err != nil {
		t.Fatalf("ResolveConversationID failed: %v", err)
	}
	if id != "c-42" {
		t.Errorf("id = %q", id)
	}
}

func TestIsStream(t *testing.T) {
	tests := []struct {
		contentType string
		want        bool
	}{
		{"application/x-ndjson", true},
		{"application/jsonl", true},
		{"text/event-stream; charset=utf-8", true},
		{"application/json", false},
		{"text/plain", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := isStream(tt.contentType); got != tt.want {
			t.Errorf("isStream(%q) = %v, expected %v", tt.contentType, got, tt.want)
		}
	}
}

func TestTruncate(t *testing.T) {
	long := strings.Repeat("x", 300)
	if got := truncate([]byte(long)); len(got) != 203 || !strings.HasSuffix(got, "...") {
		t.Errorf("truncate left %d bytes", len(got))
	}
	if got := truncate([]byte("  short  ")); got != "short" {
		t.Errorf("truncate(short) = %q", got)
	}
}
