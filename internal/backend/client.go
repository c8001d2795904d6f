package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/stillwater-labs/chatsync/internal/timeline"
)

// Snapshot is the authoritative, ordered message list for one session.
type Snapshot struct {
	Messages       []timeline.Message `json:"messages"`
	AgentTyping    bool               `json:"agentTyping"`
	AgentAvatarURL string             `json:"agentAvatarUrl,omitempty"`
}

// SendRequest carries one outgoing user message.
type SendRequest struct {
	SessionID      string `json:"session_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	Text           string `json:"message"`
	SystemPrompt   string `json:"system_prompt,omitempty"`
	Stream         bool   `json:"stream,omitempty"`
}

// Reply is the resolution of a send: either a completed payload (Text and
// optionally OfferPayload) or a live stream. Exactly one of the two forms
// is populated; Stream != nil means streaming and the caller owns closing
// it.
type Reply struct {
	Text         string
	OfferPayload json.RawMessage
	Stream       io.ReadCloser
}

// Service is the reply/fetch collaborator contract the engine consumes.
type Service interface {
	FetchMessages(ctx context.Context, sessionID string) (*Snapshot, error)
	SendMessage(ctx context.Context, req SendRequest) (*Reply, error)
	ResolveConversationID(ctx context.Context, sessionID string) (string, error)
}

// Client talks to the widget backend over HTTP.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a backend client for the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		// No overall timeout: a streaming reply stays open for as long
		// as the model talks.
		client: &http.Client{},
	}
}

var _ Service = (*Client)(nil)

// FetchMessages returns the persisted message list and agent-typing flag
// for a session. Idempotent; called on open and by the polling loop.
func (c *Client) FetchMessages(ctx context.Context, sessionID string) (*Snapshot, error) {
	u := fmt.Sprintf("%s/api/widget/messages?session_id=%s", c.baseURL, url.QueryEscape(sessionID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch messages: status %d: %s", resp.StatusCode, truncate(body))
	}

	var snap Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// replyPayload tolerates the field names the send endpoint has accumulated
// for the same reply over time.
type replyPayload struct {
	Text     string `json:"text"`
	Reply    string `json:"reply"`
	Message  string `json:"message"`
	Response string `json:"response"`
	Content  string `json:"content"`

	CheckoutOffer json.RawMessage `json:"checkoutOffer"`
	CheckoutSnake json.RawMessage `json:"checkout_offer"`
	Offer         json.RawMessage `json:"offer"`
	Cart          json.RawMessage `json:"cart"`
}

func (p replyPayload) text() string {
	for _, s := range []string{p.Text, p.Reply, p.Message, p.Response, p.Content} {
		if s != "" {
			return s
		}
	}
	return ""
}

func (p replyPayload) offer() json.RawMessage {
	for _, r := range []json.RawMessage{p.CheckoutOffer, p.CheckoutSnake, p.Offer, p.Cart} {
		if len(r) > 0 && string(r) != "null" {
			return r
		}
	}
	return nil
}

// SendMessage posts a user message. The backend answers either with a
// single JSON payload or with a newline-delimited event stream; the
// Content-Type decides which form the Reply takes.
func (c *Client) SendMessage(ctx context.Context, sreq SendRequest) (*Reply, error) {
	body, err := json.Marshal(sreq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/widget/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("send message: status %d: %s", resp.StatusCode, truncate(b))
	}

	if isStream(resp.Header.Get("Content-Type")) {
		return &Reply{Stream: resp.Body}, nil
	}

	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var p replyPayload
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("unmarshal reply: %w", err)
	}
	return &Reply{Text: p.text(), OfferPayload: p.offer()}, nil
}

// ResolveConversationID attaches a durable conversation identifier to a
// session. Best effort: callers degrade to sending without one.
func (c *Client) ResolveConversationID(ctx context.Context, sessionID string) (string, error) {
	body, err := json.Marshal(map[string]string{"session_id": sessionID})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/widget/conversation", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("resolve conversation: %w", err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("resolve conversation: status %d: %s", resp.StatusCode, truncate(b))
	}

	var out struct {
		ConversationID string `json:"conversation_id"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return "", fmt.Errorf("unmarshal conversation: %w", err)
	}
	return out.ConversationID, nil
}

func isStream(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	switch mt {
	case "application/x-ndjson", "application/jsonl", "text/event-stream":
		return true
	}
	return false
}

func truncate(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
