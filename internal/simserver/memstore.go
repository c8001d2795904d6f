package simserver

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stillwater-labs/chatsync/internal/timeline"
)

// MessageStore is what the simulator needs from a persistence layer.
// *store.Store (Postgres) satisfies it; MemStore keeps everything in
// process for zero-setup runs.
type MessageStore interface {
	EnsureConversation(ctx context.Context, sessionID string) (uuid.UUID, error)
	AppendMessage(ctx context.Context, sessionID string, role timeline.Role, content string, offerJSON []byte) (uuid.UUID, error)
	ListMessages(ctx context.Context, sessionID string) ([]timeline.Message, error)
}

type memConversation struct {
	id   uuid.UUID
	msgs []timeline.Message
}

// MemStore is an in-memory MessageStore.
type MemStore struct {
	mu    sync.Mutex
	convs map[string]*memConversation
}

func NewMemStore() *MemStore {
	return &MemStore{convs: make(map[string]*memConversation)}
}

func (m *MemStore) conv(sessionID string) *memConversation {
	c, ok := m.convs[sessionID]
	if !ok {
		c = &memConversation{id: uuid.New()}
		m.convs[sessionID] = c
	}
	return c
}

func (m *MemStore) EnsureConversation(_ context.Context, sessionID string) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conv(sessionID).id, nil
}

func (m *MemStore) AppendMessage(_ context.Context, sessionID string, role timeline.Role, content string, offerJSON []byte) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.conv(sessionID)
	msg := timeline.Message{
		ID:        uuid.New().String(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	if len(offerJSON) > 0 {
		_ = json.Unmarshal(offerJSON, &msg.Offer)
	}
	c.msgs = append(c.msgs, msg)
	return uuid.MustParse(msg.ID), nil
}

func (m *MemStore) ListMessages(_ context.Context, sessionID string) ([]timeline.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.conv(sessionID)
	out := make([]timeline.Message, len(c.msgs))
	copy(out, c.msgs)
	return out, nil
}
