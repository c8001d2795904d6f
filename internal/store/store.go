package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stillwater-labs/chatsync/internal/timeline"
)

// Store persists simulator conversations in Postgres so widget sessions
// survive simulator restarts.
type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// EnsureSchema creates the simulator tables when they are missing. This is
// a dev harness, not the production schema.
func (s *Store) EnsureSchema(ctx context.Context) error {
	const ddl = `
	CREATE TABLE IF NOT EXISTS widget_conversations (
		id          uuid PRIMARY KEY,
		session_id  text UNIQUE NOT NULL,
		created_at  timestamptz NOT NULL DEFAULT now()
	);
	CREATE TABLE IF NOT EXISTS widget_messages (
		id              uuid PRIMARY KEY,
		conversation_id uuid NOT NULL REFERENCES widget_conversations(id),
		role            text NOT NULL,
		content         text NOT NULL,
		checkout_offer  jsonb,
		created_at      timestamptz NOT NULL DEFAULT now()
	);
	CREATE INDEX IF NOT EXISTS widget_messages_conversation_idx
		ON widget_messages (conversation_id, created_at);`

	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// EnsureConversation returns the conversation id for a session, creating
// the row on first contact.
func (s *Store) EnsureConversation(ctx context.Context, sessionID string) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.pool.QueryRow(ctx,
		`SELECT id FROM widget_conversations WHERE session_id = $1`, sessionID).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != pgx.ErrNoRows {
		return uuid.Nil, fmt.Errorf("lookup conversation: %w", err)
	}

	id = uuid.New()
	_, err = s.pool.Exec(ctx,
		`INSERT INTO widget_conversations (id, session_id) VALUES ($1, $2)
		 ON CONFLICT (session_id) DO NOTHING`, id, sessionID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("create conversation: %w", err)
	}

	// Re-read in case a concurrent insert won the conflict.
	if err := s.pool.QueryRow(ctx,
		`SELECT id FROM widget_conversations WHERE session_id = $1`, sessionID).Scan(&id); err != nil {
		return uuid.Nil, fmt.Errorf("reread conversation: %w", err)
	}
	return id, nil
}

// AppendMessage stores one message row and returns its id.
func (s *Store) AppendMessage(ctx context.Context, sessionID string, role timeline.Role, content string, offerJSON []byte) (uuid.UUID, error) {
	convID, err := s.EnsureConversation(ctx, sessionID)
	if err != nil {
		return uuid.Nil, err
	}

	id := uuid.New()
	var offerArg any
	if len(offerJSON) > 0 {
		offerArg = offerJSON
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO widget_messages (id, conversation_id, role, content, checkout_offer)
		 VALUES ($1, $2, $3, $4, $5)`,
		id, convID, string(role), content, offerArg)
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert message: %w", err)
	}
	return id, nil
}

// ListMessages returns the ordered, authoritative message list for a
// session.
func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]timeline.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT m.id::text, m.role, m.content, m.checkout_offer, m.created_at
		FROM widget_messages m
		JOIN widget_conversations c ON c.id = m.conversation_id
		WHERE c.session_id = $1
		ORDER BY m.created_at, m.id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []timeline.Message
	for rows.Next() {
		var (
			m         timeline.Message
			role      string
			offerJSON []byte
			createdAt time.Time
		)
		if err := rows.Scan(&m.ID, &role, &m.Content, &offerJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = timeline.Role(role)
		m.CreatedAt = createdAt
		if len(offerJSON) > 0 {
			// A malformed stored offer is dropped, not fatal.
			_ = json.Unmarshal(offerJSON, &m.Offer)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}
