package timeline

import (
	"time"

	"github.com/stillwater-labs/chatsync/internal/offer"
)

// Role identifies the author side of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is the atomic unit of the conversation timeline.
//
// ID is the server-assigned identifier and is empty for a message that
// exists only locally (optimistic). LocalKey is assigned at creation from a
// monotonic counter and stays stable across re-renders of the same logical
// message, so the render layer can address entries that have no server id
// yet.
type Message struct {
	ID        string               `json:"id,omitempty"`
	LocalKey  uint64               `json:"-"`
	Role      Role                 `json:"role"`
	Content   string               `json:"content"`
	Offer     *offer.CheckoutOffer `json:"checkoutOffer,omitempty"`
	CreatedAt time.Time            `json:"createdAt"`
	Streaming bool                 `json:"-"`
}

// Optimistic reports whether the message has never been observed in a
// server snapshot.
func (m Message) Optimistic() bool {
	return m.ID == ""
}
