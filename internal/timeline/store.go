package timeline

import (
	"log/slog"
	"sync"
	"time"

	"github.com/stillwater-labs/chatsync/internal/offer"
)

// Store owns the ordered message timeline for one conversation. All
// mutation goes through its methods; callers observe changes through the
// render callback and Messages snapshots.
type Store struct {
	mu       sync.Mutex
	msgs     []Message
	nextKey  uint64
	onRender func()
	logger   *slog.Logger
}

// NewStore creates an empty timeline. onRender is invoked after every
// visible mutation; it may be nil.
func NewStore(logger *slog.Logger, onRender func()) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{logger: logger, onRender: onRender}
}

// Messages returns a copy of the current timeline.
func (s *Store) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.msgs))
	copy(out, s.msgs)
	return out
}

// Len returns the number of timeline entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

func (s *Store) notify() {
	if s.onRender != nil {
		s.onRender()
	}
}

func (s *Store) newKey() uint64 {
	s.nextKey++
	return s.nextKey
}

// AppendUser inserts an optimistic user message and returns it.
func (s *Store) AppendUser(text string) Message {
	s.mu.Lock()
	m := Message{
		LocalKey:  s.newKey(),
		Role:      RoleUser,
		Content:   text,
		CreatedAt: time.Now().UTC(),
	}
	s.msgs = append(s.msgs, m)
	s.mu.Unlock()
	s.notify()
	return m
}

// AppendAssistant inserts a fully formed assistant message, e.g. from a
// completed (non-streaming) reply payload.
func (s *Store) AppendAssistant(text string, o *offer.CheckoutOffer) Message {
	s.mu.Lock()
	m := Message{
		LocalKey:  s.newKey(),
		Role:      RoleAssistant,
		Content:   text,
		Offer:     o,
		CreatedAt: time.Now().UTC(),
	}
	s.msgs = append(s.msgs, m)
	s.mu.Unlock()
	s.notify()
	return m
}

// StartDraft appends an empty streaming assistant placeholder and returns
// its local key. Exactly one draft may be under mutation at a time; the
// drain engine is the single writer.
func (s *Store) StartDraft() uint64 {
	s.mu.Lock()
	m := Message{
		LocalKey:  s.newKey(),
		Role:      RoleAssistant,
		CreatedAt: time.Now().UTC(),
		Streaming: true,
	}
	s.msgs = append(s.msgs, m)
	key := m.LocalKey
	s.mu.Unlock()
	s.notify()
	return key
}

// AppendToDraft grows the draft message content in place.
func (s *Store) AppendToDraft(key uint64, text string) {
	if text == "" {
		return
	}
	s.mu.Lock()
	for i := range s.msgs {
		if s.msgs[i].LocalKey == key {
			s.msgs[i].Content += text
			break
		}
	}
	s.mu.Unlock()
	s.notify()
}

// FreezeDraft ends streaming mutation of the draft. If no content ever
// arrived the draft is replaced with the fallback text instead of being
// left blank. It returns the frozen content.
func (s *Store) FreezeDraft(key uint64, fallback string) string {
	s.mu.Lock()
	var content string
	for i := range s.msgs {
		if s.msgs[i].LocalKey == key {
			if s.msgs[i].Content == "" {
				s.msgs[i].Content = fallback
			}
			s.msgs[i].Streaming = false
			content = s.msgs[i].Content
			break
		}
	}
	s.mu.Unlock()
	s.notify()
	return content
}

// AttachOffer enriches the message addressed by local key with an offer,
// subject to the preservation rule.
func (s *Store) AttachOffer(key uint64, o *offer.CheckoutOffer) {
	if o == nil {
		return
	}
	s.mu.Lock()
	for i := range s.msgs {
		if s.msgs[i].LocalKey == key {
			if !preferLocalOffer(s.msgs[i].Offer, o) {
				s.msgs[i].Offer = o
			}
			break
		}
	}
	s.mu.Unlock()
	s.notify()
}

// SetDraftContent replaces the draft content wholesale. Used when offer
// extraction strips the checkout block out of the streamed text.
func (s *Store) SetDraftContent(key uint64, text string) {
	s.mu.Lock()
	for i := range s.msgs {
		if s.msgs[i].LocalKey == key {
			s.msgs[i].Content = text
			break
		}
	}
	s.mu.Unlock()
	s.notify()
}

// Reset clears the timeline and rebuilds it from an authoritative snapshot.
func (s *Store) Reset(snapshot []Message) {
	s.mu.Lock()
	s.msgs = s.adopt(dedupByID(snapshot))
	s.mu.Unlock()
	s.notify()
}

// Reconcile merges an authoritative server snapshot into the local
// timeline. awaitingReply must be true while a send is outstanding; it
// keeps an in-flight optimistic bubble from being visually discarded by a
// snapshot that has raced ahead.
//
// The rule ordering exists because the authoritative store can race ahead
// of slower side-effects (offer images resolving after the message row is
// readable): a richer local preview must never visibly regress.
func (s *Store) Reconcile(snapshot []Message, awaitingReply bool) {
	snapshot = dedupByID(snapshot)

	s.mu.Lock()
	prev := s.msgs
	pending := hasOptimistic(prev)
	changed := false

	switch {
	case len(prev) == 0, !pending && len(snapshot) >= len(prev):
		// Server is authoritative and nothing local is unconfirmed.
		s.msgs = s.adopt(snapshot)
		changed = true

	case pending && !awaitingReply && len(snapshot) >= len(prev):
		// Server caught up with local optimism; adopt it wholesale.
		// Known approximation: attribution is by length, not identity,
		// so two sends racing one reconcile can map a stale optimistic
		// entry onto the wrong server row.
		s.msgs = s.adopt(snapshot)
		changed = true

	case pending && len(snapshot) > len(prev):
		// A reply is still in flight: append only ids we have not seen,
		// keeping local order, instead of a full replace.
		seen := make(map[string]bool, len(prev))
		for _, m := range prev {
			if m.ID != "" {
				seen[m.ID] = true
			}
		}
		for _, m := range snapshot {
			if seen[m.ID] {
				continue
			}
			m.LocalKey = s.newKey()
			s.msgs = append(s.msgs, m)
			changed = true
		}

	case len(snapshot) == len(prev) && len(prev) > 0:
		changed = s.enrichInPlace(snapshot)
	}

	s.mu.Unlock()
	if changed {
		s.notify()
	}
}

// adopt replaces the timeline with the snapshot, assigning fresh local
// keys and preserving any strong local offers the snapshot would weaken.
// Caller holds the lock.
func (s *Store) adopt(snapshot []Message) []Message {
	byID := make(map[string]*offer.CheckoutOffer)
	for _, m := range s.msgs {
		if m.ID != "" && m.Offer != nil {
			byID[m.ID] = m.Offer
		}
	}

	out := make([]Message, len(snapshot))
	for i, m := range snapshot {
		m.LocalKey = s.newKey()
		if local, ok := byID[m.ID]; ok && preferLocalOffer(local, m.Offer) {
			m.Offer = local
		} else if i < len(s.msgs) && s.msgs[i].ID == "" && preferLocalOffer(s.msgs[i].Offer, m.Offer) {
			// Positional fallback for entries that were still optimistic.
			m.Offer = s.msgs[i].Offer
		}
		out[i] = m
	}
	return out
}

// enrichInPlace applies equal-length reconciliation: positions that gained
// a server id or checkout offer adopt the server copy, subject to the
// offer-preservation rule. Caller holds the lock.
func (s *Store) enrichInPlace(snapshot []Message) bool {
	changed := false
	for i := range snapshot {
		srv := snapshot[i]
		local := &s.msgs[i]

		if local.ID == "" && srv.ID != "" {
			local.ID = srv.ID
			if !srv.CreatedAt.IsZero() {
				local.CreatedAt = srv.CreatedAt
			}
			changed = true
		}

		switch {
		case srv.Offer != nil && local.Offer == nil:
			// The position gained an offer the local copy lacked.
			local.Offer = srv.Offer
			local.Content = srv.Content
			changed = true

		case preferLocalOffer(local.Offer, srv.Offer):
			// Keep the strong local offer; adopt the rest of the
			// server copy's fields.
			if srv.Content != "" && srv.Content != local.Content {
				local.Content = srv.Content
				changed = true
			}

		case srv.Offer != nil && srv.Offer.Strong() && !local.Offer.Strong():
			local.Offer = srv.Offer
			local.Content = srv.Content
			changed = true
		}
	}
	return changed
}

// preferLocalOffer implements the offer-preservation rule: a local offer
// with a checkout URL and at least one image-bearing line item is kept
// when the server copy is missing or weaker on either axis.
func preferLocalOffer(local, server *offer.CheckoutOffer) bool {
	if local == nil || !local.Strong() {
		return false
	}
	return !server.Strong()
}

func hasOptimistic(msgs []Message) bool {
	for _, m := range msgs {
		if m.ID == "" {
			return true
		}
	}
	return false
}

// dedupByID drops repeated server rows, first occurrence wins.
func dedupByID(snapshot []Message) []Message {
	seen := make(map[string]bool, len(snapshot))
	out := make([]Message, 0, len(snapshot))
	for _, m := range snapshot {
		if m.ID != "" {
			if seen[m.ID] {
				continue
			}
			seen[m.ID] = true
		}
		out = append(out, m)
	}
	return out
}
