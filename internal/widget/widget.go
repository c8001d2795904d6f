package widget

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/stillwater-labs/chatsync/internal/backend"
	"github.com/stillwater-labs/chatsync/internal/offer"
	"github.com/stillwater-labs/chatsync/internal/poll"
	"github.com/stillwater-labs/chatsync/internal/stream"
	"github.com/stillwater-labs/chatsync/internal/timeline"
)

// State is the widget session state.
type State int

const (
	StateClosed State = iota
	StateIdle
	StateSending
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateStreaming:
		return "streaming"
	}
	return "unknown"
}

// EventType names a lifecycle notification for host-page integrators.
type EventType string

const (
	EventReady       EventType = "ready"
	EventOpened      EventType = "opened"
	EventClosed      EventType = "closed"
	EventMessageSent EventType = "message-sent"
)

// Event is a lifecycle notification carrying the session id and optional
// detail fields.
type Event struct {
	Type      EventType
	SessionID string
	Detail    map[string]any
}

// View is what the render callback receives on every visible mutation.
type View struct {
	State          State
	Messages       []timeline.Message
	AgentTyping    bool
	AgentAvatarURL string
}

// RenderFunc renders the current view. It is invoked from engine
// goroutines; implementations must be safe for that.
type RenderFunc func(View)

// Config is the one explicit configuration record a widget consumes at
// construction time.
type Config struct {
	WidgetID  string
	SessionID string

	// SystemPrompt is passed through to the reply channel untouched.
	SystemPrompt string
	// ErrorFallback replaces a blank or failed assistant reply.
	ErrorFallback string
	// AutoOpen opens the widget immediately after construction.
	AutoOpen bool
	// StreamReplies asks the backend for a live token stream.
	StreamReplies bool

	PollInterval  time.Duration
	PollCeiling   int
	FrameInterval time.Duration

	// PriceTable and Currency configure heuristic offer extraction.
	PriceTable map[int]string
	Currency   string
}

const defaultErrorFallback = "Sorry, something went wrong. Please try again."

// reconcileDelay gives the backend time to persist a streamed reply (and
// attach any late offer) before the post-stream reconciliation fetch.
const reconcileDelay = 1500 * time.Millisecond

// Widget is the top-level conversation synchronization engine for one
// embedded chat session.
type Widget struct {
	cfg       Config
	backend   backend.Service
	store     *timeline.Store
	poller    *poll.Controller
	extractor offer.Extractor
	render    RenderFunc
	listener  func(Event)
	logger    *slog.Logger

	mu             sync.Mutex
	state          State
	conversationID string
	agentTyping    bool
	agentAvatarURL string
}

// New constructs a widget, registers it under its widget id, and emits the
// ready event. A second widget with the same id is refused.
func New(cfg Config, svc backend.Service, render RenderFunc, listener func(Event), logger *slog.Logger) (*Widget, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ErrorFallback == "" {
		cfg.ErrorFallback = defaultErrorFallback
	}

	w := &Widget{
		cfg:      cfg,
		backend:  svc,
		render:   render,
		listener: listener,
		logger:   logger,
		state:    StateClosed,
		extractor: offer.Extractor{
			PriceTable:       cfg.PriceTable,
			FallbackCurrency: cfg.Currency,
		},
	}
	w.store = timeline.NewStore(logger, w.renderNow)
	w.poller = poll.NewController(w.fetchOnce, poll.Config{
		Interval: cfg.PollInterval,
		Ceiling:  cfg.PollCeiling,
	}, logger)

	if err := register(cfg.WidgetID, w); err != nil {
		return nil, err
	}

	w.emit(EventReady, nil)
	if cfg.AutoOpen {
		w.Open()
	}
	return w, nil
}

// State returns the current session state.
func (w *Widget) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Messages returns a copy of the current timeline.
func (w *Widget) Messages() []timeline.Message {
	return w.store.Messages()
}

// Open transitions Closed -> Idle, runs an immediate forced reconciliation
// fetch and starts polling. Opening an already-open widget is a no-op.
func (w *Widget) Open() {
	w.mu.Lock()
	if w.state != StateClosed {
		w.mu.Unlock()
		return
	}
	w.state = StateIdle
	w.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := w.poller.FetchNow(ctx); err != nil {
			w.logger.Warn("initial fetch failed", "session_id", w.cfg.SessionID, "error", err)
		}
	}()
	w.poller.Start()
	w.emit(EventOpened, nil)
	w.renderNow()
}

// Close cancels polling and suppresses all further visible effects. A
// response in flight is allowed to complete in the background.
func (w *Widget) Close() {
	w.mu.Lock()
	if w.state == StateClosed {
		w.mu.Unlock()
		return
	}
	w.state = StateClosed
	w.mu.Unlock()

	w.poller.Stop()
	w.emit(EventClosed, nil)
}

// Send submits a user message. It is a silent no-op unless the widget is
// open and idle and the trimmed text is non-empty; this also guarantees at
// most one outstanding reply per conversation.
func (w *Widget) Send(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	w.mu.Lock()
	if w.state != StateIdle {
		w.mu.Unlock()
		return
	}
	w.state = StateSending
	w.mu.Unlock()

	w.store.AppendUser(text)
	w.emit(EventMessageSent, map[string]any{"text": text})

	go w.deliver(text)
}

// deliver runs the reply channel round trip for one send.
func (w *Widget) deliver(text string) {
	ctx := context.Background()

	convID := w.resolveConversation(ctx)

	reply, err := w.backend.SendMessage(ctx, backend.SendRequest{
		SessionID:      w.cfg.SessionID,
		ConversationID: convID,
		Text:           text,
		SystemPrompt:   w.cfg.SystemPrompt,
		Stream:         w.cfg.StreamReplies,
	})
	if err != nil {
		// The optimistic user message stays; surface the failure as an
		// assistant message and re-enable input.
		w.logger.Error("send failed", "session_id", w.cfg.SessionID, "error", err)
		w.store.AppendAssistant(w.cfg.ErrorFallback, nil)
		w.setStateIfOpen(StateIdle)
		w.resumePolling()
		return
	}

	if reply.Stream != nil {
		w.handleStream(ctx, reply.Stream)
		return
	}
	w.handlePayload(reply)
}

// handlePayload resolves a single completed reply payload.
func (w *Widget) handlePayload(reply *backend.Reply) {
	text := reply.Text
	o := offer.FromPayload(reply.OfferPayload)
	if o == nil {
		o, text = w.extractor.FromText(text)
	}
	if text == "" && o == nil {
		text = w.cfg.ErrorFallback
	}
	w.store.AppendAssistant(text, o)

	w.setStateIfOpen(StateIdle)

	// Immediate reconciliation picks up the persisted copy.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := w.poller.FetchNow(ctx); err != nil {
			w.logger.Warn("post-reply fetch failed", "error", err)
		}
	}()
	w.resumePolling()
}

// resumePolling restarts the poll loop unless the widget was closed while
// the reply was in flight.
func (w *Widget) resumePolling() {
	if w.State() == StateClosed {
		return
	}
	w.poller.Start()
}

// handleStream hands a live reply stream to the drain engine. Polling is
// suspended for the duration so a mid-stream reconciliation cannot clobber
// the draft.
func (w *Widget) handleStream(ctx context.Context, body io.ReadCloser) {
	defer body.Close()

	w.poller.Stop()
	w.setStateIfOpen(StateStreaming)

	drain := stream.NewDrain(w.store, stream.Config{
		FrameInterval: w.cfg.FrameInterval,
		Fallback:      w.cfg.ErrorFallback,
	}, w.logger)

	content, err := drain.Run(ctx, body)
	if err != nil {
		w.logger.Warn("stream ended with error", "session_id", w.cfg.SessionID, "error", err)
	}

	w.finishStream(content)
}

// finishStream applies offer extraction to the frozen draft, returns to
// idle and schedules the delayed reconciliation that picks up the
// persisted copy and any late-attached offer.
func (w *Widget) finishStream(content string) {
	if o, cleaned := w.extractor.FromText(content); o != nil {
		key := w.lastDraftKey()
		if key != 0 {
			w.store.SetDraftContent(key, cleaned)
			w.store.AttachOffer(key, o)
		}
	}

	w.setStateIfOpen(StateIdle)

	time.AfterFunc(reconcileDelay, func() {
		if w.State() == StateClosed {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := w.poller.FetchNow(ctx); err != nil {
			w.logger.Warn("post-stream fetch failed", "error", err)
		}
		w.poller.Start()
	})
}

// lastDraftKey finds the local key of the newest assistant message that is
// still unconfirmed — the entry the drain engine was mutating.
func (w *Widget) lastDraftKey() uint64 {
	msgs := w.store.Messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == timeline.RoleAssistant && msgs[i].ID == "" {
			return msgs[i].LocalKey
		}
	}
	return 0
}

// resolveConversation attaches a durable conversation id, caching it for
// the session. Failure degrades to sending without one.
func (w *Widget) resolveConversation(ctx context.Context) string {
	w.mu.Lock()
	cached := w.conversationID
	w.mu.Unlock()
	if cached != "" {
		return cached
	}

	rctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	id, err := w.backend.ResolveConversationID(rctx, w.cfg.SessionID)
	if err != nil {
		w.logger.Warn("conversation resolution failed, sending without id", "error", err)
		return ""
	}

	w.mu.Lock()
	w.conversationID = id
	w.mu.Unlock()
	return id
}

// fetchOnce is the poll controller's fetch: one authoritative snapshot,
// reconciled into the timeline.
func (w *Widget) fetchOnce(ctx context.Context) (int, error) {
	snap, err := w.backend.FetchMessages(ctx, w.cfg.SessionID)
	if err != nil {
		return 0, err
	}

	w.mu.Lock()
	awaiting := w.state == StateSending || w.state == StateStreaming
	w.agentTyping = snap.AgentTyping
	if snap.AgentAvatarURL != "" {
		w.agentAvatarURL = snap.AgentAvatarURL
	}
	w.mu.Unlock()

	w.store.Reconcile(snap.Messages, awaiting)
	return len(snap.Messages), nil
}

// setStateIfOpen applies a state transition unless the widget was closed
// while the work was in flight.
func (w *Widget) setStateIfOpen(s State) {
	w.mu.Lock()
	if w.state != StateClosed {
		w.state = s
	}
	w.mu.Unlock()
	w.renderNow()
}

// renderNow invokes the render callback with a fresh view. Visible effects
// are suppressed once the widget is closed.
func (w *Widget) renderNow() {
	if w.render == nil {
		return
	}
	w.mu.Lock()
	v := View{
		State:          w.state,
		AgentTyping:    w.agentTyping,
		AgentAvatarURL: w.agentAvatarURL,
	}
	closed := w.state == StateClosed
	w.mu.Unlock()
	if closed {
		return
	}
	v.Messages = w.store.Messages()
	w.render(v)
}

func (w *Widget) emit(t EventType, detail map[string]any) {
	if w.listener == nil {
		return
	}
	w.listener(Event{Type: t, SessionID: w.cfg.SessionID, Detail: detail})
}
