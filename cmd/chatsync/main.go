package main

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/stillwater-labs/chatsync/internal/backend"
	"github.com/stillwater-labs/chatsync/internal/bus"
	"github.com/stillwater-labs/chatsync/internal/config"
	"github.com/stillwater-labs/chatsync/internal/timeline"
	"github.com/stillwater-labs/chatsync/internal/widget"
)

func main() {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	sessionID := cfg.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	slog.Info("chatsync starting", "backend", cfg.BackendURL, "session_id", sessionID)

	client := backend.NewClient(cfg.BackendURL)

	// Lifecycle events go to NATS when a bus is configured, so host-page
	// integrations can observe the widget; otherwise they are just logged.
	var lifecycle func(widget.Event)
	if cfg.NatsURL != "" {
		nc, err := bus.NewClient(cfg.NatsURL, cfg.NatsToken, slog.Default())
		if err != nil {
			slog.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer nc.Close()
		lifecycle = func(e widget.Event) {
			payload := map[string]any{"type": string(e.Type), "session_id": e.SessionID}
			for k, v := range e.Detail {
				payload[k] = v
			}
			if err := nc.Publish(bus.SubjectLifecycle, payload); err != nil {
				slog.Warn("failed to publish lifecycle event", "type", e.Type, "error", err)
			}
		}
	} else {
		lifecycle = func(e widget.Event) {
			slog.Debug("lifecycle", "type", e.Type, "session_id", e.SessionID)
		}
	}

	r := newTerminalRenderer(os.Stdout)

	w, err := widget.New(widget.Config{
		WidgetID:      cfg.WidgetID,
		SessionID:     sessionID,
		SystemPrompt:  cfg.SystemPrompt,
		ErrorFallback: cfg.ErrorFallback,
		StreamReplies: cfg.StreamReplies,
		PollInterval:  cfg.PollInterval,
		PollCeiling:   cfg.PollCeiling,
		FrameInterval: cfg.FrameInterval,
		PriceTable:    map[int]string{5: "159.99", 15: "389.99", 20: "489.99"},
		Currency:      "USD",
	}, client, r.Render, lifecycle, slog.Default())
	if err != nil {
		slog.Error("failed to initialize widget", "error", err)
		os.Exit(1)
	}
	defer w.Destroy()

	w.Open()
	fmt.Println("chatsync — type a message and press enter (/close, /open, /quit)")

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit":
			return
		case "/close":
			w.Close()
			fmt.Println("(widget closed)")
		case "/open":
			w.Open()
		default:
			w.Send(line)
		}
	}
}

// terminalRenderer prints the timeline incrementally: a header per new
// message and streamed characters as they are revealed by the drain loop.
type terminalRenderer struct {
	mu      sync.Mutex
	out     *os.File
	printed map[uint64]int // local key -> chars already printed
	offers  map[uint64]bool
	lastKey uint64
	typing  bool
}

func newTerminalRenderer(out *os.File) *terminalRenderer {
	return &terminalRenderer{
		out:     out,
		printed: make(map[uint64]int),
		offers:  make(map[uint64]bool),
	}
}

func (r *terminalRenderer) Render(v widget.View) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, m := range v.Messages {
		content := []rune(m.Content)
		done, seen := r.printed[m.LocalKey]
		if !seen {
			if r.lastKey != 0 {
				fmt.Fprintln(r.out)
			}
			fmt.Fprintf(r.out, "%s> ", label(m.Role))
			r.lastKey = m.LocalKey
		}
		if done < len(content) && m.LocalKey == r.lastKey {
			fmt.Fprint(r.out, string(content[done:]))
			r.printed[m.LocalKey] = len(content)
		} else if !seen {
			fmt.Fprint(r.out, m.Content)
			r.printed[m.LocalKey] = len(content)
		}
		if m.Offer != nil && !r.offers[m.LocalKey] {
			r.offers[m.LocalKey] = true
			for _, it := range m.Offer.Items {
				fmt.Fprintf(r.out, "\n  [offer] %d x %s", it.Quantity, it.Title)
			}
			if m.Offer.Summary.Total != "" {
				fmt.Fprintf(r.out, "\n  [offer] total %s", m.Offer.Summary.Total)
			}
			if m.Offer.CheckoutURL != "" {
				fmt.Fprintf(r.out, "\n  [offer] checkout: %s", m.Offer.CheckoutURL)
			}
		}
	}

	if v.AgentTyping != r.typing {
		r.typing = v.AgentTyping
		if r.typing {
			fmt.Fprint(r.out, "\n(agent is typing...)")
		}
	}
}

func label(role timeline.Role) string {
	if role == timeline.RoleUser {
		return "you"
	}
	return "assistant"
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
