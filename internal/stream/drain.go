package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// DefaultFrameInterval paces the drain loop. Revealing buffered characters
// once per frame keeps the render from being invoked per character.
const DefaultFrameInterval = 33 * time.Millisecond

// Sink is the single mutation path the drain engine uses against the
// timeline. *timeline.Store satisfies it.
type Sink interface {
	StartDraft() uint64
	AppendToDraft(key uint64, text string)
	FreezeDraft(key uint64, fallback string) string
}

// record covers the event shapes the reply channel has accumulated over
// time. A line that fits none of them is replayed as literal text.
type record struct {
	Token   string `json:"token"`
	Text    string `json:"text"`
	Content string `json:"content"`
	Delta   string `json:"delta"`
	Done    bool   `json:"done"`
}

// decodeLine parses one stream record. It returns the text fragment the
// record carries (possibly empty) and whether it was the terminal marker.
// Unparseable lines come back verbatim so no output is ever dropped.
func decodeLine(line []byte) (fragment string, done bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return "", false
	}
	// Tolerate an SSE-style "data:" prefix from older backends.
	if rest, ok := bytes.CutPrefix(line, []byte("data:")); ok {
		line = bytes.TrimSpace(rest)
		if len(line) == 0 {
			return "", false
		}
	}

	var rec record
	if err := json.Unmarshal(line, &rec); err != nil {
		return string(line), false
	}
	if rec.Done {
		return "", true
	}
	switch {
	case rec.Token != "":
		return rec.Token, false
	case rec.Text != "":
		return rec.Text, false
	case rec.Content != "":
		return rec.Content, false
	case rec.Delta != "":
		return rec.Delta, false
	}
	// A well-formed record with no payload (e.g. a keepalive) carries
	// nothing to show.
	return "", false
}

// Drain consumes a live reply stream and reveals its content into the
// timeline at a bounded, frame-paced rate.
type Drain struct {
	sink     Sink
	frame    time.Duration
	fallback string
	onStart  func()
	logger   *slog.Logger

	mu      sync.Mutex
	queue   []rune
	netDone bool
}

// Config carries the drain engine settings.
type Config struct {
	FrameInterval time.Duration
	// Fallback replaces an assistant message that streamed no content.
	Fallback string
	// OnStart fires once, when the first fragment arrives and the draft
	// placeholder is created.
	OnStart func()
}

// NewDrain creates a drain engine writing into sink.
func NewDrain(sink Sink, cfg Config, logger *slog.Logger) *Drain {
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = DefaultFrameInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Drain{
		sink:     sink,
		frame:    cfg.FrameInterval,
		fallback: cfg.Fallback,
		onStart:  cfg.OnStart,
		logger:   logger,
	}
}

// Run reads the stream to completion and drains every buffered character
// into the draft message, then freezes it. It returns the final message
// content. Run blocks until both the network read and the drain loop have
// finished; cancelling ctx stops the visual pacing but the body is still
// read to EOF so the transport can be reused.
func (d *Drain) Run(ctx context.Context, body io.Reader) (string, error) {
	var (
		key     uint64
		started bool
	)
	start := func() {
		if started {
			return
		}
		started = true
		key = d.sink.StartDraft()
		if d.onStart != nil {
			d.onStart()
		}
	}

	readErr := make(chan error, 1)
	go func() {
		readErr <- d.read(body)
	}()

	ticker := time.NewTicker(d.frame)
	defer ticker.Stop()

	netFinished := false
	var nerr error
	for {
		select {
		case nerr = <-readErr:
			netFinished = true
		case <-ticker.C:
		case <-ctx.Done():
			// Stop pacing; reveal whatever is already buffered and
			// let the reader goroutine finish in the background.
			for !netFinished {
				nerr = <-readErr
				netFinished = true
			}
		}

		batch := d.take()
		if batch != "" {
			start()
			d.sink.AppendToDraft(key, batch)
		}
		if netFinished && d.empty() {
			break
		}
	}

	start()
	content := d.sink.FreezeDraft(key, d.fallback)
	if nerr != nil {
		return content, fmt.Errorf("read stream: %w", nerr)
	}
	return content, nil
}

// read scans the response body line by line, queueing fragments until the
// terminal marker or EOF.
func (d *Drain) read(body io.Reader) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		fragment, done := decodeLine(scanner.Bytes())
		if done {
			d.finish()
			// Keep reading so the connection drains cleanly, but
			// nothing after the terminal marker is displayed.
			for scanner.Scan() {
			}
			return scanner.Err()
		}
		if fragment != "" {
			d.enqueue(fragment)
		}
	}
	d.finish()
	return scanner.Err()
}

func (d *Drain) enqueue(fragment string) {
	d.mu.Lock()
	d.queue = append(d.queue, []rune(fragment)...)
	d.mu.Unlock()
}

func (d *Drain) finish() {
	d.mu.Lock()
	d.netDone = true
	d.mu.Unlock()
}

func (d *Drain) empty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue) == 0
}

// take removes one frame's worth of characters: a small batch that grows
// with the backlog so the visible render never falls far behind the
// network.
func (d *Drain) take() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.queue)
	if n == 0 {
		return ""
	}
	batch := 2 + n/10
	if batch > n {
		batch = n
	}
	out := string(d.queue[:batch])
	d.queue = d.queue[batch:]
	return out
}
