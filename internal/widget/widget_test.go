package widget

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stillwater-labs/chatsync/internal/backend"
	"github.com/stillwater-labs/chatsync/internal/timeline"
)

// fakeBackend is an in-memory backend.Service with controllable replies.
type fakeBackend struct {
	mu         sync.Mutex
	snapshot   backend.Snapshot
	fetchCalls int32
	sendCalls  int32
	sendFn     func(backend.SendRequest) (*backend.Reply, error)
	resolveErr error
}

func (f *fakeBackend) FetchMessages(context.Context, string) (*backend.Snapshot, error) {
	atomic.AddInt32(&f.fetchCalls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	snap := f.snapshot
	msgs := make([]timeline.Message, len(snap.Messages))
	copy(msgs, snap.Messages)
	snap.Messages = msgs
	return &snap, nil
}

func (f *fakeBackend) SendMessage(_ context.Context, req backend.SendRequest) (*backend.Reply, error) {
	atomic.AddInt32(&f.sendCalls, 1)
	f.mu.Lock()
	fn := f.sendFn
	f.mu.Unlock()
	if fn == nil {
		return &backend.Reply{Text: "ok"}, nil
	}
	return fn(req)
}

func (f *fakeBackend) ResolveConversationID(context.Context, string) (string, error) {
	if f.resolveErr != nil {
		return "", f.resolveErr
	}
	return "conv-1", nil
}

var widgetSeq int32

func newTestWidget(t *testing.T, fb *fakeBackend) *Widget {
	t.Helper()
	id := fmt.Sprintf("test-widget-%d", atomic.AddInt32(&widgetSeq, 1))
	w, err := New(Config{
		WidgetID:      id,
		SessionID:     "sess-" + id,
		PollInterval:  time.Hour, // timed polls stay out of the way
		FrameInterval: time.Millisecond,
	}, fb, nil, nil, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(w.Destroy)
	return w
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSendWhileSendingIsNoOp(t *testing.T) {
	release := make(chan struct{})
	fb := &fakeBackend{
		sendFn: func(backend.SendRequest) (*backend.Reply, error) {
			<-release
			return &backend.Reply{Text: "reply"}, nil
		},
	}
	w := newTestWidget(t, fb)
	w.Open()

	w.Send("hi")
	waitFor(t, "sending state", func() bool { return w.State() == StateSending })

	before := len(w.Messages())
	w.Send("hi again") // must be silently ignored

	if got := len(w.Messages()); got != before {
		t.Errorf("timeline changed: %d -> %d", before, got)
	}
	close(release)
	waitFor(t, "idle state", func() bool { return w.State() == StateIdle })

	if got := atomic.LoadInt32(&fb.sendCalls); got != 1 {
		t.Errorf("send calls = %d, expected 1", got)
	}
}

func TestSendIgnoresBlankText(t *testing.T) {
	fb := &fakeBackend{}
	w := newTestWidget(t, fb)
	w.Open()

	w.Send("   ")
	w.Send("")

	if got := atomic.LoadInt32(&fb.sendCalls); got != 0 {
		t.Errorf("send calls = %d, expected 0", got)
	}
	if got := len(w.Messages()); got != 0 {
		t.Errorf("timeline length = %d, expected 0", got)
	}
}

func TestSendWhileClosedIsNoOp(t *testing.T) {
	fb := &fakeBackend{}
	w := newTestWidget(t, fb)

	w.Send("hello?")

	if got := atomic.LoadInt32(&fb.sendCalls); got != 0 {
		t.Errorf("send calls = %d, expected 0", got)
	}
}

func TestOpenTriggersImmediateFetch(t *testing.T) {
	fb := &fakeBackend{snapshot: backend.Snapshot{Messages: []timeline.Message{
		{ID: "m1", Role: timeline.RoleAssistant, Content: "welcome back"},
	}}}
	w := newTestWidget(t, fb)

	w.Open()

	waitFor(t, "initial fetch", func() bool { return atomic.LoadInt32(&fb.fetchCalls) >= 1 })
	waitFor(t, "snapshot adopted", func() bool {
		msgs := w.Messages()
		return len(msgs) == 1 && msgs[0].ID == "m1"
	})
	if w.State() != StateIdle {
		t.Errorf("state = %v, expected idle", w.State())
	}
}

func TestPayloadReplyAppendsAssistantMessage(t *testing.T) {
	offerJSON := json.RawMessage(`{
		"items": [{"title": "15L bucket", "quantity": 1, "imageUrl": "https://cdn.example.com/b.jpg"}],
		"summary": {"total": "389.99"},
		"checkoutUrl": "https://shop.example.com/cart/9"
	}`)
	fb := &fakeBackend{
		sendFn: func(backend.SendRequest) (*backend.Reply, error) {
			return &backend.Reply{Text: "here is your quote", OfferPayload: offerJSON}, nil
		},
	}
	w := newTestWidget(t, fb)
	w.Open()

	w.Send("quote please")
	waitFor(t, "assistant reply", func() bool { return len(w.Messages()) == 2 })
	waitFor(t, "idle state", func() bool { return w.State() == StateIdle })

	msgs := w.Messages()
	if msgs[0].Role != timeline.RoleUser || msgs[0].Content != "quote please" {
		t.Errorf("unexpected user message: %+v", msgs[0])
	}
	reply := msgs[1]
	if reply.Role != timeline.RoleAssistant || reply.Content != "here is your quote" {
		t.Errorf("unexpected assistant message: %+v", reply)
	}
	if reply.Offer == nil || !reply.Offer.Strong() {
		t.Errorf("structured offer not attached: %+v", reply.Offer)
	}
}

func TestSendFailureKeepsOptimisticMessage(t *testing.T) {
	fb := &fakeBackend{
		sendFn: func(backend.SendRequest) (*backend.Reply, error) {
			return nil, errors.New("boom")
		},
	}
	w := newTestWidget(t, fb)
	w.Open()

	w.Send("hi")
	waitFor(t, "fallback reply", func() bool { return len(w.Messages()) == 2 })
	waitFor(t, "idle state", func() bool { return w.State() == StateIdle })

	msgs := w.Messages()
	if msgs[0].Content != "hi" {
		t.Errorf("optimistic message rolled back: %+v", msgs[0])
	}
	if msgs[1].Role != timeline.RoleAssistant || msgs[1].Content != defaultErrorFallback {
		t.Errorf("expected fallback assistant message, got %+v", msgs[1])
	}
}

func TestStreamedReplyDrainsIntoTimeline(t *testing.T) {
	body := io.NopCloser(strings.NewReader(
		`{"token":"He"}` + "\n" + `{"token":"llo"}` + "\n" + `{"done":true}` + "\n"))
	fb := &fakeBackend{
		sendFn: func(backend.SendRequest) (*backend.Reply, error) {
			return &backend.Reply{Stream: body}, nil
		},
	}
	w := newTestWidget(t, fb)
	w.Open()

	w.Send("hi")
	waitFor(t, "drain completion", func() bool {
		msgs := w.Messages()
		return len(msgs) == 2 && msgs[1].Content == "Hello" && !msgs[1].Streaming
	})
	waitFor(t, "idle after stream", func() bool { return w.State() == StateIdle })
}

func TestCloseSuppressesRender(t *testing.T) {
	var renders int32
	release := make(chan struct{})
	fb := &fakeBackend{
		sendFn: func(backend.SendRequest) (*backend.Reply, error) {
			<-release
			return &backend.Reply{Text: "late reply"}, nil
		},
	}

	id := fmt.Sprintf("test-widget-%d", atomic.AddInt32(&widgetSeq, 1))
	w, err := New(Config{
		WidgetID:     id,
		SessionID:    "sess-" + id,
		PollInterval: time.Hour,
	}, fb, func(View) { atomic.AddInt32(&renders, 1) }, nil, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(w.Destroy)

	w.Open()
	w.Send("hi")
	waitFor(t, "sending state", func() bool { return w.State() == StateSending })

	w.Close()
	if w.State() != StateClosed {
		t.Fatalf("state = %v, expected closed", w.State())
	}
	settled := atomic.LoadInt32(&renders)

	close(release) // the in-flight reply completes in the background
	waitFor(t, "late reply landing in store", func() bool {
		msgs := w.store.Messages()
		return len(msgs) == 2
	})

	if got := atomic.LoadInt32(&renders); got != settled {
		t.Errorf("renders after close: %d -> %d", settled, got)
	}
	if w.State() != StateClosed {
		t.Errorf("completion reopened the widget: %v", w.State())
	}
}

func TestDuplicateWidgetIDRefused(t *testing.T) {
	fb := &fakeBackend{}
	id := fmt.Sprintf("test-widget-%d", atomic.AddInt32(&widgetSeq, 1))

	w1, err := New(Config{WidgetID: id, SessionID: "s1", PollInterval: time.Hour}, fb, nil, nil, nil)
	if err != nil {
		t.Fatalf("first New failed: %v", err)
	}
	t.Cleanup(w1.Destroy)

	if _, err := New(Config{WidgetID: id, SessionID: "s2", PollInterval: time.Hour}, fb, nil, nil, nil); err == nil {
		t.Fatal("second widget with same id must be refused")
	}

	if got, ok := Lookup(id); !ok || got != w1 {
		t.Error("registry lookup should return the first widget")
	}
}

func TestLifecycleEvents(t *testing.T) {
	fb := &fakeBackend{}
	var mu sync.Mutex
	var events []EventType

	id := fmt.Sprintf("test-widget-%d", atomic.AddInt32(&widgetSeq, 1))
	w, err := New(Config{WidgetID: id, SessionID: "s", PollInterval: time.Hour}, fb, nil,
		func(e Event) {
			mu.Lock()
			events = append(events, e.Type)
			mu.Unlock()
		}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(w.Destroy)

	w.Open()
	w.Send("hello")
	waitFor(t, "reply", func() bool { return len(w.Messages()) == 2 })
	w.Close()

	mu.Lock()
	got := append([]EventType(nil), events...)
	mu.Unlock()

	want := []EventType{EventReady, EventOpened, EventMessageSent, EventClosed}
	for _, ev := range want {
		found := false
		for _, g := range got {
			if g == ev {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("event %q was never emitted (got %v)", ev, got)
		}
	}
}
