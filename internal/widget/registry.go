package widget

import (
	"fmt"
	"sync"
)

// The process-wide widget registry prevents two live engines from fighting
// over the same embedded widget. It is populated on first successful
// construction and consulted before a second instance is created.
var (
	regMu    sync.Mutex
	registry = make(map[string]*Widget)
)

func register(id string, w *Widget) error {
	if id == "" {
		return fmt.Errorf("widget id is required")
	}
	regMu.Lock()
	defer regMu.Unlock()
	if _, ok := registry[id]; ok {
		return fmt.Errorf("widget %q already initialized", id)
	}
	registry[id] = w
	return nil
}

// Lookup returns the live widget registered under id, if any.
func Lookup(id string) (*Widget, bool) {
	regMu.Lock()
	defer regMu.Unlock()
	w, ok := registry[id]
	return w, ok
}

// Unregister removes a widget from the registry, allowing a replacement to
// be constructed. It does not close the widget.
func Unregister(id string) {
	regMu.Lock()
	defer regMu.Unlock()
	delete(registry, id)
}

// Destroy closes the widget and releases its registry slot.
func (w *Widget) Destroy() {
	w.Close()
	Unregister(w.cfg.WidgetID)
}
