package poll

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultInterval is the fixed polling period.
	DefaultInterval = 4 * time.Second
	// DefaultCeiling is the number of no-progress attempts after which
	// polling self-suspends on a stale conversation.
	DefaultCeiling = 10
	// fetchTimeout bounds a single fetch call.
	fetchTimeout = 15 * time.Second
)

// FetchFunc performs one "fetch message list" round trip, reconciles the
// result into the timeline, and returns the authoritative message count it
// observed.
type FetchFunc func(ctx context.Context) (int, error)

// Controller drives periodic reconciliation fetches. It counts attempts
// that observe no message-count progress and stops itself at the ceiling;
// any progress resets the counter. Network failures are logged and not
// counted against the ceiling.
type Controller struct {
	fetch    FetchFunc
	interval time.Duration
	ceiling  int
	logger   *slog.Logger

	mu        sync.Mutex
	attempts  int
	lastCount int
	stopCh    chan struct{}
}

// Config carries the controller settings.
type Config struct {
	Interval time.Duration
	Ceiling  int
}

// NewController creates a stopped controller.
func NewController(fetch FetchFunc, cfg Config, logger *slog.Logger) *Controller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = DefaultCeiling
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		fetch:    fetch,
		interval: cfg.Interval,
		ceiling:  cfg.Ceiling,
		logger:   logger,
	}
}

// Start begins the polling loop. Starting an active controller is a no-op;
// restarting after a ceiling stop resets the attempt counter.
func (c *Controller) Start() {
	c.mu.Lock()
	if c.stopCh != nil {
		c.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	c.stopCh = stop
	c.attempts = 0
	c.mu.Unlock()

	go c.loop(stop)
}

// Stop halts polling immediately. Safe to call when already stopped.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopCh != nil {
		close(c.stopCh)
		c.stopCh = nil
	}
}

// Active reports whether the polling loop is running.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopCh != nil
}

// FetchNow performs an immediate fetch outside the timer schedule, feeding
// the same progress tracking as a timed poll.
func (c *Controller) FetchNow(ctx context.Context) error {
	count, err := c.fetch(ctx)
	if err != nil {
		return err
	}
	c.observe(count)
	return nil
}

func (c *Controller) loop(stop chan struct{}) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !c.pollOnce() {
				c.mu.Lock()
				if c.stopCh == stop {
					c.stopCh = nil
				}
				c.mu.Unlock()
				c.logger.Debug("polling ceiling reached, suspending", "ceiling", c.ceiling)
				return
			}
		}
	}
}

// pollOnce runs one scheduled fetch. It returns false when the no-progress
// ceiling has been exhausted and polling should self-stop.
func (c *Controller) pollOnce() bool {
	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	defer cancel()

	count, err := c.fetch(ctx)
	if err != nil {
		// Transient blip: stay on schedule, do not count it.
		c.logger.Warn("poll fetch failed", "error", err)
		return true
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if count > c.lastCount {
		c.lastCount = count
		c.attempts = 0
		return true
	}
	c.attempts++
	return c.attempts < c.ceiling
}

// observe updates progress tracking from a fetch that happened outside the
// timer loop.
func (c *Controller) observe(count int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if count > c.lastCount {
		c.lastCount = count
		c.attempts = 0
	}
}
