package reconcile

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/agentworkforce/relaysync/internal/clock"
	"github.com/rs/zerolog"
)

const (
	DefaultDebounceWindow = 200 * time.Millisecond
	defaultMaxRetryDelay  = 5 * time.Second
)

// SaveFunc persists one document snapshot.
type SaveFunc func(ctx context.Context, body json.RawMessage) error

type DebouncerOptions struct {
	Save          SaveFunc
	Window        time.Duration
	MaxRetryDelay time.Duration
	Clock         clock.Clock
	Logger        *zerolog.Logger
	// OnError sees every failed save; the snapshot stays dirty either way.
	OnError func(error)
}

// Debouncer coalesces rapid edits into at most one save per quiet
// window. A failed save keeps the latest snapshot dirty and retries it
// with backoff; a newer edit replaces the snapshot being retried.
type Debouncer struct {
	save          SaveFunc
	window        time.Duration
	maxRetryDelay time.Duration
	clock         clock.Clock
	logger        zerolog.Logger
	onError       func(error)

	saveMu sync.Mutex

	mu         sync.Mutex
	body       json.RawMessage
	dirty      bool
	generation uint64
	failures   int
	timer      *clock.Timer
	closed     bool
}

func NewDebouncer(opts DebouncerOptions) *Debouncer {
	window := opts.Window
	if window <= 0 {
		window = DefaultDebounceWindow
	}
	maxRetry := opts.MaxRetryDelay
	if maxRetry <= 0 {
		maxRetry = defaultMaxRetryDelay
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Debouncer{
		save:          opts.Save,
		window:        window,
		maxRetryDelay: maxRetry,
		clock:         clk,
		logger:        logger.With().Str("component", "debouncer").Logger(),
		onError:       opts.OnError,
	}
}

// Submit records the latest snapshot and restarts the quiet window.
func (d *Debouncer) Submit(body json.RawMessage) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.body = append(json.RawMessage(nil), body...)
	d.dirty = true
	d.generation++
	d.failures = 0
	d.scheduleLocked(d.window)
}

func (d *Debouncer) Dirty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dirty
}

// Flush saves the pending snapshot now instead of waiting for the window.
func (d *Debouncer) Flush(ctx context.Context) error {
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.mu.Unlock()
	return d.fire(ctx)
}

// Close stops pending timers and makes one last attempt to save any
// dirty snapshot.
func (d *Debouncer) Close(ctx context.Context) error {
	err := d.Flush(ctx)
	d.mu.Lock()
	d.closed = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.mu.Unlock()
	return err
}

func (d *Debouncer) scheduleLocked(delay time.Duration) {
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = d.clock.AfterFunc(delay, func() {
		_ = d.fire(context.Background())
	})
}

func (d *Debouncer) fire(ctx context.Context) error {
	d.saveMu.Lock()
	defer d.saveMu.Unlock()

	d.mu.Lock()
	if !d.dirty || d.save == nil {
		d.mu.Unlock()
		return nil
	}
	body := d.body
	generation := d.generation
	d.mu.Unlock()

	err := d.save(ctx, body)

	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		if d.generation == generation {
			d.dirty = false
			d.failures = 0
		}
		return nil
	}
	if d.onError != nil {
		d.onError(err)
	}
	if d.closed || d.generation != generation {
		return err
	}
	d.failures++
	delay := d.retryDelay()
	d.logger.Warn().Err(err).Int("attempt", d.failures).Dur("retry_in", delay).Msg("document save failed")
	d.scheduleLocked(delay)
	return err
}

func (d *Debouncer) retryDelay() time.Duration {
	delay := d.window
	for i := 1; i < d.failures; i++ {
		delay *= 2
		if delay >= d.maxRetryDelay {
			return d.maxRetryDelay
		}
	}
	if delay > d.maxRetryDelay {
		return d.maxRetryDelay
	}
	return delay
}
