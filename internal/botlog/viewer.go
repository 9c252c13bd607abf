package botlog

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/xiaot623/botconsole/internal/domain"
)

// Position is where the viewport sits in the log list. The newest entries
// are at the top edge, the oldest at the bottom edge.
type Position int

const (
	AtNewest Position = iota
	InHistory
	AtOldest
)

func (p Position) String() string {
	switch p {
	case AtNewest:
		return "newest"
	case InHistory:
		return "history"
	case AtOldest:
		return "oldest"
	default:
		return "unknown"
	}
}

// ClassifyScroll maps scroll geometry to a Position. offset is the distance
// scrolled from the newest edge; an edge is reached within threshold.
func ClassifyScroll(offset, viewport, content, threshold float64) Position {
	if offset <= threshold || content <= viewport {
		return AtNewest
	}
	if offset+viewport >= content-threshold {
		return AtOldest
	}
	return InHistory
}

// Source is the log buffer a Viewer drives.
type Source interface {
	LoadFirstPage(ctx context.Context) ([]domain.BotLog, error)
	LoadOlder(ctx context.Context) ([]domain.BotLog, error)
	StartServerPush(ctx context.Context)
	StopServerPush()
}

// ViewerOptions configures a Viewer.
type ViewerOptions struct {
	Debounce    time.Duration
	AutoRefresh bool
	// OnError receives failures of debounced scroll handling.
	OnError func(error)
	Logger  *slog.Logger
}

const DefaultScrollDebounce = 300 * time.Millisecond

type stopper interface {
	Stop() bool
}

// Viewer is the scroll state machine of a log list.
//
// Pinned at the newest edge, live push runs if auto-refresh is on. Anywhere
// else push is paused so the history being read does not move, and reaching
// the oldest edge loads the next older page.
type Viewer struct {
	ctx     context.Context
	src     Source
	opts    ViewerOptions
	logger  *slog.Logger
	onError func(error)

	afterFunc func(time.Duration, func()) stopper

	mu          sync.Mutex
	pos         Position
	autoRefresh bool
	timer       stopper
	// timerGen identifies the pending debounce; a callback whose generation
	// is stale was superseded after it started and must not apply.
	timerGen uint64
	closed   bool
}

// NewViewer creates a viewer pinned at the newest edge. ctx bounds the push
// subscription and debounced loads.
func NewViewer(ctx context.Context, src Source, opts ViewerOptions) *Viewer {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultScrollDebounce
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	onError := opts.OnError
	if onError == nil {
		onError = func(error) {}
	}
	return &Viewer{
		ctx:         ctx,
		src:         src,
		opts:        opts,
		logger:      opts.Logger,
		onError:     onError,
		afterFunc:   func(d time.Duration, f func()) stopper { return time.AfterFunc(d, f) },
		pos:         AtNewest,
		autoRefresh: opts.AutoRefresh,
	}
}

// Start loads the newest page and applies the newest-edge state.
func (v *Viewer) Start(ctx context.Context) error {
	if _, err := v.src.LoadFirstPage(ctx); err != nil {
		return err
	}
	return v.ScrollTo(ctx, AtNewest)
}

// Position returns the last applied position.
func (v *Viewer) Position() Position {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.pos
}

// AutoRefresh reports the auto-refresh preference.
func (v *Viewer) AutoRefresh() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.autoRefresh
}

// Scrolled records a scroll event. Events within the debounce window
// collapse; the last position wins.
func (v *Viewer) Scrolled(pos Position) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	v.stopTimerLocked()
	gen := v.timerGen
	v.timer = v.afterFunc(v.opts.Debounce, func() {
		v.mu.Lock()
		if v.timerGen != gen {
			v.mu.Unlock()
			return
		}
		v.timer = nil
		v.mu.Unlock()

		if err := v.apply(v.ctx, pos); err != nil {
			v.onError(err)
		}
	})
}

// ScrollTo applies pos immediately, dropping any pending debounced event.
func (v *Viewer) ScrollTo(ctx context.Context, pos Position) error {
	v.mu.Lock()
	v.stopTimerLocked()
	v.mu.Unlock()
	return v.apply(ctx, pos)
}

// SetAutoRefresh sets the auto-refresh preference and reapplies the current
// position.
func (v *Viewer) SetAutoRefresh(on bool) {
	v.mu.Lock()
	v.autoRefresh = on
	closed := v.closed
	v.mu.Unlock()
	if closed {
		return
	}
	v.syncPush()
}

// Close stops the debounce timer and the push subscription.
func (v *Viewer) Close() {
	v.mu.Lock()
	v.closed = true
	v.stopTimerLocked()
	v.mu.Unlock()
	v.src.StopServerPush()
}

// stopTimerLocked drops the pending debounce, including a callback that has
// already started. v.mu must be held.
func (v *Viewer) stopTimerLocked() {
	if v.timer != nil {
		v.timer.Stop()
		v.timer = nil
	}
	v.timerGen++
}

func (v *Viewer) apply(ctx context.Context, pos Position) error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	prev := v.pos
	v.pos = pos
	v.mu.Unlock()

	if prev != pos {
		v.logger.Debug("log viewer moved", "from", prev.String(), "to", pos.String())
	}
	v.syncPush()

	if pos != AtOldest {
		return nil
	}
	if _, err := v.src.LoadOlder(ctx); err != nil {
		if errors.Is(err, ErrEmptyBuffer) {
			return nil
		}
		return err
	}
	return nil
}

func (v *Viewer) syncPush() {
	v.mu.Lock()
	live := v.autoRefresh && v.pos == AtNewest && !v.closed
	v.mu.Unlock()

	if live {
		v.src.StartServerPush(v.ctx)
	} else {
		v.src.StopServerPush()
	}
}
