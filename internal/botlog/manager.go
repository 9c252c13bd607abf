// Package botlog keeps the paged, live-updating log buffer of one bot and the
// scroll state machine that drives it.
package botlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/xiaot623/botconsole/internal/domain"
)

// ErrEmptyBuffer is returned by LoadOlder before any page has been loaded.
var ErrEmptyBuffer = errors.New("bot log buffer is empty")

// Fetcher fetches one page of bot logs, newest first.
type Fetcher interface {
	GetBotLogs(ctx context.Context, botID string, q domain.BotLogQuery) (*domain.BotLogPage, error)
}

// Snapshot is the buffer state delivered to subscribers.
type Snapshot struct {
	Logs       []domain.BotLog // ascending by seq_id
	TotalCount int
	Version    uint64
	// Err is set when the refresh behind this snapshot failed. Logs then
	// hold the last good buffer and Stale is true.
	Err   error
	Stale bool
}

// Options configures a Manager.
type Options struct {
	PageSize     int
	PushInterval time.Duration
	Logger       *slog.Logger
}

const (
	DefaultPageSize     = 10
	DefaultPushInterval = 3 * time.Second
)

// Manager owns the log buffer of one bot.
//
// Pages from the server arrive newest first; the buffer is kept ascending by
// seq_id without duplicates. Older pages are merged in, while every push
// replaces the buffer with the server's newest page.
type Manager struct {
	botID   string
	fetcher Fetcher
	opts    Options
	logger  *slog.Logger

	mu      sync.Mutex
	logs    []domain.BotLog
	total   int
	version uint64
	stale   bool

	filterMu      sync.Mutex
	filterVersion uint64
	filterKey     string
	filtered      []domain.BotLog
	filterValid   bool

	subMu sync.RWMutex
	subID int
	subs  []subscriber

	pushMu     sync.Mutex
	pushCancel context.CancelFunc
	pushGen    uint64
}

type subscriber struct {
	id int
	fn func(Snapshot)
}

// NewManager creates a manager for botID.
func NewManager(botID string, fetcher Fetcher, opts Options) *Manager {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.PushInterval <= 0 {
		opts.PushInterval = DefaultPushInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		botID:   botID,
		fetcher: fetcher,
		opts:    opts,
		logger:  opts.Logger.With("bot_id", botID),
	}
}

// BotID returns the bot the manager belongs to.
func (m *Manager) BotID() string {
	return m.botID
}

// PageSize returns the configured page size.
func (m *Manager) PageSize() int {
	return m.opts.PageSize
}

// LoadFirstPage fetches the newest page and makes it the buffer. The page is
// returned as delivered, newest first.
func (m *Manager) LoadFirstPage(ctx context.Context) ([]domain.BotLog, error) {
	page, err := m.fetch(ctx, domain.FromNewest, m.opts.PageSize)
	if err != nil {
		m.markStale(err)
		return nil, err
	}

	m.mu.Lock()
	m.replaceLocked(page)
	snap := m.snapshotLocked(nil)
	m.mu.Unlock()

	m.notify(snap)
	return page.Logs, nil
}

// LoadMore fetches up to count entries with seq_id <= beforeSeq and merges
// them into the buffer. It returns the fetched page, newest first. Once the
// oldest loaded entry has seq_id 0, or when beforeSeq is negative, there is
// nothing older and no request is made.
func (m *Manager) LoadMore(ctx context.Context, beforeSeq int64, count int) ([]domain.BotLog, error) {
	if beforeSeq < 0 {
		return nil, nil
	}
	m.mu.Lock()
	exhausted := len(m.logs) > 0 && m.logs[0].SeqID == 0
	m.mu.Unlock()
	if exhausted {
		return nil, nil
	}
	if count <= 0 {
		count = m.opts.PageSize
	}

	page, err := m.fetch(ctx, beforeSeq, count)
	if err != nil {
		m.markStale(err)
		return nil, err
	}

	m.mu.Lock()
	merged := make([]domain.BotLog, 0, len(m.logs)+len(page.Logs))
	merged = append(merged, m.logs...)
	merged = append(merged, page.Logs...)
	m.logs = domain.SortBotLogsAsc(merged)
	if page.TotalCount > m.total {
		m.total = page.TotalCount
	}
	m.version++
	m.stale = false
	snap := m.snapshotLocked(nil)
	m.mu.Unlock()

	m.notify(snap)
	return page.Logs, nil
}

// LoadOlder loads the page before the oldest loaded entry.
func (m *Manager) LoadOlder(ctx context.Context) ([]domain.BotLog, error) {
	m.mu.Lock()
	if len(m.logs) == 0 {
		m.mu.Unlock()
		return nil, ErrEmptyBuffer
	}
	oldest := m.logs[0].SeqID
	m.mu.Unlock()

	return m.LoadMore(ctx, oldest-1, m.opts.PageSize)
}

// HasOlder reports whether entries older than the buffer may exist.
func (m *Manager) HasOlder() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.logs) == 0 || m.logs[0].SeqID > 0
}

// Logs returns a copy of the buffer, ascending by seq_id.
func (m *Manager) Logs() []domain.BotLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.logs)
}

// Snapshot returns the current buffer state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked(nil)
}

// Filtered returns the buffer entries whose level is in levels, ascending.
// No levels means all entries. The result is cached until the buffer or the
// level set changes and must not be modified.
func (m *Manager) Filtered(levels ...domain.Level) []domain.BotLog {
	key := levelKey(levels)

	m.mu.Lock()
	version := m.version
	logs := m.logs
	m.mu.Unlock()

	m.filterMu.Lock()
	defer m.filterMu.Unlock()

	if m.filterValid && m.filterVersion == version && m.filterKey == key {
		return m.filtered
	}

	out := make([]domain.BotLog, 0, len(logs))
	for _, l := range logs {
		if l.MatchesLevel(levels) {
			out = append(out, l)
		}
	}
	m.filtered = out
	m.filterVersion = version
	m.filterKey = key
	m.filterValid = true
	return out
}

func levelKey(levels []domain.Level) string {
	parts := make([]string, 0, len(levels))
	for _, l := range levels {
		parts = append(parts, string(l))
	}
	slices.Sort(parts)
	parts = slices.Compact(parts)
	return strings.Join(parts, ",")
}

// Subscribe registers fn for every buffer change and every failed refresh.
func (m *Manager) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	m.subMu.Lock()
	m.subID++
	id := m.subID
	m.subs = append(m.subs, subscriber{id: id, fn: fn})
	m.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.subMu.Lock()
			defer m.subMu.Unlock()
			m.subs = slices.DeleteFunc(m.subs, func(s subscriber) bool { return s.id == id })
		})
	}
}

// StartServerPush refreshes the newest page immediately and then every
// PushInterval until StopServerPush is called or ctx ends. Each refresh
// replaces the whole buffer. Calling it while push is active does nothing.
func (m *Manager) StartServerPush(ctx context.Context) {
	m.pushMu.Lock()
	if m.pushCancel != nil {
		m.pushMu.Unlock()
		return
	}
	pushCtx, cancel := context.WithCancel(ctx)
	m.pushCancel = cancel
	m.pushGen++
	gen := m.pushGen
	m.pushMu.Unlock()

	m.logger.Debug("server push started", "interval", m.opts.PushInterval)
	go m.pushLoop(pushCtx, gen)
}

// StopServerPush ends the push subscription. It does not wait for an
// in-flight refresh; its result is discarded.
func (m *Manager) StopServerPush() {
	m.pushMu.Lock()
	defer m.pushMu.Unlock()
	if m.pushCancel == nil {
		return
	}
	m.pushCancel()
	m.pushCancel = nil
	m.pushGen++
	m.logger.Debug("server push stopped")
}

// Pushing reports whether the push subscription is active.
func (m *Manager) Pushing() bool {
	m.pushMu.Lock()
	defer m.pushMu.Unlock()
	return m.pushCancel != nil
}

func (m *Manager) pushLoop(ctx context.Context, gen uint64) {
	ticker := time.NewTicker(m.opts.PushInterval)
	defer ticker.Stop()

	m.refresh(ctx, gen)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.refresh(ctx, gen)
		}
	}
}

func (m *Manager) pushActive(gen uint64) bool {
	m.pushMu.Lock()
	defer m.pushMu.Unlock()
	return m.pushCancel != nil && m.pushGen == gen
}

// refresh replaces the buffer with the newest page. Failures keep the last
// good buffer and are delivered as a stale snapshot.
func (m *Manager) refresh(ctx context.Context, gen uint64) {
	page, err := m.fetch(ctx, domain.FromNewest, m.opts.PageSize)
	if !m.pushActive(gen) {
		return
	}
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.logger.Warn("bot log push refresh failed", "error", err)
		m.markStale(err)
		return
	}

	m.mu.Lock()
	m.replaceLocked(page)
	snap := m.snapshotLocked(nil)
	m.mu.Unlock()

	m.notify(snap)
}

func (m *Manager) fetch(ctx context.Context, from int64, count int) (*domain.BotLogPage, error) {
	page, err := m.fetcher.GetBotLogs(ctx, m.botID, domain.BotLogQuery{FromIndex: from, MaxCount: count})
	if err != nil {
		return nil, fmt.Errorf("fetch logs of bot %s from %d: %w", m.botID, from, err)
	}
	if page == nil {
		page = &domain.BotLogPage{}
	}
	return page, nil
}

func (m *Manager) replaceLocked(page *domain.BotLogPage) {
	m.logs = domain.SortBotLogsAsc(slices.Clone(page.Logs))
	m.total = page.TotalCount
	m.version++
	m.stale = false
}

func (m *Manager) markStale(err error) {
	m.mu.Lock()
	m.stale = true
	snap := m.snapshotLocked(err)
	m.mu.Unlock()

	m.notify(snap)
}

func (m *Manager) snapshotLocked(err error) Snapshot {
	return Snapshot{
		Logs:       slices.Clone(m.logs),
		TotalCount: m.total,
		Version:    m.version,
		Err:        err,
		Stale:      m.stale,
	}
}

func (m *Manager) notify(snap Snapshot) {
	m.subMu.RLock()
	fns := make([]func(Snapshot), len(m.subs))
	for i, s := range m.subs {
		fns[i] = s.fn
	}
	m.subMu.RUnlock()

	for _, fn := range fns {
		fn(snap)
	}
}
