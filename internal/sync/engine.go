package sync

import (
	"context"
	"errors"
	"fmt"
	stdsync "sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/gymlink/gymchat/internal/bus"
	"github.com/gymlink/gymchat/internal/cache"
	"github.com/gymlink/gymchat/internal/feed"
	"github.com/gymlink/gymchat/internal/model"
	"github.com/gymlink/gymchat/internal/status"
)

// Fetcher loads a page of messages from the remote store.
type Fetcher interface {
	ListMessages(ctx context.Context, convID int64, limit, offset int) ([]model.Message, error)
}

// Options tunes an Engine.
type Options struct {
	PageSize int
	Debounce time.Duration
}

func (o *Options) defaults() {
	if o.PageSize <= 0 {
		o.PageSize = 50
	}
	if o.Debounce <= 0 {
		o.Debounce = 300 * time.Millisecond
	}
}

type fetchMode int

const (
	modeLoad fetchMode = iota
	modeRefresh
	modeSilent
)

func (m fetchMode) String() string {
	switch m {
	case modeLoad:
		return "load"
	case modeRefresh:
		return "refresh"
	default:
		return "silent"
	}
}

// Engine keeps the cached messages of one conversation in step with the
// remote store. All fetches go through a single queue so batches apply in
// the order they were issued.
type Engine struct {
	convID   int64
	cache    *cache.Store
	fetcher  Fetcher
	feed     feed.Feed
	machine  *status.Machine
	bus      *bus.Bus
	logger   *zap.Logger
	opts     Options
	queue    *fetchQueue
	debounce *Debouncer

	inFlight atomic.Bool
	closed   atomic.Bool

	mu      stdsync.Mutex // guards started and unsub
	started bool
	unsub   func()
	done    chan struct{}
}

// NewEngine creates an engine for convID. fd, b and logger may be nil.
func NewEngine(convID int64, c *cache.Store, f Fetcher, fd feed.Feed, m *status.Machine, b *bus.Bus, logger *zap.Logger, opts Options) *Engine {
	opts.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = status.NewMachine(convID, b)
	}
	e := &Engine{
		convID:  convID,
		cache:   c,
		fetcher: f,
		feed:    fd,
		machine: m,
		bus:     b,
		logger:  logger.With(zap.Int64("conversation_id", convID)),
		opts:    opts,
		queue:   newFetchQueue(16),
		done:    make(chan struct{}),
	}
	e.debounce = NewDebouncer(opts.Debounce, e.silentRefresh)
	return e
}

// Start subscribes to the push feed for the conversation.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.feed == nil || e.closed.Load() || e.started {
		return
	}
	e.started = true
	ch, unsub := e.feed.Subscribe(e.convID)
	e.unsub = unsub

	go func() {
		defer close(e.done)
		for c := range ch {
			if e.closed.Load() {
				continue
			}
			e.HandleChange(c)
		}
	}()
}

// Load performs the initial fetch and replaces the local state with the
// first page. If a local mutation landed while the request was in flight
// the page is merged instead.
func (e *Engine) Load(ctx context.Context) error {
	return e.nonSilent(ctx, modeLoad)
}

// Refresh is an explicit user refresh. It is skipped while another
// non-silent fetch is in flight.
func (e *Engine) Refresh(ctx context.Context) error {
	return e.nonSilent(ctx, modeRefresh)
}

func (e *Engine) nonSilent(ctx context.Context, mode fetchMode) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if !e.inFlight.CompareAndSwap(false, true) {
		e.logger.Debug("fetch skipped, another is in flight", zap.Stringer("mode", mode))
		return nil
	}
	defer e.inFlight.Store(false)

	err := e.queue.do(ctx, func(ctx context.Context) error {
		return e.fetch(ctx, mode)
	})
	if err != nil && !errors.Is(err, ErrClosed) {
		e.logger.Warn("fetch failed", zap.Stringer("mode", mode), zap.Error(err))
		if mode == modeRefresh {
			e.notice("refresh", "Could not refresh messages.")
		}
	}
	return err
}

// TriggerRefresh schedules a debounced silent refresh.
func (e *Engine) TriggerRefresh() {
	if e.closed.Load() {
		return
	}
	e.debounce.Trigger()
}

func (e *Engine) silentRefresh() {
	if e.closed.Load() {
		return
	}
	queued := e.queue.tryEnqueue(func(ctx context.Context) {
		if err := e.fetch(ctx, modeSilent); err != nil && ctx.Err() == nil {
			e.logger.Warn("silent refresh failed", zap.Error(err))
		}
	})
	if !queued {
		e.logger.Debug("silent refresh dropped, queue full or closed")
	}
}

func (e *Engine) fetch(ctx context.Context, mode fetchMode) error {
	e.machine.BeginFetch(mode == modeSilent)
	defer e.machine.EndFetch()

	local, version, _ := e.cache.Messages(e.convID)
	server, err := e.fetcher.ListMessages(ctx, e.convID, e.opts.PageSize, 0)
	if err != nil {
		return fmt.Errorf("fetch messages: %w", err)
	}
	if ctx.Err() != nil || e.closed.Load() {
		return ctx.Err()
	}

	if mode != modeSilent && e.cache.ReplaceIfVersion(e.convID, version, Replace(local, server)) {
		return nil
	}
	e.cache.Update(e.convID, func(prev []model.Message) []model.Message {
		out, _ := Merge(prev, server, e.opts.PageSize)
		return out
	})
	return nil
}

// HandleChange applies a push notification. Deletes with a known id are
// applied directly; everything else schedules a silent refresh.
func (e *Engine) HandleChange(c feed.Change) {
	if c.Table != "" && c.Table != "messages" {
		return
	}
	switch c.Kind {
	case feed.Delete:
		id, ok := c.MessageID()
		if !ok {
			e.TriggerRefresh()
			return
		}
		e.cache.Update(e.convID, func(prev []model.Message) []model.Message {
			out, _ := model.RemoveByID(prev, id)
			return out
		})
	case feed.Insert:
		if m, err := model.DecodeMessage(c.Record); err == nil {
			e.cache.UpsertConversationPreview(e.convID, m)
		}
		e.TriggerRefresh()
	case feed.Update:
		e.TriggerRefresh()
	}
}

// Close stops the debounce timer, leaves the feed and stops the fetch
// worker. Results of in-flight requests are discarded.
func (e *Engine) Close() {
	if !e.closed.CompareAndSwap(false, true) {
		return
	}
	e.debounce.Stop()
	e.mu.Lock()
	unsub := e.unsub
	e.mu.Unlock()
	if unsub != nil {
		unsub()
		<-e.done
	}
	e.queue.close()
}

func (e *Engine) notice(op, msg string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(bus.Event{
		Kind:           bus.KindNotice,
		ConversationID: e.convID,
		Payload:        model.Notice{ConversationID: e.convID, Op: op, Message: msg},
	})
}
