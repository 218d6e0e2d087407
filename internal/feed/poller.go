package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gymlink/gymchat/internal/model"
)

// Poller calls Fn every Interval until the context ends. After a failure the
// wait grows exponentially up to MaxBackoff and resets on the next success.
type Poller struct {
	Interval   time.Duration
	MaxBackoff time.Duration
	Fn         func(ctx context.Context) error
	OnError    func(err error, retryIn time.Duration)
}

// Run polls until ctx is cancelled and returns ctx.Err().
func (p *Poller) Run(ctx context.Context) error {
	if p.Fn == nil {
		return errors.New("poller has no function")
	}
	interval := p.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	b := newBackoff(interval, p.MaxBackoff)
	for {
		wait := interval
		if err := p.Fn(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			wait = b.next()
			if p.OnError != nil {
				p.OnError(err, wait)
			}
		} else {
			b.reset()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// MessageLister fetches a page of messages.
type MessageLister interface {
	ListMessages(ctx context.Context, convID int64, limit, offset int) ([]model.Message, error)
}

// PollFeed substitutes polling for the websocket feed. Each watched
// conversation is polled and a synthetic UPDATE change is emitted whenever
// the newest page differs from the previous poll.
type PollFeed struct {
	lister   MessageLister
	interval time.Duration
	pageSize int
	hub      *Hub
	log      *zap.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	pollers map[int64]context.CancelFunc
	wg      sync.WaitGroup
}

// NewPollFeed creates a polling feed. log may be nil.
func NewPollFeed(lister MessageLister, interval time.Duration, pageSize int, log *zap.Logger) *PollFeed {
	if log == nil {
		log = zap.NewNop()
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	p := &PollFeed{
		lister:   lister,
		interval: interval,
		pageSize: pageSize,
		hub:      NewHub(),
		log:      log,
		pollers:  make(map[int64]context.CancelFunc),
	}
	p.hub.OnFirst = p.startPoller
	p.hub.OnLast = p.stopPoller
	return p
}

// Subscribe implements Feed.
func (p *PollFeed) Subscribe(convID int64) (<-chan Change, func()) {
	return p.hub.Subscribe(convID)
}

// Start begins polling every watched conversation, including those
// subscribed before Start.
func (p *PollFeed) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.ctx != nil {
		p.mu.Unlock()
		return errors.New("feed already started")
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()

	for _, id := range p.hub.Conversations() {
		p.startPoller(id)
	}
	return nil
}

// Stop cancels all pollers and waits for them.
func (p *PollFeed) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
}

func (p *PollFeed) startPoller(convID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx == nil || p.ctx.Err() != nil {
		return
	}
	if _, ok := p.pollers[convID]; ok {
		return
	}
	ctx, cancel := context.WithCancel(p.ctx)
	p.pollers[convID] = cancel

	var last string
	seeded := false
	poller := &Poller{
		Interval:   p.interval,
		MaxBackoff: 8 * p.interval,
		Fn: func(ctx context.Context) error {
			msgs, err := p.lister.ListMessages(ctx, convID, p.pageSize, 0)
			if err != nil {
				return err
			}
			sig := fingerprint(msgs)
			if seeded && sig != last {
				p.hub.Publish(Change{Kind: Update, Table: "messages", ConversationID: convID})
			}
			last, seeded = sig, true
			return nil
		},
		OnError: func(err error, retryIn time.Duration) {
			p.log.Warn("poll failed",
				zap.Int64("conversation_id", convID),
				zap.Duration("retry_in", retryIn),
				zap.Error(err),
			)
		},
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		poller.Run(ctx)
	}()
}

func (p *PollFeed) stopPoller(convID int64) {
	p.mu.Lock()
	cancel, ok := p.pollers[convID]
	delete(p.pollers, convID)
	p.mu.Unlock()
	if ok {
		cancel()
	}
}

// fingerprint summarizes a page: newest id, size and read count.
func fingerprint(msgs []model.Message) string {
	if len(msgs) == 0 {
		return "empty"
	}
	read := 0
	for _, m := range msgs {
		if m.Read {
			read++
		}
	}
	return fmt.Sprintf("%s/%d/%d", msgs[0].ID, len(msgs), read)
}
