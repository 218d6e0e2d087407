// Package chat is the facade UI collaborators use: an inbox plus one view
// per open conversation, all backed by the shared cache.
package chat

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gymlink/gymchat/internal/bus"
	"github.com/gymlink/gymchat/internal/cache"
	"github.com/gymlink/gymchat/internal/feed"
	"github.com/gymlink/gymchat/internal/model"
	"github.com/gymlink/gymchat/internal/outbox"
	"github.com/gymlink/gymchat/internal/status"
	intsync "github.com/gymlink/gymchat/internal/sync"
)

// ErrClosed is returned by operations on a closed service or view.
var ErrClosed = errors.New("chat: closed")

// ErrInvalidConversation is returned for a zero conversation id.
var ErrInvalidConversation = errors.New("chat: invalid conversation id")

// Remote is the remote message store.
type Remote interface {
	ListConversations(ctx context.Context) ([]model.Conversation, error)
	ListMessages(ctx context.Context, convID int64, limit, offset int) ([]model.Message, error)
	SendMessage(ctx context.Context, convID int64, content model.Content) (model.Message, error)
	DeleteMessage(ctx context.Context, id int64) error
	DeleteConversation(ctx context.Context, convID int64) error
	MarkRead(ctx context.Context, convID int64) error
	UploadMedia(ctx context.Context, path string) (string, error)
}

// Options tunes the service. Zero values select defaults.
type Options struct {
	PageSize       int
	Debounce       time.Duration
	DeleteCooldown time.Duration
	// RequestTimeout bounds fire-and-forget requests such as mark-read.
	RequestTimeout time.Duration
}

// Service owns the process-wide cache and the engines of open
// conversations.
type Service struct {
	remote  Remote
	feed    feed.Feed
	cache   *cache.Store
	session outbox.Session
	states  *status.Registry
	outbox  *outbox.Controller
	bus     *bus.Bus
	logger  *zap.Logger
	opts    Options

	mu     sync.Mutex
	views  map[int64]*view
	closed bool
	bg     sync.WaitGroup
}

// view is the engine of one open conversation, shared by every handle
// opened on it.
type view struct {
	engine *intsync.Engine
	refs   int
	start  sync.Once

	mu      sync.Mutex
	loading chan struct{} // closed when the running initial fetch ends
}

// load runs the initial fetch. A caller arriving while one is running waits
// for it instead of starting another.
func (v *view) load(ctx context.Context) {
	v.mu.Lock()
	if ch := v.loading; ch != nil {
		v.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
		}
		return
	}
	ch := make(chan struct{})
	v.loading = ch
	v.mu.Unlock()

	_ = v.engine.Load(ctx)

	v.mu.Lock()
	v.loading = nil
	v.mu.Unlock()
	close(ch)
}

// NewService creates the facade. fd, b and logger may be nil.
func NewService(r Remote, fd feed.Feed, c *cache.Store, s outbox.Session, b *bus.Bus, logger *zap.Logger, opts Options) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 15 * time.Second
	}
	states := status.NewRegistry(b)
	return &Service{
		remote:  r,
		feed:    fd,
		cache:   c,
		session: s,
		states:  states,
		outbox:  outbox.NewController(r, c, s, states, b, logger, opts.DeleteCooldown),
		bus:     b,
		logger:  logger,
		opts:    opts,
		views:   make(map[int64]*view),
	}
}

// Cache returns the shared cache.
func (s *Service) Cache() *cache.Store { return s.cache }

// State returns the sync state of a conversation.
func (s *Service) State(convID int64) status.State { return s.states.Current(convID) }

// UserID returns the signed-in user, or "" when signed out.
func (s *Service) UserID() string {
	if s.session == nil {
		return ""
	}
	return s.session.UserID()
}

// OpenConversations returns the ids of conversations with an open view.
func (s *Service) OpenConversations() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.views))
	for id := range s.views {
		ids = append(ids, id)
	}
	return ids
}

// Open mounts a view on a conversation. Cached messages are available
// immediately and the initial fetch runs in the background; without cached
// messages Open waits for the initial fetch, including one started by a
// concurrent Open. Fetch failures are logged and leave the view open.
func (s *Service) Open(ctx context.Context, convID int64) (*Conversation, error) {
	if convID == 0 {
		return nil, ErrInvalidConversation
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	v, ok := s.views[convID]
	if !ok {
		eng := intsync.NewEngine(convID, s.cache, s.remote, s.feed, s.states.For(convID), s.bus, s.logger,
			intsync.Options{PageSize: s.opts.PageSize, Debounce: s.opts.Debounce})
		v = &view{engine: eng}
		s.views[convID] = v
	}
	v.refs++
	s.mu.Unlock()

	// Subscribing may wait on the feed connection; keep it outside s.mu.
	v.start.Do(v.engine.Start)

	conv := &Conversation{svc: s, id: convID, engine: v.engine}
	if _, _, warm := s.cache.Messages(convID); warm {
		s.goBackground(v.load)
		return conv, nil
	}
	v.load(ctx)
	return conv, nil
}

func (s *Service) release(convID int64) {
	s.mu.Lock()
	v, ok := s.views[convID]
	if !ok {
		s.mu.Unlock()
		return
	}
	v.refs--
	if v.refs > 0 {
		s.mu.Unlock()
		return
	}
	delete(s.views, convID)
	s.mu.Unlock()
	v.engine.Close()
	s.logger.Debug("conversation view closed", zap.Int64("conversation_id", convID))
}

// Conversations returns the cached inbox, newest activity first. Peer
// profiles missing from the listing are filled from the profile cache.
func (s *Service) Conversations() []model.Conversation {
	convs := slices.Clone(s.cache.Conversations())
	userID := s.UserID()
	for i, c := range convs {
		if c.PeerProfile != nil {
			continue
		}
		if p, ok := s.cache.Profile(c.Peer(userID)); ok {
			convs[i].PeerProfile = &p
		}
	}
	return convs
}

// LoadConversations fetches the inbox and replaces the cached list.
func (s *Service) LoadConversations(ctx context.Context) error {
	convs, err := s.remote.ListConversations(ctx)
	if err != nil {
		s.logger.Warn("failed to load conversations", zap.Error(err))
		s.notice(0, "load_conversations", "Could not load conversations.")
		return fmt.Errorf("load conversations: %w", err)
	}
	profiles := make([]model.Profile, 0, len(convs))
	for _, c := range convs {
		if c.PeerProfile != nil {
			profiles = append(profiles, *c.PeerProfile)
		}
	}
	s.cache.PutProfiles(profiles...)
	s.cache.SetConversations(convs)
	s.logger.Debug("conversations loaded", zap.Int("count", len(convs)))
	return nil
}

// DeleteConversation removes a conversation from the inbox and the remote
// store.
func (s *Service) DeleteConversation(ctx context.Context, convID int64) error {
	return s.outbox.DeleteConversation(ctx, convID)
}

// Preload warms the message cache of conversations that have none, so a
// later Open shows messages without waiting. Failures are logged.
func (s *Service) Preload(ctx context.Context, convIDs ...int64) {
	for _, id := range convIDs {
		if ctx.Err() != nil {
			return
		}
		if _, _, ok := s.cache.Messages(id); ok || id == 0 {
			continue
		}
		msgs, err := s.remote.ListMessages(ctx, id, s.pageSize(), 0)
		if err != nil {
			s.logger.Warn("preload failed", zap.Int64("conversation_id", id), zap.Error(err))
			continue
		}
		s.cache.Update(id, func(prev []model.Message) []model.Message {
			if prev == nil {
				out := append([]model.Message(nil), msgs...)
				model.SortNewestFirst(out)
				return out
			}
			out, _ := intsync.Merge(prev, msgs, s.pageSize())
			return out
		})
	}
}

// UploadMedia uploads a local file for convID and returns its remote URL.
// Failures are logged, published as a notice and yield "".
func (s *Service) UploadMedia(ctx context.Context, convID int64, path string) string {
	url, err := s.remote.UploadMedia(ctx, path)
	if err != nil {
		s.logger.Error("media upload failed", zap.Int64("conversation_id", convID), zap.Error(err))
		s.notice(convID, "upload", "Image could not be uploaded.")
		return ""
	}
	return url
}

// Close closes every open view and waits for background requests.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	views := s.views
	s.views = make(map[int64]*view)
	s.mu.Unlock()

	for _, v := range views {
		v.engine.Close()
	}
	s.bg.Wait()
}

func (s *Service) pageSize() int {
	if s.opts.PageSize > 0 {
		return s.opts.PageSize
	}
	return 50
}

// goBackground runs fn detached from the caller, bounded by the request
// timeout. Close waits for it. After Close fn is not run.
func (s *Service) goBackground(fn func(ctx context.Context)) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.bg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.RequestTimeout)
		defer cancel()
		fn(ctx)
	}()
}

func (s *Service) notice(convID int64, op, msg string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{
		Kind:           bus.KindNotice,
		ConversationID: convID,
		Payload:        model.Notice{ConversationID: convID, Op: op, Message: msg},
	})
}
