package feed

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/gymlink/gymchat/internal/bus"
)

// WSConfig configures the websocket feed client.
type WSConfig struct {
	BaseURL            string
	Token              string
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	HeartbeatInterval  time.Duration
}

func (c *WSConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
}

// WSClient keeps a websocket open to the realtime endpoint, subscribes to
// every watched conversation and reconnects with backoff when the
// connection drops.
type WSClient struct {
	cfg WSConfig
	hub *Hub
	bus *bus.Bus
	log *zap.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWSClient creates a client. b and log may be nil.
func NewWSClient(cfg WSConfig, b *bus.Bus, log *zap.Logger) *WSClient {
	cfg.defaults()
	if log == nil {
		log = zap.NewNop()
	}
	c := &WSClient{cfg: cfg, hub: NewHub(), bus: b, log: log}
	c.hub.OnFirst = func(convID int64) { c.command(FrameSubscribe, convID) }
	c.hub.OnLast = func(convID int64) { c.command(FrameUnsubscribe, convID) }
	return c
}

// Subscribe implements Feed.
func (c *WSClient) Subscribe(convID int64) (<-chan Change, func()) {
	return c.hub.Subscribe(convID)
}

// Start launches the connection loop.
func (c *WSClient) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return errors.New("feed already started")
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go c.run(ctx)
	return nil
}

// Stop closes the connection and waits for the loop to exit.
func (c *WSClient) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (c *WSClient) run(ctx context.Context) {
	defer close(c.done)
	b := newBackoff(c.cfg.ReconnectBaseDelay, c.cfg.ReconnectMaxDelay)
	for {
		err := c.session(ctx, b)
		if ctx.Err() != nil {
			return
		}
		delay := b.next()
		c.log.Warn("feed disconnected, reconnecting",
			zap.Error(err),
			zap.Duration("delay", delay),
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (c *WSClient) session(ctx context.Context, b *backoff) error {
	conn, _, err := websocket.Dial(ctx, c.endpoint(), nil)
	if err != nil {
		return fmt.Errorf("dial feed: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(1 << 20)

	c.setConn(conn)
	defer c.setConn(nil)
	b.reset()
	c.publish(bus.Event{Kind: bus.KindFeedConnected})
	defer c.publish(bus.Event{Kind: bus.KindFeedDisconnected})

	for _, id := range c.hub.Conversations() {
		if err := wsjson.Write(ctx, conn, Frame{Type: FrameSubscribe, ConversationID: id}); err != nil {
			return fmt.Errorf("subscribe %d: %w", id, err)
		}
	}

	hbCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.heartbeat(hbCtx, conn)

	for {
		var f Frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			return fmt.Errorf("read feed: %w", err)
		}
		if f.Type != FrameChange {
			continue
		}
		ch := f.Change()
		if dropped := c.hub.Publish(ch); dropped > 0 {
			c.log.Warn("feed subscriber full, change dropped",
				zap.Int64("conversation_id", ch.ConversationID),
				zap.Int("dropped", dropped),
			)
		}
		c.publish(bus.Event{Kind: bus.KindFeedChange, ConversationID: ch.ConversationID, Payload: ch})
	}
}

func (c *WSClient) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				c.log.Debug("feed ping failed", zap.Error(err))
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

// command sends a subscribe or unsubscribe frame when connected. While
// disconnected the next session subscribes from the hub state.
func (c *WSClient) command(typ string, convID int64) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, Frame{Type: typ, ConversationID: convID}); err != nil {
		c.log.Warn("feed command failed",
			zap.String("type", typ),
			zap.Int64("conversation_id", convID),
			zap.Error(err),
		)
	}
}

func (c *WSClient) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *WSClient) publish(evt bus.Event) {
	if c.bus != nil {
		c.bus.Publish(evt)
	}
}

func (c *WSClient) endpoint() string {
	u := strings.TrimRight(c.cfg.BaseURL, "/")
	u = strings.Replace(u, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/realtime?token=" + url.QueryEscape(c.cfg.Token)
}
