package feed

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/gymlink/gymchat/internal/bus"
	"github.com/gymlink/gymchat/internal/model"
)

func recv(t *testing.T, ch <-chan Change) Change {
	t.Helper()
	select {
	case c, ok := <-ch:
		require.True(t, ok, "channel closed")
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for change")
		return Change{}
	}
}

func TestHubFanOut(t *testing.T) {
	h := NewHub()
	var first, last []int64
	h.OnFirst = func(id int64) { first = append(first, id) }
	h.OnLast = func(id int64) { last = append(last, id) }

	a, unsubA := h.Subscribe(1)
	b, unsubB := h.Subscribe(1)
	other, unsubOther := h.Subscribe(2)
	defer unsubOther()

	h.Publish(Change{Kind: Insert, ConversationID: 1})
	assert.Equal(t, Insert, recv(t, a).Kind)
	assert.Equal(t, Insert, recv(t, b).Kind)
	select {
	case c := <-other:
		t.Fatalf("unexpected change on other conversation: %v", c)
	default:
	}

	unsubA()
	unsubA()
	assert.Empty(t, last)
	unsubB()
	assert.Equal(t, []int64{1, 2}, first)
	assert.Equal(t, []int64{1}, last)
	assert.Equal(t, []int64{2}, h.Conversations())

	_, ok := <-a
	assert.False(t, ok)
}

func TestChangeMessageID(t *testing.T) {
	del := Change{Kind: Delete, OldID: model.ServerID(4)}
	id, ok := del.MessageID()
	require.True(t, ok)
	assert.Equal(t, model.ServerID(4), id)

	ins := Change{Kind: Insert, Record: json.RawMessage(`{"id": 9, "text": "x"}`)}
	id, ok = ins.MessageID()
	require.True(t, ok)
	assert.Equal(t, model.ServerID(9), id)

	_, ok = Change{Kind: Update}.MessageID()
	assert.False(t, ok)
}

func TestFrameRoundTrip(t *testing.T) {
	data := []byte(`{"type":"change","kind":"DELETE","table":"messages","conversation_id":3,"old_record":{"id":12}}`)
	var f Frame
	require.NoError(t, json.Unmarshal(data, &f))
	c := f.Change()
	assert.Equal(t, Delete, c.Kind)
	assert.Equal(t, int64(3), c.ConversationID)
	assert.Equal(t, model.ServerID(12), c.OldID)
	assert.Equal(t, f, ChangeFrame(c))
}

func TestPollerBacksOffAndRecovers(t *testing.T) {
	var calls atomic.Int32
	var retries []time.Duration
	var mu sync.Mutex
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := &Poller{
		Interval:   10 * time.Millisecond,
		MaxBackoff: 40 * time.Millisecond,
		Fn: func(ctx context.Context) error {
			n := calls.Add(1)
			if n >= 5 {
				cancel()
			}
			if n <= 2 {
				return errors.New("boom")
			}
			return nil
		},
		OnError: func(err error, retryIn time.Duration) {
			mu.Lock()
			retries = append(retries, retryIn)
			mu.Unlock()
		},
	}

	err := p.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.GreaterOrEqual(t, calls.Load(), int32(5))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, retries, 2)
	assert.GreaterOrEqual(t, retries[1], 20*time.Millisecond)
	assert.LessOrEqual(t, retries[1], 40*time.Millisecond)
}

func TestPollerRequiresFn(t *testing.T) {
	assert.Error(t, (&Poller{}).Run(context.Background()))
}

type fakeLister struct {
	mu   sync.Mutex
	msgs []model.Message
}

func (f *fakeLister) ListMessages(ctx context.Context, convID int64, limit, offset int) ([]model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.msgs, nil
}

func (f *fakeLister) set(msgs ...model.Message) {
	f.mu.Lock()
	f.msgs = msgs
	f.mu.Unlock()
}

func TestPollFeedEmitsOnChange(t *testing.T) {
	lister := &fakeLister{}
	lister.set(model.Message{ID: model.ServerID(1)})

	pf := NewPollFeed(lister, 10*time.Millisecond, 10, nil)
	ch, unsub := pf.Subscribe(5)
	defer unsub()
	require.NoError(t, pf.Start(context.Background()))
	defer pf.Stop()

	time.Sleep(50 * time.Millisecond)
	select {
	case c := <-ch:
		t.Fatalf("unexpected change before any update: %v", c)
	default:
	}

	lister.set(model.Message{ID: model.ServerID(2)}, model.Message{ID: model.ServerID(1)})
	c := recv(t, ch)
	assert.Equal(t, Update, c.Kind)
	assert.Equal(t, int64(5), c.ConversationID)
}

// realtimeServer accepts one websocket at a time, records subscribe frames
// and sends whatever is pushed to out.
type realtimeServer struct {
	subscribed chan int64
	out        chan Frame
	token      atomic.Value
}

func (s *realtimeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.token.Store(r.URL.Query().Get("token"))
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	ctx := r.Context()

	go func() {
		for {
			var f Frame
			if err := wsjson.Read(ctx, conn, &f); err != nil {
				return
			}
			if f.Type == FrameSubscribe {
				s.subscribed <- f.ConversationID
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-s.out:
			if err := wsjson.Write(ctx, conn, f); err != nil {
				return
			}
		}
	}
}

func TestWSClientDeliversChanges(t *testing.T) {
	rs := &realtimeServer{subscribed: make(chan int64, 4), out: make(chan Frame, 4)}
	srv := httptest.NewServer(rs)
	defer srv.Close()

	b := bus.New()
	events, unsubEvents := b.Subscribe("feed.change", 4)
	defer unsubEvents()

	c := NewWSClient(WSConfig{BaseURL: srv.URL, Token: "secret"}, b, nil)
	ch, unsub := c.Subscribe(7)
	defer unsub()
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	select {
	case id := <-rs.subscribed:
		assert.Equal(t, int64(7), id)
	case <-time.After(2 * time.Second):
		t.Fatal("client never subscribed")
	}
	assert.Equal(t, "secret", rs.token.Load())

	rs.out <- ChangeFrame(Change{
		Kind:           Insert,
		Table:          "messages",
		ConversationID: 7,
		Record:         json.RawMessage(`{"id":1,"text":"hi"}`),
	})

	got := recv(t, ch)
	assert.Equal(t, Insert, got.Kind)
	id, ok := got.MessageID()
	require.True(t, ok)
	assert.Equal(t, model.ServerID(1), id)

	select {
	case evt := <-events:
		assert.Equal(t, int64(7), evt.ConversationID)
	case <-time.After(2 * time.Second):
		t.Fatal("no bus event for change")
	}
}

func TestWSClientStartTwice(t *testing.T) {
	c := NewWSClient(WSConfig{BaseURL: "http://127.0.0.1:1"}, nil, nil)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()
	assert.Error(t, c.Start(context.Background()))
}
