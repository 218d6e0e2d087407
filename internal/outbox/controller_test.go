package outbox

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gymlink/gymchat/internal/bus"
	"github.com/gymlink/gymchat/internal/cache"
	"github.com/gymlink/gymchat/internal/model"
	"github.com/gymlink/gymchat/internal/remote"
	"github.com/gymlink/gymchat/internal/status"
)

// mockAPI records calls and returns configurable results. When gate is set
// calls block until it is closed, to observe intermediate states.
type mockAPI struct {
	mu          sync.Mutex
	sendResult  model.Message
	sendErr     error
	deleteErr   error
	convErr     error
	gate        chan struct{}
	sends       atomic.Int32
	deletes     atomic.Int32
	deletedIDs  []int64
	convDeletes atomic.Int32
}

func (m *mockAPI) wait(ctx context.Context) {
	if m.gate == nil {
		return
	}
	select {
	case <-m.gate:
	case <-ctx.Done():
	}
}

func (m *mockAPI) SendMessage(ctx context.Context, convID int64, content model.Content) (model.Message, error) {
	m.sends.Add(1)
	m.wait(ctx)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return model.Message{}, m.sendErr
	}
	out := m.sendResult
	out.Text = content.Text
	return out, nil
}

func (m *mockAPI) DeleteMessage(ctx context.Context, id int64) error {
	m.deletes.Add(1)
	m.wait(ctx)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletedIDs = append(m.deletedIDs, id)
	return m.deleteErr
}

func (m *mockAPI) DeleteConversation(ctx context.Context, convID int64) error {
	m.convDeletes.Add(1)
	return m.convErr
}

type staticSession string

func (s staticSession) UserID() string { return string(s) }

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func confirmed(id int64) model.Message {
	return model.Message{ID: model.ServerID(id), SenderID: "me", CreatedAt: t0.Add(time.Hour)}
}

func newTestController(api API, session Session) (*Controller, *cache.Store, *bus.Bus) {
	b := bus.New()
	c := cache.New(b)
	ctrl := NewController(api, c, session, status.NewRegistry(b), b, nil, 200*time.Millisecond)
	return ctrl, c, b
}

func TestSendShowsPendingThenConfirms(t *testing.T) {
	api := &mockAPI{sendResult: confirmed(42), gate: make(chan struct{})}
	ctrl, c, _ := newTestController(api, staticSession("me"))
	c.SetMessages(1, []model.Message{{ID: model.ServerID(1), CreatedAt: t0}})

	done := make(chan *model.Message, 1)
	go func() {
		m, err := ctrl.Send(context.Background(), 1, model.Content{Text: "hi"})
		assert.NoError(t, err)
		done <- m
	}()

	require.Eventually(t, func() bool { return api.sends.Load() == 1 }, time.Second, 5*time.Millisecond)
	msgs, _, _ := c.Messages(1)
	require.Len(t, msgs, 2)
	assert.True(t, msgs[0].Pending)
	assert.True(t, msgs[0].ID.IsTemp())
	assert.Equal(t, "me", msgs[0].SenderID)
	assert.False(t, msgs[0].Read)

	close(api.gate)
	m := <-done
	require.NotNil(t, m)

	msgs, _, _ = c.Messages(1)
	require.Len(t, msgs, 2)
	assert.Equal(t, model.ServerID(42), msgs[0].ID)
	assert.False(t, msgs[0].Pending)
}

func TestSendConfirmAfterRefreshKeepsOneEntry(t *testing.T) {
	api := &mockAPI{sendResult: confirmed(42), gate: make(chan struct{})}
	ctrl, c, _ := newTestController(api, staticSession("me"))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := ctrl.Send(context.Background(), 1, model.Content{Text: "hi"})
		assert.NoError(t, err)
	}()
	require.Eventually(t, func() bool { return api.sends.Load() == 1 }, time.Second, 5*time.Millisecond)

	// A refresh delivers the server record before the send response.
	c.Update(1, func(prev []model.Message) []model.Message {
		return model.Prepend(prev, confirmed(42))
	})
	close(api.gate)
	<-done

	msgs, _, _ := c.Messages(1)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.ServerID(42), msgs[0].ID)
}

func TestSendConfirmAfterReplaceReinserts(t *testing.T) {
	api := &mockAPI{sendResult: confirmed(42), gate: make(chan struct{})}
	ctrl, c, _ := newTestController(api, staticSession("me"))

	done := make(chan struct{})
	go func() {
		defer close(done)
		ctrl.Send(context.Background(), 1, model.Content{Text: "hi"})
	}()
	require.Eventually(t, func() bool { return api.sends.Load() == 1 }, time.Second, 5*time.Millisecond)

	// A concurrent replace dropped the pending entry.
	c.SetMessages(1, []model.Message{{ID: model.ServerID(1), CreatedAt: t0}})
	close(api.gate)
	<-done

	msgs, _, _ := c.Messages(1)
	require.Len(t, msgs, 2)
	assert.Equal(t, model.ServerID(42), msgs[0].ID)
}

func TestSendRollbackOnFailure(t *testing.T) {
	api := &mockAPI{sendErr: errors.New("network down")}
	ctrl, c, b := newTestController(api, staticSession("me"))
	notices, unsub := b.Subscribe(bus.KindNotice, 4)
	defer unsub()
	c.SetMessages(1, []model.Message{{ID: model.ServerID(1), CreatedAt: t0}})

	m, err := ctrl.Send(context.Background(), 1, model.Content{Text: "hi"})
	assert.Error(t, err)
	assert.Nil(t, m)

	msgs, _, _ := c.Messages(1)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.ServerID(1), msgs[0].ID)

	select {
	case evt := <-notices:
		n := evt.Payload.(model.Notice)
		assert.Equal(t, "send", n.Op)
		assert.Equal(t, int64(1), n.ConversationID)
	case <-time.After(time.Second):
		t.Fatal("no notice published")
	}
}

func TestSendWithoutSessionIsNoop(t *testing.T) {
	tests := []struct {
		name    string
		session Session
		convID  int64
		content model.Content
	}{
		{name: "no session", session: staticSession(""), convID: 1, content: model.Content{Text: "x"}},
		{name: "nil session", session: nil, convID: 1, content: model.Content{Text: "x"}},
		{name: "no conversation", session: staticSession("me"), convID: 0, content: model.Content{Text: "x"}},
		{name: "empty content", session: staticSession("me"), convID: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &mockAPI{}
			ctrl, c, _ := newTestController(api, tt.session)
			m, err := ctrl.Send(context.Background(), tt.convID, tt.content)
			assert.NoError(t, err)
			assert.Nil(t, m)
			assert.Equal(t, int32(0), api.sends.Load())
			_, _, ok := c.Messages(tt.convID)
			assert.False(t, ok)
		})
	}
}

func TestDeleteWithoutSessionIsNoop(t *testing.T) {
	api := &mockAPI{}
	ctrl, c, _ := newTestController(api, staticSession(""))
	c.SetMessages(1, []model.Message{confirmed(42)})

	require.NoError(t, ctrl.Delete(context.Background(), 1, model.ServerID(42)))
	assert.Equal(t, int32(0), api.deletes.Load())
	msgs, _, _ := c.Messages(1)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.ServerID(42), msgs[0].ID)
}

func TestDeleteConversationWithoutSessionIsNoop(t *testing.T) {
	api := &mockAPI{}
	ctrl, c, _ := newTestController(api, nil)
	c.SetConversations([]model.Conversation{{ID: 1}, {ID: 2}})

	require.NoError(t, ctrl.DeleteConversation(context.Background(), 1))
	assert.Equal(t, int32(0), api.convDeletes.Load())
	assert.Len(t, c.Conversations(), 2)
}

func TestSendUpdatesPreviewAndAcks(t *testing.T) {
	api := &mockAPI{sendResult: confirmed(7)}
	ctrl, c, b := newTestController(api, staticSession("me"))
	acks, unsub := b.Subscribe(bus.KindSendAck, 4)
	defer unsub()
	c.SetConversations([]model.Conversation{{ID: 1, LastMessageAt: t0}})

	_, err := ctrl.Send(context.Background(), 1, model.Content{Text: "latest"})
	require.NoError(t, err)

	conv, ok := c.Conversation(1)
	require.True(t, ok)
	assert.Equal(t, "latest", conv.LastMessage)

	select {
	case evt := <-acks:
		ack := evt.Payload.(SendAck)
		assert.True(t, ack.TempID.IsTemp())
		assert.Equal(t, model.ServerID(7), ack.Message.ID)
	case <-time.After(time.Second):
		t.Fatal("no ack published")
	}
}

func TestDeleteNotFoundIsSuccess(t *testing.T) {
	api := &mockAPI{deleteErr: &remote.StatusError{Code: http.StatusNotFound}}
	ctrl, c, _ := newTestController(api, staticSession("me"))
	c.SetMessages(1, []model.Message{
		{ID: model.ServerID(2), CreatedAt: t0.Add(time.Minute)},
		{ID: model.ServerID(1), CreatedAt: t0},
	})

	require.NoError(t, ctrl.Delete(context.Background(), 1, model.ServerID(2)))

	msgs, _, _ := c.Messages(1)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.ServerID(1), msgs[0].ID)
}

func TestDeleteRestoresOnFailure(t *testing.T) {
	api := &mockAPI{deleteErr: &remote.StatusError{Code: http.StatusInternalServerError}, gate: make(chan struct{})}
	ctrl, c, _ := newTestController(api, staticSession("me"))
	c.SetMessages(1, []model.Message{
		{ID: model.ServerID(2), CreatedAt: t0.Add(time.Minute)},
		{ID: model.ServerID(1), CreatedAt: t0},
	})

	errc := make(chan error, 1)
	go func() { errc <- ctrl.Delete(context.Background(), 1, model.ServerID(2)) }()
	require.Eventually(t, func() bool { return api.deletes.Load() == 1 }, time.Second, 5*time.Millisecond)

	msgs, _, _ := c.Messages(1)
	assert.Len(t, msgs, 1)
	// An unrelated message arrives while the delete is in flight.
	c.Update(1, func(prev []model.Message) []model.Message {
		return model.Prepend(prev, model.Message{ID: model.ServerID(3), CreatedAt: t0.Add(time.Hour)})
	})
	close(api.gate)
	assert.Error(t, <-errc)

	msgs, _, _ = c.Messages(1)
	require.Len(t, msgs, 3)
	assert.Equal(t, model.ServerID(3), msgs[0].ID)
	assert.Equal(t, model.ServerID(2), msgs[1].ID)
}

func TestDuplicateDeleteGuard(t *testing.T) {
	api := &mockAPI{gate: make(chan struct{})}
	ctrl, c, _ := newTestController(api, staticSession("me"))
	c.SetMessages(1, []model.Message{{ID: model.ServerID(5), CreatedAt: t0}})

	errc := make(chan error, 1)
	go func() { errc <- ctrl.Delete(context.Background(), 1, model.ServerID(5)) }()
	require.Eventually(t, func() bool { return api.deletes.Load() == 1 }, time.Second, 5*time.Millisecond)

	assert.True(t, ctrl.deleting(model.ServerID(5)))
	require.NoError(t, ctrl.Delete(context.Background(), 1, model.ServerID(5)))
	close(api.gate)
	require.NoError(t, <-errc)

	// Still cooling down.
	require.NoError(t, ctrl.Delete(context.Background(), 1, model.ServerID(5)))
	assert.Equal(t, int32(1), api.deletes.Load())

	require.Eventually(t, func() bool { return !ctrl.deleting(model.ServerID(5)) }, time.Second, 5*time.Millisecond)
}

func TestDeletePendingIsLocalOnly(t *testing.T) {
	api := &mockAPI{}
	ctrl, c, _ := newTestController(api, staticSession("me"))
	tmp := model.TempID("tmpabc")
	c.SetMessages(1, []model.Message{{ID: tmp, Pending: true, CreatedAt: t0}})

	require.NoError(t, ctrl.Delete(context.Background(), 1, tmp))
	msgs, _, _ := c.Messages(1)
	assert.Empty(t, msgs)
	assert.Equal(t, int32(0), api.deletes.Load())
}

func TestDeletePendingBeforeConfirmDiscardsMessage(t *testing.T) {
	api := &mockAPI{sendResult: confirmed(9), gate: make(chan struct{})}
	ctrl, c, _ := newTestController(api, staticSession("me"))

	done := make(chan struct{})
	go func() {
		defer close(done)
		m, err := ctrl.Send(context.Background(), 1, model.Content{Text: "oops"})
		assert.NoError(t, err)
		assert.Nil(t, m)
	}()
	require.Eventually(t, func() bool { return api.sends.Load() == 1 }, time.Second, 5*time.Millisecond)

	msgs, _, _ := c.Messages(1)
	require.Len(t, msgs, 1)
	require.NoError(t, ctrl.Delete(context.Background(), 1, msgs[0].ID))

	close(api.gate)
	<-done
	msgs, _, _ = c.Messages(1)
	assert.Empty(t, msgs)
	assert.Equal(t, []int64{9}, api.deletedIDs)
}

func TestDeleteConversation(t *testing.T) {
	api := &mockAPI{convErr: errors.New("boom")}
	ctrl, c, _ := newTestController(api, staticSession("me"))
	c.SetConversations([]model.Conversation{{ID: 1}, {ID: 2}})

	assert.Error(t, ctrl.DeleteConversation(context.Background(), 1))
	assert.Len(t, c.Conversations(), 2)

	api.convErr = &remote.StatusError{Code: http.StatusNotFound}
	assert.NoError(t, ctrl.DeleteConversation(context.Background(), 1))
	assert.Len(t, c.Conversations(), 1)
}

func TestMutationsTrackState(t *testing.T) {
	api := &mockAPI{sendResult: confirmed(1), gate: make(chan struct{})}
	b := bus.New()
	c := cache.New(b)
	reg := status.NewRegistry(b)
	m := reg.For(1)
	require.NoError(t, m.Transition(status.Fetching))
	require.NoError(t, m.Transition(status.Synced))
	ctrl := NewController(api, c, staticSession("me"), reg, b, nil, 0)

	done := make(chan struct{})
	go func() {
		defer close(done)
		ctrl.Send(context.Background(), 1, model.Content{Text: "x"})
	}()
	require.Eventually(t, func() bool { return m.Current() == status.OptimisticPending }, time.Second, 5*time.Millisecond)
	close(api.gate)
	<-done
	assert.Equal(t, status.Synced, m.Current())
}
