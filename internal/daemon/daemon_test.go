package daemon

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"

	"github.com/gymlink/gymchat/internal/api"
	"github.com/gymlink/gymchat/internal/bus"
	"github.com/gymlink/gymchat/internal/cache"
	"github.com/gymlink/gymchat/internal/chat"
	"github.com/gymlink/gymchat/internal/config"
	"github.com/gymlink/gymchat/internal/devserver"
	"github.com/gymlink/gymchat/internal/feed"
	"github.com/gymlink/gymchat/internal/lock"
	"github.com/gymlink/gymchat/internal/model"
	"github.com/gymlink/gymchat/internal/remote"
	"github.com/gymlink/gymchat/internal/rpc"
	"github.com/gymlink/gymchat/internal/session"
	"github.com/gymlink/gymchat/internal/store"
)

var testSecret = []byte("daemon-test-secret")

// shortTempDir keeps unix socket paths under the 104-char limit on macOS.
func shortTempDir(t *testing.T, pattern string) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", pattern)
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

type backend struct {
	db   *store.DB
	base string
	conv model.Conversation
}

// startBackend runs a dev server with one conversation between "me" and
// "coach" holding a single message from the coach.
func startBackend(t *testing.T, dir string) *backend {
	t.Helper()
	db, err := store.Open(filepath.Join(dir, "backend.db"))
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, db.UpsertUser(model.Profile{ID: "coach", DisplayName: "Coach Carla"}))
	conv, err := db.EnsureConversation("me", "coach")
	require.NoError(t, err)
	_, err = db.InsertMessage(conv.ID, "coach", model.Content{Text: "warm up first"}, time.Now().Add(-time.Minute))
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	base := "http://" + ln.Addr().String()
	srv := devserver.New(db, devserver.Config{Secret: testSecret, PublicURL: base}, nil)
	go func() { _ = srv.App().Listener(ln) }()
	t.Cleanup(func() { _ = srv.Shutdown() })

	return &backend{db: db, base: base, conv: conv}
}

func token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := devserver.IssueToken(testSecret, userID, time.Hour)
	require.NoError(t, err)
	return tok
}

func TestDaemonEndToEnd(t *testing.T) {
	home := shortTempDir(t, "gc-home-*")
	t.Setenv("GYMCHAT_HOME", home)
	be := startBackend(t, home)

	cfg := config.Default()
	cfg.API.BaseURL = be.base
	cfg.API.Token = token(t, "me")
	cfg.Sync.Debounce = config.Duration{Duration: 20 * time.Millisecond}
	cfgPath := filepath.Join(home, "config.toml")
	require.NoError(t, config.Save(cfgPath, cfg))

	socketPath := filepath.Join(home, "d.sock")
	var svc *chat.Service
	app := fxtest.New(t,
		fx.NopLogger,
		Module(Params{
			SessionName: "it",
			SocketPath:  socketPath,
			ConfigPath:  cfgPath,
			EnvFiles:    []string{filepath.Join(home, "absent.env")},
		}),
		fx.Populate(&svc),
	)
	app.RequireStart()
	defer app.RequireStop()

	// The session lock is held while the daemon runs.
	_, err := lock.Acquire(session.Dir("it"))
	var held *lock.HeldError
	require.ErrorAs(t, err, &held)
	assert.Equal(t, os.Getpid(), held.Owner.PID)

	client, err := rpc.Dial(socketPath)
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// Startup loads the inbox and preloads the newest conversation's messages.
	require.Eventually(t, func() bool {
		msgs, _, ok := svc.Cache().Messages(be.conv.ID)
		return ok && len(msgs) == 1
	}, 5*time.Second, 20*time.Millisecond)

	st, err := client.GetStatus(ctx, &rpc.StatusRequest{})
	require.NoError(t, err)
	assert.Equal(t, "it", st.Session)
	assert.Equal(t, "me", st.UserID)
	assert.Equal(t, config.RealtimeWebsocket, st.Realtime)

	convs, err := client.ListConversations(ctx, &rpc.ListConversationsRequest{Reload: true})
	require.NoError(t, err)
	require.Len(t, convs.Conversations, 1)
	assert.Equal(t, 1, convs.Conversations[0].UnreadCount)
	require.NotNil(t, convs.Conversations[0].PeerProfile)
	assert.Equal(t, "Coach Carla", convs.Conversations[0].PeerProfile.DisplayName)

	msgs, err := client.ListMessages(ctx, &rpc.ListMessagesRequest{ConversationID: be.conv.ID})
	require.NoError(t, err)
	require.Len(t, msgs.Messages, 1)
	assert.Equal(t, "warm up first", msgs.Messages[0].Text)

	sent, err := client.SendMessage(ctx, &rpc.SendMessageRequest{ConversationID: be.conv.ID, Text: "on it"})
	require.NoError(t, err)
	require.NotNil(t, sent.Message)
	assert.False(t, sent.Message.Pending)
	assert.False(t, sent.Message.ID.IsTemp())

	stored, err := be.db.ListMessages(be.conv.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, "me", stored[0].SenderID)

	// Realtime: a message posted by the coach reaches the watcher.
	stream, err := client.WatchConversation(ctx, &rpc.WatchRequest{ConversationID: be.conv.ID})
	require.NoError(t, err)
	events := make(chan *rpc.EventEnvelope, 64)
	go func() {
		for {
			env, err := stream.Recv()
			if err != nil {
				close(events)
				return
			}
			events <- env
		}
	}()

	coach := remote.New(be.base, remote.WithToken(token(t, "coach")))
	require.Eventually(t, func() bool {
		if _, err := coach.SendMessage(ctx, be.conv.ID, model.Content{Text: "good"}); err != nil {
			return false
		}
		deadline := time.After(200 * time.Millisecond)
		for {
			select {
			case env, ok := <-events:
				if !ok {
					return false
				}
				if env.Kind == bus.KindFeedChange && env.ConversationID == be.conv.ID {
					return true
				}
			case <-deadline:
				return false
			}
		}
	}, 10*time.Second, 50*time.Millisecond)

	_, err = client.MarkRead(ctx, &rpc.ConversationRequest{ConversationID: be.conv.ID})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		list, err := be.db.ListConversations("me")
		return err == nil && len(list) == 1 && list[0].UnreadCount == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestNewServerCreatesSocket(t *testing.T) {
	dir := shortTempDir(t, "gc-srv-*")
	socketPath := filepath.Join(dir, "d.sock")

	// A stale socket file is replaced.
	require.NoError(t, os.WriteFile(socketPath, nil, 0600))

	b := bus.New()
	svc := chat.NewService(remote.New("http://127.0.0.1:1"), feed.NewHub(), cache.New(b), staticUser("me"), b, nil, chat.Options{})
	defer svc.Close()

	srv, err := NewServer(
		Params{SessionName: "srvtest", SocketPath: socketPath},
		zap.NewNop(),
		api.NewChatService(svc, b, "srvtest", config.RealtimeWebsocket, nil),
	)
	require.NoError(t, err)
	assert.Equal(t, socketPath, srv.SocketPath())

	info, err := os.Stat(socketPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	assert.NotZero(t, info.Mode()&os.ModeSocket)

	go func() { _ = srv.Start() }()

	client, err := rpc.Dial(socketPath)
	require.NoError(t, err)
	defer func() { _ = client.Close() }()
	st, err := client.GetStatus(context.Background(), &rpc.StatusRequest{})
	require.NoError(t, err)
	assert.Equal(t, "srvtest", st.Session)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	srv.Stop(ctx)
	_, err = os.Stat(socketPath)
	assert.True(t, os.IsNotExist(err), "socket should be removed on stop")
}

func TestNewestConversations(t *testing.T) {
	convs := []model.Conversation{{ID: 3}, {ID: 1}, {ID: 2}}
	assert.Equal(t, []int64{3, 1}, newest(convs, 2))
	assert.Equal(t, []int64{3, 1, 2}, newest(convs, 10))
	assert.Empty(t, newest(convs, 0))
}

func TestProvideFeedSelectsTransport(t *testing.T) {
	cfg := config.Default()
	id, err := session.NewIdentity("")
	require.NoError(t, err)
	rc := remote.New(cfg.API.BaseURL)

	_, isWS := provideFeed(cfg, id, rc, bus.New(), zap.NewNop()).(*feed.WSClient)
	assert.True(t, isWS)

	cfg.API.Realtime = config.RealtimePoll
	_, isPoll := provideFeed(cfg, id, rc, bus.New(), zap.NewNop()).(*feed.PollFeed)
	assert.True(t, isPoll)
}

func TestProvideIdentityRejectsBadToken(t *testing.T) {
	cfg := config.Default()
	cfg.API.Token = "not-a-jwt"
	_, err := provideIdentity(cfg, zap.NewNop())
	assert.Error(t, err)
}

type staticUser string

func (u staticUser) UserID() string { return string(u) }
