package daemon

import (
	"context"
	"fmt"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/gymlink/gymchat/internal/api"
	"github.com/gymlink/gymchat/internal/bus"
	"github.com/gymlink/gymchat/internal/cache"
	"github.com/gymlink/gymchat/internal/chat"
	"github.com/gymlink/gymchat/internal/config"
	"github.com/gymlink/gymchat/internal/feed"
	"github.com/gymlink/gymchat/internal/lock"
	"github.com/gymlink/gymchat/internal/logging"
	"github.com/gymlink/gymchat/internal/model"
	"github.com/gymlink/gymchat/internal/remote"
	"github.com/gymlink/gymchat/internal/session"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default
	ConfigPath  string // optional override; empty = ~/.gymchat/config.toml
	EnvFiles    []string
}

// Feed is a realtime source the daemon starts and stops with its lifecycle.
type Feed interface {
	feed.Feed
	Start(ctx context.Context) error
	Stop()
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideCache,
			provideIdentity,
			provideRemote,
			provideFeed,
			provideChat,
			provideChatService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = session.ConfigPath()
	}
	return config.LoadWithEnv(path, p.EnvFiles...)
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	return logging.New(session.LogPath(p.SessionName), p.SessionName, cfg.Log.Level)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideCache(b *bus.Bus) *cache.Store {
	return cache.New(b)
}

func provideIdentity(cfg *config.Config, logger *zap.Logger) (*session.Identity, error) {
	id, err := session.NewIdentity(cfg.API.Token)
	if err != nil {
		return nil, fmt.Errorf("api.token: %w", err)
	}
	if id.UserID() == "" {
		logger.Warn("no api token configured, running signed out")
	} else {
		logger.Info("signed in", zap.String("user_id", id.UserID()))
	}
	return id, nil
}

func provideRemote(cfg *config.Config, id *session.Identity, logger *zap.Logger) *remote.Client {
	return remote.New(cfg.API.BaseURL,
		remote.WithToken(id.Token()),
		remote.WithTimeout(cfg.API.Timeout.Duration),
		remote.WithLogger(logger),
	)
}

func provideFeed(cfg *config.Config, id *session.Identity, rc *remote.Client, b *bus.Bus, logger *zap.Logger) Feed {
	if cfg.API.Realtime == config.RealtimePoll {
		logger.Info("realtime via polling", zap.Duration("interval", cfg.API.PollInterval.Duration))
		return feed.NewPollFeed(rc, cfg.API.PollInterval.Duration, cfg.Sync.PageSize, logger)
	}
	return feed.NewWSClient(feed.WSConfig{
		BaseURL: cfg.API.BaseURL,
		Token:   id.Token(),
	}, b, logger)
}

func provideChat(cfg *config.Config, rc *remote.Client, fd Feed, c *cache.Store, id *session.Identity, b *bus.Bus, logger *zap.Logger) *chat.Service {
	return chat.NewService(rc, fd, c, id, b, logger, chat.Options{
		PageSize:       cfg.Sync.PageSize,
		Debounce:       cfg.Sync.Debounce.Duration,
		DeleteCooldown: cfg.Sync.DeleteCooldown.Duration,
		RequestTimeout: cfg.API.Timeout.Duration,
	})
}

func provideChatService(p Params, cfg *config.Config, svc *chat.Service, b *bus.Bus, logger *zap.Logger) *api.ChatService {
	return api.NewChatService(svc, b, p.SessionName, cfg.API.Realtime, logger)
}

func registerLifecycle(lc fx.Lifecycle, cfg *config.Config, srv *Server, lk *lock.Lock, fd Feed, svc *chat.Service, logger *zap.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if err := fd.Start(ctx); err != nil {
				return fmt.Errorf("start feed: %w", err)
			}

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			// Warm the inbox and the newest conversations without blocking startup.
			go func() {
				if err := svc.LoadConversations(ctx); err != nil {
					logger.Warn("initial conversation load failed", zap.Error(err))
					return
				}
				svc.Preload(ctx, newest(svc.Conversations(), cfg.Sync.Preload)...)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			srv.Stop(stopCtx)
			svc.Close()
			cancel()
			fd.Stop()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}

// newest returns the ids of the first n conversations of the inbox.
func newest(convs []model.Conversation, n int) []int64 {
	ids := make([]int64, 0, min(n, len(convs)))
	for _, c := range convs {
		if len(ids) == n {
			break
		}
		ids = append(ids, c.ID)
	}
	return ids
}
