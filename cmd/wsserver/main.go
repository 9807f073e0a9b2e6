package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/whisper/chatsync/internal/api"
	"github.com/whisper/chatsync/internal/ban"
	"github.com/whisper/chatsync/internal/blocking"
	"github.com/whisper/chatsync/internal/chat"
	"github.com/whisper/chatsync/internal/config"
	"github.com/whisper/chatsync/internal/logging"
	"github.com/whisper/chatsync/internal/messaging"
	"github.com/whisper/chatsync/internal/metrics"
	"github.com/whisper/chatsync/internal/moderation"
	"github.com/whisper/chatsync/internal/notify"
	"github.com/whisper/chatsync/internal/presence"
	"github.com/whisper/chatsync/internal/ratelimit"
	"github.com/whisper/chatsync/internal/router"
	"github.com/whisper/chatsync/internal/session"
	"github.com/whisper/chatsync/internal/store/memory"
	"github.com/whisper/chatsync/internal/store/postgres"
	"github.com/whisper/chatsync/internal/ws"
)

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:          "wsserver",
		Short:        "Chat push server and HTTP API",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	load := func() (config.Config, zerolog.Logger, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return cfg, zerolog.Nop(), err
		}
		return cfg, logging.New(cfg.Log), nil
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the push endpoint and HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := load()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, log)
		},
	})
	cmd.AddCommand(newSeedCommand(load))
	cmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, log, err := load()
			if err != nil {
				return err
			}
			if cfg.Postgres.URL == "" {
				return fmt.Errorf("migrate: DATABASE_URL is not set")
			}
			if err := postgres.Migrate(cfg.Postgres.URL); err != nil {
				return err
			}
			log.Info().Msg("migrations applied")
			return nil
		},
	})
	return cmd
}

// openStore returns the Postgres store when a URL is configured and the
// in-memory store otherwise. The returned func releases it.
func openStore(cfg config.Config, log zerolog.Logger) (chat.Store, func(), error) {
	if cfg.Postgres.URL == "" {
		log.Warn().Msg("DATABASE_URL not set, using in-memory store")
		return memory.New(), func() {}, nil
	}
	if cfg.Postgres.Migrate {
		if err := postgres.Migrate(cfg.Postgres.URL); err != nil {
			return nil, nil, err
		}
	}
	db, err := postgres.Open(cfg.Postgres.URL)
	if err != nil {
		return nil, nil, err
	}
	return postgres.New(db), func() { db.Close() }, nil
}

func serve(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	log.Info().
		Str("listen_addr", cfg.Server.ListenAddr).
		Int("worker_pool", cfg.Server.WorkerPoolSize).
		Int("max_connections", cfg.Server.MaxConnections).
		Int("outbox_size", cfg.Server.OutboxSize).
		Str("redis_addr", cfg.Redis.Addr).
		Str("nats_url", cfg.NATS.URL).
		Bool("postgres", cfg.Postgres.URL != "").
		Str("server_name", cfg.ServerName).
		Msg("chat server starting")

	// --- Redis ---
	rdb, err := session.Connect(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return err
	}
	defer rdb.Close()
	sessions := session.NewStore(rdb)
	bans := ban.NewStore(rdb)
	limiter := ratelimit.NewLimiter(rdb, logging.Component(log, "ratelimit"))

	// --- NATS ---
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATS.URL
	natsConfig.Name = "chatsync-" + cfg.ServerName
	natsClient, err := messaging.NewNATSClient(natsConfig, logging.Component(log, "nats"))
	if err != nil {
		return err
	}
	defer natsClient.Close()

	// --- Store ---
	store, closeStore, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()
	if cfg.Postgres.URL == "" {
		// The in-memory store starts empty; give development runs accounts.
		if err := seed(ctx, store, sessions, io.Discard); err != nil {
			return err
		}
	}

	// --- Core ---
	blocks := blocking.NewChecker(store)
	registry := presence.NewRegistry(sessions, logging.Component(log, "presence"))
	dispatcher := notify.New(registry, blocks, messaging.NewOfflineNotifier(natsClient), nil,
		notify.Options{AccountBlockedGrace: cfg.Notify.AccountBlockedGrace},
		logging.Component(log, "notify"))
	registry.SetOnlineHook(dispatcher.OnUserOnline)

	rt := router.New(store, blocks, registry, limiter,
		router.Options{FilterReadReceipts: cfg.Router.FilterReadReceipts},
		logging.Component(log, "router"))

	events := ws.NewDispatcher(0, logging.Component(log, "dispatch"))
	rt.Routes(events)
	if err := events.Validate(); err != nil {
		return err
	}

	// --- Push server ---
	server := ws.NewServer(ws.ServerConfig{
		ListenAddr:     cfg.Server.ListenAddr,
		WorkerPoolSize: cfg.Server.WorkerPoolSize,
		MaxConnections: cfg.Server.MaxConnections,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		OutboxSize:     cfg.Server.OutboxSize,
		Heartbeat: ws.HeartbeatConfig{
			Interval: cfg.Heartbeat.Interval,
			Timeout:  cfg.Heartbeat.Timeout,
		},
	}, sessions, events.Dispatch, logging.Component(log, "ws"))
	server.AddHealthCheck("nats", natsClient.Connected)
	server.AddHealthCheck("redis", func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return rdb.Ping(ctx).Err() == nil
	})
	server.SetBanChecker(bans)
	server.SetConnectLimiter(limiter)
	server.SetOnConnect(func(ctx context.Context, c *ws.Connection) {
		registry.Register(ctx, c.UserID, c)
	})
	server.SetOnDisconnect(func(c *ws.Connection) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		registry.UnregisterConn(ctx, c.UserID, c)
	})

	// --- HTTP API ---
	server.Handle("/metrics", metrics.Handler())
	server.Handle("/api/", api.New(api.Deps{
		Store:      store,
		Blocks:     blocks,
		Auth:       sessions,
		Reads:      rt,
		Notify:     dispatcher,
		Limiter:    limiter,
		Filter:     moderation.NewFilter(),
		Bans:       bans,
		Flags:      messaging.NewFlagPublisher(natsClient),
		Presence:   registry,
		Identities: sessions,
		AdminToken: cfg.Server.AdminToken,
		Log:        logging.Component(log, "api"),
	}))

	// Graceful shutdown.
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("received signal, initiating graceful shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// seedUser is one development account created by the seed command.
type seedUser struct {
	ID    string
	Name  string
	Admin bool
}

var defaultSeed = []seedUser{
	{ID: "alice", Name: "Alice"},
	{ID: "bob", Name: "Bob"},
	{ID: "carol", Name: "Carol"},
	{ID: "admin", Name: "Admin", Admin: true},
}

// newSeedCommand creates development users and a "tok-<id>" session for
// each. It is only useful against Postgres, since the in-memory store does
// not outlive the process.
func newSeedCommand(load func() (config.Config, zerolog.Logger, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Create development users and session tokens",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := load()
			if err != nil {
				return err
			}
			if cfg.Postgres.URL == "" {
				return fmt.Errorf("seed: DATABASE_URL is not set")
			}
			rdb, err := session.Connect(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
			if err != nil {
				return err
			}
			defer rdb.Close()

			store, closeStore, err := openStore(cfg, log)
			if err != nil {
				return err
			}
			defer closeStore()

			return seed(cmd.Context(), store, session.NewStore(rdb), cmd.OutOrStdout())
		},
	}
}

func seed(ctx context.Context, store chat.Store, sessions *session.Store, out io.Writer) error {
	for _, u := range defaultSeed {
		if err := store.UpsertUser(ctx, chat.User{ID: u.ID, DisplayName: u.Name}); err != nil {
			return fmt.Errorf("seed user %s: %w", u.ID, err)
		}
		token := "tok-" + u.ID
		if err := sessions.Create(ctx, token, session.Identity{UserID: u.ID, Admin: u.Admin}); err != nil {
			return fmt.Errorf("seed session %s: %w", u.ID, err)
		}
		fmt.Fprintf(out, "%s\t%s\n", u.ID, token)
	}
	return nil
}
