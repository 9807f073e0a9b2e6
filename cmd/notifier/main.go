package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/whisper/chatsync/internal/config"
	"github.com/whisper/chatsync/internal/logging"
	"github.com/whisper/chatsync/internal/messaging"
	"github.com/whisper/chatsync/internal/moderation"
	"github.com/whisper/chatsync/internal/offline"
)

// queueGroup spreads offline signals across notifier replicas.
const queueGroup = "chatsync-notifier"

func main() {
	var configPath string

	cmd := &cobra.Command{
		Use:          "notifier",
		Short:        "Deliver offline notices and audit moderation flags",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	log := logging.New(cfg.Log)
	log.Info().Msg("starting notifier service")

	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATS.URL
	natsConfig.Name = "chatsync-notifier"

	natsClient, err := messaging.NewNATSClient(natsConfig, logging.Component(log, "nats"))
	if err != nil {
		return err
	}
	defer natsClient.Close()

	notices := offline.NewScheduler(offline.LogSink{Log: logging.Component(log, "notice")}, nil,
		cfg.Notify.OfflineDelay, logging.Component(log, "offline"))

	err = natsClient.SubscribeOffline(queueGroup, notices, func(subject string, err error) {
		log.Warn().Err(err).Str("subject", subject).Msg("offline signal rejected")
	})
	if err != nil {
		return err
	}

	audit := logging.Component(log, "moderation")
	err = natsClient.SubscribeFlags(func(f moderation.Flag) {
		audit.Warn().
			Str("user_id", f.UserID).
			Str("reason", f.Reason).
			Str("term", f.Term).
			Int("offenses", f.Offenses).
			Int64("blocked_for_ms", f.BlockedFor).
			Msg("message flagged")
	})
	if err != nil {
		return err
	}

	log.Info().
		Str("nats_url", natsConfig.URL).
		Dur("offline_delay", cfg.Notify.OfflineDelay).
		Msg("notifier service running")

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info().Int("pending", notices.Pending()).Msg("shutting down")
	return nil
}
