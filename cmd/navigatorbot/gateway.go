package main

import (
	"context"
	"errors"
	"fmt"

	"navigatorbot/internal/access"
	"navigatorbot/internal/api"
	"navigatorbot/internal/bus"
	"navigatorbot/internal/channel"
	"navigatorbot/internal/config"
	"navigatorbot/internal/domain"
	"navigatorbot/internal/metrics"
	"navigatorbot/internal/relay"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the bot (enabled chat channels, relay and API server)",
		Long:  "Starts every enabled channel, the relay and, when enabled, the HTTP API server. Press Ctrl+C to stop.",
		RunE:  runGateway,
	}
}

func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Talk to the NAVIGATOR server from the terminal",
		RunE:  runChat,
	}
}

// openAccess opens the access store when access control is enabled. Both
// return values are nil when it is disabled.
func openAccess(cfg *config.Config) (*access.Service, *access.Store, error) {
	if !cfg.Access.Enabled {
		return nil, nil, nil
	}
	store, err := access.OpenStore(cfg.Access.DBPath, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("access store: %w", err)
	}
	return newAccessService(cfg, store), store, nil
}

func newAccessService(cfg *config.Config, store *access.Store) *access.Service {
	return access.NewService(store, access.Options{
		Plan: access.Plan{
			Requests: cfg.Access.PlanRequests,
			Days:     cfg.Access.PlanDays,
			Price:    cfg.Access.PlanPrice,
		},
		PaymentLink:        cfg.Access.PaymentLink,
		AcceptUnknownCodes: cfg.Access.AcceptUnknownCodes,
		Logger:             logger,
	})
}

func newRelay(cfg *config.Config, messageBus domain.MessageBus, fwd relay.Forwarder, acc *access.Service) *relay.Relay {
	rc := relay.Config{
		Bus:          messageBus,
		Forwarder:    fwd,
		Messages:     cfg.Messages,
		Concurrency:  cfg.Relay.MaxConcurrent,
		AttachSender: cfg.Relay.AttachSender,
		Logger:       logger,
	}
	if acc != nil {
		rc.Access = acc
	}
	return relay.New(rc)
}

// chatChannels builds the long-running transports enabled in cfg. The
// websocket channel is returned separately because the API server mounts it.
func chatChannels(cfg *config.Config) ([]domain.Channel, *channel.WebSocketChannel) {
	var channels []domain.Channel

	if tg := cfg.Channels.Telegram; tg.Enabled {
		channels = append(channels, channel.NewTelegram(channel.TelegramConfig{
			Token:     tg.Token,
			AllowFrom: tg.AllowFrom,
			ParseMode: tg.ParseMode,
			Keyboard:  tg.Keyboard,
			Logger:    logger,
		}))
	}
	if dc := cfg.Channels.Discord; dc.Enabled {
		channels = append(channels, channel.NewDiscord(channel.DiscordConfig{
			Token:   dc.Token,
			GuildID: dc.GuildID,
			Logger:  logger,
		}))
	}
	if sl := cfg.Channels.Slack; sl.Enabled {
		channels = append(channels, channel.NewSlack(channel.SlackConfig{
			BotToken: sl.BotToken,
			AppToken: sl.AppToken,
			Logger:   logger,
		}))
	}

	var ws *channel.WebSocketChannel
	if cfg.Channels.WebSocket.Enabled {
		ws = channel.NewWebSocketChannel(channel.WSConfig{
			AllowedOrigins: cfg.Channels.WebSocket.AllowedOrigins,
			Logger:         logger,
		})
		channels = append(channels, ws)
	}
	return channels, ws
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, closeLog, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	defer closeLog()

	client, err := newNavigatorClient(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	if err := client.Healthy(ctx); err != nil {
		logger.Warn("navigator server not reachable at startup", "url", client.ProcessURL(), "err", err)
	}

	acc, store, err := openAccess(cfg)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}

	channels, ws := chatChannels(cfg)
	if len(channels) == 0 {
		return errors.New("no chat channel enabled: enable telegram, discord, slack or websocket")
	}

	messageBus := bus.New(cfg.Relay.BusBuffer, logger)
	r := newRelay(cfg, messageBus, client, acc)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return r.Run(gctx) })

	for _, ch := range channels {
		ch := ch
		g.Go(func() error {
			if err := ch.Start(gctx, messageBus); err != nil {
				return fmt.Errorf("%s channel: %w", ch.Name(), err)
			}
			return nil
		})
		logger.Info("channel enabled", "channel", ch.Name())
	}

	if cfg.API.Enabled {
		srv := newAPIServer(cfg, acc, ws)
		g.Go(func() error { return srv.Run(gctx) })
	}

	logger.Info("navigatorbot started. Press Ctrl+C to stop.",
		"version", version,
		"navigator", client.ProcessURL(),
		"framework", client.Framework(),
		"access_control", acc != nil,
	)

	err = g.Wait()
	for _, ch := range channels {
		_ = ch.Stop()
	}
	messageBus.Close()
	logger.Info("shutdown complete")
	return err
}

func newAPIServer(cfg *config.Config, acc *access.Service, ws *channel.WebSocketChannel) *api.Server {
	ac := api.Config{
		Addr:          cfg.API.Addr,
		PaymentSecret: cfg.API.PaymentSecret,
		Logger:        logger,
	}
	if acc != nil {
		ac.Issuer = acc
	}
	if cfg.Metrics.Enabled {
		ac.Metrics = metrics.Default.Handler()
		ac.MetricsPath = cfg.Metrics.Endpoint
	}
	if ws != nil {
		ac.WebSocket = ws.Handler()
	}
	return api.New(ac)
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, closeLog, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	defer closeLog()
	if !cfg.Channels.CLI.Enabled {
		return errors.New("the cli channel is disabled (channels.cli.enabled)")
	}

	client, err := newNavigatorClient(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	acc, store, err := openAccess(cfg)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}

	messageBus := bus.New(cfg.Relay.BusBuffer, logger)
	r := newRelay(cfg, messageBus, client, acc)

	relayDone := make(chan error, 1)
	go func() { relayDone <- r.Run(ctx) }()

	cli := channel.NewCLI(channel.CLIConfig{
		Logger:  logger,
		In:      cmd.InOrStdin(),
		Out:     cmd.OutOrStdout(),
		Spinner: true,
	})
	cliErr := cli.Start(ctx, messageBus)

	// Closing the bus lets the relay finish the messages already read, so
	// their replies are printed before we exit.
	messageBus.Close()
	if err := <-relayDone; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	_ = cli.Stop()
	return cliErr
}
