// Command realtime runs the topic-subscription engine for a set of
// configured channels and prints the merged event stream. It handles
// graceful shutdown via OS signals; SIGHUP revives permanently failed
// connections, mirroring an app returning to the foreground.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/flex3r/dankchat-realtime/internal/auth"
	"github.com/flex3r/dankchat-realtime/internal/chat"
	"github.com/flex3r/dankchat-realtime/internal/config"
	"github.com/flex3r/dankchat-realtime/internal/helix"
	"github.com/flex3r/dankchat-realtime/internal/logger"
	"github.com/flex3r/dankchat-realtime/internal/model"
	"github.com/flex3r/dankchat-realtime/internal/realtime"
)

func main() {
	configPath := flag.String("config", config.DefaultConfigPath, "Path to the configuration file")
	logLevel := flag.String("log-level", "", "Log level: DEBUG, INFO, WARN, ERROR (overrides config)")
	noColor := flag.Bool("no-color", false, "Disable colored output (overrides TTY detection)")
	flag.Parse()

	// Secrets may live in a .env file next to the binary.
	godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	colored := !*noColor && term.IsTerminal(int(os.Stdout.Fd())) && os.Getenv("NO_COLOR") == ""
	logCfg := cfg.LoggerConfig(colored)
	if *logLevel != "" {
		logCfg.Level = logger.ParseLevel(*logLevel)
	}

	log, err := logger.Setup(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to setup logger: %v\n", err)
		os.Exit(1)
	}

	log.Info("Starting realtime engine", "channels", len(cfg.Channels))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)

	credentials := &auth.Static{
		Token:  cfg.Auth.AuthToken,
		ID:     cfg.Auth.UserID,
		Login:  cfg.Auth.Username,
		Client: cfg.Auth.ClientID,
	}

	var presence *chat.Manager
	if cfg.ChatEnabled() {
		presence = chat.NewManager(credentials, log)
	}

	opts := realtime.Options{
		Auth:          credentials,
		Subscriptions: helix.NewClient(credentials, log),
		Log:           log,
	}
	if presence != nil {
		opts.Presence = presence
	}
	manager := realtime.NewManager(opts)

	events := manager.Subscribe()
	if err := manager.Start(ctx); err != nil {
		log.Error("Failed to start manager", "error", err)
		os.Exit(1)
	}

	group, groupCtx := errgroup.WithContext(ctx)

	if presence != nil {
		group.Go(func() error {
			if err := presence.Run(groupCtx); err != nil && groupCtx.Err() == nil {
				return fmt.Errorf("chat presence: %w", err)
			}
			return nil
		})
	}

	group.Go(func() error {
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case ev, ok := <-events:
				if !ok {
					return nil
				}
				render(log, ev)
			}
		}
	})

	group.Go(func() error {
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-hupCh:
				log.Info("SIGHUP received, reviving failed connections")
				if err := manager.ReconnectIfNecessary(groupCtx); err != nil {
					log.Warn("Reconnect check failed", "error", err)
				}
			}
		}
	})

	for _, channel := range cfg.Channels {
		if err := manager.AddChannel(ctx, channel.ID, channel.Name); err != nil {
			log.Error("Failed to add channel", "channel", channel.Name, "error", err)
		}
	}

	sig := <-sigCh
	log.Info("Received shutdown signal", "signal", sig.String())
	cancel()

	time.AfterFunc(10*time.Second, func() {
		log.Error("Graceful shutdown timed out, forcing exit")
		os.Exit(1)
	})

	manager.Close()
	if presence != nil {
		presence.Close()
	}
	group.Wait()

	log.Info("Shutdown complete")
}

// render turns one event into a human-readable log line.
func render(log *logger.Logger, ev model.Event) {
	switch e := ev.(type) {
	case model.PointRedemption:
		log.Info("Points redeemed",
			"channel", e.ChannelID,
			"user", e.UserName,
			"reward", e.RewardTitle,
			"cost", e.RewardCost,
			"input", e.UserInput)
	case model.Whisper:
		log.Info("Whisper received", "from", e.DisplayName, "message", e.Body)
	case model.ModeratorAction:
		log.Info("Moderator action",
			"channel", e.ChannelID,
			"moderator", e.ModeratorName,
			"action", e.Action,
			"args", e.Args)
	case model.ChannelModerate:
		log.Info("Moderation event",
			"channel", e.BroadcasterID,
			"moderator", e.ModeratorName,
			"action", e.Action,
			"target", e.TargetName,
			"reason", e.Reason)
	case model.SystemMessage:
		log.Info(e.Text)
	}
}
