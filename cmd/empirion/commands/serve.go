package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/empirion-ai/empirion/pkg/empirion/assistant"
	"github.com/empirion-ai/empirion/pkg/empirion/auth"
	"github.com/empirion-ai/empirion/pkg/empirion/device"
	"github.com/empirion-ai/empirion/pkg/empirion/events"
	"github.com/empirion-ai/empirion/pkg/empirion/gateway"
	"github.com/empirion-ai/empirion/pkg/empirion/monitor"
	"github.com/empirion-ai/empirion/pkg/empirion/protocol"
)

// newServeCmd creates the `empirion serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway daemon",
		Long: `Start the Empirion gateway: the WebSocket server, capability
handlers, and the status monitor.

Examples:
  empirion serve
  empirion serve --config ./config.yaml
  empirion serve --host 127.0.0.1 --port 9000 --debug`,
		RunE: runServe,
	}

	cmd.Flags().String("host", "", "bind address (overrides config)")
	cmd.Flags().Int("port", 0, "listen port (overrides config)")
	cmd.Flags().Bool("debug", false, "force debug logging")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		cfg.Logging.Level = "debug"
	}
	if host, _ := cmd.Flags().GetString("host"); host != "" {
		cfg.WebSocket.Host = host
	}
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		cfg.WebSocket.Port = port
	}

	logger := newLogger(cmd, cfg)

	authenticator, err := auth.New(cfg.Auth, logger)
	if err != nil {
		return fmt.Errorf("configuring auth: %w", err)
	}

	bus := events.NewBus(logger)

	// ── Capability handlers ──
	router := assistant.NewRouter(logger)

	history, err := assistant.OpenHistory(cfg.Assistant.HistoryPath)
	if err != nil {
		return fmt.Errorf("opening conversation history: %w", err)
	}
	defer history.Close()

	completer := assistant.NewHTTPCompleter(
		cfg.Assistant.BaseURL, cfg.Assistant.APIKey, cfg.Assistant.Model, cfg.Assistant.Instructions)
	chat := assistant.NewChatHandler(completer, history, logger)
	router.Register(protocol.RequestText, chat)

	if cfg.Voice.Enabled {
		transcriber := assistant.NewWhisperTranscriber(
			cfg.Assistant.BaseURL, cfg.Assistant.APIKey, cfg.Voice.Model)
		router.Register(protocol.RequestVoice, assistant.NewVoiceHandler(transcriber, chat, cfg.Voice.Language))
	}

	var phone assistant.Phone
	if cfg.Phone.Enabled {
		phone = device.NewTermuxPhone(logger)
	}
	var store assistant.Store
	if cfg.Store.Enabled && cfg.Store.BaseURL != "" {
		store = device.NewHTTPStore(cfg.Store.BaseURL, logger)
	}
	router.Register(protocol.RequestAction, assistant.NewActionHandler(phone, store))

	// ── Gateway ──
	srv := gateway.New(gateway.Config{
		Host:              cfg.WebSocket.Host,
		Port:              cfg.WebSocket.Port,
		MaxConnections:    cfg.WebSocket.MaxConnections,
		HeartbeatInterval: cfg.WebSocket.Heartbeat(),
		RequestTimeout:    cfg.WebSocket.Timeout(),
		OutboundQueueSize: cfg.WebSocket.OutboundQueueSize,
		MaxAuthFailures:   cfg.WebSocket.MaxAuthFailures,
		Capabilities:      router.Capabilities(),
	}, authenticator, router, bus, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting gateway: %w", err)
	}

	var mon *monitor.Monitor
	if cfg.Monitor.Enabled {
		mon = monitor.New(srv, bus, cfg.Monitor.Schedule, logger)
		if err := mon.Start(); err != nil {
			return fmt.Errorf("starting monitor: %w", err)
		}
	}

	logger.Info("Empirion running. Press Ctrl+C to stop.",
		"name", cfg.Name,
		"address", fmt.Sprintf("%s:%d", cfg.WebSocket.Host, cfg.WebSocket.Port),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, stopping...")

	done := make(chan struct{})
	go func() {
		if mon != nil {
			mon.Stop()
		}
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Stop(shutdownCtx); err != nil {
			logger.Warn("gateway shutdown error", "error", err)
		}
		close(done)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(10 * time.Second):
		logger.Warn("shutdown timed out after 10s, forcing exit")
	}

	return nil
}
