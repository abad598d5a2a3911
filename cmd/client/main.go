// Command airrelay-client connects to an airrelay-server, negotiates audio
// format and buffer policy, and relays audio until disconnected or
// interrupted. Device capture/playback is left to whatever
// audio.CaptureSource/audio.PlaybackSink the deployment wires in; this
// binary runs receive-only (no device backend) as a connectivity and
// protocol exerciser.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/kj5hst/airrelay/internal/clientside"
	"github.com/kj5hst/airrelay/internal/config"
	"github.com/kj5hst/airrelay/internal/metrics"
	"github.com/kj5hst/airrelay/internal/obslog"
	"github.com/kj5hst/airrelay/internal/wire"
)

func main() {
	configPath := pflag.String("config", "", "path to YAML config file (defaults used if absent)")
	serverAddr := pflag.String("server", "", "server address, overrides config client.server_addr")
	name := pflag.String("name", "", "client display name, overrides config client.name")
	callsign := pflag.String("callsign", "", "operator callsign, overrides config client.callsign")
	debug := pflag.Bool("debug", false, "enable debug-level logging")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *serverAddr != "" {
		cfg.Client.ServerAddr = *serverAddr
	}
	if *name != "" {
		cfg.Client.Name = *name
	}
	if *callsign != "" {
		cfg.Client.Callsign = *callsign
	}
	if *debug {
		cfg.Logging.Debug = true
	}

	logger, err := obslog.New(obslog.Options{
		FilePath:   cfg.Logging.FilePath,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Debug:      cfg.Logging.Debug,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "obslog: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	collectors := metrics.New()

	core := clientside.New(clientside.Options{
		ServerAddr: cfg.Client.ServerAddr,
		ClientName: cfg.Client.Name,
		Info: wire.ClientInfo{
			Callsign: cfg.Client.Callsign,
			Name:     cfg.Client.Name,
			Location: cfg.Client.Location,
		},
		Format:  cfg.StreamFormat(),
		Policy:  cfg.BufferPolicy(),
		Logger:  logger,
		Metrics: collectors,

		AutoReconnect:        cfg.Client.AutoReconnect,
		ReconnectDelay:       cfg.ReconnectDelay(),
		MaxReconnectDelay:    cfg.MaxReconnectDelay(),
		MaxReconnectAttempts: cfg.Timeouts.MaxReconnectAttempts,
		MinStableConnection:  cfg.MinStableConnection(),

		Listeners: clientside.Listeners{
			OnTxGranted:    func() { logger.Info("tx granted") },
			OnTxDenied:     func(holder string) { logger.Info("tx denied", zap.String("holder", holder)) },
			OnTxPreempted:  func(newOwner string) { logger.Info("tx preempted", zap.String("new_owner", newOwner)) },
			OnTxReleased:   func() { logger.Info("tx released") },
			OnDisconnected: func(reason string) { logger.Warn("disconnected", zap.String("reason", reason)) },
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		cancel()
	}()

	if cfg.Metrics.Enabled {
		go func() {
			if err := collectors.Serve(ctx, cfg.Metrics.ListenAddr); err != nil {
				logger.Warn("metrics server exited", zap.Error(err))
			}
		}()
	}

	if err := core.Run(ctx); err != nil {
		logger.Fatal("run", zap.Error(err))
	}
}
