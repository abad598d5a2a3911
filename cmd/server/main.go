// Command airrelay-server runs the broadcast relay: it accepts client
// connections, arbitrates TX ownership through the mixer, and fans out RX
// audio to every connected listener.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/kj5hst/airrelay/internal/broadcast"
	"github.com/kj5hst/airrelay/internal/config"
	"github.com/kj5hst/airrelay/internal/metrics"
	"github.com/kj5hst/airrelay/internal/mixer"
	"github.com/kj5hst/airrelay/internal/obslog"
	"github.com/kj5hst/airrelay/internal/protocol"
	"github.com/kj5hst/airrelay/internal/serverside"
)

func main() {
	configPath := pflag.String("config", "", "path to YAML config file (defaults used if absent)")
	addr := pflag.String("addr", "", "listen address, overrides config server.listen_addr")
	logFile := pflag.String("log-file", "", "rotating log file path, overrides config logging.file_path")
	maxClients := pflag.Int("max-clients", 0, "maximum concurrent sessions, overrides config server.max_clients (0 = use config)")
	debug := pflag.Bool("debug", false, "enable debug-level logging")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.ListenAddr = *addr
	}
	if *logFile != "" {
		cfg.Logging.FilePath = *logFile
	}
	if *maxClients > 0 {
		cfg.Server.MaxClients = *maxClients
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

	format := cfg.StreamFormat()
	bytesPerFrame := int(format.SampleRateHz/1000) * int(format.FrameMs) * int(format.Channels) * int(format.BitsPerSample/8)
	frameMs := time.Duration(format.FrameMs) * time.Millisecond

	collectors := metrics.New()

	b := broadcast.New(broadcast.Options{Logger: logger})
	m := mixer.New(bytesPerFrame*32, mixer.Options{
		BytesPerFrame: bytesPerFrame,
		FrameMs:       frameMs,
		Logger:        logger,
		Metrics:       collectors,
	})
	roster := serverside.NewRoster()

	core := serverside.New(serverside.Options{
		MaxClients:    cfg.Server.MaxClients,
		Format:        format,
		DefaultPolicy: cfg.BufferPolicy(),
		Broadcaster:   b,
		Mixer:         m,
		Roster:        roster,
		ProtocolOptions: protocol.Options{
			MaxConsecutiveErrors: cfg.Timeouts.MaxConsecutiveFrameErrors,
			Logger:               logger,
		},
		Logger:  logger,
		Metrics: collectors,
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

	go m.RunPlaybackLoop(noopPlaybackSink{}, bytesPerFrame*4)
	go b.RunCaptureLoop(noopCaptureSource{}, bytesPerFrame)
	go func() {
		<-ctx.Done()
		m.Stop()
		b.Stop()
	}()

	ln, err := net.Listen("tcp", cfg.Server.ListenAddr)
	if err != nil {
		logger.Fatal("listen", zap.Error(err))
	}
	logger.Info("listening", zap.String("addr", cfg.Server.ListenAddr))

	if err := core.Serve(ctx, ln); err != nil {
		logger.Fatal("serve", zap.Error(err))
	}
}

// noopPlaybackSink discards mixed TX audio. A real deployment wires the
// mixer's playback loop to a PlaybackSink implementation backed by an
// actual transmit radio interface, which is outside this module's scope
// (spec §1).
type noopPlaybackSink struct{}

func (noopPlaybackSink) Write(buf []byte) (int, error) { return len(buf), nil }
func (noopPlaybackSink) Channels() int                 { return 0 }

// noopCaptureSource yields silence at whatever rate RunCaptureLoop asks
// for it. A real deployment wires the broadcaster's capture loop to a
// CaptureSource implementation backed by an actual receive radio
// interface, which is outside this module's scope (spec §1); this stub
// still exercises the full RX fan-out path (Deliver, every Session's
// ReceiveRXAudio, and its CircuitBreaker) end to end.
type noopCaptureSource struct{}

func (noopCaptureSource) Read(buf []byte) (int, error) {
	for i := range buf {
		buf[i] = 0
	}
	time.Sleep(20 * time.Millisecond)
	return len(buf), nil
}

func (noopCaptureSource) Channels() int { return 0 }
