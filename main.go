package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/d1nch8g/aivoice/audio"
	"github.com/d1nch8g/aivoice/channel"
	"github.com/d1nch8g/aivoice/config"
	"github.com/d1nch8g/aivoice/engine"
	"github.com/d1nch8g/aivoice/level"
	"github.com/d1nch8g/aivoice/observe"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to a YAML config file")
	serverURL := flag.String("url", "", "websocket endpoint, overrides the config")
	muted := flag.Bool("muted", false, "start with the microphone muted")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "aivoice: %v\n", err)
		return 1
	}
	if *serverURL != "" {
		cfg.ServerURL = *serverURL
	}
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "muted" {
			cfg.Muted = *muted
		}
	})
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "aivoice: %v\n", err)
		return 1
	}

	slog.SetDefault(newLogger(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "aivoice"})
		if err != nil {
			slog.Error("failed to init metrics provider", "err", err)
			return 1
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				slog.Warn("metrics provider shutdown", "err", err)
			}
		}()
		srv := serveMetrics(cfg.MetricsAddr)
		defer srv.Close()
	}

	if err := audio.Initialize(); err != nil {
		slog.Error("failed to initialize PortAudio", "err", err)
		return 1
	}
	defer func() {
		if err := audio.Terminate(); err != nil {
			slog.Warn("portaudio terminate", "err", err)
		}
	}()

	eng, err := engine.New(engine.FromConfig(cfg), engine.Deps{})
	if err != nil {
		slog.Error("failed to create engine", "err", err)
		return 1
	}
	eng.AddObserver(logObserver())

	go toggleMute(ctx, eng)

	slog.Info("aivoice starting",
		"url", cfg.ServerURL,
		"muted", cfg.Muted,
		"metrics_addr", cfg.MetricsAddr,
	)
	fmt.Println("Talking to", cfg.ServerURL, "- type m + Enter to toggle mute, Ctrl-C to stop.")

	if err := eng.Start(ctx); err != nil {
		slog.Error("session ended with errors", "err", err)
		return 1
	}
	st := eng.Stats()
	slog.Info("stopped",
		"frames_sent", st.FramesSent,
		"frames_dropped", st.FramesDropped,
		"chunks_received", st.ChunksReceived,
		"appends_rejected", st.AppendsRejected,
		"chunks_evicted", st.ChunksEvicted,
	)
	return 0
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		slog.Info("serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server", "err", err)
		}
	}()
	return srv
}

func logObserver() engine.Observer {
	return engine.ObserverFuncs{
		OnLocalLevel: func(l level.Level) {
			slog.Debug("local level", "level", fmt.Sprintf("%.2f", float64(l)))
		},
		OnRemoteLevel: func(l level.Level) {
			slog.Debug("remote level", "level", fmt.Sprintf("%.2f", float64(l)))
		},
		OnConnectionState: func(s channel.State) {
			slog.Info("connection", "state", s)
		},
		OnCaptureStatus: func(s engine.CaptureStatus) {
			slog.Info("capture", "status", s)
		},
	}
}

// toggleMute flips the mute state on every "m" line read from stdin.
func toggleMute(ctx context.Context, eng *engine.Engine) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		if strings.EqualFold(strings.TrimSpace(sc.Text()), "m") {
			eng.SetMuted(!eng.Muted())
		}
	}
}
