// Command streambridge is the live-streaming integration daemon. It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Builds one token lifecycle manager per configured platform and starts
//     the PKCE verifier sweepers.
//   - Starts the per-platform strategies (Twitch chat + EventSub, Kick
//     pub/sub, YouTube live chat lookup) and drains their event streams.
//   - Exposes the HTTP control plane: /auth/<platform>/{start,callback,
//     refresh}, /status, /healthz, /readyz, /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/streambridge/config"
	"github.com/onnwee/streambridge/db"
	"github.com/onnwee/streambridge/kickapi"
	"github.com/onnwee/streambridge/oauth"
	"github.com/onnwee/streambridge/platform"
	"github.com/onnwee/streambridge/reconnect"
	"github.com/onnwee/streambridge/server"
	"github.com/onnwee/streambridge/telemetry"
	"github.com/onnwee/streambridge/tokenstore"
	"github.com/onnwee/streambridge/twitchapi"
	"github.com/onnwee/streambridge/youtubeapi"
)

func main() {
	// Load .env if present (local dev convenience only; production relies on real env).
	_ = godotenv.Load()

	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing("streambridge", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	database, err := db.Connect()
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()
	if err := db.Migrate(context.Background(), database); err != nil {
		slog.Error("failed to migrate db", slog.Any("err", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := tokenstore.NewPostgres(database)
	policy := reconnect.Policy{
		BaseDelay:   cfg.ReconnectBaseDelay,
		MaxDelay:    cfg.ReconnectMaxDelay,
		MaxAttempts: cfg.MaxReconnectAttempts,
	}

	managers := map[string]*oauth.Manager{}
	usernames := map[string]string{}
	var strategies []platform.Strategy

	if creds, err := cfg.PlatformCredentials(config.PlatformTwitch); err != nil {
		slog.Warn("twitch disabled", slog.Any("err", err))
	} else {
		mgr := oauth.NewManager(twitchapi.NewAdapter(creds), store, cfg.RefreshBuffer)
		managers["twitch"] = mgr
		usernames["twitch"] = cfg.TwitchBotUsername
		strategies = append(strategies, platform.NewTwitchStrategy(cfg, mgr, policy))
	}
	if creds, err := cfg.PlatformCredentials(config.PlatformKick); err != nil {
		slog.Warn("kick disabled", slog.Any("err", err))
	} else {
		mgr := oauth.NewManager(kickapi.NewAdapter(creds), store, cfg.RefreshBuffer)
		managers["kick"] = mgr
		usernames["kick"] = cfg.KickUsername
		ks := platform.NewKickStrategy(cfg, mgr, policy)
		// The region probe costs a round of dials; reuse the last good region
		// across restarts and record each newly resolved one.
		if ks.PubSub.Region == "" {
			if region, err := db.GetKV(ctx, database, "kick_pubsub_region"); err == nil && region != "" {
				ks.PubSub.Region = region
			}
		}
		ks.PubSub.OnConnect = func(string) {
			if err := db.SetKV(context.Background(), database, "kick_pubsub_region", ks.PubSub.ConnectedRegion()); err != nil {
				slog.Warn("failed to persist pubsub region", slog.Any("err", err))
			}
		}
		strategies = append(strategies, ks)
	}
	if creds, err := cfg.PlatformCredentials(config.PlatformYouTube); err != nil {
		slog.Warn("youtube disabled", slog.Any("err", err))
	} else {
		mgr := oauth.NewManager(youtubeapi.NewAdapter(creds), store, cfg.RefreshBuffer)
		managers["youtube"] = mgr
		usernames["youtube"] = cfg.YTUsername
		strategies = append(strategies, platform.NewYouTubeStrategy(cfg, mgr))
	}
	if len(managers) == 0 {
		slog.Error("no platform configured; set credentials for at least one platform")
		os.Exit(1)
	}

	// Abandoned PKCE flows are swept in the background; the sweepers stop
	// with the root context and never block shutdown.
	for _, mgr := range managers {
		mgr.PKCE().StartSweeper(ctx, 0)
	}

	for _, s := range strategies {
		s := s
		go drainEvents(ctx, s)
		go func() {
			if err := s.Start(ctx); err != nil {
				slog.Warn("strategy start failed; authorize via /auth/"+s.Name()+"/start and restart",
					slog.String("platform", s.Name()),
					slog.Any("err", err))
			}
		}()
	}

	mux := server.NewMux(database, managers, usernames)
	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		slog.Info("http server listening", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server failed", slog.Any("err", err))
			stop()
		}
	}()

	if os.Getenv("ENABLE_PPROF") == "1" {
		go func() {
			slog.Info("pprof listening", slog.String("addr", "localhost:6060"))
			//nolint:gosec // G114: debug-only listener, opt-in
			if err := http.ListenAndServe("localhost:6060", nil); err != nil {
				slog.Warn("pprof server failed", slog.Any("err", err))
			}
		}()
	}

	<-ctx.Done()
	slog.Info("shutting down")

	for _, s := range strategies {
		s.Stop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown failed", slog.Any("err", err))
	}
	slog.Info("shutdown complete")
}

// drainEvents consumes a strategy's normalized stream. Downstream consumers
// would hang off this loop; for now every event is logged.
func drainEvents(ctx context.Context, s platform.Strategy) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.Events():
			slog.Debug("event",
				slog.String("platform", ev.Platform),
				slog.String("type", string(ev.Type)),
				slog.String("channel", ev.Channel),
				slog.String("username", ev.Username),
				slog.String("text", ev.Text))
		}
	}
}

// setupLogging configures slog from LOG_LEVEL and LOG_FORMAT.
// Defaults: level=info, format=text.
func setupLogging() {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	var handler slog.Handler
	if strings.ToLower(os.Getenv("LOG_FORMAT")) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()))
}
