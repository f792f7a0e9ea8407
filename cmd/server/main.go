package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/mindlabs/quest-engine/internal/api"
	"github.com/mindlabs/quest-engine/internal/config"
	"github.com/mindlabs/quest-engine/internal/gamification"
	"github.com/mindlabs/quest-engine/internal/journal"
	"github.com/mindlabs/quest-engine/internal/metrics"
	"github.com/mindlabs/quest-engine/internal/mock"
	"github.com/mindlabs/quest-engine/internal/storage"
	"github.com/mindlabs/quest-engine/internal/ws"
)

func main() {
	mockMode := flag.Bool("mock", false, "Feed synthetic gameplay events")
	configPath := flag.String("config", "config.yaml", "Path to config file")
	port := flag.Int("port", 0, "Override server port")
	genToken := flag.Bool("gen-token", false, "Print a random auth token and exit")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *genToken {
		token, err := config.GenerateToken()
		if err != nil {
			fmt.Fprintf(os.Stderr, "generate token: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	// .env is optional
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load .env", "error", err)
	}

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}

	if err := run(cfg, *mockMode); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, mockMode bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer backend.Close()
	slog.Info("storage ready", "backend", cfg.Storage.Backend)

	m := metrics.New()
	broadcaster := ws.NewBroadcaster(cfg.Server.BroadcastThrottle, cfg.Server.SnapshotInterval, cfg.Server.MaxWSClients)
	defer broadcaster.Stop()
	notifier := gamification.MultiNotifier{broadcaster, m, gamification.NotifierFunc(logEvent)}

	// Load errors leave the stores on their defaults; keep serving.
	achievements, err := gamification.NewAchievementStore(backend, notifier)
	if err != nil {
		slog.Warn("achievements not restored", "error", err)
		m.PersistFailure(err)
	}
	challenges, err := gamification.NewChallengeStore(backend, notifier, gamification.ChallengeOptions{
		UserID:              cfg.Player.UserID,
		MilestoneCount:      cfg.Challenges.MilestoneCount,
		MilestoneRewardStep: cfg.Challenges.MilestoneRewardStep,
		SeedDefaults:        cfg.Challenges.SeedDefaults,
	})
	if err != nil {
		slog.Warn("challenges not restored", "error", err)
		m.PersistFailure(err)
	}
	tracker, _, err := gamification.NewTracker(backend, achievements, challenges, notifier, cfg.Challenges.SweepInterval)
	if err != nil {
		slog.Warn("player stats not restored", "error", err)
		m.PersistFailure(err)
	}
	tracker.OnPersistError(m.PersistFailure)

	broadcaster.SetSnapshotFunc(ws.StoreSnapshot(achievements, challenges, tracker))
	m.RegisterGauge("ws_clients", "Connected WebSocket clients", func() float64 {
		return float64(broadcaster.ClientCount())
	})
	m.RegisterGauge("achievements_unlocked", "Unlocked achievements", func() float64 {
		return float64(achievements.UnlockedCount())
	})
	m.RegisterGauge("challenges_active", "Active community challenges", func() float64 {
		return float64(len(challenges.Active()))
	})

	trackerDone := make(chan struct{})
	go func() {
		defer close(trackerDone)
		tracker.Run(ctx)
	}()

	if mockMode {
		slog.Info("starting in mock mode")
		mock.NewGenerator(tracker, 0, uint64(time.Now().UnixNano())).Start(ctx)
	}

	deps := api.Deps{
		Achievements: achievements,
		Challenges:   challenges,
		Tracker:      tracker,
		Metrics:      m,
		WS:           ws.NewHandler(broadcaster, cfg.Server.AllowedOrigins, cfg.Server.AuthToken),
		WSClients:    broadcaster.ClientCount,
	}

	if cfg.Journal.Path != "" {
		tailer := journal.NewTailer(cfg.Journal.Path, cfg.Journal.PollInterval, tracker, backend)
		tailer.OnStatusChange(broadcaster.SourceHealth)
		tailer.OnPersistError(m.PersistFailure)
		m.RegisterGauge("journal_offset_bytes", "Read position in the gameplay journal", func() float64 {
			return float64(tailer.Offset())
		})
		deps.Sources = func() []ws.SourceHealthPayload {
			return []ws.SourceHealthPayload{tailer.Health()}
		}
		go tailer.Run(ctx)
	}

	server := api.NewServer(cfg.Server, cfg.Player, deps)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", srv.Addr, "auth", cfg.Server.AuthToken != "")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			stop()
			<-trackerDone
			return err
		}
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", "error", err)
	}

	// Run performs a final stats save on cancellation.
	<-trackerDone
	return nil
}

func logEvent(ev gamification.Event) {
	switch ev.Kind {
	case gamification.EventStatsUpdated:
		return
	case gamification.EventAchievementUnlocked:
		slog.Info("achievement unlocked", "key", ev.Achievement.Key, "title", ev.Achievement.Title)
	case gamification.EventMilestoneAchieved:
		slog.Info("milestone achieved", "milestone", ev.Milestone.ID, "reward", ev.Milestone.Reward)
	default:
		if ev.Challenge != nil {
			slog.Info("challenge event", "kind", ev.Kind, "challenge", ev.Challenge.Title)
		}
	}
}
