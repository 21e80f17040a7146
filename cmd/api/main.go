package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/arbor/backend/internal/config"
	"github.com/zhouzirui/arbor/backend/internal/handler"
	"github.com/zhouzirui/arbor/backend/internal/model/agent"
	"github.com/zhouzirui/arbor/backend/internal/service/ai"
	"github.com/zhouzirui/arbor/backend/internal/service/auth"
	"github.com/zhouzirui/arbor/backend/internal/service/hub"
	"github.com/zhouzirui/arbor/backend/internal/service/lock"
	"github.com/zhouzirui/arbor/backend/internal/service/session"
	"github.com/zhouzirui/arbor/backend/internal/service/tree"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		bootLogger := zerolog.New(os.Stderr).With().Timestamp().Logger()
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := newLogger(cfg.Server)
	if envErr != nil {
		logger.Warn().Err(envErr).Msg("failed to load .env file, continuing with system environment variables only")
	}

	store, err := openStore(cfg.Store, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.Store.Driver).Msg("failed to open tree store")
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("close tree store")
		}
	}()

	agents := agent.NewMemoryStore(agent.Seed())
	connHub := hub.New(logger)
	locks := lock.NewManager(connHub, cfg.Lock.Ceiling, logger)
	go locks.Run(ctx, cfg.Lock.SweepInterval)

	responder := newResponder(ctx, cfg.AI, store, agents, logger)
	sessions := session.NewHandler(store, connHub, locks, responder, session.Options{
		InitWindow:        cfg.Session.InitWindow,
		MaxPage:           cfg.Session.MaxPage,
		HistoryLimit:      cfg.AI.HistoryLimit,
		GenerationTimeout: cfg.Lock.Ceiling,
	}, logger)

	router := handler.NewRouter(logger, handler.Deps{
		Store:    store,
		Agents:   agents,
		Hub:      connHub,
		Locks:    locks,
		Sessions: sessions,
		Verifier: auth.NewJWTVerifier([]byte(cfg.Auth.Secret)),
		Session:  cfg.Session,
	})

	startServer(ctx, cfg.Server, router, logger)

	// 先断开所有连接，再等待后台生成任务收尾
	connHub.CloseAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sessions.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("generations still running at shutdown")
	}
	logger.Info().Msg("arbor backend stopped")
}

func newLogger(serverCfg config.ServerConfig) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if serverCfg.Development() {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
			With().Timestamp().Logger()
	}
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func openStore(storeCfg config.StoreConfig, logger zerolog.Logger) (tree.Store, error) {
	if storeCfg.Driver == config.DriverSQLite {
		return tree.NewSQLiteStore(storeCfg.Path, logger)
	}
	logger.Warn().Msg("using in-memory tree store, chats are lost on restart")
	return tree.NewMemoryStore(), nil
}

func newResponder(ctx context.Context, aiCfg config.AIConfig, store tree.Store, agents agent.Store, logger zerolog.Logger) session.Responder {
	if !aiCfg.Enabled() {
		logger.Info().Msg("Ark 凭证未配置，使用脚本化回复")
		return ai.NewScripted(aiCfg.ScriptedReply)
	}

	svc, err := ai.NewService(ctx, store, agents, aiCfg, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to initialize AI service, falling back to scripted replies - 请检查 Ark 模型相关环境变量")
		return ai.NewScripted(aiCfg.ScriptedReply)
	}
	logger.Info().Str("model", aiCfg.Model).Msg("AI service initialized successfully")
	return svc
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler, logger zerolog.Logger) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info().Str("addr", addr).Str("env", serverCfg.Env).Msg("arbor backend listening")
	if err := runServer(ctx, srv); err != nil {
		logger.Fatal().Err(err).Msg("server error")
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
