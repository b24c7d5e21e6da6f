package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/taskforge/execcore/internal/attempt"
	"github.com/taskforge/execcore/internal/cli"
	"github.com/taskforge/execcore/internal/config"
	"github.com/taskforge/execcore/internal/crypto"
	"github.com/taskforge/execcore/internal/executor"
	"github.com/taskforge/execcore/internal/keys"
	"github.com/taskforge/execcore/internal/logger"
	"github.com/taskforge/execcore/internal/monitor"
	"github.com/taskforge/execcore/internal/pr"
	"github.com/taskforge/execcore/internal/process"
	"github.com/taskforge/execcore/internal/server"
	"github.com/taskforge/execcore/internal/store"
)

var version = "dev"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Println("codeforge", version)
		return
	}

	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := os.Getenv("CODEFORGE_CONFIG")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log := logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting codeforge", "version", version)

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	if err := os.MkdirAll(cfg.Workspace.Root, 0o755); err != nil {
		return fmt.Errorf("creating workspace root: %w", err)
	}

	cryptoSvc, err := crypto.NewService(cfg.Encryption.Key)
	if err != nil {
		return fmt.Errorf("initializing crypto: %w", err)
	}

	registry := executor.NewDefaultRegistry(cfg.Executor.Binaries)
	runner := process.NewRunner(log)

	orch := attempt.New(st, registry, runner, attempt.Config{
		WorkspaceRoot: cfg.Workspace.Root,
		BranchPrefix:  cfg.Git.BranchPrefix,
		KillGrace:     cfg.Monitor.KillGraceLimit,
		CommitAuthor:  cfg.Git.CommitAuthor,
		CommitEmail:   cfg.Git.CommitEmail,
	}, log)

	mon := monitor.New(st, runner, orch, monitor.Config{
		PollInterval: cfg.Monitor.PollInterval,
	}, log)

	keyRegistry := keys.NewRegistry(st, cryptoSvc)
	resolver := keys.NewResolver(keyRegistry, cfg.Git.ProviderDomains)
	analyzer := cli.NewAnalyzer(os.Getenv("ANTHROPIC_API_KEY"))
	prService := pr.New(st, resolver, analyzer, pr.Config{
		CommitAuthor: cfg.Git.CommitAuthor,
		CommitEmail:  cfg.Git.CommitEmail,
	})

	srv := server.New(server.Config{
		ListenAddr:  cfg.Operator.ListenAddr,
		BearerToken: cfg.Operator.BearerToken,
		Version:     version,
	}, st, orch, prService)

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	go mon.Run(appCtx)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	slog.Info("shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}
	appCancel()

	slog.Info("shutdown complete")
	return nil
}
