package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"time"

	"github.com/chaos-io/bgremover/config"
	"github.com/chaos-io/bgremover/handler"
	"github.com/chaos-io/bgremover/rembg"
	"github.com/chaos-io/bgremover/service"
	"github.com/chaos-io/bgremover/store"
	"github.com/chaos-io/bgremover/util"
	"go.uber.org/zap"
)

func runServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "config.yaml", "path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	// 加载配置
	cfg := config.New(*configPath)

	// 初始化日志
	if err := util.InitLogger(cfg.Server.Mode); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer util.Sync()

	util.Logger.Info("starting bgremover server",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
		zap.String("git_branch", GitBranch),
		zap.String("rembg_backend", cfg.RemBG.Backend),
		zap.String("cache_backend", cfg.Cache.Backend))

	remover, err := rembg.New(ctx, &cfg.RemBG)
	if err != nil {
		return fmt.Errorf("failed to create rembg backend: %w", err)
	}

	st, err := store.New(ctx, &cfg.Cache)
	if err != nil {
		return fmt.Errorf("failed to create result store: %w", err)
	}
	defer st.Close()

	svc := service.NewRemovalService(cfg, remover, st)
	router := handler.NewRouter(cfg, svc, handler.BuildInfo{
		Version:   Version,
		BuildTime: BuildTime,
		GitCommit: GitCommit,
		GitBranch: GitBranch,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		util.Logger.Info("server starting", zap.String("port", cfg.Server.Port))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	util.Logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
