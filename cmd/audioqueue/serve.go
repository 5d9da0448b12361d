package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"audioqueue/internal/config"
	apphttp "audioqueue/internal/http"
	"audioqueue/internal/indexer"
	"audioqueue/internal/scheduler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the background jobs",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	secret := strings.TrimSpace(cfg.Auth.JWTSecret)
	if secret == "" && cfg.Auth.Mode == config.AuthLocal {
		secret, err = randomSecret()
		if err != nil {
			return err
		}
		logger.Warn("auth.jwtsecret is empty, using a random secret; sessions end on restart")
	}

	manager := scheduler.NewManager(scheduler.Config{
		Jobs:   buildJobs(a),
		Logger: logger,
	})
	if err := manager.Start(ctx); err != nil {
		return err
	}

	handlerCfg := apphttp.HandlerConfig{
		Torrents:   a.torrents,
		Users:      a.users,
		Candidates: a.candidates,
		Searcher: indexer.NewJackett(indexer.Config{
			URL:      cfg.Indexer.URL,
			APIKey:   cfg.Indexer.APIKey,
			Category: cfg.Indexer.Category,
			Timeout:  cfg.Client.Timeout,
			Logger:   logger,
		}),
		Auth: apphttp.AuthConfig{
			Mode:     cfg.Auth.Mode,
			Secret:   []byte(secret),
			TokenTTL: time.Duration(cfg.Auth.TokenTTLMinutes) * time.Minute,
		},
		Title:  cfg.Server.Title,
		Logger: logger,
	}
	if cfg.Import.Enabled {
		handlerCfg.Jobs = manager
	}

	if !debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	apphttp.NewHandler(handlerCfg).RegisterRoutes(router)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Infof("listening on %s (backend %s, auth %s)", cfg.Server.Addr, a.torrents.Backend(), cfg.Auth.Mode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			manager.Shutdown()
			return err
		}
	}
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("http shutdown: %v", err)
	}
	manager.Shutdown()

	logger.Info("bye")
	return nil
}
