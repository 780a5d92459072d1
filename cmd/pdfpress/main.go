package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"pdfpress/internal/app"
	"pdfpress/internal/gs"
	"pdfpress/internal/store"
	u "pdfpress/internal/utils"
)

// osExit is swapped in tests.
var osExit = os.Exit

func main() {
	cfg := u.LoadConfig()
	u.InitLogger(
		cfg.Logger.File,
		cfg.Logger.MaxSizeMB,
		cfg.Logger.MaxBackups,
		cfg.Logger.MaxAgeDays,
		cfg.Logger.Compress,
		cfg.Logger.Level,
	)
	u.SetLogLevel(cfg.Logger.Level)

	// The deployment contract requires a working Ghostscript install before
	// the service accepts traffic, mirroring the image build's version gate.
	verifyCtx, verifyCancel := context.WithTimeout(context.Background(), 10*time.Second)
	bin, version, err := gs.VerifyInstall(verifyCtx, cfg.PDF.GhostscriptPath)
	verifyCancel()
	if err != nil {
		if !cfg.PDF.AllowMissingGhostscript {
			u.Error("Ghostscript verification failed", "error", err)
			osExit(1)
			return
		}
		u.Warn("Ghostscript unavailable, compression requests will fail", "error", err)
	} else {
		u.Info("Ghostscript verified", "bin", bin, "version", version)
	}

	uploads, err := store.New(cfg.Uploads.Dir)
	if err != nil {
		u.Error("Cannot provision upload directory", "dir", cfg.Uploads.Dir, "error", err)
		osExit(1)
		return
	}
	u.Info("Upload directory ready", "dir", uploads.Dir())

	rdb := redis.NewClient(&redis.Options{
		Addr: cfg.Cache.RedisHost,
		DB:   cfg.Cache.PDFCacheDB,
	})

	idleConnsClosed := make(chan struct{})
	if err := u.LoadTokensFromPostgres(cfg.Auth.Postgres); err != nil {
		u.Error("Failed to load API tokens", "error", err)
	}
	go u.RefreshTokensPeriodicallyFromPostgres(cfg.Auth.Postgres, time.Minute, idleConnsClosed)

	fiberApp, svc := app.SetupApp(cfg, rdb, uploads)

	startServer(fiberApp, cfg, idleConnsClosed)
	<-idleConnsClosed
	svc.Close()
}

// startServer starts the Fiber app and listens for shutdown signals
func startServer(app *fiber.App, cfg u.Config, idleConnsClosed chan struct{}) {
	go func() {
		if err := app.Listen(cfg.Server.Host + cfg.Server.Port); err != nil {
			u.Error("Server error", "error", err)
		}
	}()

	// Listen for OS termination signals
	sigint := make(chan os.Signal, 1)
	signal.Notify(sigint, syscall.SIGINT, syscall.SIGTERM)
	<-sigint

	u.Warn("Shutdown signal received, closing server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		u.Error("Server forced to shutdown", "error", err)
	}

	close(idleConnsClosed)
	u.Info("Server stopped cleanly")
}
