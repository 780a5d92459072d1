package main

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	u "pdfpress/internal/utils"
)

func TestStartServer_GracefulShutdownOnSignal(t *testing.T) {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	var cfg u.Config
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = ":0"

	idleConnsClosed := make(chan struct{})
	go startServer(app, cfg, idleConnsClosed)

	time.Sleep(100 * time.Millisecond)
	if err := syscall.Kill(syscall.Getpid(), syscall.SIGTERM); err != nil {
		t.Fatalf("failed to send SIGTERM: %v", err)
	}

	select {
	case <-idleConnsClosed:
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for graceful shutdown")
	}
}

func TestMain_UsesConfigAndShutsDown(t *testing.T) {
	tmp := t.TempDir()
	cfgPath := filepath.Join(tmp, "cfg.yaml")
	err := os.WriteFile(cfgPath, []byte(`
server:
  host: "127.0.0.1"
  port: ":0"
  prefork: false
limits:
  max_upload_bytes: 1048576
  max_pdf_bytes: 1048576
logger:
  file: "`+filepath.Join(tmp, `pdfpress.log`)+`"
  level: "info"
  max_size_mb: 1
  max_backups: 1
  max_age_days: 1
  compress: false
cache:
  pdf_cache_enabled: false
  pdf_cache_ttl: 1m
  redis_host: "127.0.0.1:1"
  redis_rate_db: 0
  redis_pdf_db: 1
pdf:
  default_level: "screen"
  default_resolution: 72
  timeout_secs: 1
  pool_size: 0
  allow_missing_ghostscript: false
uploads:
  dir: "`+filepath.Join(tmp, `pdf_uploads`)+`"
`), 0o644)
	if err != nil {
		t.Fatalf("write cfg: %v", err)
	}

	t.Setenv("CONFIG_PATH", cfgPath)
	t.Setenv("GHOSTSCRIPT_PATH", "/bin/true")

	done := make(chan struct{})
	go func() {
		main()
		close(done)
	}()

	time.Sleep(200 * time.Millisecond)
	if err := syscall.Kill(syscall.Getpid(), syscall.SIGTERM); err != nil {
		t.Fatalf("signal main: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for main to exit")
	}
}

func TestMain_ExitsWhenGhostscriptMissing(t *testing.T) {
	tmp := t.TempDir()
	cfgPath := filepath.Join(tmp, "cfg.yaml")
	err := os.WriteFile(cfgPath, []byte(`
server:
  host: "127.0.0.1"
  port: ":0"
logger:
  file: "`+filepath.Join(tmp, `pdfpress.log`)+`"
  level: "error"
uploads:
  dir: "`+filepath.Join(tmp, `pdf_uploads`)+`"
`), 0o644)
	if err != nil {
		t.Fatalf("write cfg: %v", err)
	}

	t.Setenv("CONFIG_PATH", cfgPath)
	t.Setenv("GHOSTSCRIPT_PATH", filepath.Join(tmp, "missing-gs"))

	exitCode := -1
	origExit := osExit
	osExit = func(code int) { exitCode = code }
	defer func() { osExit = origExit }()

	main()

	if exitCode != 1 {
		t.Fatalf("expected exit code 1 for missing ghostscript, got %d", exitCode)
	}
}
