package gs

import (
	"context"
	"errors"
	"testing"
	"time"

	u "pdfpress/internal/utils"
)

func testConfig(poolSize int) u.Config {
	var cfg u.Config
	cfg.PDF.PoolSize = poolSize
	cfg.PDF.TimeoutSecs = 1
	return cfg
}

func TestPoolAcquireReleaseAndClose(t *testing.T) {
	p := &Pool{sem: make(chan struct{}, 1), bin: "/bin/true"}
	p.sem <- struct{}{}

	w, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("expected acquire success, got %v", err)
	}
	if w == nil || w.Bin != "/bin/true" {
		t.Fatalf("expected worker carrying binary path, got %+v", w)
	}
	if len(p.sem) != 0 {
		t.Fatalf("expected token consumed after acquire")
	}

	p.Release(w, nil)
	if len(p.sem) != 1 {
		t.Fatalf("expected token returned after release")
	}

	p.closed = true
	if _, err := p.Acquire(context.Background()); err == nil {
		t.Fatalf("expected acquire to fail when pool is closed")
	}
}

func TestPoolAcquireContextCanceled(t *testing.T) {
	p := &Pool{sem: make(chan struct{}, 1)}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Acquire(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
}

func TestPoolAcquireTimesOutWhenNoCapacity(t *testing.T) {
	p := &Pool{sem: make(chan struct{}, 1)}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := p.Acquire(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected acquire deadline exceeded, got %v", err)
	}
}

func TestPoolStatsAndClose(t *testing.T) {
	p := &Pool{sem: make(chan struct{}, 2), cfg: testConfig(2), bin: "/bin/true"}
	p.sem <- struct{}{}
	p.sem <- struct{}{}

	st := p.Stats(1)
	if !st.Enabled || st.Capacity != 2 || st.Idle != 2 || st.InUse != 0 {
		t.Fatalf("unexpected stats before acquire: %+v", st)
	}

	w, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	st = p.Stats(1)
	if st.InUse != 1 {
		t.Fatalf("expected one in use, got %+v", st)
	}
	p.Release(w, nil)

	p.Close()
	p.Close() // idempotent
	st = p.Stats(1)
	if st.Enabled {
		t.Fatalf("expected stats disabled after close: %+v", st)
	}
}

func TestPoolRestartClosed(t *testing.T) {
	p := &Pool{closed: true}
	if err := p.Restart(); err == nil {
		t.Fatalf("expected restart error when closed")
	}
}

func TestNewPool_Disabled(t *testing.T) {
	_, err := NewPool(testConfig(0))
	if err == nil {
		t.Fatalf("expected disabled pool error")
	}
}

func TestNewPool_MissingBinary(t *testing.T) {
	cfg := testConfig(1)
	cfg.PDF.GhostscriptPath = "/definitely/missing/gs"
	t.Setenv("GHOSTSCRIPT_PATH", "/also/definitely/missing/gs")

	if _, err := NewPool(cfg); err == nil {
		t.Fatalf("expected pool init failure for missing binary")
	}
}

func TestNewPool_WithStubBinary(t *testing.T) {
	stub := writeStubGS(t)
	t.Setenv("GHOSTSCRIPT_PATH", "")

	cfg := testConfig(1)
	cfg.PDF.GhostscriptPath = stub

	p, err := NewPool(cfg)
	if err != nil {
		t.Fatalf("expected pool init success with stub binary, got %v", err)
	}
	if p == nil {
		t.Fatalf("expected non-nil pool")
	}
	w, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire should work: %v", err)
	}
	if w.Bin != stub {
		t.Fatalf("expected worker bound to stub binary, got %q", w.Bin)
	}
	p.Release(w, nil)
	p.Close()
}

func TestPoolRestart_Success(t *testing.T) {
	stub := writeStubGS(t)
	t.Setenv("GHOSTSCRIPT_PATH", "")

	cfg := testConfig(1)
	cfg.PDF.GhostscriptPath = stub

	p := &Pool{cfg: cfg, sem: make(chan struct{}, 1), bin: stub}
	p.sem <- struct{}{}

	if err := p.Restart(); err != nil {
		t.Fatalf("expected restart success, got %v", err)
	}
	if p.Stats(1).Restarts < 1 {
		t.Fatalf("expected restart counter increment")
	}
	p.Close()
}
