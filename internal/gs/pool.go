package gs

import (
	"context"
	"errors"
	"sync"
	"time"

	u "pdfpress/internal/utils"
)

// ErrBusy reports that no worker slot could be obtained: the pool is
// saturated or shutting down. Distinct from a slow compression run so callers
// can signal back-pressure instead of a timeout.
var ErrBusy = errors.New("no ghostscript worker available")

// Worker is a slot in the compression pool. It carries the binary path so a
// pool restart (which may re-resolve the path) does not affect in-flight runs.
type Worker struct {
	Bin string
}

// Pool bounds the number of concurrent Ghostscript processes with a semaphore.
// Unlike a browser pool there is no long-lived process to manage; the token is
// the resource.
type Pool struct {
	mu  sync.Mutex
	cfg u.Config
	sem chan struct{}

	bin     string
	version string
	closed  bool

	restarts    int
	lastRestart time.Time
}

// Stats is a point-in-time snapshot of pool state for the stats endpoint.
type Stats struct {
	Enabled      bool
	Capacity     int
	Idle         int
	InUse        int
	PoolSizeConf int
	BinPath      string
	Version      string
	Restarts     int
	LastRestart  time.Time
}

// NewPool creates a pool of cfg.PDF.PoolSize workers. The binary is resolved
// and version-checked once up front so a misconfigured path fails fast.
func NewPool(cfg u.Config) (*Pool, error) {
	if cfg.PDF.PoolSize <= 0 {
		return nil, errors.New("gs pool disabled: pool_size must be positive")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	bin, version, err := VerifyInstall(ctx, cfg.PDF.GhostscriptPath)
	if err != nil {
		return nil, err
	}

	p := &Pool{
		cfg:     cfg,
		sem:     make(chan struct{}, cfg.PDF.PoolSize),
		bin:     bin,
		version: version,
	}
	for i := 0; i < cfg.PDF.PoolSize; i++ {
		p.sem <- struct{}{}
	}
	u.Info("Ghostscript pool ready", "size", cfg.PDF.PoolSize, "bin", bin, "version", version)
	return p, nil
}

// Acquire blocks until a worker slot is free or the context ends.
func (p *Pool) Acquire(ctx context.Context) (*Worker, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errors.New("gs pool is closed")
	}
	bin := p.bin
	p.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.sem:
		return &Worker{Bin: bin}, nil
	}
}

// Release returns a worker slot. The error from the run is accepted so the
// call sites mirror Acquire/Release pairs; a failed run does not poison the
// slot because each run is its own process.
func (p *Pool) Release(w *Worker, runErr error) {
	if w == nil {
		return
	}
	if runErr != nil && IsInterrupted(runErr) {
		u.Debug("Worker released after interrupted run", "error", runErr.Error())
	}
	select {
	case p.sem <- struct{}{}:
	default:
	}
}

// Restart re-resolves the binary and bumps the restart counter. Used after
// interrupted runs in case the install changed underneath us.
func (p *Pool) Restart() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("gs pool is closed")
	}

	bin, err := LocateBinary(p.cfg.PDF.GhostscriptPath)
	if err != nil {
		return err
	}
	p.bin = bin
	p.restarts++
	p.lastRestart = time.Now()
	u.Warn("Ghostscript pool restarted", "bin", bin, "restarts", p.restarts)
	return nil
}

// Close marks the pool closed. Idempotent. In-flight runs finish on their own.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

// Stats returns a snapshot of the pool. timeoutSecs is passed through so the
// stats endpoint shows the effective per-run timeout.
func (p *Pool) Stats(timeoutSecs int) Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return Stats{PoolSizeConf: p.cfg.PDF.PoolSize}
	}

	capacity := cap(p.sem)
	idle := len(p.sem)
	return Stats{
		Enabled:      true,
		Capacity:     capacity,
		Idle:         idle,
		InUse:        capacity - idle,
		PoolSizeConf: p.cfg.PDF.PoolSize,
		BinPath:      p.bin,
		Version:      p.version,
		Restarts:     p.restarts,
		LastRestart:  p.lastRestart,
	}
}
