package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"pdfpress/internal/gs"
	"pdfpress/internal/store"
	u "pdfpress/internal/utils"
)

// CompressParams holds validated input parameters for a compression run.
type CompressParams struct {
	Level      string
	Resolution int
	Filename   string
}

// CompressService bundles configuration and dependencies for PDF compression.
type CompressService struct {
	Config *u.Config
	Redis  *redis.Client
	Store  *store.Store

	poolMu sync.Mutex
	pool   *gs.Pool
}

// NewCompressService creates a new CompressService instance.
func NewCompressService(cfg u.Config, rdb *redis.Client, st *store.Store) *CompressService {
	return &CompressService{
		Config: &cfg, // convert value to pointer
		Redis:  rdb,
		Store:  st,
	}
}

func (svc *CompressService) getPool() (*gs.Pool, error) {
	svc.poolMu.Lock()
	defer svc.poolMu.Unlock()

	if svc.Config.PDF.PoolSize <= 0 {
		return nil, nil
	}
	if svc.pool != nil {
		return svc.pool, nil
	}
	pool, err := gs.NewPool(*svc.Config)
	if err != nil {
		return nil, err
	}
	svc.pool = pool
	return svc.pool, nil
}

// Close releases the Ghostscript pool. In-flight runs finish on their own;
// new acquisitions fail afterwards.
func (svc *CompressService) Close() {
	svc.poolMu.Lock()
	defer svc.poolMu.Unlock()
	if svc.pool != nil {
		svc.pool.Close()
	}
}

// HandleInfo answers the service root. This is also the liveness probe
// target, so it must stay cheap and dependency-free.
func (svc *CompressService) HandleInfo(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"message": "PDF Compression API",
		"endpoints": fiber.Map{
			"chunk":    "/pdf/chunk",
			"compress": "/pdf/compress",
			"assemble": "/pdf/compress/{fileName}",
			"stats":    "/gs/stats",
		},
	})
}

// HandleChunkUpload stores one chunk of a chunked PDF upload.
func (svc *CompressService) HandleChunkUpload(c *fiber.Ctx) error {
	fileHeader, err := c.FormFile("chunk")
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Missing chunk file part")
	}

	index, err := strconv.Atoi(c.FormValue("chunkIndex"))
	if err != nil || index < 0 {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid chunkIndex: must be a non-negative integer")
	}
	total, err := strconv.Atoi(c.FormValue("totalChunks"))
	if err != nil || total < 1 {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid totalChunks: must be a positive integer")
	}
	if index >= total {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid chunkIndex: must be smaller than totalChunks")
	}

	fileName := c.FormValue("fileName")
	if !store.ValidFileName(fileName) {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid fileName: must be a plain .pdf name")
	}

	f, err := fileHeader.Open()
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "Cannot read chunk: "+err.Error())
	}
	defer f.Close()

	written, err := svc.Store.SaveChunk(fileName, index, f)
	if err != nil {
		u.Error("Chunk save failed", "file", fileName, "chunk", index, "error", err.Error())
		return fiber.NewError(fiber.StatusInternalServerError, "Cannot save chunk: "+err.Error())
	}

	received, err := svc.Store.ChunksReceived(fileName)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "Cannot count chunks: "+err.Error())
	}

	progress := float64(received) / float64(total) * 100
	u.Info("Chunk stored", "file", fileName, "chunk", index, "received", received,
		"total", total, "bytes", written, "request_id", c.Get("X-Request-ID"))

	return c.JSON(fiber.Map{
		"success":        true,
		"chunksReceived": received,
		"totalChunks":    total,
		"progress":       fmt.Sprintf("%.1f%%", progress),
		"chunkSize":      fmt.Sprintf("%.2fKB", float64(written)/1024),
	})
}

// HandleCompressUploaded assembles a previously chunk-uploaded file,
// compresses it, and streams the result back. The per-file upload directory
// is removed afterwards, success or not.
func (svc *CompressService) HandleCompressUploaded(c *fiber.Ctx) error {
	fileName := c.Params("filename")
	if !store.ValidFileName(fileName) {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid fileName: must be a plain .pdf name")
	}
	if !svc.Store.HasChunks(fileName) {
		return fiber.NewError(fiber.StatusNotFound, "No uploaded chunks for "+fileName)
	}

	params, err := validateCompressParams(c, *svc.Config, fileName)
	if err != nil {
		return err
	}

	defer func() {
		if err := svc.Store.Cleanup(fileName); err != nil {
			u.Warn("Upload cleanup failed", "file", fileName, "error", err.Error())
		}
	}()

	assembledPath, assembledSize, err := svc.Store.Assemble(fileName)
	if err != nil {
		if errors.Is(err, store.ErrNoChunks) {
			return fiber.NewError(fiber.StatusNotFound, "No uploaded chunks for "+fileName)
		}
		u.Error("Chunk assembly failed", "file", fileName, "error", err.Error())
		return fiber.NewError(fiber.StatusInternalServerError, "Cannot assemble chunks: "+err.Error())
	}
	u.Info("Chunks assembled", "file", fileName, "bytes", assembledSize)

	input, err := os.ReadFile(assembledPath)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "Cannot read assembled file: "+err.Error())
	}

	return svc.processCompression(c, input, params)
}

// HandleCompressDirect compresses a single multipart-uploaded PDF without the
// chunk protocol.
func (svc *CompressService) HandleCompressDirect(c *fiber.Ctx) error {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Missing file part")
	}

	fileName := fileHeader.Filename
	if fileName == "" || !store.ValidFileName(fileName) {
		fileName = "upload.pdf"
	}

	params, err := validateCompressParams(c, *svc.Config, fileName)
	if err != nil {
		return err
	}

	f, err := fileHeader.Open()
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "Cannot read upload: "+err.Error())
	}
	input, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "Cannot read upload: "+err.Error())
	}
	if len(input) == 0 {
		return fiber.NewError(fiber.StatusBadRequest, "Uploaded file is empty")
	}

	return svc.processCompression(c, input, params)
}

// processCompression handles caching and the Ghostscript run.
func (svc *CompressService) processCompression(c *fiber.Ctx, input []byte, params *CompressParams) error {
	cacheKey := computeCacheKey(input, params)
	attachment := "compressed_" + params.Filename

	// Try to serve from Redis cache
	if svc.Redis != nil && svc.Config.Cache.PDFCacheEnabled {
		if cached, err := getCachedPDF(c, svc.Redis, cacheKey, attachment); err == nil && cached != nil {
			return c.Send(cached)
		}
	}

	output, err := svc.compress(input, params)
	if err != nil {
		if errors.Is(err, gs.ErrBusy) {
			u.Warn("Compression pool saturated", "error", err.Error())
			return fiber.NewError(fiber.StatusServiceUnavailable, "All compression workers are busy, retry later")
		}
		if errors.Is(err, context.DeadlineExceeded) {
			u.Error("Compression timeout", "timeout_secs", svc.Config.PDF.TimeoutSecs, "error", err.Error())
			return fiber.NewError(fiber.StatusRequestTimeout, "PDF compression took too long")
		}
		if errors.Is(err, gs.ErrNotInstalled) {
			u.Error("Ghostscript unavailable", "error", err.Error())
			return fiber.NewError(fiber.StatusServiceUnavailable, "Ghostscript is not available")
		}
		if gs.IsInterrupted(err) {
			u.Error("Ghostscript run interrupted", "error", err.Error())
			return fiber.NewError(fiber.StatusServiceUnavailable, "Compression interrupted")
		}
		u.Error("Compression failed", "error", err.Error())
		return fiber.NewError(fiber.StatusInternalServerError, "PDF compression failed: "+err.Error())
	}

	if len(output) > svc.Config.Limits.MaxPDFBytes {
		return fiber.NewError(fiber.StatusRequestEntityTooLarge, "PDF exceeds allowed size")
	}

	// Cache result
	if svc.Redis != nil && svc.Config.Cache.PDFCacheEnabled {
		setCachedPDF(c, svc.Redis, cacheKey, output, svc.Config.Cache.PDFCacheTTL)
	}

	ratio := 0.0
	if len(input) > 0 {
		ratio = (1 - float64(len(output))/float64(len(input))) * 100
	}
	u.Info("PDF compressed", "filename", params.Filename, "level", params.Level,
		"input_bytes", len(input), "output_bytes", len(output),
		"ratio_pct", fmt.Sprintf("%.2f", ratio), "request_id", c.Get("X-Request-ID"))

	c.Set("Content-Type", "application/pdf")
	c.Set("Content-Disposition", "attachment; filename="+attachment)
	return c.Send(output)
}

func (svc *CompressService) compress(input []byte, params *CompressParams) ([]byte, error) {
	settings := gs.Settings{Level: params.Level, Resolution: params.Resolution}
	timeout := time.Duration(svc.Config.PDF.TimeoutSecs) * time.Second

	pool, err := svc.getPool()
	if err != nil {
		return nil, err
	}
	if pool == nil {
		// Pooling disabled: resolve the binary per request.
		bin, err := gs.LocateBinary(svc.Config.PDF.GhostscriptPath)
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return gs.Compress(ctx, bin, input, settings)
	}

	acquireTimeout := time.Duration(svc.Config.PDF.AcquireTimeoutSecs) * time.Second
	if acquireTimeout <= 0 {
		acquireTimeout = 5 * time.Second
	}

	runOnce := func() ([]byte, error) {
		acquireCtx, acquireCancel := context.WithTimeout(context.Background(), acquireTimeout)
		defer acquireCancel()

		worker, err := pool.Acquire(acquireCtx)
		if err != nil {
			// A full (or closing) pool is back-pressure, not a slow document.
			return nil, fmt.Errorf("%w: %v", gs.ErrBusy, err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		output, runErr := gs.Compress(ctx, worker.Bin, input, settings)
		cancel()

		pool.Release(worker, runErr)
		return output, runErr
	}

	output, runErr := runOnce()
	if runErr != nil && gs.IsInterrupted(runErr) && !errors.Is(runErr, context.DeadlineExceeded) {
		u.Warn("Ghostscript run interrupted; restarting pool and retrying once", "error", runErr)
		_ = pool.Restart()
		return runOnce()
	}

	return output, runErr
}

// validateCompressParams validates the compression query parameters.
func validateCompressParams(c *fiber.Ctx, cfg u.Config, fileName string) (*CompressParams, error) {
	// Unknown levels intentionally degrade to the default instead of
	// erroring; clients have relied on that since the first release.
	level := c.Query("level", cfg.PDF.DefaultLevel)
	level = gs.NormalizeLevel(level)

	resolution := cfg.PDF.DefaultResolution
	if resolution <= 0 {
		resolution = 72
	}
	if resStr := c.Query("resolution"); resStr != "" {
		r, err := strconv.Atoi(resStr)
		if err != nil || r < 16 || r > 600 {
			return nil, fiber.NewError(fiber.StatusBadRequest, "Invalid resolution: must be an integer between 16 and 600")
		}
		resolution = r
	}

	return &CompressParams{
		Level:      level,
		Resolution: resolution,
		Filename:   fileName,
	}, nil
}

// computeCacheKey creates a SHA256-based cache key from the input bytes and
// compression settings.
func computeCacheKey(input []byte, params *CompressParams) string {
	h := sha256.New()
	h.Write(input)
	h.Write([]byte(params.Level))
	h.Write([]byte(strconv.Itoa(params.Resolution)))
	return "gscache:" + hex.EncodeToString(h.Sum(nil))
}

// getCachedPDF attempts to retrieve a cached compression result from Redis.
func getCachedPDF(c *fiber.Ctx, rdb *redis.Client, key, attachment string) ([]byte, error) {
	ctxRedis, cancel := context.WithTimeout(c.Context(), 1*time.Second)
	defer cancel()

	cached, err := rdb.Get(ctxRedis, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		u.Warn("Redis read failed", "error", err)
		return nil, err
	}

	u.Info("Compression cache hit", "key", key)
	c.Set("Content-Type", "application/pdf")
	c.Set("Content-Disposition", "attachment; filename="+attachment)
	return cached, nil
}

// setCachedPDF stores a compression result in Redis.
func setCachedPDF(c *fiber.Ctx, rdb *redis.Client, key string, data []byte, ttl time.Duration) {
	ctxRedis, cancel := context.WithTimeout(c.Context(), 1*time.Second)
	defer cancel()

	if ttl <= 0 {
		ttl = 1 * time.Minute
	}

	if err := rdb.Set(ctxRedis, key, data, ttl).Err(); err != nil {
		u.Warn("Redis write failed", "error", err)
	}
}

// HandleGSStats exposes basic observability for the Ghostscript pool.
func (svc *CompressService) HandleGSStats(c *fiber.Ctx) error {
	pool, err := svc.getPool()
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "Ghostscript pool init failed: "+err.Error())
	}

	// Pool disabled.
	if pool == nil {
		return c.JSON(fiber.Map{
			"enabled":        false,
			"capacity":       0,
			"idle":           0,
			"in_use":         0,
			"pool_size_conf": svc.Config.PDF.PoolSize,
			"bin_path":       "",
			"timeout_secs":   svc.Config.PDF.TimeoutSecs,
			"restarts":       0,
		})
	}

	s := pool.Stats(svc.Config.PDF.TimeoutSecs)
	return c.JSON(fiber.Map{
		"enabled":        s.Enabled,
		"capacity":       s.Capacity,
		"idle":           s.Idle,
		"in_use":         s.InUse,
		"pool_size_conf": s.PoolSizeConf,
		"bin_path":       s.BinPath,
		"version":        s.Version,
		"timeout_secs":   svc.Config.PDF.TimeoutSecs,
		"restarts":       s.Restarts,
		"last_restart":   s.LastRestart,
	})
}
