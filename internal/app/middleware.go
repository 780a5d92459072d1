package app

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"

	u "pdfpress/internal/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/healthcheck"
	"github.com/gofiber/fiber/v2/middleware/keyauth"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	memoryStorage "github.com/gofiber/storage/memory/v2"
	redisStorage "github.com/gofiber/storage/redis/v2"
	"github.com/rs/xid"
)

var (
	limiterStore fiber.Storage

	tokenLimiters struct {
		sync.RWMutex
		byLimit map[int]fiber.Handler
	}
)

// RegisterMiddleware attaches global middleware to the app
func RegisterMiddleware(app *fiber.App, cfg u.Config) {
	limiterStore = newLimiterStore(cfg)

	app.Use(cors.New())

	app.Use(requestid.New(requestid.Config{
		Generator: func() string {
			return xid.New().String()
		},
	}))

	app.Use(healthcheck.New())

	app.Use(apiKeyAuth())
	app.Use(tokenRateLimit())

	if cfg.RateLimiter.EnableUserLimiter || cfg.RateLimiter.UserLimit > 0 {
		app.Use(clientRateLimit(cfg))
	}

	app.Use(func(c *fiber.Ctx) error {
		requestID := c.Get("X-Request-ID")
		if requestID == "" {
			requestID = c.GetRespHeader("X-Request-ID")
		}
		u.Info("Incoming request", "method", c.Method(), "path", c.Path(), "request_id", requestID)
		return c.Next()
	})
}

// newLimiterStore prefers Redis so limits survive restarts and are shared
// between instances; an unreachable Redis falls back to process-local memory.
func newLimiterStore(cfg u.Config) fiber.Storage {
	store := fiber.Storage(memoryStorage.New())
	func() {
		defer func() {
			if r := recover(); r != nil {
				u.Error("Redis limiter store unavailable, using in-memory limits", "panic", r)
			}
		}()
		store = redisStorage.New(redisStorage.Config{
			Addrs:    []string{cfg.Cache.RedisHost},
			Database: cfg.Cache.RateLimitDB,
		})
		u.Info("Rate limiting backed by Redis", "addr", cfg.Cache.RedisHost, "db", cfg.Cache.RateLimitDB)
	}()
	return store
}

// apiKeyAuth validates X-API-Key against the Postgres-loaded token cache.
// Keyless requests pass through; the compression API is open by default and
// tokens exist to grant individual rate limits.
func apiKeyAuth() fiber.Handler {
	return keyauth.New(keyauth.Config{
		KeyLookup:  "header:X-API-Key",
		ContextKey: "api_key",
		Validator: func(c *fiber.Ctx, key string) (bool, error) {
			// Distinguish "token store not loaded yet" from a bad key so
			// clients retry instead of discarding their credentials.
			if !u.TokensReady() {
				return false, u.ErrTokenStoreNotReady
			}
			if !u.ValidateToken(key) {
				return false, u.ErrInvalidAPIKey
			}
			return true, nil
		},
		Next: func(c *fiber.Ctx) bool {
			return c.Method() == fiber.MethodOptions || c.Get("X-API-Key") == ""
		},
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			// Keyauth can call ErrorHandler with a nil error.
			status := fiber.StatusUnauthorized
			msg := "Invalid API key"
			if err == nil {
				err = fiber.ErrUnauthorized
			}
			if errors.Is(err, u.ErrTokenStoreNotReady) {
				status = fiber.StatusServiceUnavailable
				msg = "API token store is not loaded yet"
			}
			u.Warn("API key rejected", "path", c.Path(), "status", status, "reason", err.Error())
			return c.Status(status).JSON(fiber.Map{
				"error": fiber.Map{
					"code":    status,
					"message": msg,
				},
			})
		},
	})
}

// tokenRateLimit applies the per-token limit from the api_tokens table. A
// limit of zero leaves the token unthrottled.
func tokenRateLimit() fiber.Handler {
	return func(c *fiber.Ctx) error {
		token, ok := c.Locals("api_key").(string)
		if !ok || token == "" {
			return c.Next()
		}
		limit := u.GetRateLimit(token)
		if limit == 0 {
			return c.Next()
		}
		return limiterForTokenLimit(limit)(c)
	}
}

// limiterForTokenLimit returns a cached sliding-window limiter for the given
// per-token limit, creating one on first use.
func limiterForTokenLimit(limit int) fiber.Handler {
	tokenLimiters.RLock()
	h, ok := tokenLimiters.byLimit[limit]
	tokenLimiters.RUnlock()
	if ok {
		return h
	}

	appCfg := u.GetConfig()
	h = limiter.New(limiter.Config{
		Max:               limit,
		Expiration:        appCfg.RateLimiter.Interval,
		LimiterMiddleware: limiter.SlidingWindow{},
		Storage:           limiterStore,
		KeyGenerator: func(c *fiber.Ctx) string {
			token, _ := c.Locals("api_key").(string)
			return "rl:token:" + token
		},
		LimitReached: func(c *fiber.Ctx) error {
			token, _ := c.Locals("api_key").(string)
			u.Warn("Token rate limit hit", "token", token, "limit", limit, "path", c.Path())
			return rateLimited(c)
		},
	})

	tokenLimiters.Lock()
	if tokenLimiters.byLimit == nil {
		tokenLimiters.byLimit = make(map[int]fiber.Handler)
	}
	tokenLimiters.byLimit[limit] = h
	tokenLimiters.Unlock()

	return h
}

// clientRateLimit throttles anonymous clients by a hash of their address and
// user agent. Token-authenticated requests are exempt; those are throttled by
// tokenRateLimit instead.
func clientRateLimit(cfg u.Config) fiber.Handler {
	if cfg.RateLimiter.UserLimit <= 0 {
		return func(c *fiber.Ctx) error {
			return c.Next()
		}
	}

	clientKey := func(c *fiber.Ctx) string {
		sum := sha256.Sum256([]byte(c.IP() + c.Get("User-Agent")))
		return "rl:client:" + hex.EncodeToString(sum[:])
	}

	anon := limiter.New(limiter.Config{
		Max:               cfg.RateLimiter.UserLimit,
		Expiration:        cfg.RateLimiter.Interval,
		LimiterMiddleware: limiter.SlidingWindow{},
		Storage:           limiterStore,
		KeyGenerator:      clientKey,
		LimitReached: func(c *fiber.Ctx) error {
			u.Warn("Client rate limit hit", "client", clientKey(c), "path", c.Path())
			return rateLimited(c)
		},
	})

	return func(c *fiber.Ctx) error {
		if token, ok := c.Locals("api_key").(string); ok && token != "" {
			return c.Next()
		}
		return anon(c)
	}
}

func rateLimited(c *fiber.Ctx) error {
	return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    fiber.StatusTooManyRequests,
			"message": "Too Many Requests",
		},
	})
}
