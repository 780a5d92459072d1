package app

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/keyauth"
	u "pdfpress/internal/utils"
)

func TestTokenRateLimitMiddleware(t *testing.T) {
	token := "test-token"
	limit := 2

	u.LoadTokensFromMap(map[string]int{token: limit})

	u.AppConfig.RateLimiter.Interval = time.Hour

	limiterStore = newMemStore()
	tokenLimiters.Lock()
	tokenLimiters.byLimit = nil
	tokenLimiters.Unlock()

	app := fiber.New()
	app.Use(keyauth.New(keyauth.Config{
		KeyLookup:  "header:X-API-Key",
		ContextKey: "api_key",
		Validator: func(c *fiber.Ctx, key string) (bool, error) {
			return u.ValidateToken(key), nil
		},
	}))
	app.Use(tokenRateLimit())
	app.Get("/", func(c *fiber.Ctx) error { return c.SendString("ok") })

	makeReq := func() *http.Request {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("X-API-Key", token)
		return req
	}

	for i := 0; i < limit; i++ {
		resp, err := app.Test(makeReq(), -1)
		if err != nil {
			t.Fatalf("request %d failed: %v", i+1, err)
		}
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("expected 200 but got %d", resp.StatusCode)
		}
	}

	resp, err := app.Test(makeReq(), -1)
	if err != nil {
		t.Fatalf("exceed request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusTooManyRequests {
		t.Fatalf("expected 429 but got %d", resp.StatusCode)
	}
}

func TestTokenLimitOverridesUserLimit(t *testing.T) {
	token := "priority-token"

	u.LoadTokensFromMap(map[string]int{token: 5})
	u.AppConfig.RateLimiter.Interval = time.Hour

	cfg := u.Config{}
	cfg.RateLimiter.EnableUserLimiter = true
	cfg.RateLimiter.UserLimit = 1
	cfg.RateLimiter.Interval = time.Hour

	limiterStore = newMemStore()
	tokenLimiters.Lock()
	tokenLimiters.byLimit = nil
	tokenLimiters.Unlock()

	app := fiber.New()
	app.Use(keyauth.New(keyauth.Config{
		KeyLookup:  "header:X-API-Key",
		ContextKey: "api_key",
		Validator: func(c *fiber.Ctx, key string) (bool, error) {
			return u.ValidateToken(key), nil
		},
		Next: func(c *fiber.Ctx) bool {
			return c.Get("X-API-Key") == ""
		},
	}))
	app.Use(tokenRateLimit())
	app.Use(clientRateLimit(cfg))
	app.Get("/", func(c *fiber.Ctx) error { return c.SendString("ok") })

	// The user limit of 1 would block the second request, but the token-based
	// limit of 5 applies instead for authenticated requests.
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("X-API-Key", token)
		req.Header.Set("User-Agent", "same-agent")
		req.RemoteAddr = "9.8.7.6:1234"
		resp, err := app.Test(req, -1)
		if err != nil {
			t.Fatalf("request %d failed: %v", i+1, err)
		}
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("expected 200 for token-authenticated request %d, got %d", i+1, resp.StatusCode)
		}
	}
}
