package app

import (
	"pdfpress/internal/handlers"
	"pdfpress/internal/store"
	u "pdfpress/internal/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/redis/go-redis/v9"
)

// SetupApp creates and configures a new Fiber app instance. The returned
// service owns the Ghostscript pool; callers close it on shutdown.
func SetupApp(cfg u.Config, redis *redis.Client, uploads *store.Store) (*fiber.App, *handlers.CompressService) {
	app := fiber.New(fiber.Config{
		Prefork:               cfg.Server.Prefork,
		BodyLimit:             cfg.Limits.MaxUploadBytes,
		DisableStartupMessage: true,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			msg := "Internal Server Error"

			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
				msg = e.Message
			}

			u.Warn("Request failed", "path", c.Path(), "status", code, "message", msg)

			return c.Status(code).JSON(fiber.Map{
				"error": fiber.Map{
					"code":    code,
					"message": msg,
				},
			})
		},
	})

	RegisterMiddleware(app, cfg)
	svc := RegisterRoutes(app, cfg, redis, uploads)

	// Ensure all responses, including 404s, return JSON
	app.Use(func(c *fiber.Ctx) error {
		return fiber.NewError(fiber.StatusNotFound, "Not Found")
	})

	return app, svc
}

// RegisterRoutes mounts all route handlers to the app
func RegisterRoutes(app *fiber.App, cfg u.Config, redis *redis.Client, uploads *store.Store) *handlers.CompressService {
	// One shared service instance so all compression routes share the same
	// Ghostscript pool.
	svc := handlers.NewCompressService(cfg, redis, uploads)

	app.Get("/", svc.HandleInfo)

	pdf := app.Group("/pdf")
	pdf.Post("/chunk", svc.HandleChunkUpload)
	pdf.Post("/compress", svc.HandleCompressDirect)
	pdf.Post("/compress/:filename", svc.HandleCompressUploaded)

	app.Get("/gs/stats", svc.HandleGSStats)

	v1 := app.Group("/v1")
	v1.Get("/monitor", monitor.New())

	return svc
}
