package bootstrap

import (
	"strings"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"

	"github.com/appnoxtech/mini-crm-backend-sub003/adapter/in/http"
	"github.com/appnoxtech/mini-crm-backend-sub003/config"
	"github.com/appnoxtech/mini-crm-backend-sub003/infra/middleware"
)

// NewAPI assembles the HTTP surface: health probes, provider webhooks,
// the authenticated sync/watch API, and the SSE event stream.
func NewAPI(cfg *config.Config, deps *Dependencies, engine *Engine) *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler:          middleware.ErrorHandler(),
		DisableStartupMessage: cfg.IsProduction(),
		ReadBufferSize:        16384,
		WriteBufferSize:       16384,
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		BodyLimit:             10 * 1024 * 1024,
		StreamRequestBody:     true,
	})

	// Global middleware stack (order matters)
	app.Use(middleware.Recover())
	app.Use(middleware.RequestID())
	app.Use(middleware.RequestLogger())

	app.Use(compress.New(compress.Config{
		Level: compress.LevelBestSpeed,
	}))

	// CORS: credentials require explicit origins
	allowOrigins := strings.Join(cfg.AllowedOrigins, ",")
	allowCredentials := true
	if allowOrigins == "" || allowOrigins == "*" {
		if cfg.IsProduction() {
			allowOrigins = ""
			allowCredentials = false
		} else {
			allowOrigins = "http://localhost:3000,http://localhost:5173"
		}
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowOrigins,
		AllowMethods:     "GET,POST,PUT,DELETE,PATCH,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization,X-Request-ID",
		ExposeHeaders:    "X-Request-ID",
		AllowCredentials: allowCredentials,
		MaxAge:           86400,
	}))

	// Health probes (no auth)
	healthHandler := http.NewHealthHandler(deps.DB, deps.Redis, deps.Mongo)
	healthHandler.Register(app)

	// Provider webhooks (no auth; Google/Microsoft call these)
	webhookHandler := http.NewWebhookHandler(engine.Bridge, deps.Redis, cfg.WebhookAudience)
	webhookHandler.Register(app)

	// Authenticated API
	api := app.Group("/api/v1")
	api.Use(middleware.JWTAuth(cfg.JWTSecret))

	syncHandler := http.NewSyncHandler(engine.Scheduler, deps.AccountRepo, engine.Bridge)
	syncHandler.Register(api)

	sseHandler := http.NewSSEHandler(deps.RealtimeAdapter, deps.Zlog)
	sseHandler.Register(api)

	return app
}
