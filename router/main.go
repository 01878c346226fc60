package router

import (
	"log"
	"os"
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/Kenny010604/SERENVOICE-sub000/config"
	"github.com/Kenny010604/SERENVOICE-sub000/database"
	"github.com/Kenny010604/SERENVOICE-sub000/handlers"
	auth_handlers "github.com/Kenny010604/SERENVOICE-sub000/handlers/auth"
	group_handlers "github.com/Kenny010604/SERENVOICE-sub000/handlers/group"
	session_handlers "github.com/Kenny010604/SERENVOICE-sub000/handlers/session"
	"github.com/Kenny010604/SERENVOICE-sub000/services"
	"github.com/Kenny010604/SERENVOICE-sub000/services/inference"
	"github.com/Kenny010604/SERENVOICE-sub000/utils/auth"
	"github.com/Kenny010604/SERENVOICE-sub000/utils/cache"
	"github.com/Kenny010604/SERENVOICE-sub000/utils/middleware"
)

// SetupRoutes wires middleware, handlers, and route groups. It returns the
// session coordinator so the deadline scheduler can share it.
func SetupRoutes(app *fiber.App, store database.Storage) *services.SessionService {
	getEnv, err := config.Get()
	if err != nil {
		log.Fatal("Failed to load configuration")
	}

	if getEnv.JWT_SECRET == "" {
		log.Fatal("JWT_SECRET environment variable is not set")
	}

	jwtIssuer := getEnv.JWT_ISSUER
	if jwtIssuer == "" {
		jwtIssuer = "serenvoice-api"
	}

	// Initialize JWT manager with config
	jwtConfig := auth.JWTConfig{
		Secret:        getEnv.JWT_SECRET,
		Expiry:        24 * time.Hour,     // Access token expires in 24 hours
		RefreshExpiry: 7 * 24 * time.Hour, // Refresh token expires in 7 days
		Issuer:        jwtIssuer,
	}
	jwtManager := auth.NewJWTManager(jwtConfig)

	// Get DB instance (type assert from interface)
	db, ok := store.GetDB().(*gorm.DB)
	if !ok {
		log.Fatal("Failed to get GORM DB instance")
	}

	// Redis backs the polled status cache and brute force protection
	redisURL := getEnv.REDIS_URL
	if redisURL == "" {
		redisURL = "redis://localhost:6379/0"
	}
	redisCache, err := cache.NewRedisCache(redisURL)
	if err != nil {
		log.Printf("Warning: Failed to connect to Redis: %v. Status caching and brute force protection will be disabled.", err)
		redisCache = nil
	}

	var bruteForceProtection *middleware.BruteForceProtection
	if redisCache != nil {
		bruteForceProtection = middleware.NewBruteForceProtection(redisCache)
	}

	authMiddleware := middleware.NewAuthMiddleware(jwtManager, db)
	authHandler := auth_handlers.NewAuthHandler(db, jwtManager, bruteForceProtection)
	groupHandler := group_handlers.NewGroupHandler(db)

	// Session coordinator with the emotion inference gateway
	inferenceClient := inference.NewClient(inference.Config{
		BaseURL:    getEnv.INFERENCE_URL,
		APIKey:     getEnv.INFERENCE_API_KEY,
		Timeout:    getEnv.INFERENCE_TIMEOUT,
		MaxRetries: getEnv.INFERENCE_MAX_RETRIES,
	})
	// A nil redis handle must stay a nil interface inside the coordinator.
	var statusCache services.StatusCache
	if redisCache != nil {
		statusCache = redisCache
	}
	sessionService := services.NewSessionService(db, inferenceClient, statusCache)
	sessionHandler := session_handlers.NewSessionHandler(db, sessionService)

	// Apply security middleware
	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	if allowedOrigins == "" {
		allowedOrigins = "http://localhost:3000,http://localhost:3001"
	}

	middleware.SetupSecurity(app, middleware.SecurityConfig{
		AllowedOrigins:    allowedOrigins,
		RateLimitRequests: 100,             // 100 requests
		RateLimitWindow:   1 * time.Minute, // per minute
	})

	// Health check endpoint (public)
	app.Get("/ping", handlers.HandleCheckHealth(store))

	// API v1 group
	api := app.Group("/api/v1")

	// Auth routes (public)
	authGroup := api.Group("/auth")
	authGroup.Post("/register", authHandler.Register)

	// Login with brute force protection
	if bruteForceProtection != nil {
		authGroup.Post("/login", bruteForceProtection.CheckAndRecordAttempt(), authHandler.Login)
	} else {
		authGroup.Post("/login", authHandler.Login)
	}
	authGroup.Post("/refresh", authHandler.RefreshToken)

	// Profile routes (protected)
	profileGroup := api.Group("/profile", authMiddleware.Required())
	profileGroup.Get("/", authHandler.GetProfile)

	// Group routes (protected)
	groups := api.Group("/groups", authMiddleware.Required())
	groups.Post("/", groupHandler.CreateGroup)
	groups.Get("/", groupHandler.ListGroups)
	groups.Get("/:id", groupHandler.GetGroup)
	groups.Post("/:id/members", groupHandler.AddMember)

	// Group sessions (protected)
	groups.Post("/:group_id/sessions", sessionHandler.CreateSession)

	sessions := api.Group("/sessions", authMiddleware.Required())
	sessions.Get("/:id/status", sessionHandler.GetStatus) // Polling endpoint
	sessions.Get("/:id/result", sessionHandler.GetResult)
	sessions.Post("/:id/cancel", authMiddleware.RequireAdmin(), sessionHandler.Cancel)

	// Recording flow for the caller's own participation
	sessions.Post("/:id/recording/start", sessionHandler.StartRecording)
	sessions.Post("/:id/recording/cancel", sessionHandler.CancelRecording)
	sessions.Post("/:id/recording/submit", sessionHandler.SubmitRecording)
	sessions.Post("/:id/recording/retry", sessionHandler.RetryRecording)

	return sessionService
}
