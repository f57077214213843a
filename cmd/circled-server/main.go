package main

import (
	"log"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mikepea/circled/pkg/circled/auth"
	"github.com/mikepea/circled/pkg/circled/circles"
	"github.com/mikepea/circled/pkg/circled/clock"
	"github.com/mikepea/circled/pkg/circled/conflict"
	"github.com/mikepea/circled/pkg/circled/database"
	"github.com/mikepea/circled/pkg/circled/events"
	"github.com/mikepea/circled/pkg/circled/federation"
	"github.com/mikepea/circled/pkg/circled/inherit"
	"github.com/mikepea/circled/pkg/circled/items"
	"github.com/mikepea/circled/pkg/circled/models"
	"github.com/mikepea/circled/pkg/circled/store"
	"github.com/mikepea/circled/pkg/circled/transport"
	"github.com/mikepea/circled/pkg/circled/worker"
)

// @title Circled API
// @version 1.0
// @description Federated circle membership and shared item coordination across independent instances.

// @contact.name Circled Support
// @contact.url https://github.com/mikepea/circled

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @host localhost:8080
// @BasePath /api

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description JWT token. Format: "Bearer {token}"

func main() {
	// Get database path from environment or use default
	dbPath := os.Getenv("CIRCLED_DB_PATH")
	if dbPath == "" {
		dbPath = "circled.db"
	}

	instance := os.Getenv("CIRCLED_INSTANCE_ID")
	if instance == "" {
		instance = "localhost"
	}

	federationSecret := os.Getenv("CIRCLED_FEDERATION_SECRET")
	if federationSecret == "" {
		// Default for development only - should be set in production
		federationSecret = "circled-dev-federation-secret"
	}

	// Connect to database
	if err := database.Connect(dbPath); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	// Run auto-migrations
	if err := models.AutoMigrate(database.GetDB()); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	log.Println("Database migrations completed")

	// Create default admin user if no admin exists
	if err := ensureAdminExists(instance); err != nil {
		log.Fatalf("Failed to ensure admin user exists: %v", err)
	}

	// Wire the coordination engine
	graph := store.New(database.GetDB())
	engine := inherit.New(graph)

	lockTTL := conflict.DefaultLockTTL
	if raw := os.Getenv("CIRCLED_LOCK_TTL"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			log.Fatalf("Invalid CIRCLED_LOCK_TTL: %v", err)
		}
		lockTTL = parsed
	}
	conflicts := conflict.New(database.GetDB(), clock.Real{}, instance, lockTTL)

	peers := transport.ParsePeers(os.Getenv("CIRCLED_PEERS"))
	signer := transport.NewSigner(instance, federationSecret)
	httpTransport := transport.NewHTTP(peers, signer, nil)

	queue := worker.New(256, 4)
	defer queue.Shutdown()

	registry := events.NewRegistry()
	events.RegisterBuiltin(registry)

	runtime := &events.Runtime{
		Store:     graph,
		Engine:    engine,
		Conflicts: conflicts,
		Instance:  instance,
	}
	dispatcher := events.NewDispatcher(runtime, registry, httpTransport, queue, 0)

	// Set up Gin router
	r := gin.Default()

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status": "ok",
		})
	})

	// Federation routes (instance-signed, outside /api)
	federationHandler := federation.NewHandler(dispatcher)
	federationGroup := r.Group("/federation")
	federationGroup.Use(federation.InstanceAuthMiddleware(federationSecret))
	federationHandler.RegisterRoutes(federationGroup)

	// API routes
	api := r.Group("/api")
	{
		api.GET("/health", func(c *gin.Context) {
			c.JSON(200, gin.H{
				"status":   "ok",
				"service":  "circled",
				"instance": instance,
			})
		})

		// Auth routes (public)
		authHandler := auth.NewHandler(database.GetDB())
		authHandler.RegisterRoutes(api.Group("/auth"))

		// Circle routes (protected)
		circlesHandler := circles.NewHandler(database.GetDB(), graph, engine, dispatcher, instance)
		circlesGroup := api.Group("/circles")
		circlesGroup.Use(auth.AuthMiddleware())
		circlesHandler.RegisterRoutes(circlesGroup)
		circlesHandler.RegisterMemberRoutes(circlesGroup)

		// Synced item routes (protected)
		itemsHandler := items.NewHandler(graph, engine, conflicts, dispatcher, instance)
		itemsGroup := api.Group("/items")
		itemsGroup.Use(auth.AuthMiddleware())
		itemsHandler.RegisterRoutes(itemsGroup)
	}

	// Get port from environment or use default
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	log.Printf("Starting Circled instance %q on :%s", instance, port)
	if err := r.Run(":" + port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// ensureAdminExists creates a default admin user on first start so the
// instance is reachable before any registration happens.
func ensureAdminExists(instance string) error {
	db := database.GetDB()

	var count int64
	if err := db.Model(&models.User{}).Where("system_role = ?", models.SystemRoleAdmin).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	password := os.Getenv("CIRCLED_ADMIN_PASSWORD")
	if password == "" {
		password = "admin123"
		log.Println("WARNING: using default admin password - set CIRCLED_ADMIN_PASSWORD")
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}

	admin := models.User{
		SingleID:     uuid.NewString(),
		Email:        "admin@" + instance,
		PasswordHash: hash,
		Name:         "Admin",
		Active:       true,
		SystemRole:   models.SystemRoleAdmin,
	}
	if err := db.Create(&admin).Error; err != nil {
		return err
	}
	log.Printf("Created default admin user: %s", admin.Email)
	return nil
}
