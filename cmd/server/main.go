package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"docsync/internal/api"
	"docsync/internal/config"
	"docsync/internal/db"
	"docsync/internal/repository"
	"docsync/internal/services/collab"
	"docsync/internal/telemetry"
)

func main() {
	log.Println("🚀 Starting document collaboration server...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	// Initialize Jaeger tracing first so all operations are traced
	jaegerShutdown, err := telemetry.InitJaeger("docsync", cfg.JaegerEndpoint)
	if err != nil {
		log.Printf("⚠️  Failed to initialize Jaeger: %v (continuing without tracing)", err)
		jaegerShutdown = func(ctx context.Context) error { return nil }
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := jaegerShutdown(ctx); err != nil {
			log.Printf("⚠️  Failed to shutdown Jaeger: %v", err)
		}
	}()

	// Initialize GORM database
	database, err := db.NewGorm(cfg)
	if err != nil {
		log.Fatalf("❌ Failed to connect to database: %v", err)
	}
	defer database.Close()

	// External collaborators: durable record store and user directory
	store := repository.NewCollabStore(database.DB)
	users := repository.NewUserDirectory(database.DB)

	// Collaboration controller owns all in-memory state: connection
	// registry, presence, subscriptions, operation log.
	controller := collab.NewController(store, users, collab.Conf{
		PresenceWindow: cfg.PresenceWindow,
		IdleTimeout:    cfg.IdleTimeout,
		OpLogCap:       cfg.OpLogCap,
		SnapshotOps:    cfg.SnapshotOps,
	})

	// Idle reaper evicts connections that stop talking
	reaper := collab.NewReaper(controller, cfg.ReapInterval, cfg.IdleTimeout)
	reaper.Start()

	// WebSocket handler for the collaboration entry point
	wsHandler := collab.NewWebSocketHandler(controller, cfg.SendBuffer)

	// HTTP handlers and routes
	handler := api.NewHandler(controller, wsHandler)
	router := api.SetupRoutes(handler)

	addr := fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("🌐 Server listening on http://%s", addr)
		log.Printf("📚 Endpoints:")
		log.Printf("   GET    /ws/documents/:id            - Collaboration websocket")
		log.Printf("   GET    /api/stats                   - Live connection count")
		log.Printf("   GET    /api/documents/:id/subscribers - Subscriber count")
		log.Printf("   POST   /api/documents/:id/sync      - Full-state rebroadcast")
		log.Printf("   GET    /api/health                  - Health check")
		log.Println()

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Server error: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("\n🛑 Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("⚠️  Server forced to shutdown: %v", err)
	}

	reaper.Stop()

	log.Println("✓ Server shutdown complete")
}
