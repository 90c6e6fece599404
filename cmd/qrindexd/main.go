package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/openpacs/qrindex/internal/cache"
	"github.com/openpacs/qrindex/internal/config"
	"github.com/openpacs/qrindex/internal/handlers"
	"github.com/openpacs/qrindex/internal/middleware"
	"github.com/openpacs/qrindex/internal/services"
	"github.com/openpacs/qrindex/pkg/logger"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	// Initialize logger
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	log.Info().Msg("Starting Query/Retrieve index service")

	// Open the storage-area indexes
	registry, err := services.NewRegistry(cfg.Storage)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open storage areas")
	}
	defer registry.Close()

	// Initialize query-result cache
	var cacheImpl cache.Cache
	if cfg.Cache.Enabled {
		if cfg.Cache.Type == "redis" {
			addr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
			cacheImpl, err = cache.NewRedisCache(addr, cfg.Redis.Password, cfg.Redis.DB)
			if err != nil {
				log.Fatal().Err(err).Msg("Failed to connect to redis")
			}
			log.Info().Msg("Redis query cache initialized")
		} else {
			cacheImpl = cache.NewMemoryCache()
			log.Info().Msg("Memory query cache initialized")
		}
		defer cacheImpl.Close()
	}

	// Initialize service and handlers
	qrService := services.NewQRService(registry, cacheImpl, cfg.Cache.TTL)
	healthHandler := handlers.NewHealthHandler(registry)
	queryHandler := handlers.NewQueryHandler(qrService)
	managementHandler := handlers.NewManagementHandler(qrService)

	// Setup router
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Recovery)
	r.Use(middleware.Logging)
	r.Use(chimiddleware.Compress(5))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   cfg.CORS.AllowedMethods,
		AllowedHeaders:   cfg.CORS.AllowedHeaders,
		ExposedHeaders:   []string{"Content-Length", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health endpoints
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	if cfg.Metrics.Enabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	// Query endpoints
	r.Route("/studies", func(r chi.Router) {
		r.Use(middleware.StorageArea)

		r.Get("/", queryHandler.SearchStudies)
		r.Get("/{studyUID}/series", queryHandler.SearchSeries)
		r.Get("/{studyUID}/series/{seriesUID}/instances", queryHandler.SearchInstances)

		r.Get("/{studyUID}/retrieve", queryHandler.ListRetrieve)
		r.Get("/{studyUID}/series/{seriesUID}/retrieve", queryHandler.ListRetrieve)
		r.Get("/{studyUID}/series/{seriesUID}/instances/{instanceUID}/retrieve", queryHandler.ListRetrieve)
	})

	// Management API
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.StorageArea)

		r.Post("/instances", managementHandler.StoreInstance)
		r.Get("/instances/exists", managementHandler.Exists)
		r.Post("/studies/{studyUID}/series/{seriesUID}/instances/{instanceUID}/reviewed", managementHandler.MarkReviewed)
		r.Delete("/studies/{studyUID}", managementHandler.DeleteStudy)
		r.Delete("/studies/{studyUID}/series/{seriesUID}", managementHandler.DeleteStudy)
		r.Delete("/studies/{studyUID}/series/{seriesUID}/instances/{instanceUID}", managementHandler.DeleteStudy)
		r.Post("/prune", managementHandler.Prune)
	})

	// Create server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in a goroutine
	go func() {
		log.Info().Str("addr", addr).Msg("Server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}
