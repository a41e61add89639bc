package serve

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"

	"github.com/philia-app/mentor-service/internal/chat"
	"github.com/philia-app/mentor-service/internal/config"
	"github.com/philia-app/mentor-service/internal/dedup"
	routechat "github.com/philia-app/mentor-service/internal/plugin/route/chat"
	"github.com/philia-app/mentor-service/internal/plugin/route/memories"
	routesystem "github.com/philia-app/mentor-service/internal/plugin/route/system"
	"github.com/philia-app/mentor-service/internal/plugin/route/targets"
	registrycache "github.com/philia-app/mentor-service/internal/registry/cache"
	registryembed "github.com/philia-app/mentor-service/internal/registry/embed"
	registryllm "github.com/philia-app/mentor-service/internal/registry/llm"
	registrymigrate "github.com/philia-app/mentor-service/internal/registry/migrate"
	registryroute "github.com/philia-app/mentor-service/internal/registry/route"
	registrystore "github.com/philia-app/mentor-service/internal/registry/store"
	registryvector "github.com/philia-app/mentor-service/internal/registry/vector"
	"github.com/philia-app/mentor-service/internal/retrieval"
	"github.com/philia-app/mentor-service/internal/security"
	"github.com/philia-app/mentor-service/internal/service"
)

// Server holds the running server and its subsystems.
type Server struct {
	Config *config.Config
	Store  registrystore.MemoryStore
	Router *gin.Engine
	// Port is the bound listener port; useful when configured with port 0.
	Port int

	httpServer *http.Server
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// StartServer initializes all subsystems and starts the HTTP listener.
// Use cfg.Listener.Port=0 for an OS-assigned port; the bound port is in
// Server.Port.
func StartServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	log.Info("Starting mentor service",
		"httpPort", cfg.Listener.Port,
		"db", cfg.DatastoreType,
		"vector", cfg.VectorType,
		"embedding", cfg.EmbedType,
		"llm", cfg.LLMType,
		"cache", cfg.CacheType,
	)

	// Initialize Prometheus metrics with configured constant labels.
	metricsLabels, err := security.ParseMetricsLabels(cfg.MetricsLabels)
	if err != nil {
		return nil, fmt.Errorf("invalid --metrics-labels: %w", err)
	}
	security.InitMetrics(metricsLabels)

	// Run migrations
	if err := registrymigrate.RunAll(ctx); err != nil {
		return nil, fmt.Errorf("migrations failed: %w", err)
	}

	// Initialize store
	storeLoader, err := registrystore.Select(cfg.DatastoreType)
	if err != nil {
		return nil, err
	}
	store, err := storeLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	// Initialize embedder. The "none" embedder is a valid configuration:
	// ingestion runs fingerprint-only and chat runs without retrieved context.
	embedLoader, err := registryembed.Select(cfg.EmbedType)
	if err != nil {
		return nil, err
	}
	embedder, err := embedLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}

	// Initialize vector store (optional).
	var vectorStore registryvector.VectorStore
	if cfg.VectorType != "" && cfg.VectorType != "none" {
		vectorLoader, err := registryvector.Select(cfg.VectorType)
		if err != nil {
			return nil, err
		}
		vectorStore, err = vectorLoader(ctx)
		if err != nil {
			log.Warn("Failed to initialize vector store; similarity dedup disabled", "vector", cfg.VectorType, "err", err)
		}
	}

	// Initialize chat model.
	llmLoader, err := registryllm.Select(cfg.LLMType)
	if err != nil {
		return nil, err
	}
	chatModel, err := llmLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize chat model: %w", err)
	}

	// Initialize the chat turns cache.
	var turnsCache registrycache.ChatTurnsCache
	if cacheLoader, err := registrycache.Select(cfg.CacheType); err != nil {
		log.Warn("Cache not available", "cache", cfg.CacheType, "err", err)
	} else if turnsCache, err = cacheLoader(ctx); err != nil {
		log.Warn("Failed to initialize cache", "cache", cfg.CacheType, "err", err)
		turnsCache = nil
	}

	// Core engines.
	engine := dedup.NewEngine(store, embedder, vectorStore, cfg.EmbedTimeout)
	ranker := retrieval.NewRanker(store, embedder, cfg.EmbedTimeout, time.Now)
	orchestrator := chat.NewOrchestrator(store, ranker, chatModel, turnsCache, cfg.LLMStreamTimeout, cfg.CacheTurnsTTL)

	// Set up gin
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(security.AccessLogMiddleware("/health", "/ready", "/metrics"))
	router.Use(security.MetricsMiddleware())
	router.Use(maxBodySizeMiddleware(cfg.MaxBodySize))
	if cfg.CORSEnabled {
		router.Use(corsMiddleware(cfg.CORSOrigins))
	}

	// Mount self-registering route plugins (health, ready, metrics).
	for _, loader := range registryroute.Loaders() {
		if err := loader(router); err != nil {
			return nil, fmt.Errorf("failed to load routes: %w", err)
		}
	}

	// Create shared token resolver and auth middleware.
	resolver := security.NewTokenResolver(cfg)
	auth := security.AuthMiddleware(resolver)

	// Mount API routes.
	memories.MountRoutes(router, store, engine, vectorStore, auth)
	routechat.MountRoutes(router, store, orchestrator, auth)
	targets.MountRoutes(router, store, auth)

	// Start background services
	reembedder := service.NewReembedder(store, embedder, vectorStore, cfg.ReembedInterval, cfg.ReembedBatchSize)
	go reembedder.Start(ctx)

	taskProc := service.NewTaskProcessor(store, chatModel, engine, cfg.TaskInterval, cfg.TaskRetryDelay, cfg.TaskBatchSize)
	go taskProc.Start(ctx)

	// Start the HTTP listener.
	listener, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(cfg.Listener.Port)))
	if err != nil {
		return nil, fmt.Errorf("failed to bind port %d: %w", cfg.Listener.Port, err)
	}
	httpServer := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: cfg.Listener.ReadHeaderTimeout,
	}
	go func() {
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server error", "err", err)
		}
	}()

	port := listener.Addr().(*net.TCPAddr).Port
	log.Info("Server listening", "port", port)

	routesystem.MarkReady()
	return &Server{
		Config:     cfg,
		Store:      store,
		Router:     router,
		Port:       port,
		httpServer: httpServer,
	}, nil
}

func maxBodySizeMiddleware(maxBodySize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodySize)
		c.Next()
	}
}
