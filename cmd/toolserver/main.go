// Package main is the entry point for the Tool Server: the JSON-RPC surface
// that runs every call through the Middleware Pipeline (C6) and the Tool
// Dispatcher (C7) before reaching a retriever capability. It trusts the
// Gateway Proxy's internal trust token and injected principal headers rather
// than re-verifying a bearer credential the Gateway already stripped.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/gatekeep/accessplane/internal/authz"
	"github.com/gatekeep/accessplane/internal/cache"
	"github.com/gatekeep/accessplane/internal/config"
	"github.com/gatekeep/accessplane/internal/credential"
	"github.com/gatekeep/accessplane/internal/directory"
	"github.com/gatekeep/accessplane/internal/dispatch"
	"github.com/gatekeep/accessplane/internal/gwproxy"
	"github.com/gatekeep/accessplane/internal/models"
	"github.com/gatekeep/accessplane/internal/observer"
	"github.com/gatekeep/accessplane/internal/pipeline"
	"github.com/gatekeep/accessplane/internal/ratelimit"
	"github.com/gatekeep/accessplane/internal/retriever"
	"github.com/gatekeep/accessplane/internal/session"
	"github.com/gatekeep/accessplane/internal/store"
	"github.com/gatekeep/accessplane/pkg/auth"
	"github.com/gatekeep/accessplane/pkg/database"
	"github.com/gatekeep/accessplane/pkg/logger"
)

// Application holds the Tool Server's dependencies and services.
type Application struct {
	config *config.Config
	logger *logger.Logger
	db     *database.Client
	kv     store.KVStore
	stages []pipeline.Stage
	server *http.Server
}

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	app, err := NewApplication(ctx)
	if err != nil {
		fmt.Printf("Failed to initialize tool server: %v\n", err)
		os.Exit(1)
	}

	if err := app.Start(ctx); err != nil {
		app.logger.Error(ctx, "Failed to start tool server", err)
		os.Exit(1)
	}

	app.WaitForShutdown()

	if err := app.Shutdown(ctx); err != nil {
		app.logger.Error(ctx, "Error during shutdown", err)
		os.Exit(1)
	}

	app.logger.Info("Tool server shutdown complete")
}

// NewApplication loads configuration, wires every capability (Session Store,
// Credential Service, User Directory, Authorization Engine, Rate Limiter,
// Result Cache, Tool Dispatcher), assembles the Middleware Pipeline, and sets
// up the HTTP server.
func NewApplication(ctx context.Context) (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.New(&cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	log.Info("Tool server initialization started",
		logger.String("name", cfg.App.Name),
		logger.String("environment", cfg.App.Environment),
	)

	dbClient, err := database.NewClient(&cfg.Database, log)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	kv, err := store.NewRedisStore(&cfg.Cache, log)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to cache: %w", err)
	}

	hasher := auth.NewPasswordHasher(cfg.Auth.BCryptCost)
	dir := directory.New(dbClient.Collection("users"), hasher, func() string { return uuid.NewString() }, log)
	if err := dir.EnsureIndexes(ctx); err != nil {
		log.Error(ctx, "failed to create user directory indexes", err)
	}

	grants := authz.NewGrantStore(dbClient.Collection("permission_grants"), func() string { return uuid.NewString() })
	if err := grants.EnsureIndexes(ctx); err != nil {
		log.Error(ctx, "failed to create permission grant indexes", err)
	}

	sessions := session.New(kv, log)
	cred := credential.New(credential.Config{
		SigningKey: cfg.Auth.SigningKey,
		AccessTTL:  cfg.Auth.AccessTTL,
		RefreshTTL: cfg.Auth.RefreshTTL,
	}, sessions, dir.RoleLookup, log)

	engine := authz.NewEngine(authz.BuiltinBindings(), grants)
	limiter := ratelimit.New(ratelimit.Config{
		PerMinute:   cfg.RateLimit.PerMinute,
		PerHour:     cfg.RateLimit.PerHour,
		Burst:       cfg.RateLimit.Burst,
		Distributed: cfg.RateLimit.Distributed,
	}, kv, log)
	resultCache := cache.New(kv, 30*time.Second, cfg.Middleware.CacheTTL)
	obs := observer.New(log)

	dispatcher := dispatch.New(engine, resultCache, 5*time.Second)
	registerTools(dispatcher)

	deps := pipeline.Deps{
		Credential: cred,
		Authz:      engine,
		RateLimit:  limiter,
		Cache:      resultCache,
		Observer:   obs,
		Dispatcher: dispatcher,
		Logger:     log,
		Auth:       cfg.Auth,
	}
	stages := pipeline.BuildPipeline(cfg.Middleware, deps)

	app := &Application{
		config: cfg,
		logger: log,
		db:     dbClient,
		kv:     kv,
		stages: stages,
	}

	app.setupServer()

	log.Info("Tool server initialized successfully")
	return app, nil
}

// registerTools wires the built-in retriever stand-ins to their Tool
// Bindings, deriving each tool's resource name the way the Authorization
// Engine expects it (a vector collection, a table name; search_web has no
// argument-derived resource since grants for it are keyed "*").
func registerTools(d *dispatch.Dispatcher) {
	bindings := authz.BuiltinBindings()
	byName := make(map[string]models.ToolBinding, len(bindings))
	for _, b := range bindings {
		byName[b.ToolName] = b
	}

	d.Register(dispatch.Registration{
		Binding:  byName["search_web"],
		Retrieve: retriever.NewWebSearchStub(),
	})
	d.Register(dispatch.Registration{
		Binding:      byName["search_vector"],
		Retrieve:     retriever.NewVectorSearchStub(),
		ResourceName: func(args map[string]any) string { s, _ := args["collection"].(string); return s },
	})
	d.Register(dispatch.Registration{
		Binding:      byName["query_database"],
		Retrieve:     retriever.NewDatabaseQueryStub(),
		ResourceName: func(args map[string]any) string { s, _ := args["table"].(string); return s },
	})
	d.Register(dispatch.Registration{
		Binding:      byName["write_vector"],
		Retrieve:     retriever.NewVectorWriteStub(),
		ResourceName: func(args map[string]any) string { s, _ := args["collection"].(string); return s },
	})
}

// setupServer configures the gin router: a single JSON-RPC endpoint running
// the Middleware Pipeline, plus the health/readiness pair.
func (app *Application) setupServer() {
	if app.config.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(app.loggingMiddleware())

	router.GET("/health", app.healthCheckHandler)
	router.GET("/ready", app.readinessHandler)
	router.POST("/rpc", app.rpcHandler)

	app.server = &http.Server{
		Addr:         app.config.GetServerAddr(),
		Handler:      router,
		ReadTimeout:  app.config.App.Timeout,
		WriteTimeout: app.config.App.Timeout,
		IdleTimeout:  2 * app.config.App.Timeout,
	}
}

// rpcHandler decodes the JSON-RPC envelope, builds the Exchange from the
// Gateway's injected trust headers (or leaves it anonymous for a direct,
// untrusted caller — the Authentication stage then requires a bearer
// credential the way it would for any other request), and runs it through
// the assembled Middleware Pipeline.
func (app *Application) rpcHandler(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	var req dispatch.Request
	if err := json.Unmarshal(body, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed JSON-RPC request"})
		return
	}

	ex := &pipeline.Exchange{
		RC: models.RequestContext{
			RequestID:     requestID(c),
			Method:        req.Method,
			ReceivedAt:    time.Now(),
			InternalTrust: app.trustedRequest(c),
		},
		Request:     req,
		BearerToken: bearerToken(c),
	}

	if ex.RC.InternalTrust {
		ex.RC.Principal = principalFromHeaders(c)
		ex.RC.ClientAddress = c.GetHeader(gwproxy.HeaderClientAddr)
	}
	if ex.RC.ClientAddress == "" {
		ex.RC.ClientAddress = c.ClientIP()
	}

	resp, err := pipeline.Run(c.Request.Context(), app.stages, ex)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "pipeline produced no response"})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func requestID(c *gin.Context) string {
	if id := c.GetHeader(gwproxy.HeaderRequestID); id != "" {
		return id
	}
	return uuid.NewString()
}

func (app *Application) trustedRequest(c *gin.Context) bool {
	token := c.GetHeader(gwproxy.HeaderInternalTrust)
	return token != "" && token == app.config.Auth.InternalTrustToken
}

func principalFromHeaders(c *gin.Context) models.Principal {
	id := c.GetHeader(gwproxy.HeaderPrincipalID)
	if id == "" {
		return models.AnonymousPrincipal
	}
	var roles []string
	if raw := c.GetHeader(gwproxy.HeaderPrincipalRoles); raw != "" {
		roles = strings.Split(raw, ",")
	}
	return models.Principal{
		UserID: id,
		Email:  c.GetHeader(gwproxy.HeaderPrincipalEmail),
		Roles:  roles,
	}
}

func bearerToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimPrefix(h, prefix)
}

// Start begins serving HTTP requests.
func (app *Application) Start(ctx context.Context) error {
	app.logger.Info("Starting tool server", logger.String("address", app.server.Addr))

	go func() {
		if err := app.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			app.logger.Error(ctx, "tool server HTTP error", err)
		}
	}()

	return nil
}

// WaitForShutdown blocks until a termination signal arrives.
func (app *Application) WaitForShutdown() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	app.logger.Info("Received shutdown signal", logger.String("signal", sig.String()))
}

// Shutdown drains the HTTP server and closes backing connections in order:
// HTTP server, cache, database, logger.
func (app *Application) Shutdown(ctx context.Context) error {
	app.logger.Info("Starting graceful shutdown...")

	if err := app.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP server shutdown failed: %w", err)
	}

	if err := app.kv.Close(); err != nil {
		app.logger.Error(ctx, "cache connection close error", err)
	}

	if err := app.db.Close(ctx); err != nil {
		return fmt.Errorf("database connection close failed: %w", err)
	}

	_ = app.logger.Sync()
	return nil
}

func (app *Application) healthCheckHandler(c *gin.Context) {
	ctx := c.Request.Context()
	dbHealth := app.db.HealthCheck(ctx)
	kvErr := app.kv.HealthCheck(ctx)

	status := "healthy"
	if dbHealth.Status != "healthy" || kvErr != nil {
		status = "unhealthy"
		c.Status(http.StatusServiceUnavailable)
	} else {
		c.Status(http.StatusOK)
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  status,
		"version": app.config.App.Version,
		"checks": gin.H{
			"database": dbHealth,
			"kv_store": kvErr == nil,
		},
	})
}

func (app *Application) readinessHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ready", "version": app.config.App.Version})
}

// loggingMiddleware logs every HTTP request's method, path, status, and
// duration for the audit trail.
func (app *Application) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		app.logger.Performance(c.Request.Context(), "http_request", time.Since(start),
			logger.String("method", c.Request.Method),
			logger.String("path", c.Request.URL.Path),
			logger.Int("status", c.Writer.Status()),
		)
	}
}
