// Package main is the entry point for the Gateway: the client-facing HTTP
// surface that terminates login/refresh/logout, mounts the Admin Surface
// (C10), and relays tool calls to the Tool Server through the Gateway Proxy
// (C9).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/gatekeep/accessplane/internal/admin"
	"github.com/gatekeep/accessplane/internal/apperror"
	"github.com/gatekeep/accessplane/internal/authz"
	"github.com/gatekeep/accessplane/internal/config"
	"github.com/gatekeep/accessplane/internal/credential"
	"github.com/gatekeep/accessplane/internal/directory"
	"github.com/gatekeep/accessplane/internal/gwproxy"
	"github.com/gatekeep/accessplane/internal/models"
	"github.com/gatekeep/accessplane/internal/session"
	"github.com/gatekeep/accessplane/internal/store"
	"github.com/gatekeep/accessplane/pkg/auth"
	"github.com/gatekeep/accessplane/pkg/database"
	"github.com/gatekeep/accessplane/pkg/logger"
)

// Application holds the Gateway's dependencies and services.
type Application struct {
	config     *config.Config
	logger     *logger.Logger
	db         *database.Client
	kv         store.KVStore
	directory  *directory.Directory
	credential *credential.Service
	proxy      *gwproxy.Proxy
	server     *http.Server
}

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	app, err := NewApplication(ctx)
	if err != nil {
		fmt.Printf("Failed to initialize gateway: %v\n", err)
		os.Exit(1)
	}

	if err := app.Start(ctx); err != nil {
		app.logger.Error(ctx, "Failed to start gateway", err)
		os.Exit(1)
	}

	app.WaitForShutdown()

	if err := app.Shutdown(ctx); err != nil {
		app.logger.Error(ctx, "Error during shutdown", err)
		os.Exit(1)
	}

	app.logger.Info("Gateway shutdown complete")
}

// NewApplication loads configuration, wires the User Directory, Session
// Store, Credential Service, Authorization Engine, Admin Surface, and
// Gateway Proxy, and sets up the HTTP server.
func NewApplication(ctx context.Context) (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.New(&cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	log.Info("Gateway initialization started",
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

	proxy, err := gwproxy.New(gwproxy.Config{
		ToolServerURL:      cfg.App.ToolServerURL,
		InternalTrustToken: cfg.Auth.InternalTrustToken,
	}, cred, log, uuid.NewString)
	if err != nil {
		return nil, fmt.Errorf("failed to construct gateway proxy: %w", err)
	}

	app := &Application{
		config:     cfg,
		logger:     log,
		db:         dbClient,
		kv:         kv,
		directory:  dir,
		credential: cred,
		proxy:      proxy,
	}

	app.setupServer(engine, grants, sessions)

	log.Info("Gateway initialized successfully")
	return app, nil
}

// setupServer configures the gin router: auth endpoints, the proxied
// /tools/* surface, the mounted Admin Surface, and the health/readiness pair.
func (app *Application) setupServer(engine *authz.Engine, grants *authz.GrantStore, sessions *session.Store) {
	if app.config.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(app.loggingMiddleware())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     app.config.App.CORS.AllowedOrigins,
		AllowMethods:     app.config.App.CORS.AllowedMethods,
		AllowHeaders:     app.config.App.CORS.AllowedHeaders,
		AllowCredentials: true,
	}))

	router.GET("/health", app.healthCheckHandler)
	router.GET("/ready", app.readinessHandler)

	authGroup := router.Group("/auth")
	authGroup.POST("/register", app.registerHandler)
	authGroup.POST("/login", app.loginHandler)
	authGroup.POST("/refresh", app.refreshHandler)
	authGroup.POST("/logout", app.logoutHandler)
	authGroup.GET("/me", app.meHandler)

	router.POST("/tools/call", gin.WrapH(app.proxy))

	adminSurface := admin.New(app.directory, sessions, engine, grants, app.credential, app.logger)
	adminGroup := router.Group("/admin")
	adminSurface.Register(adminGroup, func(r *http.Request) (models.Principal, error) {
		h := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if len(h) <= len(prefix) {
			return models.Principal{}, apperror.New(apperror.KindAuthentication, "missing bearer credential")
		}
		return app.credential.VerifyAccess(r.Context(), h[len(prefix):])
	})

	app.server = &http.Server{
		Addr:         app.config.GetServerAddr(),
		Handler:      router,
		ReadTimeout:  app.config.App.Timeout,
		WriteTimeout: app.config.App.Timeout,
		IdleTimeout:  2 * app.config.App.Timeout,
	}
}

type registerRequest struct {
	Email    string   `json:"email" binding:"required"`
	Password string   `json:"password" binding:"required"`
	Roles    []string `json:"roles"`
}

func (app *Application) registerHandler(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email and password are required"})
		return
	}

	user, err := app.directory.Register(c.Request.Context(), req.Email, req.Password, req.Roles)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"user_id": user.ID, "email": user.Email, "roles": user.Roles})
}

type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (app *Application) loginHandler(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email and password are required"})
		return
	}

	user, err := app.directory.Authenticate(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		respondError(c, err)
		return
	}

	pair, err := app.credential.IssuePair(c.Request.Context(), user.ID, user.Email, user.Roles, c.Request.UserAgent())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, credentialResponse(pair))
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

func (app *Application) refreshHandler(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "refresh_token is required"})
		return
	}

	pair, err := app.credential.Rotate(c.Request.Context(), req.RefreshToken)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, credentialResponse(pair))
}

func (app *Application) logoutHandler(c *gin.Context) {
	// The refresh credential comes from the JSON body, or else from an
	// "Authorization: Bearer <refresh_token>" header.
	var token string
	var req refreshRequest
	const prefix = "Bearer "
	if err := c.ShouldBindJSON(&req); err == nil {
		token = req.RefreshToken
	} else if h := c.GetHeader("Authorization"); len(h) > len(prefix) && h[:len(prefix)] == prefix {
		token = h[len(prefix):]
	}
	if token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "refresh_token is required"})
		return
	}

	claims, err := app.credential.VerifyRefresh(c.Request.Context(), token)
	if err != nil {
		respondError(c, err)
		return
	}
	if err := app.credential.Revoke(c.Request.Context(), claims.JTI); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"revoked": true})
}

func (app *Application) meHandler(c *gin.Context) {
	h := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing bearer credential"})
		return
	}

	principal, err := app.credential.VerifyAccess(c.Request.Context(), h[len(prefix):])
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": principal.UserID, "email": principal.Email, "roles": principal.Roles})
}

func credentialResponse(pair models.CredentialPair) gin.H {
	return gin.H{
		"access_token":  pair.AccessToken,
		"refresh_token": pair.RefreshToken,
		"token_type":    "bearer",
		"expires_in":    int(time.Until(pair.ExpiresAt).Seconds()),
		"expires_at":    pair.ExpiresAt,
	}
}

func respondError(c *gin.Context, err error) {
	ae, ok := apperror.As(err)
	if !ok {
		ae = apperror.New(apperror.KindInternal, "internal error")
	}
	c.JSON(ae.Kind.HTTPStatus(), gin.H{"error": ae.Message, "code": ae.Kind.RPCCode()})
}

// Start begins serving HTTP requests.
func (app *Application) Start(ctx context.Context) error {
	app.logger.Info("Starting gateway", logger.String("address", app.server.Addr))

	go func() {
		if err := app.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			app.logger.Error(ctx, "gateway HTTP error", err)
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
