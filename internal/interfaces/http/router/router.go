// Package router assembles the gin engine: middleware stack, public health
// endpoints and the versioned API group.
package router

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/syncbridge/backend/internal/infrastructure/auth"
	"github.com/syncbridge/backend/internal/infrastructure/logger"
	"github.com/syncbridge/backend/internal/infrastructure/resilience"
	"github.com/syncbridge/backend/internal/interfaces/http/middleware"
)

// RouteRegistrar defines the interface for registering routes
type RouteRegistrar interface {
	RegisterRoutes(rg *gin.RouterGroup)
}

// PublicRegistrar registers routes that bypass authentication.
type PublicRegistrar interface {
	RegisterPublicRoutes(engine *gin.Engine)
}

// Config holds everything the router needs to assemble the engine.
type Config struct {
	Logger     *zap.Logger
	JWTService *auth.JWTService
	// RateLimiter is optional; nil disables rate limiting.
	RateLimiter resilience.Limiter
	// CORS is optional; the zero value applies DefaultCORSConfig.
	CORS *middleware.CORSConfig
	// APIVersion defaults to "v1".
	APIVersion string
}

// Router manages HTTP route registration
type Router struct {
	engine     *gin.Engine
	config     Config
	registrars []RouteRegistrar
	public     []PublicRegistrar
}

// New creates a router over a fresh engine with the standard middleware
// stack: recovery, request id, CORS, request logging and rate limiting.
func New(cfg Config) *Router {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = "v1"
	}

	engine := gin.New()
	engine.Use(logger.Recovery(cfg.Logger))
	engine.Use(middleware.RequestID())

	corsCfg := middleware.DefaultCORSConfig()
	if cfg.CORS != nil {
		corsCfg = *cfg.CORS
	}
	engine.Use(middleware.CORSWithConfig(corsCfg))
	engine.Use(logger.GinMiddleware(cfg.Logger))

	if cfg.RateLimiter != nil {
		engine.Use(middleware.RateLimit(cfg.RateLimiter))
	}

	return &Router{engine: engine, config: cfg}
}

// Register adds an authenticated API registrar.
func (r *Router) Register(registrar RouteRegistrar) *Router {
	r.registrars = append(r.registrars, registrar)
	return r
}

// RegisterPublic adds a registrar for unauthenticated routes.
func (r *Router) RegisterPublic(registrar PublicRegistrar) *Router {
	r.public = append(r.public, registrar)
	return r
}

// Setup wires all registered routes and returns the engine. API routes live
// under /api/<version> behind JWT authentication.
func (r *Router) Setup() *gin.Engine {
	for _, registrar := range r.public {
		registrar.RegisterPublicRoutes(r.engine)
	}

	api := r.engine.Group("/api/" + r.config.APIVersion)
	if r.config.JWTService != nil {
		api.Use(middleware.JWTAuthMiddlewareWithConfig(middleware.JWTMiddlewareConfig{
			JWTService: r.config.JWTService,
			Logger:     r.config.Logger,
		}))
	}
	for _, registrar := range r.registrars {
		registrar.RegisterRoutes(api)
	}
	return r.engine
}

// Engine returns the underlying gin engine.
func (r *Router) Engine() *gin.Engine {
	return r.engine
}
