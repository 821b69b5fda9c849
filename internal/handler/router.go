package handler

import (
	"github.com/gin-gonic/gin"
	"github.com/kulangara/backend/internal/logging"
	"github.com/kulangara/backend/internal/model"
	"github.com/kulangara/backend/internal/service"
)

type RouterDeps struct {
	Auth           AuthService
	Limiter        *service.RateLimiter
	Health         *HealthHandler
	Log            logging.Logger
	Cookies        CookieConfig
	AllowedOrigins []string
	Production     bool
	Version        string
}

func NewRouter(deps RouterDeps) *gin.Engine {
	RegisterValidators()

	log := deps.Log
	if log == nil {
		log = logging.Discard()
	}
	resp := NewResponder(log, deps.Production)

	r := gin.New()
	r.Use(
		RequestID(),
		Recovery(resp),
		RequestLogger(log),
		SecurityHeaders(),
		CORSMiddleware(deps.AllowedOrigins, true),
	)

	if deps.Health != nil {
		r.GET("/", deps.Health.Root)
		r.GET("/health", deps.Health.Health)
		r.GET("/health/ready", deps.Health.Ready)
		r.GET("/health/live", deps.Health.Live)
	}
	r.GET("/ping", Ping)
	r.GET("/openapi.json", OpenAPIHandler(deps.Version))

	authHandler := NewAuthHandler(deps.Auth, resp, deps.Cookies)
	authenticate := AuthMiddleware(deps.Auth, resp)
	limit := func(rule service.RateRule) gin.HandlerFunc {
		return RateLimit(deps.Limiter, rule, resp)
	}

	api := r.Group("/api/v1", limit(service.RuleAPI))
	{
		auth := api.Group("/auth")
		auth.POST("/register", limit(service.RuleRegister), authHandler.Register)
		auth.POST("/login", limit(service.RuleAuth), authHandler.Login)
		auth.POST("/google", limit(service.RuleAuth), authHandler.Google)
		auth.POST("/refresh", limit(service.RuleAuth), authHandler.Refresh)
		auth.POST("/logout", authenticate, authHandler.Logout)
		auth.POST("/forgot-password", limit(service.RulePasswordReset), authHandler.ForgotPassword)
		auth.POST("/reset-password", limit(service.RulePasswordReset), authHandler.ResetPassword)
		auth.POST("/verify-email/:token", authHandler.VerifyEmail)
		auth.POST("/resend-verification", limit(service.RuleEmailVerification), authenticate, authHandler.ResendVerification)
		auth.GET("/me", authenticate, authHandler.Me)
		auth.POST("/users/:id/revoke", authenticate,
			RequireRoles(resp, model.RoleAdmin, model.RoleSuperAdmin), authHandler.RevokeUser)
	}

	r.NoRoute(NotFound(resp))
	return r
}
