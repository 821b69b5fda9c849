package handler

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/kulangara/backend/internal/apperr"
	"github.com/kulangara/backend/internal/logging"
	"github.com/kulangara/backend/internal/model"
	"github.com/kulangara/backend/internal/service"
)

const (
	authUserKey     = "auth_user"
	accessTokenKey  = "access_token"
	requestIDKey    = "request_id"
	requestIDHeader = "X-Request-ID"
)

// Authenticator resolves an access token to the acting user.
type Authenticator interface {
	Authenticate(ctx context.Context, rawAccess string) (*model.AuthUser, error)
}

func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(requestIDHeader))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func GetRequestID(c *gin.Context) string {
	return c.GetString(requestIDKey)
}

func RequestLogger(log logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info(c.Request.Context(), "request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latencyMs", time.Since(start).Milliseconds(),
			"clientIp", c.ClientIP(),
			"requestId", GetRequestID(c),
		)
	}
}

// Recovery turns a panic into a 500 envelope.
func Recovery(resp *Responder) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		resp.Error(c, apperr.Internal(fmt.Errorf("panic: %v", recovered)))
	})
}

func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "SAMEORIGIN")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Strict-Transport-Security", "max-age=15552000; includeSubDomains")
		h.Set("Cross-Origin-Opener-Policy", "same-origin")
		h.Set("X-DNS-Prefetch-Control", "off")
		c.Next()
	}
}

func CORSMiddleware(allowedOrigins []string, allowCredentials bool) gin.HandlerFunc {
	originMap := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		originMap[trimmed] = struct{}{}
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" {
			if _, ok := originMap[origin]; ok {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
				if allowCredentials {
					c.Header("Access-Control-Allow-Credentials", "true")
				}
				c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
				c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
				c.Header("Access-Control-Expose-Headers", "X-Request-ID, Retry-After")
			}
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// AuthMiddleware reads the access token from the accessToken cookie, falling
// back to an Authorization bearer header.
func AuthMiddleware(auth Authenticator, resp *Responder) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := accessTokenFrom(c)
		user, err := auth.Authenticate(c.Request.Context(), token)
		if err != nil {
			resp.Error(c, err)
			return
		}

		c.Set(authUserKey, user)
		c.Set(accessTokenKey, token)
		c.Next()
	}
}

func accessTokenFrom(c *gin.Context) string {
	if token, err := c.Cookie(accessTokenCookie); err == nil && token != "" {
		return token
	}
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return ""
}

// RequireRoles admits users holding one of roles. There is no hierarchy.
func RequireRoles(resp *Responder, roles ...model.Role) gin.HandlerFunc {
	allowed := make(map[model.Role]struct{}, len(roles))
	for _, role := range roles {
		allowed[role] = struct{}{}
	}

	return func(c *gin.Context) {
		user := GetAuthUser(c)
		if user == nil {
			resp.Error(c, apperr.Unauthorized(service.MsgAuthRequired))
			return
		}
		if _, ok := allowed[user.Role]; !ok {
			resp.Error(c, apperr.Forbidden(service.MsgInsufficientRole))
			return
		}
		c.Next()
	}
}

func GetAuthUser(c *gin.Context) *model.AuthUser {
	if value, ok := c.Get(authUserKey); ok {
		if user, ok := value.(*model.AuthUser); ok {
			return user
		}
	}
	return nil
}

// RateLimit counts requests per client IP against rule.
func RateLimit(limiter *service.RateLimiter, rule service.RateRule, resp *Responder) gin.HandlerFunc {
	return func(c *gin.Context) {
		decision := limiter.Allow(c.Request.Context(), rule, c.ClientIP())
		c.Header("RateLimit-Limit", strconv.FormatInt(decision.Limit, 10))
		c.Header("RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
		if !decision.Allowed {
			seconds := int(math.Ceil(decision.RetryAfter.Seconds()))
			if seconds < 1 {
				seconds = 1
			}
			c.Header("Retry-After", strconv.Itoa(seconds))
			resp.Error(c, apperr.RateLimited(rule.Message))
			return
		}
		c.Next()
	}
}

func NotFound(resp *Responder) gin.HandlerFunc {
	return func(c *gin.Context) {
		resp.Error(c, apperr.NotFound("Route not found"))
	}
}
