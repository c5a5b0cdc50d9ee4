package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/doojoo9999/liargame/internal/realtime/identity"
	"github.com/doojoo9999/liargame/internal/realtime/ratelimit"
)

// RequestLogger logs every request with method, path, status, and latency.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

// Auth parses an optional Bearer token. A valid token installs the
// Principal in the request context; a missing header leaves the request
// anonymous; a present but invalid token is rejected outright.
func Auth(secret string, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.Next()
			return
		}
		raw, found := strings.CutPrefix(header, "Bearer ")
		if !found {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "malformed authorization header"})
			return
		}

		principal, err := parseToken(raw, secret)
		if err != nil {
			logger.Debug("token rejected", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(identity.ContextKey, principal)
		c.Next()
	}
}

func parseToken(raw, secret string) (*identity.Principal, error) {
	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("unexpected claims type %T", token.Claims)
	}
	uid, ok := claims["uid"].(float64)
	if !ok || uid <= 0 {
		return nil, fmt.Errorf("missing uid claim")
	}

	p := &identity.Principal{UserID: int64(uid)}
	if nickname, ok := claims["nickname"].(string); ok {
		p.Nickname = nickname
	}
	if adm, ok := claims["adm"].(bool); ok {
		p.Admin = adm
	}
	return p, nil
}

// Identify resolves the request's identity, maintaining the guest cookie,
// and stashes it for downstream handlers. Must run after Auth.
func Identify(resolver *identity.Resolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		var principal *identity.Principal
		if v, ok := c.Get(identity.ContextKey); ok {
			principal, _ = v.(*identity.Principal)
		}
		id := resolver.Resolve(c.Writer, c.Request, principal)
		c.Set(identity.IdentityContextKey, id)
		c.Next()
	}
}

// identityFrom pulls the resolved identity out of the request context.
func identityFrom(c *gin.Context) identity.Identity {
	if v, ok := c.Get(identity.IdentityContextKey); ok {
		if id, ok := v.(identity.Identity); ok {
			return id
		}
	}
	return identity.Identity{}
}

// RateLimit enforces the API channel budget and attaches standing headers
// to every response. Must run after Identify.
func RateLimit(limiter *ratelimit.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := identity.ClientKey(c.Request, identityFrom(c))

		allowed := limiter.Allow(key, ratelimit.ChannelAPI)
		status := limiter.Status(key, ratelimit.ChannelAPI)

		c.Header("X-RateLimit-Limit", strconv.Itoa(status.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(status.Remaining()))
		if !status.ResetAt.IsZero() {
			c.Header("X-RateLimit-Reset", strconv.FormatInt(status.ResetAt.Unix(), 10))
		}

		if !allowed {
			retryAfter := int(time.Until(status.ResetAt).Seconds()) + 1
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"retry_after": retryAfter,
			})
			return
		}
		c.Next()
	}
}

// RequireAuth aborts anonymous requests. Must run after Auth.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := c.Get(identity.ContextKey); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		c.Next()
	}
}
