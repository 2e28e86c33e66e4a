// Package httpapi serves the HTTP side of the API: the websocket endpoint,
// the polling fallback for message history, health and metrics.
package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/PaulBabatuyi/swipepay/internal/apperr"
	"github.com/PaulBabatuyi/swipepay/internal/auth"
	"github.com/PaulBabatuyi/swipepay/internal/chat"
	"github.com/PaulBabatuyi/swipepay/internal/logger"
	"github.com/PaulBabatuyi/swipepay/internal/metrics"
	"github.com/PaulBabatuyi/swipepay/internal/middleware"
)

// MessageLister is the history query behind the polling endpoint.
type MessageLister interface {
	ListMessages(ctx context.Context, conversationID, userID, cursor string, limit int) (chat.Page, error)
}

// Authenticator resolves bearer tokens.
type Authenticator interface {
	Authenticate(token string) (auth.Identity, error)
}

type Options struct {
	WS          http.HandlerFunc
	Messages    MessageLister
	Authn       Authenticator
	Governor    middleware.Governor
	Gatherer    prometheus.Gatherer
	Health      func(ctx context.Context) error
	CORSOrigins []string
	Log         *zap.Logger
	Metrics     *metrics.Metrics
}

// New builds the gin engine.
func New(o Options) *gin.Engine {
	log := logger.OrNop(o.Log)

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(log))
	r.Use(cors.New(corsConfig(o.CORSOrigins)))

	r.GET("/healthz", func(c *gin.Context) {
		if o.Health != nil {
			if err := o.Health(c.Request.Context()); err != nil {
				log.Warn("health check failed", zap.Error(err))
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if o.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(o.Gatherer, promhttp.HandlerOpts{})))
	}
	if o.WS != nil {
		// every connect presents a token, so it spends the auth budget
		ws := []gin.HandlerFunc{gin.WrapF(o.WS)}
		if o.Governor != nil {
			ws = append([]gin.HandlerFunc{middleware.RateLimit(o.Governor, middleware.BucketAuth, log, o.Metrics)}, ws...)
		}
		r.GET("/ws", ws...)
	}

	v1 := r.Group("/v1")
	v1.Use(TokenAuth(o.Authn))
	if o.Governor != nil {
		v1.Use(middleware.RateLimit(o.Governor, middleware.BucketMessaging, log, o.Metrics))
	}
	v1.GET("/conversations/:id/messages", listMessages(o.Messages))
	return r
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", "X-Payment-Signature"},
		ExposeHeaders: []string{"Retry-After"},
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
		cfg.AllowCredentials = true
	}
	return cfg
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		log.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
		)
	}
}

// TokenAuth requires a bearer token and stores the identity in the request
// context for the handlers and the rate limiter.
func TokenAuth(authn Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.GetHeader("Authorization")
		token := ""
		if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
			token = strings.TrimSpace(h[7:])
		}
		if token == "" || authn == nil {
			abortWith(c, apperr.Unauthenticated("missing bearer token"))
			return
		}
		id, err := authn.Authenticate(token)
		if err != nil {
			abortWith(c, apperr.Unauthenticated("invalid token"))
			return
		}
		c.Request = c.Request.WithContext(auth.WithIdentity(c.Request.Context(), id))
		c.Set("identity", id)
		c.Next()
	}
}

func listMessages(svc MessageLister) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, _ := auth.IdentityFrom(c.Request.Context())
		limit := 0
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				abortWith(c, apperr.Validation("limit must be a positive integer"))
				return
			}
			limit = n
		}
		page, err := svc.ListMessages(c.Request.Context(), c.Param("id"), id.UserID, c.Query("cursor"), limit)
		if err != nil {
			abortWith(c, err)
			return
		}
		c.JSON(http.StatusOK, page)
	}
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindUnauthenticated:
		return http.StatusUnauthorized
	case apperr.KindAuthorization:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindRateLimited:
		return http.StatusTooManyRequests
	case apperr.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func abortWith(c *gin.Context, err error) {
	e, ok := apperr.As(err)
	if !ok {
		e = apperr.Wrap(apperr.KindInternal, "internal error", err)
	}
	body := gin.H{"error": e.Message, "kind": e.Kind}
	if e.Reason != "" {
		body["reason"] = e.Reason
	}
	if e.Kind == apperr.KindRateLimited {
		c.Header("Retry-After", strconv.Itoa(middleware.RetryAfterSeconds(e.RetryAfter)))
	}
	if e.Kind == apperr.KindInternal {
		body["error"] = "internal error"
	}
	c.AbortWithStatusJSON(StatusFor(e.Kind), body)
}
