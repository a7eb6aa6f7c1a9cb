package api

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/metrics"
)

// RouterOptions configures middleware.
type RouterOptions struct {
	ServiceName string
	CORSOrigins []string
	Logger      *zap.Logger
}

// NewRouter wires the control routes.
func NewRouter(h *Handler, opts RouterOptions) *gin.Engine {
	if opts.ServiceName == "" {
		opts.ServiceName = "chatsyncd"
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(opts.ServiceName))
	router.Use(metrics.GinMiddleware())
	router.Use(requestLogger(opts.Logger))
	if len(opts.CORSOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:  opts.CORSOrigins,
			AllowMethods:  []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowHeaders:  []string{"Origin", "Content-Type", "Accept"},
			ExposeHeaders: []string{"Content-Length"},
			MaxAge:        12 * time.Hour,
		}))
	}

	router.GET("/status", h.Status)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/conversations", h.ListConversations)
	router.POST("/conversations/close", h.CloseConversation)
	router.GET("/conversations/:id", h.GetConversation)
	router.DELETE("/conversations/:id", h.DeleteConversation)
	router.POST("/conversations/:id/open", h.OpenConversation)
	router.POST("/conversations/:id/messages", h.SendMessage)
	router.POST("/conversations/:id/typing", h.Typing)
	router.GET("/conversations/:id/summaries", h.ListSummaries)
	router.POST("/conversations/:id/summaries", h.GenerateSummary)

	router.GET("/window", h.GetWindow)
	router.POST("/outbox/:clientId/retry", h.RetrySend)
	router.GET("/users/:id/presence", h.Presence)
	return router
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("control request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
