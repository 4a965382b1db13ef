package host

import (
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/procbus/internal/observability"
	"github.com/danmuck/procbus/internal/route"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const version = "0.1.0"

type channelInfo struct {
	Key         string `json:"key"`
	Subscribers int    `json:"subscribers"`
}

func (s *Service) newAdminRouter() *gin.Engine {
	observability.RegisterMetrics()
	self := s.registry.Self().String()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(self))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(s.cfg.CORSOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.started).String(),
			"process": self,
			"version": version,
		})
	})

	r.GET("/ready", func(c *gin.Context) {
		status := http.StatusOK
		if !s.ready.Load() {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"ready": s.ready.Load(), "process": self})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/processes", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"self":      self,
			"main":      s.registry.IsMain(),
			"reachable": s.registry.Names(),
		})
	})

	r.GET("/connections", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"connections": s.conns.Live()})
	})

	r.GET("/channels", func(c *gin.Context) {
		keys := s.bus.Keys()
		out := make([]channelInfo, 0, len(keys))
		for _, k := range keys {
			out = append(out, channelInfo{Key: k, Subscribers: s.bus.SubscriberCount(k)})
		}
		c.JSON(http.StatusOK, gin.H{"channels": out})
	})

	r.POST("/route", func(c *gin.Context) {
		var req route.Request
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := req.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, s.router.Route(c.Request.Context(), req))
	})

	r.POST("/publish/:key", func(c *gin.Context) {
		var payload route.Payload
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&payload); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, s.router.Publish(c.Request.Context(), c.Param("key"), payload))
	})
	return r
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"http://localhost:3000"}
	}
	return out
}
