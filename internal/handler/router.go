package handler

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"facekiosk/internal/auth"
	"facekiosk/internal/httpmiddleware"
)

// RouterOptions configures the middleware stack.
type RouterOptions struct {
	// Limiter guards the management routes per client IP.
	Limiter *httpmiddleware.TokenBucket
	// LiveLimiter guards status polling and frame pushes per device. These
	// run at the poll rate and must not share the management bucket.
	LiveLimiter *httpmiddleware.TokenBucket
	// WebDir serves the kiosk page when set.
	WebDir string
}

// Router builds the gin engine with every route registered.
func (h *Handler) Router(opts RouterOptions) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:    []string{"Origin", "Content-Type", "Accept", "Authorization"},
		MaxAge:          24 * time.Hour,
	}))
	r.Use(securityHeaders())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", h.Healthz)

	v1 := r.Group("/v1")

	live := v1.Group("/kiosk", auth.DeviceAuth(h.issuer))
	if opts.LiveLimiter != nil {
		live.Use(opts.LiveLimiter.Middleware(deviceKey))
	}
	live.GET("", h.KioskStatus)
	live.POST("/frames", h.PushFrame)

	api := v1.Group("")
	if opts.Limiter != nil {
		api.Use(opts.Limiter.Middleware(nil))
	}
	api.POST("/devices/register", h.RegisterDevice)
	api.POST("/devices/refresh", h.RefreshToken)

	authed := api.Group("", auth.DeviceAuth(h.issuer))
	authed.POST("/kiosk/session", h.StartSession)
	authed.DELETE("/kiosk/session", h.StopSession)
	authed.GET("/kiosk/records", h.KioskRecords)
	authed.GET("/records", h.ListRecords)

	if opts.WebDir != "" {
		r.StaticFile("/", opts.WebDir+"/index.html")
		r.Static("/static", opts.WebDir+"/static")
	}
	return r
}

func deviceKey(c *gin.Context) string {
	if claims, ok := auth.ClaimsFrom(c); ok {
		return "device:" + claims.Subject
	}
	return ""
}

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		c.Next()
	}
}
