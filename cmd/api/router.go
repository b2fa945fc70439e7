package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"roomattend/internal/attendance"
	"roomattend/internal/auth"
	"roomattend/internal/config"
	"roomattend/internal/httpmiddleware"
	"roomattend/internal/pipeline"
	"roomattend/internal/queue"
	"roomattend/internal/recognition"
)

// TokenStore persists refresh tokens issued at registration.
type TokenStore interface {
	SaveRefreshToken(ctx context.Context, deviceID, token string, expiresAt time.Time) error
}

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) bool

type server struct {
	cfg    config.App
	att    *attendance.Service
	tokens TokenStore
	frames queue.Queue
	checks map[string]HealthCheck
	log    *slog.Logger
}

func newRouter(s *server) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewSimpleTokenBucket(s.cfg.RateLimitPerMin, s.cfg.RateLimitPerMin).GinMiddleware(httpmiddleware.ClientIP))

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", s.healthz)
	r.POST("/v1/devices/register", s.registerDevice)

	deviceLimit := httpmiddleware.NewSimpleTokenBucket(s.cfg.RateLimitPerMin, s.cfg.RateLimitPerMin)
	authGroup := r.Group("/v1", auth.DeviceAuth(s.cfg.JWTSigningKey, s.cfg.JWTIssuer), deviceLimit.GinMiddleware(httpmiddleware.DeviceOrIP))
	authGroup.POST("/frames", s.submitFrame)
	authGroup.GET("/logs", s.listLogs)

	return r
}

func (s *server) healthz(c *gin.Context) {
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	body := gin.H{"status": "ok"}
	status := http.StatusOK
	for _, name := range names {
		ok := s.checks[name](c.Request.Context())
		body[name] = ok
		if !ok {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
	}
	c.JSON(status, body)
}

func (s *server) registerDevice(c *gin.Context) {
	var req struct {
		DeviceID string `json:"device_id" binding:"required"`
		Room     string `json:"room" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.att.RegisterDevice(c.Request.Context(), req.DeviceID, req.Room); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tokens, err := auth.Issue(req.DeviceID, auth.RoleDevice, req.Room, s.cfg.JWTIssuer, s.cfg.JWTSigningKey, s.cfg.AccessTTL, s.cfg.RefreshTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
		return
	}

	if s.tokens != nil {
		if err := s.tokens.SaveRefreshToken(c.Request.Context(), req.DeviceID, tokens.RefreshToken, tokens.RefreshExp); err != nil {
			s.log.Warn("refresh token not stored", "device", req.DeviceID, "error", err)
		}
	}

	c.JSON(http.StatusCreated, gin.H{
		"access_token":  tokens.AccessToken,
		"refresh_token": tokens.RefreshToken,
		"expires_at":    tokens.AccessExp.Unix(),
		"room":          req.Room,
	})
}

func (s *server) submitFrame(c *gin.Context) {
	var req struct {
		ID         string                  `json:"id"`
		Room       string                  `json:"room"`
		Timestamp  time.Time               `json:"timestamp" binding:"required"`
		Detections []recognition.Detection `json:"detections"`
		ImageURL   string                  `json:"image_url"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	claims, _ := auth.ClaimsFrom(c)
	if req.Room == "" {
		req.Room = claims.Room
	}
	if req.Room != claims.Room {
		c.JSON(http.StatusForbidden, gin.H{"error": "room mismatch"})
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	msg, err := queue.NewMessage(queue.TypeFrame, pipeline.Batch{
		ID:         req.ID,
		Room:       req.Room,
		Timestamp:  req.Timestamp,
		Detections: req.Detections,
		ImageURL:   req.ImageURL,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.frames.Publish(c.Request.Context(), msg); err != nil {
		s.log.Error("queue publish failed", "frame", req.ID, "room", req.Room, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "frame not queued"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"frame_id": req.ID, "room": req.Room})
}

func (s *server) listLogs(c *gin.Context) {
	f := attendance.Filter{
		SessionID: c.Query("session_id"),
		PersonID:  c.Query("person_id"),
		Date:      c.Query("date"),
		Status:    attendance.Status(c.Query("status")),
	}
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			f.Limit = parsed
		}
	}
	if v := c.Query("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			f.Offset = parsed
		}
	}

	records, err := s.att.Logs(c.Request.Context(), f)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, attendance.ErrInvalidFilter) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	if records == nil {
		records = []attendance.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware
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
