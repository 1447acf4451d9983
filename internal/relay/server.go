// Package relay is a small HTTP event relay: devices push the events they
// author and pull everyone else's, paging by server timestamp.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/marcus/shelf/internal/events"
	"github.com/marcus/shelf/internal/models"
)

// Error codes of structured error responses.
const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeInternal     = "internal"
)

// APIError is the structured error body.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse wraps an APIError for JSON serialization.
type ErrorResponse struct {
	Error APIError `json:"error"`
}

// PushRequest is the body of POST /v1/events.
type PushRequest struct {
	DeviceID string         `json:"device_id"`
	Events   []events.Event `json:"events"`
}

// HealthResponse is the body of GET /healthz. ServerTimestamp is the
// current head of the log.
type HealthResponse struct {
	Status          string `json:"status"`
	ServerTimestamp int64  `json:"server_timestamp"`
}

// Server serves the relay API.
type Server struct {
	config Config
	store  *Store
	log    *slog.Logger
	router *gin.Engine
	http   *http.Server
}

// NewServer wires routes for store.
func NewServer(cfg Config, store *Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxPullLimit <= 0 {
		cfg.MaxPullLimit = 1000
	}
	s := &Server{config: cfg, store: store, log: logger}
	s.router = s.routes()
	s.http = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestLogger())

	cc := cors.Config{
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if len(s.config.CORSAllowedOrigins) == 0 {
		cc.AllowAllOrigins = true
	} else {
		cc.AllowOrigins = s.config.CORSAllowedOrigins
	}
	r.Use(cors.New(cc))

	r.GET("/healthz", s.handleHealth)

	v1 := r.Group("/v1")
	v1.Use(s.auth())
	{
		v1.POST("/events", s.handlePush)
		v1.GET("/events", s.handlePull)
		v1.POST("/devices", s.handleRegisterDevice)
		v1.GET("/devices", s.handleDevices)
	}
	return r
}

// Start begins listening for HTTP requests (non-blocking).
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server", "err", err)
		}
	}()
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Info("req",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"dur", time.Since(start).String(),
		)
	}
}

func (s *Server) auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimSpace(s.config.AuthToken)
		if token == "" {
			c.Next()
			return
		}
		h := strings.TrimSpace(c.GetHeader("Authorization"))
		if !strings.HasPrefix(strings.ToLower(h), "bearer ") || strings.TrimSpace(h[7:]) != token {
			abortError(c, http.StatusUnauthorized, ErrCodeUnauthorized, "missing or invalid bearer token")
			return
		}
		c.Next()
	}
}

func abortError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, ErrorResponse{Error: APIError{Code: code, Message: message}})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "ok", ServerTimestamp: s.store.Head()})
}

func (s *Server) handlePush(c *gin.Context) {
	var req PushRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid json body")
		return
	}
	if strings.TrimSpace(req.DeviceID) == "" {
		abortError(c, http.StatusBadRequest, ErrCodeBadRequest, "device_id required")
		return
	}
	res, err := s.store.InsertEvents(c.Request.Context(), req.DeviceID, req.Events)
	if err != nil {
		s.log.Error("push", "device", req.DeviceID, "err", err)
		abortError(c, http.StatusInternalServerError, ErrCodeInternal, "store events failed")
		return
	}
	s.log.Debug("push", "device", req.DeviceID, "accepted", res.SuccessCount, "rejected", res.FailureCount)
	c.JSON(http.StatusOK, res)
}

func (s *Server) handlePull(c *gin.Context) {
	since, err := parseInt64(c.Query("since"), 0)
	if err != nil || since < 0 {
		abortError(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid since")
		return
	}
	limit, err := parseInt64(c.Query("limit"), 100)
	if err != nil || limit <= 0 {
		abortError(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid limit")
		return
	}
	if limit > int64(s.config.MaxPullLimit) {
		limit = int64(s.config.MaxPullLimit)
	}
	res, err := s.store.EventsSince(c.Request.Context(), since, int(limit), c.Query("exclude_device"))
	if err != nil {
		s.log.Error("pull", "err", err)
		abortError(c, http.StatusInternalServerError, ErrCodeInternal, "read events failed")
		return
	}
	if res.Events == nil {
		res.Events = []events.Event{}
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleRegisterDevice(c *gin.Context) {
	var d models.Device
	if err := c.ShouldBindJSON(&d); err != nil || strings.TrimSpace(d.ID) == "" {
		abortError(c, http.StatusBadRequest, ErrCodeBadRequest, "device_id required")
		return
	}
	if err := s.store.UpsertDevice(c.Request.Context(), d); err != nil {
		s.log.Error("register device", "device", d.ID, "err", err)
		abortError(c, http.StatusInternalServerError, ErrCodeInternal, "register device failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleDevices(c *gin.Context) {
	ds, err := s.store.Devices(c.Request.Context())
	if err != nil {
		s.log.Error("list devices", "err", err)
		abortError(c, http.StatusInternalServerError, ErrCodeInternal, "list devices failed")
		return
	}
	c.JSON(http.StatusOK, ds)
}

func parseInt64(v string, fallback int64) (int64, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback, nil
	}
	return strconv.ParseInt(v, 10, 64)
}
