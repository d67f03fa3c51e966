// Package sandbox is an in-process backend that speaks the signed-envelope
// mobile protocol. It serves the routing rules file, enrolls certificates and
// answers the built-in resources from a seeded in-memory store, so the client
// and CLI can be exercised end to end without a real school.
package sandbox

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jmerrifield20/hebe/pkg/hebe"
	"github.com/jmerrifield20/hebe/pkg/signer"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// CodeRateLimited is the envelope status sent with HTTP 429.
const CodeRateLimited = 429

// Config controls a Server.
type Config struct {
	// BaseURL is the public address of the server, used in the routing rules
	// and in account RestURLs. Empty means derive it from each request's Host.
	BaseURL string
	// PageLimit caps the pageSize a client may ask for.
	PageLimit int
	// RateLimitRPS of 0 disables per-IP rate limiting.
	RateLimitRPS   float64
	RateLimitBurst int
	CORSOrigins    []string
	// Registry receives the server metrics. A fresh registry is used when nil.
	Registry *prometheus.Registry
	// Now replaces time.Now.
	Now func() time.Time
}

// Server is the sandbox HTTP backend.
type Server struct {
	cfg      Config
	store    *Store
	logger   *zap.Logger
	metrics  *metrics
	entities map[string]route
	router   *gin.Engine
}

// New builds a Server over store.
func New(cfg Config, store *Store, logger *zap.Logger) *Server {
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = 500
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:      cfg,
		store:    store,
		logger:   logger,
		metrics:  newMetrics(cfg.Registry),
		entities: entityRoutes(),
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the HTTP handler serving every sandbox route.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()
	router.HandleMethodNotAllowed = true
	router.Use(gin.Recovery())
	router.Use(s.metrics.middleware())
	if len(s.cfg.CORSOrigins) > 0 {
		router.Use(cors.New(corsConfig(s.cfg.CORSOrigins)))
	}
	if s.cfg.RateLimitRPS > 0 {
		burst := s.cfg.RateLimitBurst
		if burst <= 0 {
			burst = int(s.cfg.RateLimitRPS * 2)
		}
		router.Use(rateLimiter(s.cfg.RateLimitRPS, burst, func(c *gin.Context) {
			s.writeStatus(c, http.StatusTooManyRequests, CodeRateLimited, "rate limit exceeded")
		}))
	}
	router.Use(requestLogger(s.logger))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", s.metrics.handler())
	router.GET("/RoutingRules.txt", s.routingRules)

	unit := router.Group("/:symbol/api/mobile")
	unit.POST("/register/new", s.register)
	unit.GET("/*entity", s.authenticate, s.entity)
	return router
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{
			"Origin", "Content-Type", "Accept", "Signature", "Digest", "UserAgent",
			signer.HeaderDate, signer.HeaderCanonicalURL, "vOS", "vDeviceModel", "vAPI",
		},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	for _, o := range origins {
		if o == "*" {
			cfg.AllowAllOrigins = true
			return cfg
		}
	}
	cfg.AllowOrigins = origins
	return cfg
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

// baseURL is the configured public address, or the one the request came in on.
func (s *Server) baseURL(c *gin.Context) string {
	if s.cfg.BaseURL != "" {
		return strings.TrimRight(s.cfg.BaseURL, "/")
	}
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + c.Request.Host
}

// respond writes a successful envelope carrying payload under tag.
func (s *Server) respond(c *gin.Context, tag string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("marshal payload", zap.String("tag", tag), zap.Error(err))
		s.writeStatus(c, http.StatusInternalServerError, 500, "internal error")
		return
	}
	c.JSON(http.StatusOK, s.envelope(tag, raw, hebe.Status{Code: hebe.CodeOK, Message: "OK"}))
}

// fail aborts the request with a non-zero envelope status. Protocol failures
// travel over HTTP 200, like the real backend.
func (s *Server) fail(c *gin.Context, code int, msg string) {
	s.writeStatus(c, http.StatusOK, code, msg)
	c.Abort()
}

func (s *Server) writeStatus(c *gin.Context, httpStatus, code int, msg string) {
	s.metrics.status(code)
	c.JSON(httpStatus, s.envelope("", json.RawMessage("null"), hebe.Status{Code: code, Message: msg}))
}

func (s *Server) envelope(tag string, payload json.RawMessage, st hebe.Status) hebe.ResponseEnvelope {
	now := s.cfg.Now()
	return hebe.ResponseEnvelope{
		EnvelopeType:       tag,
		Envelope:           payload,
		Status:             st,
		RequestID:          uuid.NewString(),
		Timestamp:          float64(now.UnixMilli()),
		TimestampFormatted: now.Format("2006-01-02 15:04:05"),
	}
}
