// Package api exposes the bridge's HTTP surface: the operator/signal API,
// the terminal websocket endpoint, health and metrics.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"execbridge/internal/bridge"
	"execbridge/internal/monitor"
	"execbridge/pkg/crypto"
	"execbridge/pkg/db"
)

// Server wires the HTTP endpoints around the execution service and hub.
type Server struct {
	Router            *gin.Engine
	Store             *db.Database
	Service           *bridge.Service
	Hub               *bridge.Hub
	Enc               *crypto.Encryptor
	JWTSecret         string
	HeartbeatInterval time.Duration

	registry *prometheus.Registry
}

// NewServer builds the router with the full middleware stack.
func NewServer(store *db.Database, svc *bridge.Service, hub *bridge.Hub,
	enc *crypto.Encryptor, registry *prometheus.Registry, jwtSecret string, heartbeatInterval time.Duration) *Server {
	r := gin.New()

	// Middleware order matters: recovery first, CORS last before routes.
	// Rate limiting and the request timeout apply to /api only; the
	// websocket endpoint is long-lived and must not be cut off.
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger())
	r.Use(CORSMiddleware())

	s := &Server{
		Router:            r,
		Store:             store,
		Service:           svc,
		Hub:               hub,
		Enc:               enc,
		JWTSecret:         jwtSecret,
		HeartbeatInterval: heartbeatInterval,
		registry:          registry,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)
	if s.registry != nil {
		s.Router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	}

	api := s.Router.Group("/api")
	api.Use(RateLimitMiddleware())
	api.Use(TimeoutMiddleware(30 * time.Second))
	api.Use(AuthMiddleware(s.JWTSecret))
	{
		api.POST("/signals", s.createSignal)
		api.POST("/execute", s.executeSignal)
		api.POST("/close", s.closeSignal)
		api.POST("/close-all", s.closeAll)
		api.GET("/executions", s.listExecutions)
		api.GET("/executions/:id", s.getExecution)
		api.GET("/account", s.getAccount)
		api.POST("/accounts", s.createTerminalAccount)
	}
}

// health reports the worst health across connected terminal links. A
// bridge with no terminals at all is unhealthy.
func (s *Server) health(c *gin.Context) {
	links := s.Hub.Links()

	overall := monitor.Unhealthy
	detail := make([]gin.H, 0, len(links))
	for i, l := range links {
		age, err := s.Hub.HeartbeatAge(l.AccountID)
		connected := err == nil
		status := monitor.Evaluate(connected, age, s.HeartbeatInterval)
		if i == 0 {
			overall = status
		} else {
			overall = monitor.Worst(overall, status)
		}
		detail = append(detail, gin.H{
			"account_id":    l.AccountID,
			"status":        status,
			"heartbeat_age": age.Seconds(),
		})
	}

	code := http.StatusOK
	if overall == monitor.Unhealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"status": overall, "links": detail})
}

// Start runs the HTTP server.
func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
