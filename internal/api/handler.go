package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"options-core/internal/controller"
	"options-core/internal/events"
	"options-core/pkg/db"

	"github.com/gin-gonic/gin"
)

// Server wires the ops HTTP endpoints around the controller.
type Server struct {
	Router      *gin.Engine
	Bus         *events.Bus
	Store       *db.Database
	Ctrl        *controller.Controller
	JWTSecret   string
	OperatorKey string
}

func NewServer(bus *events.Bus, store *db.Database, ctrl *controller.Controller, jwtSecret, operatorKey string) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(ctrl.Metrics))
	r.Use(RateLimitMiddleware())
	r.Use(TimeoutMiddleware(30 * time.Second))

	s := &Server{
		Router:      r,
		Bus:         bus,
		Store:       store,
		Ctrl:        ctrl,
		JWTSecret:   jwtSecret,
		OperatorKey: operatorKey,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	{
		api.POST("/auth/token", s.issueToken)

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.GET("/status", s.getStatus)
			protected.GET("/metrics", s.getMetrics)
			protected.GET("/legs", s.getLegs)
			protected.GET("/realized", s.getRealized)
			protected.GET("/reconcile", s.getReconcile)
			protected.POST("/signal", s.postSignal)
			protected.POST("/squareoff", s.postSquareOff)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.Ctrl.Status())
}

func (s *Server) getMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.Ctrl.Metrics.Snapshot())
}

func (s *Server) getLegs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"legs": s.Ctrl.Registry.Snapshot()})
}

func (s *Server) getRealized(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	trades, err := s.Store.ListRealized(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func (s *Server) getReconcile(c *gin.Context) {
	c.JSON(http.StatusOK, s.Ctrl.Reconcile.LastReport())
}

// postSignal accepts a trade signal: a list of option symbols to enter.
func (s *Server) postSignal(c *gin.Context) {
	var req struct {
		Symbols []string `json:"symbols"`
	}
	if err := c.BindJSON(&req); err != nil || len(req.Symbols) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": "symbols list is required",
		})
		return
	}

	// Entries run detached from the request; a closed HTTP connection must
	// not abort an order mid-flight.
	s.Ctrl.OnSignal(context.Background(), req.Symbols...)
	c.JSON(http.StatusAccepted, gin.H{"accepted": req.Symbols})
}

func (s *Server) postSquareOff(c *gin.Context) {
	go s.Ctrl.SquareOffAll(context.Background())
	c.JSON(http.StatusAccepted, gin.H{"status": "square-off started"})
}

func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
