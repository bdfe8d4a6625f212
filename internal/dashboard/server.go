package dashboard

import (
	"crypto/subtle"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"execution-core/internal/events"
	"execution-core/internal/governor"
	"execution-core/pkg/db"
)

// Server wires the dashboard endpoints around the read model.
type Server struct {
	Router      *gin.Engine
	Bus         *events.Bus
	DB          *db.Database
	View        *View
	Gov         *governor.Governor
	JWTSecret   string
	OperatorKey string
}

func NewServer(bus *events.Bus, database *db.Database, view *View, gov *governor.Governor, jwtSecret, operatorKey string) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(rateLimitMiddleware())
	r.Use(corsMiddleware())

	s := &Server{
		Router:      r,
		Bus:         bus,
		DB:          database,
		View:        view,
		Gov:         gov,
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
		api.POST("/auth/login", s.login)

		protected := api.Group("")
		protected.Use(authMiddleware(s.JWTSecret))
		{
			protected.GET("/dashboard", s.getDashboard)
			protected.GET("/accounts", s.getAccounts)
			protected.GET("/positions", s.getPositions)
			protected.GET("/trades", s.getTrades)
			protected.GET("/incidents", s.getIncidents)

			// The only mutating surface: the operator kill switch.
			protected.POST("/kill-switch", s.setKillSwitch)
			protected.POST("/accounts/:id/kill-switch", s.setAccountKillSwitch)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Start serves until the listener fails.
func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}

// ----------------------------------------
// Auth
// ----------------------------------------

type operatorClaims struct {
	jwt.RegisteredClaims
}

func (s *Server) login(c *gin.Context) {
	var req struct {
		OperatorKey string `json:"operator_key"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	if s.OperatorKey == "" ||
		subtle.ConstantTimeCompare([]byte(req.OperatorKey), []byte(s.OperatorKey)) != 1 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid operator key"})
		return
	}

	claims := operatorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "operator",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(12 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.JWTSecret))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token generation failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

func authMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		tokenStr, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || tokenStr == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		token, err := jwt.ParseWithClaims(tokenStr, &operatorClaims{}, func(t *jwt.Token) (any, error) {
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Next()
	}
}

// ----------------------------------------
// Read endpoints
// ----------------------------------------

func (s *Server) getDashboard(c *gin.Context) {
	snap, err := s.View.Build(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) getAccounts(c *gin.Context) {
	vas, err := s.DB.ListVirtualAccounts(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, vas)
}

func (s *Server) getPositions(c *gin.Context) {
	positions, err := s.DB.ListPositions(c.Request.Context(), c.Query("va_id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, positions)
}

func (s *Server) getTrades(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	trades, err := s.DB.ListTrades(c.Request.Context(), c.Query("va_id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, trades)
}

func (s *Server) getIncidents(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	incidents, err := s.DB.ListIncidents(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, incidents)
}

// ----------------------------------------
// Operator actions
// ----------------------------------------

func (s *Server) setKillSwitch(c *gin.Context) {
	var req struct {
		Engaged bool `json:"engaged"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	s.Gov.SetGlobalKill(req.Engaged)
	c.JSON(http.StatusOK, gin.H{"kill_switch": req.Engaged})
}

func (s *Server) setAccountKillSwitch(c *gin.Context) {
	var req struct {
		Engaged bool `json:"engaged"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	vaID := c.Param("id")
	if err := s.Gov.SetAccountKill(c.Request.Context(), vaID, req.Engaged); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"va_id": vaID, "kill_switch": req.Engaged})
}

// ----------------------------------------
// Middleware
// ----------------------------------------

var (
	ipLimiters = make(map[string]*rate.Limiter)
	limiterMu  sync.Mutex
)

func getIPLimiter(ip string) *rate.Limiter {
	limiterMu.Lock()
	defer limiterMu.Unlock()

	if limiter, ok := ipLimiters[ip]; ok {
		return limiter
	}
	limiter := rate.NewLimiter(rate.Limit(20), 50)
	ipLimiters[ip] = limiter
	return limiter
}

func rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !getIPLimiter(c.ClientIP()).Allow() {
			log.Printf("dashboard: rate limited %s", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
