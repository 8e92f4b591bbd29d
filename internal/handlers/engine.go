package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/lancast/internal/auth"
	"github.com/mossy-p/lancast/internal/logging"
	"github.com/mossy-p/lancast/internal/middleware"
	"github.com/sirupsen/logrus"
)

// Deps wires the HTTP surface of the router's WebSocket listener.
type Deps struct {
	Hub            Hub
	Issuer         *auth.Issuer
	AllowedOrigins []string
	Production     bool
	Logger         logrus.FieldLogger
}

// NewEngine builds the gin engine served on the signaling port + 1.
func NewEngine(d Deps) *gin.Engine {
	log := logging.OrDefault(d.Logger)
	if d.Production {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(log))

	// Global CORS middleware (runs before routing)
	router.Use(OriginFilter(d.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	apiGroup := router.Group("/api")
	{
		apiGroup.POST("/pair", Pair(d.Issuer, log))
		apiGroup.GET("/peers", middleware.JWTAuth(d.Issuer), ListPeers(d.Hub))
	}

	wsGroup := router.Group("/ws")
	{
		wsGroup.GET("/signal", HandleSignaling(d.Hub, log))
	}

	return router
}

func requestLogger(log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		log.WithFields(logrus.Fields{
			"method": c.Request.Method,
			"path":   c.Request.URL.Path,
			"status": c.Writer.Status(),
			"from":   c.ClientIP(),
		}).Debug("request")
	}
}
