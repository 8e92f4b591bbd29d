package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/lancast/internal/models"
	"github.com/mossy-p/lancast/internal/transport"
	"github.com/sirupsen/logrus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// Hub is the part of the signaling router the HTTP surface needs.
type Hub interface {
	// Attach hands a freshly accepted endpoint to the router. The peer
	// identity is bound later by its join-request.
	Attach(ep transport.Endpoint)
	Peers() []models.PeerInfo
	LocalID() models.PeerID
}

// HandleSignaling upgrades browser peers to a WebSocket endpoint.
func HandleSignaling(hub Hub, log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.WithError(err).Warn("Failed to upgrade connection")
			return
		}
		log.WithField("remote", conn.RemoteAddr().String()).Debug("WebSocket peer connected")
		hub.Attach(transport.NewWebSocketEndpoint(conn, log))
	}
}
