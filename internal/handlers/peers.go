package handlers

import (
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/lancast/internal/auth"
	"github.com/sirupsen/logrus"
)

// PairRequest represents the pairing request body
type PairRequest struct {
	DeviceName string `json:"deviceName" binding:"required"`
	TTLSeconds int    `json:"ttlSeconds"`
}

// PairResponse carries a token the viewer presents in its join-request.
type PairResponse struct {
	Token     string    `json:"token"`
	Subject   string    `json:"subject"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ListPeers returns the router's current roster.
func ListPeers(hub Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"localId": hub.LocalID(),
			"peers":   hub.Peers(),
		})
	}
}

// Pair issues a pairing token. Only the local device may ask for one; it
// then shows the token to the user (e.g. as a QR code) for the viewer.
func Pair(issuer *auth.Issuer, log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !issuer.Enabled() {
			c.JSON(http.StatusNotFound, gin.H{"error": "Pairing is disabled"})
			return
		}
		if !isLoopback(c.Request.RemoteAddr) {
			c.JSON(http.StatusForbidden, gin.H{"error": "Pairing tokens are issued to the local device only"})
			return
		}

		var req PairRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}

		ttl := time.Duration(req.TTLSeconds) * time.Second
		if ttl <= 0 {
			ttl = auth.DefaultTTL
		}
		subject := "pair:" + req.DeviceName
		token, err := issuer.Issue(subject, req.DeviceName, ttl)
		if err != nil {
			log.WithError(err).Error("Failed to issue pairing token")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate token"})
			return
		}

		c.JSON(http.StatusOK, PairResponse{
			Token:     token,
			Subject:   subject,
			ExpiresAt: time.Now().Add(ttl),
		})
	}
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
