package web

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// HandleInbox serves both the personal and the shared inbox. The middleware
// chain has already resolved the recipient (personal inbox only) and
// authenticated the sender.
func (s *Server) HandleInbox(c *gin.Context) {
	verified := verifiedFrom(c)
	if verified == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	res := s.inbox.Receive(c.Request.Context(), verified.Body, verified.Actor, recipientFrom(c))
	if res.Status == http.StatusAccepted {
		c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
		return
	}

	resp := gin.H{"error": res.Message}
	if len(res.Errors) > 0 {
		resp["errors"] = res.Errors
	}
	c.JSON(res.Status, resp)
}
