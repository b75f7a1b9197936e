package web

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/deemkeen/tusk/activitypub"
	"github.com/gin-gonic/gin"
)

// HandleWebFinger answers acct: and actor URI lookups for local accounts.
func (s *Server) HandleWebFinger(c *gin.Context) {
	resource := c.Query("resource")
	if resource == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "resource parameter required"})
		return
	}

	username, ok := s.webFingerUsername(resource)
	if !ok {
		c.JSON(http.StatusNotFound, GetWebFingerNotFound())
		return
	}

	acc, err := s.accounts.ReadAccountByUsername(c.Request.Context(), username, "")
	if err != nil {
		c.JSON(http.StatusNotFound, GetWebFingerNotFound())
		return
	}

	c.Header("Content-Type", "application/jrd+json; charset=utf-8")
	c.JSON(http.StatusOK, activitypub.WebFingerResponse{
		Subject: fmt.Sprintf("acct:%s@%s", acc.Username, s.domain),
		Aliases: []string{acc.URI},
		Links: []activitypub.WebFingerLink{
			{Rel: "self", Type: activitypub.ContentTypeActivityJSON, Href: acc.URI},
		},
	})
}

func (s *Server) webFingerUsername(resource string) (string, bool) {
	if acct, ok := strings.CutPrefix(resource, "acct:"); ok {
		username, host, err := activitypub.SplitAcct(acct)
		if err != nil || !strings.EqualFold(host, s.domain) {
			return "", false
		}
		return username, true
	}
	return activitypub.ParseLocalActorURI(s.baseURL, resource)
}

func GetWebFingerNotFound() gin.H {
	return gin.H{"detail": "Not Found"}
}
