package web

import (
	"errors"
	"mime"
	"net/http"
	"strings"

	"github.com/deemkeen/tusk/activitypub"
	"github.com/deemkeen/tusk/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const activityJSONUTF8 = "application/activity+json; charset=utf-8"

// HandleActor serves the AS2 Person of a local account. Peers fetch it to
// verify our signatures.
func (s *Server) HandleActor(c *gin.Context) {
	acc, err := s.accounts.ReadAccountByUsername(c.Request.Context(), c.Param("username"), "")
	if err != nil {
		s.notFoundOrError(c, err)
		return
	}
	renderAS2(c, http.StatusOK, activitypub.LocalActorDocument(acc, s.baseURL))
}

// HandleNote serves a local note as an AS2 Note, or a Tombstone with 410
// once it is deleted. Only AS2 requests are answered here.
func (s *Server) HandleNote(c *gin.Context) {
	if !acceptsActivityJSON(c.GetHeader("Accept")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not Found"})
		return
	}

	noteId, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Invalid note ID"})
		return
	}

	ctx := c.Request.Context()
	note, err := s.notes.ReadNoteById(ctx, noteId)
	if err != nil {
		s.notFoundOrError(c, err)
		return
	}
	// remote copies and non-public notes are not ours to serve
	if note.URI != activitypub.LocalNoteURI(s.baseURL, note.Id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Note not found"})
		return
	}

	if note.IsDeleted {
		renderAS2(c, http.StatusGone, activitypub.NoteTombstone(note))
		return
	}
	if note.Visibility != domain.VisibilityPublic && note.Visibility != domain.VisibilityHome {
		c.JSON(http.StatusNotFound, gin.H{"error": "Note not found"})
		return
	}

	author, err := s.accounts.ReadAccountById(ctx, note.AuthorId)
	if err != nil {
		s.notFoundOrError(c, err)
		return
	}
	renderAS2(c, http.StatusOK, activitypub.NoteToAS2(note, author))
}

func (s *Server) notFoundOrError(c *gin.Context, err error) {
	if errors.Is(err, domain.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not Found"})
		return
	}
	s.logger.Error("Store lookup failed", "path", c.Request.URL.Path, "err", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal Server Error"})
}

func renderAS2(c *gin.Context, status int, obj any) {
	c.Header("Content-Type", activityJSONUTF8)
	c.JSON(status, obj)
}

// acceptsActivityJSON reports whether an Accept header asks for an AS2 document.
func acceptsActivityJSON(accept string) bool {
	for _, part := range strings.Split(accept, ",") {
		mediaType, params, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		switch mediaType {
		case "application/activity+json":
			return true
		case "application/ld+json":
			if p, ok := params["profile"]; !ok || p == activitypub.ActivityStreamsContext {
				return true
			}
		}
	}
	return false
}
