package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Note visibilities
const (
	VisibilityPublic    = "public"
	VisibilityHome      = "home"
	VisibilityFollowers = "followers"
	VisibilitySpecified = "specified"
)

type Note struct {
	Id             uuid.UUID
	URI            string // canonical object URI; for renotes the Announce activity id
	AuthorId       uuid.UUID
	Text           *string // nil for a pure renote
	ContentWarning *string
	Visibility     string
	ReplyId        *uuid.UUID
	RenoteId       *uuid.UUID
	FileIds        []string
	Mentions       []string
	Emojis         []string
	IsDeleted      bool
	DeletedAt      *time.Time
	CreatedAt      time.Time
	UpdatedAt      *time.Time
}

// IsRenote reports whether the note is a pure boost of another note.
func (note *Note) IsRenote() bool {
	return note.RenoteId != nil && note.Text == nil
}

func (note *Note) ToString() string {
	text := "<nil>"
	if note.Text != nil {
		text = *note.Text
	}
	return fmt.Sprintf("\n\tId: %s \n\tURI: %s \n\tAuthorId: %s \n\tText: %s \n\tCreatedAt: %s", note.Id, note.URI, note.AuthorId, text, note.CreatedAt)
}
