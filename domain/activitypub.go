package domain

import (
	"time"

	"github.com/google/uuid"
)

// LikeReaction is the glyph every inbound ActivityPub Like is stored as.
const LikeReaction = "❤"

// Follow is a follow edge between two accounts, local or remote.
type Follow struct {
	Id         uuid.UUID
	FollowerId uuid.UUID
	FolloweeId uuid.UUID
	URI        string // ActivityPub Follow activity id (empty for local follows)
	CreatedAt  time.Time
}

// Reaction is an emoji reaction on a note
type Reaction struct {
	Id        uuid.UUID
	AccountId uuid.UUID
	NoteId    uuid.UUID
	Reaction  string
	CreatedAt time.Time
}

// ReceivedActivity is an entry of the inbound replay guard
type ReceivedActivity struct {
	ActivityId string
	ReceivedAt time.Time
}
