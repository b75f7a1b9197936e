package activitypub

import (
	"context"
	"time"

	"github.com/deemkeen/tusk/domain"
	"github.com/google/uuid"
)

// Stores consumed by the federation engine. Lookups return domain.ErrNotFound
// when nothing matches.

type AccountStore interface {
	ReadAccountById(ctx context.Context, id uuid.UUID) (*domain.Account, error)
	ReadAccountByURI(ctx context.Context, uri string) (*domain.Account, error)
	ReadAccountByUsername(ctx context.Context, username, host string) (*domain.Account, error)
	CreateAccount(ctx context.Context, acc *domain.Account) error
	UpdateAccount(ctx context.Context, acc *domain.Account) error
	RecordFetchFailure(ctx context.Context, uri string, at time.Time, errMsg string, gone bool) error
}

type FollowStore interface {
	FollowExists(ctx context.Context, followerId, followeeId uuid.UUID) (bool, error)
	// CreateFollow inserts the edge if absent and reports whether it was created.
	CreateFollow(ctx context.Context, follow *domain.Follow) (bool, error)
	DeleteFollow(ctx context.Context, followerId, followeeId uuid.UUID) (bool, error)
	ReadFollowers(ctx context.Context, followeeId uuid.UUID) ([]domain.Account, error)
}

type NoteStore interface {
	ReadNoteById(ctx context.Context, id uuid.UUID) (*domain.Note, error)
	ReadNoteByURI(ctx context.Context, uri string) (*domain.Note, error)
	CreateNote(ctx context.Context, note *domain.Note) error
	UpdateNote(ctx context.Context, note *domain.Note) error
	DeleteNote(ctx context.Context, id uuid.UUID, at time.Time) error
}

type ReactionStore interface {
	ReadReaction(ctx context.Context, accountId, noteId uuid.UUID, reaction string) (*domain.Reaction, error)
	CreateReaction(ctx context.Context, reaction *domain.Reaction) error
	DeleteReaction(ctx context.Context, accountId, noteId uuid.UUID, reaction string) error
}

// ActivityLog is the replay guard. RecordActivity must be an atomic
// insert-if-absent and returns false when the id was already recorded.
type ActivityLog interface {
	RecordActivity(ctx context.Context, activityId string, at time.Time) (bool, error)
}
