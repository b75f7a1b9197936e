package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/deemkeen/tusk/domain"
	"github.com/google/uuid"
)

const (
	sqlInsertReaction = `INSERT INTO reactions(id, account_id, note_id, reaction, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(account_id, note_id, reaction) DO NOTHING`
	sqlSelectReaction = `SELECT id, account_id, note_id, reaction, created_at FROM reactions
		WHERE account_id = ? AND note_id = ? AND reaction = ?`
	sqlDeleteReaction = `DELETE FROM reactions WHERE account_id = ? AND note_id = ? AND reaction = ?`
	sqlCountReactions = `SELECT COUNT(*) FROM reactions WHERE note_id = ?`
)

func (db *DB) ReadReaction(ctx context.Context, accountId, noteId uuid.UUID, reaction string) (*domain.Reaction, error) {
	var r domain.Reaction
	err := db.db.QueryRowContext(ctx, sqlSelectReaction, accountId, noteId, reaction).
		Scan(&r.Id, &r.AccountId, &r.NoteId, &r.Reaction, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (db *DB) CreateReaction(ctx context.Context, r *domain.Reaction) error {
	if r.Id == uuid.Nil {
		r.Id = uuid.New()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertReaction, r.Id, r.AccountId, r.NoteId, r.Reaction, r.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to insert reaction: %w", err)
		}
		return nil
	})
}

func (db *DB) DeleteReaction(ctx context.Context, accountId, noteId uuid.UUID, reaction string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlDeleteReaction, accountId, noteId, reaction)
		return err
	})
}

func (db *DB) CountReactions(ctx context.Context, noteId uuid.UUID) (int, error) {
	var count int
	err := db.db.QueryRowContext(ctx, sqlCountReactions, noteId).Scan(&count)
	return count, err
}
