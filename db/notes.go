package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/deemkeen/tusk/domain"
	"github.com/google/uuid"
)

const noteColumns = `id, uri, author_id, text, content_warning, visibility, reply_id, renote_id,
	file_ids, mentions, emojis, is_deleted, deleted_at, created_at, updated_at`

const (
	sqlInsertNote = `INSERT INTO notes(` + noteColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectNoteById  = `SELECT ` + noteColumns + ` FROM notes WHERE id = ?`
	sqlSelectNoteByURI = `SELECT ` + noteColumns + ` FROM notes WHERE uri = ?`
	sqlUpdateNote      = `UPDATE notes SET text = ?, content_warning = ?, updated_at = ? WHERE id = ?`
	sqlDeleteNote      = `UPDATE notes SET is_deleted = 1, deleted_at = ?, text = NULL, content_warning = NULL
		WHERE id = ? AND is_deleted = 0`
	sqlSelectNotesByAuthor = `SELECT ` + noteColumns + ` FROM notes WHERE author_id = ? AND is_deleted = 0
		ORDER BY created_at DESC LIMIT ?`
)

func scanNote(row scanner) (*domain.Note, error) {
	var note domain.Note
	var text, cw sql.NullString
	var replyId, renoteId uuid.NullUUID
	var fileIds, mentions, emojis string
	var deletedAt, updatedAt sql.NullTime

	err := row.Scan(&note.Id, &note.URI, &note.AuthorId, &text, &cw, &note.Visibility, &replyId, &renoteId,
		&fileIds, &mentions, &emojis, &note.IsDeleted, &deletedAt, &note.CreatedAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	note.Text = stringPtr(text)
	note.ContentWarning = stringPtr(cw)
	if replyId.Valid {
		note.ReplyId = &replyId.UUID
	}
	if renoteId.Valid {
		note.RenoteId = &renoteId.UUID
	}
	note.DeletedAt = timePtr(deletedAt)
	note.UpdatedAt = timePtr(updatedAt)

	for _, f := range []struct {
		raw string
		dst *[]string
	}{{fileIds, &note.FileIds}, {mentions, &note.Mentions}, {emojis, &note.Emojis}} {
		if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
			return nil, fmt.Errorf("failed to decode note %s: %w", note.Id, err)
		}
	}
	return &note, nil
}

func encodeList(list []string) string {
	if list == nil {
		list = []string{}
	}
	b, _ := json.Marshal(list)
	return string(b)
}

func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

// CreateNote inserts a note. Local notes without a URI get baseURL/notes/{id}
// assigned by the caller.
func (db *DB) CreateNote(ctx context.Context, note *domain.Note) error {
	if note.Id == uuid.Nil {
		note.Id = uuid.New()
	}
	if note.CreatedAt.IsZero() {
		note.CreatedAt = time.Now().UTC()
	}
	if note.Visibility == "" {
		note.Visibility = domain.VisibilityPublic
	}

	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertNote,
			note.Id, note.URI, note.AuthorId, nullString(note.Text), nullString(note.ContentWarning), note.Visibility,
			nullUUID(note.ReplyId), nullUUID(note.RenoteId), encodeList(note.FileIds), encodeList(note.Mentions),
			encodeList(note.Emojis), note.IsDeleted, nullTime(note.DeletedAt), note.CreatedAt.UTC(),
			nullTime(note.UpdatedAt))
		if err != nil {
			return fmt.Errorf("failed to insert note %s: %w", note.URI, err)
		}
		return nil
	})
}

// UpdateNote persists the editable fields of a note (text and content warning).
func (db *DB) UpdateNote(ctx context.Context, note *domain.Note) error {
	updatedAt := time.Now().UTC()
	if note.UpdatedAt != nil {
		updatedAt = note.UpdatedAt.UTC()
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlUpdateNote,
			nullString(note.Text), nullString(note.ContentWarning), updatedAt, note.Id)
		if err != nil {
			return fmt.Errorf("failed to update note %s: %w", note.Id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.ErrNotFound
		}
		return nil
	})
}

// DeleteNote soft-deletes a note, keeping the row so GET can answer with a Tombstone.
func (db *DB) DeleteNote(ctx context.Context, id uuid.UUID, at time.Time) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlDeleteNote, at.UTC(), id)
		if err != nil {
			return fmt.Errorf("failed to delete note %s: %w", id, err)
		}
		return nil
	})
}

func (db *DB) ReadNoteById(ctx context.Context, id uuid.UUID) (*domain.Note, error) {
	return scanNote(db.db.QueryRowContext(ctx, sqlSelectNoteById, id))
}

func (db *DB) ReadNoteByURI(ctx context.Context, uri string) (*domain.Note, error) {
	return scanNote(db.db.QueryRowContext(ctx, sqlSelectNoteByURI, uri))
}

// ReadNotesByAuthor returns the latest non-deleted notes of an account.
func (db *DB) ReadNotesByAuthor(ctx context.Context, authorId uuid.UUID, limit int) ([]domain.Note, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectNotesByAuthor, authorId, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notes []domain.Note
	for rows.Next() {
		note, err := scanNote(rows)
		if err != nil {
			return nil, err
		}
		notes = append(notes, *note)
	}
	return notes, rows.Err()
}
