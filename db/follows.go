package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/deemkeen/tusk/domain"
	"github.com/google/uuid"
)

const (
	sqlInsertFollow = `INSERT INTO follows(id, follower_id, followee_id, uri, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(follower_id, followee_id) DO NOTHING`
	sqlSelectFollowExists = `SELECT COUNT(*) FROM follows WHERE follower_id = ? AND followee_id = ?`
	sqlDeleteFollow       = `DELETE FROM follows WHERE follower_id = ? AND followee_id = ?`
	sqlSelectFollowers    = `SELECT ` + accountColumnsPrefixed + ` FROM follows
		INNER JOIN accounts a ON a.id = follows.follower_id
		WHERE follows.followee_id = ?
		ORDER BY follows.created_at`
	sqlCountFollows = `SELECT COUNT(*) FROM follows WHERE followee_id = ?`
)

const accountColumnsPrefixed = `a.id, a.username, a.host, a.uri, a.inbox_uri, a.shared_inbox_uri, a.outbox_uri,
	a.followers_uri, a.following_uri, a.public_key_id, a.public_key_pem, a.private_key_pem, a.display_name,
	a.summary, a.avatar_url, a.banner_url, a.created_at, a.updated_at, a.fetch_failure_count,
	a.last_fetch_attempt_at, a.last_fetch_error, a.gone_detected_at`

// CreateFollow inserts the follow edge unless it already exists.
// It reports whether a new edge was created.
func (db *DB) CreateFollow(ctx context.Context, follow *domain.Follow) (bool, error) {
	if follow.FollowerId == follow.FolloweeId {
		return false, fmt.Errorf("account %s cannot follow itself", follow.FollowerId)
	}
	if follow.Id == uuid.Nil {
		follow.Id = uuid.New()
	}
	if follow.CreatedAt.IsZero() {
		follow.CreatedAt = time.Now().UTC()
	}

	var inserted bool
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlInsertFollow,
			follow.Id, follow.FollowerId, follow.FolloweeId, follow.URI, follow.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to insert follow: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		inserted = n > 0
		return nil
	})
	return inserted, err
}

func (db *DB) FollowExists(ctx context.Context, followerId, followeeId uuid.UUID) (bool, error) {
	var count int
	if err := db.db.QueryRowContext(ctx, sqlSelectFollowExists, followerId, followeeId).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// DeleteFollow removes the edge and reports whether one existed.
func (db *DB) DeleteFollow(ctx context.Context, followerId, followeeId uuid.UUID) (bool, error) {
	var deleted bool
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlDeleteFollow, followerId, followeeId)
		if err != nil {
			return fmt.Errorf("failed to delete follow: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		deleted = n > 0
		return nil
	})
	return deleted, err
}

// ReadFollowers returns the accounts following followeeId.
func (db *DB) ReadFollowers(ctx context.Context, followeeId uuid.UUID) ([]domain.Account, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectFollowers, followeeId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []domain.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *acc)
	}
	return accounts, rows.Err()
}

func (db *DB) CountFollowers(ctx context.Context, followeeId uuid.UUID) (int, error) {
	var count int
	err := db.db.QueryRowContext(ctx, sqlCountFollows, followeeId).Scan(&count)
	return count, err
}
