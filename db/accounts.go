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

const accountColumns = `id, username, host, uri, inbox_uri, shared_inbox_uri, outbox_uri, followers_uri, following_uri,
	public_key_id, public_key_pem, private_key_pem, display_name, summary, avatar_url, banner_url,
	created_at, updated_at, fetch_failure_count, last_fetch_attempt_at, last_fetch_error, gone_detected_at`

const (
	sqlInsertAccount = `INSERT INTO accounts(` + accountColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectAccountById       = `SELECT ` + accountColumns + ` FROM accounts WHERE id = ?`
	sqlSelectAccountByURI      = `SELECT ` + accountColumns + ` FROM accounts WHERE uri = ?`
	sqlSelectAccountByUsername = `SELECT ` + accountColumns + ` FROM accounts WHERE username = ? AND host = ?`
	sqlSelectLocalAccounts     = `SELECT ` + accountColumns + ` FROM accounts WHERE host = '' ORDER BY username`
	sqlUpdateAccount           = `UPDATE accounts SET inbox_uri = ?, shared_inbox_uri = ?, outbox_uri = ?, followers_uri = ?,
		following_uri = ?, public_key_id = ?, public_key_pem = ?, display_name = ?, summary = ?, avatar_url = ?,
		banner_url = ?, updated_at = ?, fetch_failure_count = ?, last_fetch_attempt_at = ?, last_fetch_error = ?,
		gone_detected_at = ? WHERE id = ?`
	sqlRecordFetchFailure = `UPDATE accounts SET fetch_failure_count = fetch_failure_count + 1,
		last_fetch_attempt_at = ?, last_fetch_error = ?, gone_detected_at = COALESCE(gone_detected_at, ?) WHERE uri = ?`
)

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (*domain.Account, error) {
	var acc domain.Account
	var lastAttempt, gone sql.NullTime
	err := row.Scan(&acc.Id, &acc.Username, &acc.Host, &acc.URI, &acc.InboxURI, &acc.SharedInboxURI, &acc.OutboxURI,
		&acc.FollowersURI, &acc.FollowingURI, &acc.PublicKeyId, &acc.PublicKeyPem, &acc.PrivateKeyPem,
		&acc.DisplayName, &acc.Summary, &acc.AvatarURL, &acc.BannerURL, &acc.CreatedAt, &acc.UpdatedAt,
		&acc.FetchFailureCount, &lastAttempt, &acc.LastFetchError, &gone)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	acc.LastFetchAttemptAt = timePtr(lastAttempt)
	acc.GoneDetectedAt = timePtr(gone)
	return &acc, nil
}

// CreateAccount inserts a local or remote account.
func (db *DB) CreateAccount(ctx context.Context, acc *domain.Account) error {
	if acc.Id == uuid.Nil {
		acc.Id = uuid.New()
	}
	now := time.Now().UTC()
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = now
	}
	if acc.UpdatedAt.IsZero() {
		acc.UpdatedAt = now
	}

	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertAccount,
			acc.Id, acc.Username, acc.Host, acc.URI, acc.InboxURI, acc.SharedInboxURI, acc.OutboxURI,
			acc.FollowersURI, acc.FollowingURI, acc.PublicKeyId, acc.PublicKeyPem, acc.PrivateKeyPem,
			acc.DisplayName, acc.Summary, acc.AvatarURL, acc.BannerURL, acc.CreatedAt.UTC(), acc.UpdatedAt.UTC(),
			acc.FetchFailureCount, nullTime(acc.LastFetchAttemptAt), acc.LastFetchError, nullTime(acc.GoneDetectedAt))
		if err != nil {
			return fmt.Errorf("failed to insert account %s: %w", acc.URI, err)
		}
		return nil
	})
}

// UpdateAccount overwrites the mutable projection of an account.
func (db *DB) UpdateAccount(ctx context.Context, acc *domain.Account) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlUpdateAccount,
			acc.InboxURI, acc.SharedInboxURI, acc.OutboxURI, acc.FollowersURI, acc.FollowingURI,
			acc.PublicKeyId, acc.PublicKeyPem, acc.DisplayName, acc.Summary, acc.AvatarURL, acc.BannerURL,
			acc.UpdatedAt.UTC(), acc.FetchFailureCount, nullTime(acc.LastFetchAttemptAt), acc.LastFetchError,
			nullTime(acc.GoneDetectedAt), acc.Id)
		if err != nil {
			return fmt.Errorf("failed to update account %s: %w", acc.URI, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.ErrNotFound
		}
		return nil
	})
}

// RecordFetchFailure bumps the failure bookkeeping of a cached remote account.
// Unknown URIs are ignored.
func (db *DB) RecordFetchFailure(ctx context.Context, uri string, at time.Time, errMsg string, gone bool) error {
	var goneAt sql.NullTime
	if gone {
		goneAt = sql.NullTime{Time: at.UTC(), Valid: true}
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlRecordFetchFailure, at.UTC(), errMsg, goneAt, uri)
		return err
	})
}

func (db *DB) ReadAccountById(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	return scanAccount(db.db.QueryRowContext(ctx, sqlSelectAccountById, id))
}

func (db *DB) ReadAccountByURI(ctx context.Context, uri string) (*domain.Account, error) {
	return scanAccount(db.db.QueryRowContext(ctx, sqlSelectAccountByURI, uri))
}

// ReadAccountByUsername looks up an account by (username, host); host "" selects local accounts.
func (db *DB) ReadAccountByUsername(ctx context.Context, username, host string) (*domain.Account, error) {
	return scanAccount(db.db.QueryRowContext(ctx, sqlSelectAccountByUsername, username, host))
}

func (db *DB) ReadLocalAccounts(ctx context.Context) ([]domain.Account, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectLocalAccounts)
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
