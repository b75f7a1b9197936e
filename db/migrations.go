package db

import (
	"context"
	"database/sql"
)

const (
	sqlCreateAccountsTable = `CREATE TABLE IF NOT EXISTS accounts (
		id TEXT NOT NULL PRIMARY KEY,
		username TEXT NOT NULL,
		host TEXT NOT NULL DEFAULT '',
		uri TEXT UNIQUE NOT NULL,
		inbox_uri TEXT NOT NULL DEFAULT '',
		shared_inbox_uri TEXT NOT NULL DEFAULT '',
		outbox_uri TEXT NOT NULL DEFAULT '',
		followers_uri TEXT NOT NULL DEFAULT '',
		following_uri TEXT NOT NULL DEFAULT '',
		public_key_id TEXT NOT NULL DEFAULT '',
		public_key_pem TEXT NOT NULL DEFAULT '',
		private_key_pem TEXT NOT NULL DEFAULT '',
		display_name TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		avatar_url TEXT NOT NULL DEFAULT '',
		banner_url TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		fetch_failure_count INTEGER NOT NULL DEFAULT 0,
		last_fetch_attempt_at TIMESTAMP,
		last_fetch_error TEXT NOT NULL DEFAULT '',
		gone_detected_at TIMESTAMP,
		UNIQUE(username, host)
	)`

	sqlCreateAccountsIndices = `
		CREATE INDEX IF NOT EXISTS idx_accounts_host ON accounts(host);
	`

	sqlCreateFollowsTable = `CREATE TABLE IF NOT EXISTS follows (
		id TEXT NOT NULL PRIMARY KEY,
		follower_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
		followee_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
		uri TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		UNIQUE(follower_id, followee_id),
		CHECK(follower_id <> followee_id)
	)`

	sqlCreateFollowsIndices = `
		CREATE INDEX IF NOT EXISTS idx_follows_followee_id ON follows(followee_id);
	`

	sqlCreateNotesTable = `CREATE TABLE IF NOT EXISTS notes (
		id TEXT NOT NULL PRIMARY KEY,
		uri TEXT UNIQUE NOT NULL,
		author_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
		text TEXT,
		content_warning TEXT,
		visibility TEXT NOT NULL DEFAULT 'public',
		reply_id TEXT,
		renote_id TEXT,
		file_ids TEXT NOT NULL DEFAULT '[]',
		mentions TEXT NOT NULL DEFAULT '[]',
		emojis TEXT NOT NULL DEFAULT '[]',
		is_deleted INTEGER NOT NULL DEFAULT 0,
		deleted_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP
	)`

	sqlCreateNotesIndices = `
		CREATE INDEX IF NOT EXISTS idx_notes_author_id ON notes(author_id);
		CREATE INDEX IF NOT EXISTS idx_notes_renote_id ON notes(renote_id);
		CREATE INDEX IF NOT EXISTS idx_notes_created_at ON notes(created_at DESC);
	`

	sqlCreateReactionsTable = `CREATE TABLE IF NOT EXISTS reactions (
		id TEXT NOT NULL PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
		note_id TEXT NOT NULL REFERENCES notes(id) ON DELETE CASCADE,
		reaction TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		UNIQUE(account_id, note_id, reaction)
	)`

	sqlCreateReactionsIndices = `
		CREATE INDEX IF NOT EXISTS idx_reactions_note_id ON reactions(note_id);
	`

	// received_at is unix seconds so retention pruning compares integers
	sqlCreateReceivedActivitiesTable = `CREATE TABLE IF NOT EXISTS received_activities (
		activity_id TEXT NOT NULL PRIMARY KEY,
		received_at INTEGER NOT NULL
	)`

	sqlCreateReceivedActivitiesIndices = `
		CREATE INDEX IF NOT EXISTS idx_received_activities_received_at ON received_activities(received_at);
	`
)

// RunMigrations executes all database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		tables := []struct {
			name    string
			create  string
			indices string
		}{
			{"accounts", sqlCreateAccountsTable, sqlCreateAccountsIndices},
			{"follows", sqlCreateFollowsTable, sqlCreateFollowsIndices},
			{"notes", sqlCreateNotesTable, sqlCreateNotesIndices},
			{"reactions", sqlCreateReactionsTable, sqlCreateReactionsIndices},
			{"received_activities", sqlCreateReceivedActivitiesTable, sqlCreateReceivedActivitiesIndices},
		}

		for _, t := range tables {
			if err := db.createTableIfNotExists(tx, t.create, t.name); err != nil {
				return err
			}
			if _, err := tx.Exec(t.indices); err != nil {
				db.logger.Warn("Failed to create indices", "table", t.name, "err", err)
			}
		}

		return nil
	})
}

func (db *DB) createTableIfNotExists(tx *sql.Tx, createSQL string, tableName string) error {
	if _, err := tx.Exec(createSQL); err != nil {
		db.logger.Error("Error creating table", "table", tableName, "err", err)
		return err
	}
	db.logger.Debug("Table created or already exists", "table", tableName)
	return nil
}
