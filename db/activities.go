package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const (
	sqlInsertReceivedActivity = `INSERT INTO received_activities(activity_id, received_at) VALUES (?, ?)
		ON CONFLICT(activity_id) DO NOTHING`
	sqlPruneReceivedActivities = `DELETE FROM received_activities WHERE received_at < ?`
)

// RecordActivity atomically records an inbound activity id. It returns false
// when the id was already present, i.e. the activity is a replay.
func (db *DB) RecordActivity(ctx context.Context, activityId string, at time.Time) (bool, error) {
	var inserted bool
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlInsertReceivedActivity, activityId, at.Unix())
		if err != nil {
			return fmt.Errorf("failed to record activity %s: %w", activityId, err)
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

// PruneActivities drops replay records received before the cutoff.
func (db *DB) PruneActivities(ctx context.Context, before time.Time) (int64, error) {
	var pruned int64
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, sqlPruneReceivedActivities, before.Unix())
		if err != nil {
			return fmt.Errorf("failed to prune received activities: %w", err)
		}
		pruned, err = res.RowsAffected()
		return err
	})
	return pruned, err
}
