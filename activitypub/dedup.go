package activitypub

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
)

// Deduplicator suppresses replays of already received activities.
type Deduplicator struct {
	log    ActivityLog
	now    func() time.Time
	logger *log.Logger
}

func NewDeduplicator(activityLog ActivityLog, logger *log.Logger) *Deduplicator {
	return &Deduplicator{log: activityLog, now: time.Now, logger: logger.WithPrefix("dedup")}
}

// IsDuplicate records activityId and reports whether it had been seen before.
// Activities without an id are never duplicates. When the log is unavailable the
// activity is let through; handlers are idempotent.
func (d *Deduplicator) IsDuplicate(ctx context.Context, activityId string) bool {
	if activityId == "" {
		d.logger.Info("Activity without id, processing without replay check")
		return false
	}

	inserted, err := d.log.RecordActivity(ctx, activityId, d.now())
	if err != nil {
		d.logger.Error("Failed to record activity, processing anyway", "id", activityId, "err", err)
		return false
	}
	if !inserted {
		d.logger.Info("Duplicate activity", "id", activityId)
	}
	return !inserted
}
