package activitypub

import (
	"context"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/tusk/domain"
)

// ActivityDispatcher applies a typed activity. *Dispatcher implements it.
type ActivityDispatcher interface {
	Dispatch(ctx context.Context, act Activity, sender, recipient *domain.Account) error
}

// InboxResult is the outcome of an inbound POST after signature verification.
type InboxResult struct {
	Status    int
	Message   string
	Errors    []ValidationError
	Duplicate bool
}

// Inbox runs the post-verification stages of the inbound pipeline:
// parse, validate, deduplicate and dispatch.
type Inbox struct {
	dedup      *Deduplicator
	dispatcher ActivityDispatcher
	logger     *log.Logger
}

func NewInbox(dedup *Deduplicator, dispatcher ActivityDispatcher, logger *log.Logger) *Inbox {
	return &Inbox{dedup: dedup, dispatcher: dispatcher, logger: logger.WithPrefix("inbox")}
}

// Receive processes a verified body. recipient is nil on the shared inbox.
// Application failures still yield 202.
func (i *Inbox) Receive(ctx context.Context, body []byte, sender, recipient *domain.Account) InboxResult {
	env, err := parseEnvelope(body)
	if err != nil {
		i.logger.Warn("Malformed activity", "actor", sender.URI, "err", err)
		return InboxResult{Status: http.StatusBadRequest, Message: "invalid JSON"}
	}

	res := ValidateActivity(env, sender.URI)
	if !res.Valid() {
		status := res.Status()
		i.logger.Warn("Rejected activity", "type", env.typeName(), "actor", sender.URI, "status", status, "errors", len(res.Errors))
		return InboxResult{Status: status, Message: http.StatusText(status), Errors: res.Errors}
	}
	base := res.Activity.Base()

	if i.dedup.IsDuplicate(ctx, base.ID) {
		return InboxResult{Status: http.StatusAccepted, Message: "accepted", Duplicate: true}
	}

	i.logger.Info("Processing activity", "type", base.Type, "id", base.ID, "actor", sender.Acct())

	// a peer hanging up must not abort a half applied activity
	_ = i.dispatcher.Dispatch(context.WithoutCancel(ctx), res.Activity, sender, recipient)

	return InboxResult{Status: http.StatusAccepted, Message: "accepted"}
}
