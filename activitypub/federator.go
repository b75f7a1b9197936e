package activitypub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/tusk/domain"
	"github.com/google/uuid"
)

// BatchDeliverer fans an activity out to many inboxes. *Deliverer implements it.
type BatchDeliverer interface {
	DeliverBatch(ctx context.Context, activity any, inboxes []string, keyId, privateKeyPem string) BatchResult
}

// Federator sends activities originating from local accounts.
type Federator struct {
	follows   FollowStore
	deliverer BatchDeliverer
	baseURL   string
	newID     func() uuid.UUID
	now       func() time.Time
	logger    *log.Logger
}

func NewFederator(follows FollowStore, deliverer BatchDeliverer, baseURL string, logger *log.Logger) *Federator {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Federator{
		follows:   follows,
		deliverer: deliverer,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		newID:     uuid.New,
		now:       time.Now,
		logger:    logger.WithPrefix("federator"),
	}
}

// BroadcastProfileUpdate sends an Update of acc's actor document to the
// inboxes of all its remote followers.
func (f *Federator) BroadcastProfileUpdate(ctx context.Context, acc *domain.Account) (BatchResult, error) {
	if !acc.IsLocal() || acc.PrivateKeyPem == "" {
		return BatchResult{}, errors.New("profile updates can only be sent for local accounts")
	}

	followers, err := f.follows.ReadFollowers(ctx, acc.Id)
	if err != nil {
		return BatchResult{}, fmt.Errorf("failed to read followers: %w", err)
	}

	var inboxes []string
	for _, follower := range followers {
		if follower.IsLocal() {
			continue
		}
		inboxes = append(inboxes, follower.DeliveryInbox())
	}
	if len(inboxes) == 0 {
		f.logger.Info("No remote followers to deliver to", "account", acc.Username)
		return BatchResult{Failed: map[string]error{}}, nil
	}

	doc := LocalActorDocument(acc, f.baseURL)
	update := CreateUpdateActivity(fmt.Sprintf("%s#updates/%s", acc.URI, f.newID()), doc, f.now())

	res := f.deliverer.DeliverBatch(ctx, update, inboxes, acc.PublicKeyId, acc.PrivateKeyPem)
	f.logger.Info("Broadcast profile update", "account", acc.Username, "delivered", res.Delivered, "failed", len(res.Failed))
	return res, nil
}
