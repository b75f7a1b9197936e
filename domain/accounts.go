package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by stores when a lookup matches no record.
var ErrNotFound = errors.New("not found")

// Account is a federated identity, local or remote.
// A local account has an empty Host and carries a private key; a remote
// account has a Host and never has a private key.
type Account struct {
	Id             uuid.UUID
	Username       string
	Host           string // empty for local accounts
	URI            string
	InboxURI       string
	SharedInboxURI string
	OutboxURI      string
	FollowersURI   string
	FollowingURI   string
	PublicKeyId    string
	PublicKeyPem   string
	PrivateKeyPem  string // local only
	DisplayName    string
	Summary        string
	AvatarURL      string
	BannerURL      string
	CreatedAt      time.Time
	UpdatedAt      time.Time // last refresh; drives the remote actor cache

	// Fetch failure bookkeeping for remote accounts
	FetchFailureCount  int
	LastFetchAttemptAt *time.Time
	LastFetchError     string
	GoneDetectedAt     *time.Time
}

// IsLocal reports whether the account belongs to this instance.
func (acc *Account) IsLocal() bool {
	return acc.Host == ""
}

// Acct returns the user@host handle of the account. Local accounts
// return the bare username.
func (acc *Account) Acct() string {
	if acc.IsLocal() {
		return acc.Username
	}
	return fmt.Sprintf("%s@%s", acc.Username, acc.Host)
}

// DeliveryInbox returns the inbox that activities for this account should be
// posted to, preferring the shared inbox when one is advertised.
func (acc *Account) DeliveryInbox() string {
	if acc.SharedInboxURI != "" {
		return acc.SharedInboxURI
	}
	return acc.InboxURI
}

func (acc *Account) ToString() string {
	return fmt.Sprintf("\n\tId: %s \n\tUsername: %s \n\tHost: %s \n\tURI: %s \n\tUpdatedAt: %s", acc.Id, acc.Username, acc.Host, acc.URI, acc.UpdatedAt)
}
