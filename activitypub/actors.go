package activitypub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/tusk/domain"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// DefaultActorCacheTTL is how long a fetched remote actor is served from cache.
const DefaultActorCacheTTL = 24 * time.Hour

var actorTypes = []interface{}{"Person", "Service", "Application", "Group", "Organization"}

// ActorDocument represents the JSON structure of an ActivityPub actor
type ActorDocument struct {
	Context                   any        `json:"@context,omitempty"`
	ID                        string     `json:"id"`
	Type                      string     `json:"type"`
	PreferredUsername         string     `json:"preferredUsername"`
	Name                      string     `json:"name,omitempty"`
	Summary                   string     `json:"summary,omitempty"`
	URL                       string     `json:"url,omitempty"`
	Inbox                     string     `json:"inbox"`
	Outbox                    string     `json:"outbox,omitempty"`
	Followers                 string     `json:"followers,omitempty"`
	Following                 string     `json:"following,omitempty"`
	Endpoints                 *Endpoints `json:"endpoints,omitempty"`
	Icon                      *Image     `json:"icon,omitempty"`
	Image                     *Image     `json:"image,omitempty"`
	PublicKey                 PublicKey  `json:"publicKey"`
	ManuallyApprovesFollowers bool       `json:"manuallyApprovesFollowers"`
}

type Endpoints struct {
	SharedInbox string `json:"sharedInbox,omitempty"`
}

type PublicKey struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

// Image is an icon or header. Peers send it as an object, a bare URL or a list.
type Image struct {
	Type      string `json:"type,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
	URL       string `json:"url"`
}

func (i *Image) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	switch data[0] {
	case '"':
		return json.Unmarshal(data, &i.URL)
	case '[':
		var list []Image
		if err := json.Unmarshal(data, &list); err != nil {
			return err
		}
		if len(list) > 0 {
			*i = list[0]
		}
		return nil
	}
	var obj struct {
		Type      string    `json:"type"`
		MediaType string    `json:"mediaType"`
		URL       ObjectRef `json:"url"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	i.Type, i.MediaType, i.URL = obj.Type, obj.MediaType, obj.URL.ID
	if i.URL == "" && obj.URL.IsEmbedded() {
		var link struct {
			Href string `json:"href"`
		}
		json.Unmarshal(obj.URL.Raw, &link)
		i.URL = link.Href
	}
	return nil
}

// Validate validates the required fields of a fetched actor.
func (a *ActorDocument) Validate() error {
	return validation.ValidateStruct(a,
		validation.Field(&a.ID, validation.Required, validation.By(httpURI)),
		validation.Field(&a.Type, validation.Required, validation.In(actorTypes...)),
		validation.Field(&a.PreferredUsername, validation.Required),
		validation.Field(&a.Inbox, validation.Required, validation.By(httpURI)),
	)
}

func (a *ActorDocument) imageURL(img *Image) string {
	if img == nil {
		return ""
	}
	return img.URL
}

// applyTo copies the mutable projection of the document onto acc.
func (a *ActorDocument) applyTo(acc *domain.Account) {
	acc.DisplayName = a.Name
	acc.Summary = a.Summary
	acc.InboxURI = a.Inbox
	acc.OutboxURI = a.Outbox
	acc.FollowersURI = a.Followers
	acc.FollowingURI = a.Following
	acc.SharedInboxURI = ""
	if a.Endpoints != nil {
		acc.SharedInboxURI = a.Endpoints.SharedInbox
	}
	acc.AvatarURL = a.imageURL(a.Icon)
	acc.BannerURL = a.imageURL(a.Image)
	acc.PublicKeyId = a.PublicKey.ID
	acc.PublicKeyPem = a.PublicKey.PublicKeyPem
}

// LocalActorURI returns https://{domain}/users/{username} for baseURL https://{domain}.
func LocalActorURI(baseURL, username string) string {
	return fmt.Sprintf("%s/users/%s", baseURL, username)
}

// ParseLocalActorURI extracts the username from a local actor URI.
func ParseLocalActorURI(baseURL, uri string) (string, bool) {
	rest, ok := strings.CutPrefix(uri, baseURL+"/users/")
	if !ok || rest == "" || strings.Contains(rest, "/") {
		return "", false
	}
	return rest, true
}

// NewLocalAccount builds a local account with its URIs derived from baseURL.
func NewLocalAccount(id uuid.UUID, username, baseURL, publicKeyPem, privateKeyPem string, now time.Time) *domain.Account {
	uri := LocalActorURI(baseURL, username)
	return &domain.Account{
		Id:             id,
		Username:       username,
		URI:            uri,
		InboxURI:       uri + "/inbox",
		SharedInboxURI: baseURL + "/inbox",
		OutboxURI:      uri + "/outbox",
		FollowersURI:   uri + "/followers",
		FollowingURI:   uri + "/following",
		PublicKeyId:    uri + "#main-key",
		PublicKeyPem:   publicKeyPem,
		PrivateKeyPem:  privateKeyPem,
		DisplayName:    username,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// LocalActorDocument renders a local account as an AS2 Person.
func LocalActorDocument(acc *domain.Account, baseURL string) *ActorDocument {
	doc := &ActorDocument{
		Context:           []any{ActivityStreamsContext, SecurityContext},
		ID:                acc.URI,
		Type:              "Person",
		PreferredUsername: acc.Username,
		Name:              acc.DisplayName,
		Summary:           acc.Summary,
		URL:               fmt.Sprintf("%s/@%s", baseURL, acc.Username),
		Inbox:             acc.InboxURI,
		Outbox:            acc.OutboxURI,
		Followers:         acc.FollowersURI,
		Following:         acc.FollowingURI,
		Endpoints:         &Endpoints{SharedInbox: acc.SharedInboxURI},
		PublicKey: PublicKey{
			ID:           acc.PublicKeyId,
			Owner:        acc.URI,
			PublicKeyPem: acc.PublicKeyPem,
		},
	}
	if acc.AvatarURL != "" {
		doc.Icon = &Image{Type: "Image", URL: acc.AvatarURL}
	}
	if acc.BannerURL != "" {
		doc.Image = &Image{Type: "Image", URL: acc.BannerURL}
	}
	return doc
}

// ResolverConfig configures a Resolver.
type ResolverConfig struct {
	Accounts  AccountStore
	Fetcher   ObjectFetcher
	WebFinger *WebFingerClient
	BaseURL   string // https://{domain} of this instance
	TTL       time.Duration
	NewID     func() uuid.UUID
	Now       func() time.Time
	Logger    *log.Logger
}

// Resolver resolves actor URIs and acct: handles to accounts, caching remote
// actors in the account store.
type Resolver struct {
	accounts  AccountStore
	fetcher   ObjectFetcher
	webfinger *WebFingerClient
	baseURL   string
	localHost string
	ttl       time.Duration
	newID     func() uuid.UUID
	now       func() time.Time
	group     singleflight.Group
	logger    *log.Logger
}

func NewResolver(cfg ResolverConfig) *Resolver {
	r := &Resolver{
		accounts:  cfg.Accounts,
		fetcher:   cfg.Fetcher,
		webfinger: cfg.WebFinger,
		baseURL:   strings.TrimSuffix(cfg.BaseURL, "/"),
		ttl:       cfg.TTL,
		newID:     cfg.NewID,
		now:       cfg.Now,
		logger:    cfg.Logger,
	}
	if u, err := url.Parse(r.baseURL); err == nil {
		r.localHost = u.Host
	}
	if r.ttl <= 0 {
		r.ttl = DefaultActorCacheTTL
	}
	if r.newID == nil {
		r.newID = uuid.New
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.logger == nil {
		r.logger = log.New(io.Discard)
	}
	r.logger = r.logger.WithPrefix("actors")
	return r
}

// ResolveActor returns the account for an actor URI. Remote actors are served
// from cache while younger than the TTL unless forceRefresh is set.
func (r *Resolver) ResolveActor(ctx context.Context, uri string, forceRefresh bool) (*domain.Account, error) {
	uri, _, _ = strings.Cut(uri, "#")

	u, err := url.Parse(uri)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid actor URI %q", uri)
	}
	if u.Host == r.localHost {
		username, ok := ParseLocalActorURI(r.baseURL, uri)
		if !ok {
			return nil, fmt.Errorf("not a local actor URI %q: %w", uri, domain.ErrNotFound)
		}
		return r.accounts.ReadAccountByUsername(ctx, username, "")
	}

	cached, err := r.accounts.ReadAccountByURI(ctx, uri)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("failed to read cached actor: %w", err)
	}
	if cached != nil && !forceRefresh && r.now().Sub(cached.UpdatedAt) < r.ttl {
		return cached, nil
	}

	v, err, _ := r.group.Do(uri, func() (interface{}, error) {
		return r.refresh(ctx, uri, cached)
	})
	if err != nil {
		return nil, err
	}
	// callers sharing a flight each get their own copy
	acc := *v.(*domain.Account)
	return &acc, nil
}

func (r *Resolver) refresh(ctx context.Context, uri string, cached *domain.Account) (*domain.Account, error) {
	res := FetchActivityPubObject[ActorDocument](ctx, r.fetcher, uri)
	if !res.Success {
		return r.fetchFailed(ctx, uri, cached, res.Err)
	}
	doc := res.Data

	if err := doc.Validate(); err != nil {
		return r.fetchFailed(ctx, uri, cached, fmt.Errorf("invalid actor document: %w", err))
	}
	if !sameHost(doc.ID, uri) {
		return r.fetchFailed(ctx, uri, cached, fmt.Errorf("actor id %s is not on the host of %s", doc.ID, uri))
	}

	now := r.now()
	acc := cached
	if acc == nil && doc.ID != uri {
		existing, err := r.accounts.ReadAccountByURI(ctx, doc.ID)
		if err == nil {
			acc = existing
		}
	}

	if acc != nil {
		doc.applyTo(acc)
		acc.UpdatedAt = now
		acc.FetchFailureCount = 0
		acc.LastFetchAttemptAt = &now
		acc.LastFetchError = ""
		acc.GoneDetectedAt = nil
		if err := r.accounts.UpdateAccount(ctx, acc); err != nil {
			return nil, fmt.Errorf("failed to update remote account: %w", err)
		}
		r.logger.Debug("Refreshed remote actor", "uri", acc.URI)
		return acc, nil
	}

	u, _ := url.Parse(doc.ID)
	acc = &domain.Account{
		Id:                 r.newID(),
		Username:           doc.PreferredUsername,
		Host:               u.Host,
		URI:                doc.ID,
		CreatedAt:          now,
		UpdatedAt:          now,
		LastFetchAttemptAt: &now,
	}
	doc.applyTo(acc)

	if err := r.accounts.CreateAccount(ctx, acc); err != nil {
		// another resolution may have inserted it first
		if existing, rerr := r.accounts.ReadAccountByURI(ctx, doc.ID); rerr == nil {
			doc.applyTo(existing)
			existing.UpdatedAt = now
			if uerr := r.accounts.UpdateAccount(ctx, existing); uerr != nil {
				return nil, fmt.Errorf("failed to update remote account: %w", uerr)
			}
			return existing, nil
		}
		return nil, fmt.Errorf("failed to store remote account: %w", err)
	}

	r.logger.Info("Cached new remote actor", "acct", acc.Acct(), "uri", acc.URI)
	return acc, nil
}

func (r *Resolver) fetchFailed(ctx context.Context, uri string, cached *domain.Account, err error) (*domain.Account, error) {
	var fe *FetchError
	gone := errors.As(err, &fe) && fe.IsGone

	if cached != nil {
		if rerr := r.accounts.RecordFetchFailure(ctx, cached.URI, r.now(), err.Error(), gone); rerr != nil {
			r.logger.Warn("Failed to record fetch failure", "uri", uri, "err", rerr)
		}
		if !gone {
			r.logger.Warn("Actor refresh failed, serving stale record", "uri", uri, "err", err)
			return cached, nil
		}
	}
	return nil, fmt.Errorf("failed to resolve actor %s: %w", uri, err)
}

// ResolveActorByAcct resolves "user@host", "@user@host" or "acct:user@host".
func (r *Resolver) ResolveActorByAcct(ctx context.Context, acct string) (*domain.Account, error) {
	username, host, err := SplitAcct(acct)
	if err != nil {
		return nil, err
	}

	if host == r.localHost {
		return r.accounts.ReadAccountByUsername(ctx, username, "")
	}

	cached, err := r.accounts.ReadAccountByUsername(ctx, username, host)
	if err == nil {
		return r.ResolveActor(ctx, cached.URI, false)
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	if r.webfinger == nil {
		return nil, fmt.Errorf("webfinger lookup for %s is not configured", acct)
	}
	actorURI, err := r.webfinger.LookupActorURI(ctx, username, host)
	if err != nil {
		return nil, err
	}
	return r.ResolveActor(ctx, actorURI, false)
}

// SplitAcct normalizes an acct identifier into username and host.
func SplitAcct(acct string) (string, string, error) {
	acct = strings.TrimPrefix(strings.TrimSpace(acct), "acct:")
	acct = strings.TrimPrefix(acct, "@")
	username, host, ok := strings.Cut(acct, "@")
	if !ok || username == "" || host == "" || strings.Contains(host, "@") {
		return "", "", fmt.Errorf("invalid acct %q, expected user@host", acct)
	}
	return username, strings.ToLower(host), nil
}

func sameHost(a, b string) bool {
	ua, err := url.Parse(a)
	if err != nil {
		return false
	}
	ub, err := url.Parse(b)
	if err != nil {
		return false
	}
	return strings.EqualFold(ua.Host, ub.Host)
}
