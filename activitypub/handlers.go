package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/tusk/domain"
	"github.com/google/uuid"
)

// JobSubmitter accepts outbound deliveries. *DeliveryQueue implements it.
type JobSubmitter interface {
	Submit(job DeliveryJob) error
}

// Deps are the collaborators of the inbox dispatcher.
type Deps struct {
	Accounts  AccountStore
	Follows   FollowStore
	Notes     NoteStore
	Reactions ReactionStore
	Resolver  ActorResolver
	Fetcher   ObjectFetcher
	Ingester  NoteIngester
	Outbox    JobSubmitter
	NewID     func() uuid.UUID
	Now       func() time.Time
	BaseURL   string
	Logger    *log.Logger
}

// Dispatcher applies validated activities to local state.
// Every handler is idempotent; federation delivery is at-least-once.
type Dispatcher struct {
	accounts  AccountStore
	follows   FollowStore
	notes     NoteStore
	reactions ReactionStore
	resolver  ActorResolver
	fetcher   ObjectFetcher
	ingester  NoteIngester
	outbox    JobSubmitter
	newID     func() uuid.UUID
	now       func() time.Time
	baseURL   string
	logger    *log.Logger
}

func NewDispatcher(deps Deps) *Dispatcher {
	d := &Dispatcher{
		accounts:  deps.Accounts,
		follows:   deps.Follows,
		notes:     deps.Notes,
		reactions: deps.Reactions,
		resolver:  deps.Resolver,
		fetcher:   deps.Fetcher,
		ingester:  deps.Ingester,
		outbox:    deps.Outbox,
		newID:     deps.NewID,
		now:       deps.Now,
		baseURL:   strings.TrimSuffix(deps.BaseURL, "/"),
		logger:    deps.Logger,
	}
	if d.newID == nil {
		d.newID = uuid.New
	}
	if d.now == nil {
		d.now = time.Now
	}
	if d.logger == nil {
		d.logger = log.New(io.Discard)
	}
	d.logger = d.logger.WithPrefix("dispatch")
	if d.ingester == nil {
		d.ingester = NewRemoteNoteIngester(d.notes, d.newID, d.logger)
	}
	return d
}

// Dispatch runs the handler for act. sender is the verified actor; recipient
// is the local inbox owner, nil for the shared inbox. Handler errors and
// panics are logged and returned; they never reach the remote peer.
func (d *Dispatcher) Dispatch(ctx context.Context, act Activity, sender, recipient *domain.Account) (err error) {
	base := act.Base()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			d.logger.Error("Handler panicked", "type", base.Type, "id", base.ID, "panic", r, "stack", string(debug.Stack()))
		}
	}()

	switch a := act.(type) {
	case *Follow:
		err = d.handleFollow(ctx, a, sender, recipient)
	case *Accept:
		err = d.handleAccept(ctx, a, sender)
	case *Reject:
		err = d.handleReject(ctx, a, sender)
	case *Create:
		err = d.handleCreate(ctx, a, sender)
	case *Update:
		err = d.handleUpdate(ctx, a, sender)
	case *Delete:
		err = d.handleDelete(ctx, a, sender)
	case *Like:
		err = d.handleLike(ctx, a, sender)
	case *Announce:
		err = d.handleAnnounce(ctx, a, sender)
	case *Undo:
		err = d.handleUndo(ctx, a, sender, recipient)
	case *UnknownActivity:
		d.logger.Info("Unsupported activity type", "type", a.Type, "actor", a.Actor)
	default:
		err = fmt.Errorf("unhandled activity variant %T", act)
	}

	if err != nil {
		d.logger.Error("Failed to process activity", "type", base.Type, "id", base.ID, "actor", base.Actor, "err", err)
	}
	return err
}

// localAccount returns the local account for a local actor URI, or nil.
func (d *Dispatcher) localAccount(ctx context.Context, uri string) (*domain.Account, error) {
	username, ok := ParseLocalActorURI(d.baseURL, uri)
	if !ok {
		return nil, nil
	}
	acc, err := d.accounts.ReadAccountByUsername(ctx, username, "")
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	return acc, err
}

// noteByURI returns the stored note for uri, or nil when it is unknown.
func (d *Dispatcher) noteByURI(ctx context.Context, uri string) (*domain.Note, error) {
	if uri == "" {
		return nil, nil
	}
	note, err := d.notes.ReadNoteByURI(ctx, uri)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	return note, err
}

func (d *Dispatcher) handleFollow(ctx context.Context, act *Follow, sender, recipient *domain.Account) error {
	followee, err := d.localAccount(ctx, act.Object.ID)
	if err != nil {
		return fmt.Errorf("failed to read followee: %w", err)
	}
	if followee == nil {
		d.logger.Warn("Follow target is not a local account", "object", act.Object.ID)
		return nil
	}
	if recipient != nil && recipient.Id != followee.Id {
		d.logger.Warn("Follow target does not match inbox owner", "object", act.Object.ID, "inbox", recipient.Username)
		return nil
	}
	if followee.Id == sender.Id {
		return nil
	}

	created, err := d.follows.CreateFollow(ctx, &domain.Follow{
		Id:         d.newID(),
		FollowerId: sender.Id,
		FolloweeId: followee.Id,
		URI:        act.ID,
		CreatedAt:  d.now(),
	})
	if err != nil {
		return fmt.Errorf("failed to create follow: %w", err)
	}
	if created {
		d.logger.Info("New follower", "follower", sender.Acct(), "followee", followee.Username)
	}

	// Accept is sent for repeated Follows too; the peer may have missed it.
	accept := CreateAcceptActivity(fmt.Sprintf("%s#accepts/%s", followee.URI, d.newID()), act, followee.URI)
	if d.outbox == nil {
		d.logger.Warn("No delivery queue, Accept not sent", "follower", sender.Acct())
		return nil
	}
	if err := d.outbox.Submit(DeliveryJob{
		Activity:      accept,
		Inbox:         sender.InboxURI,
		KeyId:         followee.PublicKeyId,
		PrivateKeyPem: followee.PrivateKeyPem,
	}); err != nil {
		d.logger.Warn("Failed to enqueue Accept", "follower", sender.Acct(), "err", err)
	}
	return nil
}

func (d *Dispatcher) handleAccept(_ context.Context, act *Accept, sender *domain.Account) error {
	d.logger.Info("Follow accepted", "by", sender.Acct(), "object", act.Object.ID)
	return nil
}

func (d *Dispatcher) handleReject(ctx context.Context, act *Reject, sender *domain.Account) error {
	if act.Object.Type != "Follow" {
		d.logger.Info("Ignoring Reject of non-Follow object", "object", act.Object.ID, "by", sender.Acct())
		return nil
	}
	if act.Object.Object != nil && act.Object.Object.ID != "" && act.Object.Object.ID != sender.URI {
		d.logger.Warn("Reject of a Follow addressed to another actor", "object", act.Object.Object.ID, "by", sender.Acct())
		return nil
	}

	follower, err := d.localAccount(ctx, act.Object.Actor)
	if err != nil {
		return fmt.Errorf("failed to read follower: %w", err)
	}
	if follower == nil {
		d.logger.Info("Reject for unknown local follower", "actor", act.Object.Actor)
		return nil
	}

	deleted, err := d.follows.DeleteFollow(ctx, follower.Id, sender.Id)
	if err != nil {
		return fmt.Errorf("failed to delete follow: %w", err)
	}
	if deleted {
		d.logger.Info("Follow rejected", "follower", follower.Username, "by", sender.Acct())
	}
	return nil
}

func (d *Dispatcher) handleCreate(ctx context.Context, act *Create, sender *domain.Account) error {
	if !isNoteType(act.Object.Type) {
		d.logger.Info("Ignoring Create of unsupported object", "type", act.Object.Type, "actor", sender.Acct())
		return nil
	}

	var obj NoteObject
	if err := json.Unmarshal(act.Object.Raw, &obj); err != nil {
		return fmt.Errorf("failed to parse %s: %w", act.Object.Type, err)
	}
	if obj.AttributedTo.ID != sender.URI {
		d.logger.Warn("Create of a note attributed to another actor", "note", obj.ID, "attributedTo", obj.AttributedTo.ID, "actor", sender.URI)
		return nil
	}
	if !sameHost(obj.ID, sender.URI) {
		d.logger.Warn("Create of a note hosted on another server", "note", obj.ID, "actor", sender.URI)
		return nil
	}

	existing, err := d.noteByURI(ctx, obj.ID)
	if err != nil {
		return fmt.Errorf("failed to read note: %w", err)
	}
	if existing != nil {
		return nil
	}

	if _, err := d.ingester.IngestNote(ctx, &obj, sender); err != nil {
		return fmt.Errorf("failed to ingest note: %w", err)
	}
	return nil
}

// profileUpdate holds the whitelisted fields of an actor Update. Absent
// fields stay nil and leave the stored value untouched.
type profileUpdate struct {
	ID        string     `json:"id"`
	Name      *string    `json:"name"`
	Summary   *string    `json:"summary"`
	Icon      *Image     `json:"icon"`
	Image     *Image     `json:"image"`
	PublicKey *PublicKey `json:"publicKey"`
}

func (d *Dispatcher) handleUpdate(ctx context.Context, act *Update, sender *domain.Account) error {
	switch {
	case isActorType(act.Object.Type):
		return d.updateProfile(ctx, act, sender)
	case isNoteType(act.Object.Type):
		return d.updateNote(ctx, act, sender)
	default:
		d.logger.Info("Ignoring Update of unsupported object", "type", act.Object.Type, "actor", sender.Acct())
		return nil
	}
}

func (d *Dispatcher) updateProfile(ctx context.Context, act *Update, sender *domain.Account) error {
	if act.Object.ID != sender.URI {
		d.logger.Warn("Rejected profile Update for another actor", "object", act.Object.ID, "actor", sender.URI)
		return nil
	}

	var upd profileUpdate
	if err := json.Unmarshal(act.Object.Raw, &upd); err != nil {
		return fmt.Errorf("failed to parse actor: %w", err)
	}

	acc := *sender
	if upd.Name != nil {
		acc.DisplayName = *upd.Name
	}
	if upd.Summary != nil {
		acc.Summary = *upd.Summary
	}
	if upd.Icon != nil {
		acc.AvatarURL = upd.Icon.URL
	}
	if upd.Image != nil {
		acc.BannerURL = upd.Image.URL
	}
	if upd.PublicKey != nil && upd.PublicKey.PublicKeyPem != "" {
		if upd.PublicKey.Owner != "" && upd.PublicKey.Owner != sender.URI {
			d.logger.Warn("Ignoring publicKey owned by another actor", "owner", upd.PublicKey.Owner, "actor", sender.URI)
		} else {
			acc.PublicKeyId = upd.PublicKey.ID
			acc.PublicKeyPem = upd.PublicKey.PublicKeyPem
		}
	}
	acc.UpdatedAt = d.now()

	if err := d.accounts.UpdateAccount(ctx, &acc); err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	d.logger.Info("Updated profile", "actor", acc.Acct())
	return nil
}

func (d *Dispatcher) updateNote(ctx context.Context, act *Update, sender *domain.Account) error {
	note, err := d.noteByURI(ctx, act.Object.ID)
	if err != nil {
		return fmt.Errorf("failed to read note: %w", err)
	}
	if note == nil {
		d.logger.Info("Update for unknown note", "note", act.Object.ID)
		return nil
	}
	if note.AuthorId != sender.Id {
		d.logger.Warn("Ignoring Update of a note owned by another actor", "note", note.URI, "actor", sender.URI)
		return nil
	}
	if note.IsDeleted {
		return nil
	}

	var obj NoteObject
	if err := json.Unmarshal(act.Object.Raw, &obj); err != nil {
		return fmt.Errorf("failed to parse note: %w", err)
	}

	text := obj.Content
	note.Text = &text
	note.ContentWarning = nil
	if obj.Summary != "" {
		cw := obj.Summary
		note.ContentWarning = &cw
	}
	updated := d.now()
	if t, err := time.Parse(time.RFC3339, obj.Updated); err == nil {
		updated = t
	}
	note.UpdatedAt = &updated

	if err := d.notes.UpdateNote(ctx, note); err != nil {
		return fmt.Errorf("failed to update note: %w", err)
	}
	d.logger.Info("Updated note", "note", note.URI)
	return nil
}

func (d *Dispatcher) handleDelete(ctx context.Context, act *Delete, sender *domain.Account) error {
	target := act.Object.ID
	if target == sender.URI {
		d.logger.Info("Account deletion is not supported, ignoring", "actor", sender.Acct())
		return nil
	}

	note, err := d.noteByURI(ctx, target)
	if err != nil {
		return fmt.Errorf("failed to read note: %w", err)
	}
	if note == nil {
		d.logger.Info("Delete for unknown object", "object", target)
		return nil
	}
	if note.AuthorId != sender.Id {
		d.logger.Warn("Ignoring Delete of a note owned by another actor", "note", note.URI, "actor", sender.URI)
		return nil
	}
	if note.IsDeleted {
		return nil
	}

	if err := d.notes.DeleteNote(ctx, note.Id, d.now()); err != nil {
		return fmt.Errorf("failed to delete note: %w", err)
	}
	d.logger.Info("Deleted note", "note", note.URI)
	return nil
}

func (d *Dispatcher) handleLike(ctx context.Context, act *Like, sender *domain.Account) error {
	note, err := d.noteByURI(ctx, act.Object.ID)
	if err != nil {
		return fmt.Errorf("failed to read note: %w", err)
	}
	if note == nil || note.IsDeleted {
		d.logger.Debug("Like for unknown note", "note", act.Object.ID)
		return nil
	}

	_, err = d.reactions.ReadReaction(ctx, sender.Id, note.Id, domain.LikeReaction)
	if err == nil {
		return nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("failed to read reaction: %w", err)
	}

	if err := d.reactions.CreateReaction(ctx, &domain.Reaction{
		Id:        d.newID(),
		AccountId: sender.Id,
		NoteId:    note.Id,
		Reaction:  domain.LikeReaction,
		CreatedAt: d.now(),
	}); err != nil {
		return fmt.Errorf("failed to create reaction: %w", err)
	}
	d.logger.Info("Note liked", "note", note.URI, "by", sender.Acct())
	return nil
}

func (d *Dispatcher) handleAnnounce(ctx context.Context, act *Announce, sender *domain.Account) error {
	if act.ID == "" {
		d.logger.Info("Ignoring Announce without id", "actor", sender.Acct())
		return nil
	}
	existing, err := d.noteByURI(ctx, act.ID)
	if err != nil {
		return fmt.Errorf("failed to read renote: %w", err)
	}
	if existing != nil {
		return nil
	}

	target, err := d.resolveNote(ctx, act.Object.ID)
	if errors.Is(err, errNoteDeleted) {
		d.logger.Debug("Announce of a deleted note", "note", act.Object.ID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to resolve announced note: %w", err)
	}

	renote := &domain.Note{
		Id:         d.newID(),
		URI:        act.ID,
		AuthorId:   sender.Id,
		Visibility: VisibilityFromAudience(act.To, act.Cc, sender.FollowersURI),
		RenoteId:   &target.Id,
		CreatedAt:  d.now(),
	}
	if err := d.notes.CreateNote(ctx, renote); err != nil {
		return fmt.Errorf("failed to create renote: %w", err)
	}
	d.logger.Info("Note renoted", "note", target.URI, "by", sender.Acct())
	return nil
}

var errNoteDeleted = errors.New("note is deleted")

// resolveNote returns the local copy of a note, fetching and ingesting it
// from its origin when unknown. Embedded copies are not trusted.
func (d *Dispatcher) resolveNote(ctx context.Context, uri string) (*domain.Note, error) {
	note, err := d.noteByURI(ctx, uri)
	if err != nil {
		return nil, err
	}
	if note != nil {
		if note.IsDeleted {
			return nil, errNoteDeleted
		}
		return note, nil
	}
	if d.fetcher == nil {
		return nil, fmt.Errorf("note %s unknown and no fetcher configured", uri)
	}

	res := FetchActivityPubObject[NoteObject](ctx, d.fetcher, uri)
	if !res.Success {
		return nil, res.Err
	}
	obj := res.Data
	if !isNoteType(obj.Type) {
		return nil, fmt.Errorf("%s is a %q, not a note", uri, obj.Type)
	}
	if obj.ID == "" {
		obj.ID = uri
	}
	if !sameHost(obj.ID, uri) || !sameHost(obj.AttributedTo.ID, obj.ID) {
		return nil, fmt.Errorf("note %s has foreign id or author", uri)
	}

	author, err := d.resolver.ResolveActor(ctx, obj.AttributedTo.ID, false)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve note author: %w", err)
	}
	return d.ingester.IngestNote(ctx, obj, author)
}

func (d *Dispatcher) handleUndo(ctx context.Context, act *Undo, sender, recipient *domain.Account) error {
	inner := act.Object
	if inner.Actor != "" && inner.Actor != sender.URI {
		d.logger.Warn("Ignoring Undo of another actor's activity", "inner", inner.Actor, "actor", sender.URI)
		return nil
	}

	switch inner.Type {
	case "Follow":
		return d.undoFollow(ctx, &inner, sender, recipient)
	case "Like":
		return d.undoLike(ctx, &inner, sender)
	case "Announce", "":
		return d.undoAnnounce(ctx, inner.ID, sender)
	default:
		d.logger.Info("Ignoring Undo of unsupported activity", "type", inner.Type, "actor", sender.Acct())
		return nil
	}
}

func (d *Dispatcher) undoFollow(ctx context.Context, inner *ObjectRef, sender, recipient *domain.Account) error {
	followee := recipient
	if inner.Object != nil {
		acc, err := d.localAccount(ctx, inner.Object.ID)
		if err != nil {
			return fmt.Errorf("failed to read followee: %w", err)
		}
		followee = acc
	}
	if followee == nil {
		d.logger.Info("Undo Follow for unknown local account", "actor", sender.Acct())
		return nil
	}

	deleted, err := d.follows.DeleteFollow(ctx, sender.Id, followee.Id)
	if err != nil {
		return fmt.Errorf("failed to delete follow: %w", err)
	}
	if deleted {
		d.logger.Info("Unfollowed", "follower", sender.Acct(), "followee", followee.Username)
	}
	return nil
}

func (d *Dispatcher) undoLike(ctx context.Context, inner *ObjectRef, sender *domain.Account) error {
	if inner.Object == nil {
		return nil
	}
	note, err := d.noteByURI(ctx, inner.Object.ID)
	if err != nil {
		return fmt.Errorf("failed to read note: %w", err)
	}
	if note == nil {
		return nil
	}
	if err := d.reactions.DeleteReaction(ctx, sender.Id, note.Id, domain.LikeReaction); err != nil {
		return fmt.Errorf("failed to delete reaction: %w", err)
	}
	d.logger.Info("Like removed", "note", note.URI, "by", sender.Acct())
	return nil
}

func (d *Dispatcher) undoAnnounce(ctx context.Context, announceID string, sender *domain.Account) error {
	renote, err := d.noteByURI(ctx, announceID)
	if err != nil {
		return fmt.Errorf("failed to read renote: %w", err)
	}
	if renote == nil || !renote.IsRenote() {
		d.logger.Info("Undo for unknown renote", "object", announceID)
		return nil
	}
	if renote.AuthorId != sender.Id {
		d.logger.Warn("Ignoring Undo of a renote owned by another actor", "renote", announceID, "actor", sender.URI)
		return nil
	}
	if renote.IsDeleted {
		return nil
	}

	if err := d.notes.DeleteNote(ctx, renote.Id, d.now()); err != nil {
		return fmt.Errorf("failed to delete renote: %w", err)
	}
	d.logger.Info("Renote removed", "renote", announceID, "by", sender.Acct())
	return nil
}

func isActorType(t string) bool {
	for _, at := range actorTypes {
		if at == t {
			return true
		}
	}
	return false
}
