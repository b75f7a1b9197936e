package activitypub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/tusk/domain"
	"github.com/deemkeen/tusk/util"
	"github.com/google/uuid"
)

// NoteObject is an AS2 Note or Article.
type NoteObject struct {
	Context      any          `json:"@context,omitempty"`
	ID           string       `json:"id"`
	Type         string       `json:"type"`
	AttributedTo ObjectRef    `json:"attributedTo"`
	Content      string       `json:"content,omitempty"`
	Summary      string       `json:"summary,omitempty"`
	Sensitive    bool         `json:"sensitive,omitempty"`
	InReplyTo    *ObjectRef   `json:"inReplyTo,omitempty"`
	Published    string       `json:"published,omitempty"`
	Updated      string       `json:"updated,omitempty"`
	URL          Href         `json:"url,omitempty"`
	To           Audience     `json:"to,omitempty"`
	Cc           Audience     `json:"cc,omitempty"`
	Tag          Tags         `json:"tag,omitempty"`
	Attachment   Attachments  `json:"attachment,omitempty"`
}

type Tag struct {
	Type string `json:"type"`
	Href string `json:"href,omitempty"`
	Name string `json:"name,omitempty"`
}

type Attachment struct {
	Type      string `json:"type"`
	MediaType string `json:"mediaType,omitempty"`
	URL       Href   `json:"url"`
}

// Tags accepts a single tag object or a list. Entries that are not objects
// are dropped.
type Tags []Tag

func (t *Tags) UnmarshalJSON(data []byte) error {
	return unmarshalObjects(data, (*[]Tag)(t))
}

// Attachments accepts a single attachment object or a list.
type Attachments []Attachment

func (a *Attachments) UnmarshalJSON(data []byte) error {
	return unmarshalObjects(data, (*[]Attachment)(a))
}

func unmarshalObjects[T any](data []byte, out *[]T) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil
	}
	switch data[0] {
	case '{':
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*out = []T{v}
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			return err
		}
		for _, item := range items {
			item = bytes.TrimSpace(item)
			if len(item) == 0 || item[0] != '{' {
				continue
			}
			var v T
			if err := json.Unmarshal(item, &v); err != nil {
				return err
			}
			*out = append(*out, v)
		}
	}
	return nil
}

// Href is a url given as a string, a Link object or a list of either. The
// first usable href wins.
type Href string

func (h *Href) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*h = Href(s)
	case '{':
		var link struct {
			Href string `json:"href"`
			URL  Href   `json:"url"`
		}
		if err := json.Unmarshal(data, &link); err != nil {
			return err
		}
		*h = Href(link.Href)
		if *h == "" {
			*h = link.URL
		}
	case '[':
		var list []Href
		if err := json.Unmarshal(data, &list); err != nil {
			return err
		}
		for _, v := range list {
			if v != "" {
				*h = v
				break
			}
		}
	}
	return nil
}

// Tombstone is served in place of a deleted note.
type Tombstone struct {
	Context    any    `json:"@context"`
	ID         string `json:"id"`
	Type       string `json:"type"`
	FormerType string `json:"formerType"`
	Deleted    string `json:"deleted,omitempty"`
}

func isNoteType(t string) bool {
	return t == "Note" || t == "Article"
}

// VisibilityFromAudience derives a note visibility from its addressing.
func VisibilityFromAudience(to, cc Audience, followersURI string) string {
	switch {
	case to.Contains(PublicCollection) || to.Contains("as:Public") || to.Contains("Public"):
		return domain.VisibilityPublic
	case cc.Contains(PublicCollection) || cc.Contains("as:Public") || cc.Contains("Public"):
		return domain.VisibilityHome
	case followersURI != "" && (to.Contains(followersURI) || cc.Contains(followersURI)):
		return domain.VisibilityFollowers
	default:
		return domain.VisibilitySpecified
	}
}

// NoteIngester normalizes and stores remote notes.
type NoteIngester interface {
	IngestNote(ctx context.Context, obj *NoteObject, author *domain.Account) (*domain.Note, error)
}

// RemoteNoteIngester stores remote notes in a NoteStore.
type RemoteNoteIngester struct {
	notes  NoteStore
	newID  func() uuid.UUID
	now    func() time.Time
	logger *log.Logger
}

func NewRemoteNoteIngester(notes NoteStore, newID func() uuid.UUID, logger *log.Logger) *RemoteNoteIngester {
	if newID == nil {
		newID = uuid.New
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &RemoteNoteIngester{notes: notes, newID: newID, now: time.Now, logger: logger.WithPrefix("notes")}
}

// IngestNote stores obj as a note by author. A note already known by URI is
// returned unchanged.
func (i *RemoteNoteIngester) IngestNote(ctx context.Context, obj *NoteObject, author *domain.Account) (*domain.Note, error) {
	if obj.ID == "" {
		return nil, errors.New("note has no id")
	}
	if !isNoteType(obj.Type) {
		return nil, fmt.Errorf("unsupported object type %q", obj.Type)
	}

	existing, err := i.notes.ReadNoteByURI(ctx, obj.ID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	note := &domain.Note{
		Id:         i.newID(),
		URI:        obj.ID,
		AuthorId:   author.Id,
		Visibility: VisibilityFromAudience(obj.To, obj.Cc, author.FollowersURI),
		CreatedAt:  i.now(),
	}
	if obj.Content != "" {
		text := obj.Content
		note.Text = &text
	}
	if obj.Summary != "" {
		cw := obj.Summary
		note.ContentWarning = &cw
	}
	if t, err := time.Parse(time.RFC3339, obj.Published); err == nil {
		note.CreatedAt = t
	}

	if obj.InReplyTo != nil && obj.InReplyTo.ID != "" {
		if parent, err := i.notes.ReadNoteByURI(ctx, obj.InReplyTo.ID); err == nil {
			note.ReplyId = &parent.Id
		}
	}

	for _, tag := range obj.Tag {
		switch tag.Type {
		case "Mention":
			if tag.Href != "" {
				note.Mentions = append(note.Mentions, tag.Href)
			}
		case "Emoji":
			if tag.Name != "" {
				note.Emojis = append(note.Emojis, tag.Name)
			}
		}
	}
	for _, a := range obj.Attachment {
		if a.URL != "" {
			note.FileIds = append(note.FileIds, string(a.URL))
		}
	}

	if err := i.notes.CreateNote(ctx, note); err != nil {
		// a concurrent delivery may have stored it first
		if existing, rerr := i.notes.ReadNoteByURI(ctx, obj.ID); rerr == nil {
			return existing, nil
		}
		return nil, fmt.Errorf("failed to store note %s: %w", obj.ID, err)
	}

	i.logger.Info("Ingested remote note", "uri", note.URI, "author", author.Acct(),
		"preview", util.Truncate(util.StripHTML(obj.Content), 60))
	return note, nil
}

// LocalNoteURI returns baseURL/notes/{id}.
func LocalNoteURI(baseURL string, id uuid.UUID) string {
	return fmt.Sprintf("%s/notes/%s", baseURL, id)
}

// NoteToAS2 renders a note for GET /notes/:id.
func NoteToAS2(note *domain.Note, author *domain.Account) *NoteObject {
	obj := &NoteObject{
		Context:      ActivityStreamsContext,
		ID:           note.URI,
		Type:         "Note",
		AttributedTo: ObjectRef{ID: author.URI},
		Published:    note.CreatedAt.UTC().Format(time.RFC3339),
	}
	if note.Text != nil {
		obj.Content = *note.Text
	}
	if note.ContentWarning != nil {
		obj.Summary = *note.ContentWarning
		obj.Sensitive = true
	}
	if note.UpdatedAt != nil {
		obj.Updated = note.UpdatedAt.UTC().Format(time.RFC3339)
	}

	switch note.Visibility {
	case domain.VisibilityPublic:
		obj.To = Audience{PublicCollection}
		obj.Cc = Audience{author.FollowersURI}
	case domain.VisibilityHome:
		obj.To = Audience{author.FollowersURI}
		obj.Cc = Audience{PublicCollection}
	case domain.VisibilityFollowers:
		obj.To = Audience{author.FollowersURI}
	}
	for _, m := range note.Mentions {
		obj.Tag = append(obj.Tag, Tag{Type: "Mention", Href: m})
		if note.Visibility == domain.VisibilitySpecified {
			obj.To = append(obj.To, m)
		}
	}
	return obj
}

// NoteTombstone renders a deleted note.
func NoteTombstone(note *domain.Note) *Tombstone {
	t := &Tombstone{
		Context:    ActivityStreamsContext,
		ID:         note.URI,
		Type:       "Tombstone",
		FormerType: "Note",
	}
	if note.DeletedAt != nil {
		t.Deleted = note.DeletedAt.UTC().Format(time.RFC3339)
	}
	return t
}
