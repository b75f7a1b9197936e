package activitypub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/deemkeen/tusk/domain"
	"github.com/google/uuid"
)

func TestVisibilityFromAudience(t *testing.T) {
	followers := "https://remote.example/users/alice/followers"
	tests := []struct {
		name string
		to   Audience
		cc   Audience
		want string
	}{
		{"public", Audience{PublicCollection}, Audience{followers}, domain.VisibilityPublic},
		{"public compact", Audience{"as:Public"}, nil, domain.VisibilityPublic},
		{"unlisted", Audience{followers}, Audience{PublicCollection}, domain.VisibilityHome},
		{"followers only", Audience{followers}, nil, domain.VisibilityFollowers},
		{"direct", Audience{"https://local.example/users/bob"}, nil, domain.VisibilitySpecified},
		{"no addressing", nil, nil, domain.VisibilitySpecified},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VisibilityFromAudience(tt.to, tt.cc, followers); got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestIngestNote(t *testing.T) {
	database := setupTestDB(t)
	alice := createRemoteAccount(t, database, aliceURI, testKeyPair(t, 0))
	ingester := NewRemoteNoteIngester(database, nil, testLogger())

	parentText := "parent"
	parent := &domain.Note{Id: uuid.New(), URI: "https://local.example/notes/parent", AuthorId: alice.Id, Text: &parentText}
	if err := database.CreateNote(context.Background(), parent); err != nil {
		t.Fatalf("CreateNote failed: %v", err)
	}

	raw := `{
		"id": "https://remote.example/notes/1",
		"type": "Note",
		"attributedTo": "https://remote.example/users/alice",
		"content": "<p>hi :blobcat:</p>",
		"summary": "spoiler",
		"inReplyTo": "https://local.example/notes/parent",
		"published": "2024-05-01T10:00:00Z",
		"to": ["https://remote.example/users/alice/followers"],
		"tag": [
			{"type": "Mention", "href": "https://local.example/users/bob", "name": "@bob"},
			{"type": "Emoji", "name": ":blobcat:"},
			{"type": "Hashtag", "name": "#go"}
		],
		"attachment": [{"type": "Document", "mediaType": "image/png", "url": "https://remote.example/media/1.png"}]
	}`
	var obj NoteObject
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	note, err := ingester.IngestNote(context.Background(), &obj, alice)
	if err != nil {
		t.Fatalf("IngestNote failed: %v", err)
	}
	if note.ContentWarning == nil || *note.ContentWarning != "spoiler" {
		t.Errorf("Expected content warning, got %v", note.ContentWarning)
	}
	if note.ReplyId == nil || *note.ReplyId != parent.Id {
		t.Errorf("Expected reply to parent, got %v", note.ReplyId)
	}
	if note.Visibility != domain.VisibilityFollowers {
		t.Errorf("Expected followers visibility, got %s", note.Visibility)
	}
	if len(note.Mentions) != 1 || len(note.Emojis) != 1 || len(note.FileIds) != 1 {
		t.Errorf("Unexpected tags: mentions %v emojis %v files %v", note.Mentions, note.Emojis, note.FileIds)
	}
	if !note.CreatedAt.Equal(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("Expected published time, got %s", note.CreatedAt)
	}

	again, err := ingester.IngestNote(context.Background(), &obj, alice)
	if err != nil {
		t.Fatalf("Second IngestNote failed: %v", err)
	}
	if again.Id != note.Id {
		t.Error("Expected the stored note to be returned on re-ingest")
	}
}

func TestNoteObjectCompactedShapes(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		mentions int
		files    []string
		url      Href
	}{
		{
			name:     "single tag and attachment objects",
			raw:      `{"tag": {"type": "Mention", "href": "https://local.example/users/bob"}, "attachment": {"type": "Image", "url": "https://remote.example/media/1.png"}}`,
			mentions: 1,
			files:    []string{"https://remote.example/media/1.png"},
		},
		{
			name:  "attachment url as a list of links",
			raw:   `{"attachment": [{"type": "Video", "url": [{"type": "Link", "mediaType": "video/mp4", "href": "https://videos.example/v/1.mp4"}, {"type": "Link", "href": "https://videos.example/v/1.webm"}]}]}`,
			files: []string{"https://videos.example/v/1.mp4"},
		},
		{
			name:  "attachment url as a link object",
			raw:   `{"attachment": [{"type": "Document", "url": {"type": "Link", "href": "https://remote.example/media/2.png"}}]}`,
			files: []string{"https://remote.example/media/2.png"},
		},
		{
			name: "note url as a list of links",
			raw:  `{"url": [{"type": "Link", "mediaType": "text/html", "href": "https://videos.example/w/1"}]}`,
			url:  "https://videos.example/w/1",
		},
		{
			name:     "non-object tags are dropped",
			raw:      `{"tag": ["https://remote.example/tags/go", {"type": "Mention", "href": "https://local.example/users/bob"}]}`,
			mentions: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var obj NoteObject
			if err := json.Unmarshal([]byte(tt.raw), &obj); err != nil {
				t.Fatalf("Unmarshal failed: %v", err)
			}
			if len(obj.Tag) != tt.mentions {
				t.Errorf("Expected %d tags, got %v", tt.mentions, obj.Tag)
			}
			if len(obj.Attachment) != len(tt.files) {
				t.Fatalf("Expected %d attachments, got %v", len(tt.files), obj.Attachment)
			}
			for i, want := range tt.files {
				if string(obj.Attachment[i].URL) != want {
					t.Errorf("Expected attachment url %s, got %s", want, obj.Attachment[i].URL)
				}
			}
			if obj.URL != tt.url {
				t.Errorf("Expected url %s, got %s", tt.url, obj.URL)
			}
		})
	}
}

func TestIngestNoteWithCompactedFields(t *testing.T) {
	database := setupTestDB(t)
	alice := createRemoteAccount(t, database, aliceURI, testKeyPair(t, 0))
	ingester := NewRemoteNoteIngester(database, nil, testLogger())

	raw := `{
		"id": "https://remote.example/notes/2",
		"type": "Note",
		"attributedTo": "https://remote.example/users/alice",
		"content": "<p>clip</p>",
		"to": "https://www.w3.org/ns/activitystreams#Public",
		"tag": {"type": "Mention", "href": "https://local.example/users/bob"},
		"attachment": {"type": "Video", "url": [{"type": "Link", "href": "https://remote.example/media/clip.mp4"}]}
	}`
	var obj NoteObject
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	note, err := ingester.IngestNote(context.Background(), &obj, alice)
	if err != nil {
		t.Fatalf("IngestNote failed: %v", err)
	}
	if len(note.Mentions) != 1 || note.Mentions[0] != "https://local.example/users/bob" {
		t.Errorf("Expected mention of bob, got %v", note.Mentions)
	}
	if len(note.FileIds) != 1 || note.FileIds[0] != "https://remote.example/media/clip.mp4" {
		t.Errorf("Expected clip attachment, got %v", note.FileIds)
	}
}

func TestIngestNoteRejectsInvalidObjects(t *testing.T) {
	database := setupTestDB(t)
	alice := createRemoteAccount(t, database, aliceURI, testKeyPair(t, 0))
	ingester := NewRemoteNoteIngester(database, nil, testLogger())

	for _, obj := range []*NoteObject{
		{Type: "Note"},
		{ID: "https://remote.example/videos/1", Type: "Video"},
	} {
		if _, err := ingester.IngestNote(context.Background(), obj, alice); err == nil {
			t.Errorf("Expected error for %+v", obj)
		}
	}
}

func TestNoteToAS2(t *testing.T) {
	bob := localBob(t)
	text := "hello world"
	cw := "careful"
	note := &domain.Note{
		Id:             uuid.New(),
		AuthorId:       bob.Id,
		Text:           &text,
		ContentWarning: &cw,
		Visibility:     domain.VisibilityPublic,
		Mentions:       []string{aliceURI},
		CreatedAt:      time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	note.URI = LocalNoteURI(testBaseURL, note.Id)

	obj := NoteToAS2(note, bob)
	if obj.ID != "https://local.example/notes/"+note.Id.String() {
		t.Errorf("Unexpected note id %s", obj.ID)
	}
	if obj.AttributedTo.ID != bob.URI || obj.Content != text || obj.Summary != cw || !obj.Sensitive {
		t.Errorf("Unexpected note %+v", obj)
	}
	if !obj.To.Contains(PublicCollection) || !obj.Cc.Contains(bob.FollowersURI) {
		t.Errorf("Unexpected addressing to=%v cc=%v", obj.To, obj.Cc)
	}
	if obj.Published != "2024-01-02T03:04:05Z" {
		t.Errorf("Unexpected published %s", obj.Published)
	}

	b, _ := json.Marshal(obj)
	var back map[string]any
	json.Unmarshal(b, &back)
	if back["attributedTo"] != bob.URI {
		t.Errorf("Expected attributedTo to serialize as a URI, got %v", back["attributedTo"])
	}
	if _, ok := back["inReplyTo"]; ok {
		t.Error("Expected inReplyTo to be omitted for a top level note")
	}
}

func TestNoteTombstone(t *testing.T) {
	deleted := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	note := &domain.Note{URI: "https://local.example/notes/1", IsDeleted: true, DeletedAt: &deleted}

	ts := NoteTombstone(note)
	if ts.Type != "Tombstone" || ts.FormerType != "Note" || ts.ID != note.URI {
		t.Errorf("Unexpected tombstone %+v", ts)
	}
	if ts.Deleted != "2024-01-02T03:04:05Z" {
		t.Errorf("Unexpected deleted time %s", ts.Deleted)
	}
}
