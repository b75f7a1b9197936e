package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/tusk/activitypub"
	"github.com/deemkeen/tusk/db"
	"github.com/deemkeen/tusk/domain"
	"github.com/deemkeen/tusk/util"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	testDomain  = "local.example"
	testBaseURL = "https://local.example"
)

var (
	keyOnce sync.Once
	keys    []*util.RsaKeyPair
	keyErr  error
)

func testKeyPair(t *testing.T, n int) *util.RsaKeyPair {
	t.Helper()
	keyOnce.Do(func() {
		for i := 0; i < 2; i++ {
			kp, err := util.GeneratePemKeypair(2048)
			if err != nil {
				keyErr = err
				return
			}
			keys = append(keys, kp)
		}
	})
	if keyErr != nil {
		t.Fatalf("Failed to generate key pair: %v", keyErr)
	}
	return keys[n]
}

func testLogger() *log.Logger {
	return log.New(io.Discard)
}

// peer is a remote instance hosting alice and her notes.
type peer struct {
	server *httptest.Server
	key    *util.RsaKeyPair

	mu       sync.Mutex
	notes    map[string]string
	received []activitypub.OutboundActivity
	inbox    chan struct{}
}

func newPeer(t *testing.T) *peer {
	t.Helper()
	p := &peer{key: testKeyPair(t, 1), notes: map[string]string{}, inbox: make(chan struct{}, 16)}
	p.server = httptest.NewTLSServer(http.HandlerFunc(p.serve))
	t.Cleanup(p.server.Close)
	return p
}

func (p *peer) actorURI() string { return p.server.URL + "/users/alice" }

func (p *peer) serve(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/users/alice":
		uri := p.actorURI()
		w.Header().Set("Content-Type", activitypub.ContentTypeActivityJSON)
		json.NewEncoder(w).Encode(map[string]any{
			"@context":          activitypub.ActivityStreamsContext,
			"id":                uri,
			"type":              "Person",
			"preferredUsername": "alice",
			"inbox":             uri + "/inbox",
			"publicKey": map[string]string{
				"id":           uri + "#main-key",
				"owner":        uri,
				"publicKeyPem": p.key.Public,
			},
		})
	case r.Method == http.MethodPost && r.URL.Path == "/users/alice/inbox":
		var act activitypub.OutboundActivity
		json.NewDecoder(r.Body).Decode(&act)
		p.mu.Lock()
		p.received = append(p.received, act)
		p.mu.Unlock()
		p.inbox <- struct{}{}
		w.WriteHeader(http.StatusAccepted)
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/notes/"):
		p.mu.Lock()
		doc, ok := p.notes[r.URL.Path]
		p.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", activitypub.ContentTypeActivityJSON)
		io.WriteString(w, doc)
	default:
		http.NotFound(w, r)
	}
}

func (p *peer) addNote(path, content string) string {
	uri := p.server.URL + path
	doc := fmt.Sprintf(`{"id":%q,"type":"Note","attributedTo":%q,"content":%q,"to":[%q]}`,
		uri, p.actorURI(), content, activitypub.PublicCollection)
	p.mu.Lock()
	p.notes[path] = doc
	p.mu.Unlock()
	return uri
}

func (p *peer) waitForDelivery(t *testing.T) activitypub.OutboundActivity {
	t.Helper()
	select {
	case <-p.inbox:
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for delivery to the peer inbox")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.received[len(p.received)-1]
}

func (p *peer) deliveries() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.received)
}

// fixture wires the whole engine behind the gin router, talking to peer.
type fixture struct {
	db     *db.DB
	router *gin.Engine
	queue  *activitypub.DeliveryQueue
	peer   *peer
	bob    *domain.Account
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := db.Open(":memory:", testLogger())
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	kp := testKeyPair(t, 0)
	bob := activitypub.NewLocalAccount(uuid.New(), "bob", testBaseURL, kp.Public, kp.Private, time.Now())
	if err := database.CreateAccount(context.Background(), bob); err != nil {
		t.Fatalf("Failed to create bob: %v", err)
	}

	p := newPeer(t)
	fetcher := activitypub.NewFetcher(activitypub.FetcherConfig{
		Client:         p.server.Client(),
		Timeout:        2 * time.Second,
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
		Logger:         testLogger(),
	})
	resolver := activitypub.NewResolver(activitypub.ResolverConfig{
		Accounts: database,
		Fetcher:  fetcher,
		BaseURL:  testBaseURL,
		Logger:   testLogger(),
	})
	deliverer := activitypub.NewDeliverer(activitypub.DeliveryConfig{
		Client:         p.server.Client(),
		Timeout:        2 * time.Second,
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
		Logger:         testLogger(),
	})
	queue := activitypub.NewDeliveryQueue(deliverer, 1, 16, 5*time.Second, testLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		queue.Shutdown(ctx)
	})

	dispatcher := activitypub.NewDispatcher(activitypub.Deps{
		Accounts:  database,
		Follows:   database,
		Notes:     database,
		Reactions: database,
		Resolver:  resolver,
		Fetcher:   fetcher,
		Outbox:    queue,
		BaseURL:   testBaseURL,
		Logger:    testLogger(),
	})

	srv := NewServer(ServerConfig{
		Accounts:    database,
		Notes:       database,
		Verifier:    activitypub.NewSignatureVerifier(resolver, true, time.Hour, testLogger()),
		Inbox:       activitypub.NewInbox(activitypub.NewDeduplicator(database, testLogger()), dispatcher, testLogger()),
		BaseURL:     testBaseURL,
		Domain:      testDomain,
		Logger:      testLogger(),
		GlobalRate:  rate.Inf,
		GlobalBurst: 1,
		InboxRate:   rate.Inf,
		InboxBurst:  1,
	})

	return &fixture{db: database, router: Router(srv), queue: queue, peer: p, bob: bob}
}

// signedPost builds a POST to path signed with alice's key.
func (f *fixture) signedPost(t *testing.T, path, body string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader([]byte(body)))
	req.Host = testDomain
	req.Header.Set("Host", testDomain)
	req.Header.Set("Content-Type", activitypub.ContentTypeActivityJSON)
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))

	key, err := util.ParsePrivateKeyPem(f.peer.key.Private)
	if err != nil {
		t.Fatalf("Failed to parse peer key: %v", err)
	}
	if err := activitypub.SignRequest(req, key, f.peer.actorURI()+"#main-key", []byte(body)); err != nil {
		t.Fatalf("Failed to sign request: %v", err)
	}
	return req
}

func (f *fixture) serve(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) followBody(id string) string {
	return fmt.Sprintf(`{"@context":%q,"id":%q,"type":"Follow","actor":%q,"object":%q}`,
		activitypub.ActivityStreamsContext, id, f.peer.actorURI(), f.bob.URI)
}

func (f *fixture) createLocalNote(t *testing.T, text, visibility string) *domain.Note {
	t.Helper()
	id := uuid.New()
	note := &domain.Note{
		Id:         id,
		URI:        activitypub.LocalNoteURI(testBaseURL, id),
		AuthorId:   f.bob.Id,
		Text:       &text,
		Visibility: visibility,
		CreatedAt:  time.Now(),
	}
	if err := f.db.CreateNote(context.Background(), note); err != nil {
		t.Fatalf("Failed to create note: %v", err)
	}
	return note
}
