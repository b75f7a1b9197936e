package activitypub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/deemkeen/tusk/domain"
)

// recordingDispatcher counts dispatched activities.
type recordingDispatcher struct {
	mu       sync.Mutex
	received []Activity
	ctxErr   error
	err      error
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, act Activity, _, _ *domain.Account) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.received = append(d.received, act)
	d.ctxErr = ctx.Err()
	return d.err
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.received)
}

// failingLog is an activity log whose backend is down.
type failingLog struct{}

func (failingLog) RecordActivity(context.Context, string, time.Time) (bool, error) {
	return false, errors.New("database is locked")
}

func newTestInbox(t *testing.T, log ActivityLog) (*Inbox, *recordingDispatcher) {
	t.Helper()
	if log == nil {
		log = setupTestDB(t)
	}
	d := &recordingDispatcher{}
	return NewInbox(NewDeduplicator(log, testLogger()), d, testLogger()), d
}

func TestInboxReceive(t *testing.T) {
	alice := &domain.Account{URI: aliceURI, Username: "alice", Host: "remote.example"}

	tests := []struct {
		name         string
		body         string
		wantStatus   int
		wantDispatch int
	}{
		{"valid", followBody("https://remote.example/follows/1"), http.StatusAccepted, 1},
		{"invalid json", `{"type":`, http.StatusBadRequest, 0},
		{"actor mismatch", `{"id":"https://remote.example/a/1","type":"Follow","actor":"https://remote.example/users/carol","object":"https://local.example/users/bob"}`, http.StatusUnauthorized, 0},
		{"structurally invalid", `{"id":"https://remote.example/a/1","type":"Like","actor":"https://remote.example/users/alice"}`, http.StatusUnprocessableEntity, 0},
		{"ill-typed object", `{"id":"https://remote.example/a/1","type":"Like","actor":"https://remote.example/users/alice","object":5}`, http.StatusUnprocessableEntity, 0},
		{"ill-typed audience", `{"id":"https://remote.example/a/1","type":"Follow","actor":"https://remote.example/users/alice","object":"https://local.example/users/bob","to":{"id":"https://local.example/users/bob"}}`, http.StatusAccepted, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inbox, d := newTestInbox(t, nil)
			res := inbox.Receive(context.Background(), []byte(tt.body), alice, nil)
			if res.Status != tt.wantStatus {
				t.Errorf("Expected status %d, got %d (%+v)", tt.wantStatus, res.Status, res.Errors)
			}
			if d.count() != tt.wantDispatch {
				t.Errorf("Expected %d dispatches, got %d", tt.wantDispatch, d.count())
			}
		})
	}
}

func TestInboxDeduplicates(t *testing.T) {
	inbox, d := newTestInbox(t, nil)
	alice := &domain.Account{URI: aliceURI}
	body := []byte(followBody("https://remote.example/follows/1"))

	first := inbox.Receive(context.Background(), body, alice, nil)
	second := inbox.Receive(context.Background(), body, alice, nil)

	if first.Status != http.StatusAccepted || second.Status != http.StatusAccepted {
		t.Errorf("Expected 202 for both deliveries, got %d and %d", first.Status, second.Status)
	}
	if first.Duplicate || !second.Duplicate {
		t.Errorf("Expected only the second delivery to be a duplicate, got %v and %v", first.Duplicate, second.Duplicate)
	}
	if d.count() != 1 {
		t.Errorf("Expected the replay never to reach a handler, got %d dispatches", d.count())
	}
}

func TestInboxWithoutIdIsAlwaysProcessed(t *testing.T) {
	inbox, d := newTestInbox(t, nil)
	alice := &domain.Account{URI: aliceURI}
	body := []byte(`{"type":"Like","actor":"https://remote.example/users/alice","object":"https://local.example/notes/1"}`)

	inbox.Receive(context.Background(), body, alice, nil)
	inbox.Receive(context.Background(), body, alice, nil)
	if d.count() != 2 {
		t.Errorf("Expected activities without id to bypass the replay check, got %d dispatches", d.count())
	}
}

func TestInboxFailsOpenWhenLogIsDown(t *testing.T) {
	inbox, d := newTestInbox(t, failingLog{})
	alice := &domain.Account{URI: aliceURI}

	res := inbox.Receive(context.Background(), []byte(followBody("https://remote.example/follows/1")), alice, nil)
	if res.Status != http.StatusAccepted || d.count() != 1 {
		t.Errorf("Expected processing to continue, got status %d and %d dispatches", res.Status, d.count())
	}
}

func TestInboxHandlerErrorsAre202(t *testing.T) {
	inbox, d := newTestInbox(t, nil)
	d.err = errors.New("store exploded")
	alice := &domain.Account{URI: aliceURI}

	res := inbox.Receive(context.Background(), []byte(followBody("https://remote.example/follows/1")), alice, nil)
	if res.Status != http.StatusAccepted {
		t.Errorf("Expected 202 despite handler failure, got %d", res.Status)
	}
}

func TestInboxDoesNotPropagateCancellation(t *testing.T) {
	inbox, d := newTestInbox(t, nil)
	alice := &domain.Account{URI: aliceURI}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	inbox.Receive(ctx, []byte(followBody("https://remote.example/follows/1")), alice, nil)
	if d.ctxErr != nil {
		t.Errorf("Expected handler context to be detached from the request, got %v", d.ctxErr)
	}
}

func TestInboxRejectsIdsClaimedByAnotherServer(t *testing.T) {
	inbox, d := newTestInbox(t, nil)
	mallory := &domain.Account{URI: "https://evil.example/users/mallory", Username: "mallory", Host: "evil.example"}
	alice := &domain.Account{URI: aliceURI, Username: "alice", Host: "remote.example"}
	like := `{"id":"https://remote.example/likes/1","type":"Like","actor":%q,"object":"https://local.example/notes/1"}`

	claimed := inbox.Receive(context.Background(), []byte(fmt.Sprintf(like, mallory.URI)), mallory, nil)
	if claimed.Status != http.StatusUnprocessableEntity {
		t.Errorf("Expected status 422 for a foreign id, got %d", claimed.Status)
	}

	genuine := inbox.Receive(context.Background(), []byte(fmt.Sprintf(like, alice.URI)), alice, nil)
	if genuine.Status != http.StatusAccepted || genuine.Duplicate {
		t.Errorf("Expected the genuine activity to be accepted, got %d duplicate=%v", genuine.Status, genuine.Duplicate)
	}
	if d.count() != 1 {
		t.Errorf("Expected 1 dispatch, got %d", d.count())
	}
}
