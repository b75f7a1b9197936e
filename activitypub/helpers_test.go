package activitypub

import (
	"context"
	"errors"
	"io"
	"net/url"
	"path"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/tusk/db"
	"github.com/deemkeen/tusk/domain"
	"github.com/deemkeen/tusk/util"
	"github.com/google/uuid"
)

const (
	testBaseURL = "https://local.example"
	aliceURI    = "https://remote.example/users/alice"
	carolURI    = "https://remote.example/users/carol"
	malloryURI  = "https://evil.example/users/mallory"
)

var (
	keyOnce sync.Once
	keys    []*util.RsaKeyPair
	keyErr  error
)

// testKeyPair returns one of two RSA key pairs shared by all tests.
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

func setupTestDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.Open(":memory:", testLogger())
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func createLocalAccount(t *testing.T, database *db.DB, username string) *domain.Account {
	t.Helper()
	kp := testKeyPair(t, 0)
	acc := NewLocalAccount(uuid.New(), username, testBaseURL, kp.Public, kp.Private, time.Now())
	if err := database.CreateAccount(context.Background(), acc); err != nil {
		t.Fatalf("Failed to create local account: %v", err)
	}
	return acc
}

func createRemoteAccount(t *testing.T, database *db.DB, uri string, kp *util.RsaKeyPair) *domain.Account {
	t.Helper()
	now := time.Now()
	u, err := url.Parse(uri)
	if err != nil {
		t.Fatalf("Bad actor URI %s: %v", uri, err)
	}
	acc := &domain.Account{
		Id:           uuid.New(),
		Username:     path.Base(u.Path),
		Host:         u.Host,
		URI:          uri,
		InboxURI:     uri + "/inbox",
		FollowersURI: uri + "/followers",
		PublicKeyId:  uri + "#main-key",
		PublicKeyPem: kp.Public,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := database.CreateAccount(context.Background(), acc); err != nil {
		t.Fatalf("Failed to create remote account: %v", err)
	}
	return acc
}

// mapFetcher serves canned documents by URI.
type mapFetcher struct {
	mu    sync.Mutex
	docs  map[string]string
	errs  map[string]error
	calls map[string]int
	delay time.Duration
}

func newMapFetcher() *mapFetcher {
	return &mapFetcher{docs: map[string]string{}, errs: map[string]error{}, calls: map[string]int{}}
}

func (f *mapFetcher) set(uri, doc string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[uri] = doc
	delete(f.errs, uri)
}

func (f *mapFetcher) fail(uri string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[uri] = err
}

func (f *mapFetcher) count(uri string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[uri]
}

func (f *mapFetcher) Get(_ context.Context, uri string) ([]byte, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[uri]++
	if err, ok := f.errs[uri]; ok {
		return nil, err
	}
	doc, ok := f.docs[uri]
	if !ok {
		return nil, &FetchError{URI: uri, StatusCode: 404, Err: errors.New("not found")}
	}
	return []byte(doc), nil
}

// recordingSubmitter collects submitted delivery jobs.
type recordingSubmitter struct {
	mu   sync.Mutex
	jobs []DeliveryJob
	err  error
}

func (s *recordingSubmitter) Submit(job DeliveryJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.jobs = append(s.jobs, job)
	return nil
}

func (s *recordingSubmitter) submitted() []DeliveryJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]DeliveryJob(nil), s.jobs...)
}
