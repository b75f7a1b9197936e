package activitypub

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"
)

const (
	ContentTypeActivityJSON = "application/activity+json"
	ContentTypeLDJSON       = `application/ld+json; profile="https://www.w3.org/ns/activitystreams"`

	acceptActivityPub = "application/activity+json, application/ld+json"
	acceptJRD         = "application/jrd+json, application/json"

	// MaxBodySize caps remote documents and inbound inbox bodies.
	MaxBodySize = 1 << 20
)

// FetchError classifies a failed remote fetch or delivery.
type FetchError struct {
	URI        string
	StatusCode int // 0 when no response was received
	Retryable  bool
	IsGone     bool
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: status %d", e.URI, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URI, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// FetchResult is the outcome of FetchActivityPubObject.
type FetchResult[T any] struct {
	Success bool
	Data    *T
	Err     error
}

// ObjectFetcher retrieves remote ActivityPub documents.
type ObjectFetcher interface {
	Get(ctx context.Context, uri string) ([]byte, error)
}

// FetchActivityPubObject GETs uri and decodes the document into T.
func FetchActivityPubObject[T any](ctx context.Context, f ObjectFetcher, uri string) FetchResult[T] {
	body, err := f.Get(ctx, uri)
	if err != nil {
		return FetchResult[T]{Err: err}
	}

	var data T
	if err := json.Unmarshal(body, &data); err != nil {
		return FetchResult[T]{Err: &FetchError{URI: uri, Err: fmt.Errorf("failed to decode document: %w", err)}}
	}
	return FetchResult[T]{Success: true, Data: &data}
}

// FetcherConfig configures a Fetcher. Zero values fall back to defaults.
type FetcherConfig struct {
	Client         *http.Client
	Timeout        time.Duration // per attempt
	MaxAttempts    int
	InitialBackoff time.Duration
	UserAgent      string

	// When set, GETs are signed with this key ("authorized fetch").
	SigningKeyId string
	SigningKey   *rsa.PrivateKey

	Logger *log.Logger
}

// Fetcher performs content-negotiated GETs with bounded retry.
type Fetcher struct {
	client         *http.Client
	timeout        time.Duration
	maxAttempts    int
	initialBackoff time.Duration
	userAgent      string
	keyId          string
	key            *rsa.PrivateKey
	logger         *log.Logger
}

func NewFetcher(cfg FetcherConfig) *Fetcher {
	f := &Fetcher{
		client:         cfg.Client,
		timeout:        cfg.Timeout,
		maxAttempts:    cfg.MaxAttempts,
		initialBackoff: cfg.InitialBackoff,
		userAgent:      cfg.UserAgent,
		keyId:          cfg.SigningKeyId,
		key:            cfg.SigningKey,
		logger:         cfg.Logger,
	}
	if f.client == nil {
		f.client = &http.Client{}
	}
	if f.timeout <= 0 {
		f.timeout = 10 * time.Second
	}
	if f.maxAttempts <= 0 {
		f.maxAttempts = 3
	}
	if f.initialBackoff <= 0 {
		f.initialBackoff = 250 * time.Millisecond
	}
	if f.logger == nil {
		f.logger = log.New(io.Discard)
	}
	f.logger = f.logger.WithPrefix("fetch")
	return f
}

// Get fetches an ActivityPub document.
func (f *Fetcher) Get(ctx context.Context, uri string) ([]byte, error) {
	return f.get(ctx, uri, acceptActivityPub)
}

// GetJRD fetches a WebFinger document.
func (f *Fetcher) GetJRD(ctx context.Context, uri string) ([]byte, error) {
	return f.get(ctx, uri, acceptJRD)
}

func (f *Fetcher) get(ctx context.Context, uri, accept string) ([]byte, error) {
	u, err := url.Parse(uri)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, &FetchError{URI: uri, Err: errors.New("not an http(s) URI")}
	}

	// Remote fetches outlive the inbound request that triggered them,
	// but never the overall deadline.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.timeout*time.Duration(f.maxAttempts))
	defer cancel()

	var body []byte
	attempt := 0
	op := func() error {
		attempt++
		b, err := f.attempt(ctx, uri, accept)
		if err != nil {
			var fe *FetchError
			if errors.As(err, &fe) && !fe.Retryable {
				return backoff.Permanent(err)
			}
			return err
		}
		body = b
		return nil
	}

	err = backoff.RetryNotify(op, newBackOff(ctx, f.initialBackoff, f.maxAttempts), func(err error, d time.Duration) {
		f.logger.Debug("Retrying fetch", "uri", uri, "attempt", attempt, "wait", d, "err", err)
	})
	if err != nil {
		f.logger.Warn("Fetch failed", "uri", uri, "attempts", attempt, "err", err)
		return nil, err
	}
	return body, nil
}

func (f *Fetcher) attempt(ctx context.Context, uri, accept string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, &FetchError{URI: uri, Err: err}
	}
	req.Header.Set("Accept", accept)
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	if f.key != nil {
		if err := SignRequest(req, f.key, f.keyId, nil); err != nil {
			return nil, &FetchError{URI: uri, Err: err}
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &FetchError{URI: uri, Retryable: isTransient(err), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, MaxBodySize))
		return nil, statusError(uri, resp.StatusCode)
	}

	if !isJSONContentType(resp.Header.Get("Content-Type")) {
		return nil, &FetchError{URI: uri, StatusCode: resp.StatusCode,
			Err: fmt.Errorf("unexpected content type %q", resp.Header.Get("Content-Type"))}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodySize+1))
	if err != nil {
		return nil, &FetchError{URI: uri, Retryable: true, Err: err}
	}
	if len(body) > MaxBodySize {
		return nil, &FetchError{URI: uri, StatusCode: resp.StatusCode, Err: errors.New("response body too large")}
	}
	return body, nil
}

// newBackOff returns an exponential backoff allowing maxAttempts tries in total.
func newBackOff(ctx context.Context, initial time.Duration, maxAttempts int) backoff.BackOff {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = initial
	expo.MaxInterval = 8 * initial
	expo.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(expo, uint64(maxAttempts-1)), ctx)
}

func statusError(uri string, status int) *FetchError {
	return &FetchError{
		URI:        uri,
		StatusCode: status,
		Retryable:  status >= 500 || status == http.StatusTooManyRequests || status == http.StatusRequestTimeout,
		IsGone:     status == http.StatusGone,
		Err:        fmt.Errorf("remote server returned status: %d", status),
	}
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

func isJSONContentType(ct string) bool {
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}
