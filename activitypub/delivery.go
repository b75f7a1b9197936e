package activitypub

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"
	"github.com/deemkeen/tusk/util"
	"golang.org/x/sync/errgroup"
)

// DeliveryConfig configures a Deliverer. Zero values fall back to defaults.
type DeliveryConfig struct {
	Client         *http.Client
	Timeout        time.Duration // per attempt
	MaxAttempts    int
	InitialBackoff time.Duration
	Concurrency    int // batch fan-out
	UserAgent      string
	Logger         *log.Logger
}

// Deliverer signs and POSTs activities to remote inboxes.
type Deliverer struct {
	client         *http.Client
	timeout        time.Duration
	maxAttempts    int
	initialBackoff time.Duration
	concurrency    int
	userAgent      string
	logger         *log.Logger
}

func NewDeliverer(cfg DeliveryConfig) *Deliverer {
	d := &Deliverer{
		client:         cfg.Client,
		timeout:        cfg.Timeout,
		maxAttempts:    cfg.MaxAttempts,
		initialBackoff: cfg.InitialBackoff,
		concurrency:    cfg.Concurrency,
		userAgent:      cfg.UserAgent,
		logger:         cfg.Logger,
	}
	if d.client == nil {
		d.client = &http.Client{}
	}
	if d.timeout <= 0 {
		d.timeout = 30 * time.Second
	}
	if d.maxAttempts <= 0 {
		d.maxAttempts = 3
	}
	if d.initialBackoff <= 0 {
		d.initialBackoff = 500 * time.Millisecond
	}
	if d.concurrency <= 0 {
		d.concurrency = 4
	}
	if d.logger == nil {
		d.logger = log.New(io.Discard)
	}
	d.logger = d.logger.WithPrefix("outbox")
	return d
}

// Deliver signs activity with the local actor's key and POSTs it to inboxURL.
// Transient failures are retried a bounded number of times.
func (d *Deliverer) Deliver(ctx context.Context, activity any, inboxURL, keyId, privateKeyPem string) error {
	body, err := json.Marshal(activity)
	if err != nil {
		return fmt.Errorf("failed to marshal activity: %w", err)
	}

	privateKey, err := util.ParsePrivateKeyPem(privateKeyPem)
	if err != nil {
		return fmt.Errorf("failed to parse private key: %w", err)
	}

	op := func() error {
		err := d.post(ctx, body, inboxURL, keyId, privateKey)
		var fe *FetchError
		if errors.As(err, &fe) && !fe.Retryable {
			return backoff.Permanent(err)
		}
		return err
	}

	if err := backoff.Retry(op, newBackOff(ctx, d.initialBackoff, d.maxAttempts)); err != nil {
		return err
	}

	d.logger.Debug("Delivered activity", "inbox", inboxURL)
	return nil
}

func (d *Deliverer) post(ctx context.Context, body []byte, inboxURL, keyId string, privateKey *rsa.PrivateKey) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inboxURL, bytes.NewReader(body))
	if err != nil {
		return &FetchError{URI: inboxURL, Err: err}
	}

	req.Header.Set("Content-Type", ContentTypeActivityJSON)
	req.Header.Set("Accept", ContentTypeActivityJSON)
	if d.userAgent != "" {
		req.Header.Set("User-Agent", d.userAgent)
	}
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))

	if err := SignRequest(req, privateKey, keyId, body); err != nil {
		return &FetchError{URI: inboxURL, Err: fmt.Errorf("failed to sign request: %w", err)}
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return &FetchError{URI: inboxURL, Retryable: isTransient(err), Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, MaxBodySize))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(inboxURL, resp.StatusCode)
	}
	return nil
}

// BatchResult reports the outcome of a fan-out delivery.
type BatchResult struct {
	Delivered int
	Failed    map[string]error
}

// DeliverBatch delivers activity to every distinct inbox with bounded
// concurrency. A failing inbox never aborts the others.
func (d *Deliverer) DeliverBatch(ctx context.Context, activity any, inboxes []string, keyId, privateKeyPem string) BatchResult {
	result := BatchResult{Failed: make(map[string]error)}
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)

	seen := make(map[string]bool, len(inboxes))
	for _, inbox := range inboxes {
		if inbox == "" || seen[inbox] {
			continue
		}
		seen[inbox] = true

		inbox := inbox
		g.Go(func() error {
			err := d.Deliver(ctx, activity, inbox, keyId, privateKeyPem)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				d.logger.Warn("Delivery failed", "inbox", inbox, "err", err)
				result.Failed[inbox] = err
			} else {
				result.Delivered++
			}
			return nil
		})
	}
	g.Wait()

	d.logger.Info("Batch delivery finished", "delivered", result.Delivered, "failed", len(result.Failed))
	return result
}

// CreateAcceptActivity builds an Accept that wraps the original Follow.
func CreateAcceptActivity(acceptID string, follow *Follow, recipientURI string) *OutboundActivity {
	var object any = map[string]any{
		"id":     follow.ID,
		"type":   "Follow",
		"actor":  follow.Actor,
		"object": recipientURI,
	}
	if len(follow.Raw) > 0 {
		object = follow.Raw
	}

	return &OutboundActivity{
		Context: ActivityStreamsContext,
		ID:      acceptID,
		Type:    "Accept",
		Actor:   recipientURI,
		Object:  object,
		To:      []string{follow.Actor},
	}
}

// CreateUpdateActivity builds a profile Update addressed to the public and the
// actor's followers.
func CreateUpdateActivity(updateID string, actor *ActorDocument, published time.Time) *OutboundActivity {
	return &OutboundActivity{
		Context:   []any{ActivityStreamsContext, SecurityContext},
		ID:        updateID,
		Type:      "Update",
		Actor:     actor.ID,
		Object:    actor,
		To:        []string{PublicCollection},
		Cc:        []string{actor.Followers},
		Published: published.UTC().Format(time.RFC3339),
	}
}
