package activitypub

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/tusk/domain"
	"github.com/deemkeen/tusk/util"
	"github.com/go-fed/httpsig"
)

// SignatureError is an authentication failure of an inbound request.
type SignatureError struct {
	Reason string
	Err    error
}

func (e *SignatureError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid signature: %s: %v", e.Reason, e.Err)
	}
	return "invalid signature: " + e.Reason
}

func (e *SignatureError) Unwrap() error {
	return e.Err
}

// ActorResolver resolves actor URIs to identity records.
type ActorResolver interface {
	ResolveActor(ctx context.Context, uri string, forceRefresh bool) (*domain.Account, error)
}

// VerifiedRequest is what downstream stages get after authentication: the key
// owner and the already consumed body.
type VerifiedRequest struct {
	Actor *domain.Account
	KeyId string
	Body  []byte
}

type SignatureVerifier struct {
	resolver      ActorResolver
	requireDigest bool
	maxClockSkew  time.Duration
	now           func() time.Time
	logger        *log.Logger
}

func NewSignatureVerifier(resolver ActorResolver, requireDigest bool, maxClockSkew time.Duration, logger *log.Logger) *SignatureVerifier {
	return &SignatureVerifier{
		resolver:      resolver,
		requireDigest: requireDigest,
		maxClockSkew:  maxClockSkew,
		now:           time.Now,
		logger:        logger.WithPrefix("signature"),
	}
}

// Verify authenticates r. The body is read once and put back on the request
// so later readers see it unchanged.
func (v *SignatureVerifier) Verify(ctx context.Context, r *http.Request) (*VerifiedRequest, error) {
	var body []byte
	if r.Body != nil {
		b, err := io.ReadAll(r.Body)
		r.Body.Close()
		if err != nil {
			return nil, &SignatureError{Reason: "unreadable body", Err: err}
		}
		body = b
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	params, err := ParseSignatureHeader(r.Header.Get("Signature"))
	if err != nil {
		return nil, &SignatureError{Reason: "malformed signature header", Err: err}
	}
	if params.Algorithm != "" && params.Algorithm != "rsa-sha256" && params.Algorithm != "hs2019" {
		return nil, &SignatureError{Reason: "unsupported algorithm " + params.Algorithm}
	}

	if err := v.checkDigest(r, params, body); err != nil {
		return nil, err
	}
	if err := v.checkDate(r, params); err != nil {
		return nil, err
	}

	if r.Header.Get("Host") == "" && r.Host != "" {
		r.Header.Set("Host", r.Host)
	}

	verifier, err := httpsig.NewVerifier(r)
	if err != nil {
		return nil, &SignatureError{Reason: "malformed signature header", Err: err}
	}

	actorURI, _, _ := strings.Cut(params.KeyId, "#")
	actor, err := v.resolver.ResolveActor(ctx, actorURI, false)
	if err != nil {
		return nil, &SignatureError{Reason: "unable to resolve key owner " + actorURI, Err: err}
	}

	if err := verifyWith(verifier, actor, params.KeyId); err != nil {
		// the key may have been rotated since we cached it
		v.logger.Debug("Verification failed with cached key, refreshing", "actor", actorURI, "err", err)
		refreshed, rerr := v.resolver.ResolveActor(ctx, actorURI, true)
		if rerr != nil || refreshed.PublicKeyPem == actor.PublicKeyPem {
			return nil, &SignatureError{Reason: "signature mismatch", Err: err}
		}
		if err := verifyWith(verifier, refreshed, params.KeyId); err != nil {
			return nil, &SignatureError{Reason: "signature mismatch", Err: err}
		}
		actor = refreshed
	}

	return &VerifiedRequest{Actor: actor, KeyId: params.KeyId, Body: body}, nil
}

func verifyWith(verifier httpsig.Verifier, actor *domain.Account, keyId string) error {
	if actor.PublicKeyId != "" && actor.PublicKeyId != keyId {
		return fmt.Errorf("key %s is not the published key of %s", keyId, actor.URI)
	}
	pub, err := util.ParsePublicKeyPem(actor.PublicKeyPem)
	if err != nil {
		return err
	}
	return verifier.Verify(pub, httpsig.RSA_SHA256)
}

func (v *SignatureVerifier) checkDigest(r *http.Request, params *SignatureParams, body []byte) error {
	digest := r.Header.Get("Digest")
	if digest == "" {
		if len(body) > 0 && v.requireDigest {
			return &SignatureError{Reason: "missing digest"}
		}
		return nil
	}
	if !params.Signs("digest") {
		return &SignatureError{Reason: "digest is not signed"}
	}
	if err := VerifyDigest(digest, body); err != nil {
		return &SignatureError{Reason: "digest check failed", Err: err}
	}
	return nil
}

func (v *SignatureVerifier) checkDate(r *http.Request, params *SignatureParams) error {
	if !params.Signs("date") || v.maxClockSkew <= 0 {
		return nil
	}
	date, err := http.ParseTime(r.Header.Get("Date"))
	if err != nil {
		return &SignatureError{Reason: "invalid date header", Err: err}
	}
	skew := v.now().Sub(date)
	if skew < 0 {
		skew = -skew
	}
	if skew > v.maxClockSkew {
		return &SignatureError{Reason: "date outside allowed clock skew", Err: errors.New(skew.String())}
	}
	return nil
}
