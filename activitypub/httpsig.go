package activitypub

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-fed/httpsig"
)

var (
	postSignedHeaders = []string{httpsig.RequestTarget, "host", "date", "digest"}
	getSignedHeaders  = []string{httpsig.RequestTarget, "host", "date"}
)

// SignRequest signs an outgoing HTTP request with the given private key.
// keyId format: "https://example.com/users/alice#main-key". A non-nil body
// adds a SHA-256 Digest header that is covered by the signature.
func SignRequest(req *http.Request, privateKey *rsa.PrivateKey, keyId string, body []byte) error {
	headers := getSignedHeaders
	if body != nil {
		headers = postSignedHeaders
	}

	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		headers,
		httpsig.Signature,
		0,
	)
	if err != nil {
		return fmt.Errorf("failed to create signer: %w", err)
	}

	// The signing string reads host from the header map
	if req.Header.Get("Host") == "" {
		req.Header.Set("Host", req.URL.Host)
	}
	if req.Header.Get("Date") == "" {
		return fmt.Errorf("request has no Date header")
	}

	return signer.SignRequest(privateKey, keyId, req, body)
}

// SignatureParams are the fields of a parsed Signature header.
type SignatureParams struct {
	KeyId     string
	Algorithm string
	Headers   []string
	Signature string
}

// Signs reports whether the named header is covered by the signature.
func (p *SignatureParams) Signs(header string) bool {
	header = strings.ToLower(header)
	for _, h := range p.Headers {
		if h == header {
			return true
		}
	}
	return false
}

// ParseSignatureHeader parses a draft-cavage Signature header value.
func ParseSignatureHeader(value string) (*SignatureParams, error) {
	if value == "" {
		return nil, fmt.Errorf("missing signature")
	}

	params := &SignatureParams{}
	for _, part := range splitSignatureParams(value) {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		v = strings.Trim(strings.TrimSpace(v), `"`)
		switch strings.ToLower(strings.TrimSpace(k)) {
		case "keyid":
			params.KeyId = v
		case "algorithm":
			params.Algorithm = strings.ToLower(v)
		case "headers":
			params.Headers = strings.Fields(strings.ToLower(v))
		case "signature":
			params.Signature = v
		}
	}

	if params.KeyId == "" || params.Signature == "" {
		return nil, fmt.Errorf("signature is missing keyId or signature")
	}
	// draft-cavage: an absent headers parameter means only Date is signed
	if len(params.Headers) == 0 {
		params.Headers = []string{"date"}
	}
	return params, nil
}

// splitSignatureParams splits on commas outside quoted values.
func splitSignatureParams(s string) []string {
	var parts []string
	var b strings.Builder
	quoted := false
	for _, r := range s {
		switch {
		case r == '"':
			quoted = !quoted
			b.WriteRune(r)
		case r == ',' && !quoted:
			parts = append(parts, b.String())
			b.Reset()
		default:
			b.WriteRune(r)
		}
	}
	if b.Len() > 0 {
		parts = append(parts, b.String())
	}
	return parts
}

// ComputeDigest returns the Digest header value for body.
func ComputeDigest(body []byte) string {
	hash := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(hash[:])
}

// VerifyDigest checks a Digest header against body. Only SHA-256 is accepted.
func VerifyDigest(header string, body []byte) error {
	for _, d := range strings.Split(header, ",") {
		alg, value, ok := strings.Cut(strings.TrimSpace(d), "=")
		if !ok || !strings.EqualFold(alg, "SHA-256") {
			continue
		}
		expected := ComputeDigest(body)[len("SHA-256="):]
		if subtle.ConstantTimeCompare([]byte(value), []byte(expected)) != 1 {
			return fmt.Errorf("digest mismatch")
		}
		return nil
	}
	return fmt.Errorf("unsupported digest algorithm")
}
