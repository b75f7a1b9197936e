package activitypub

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"net/url"
)

// WebFingerResponse is a JRD document.
type WebFingerResponse struct {
	Subject string          `json:"subject"`
	Aliases []string        `json:"aliases,omitempty"`
	Links   []WebFingerLink `json:"links"`
}

type WebFingerLink struct {
	Rel      string `json:"rel"`
	Type     string `json:"type,omitempty"`
	Href     string `json:"href,omitempty"`
	Template string `json:"template,omitempty"`
}

// SelfActorURI returns the href of the rel=self link with an ActivityPub type.
func (w *WebFingerResponse) SelfActorURI() (string, bool) {
	for _, link := range w.Links {
		if link.Rel != "self" || link.Href == "" {
			continue
		}
		mediaType, params, err := mime.ParseMediaType(link.Type)
		if err != nil {
			continue
		}
		if mediaType == "application/activity+json" ||
			(mediaType == "application/ld+json" && params["profile"] == ActivityStreamsContext) {
			return link.Href, true
		}
	}
	return "", false
}

// WebFingerClient discovers actor URIs for acct: handles.
type WebFingerClient struct {
	fetcher *Fetcher
}

func NewWebFingerClient(fetcher *Fetcher) *WebFingerClient {
	return &WebFingerClient{fetcher: fetcher}
}

// Lookup fetches the JRD for user@host.
func (c *WebFingerClient) Lookup(ctx context.Context, username, host string) (*WebFingerResponse, error) {
	q := url.Values{}
	q.Set("resource", fmt.Sprintf("acct:%s@%s", username, host))
	u := url.URL{Scheme: "https", Host: host, Path: "/.well-known/webfinger", RawQuery: q.Encode()}

	body, err := c.fetcher.GetJRD(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("webfinger lookup for %s@%s failed: %w", username, host, err)
	}

	var jrd WebFingerResponse
	if err := json.Unmarshal(body, &jrd); err != nil {
		return nil, fmt.Errorf("invalid webfinger response from %s: %w", host, err)
	}
	return &jrd, nil
}

// LookupActorURI returns the ActivityPub actor URI for user@host.
func (c *WebFingerClient) LookupActorURI(ctx context.Context, username, host string) (string, error) {
	jrd, err := c.Lookup(ctx, username, host)
	if err != nil {
		return "", err
	}
	uri, ok := jrd.SelfActorURI()
	if !ok {
		return "", fmt.Errorf("webfinger response for %s@%s has no ActivityPub self link", username, host)
	}
	return uri, nil
}
