package activitypub

import (
	"bytes"
	"encoding/json"
	"fmt"
)

const (
	ActivityStreamsContext = "https://www.w3.org/ns/activitystreams"
	SecurityContext        = "https://w3id.org/security/v1"
	PublicCollection       = "https://www.w3.org/ns/activitystreams#Public"
)

// Activity is one of the supported activity kinds or UnknownActivity.
type Activity interface {
	Base() *ActivityBase
	activity()
}

// ActivityBase holds the envelope fields shared by every activity.
type ActivityBase struct {
	ID    string // may be empty
	Type  string
	Actor string
	To    []string
	Cc    []string
	Raw   json.RawMessage
}

func (b *ActivityBase) Base() *ActivityBase { return b }
func (*ActivityBase) activity()             {}

type Follow struct {
	ActivityBase
	Object ObjectRef
}

type Accept struct {
	ActivityBase
	Object ObjectRef
}

type Reject struct {
	ActivityBase
	Object ObjectRef
}

type Create struct {
	ActivityBase
	Object ObjectRef
}

type Update struct {
	ActivityBase
	Object ObjectRef
}

type Delete struct {
	ActivityBase
	Object ObjectRef
}

type Like struct {
	ActivityBase
	Object ObjectRef
}

type Announce struct {
	ActivityBase
	Object ObjectRef
}

type Undo struct {
	ActivityBase
	Object ObjectRef
}

// UnknownActivity is any structurally valid activity of an unsupported type.
type UnknownActivity struct {
	ActivityBase
}

// ObjectRef is a reference that peers send either as a bare URI or as an
// embedded object. Raw is nil for bare URIs. Malformed marks well formed
// JSON of the wrong shape (a number, a non-string id), which validation
// rejects.
type ObjectRef struct {
	ID        string
	Type      string
	Actor     string
	Object    *ObjectRef
	Raw       json.RawMessage
	Malformed bool
}

// IsEmbedded reports whether the reference carried a full object.
func (o *ObjectRef) IsEmbedded() bool {
	return o.Raw != nil
}

func (o *ObjectRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}

	switch data[0] {
	case '"':
		return json.Unmarshal(data, &o.ID)
	case '[':
		var list []ObjectRef
		if err := json.Unmarshal(data, &list); err != nil {
			return err
		}
		if len(list) > 0 {
			*o = list[0]
		}
		return nil
	case '{':
		var obj struct {
			ID     json.RawMessage `json:"id"`
			Type   json.RawMessage `json:"type"`
			Actor  ObjectRef       `json:"actor"`
			Object *ObjectRef      `json:"object"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		id, ok := rawString(obj.ID)
		o.ID = id
		o.Malformed = !ok
		o.Type = coerceType(obj.Type)
		o.Actor = obj.Actor.ID
		o.Object = obj.Object
		o.Raw = append(json.RawMessage(nil), data...)
		return nil
	}
	o.Malformed = true
	return nil
}

// rawString decodes an optional JSON string. ok is false for any other type.
func rawString(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func (o ObjectRef) MarshalJSON() ([]byte, error) {
	if o.Raw != nil {
		return o.Raw, nil
	}
	return json.Marshal(o.ID)
}

// Audience is an addressing field (to, cc) given as a string, a single
// object or a list. Entries without a URI are dropped.
type Audience []string

func (a *Audience) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*a = Audience{s}
		return nil
	case '{':
		var ref ObjectRef
		if err := json.Unmarshal(data, &ref); err != nil {
			return err
		}
		if ref.ID != "" {
			*a = Audience{ref.ID}
		}
		return nil
	case '[':
	default:
		return nil
	}
	var refs []ObjectRef
	if err := json.Unmarshal(data, &refs); err != nil {
		return err
	}
	for _, r := range refs {
		if r.ID != "" {
			*a = append(*a, r.ID)
		}
	}
	return nil
}

// Contains reports whether uri is addressed.
func (a Audience) Contains(uri string) bool {
	for _, v := range a {
		if v == uri {
			return true
		}
	}
	return false
}

// envelope is the loosely typed form of an inbound activity, before validation.
type envelope struct {
	ID     string          `json:"id"`
	Type   json.RawMessage `json:"type"`
	Actor  ObjectRef       `json:"actor"`
	Object *ObjectRef      `json:"object"`
	To     Audience        `json:"to"`
	Cc     Audience        `json:"cc"`

	raw json.RawMessage
}

// parseEnvelope decodes an inbound body. A decode error is a malformed request (400).
func parseEnvelope(body []byte) (*envelope, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	env.raw = body
	return &env, nil
}

func (e *envelope) typeName() string {
	return coerceType(e.Type)
}

// coerceType accepts "Type" and ["Type", ...].
func coerceType(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil && len(list) > 0 {
		return list[0]
	}
	return ""
}

// typed converts a validated envelope into its variant.
func (e *envelope) typed() Activity {
	base := ActivityBase{
		ID:    e.ID,
		Type:  e.typeName(),
		Actor: e.Actor.ID,
		To:    e.To,
		Cc:    e.Cc,
		Raw:   e.raw,
	}
	var obj ObjectRef
	if e.Object != nil {
		obj = *e.Object
	}

	switch base.Type {
	case "Follow":
		return &Follow{ActivityBase: base, Object: obj}
	case "Accept":
		return &Accept{ActivityBase: base, Object: obj}
	case "Reject":
		return &Reject{ActivityBase: base, Object: obj}
	case "Create":
		return &Create{ActivityBase: base, Object: obj}
	case "Update":
		return &Update{ActivityBase: base, Object: obj}
	case "Delete":
		return &Delete{ActivityBase: base, Object: obj}
	case "Like":
		return &Like{ActivityBase: base, Object: obj}
	case "Announce":
		return &Announce{ActivityBase: base, Object: obj}
	case "Undo":
		return &Undo{ActivityBase: base, Object: obj}
	default:
		return &UnknownActivity{ActivityBase: base}
	}
}

// OutboundActivity is an activity document built by this server.
type OutboundActivity struct {
	Context   any      `json:"@context"`
	ID        string   `json:"id"`
	Type      string   `json:"type"`
	Actor     string   `json:"actor"`
	Object    any      `json:"object"`
	To        []string `json:"to,omitempty"`
	Cc        []string `json:"cc,omitempty"`
	Published string   `json:"published,omitempty"`
}
