package activitypub

import (
	"errors"
	"net/http"
	"net/url"
	"sort"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// ErrorKind classifies a validation error.
type ErrorKind string

const (
	// KindAuthorization marks an actor mismatch (401).
	KindAuthorization ErrorKind = "authorization"
	// KindInvalid marks any other structural problem (422).
	KindInvalid ErrorKind = "invalid"
)

type ValidationError struct {
	Field   string    `json:"field"`
	Message string    `json:"message"`
	Kind    ErrorKind `json:"kind"`
}

// ValidationResult is either a typed activity or a list of errors.
type ValidationResult struct {
	Activity Activity
	Errors   []ValidationError
}

func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// Status maps the result to an HTTP status.
func (r *ValidationResult) Status() int {
	if r.Valid() {
		return http.StatusAccepted
	}
	for _, e := range r.Errors {
		if e.Kind == KindAuthorization {
			return http.StatusUnauthorized
		}
	}
	return http.StatusUnprocessableEntity
}

var objectRequired = map[string]bool{
	"Follow": true, "Like": true, "Announce": true, "Undo": true, "Delete": true,
	"Accept": true, "Reject": true, "Create": true, "Update": true,
}

var embeddedRequired = map[string]bool{
	"Create": true, "Update": true,
}

// activityShape is the flattened view of an envelope that the rules run on.
type activityShape struct {
	ID             string `json:"id"`
	Type           string `json:"type"`
	Actor          string `json:"actor"`
	HasObject      bool   `json:"object"`
	ObjectID       string `json:"object.id"`
	ObjectType     string `json:"object.type"`
	ObjectEmbedded bool   `json:"object.embedded"`

	actorMalformed  bool
	objectMalformed bool
}

func (s *activityShape) Validate() error {
	needsObject := objectRequired[s.Type]
	needsEmbedded := embeddedRequired[s.Type]

	return validation.ValidateStruct(s,
		validation.Field(&s.ID, validation.By(httpURI), validation.By(s.onActorHost)),
		validation.Field(&s.Type, validation.Required),
		validation.Field(&s.Actor, validation.By(wellTyped(s.actorMalformed)), validation.Required, validation.By(httpURI)),
		validation.Field(&s.HasObject,
			validation.By(wellTyped(s.objectMalformed)),
			validation.When(needsObject, validation.Required.Error("is required")),
		),
		validation.Field(&s.ObjectID,
			validation.When(needsObject && (needsEmbedded || !s.ObjectEmbedded), validation.Required),
			validation.By(httpURI),
		),
		validation.Field(&s.ObjectEmbedded,
			validation.When(needsEmbedded && s.HasObject, validation.Required.Error("must be an embedded object")),
		),
		validation.Field(&s.ObjectType,
			validation.When(needsEmbedded && s.ObjectEmbedded, validation.Required),
		),
	)
}

// onActorHost requires an activity id to live on the actor's server, so one
// peer cannot claim another server's ids in the replay log.
func (s *activityShape) onActorHost(value interface{}) error {
	id, _ := value.(string)
	if id == "" || httpURI(s.Actor) != nil || s.Actor == "" {
		return nil
	}
	if !sameHost(id, s.Actor) {
		return errors.New("must be on the actor's host")
	}
	return nil
}

func wellTyped(malformed bool) validation.RuleFunc {
	return func(interface{}) error {
		if malformed {
			return errors.New("must be a URI or an object")
		}
		return nil
	}
}

// httpURI accepts absolute http(s) URIs and the empty string.
func httpURI(value interface{}) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	u, err := url.Parse(s)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("must be an absolute http(s) URI")
	}
	return nil
}

// ValidateActivity checks an inbound envelope and, if well formed, returns its
// typed variant. verifiedActor is the URI of the signature's key owner.
func ValidateActivity(env *envelope, verifiedActor string) ValidationResult {
	shape := activityShape{
		ID:             env.ID,
		Type:           env.typeName(),
		Actor:          env.Actor.ID,
		actorMalformed: env.Actor.Malformed,
	}
	if env.Object != nil && env.Object.Malformed {
		shape.objectMalformed = true
	}
	if env.Object != nil && (env.Object.ID != "" || env.Object.IsEmbedded()) {
		shape.HasObject = true
		shape.ObjectID = env.Object.ID
		shape.ObjectType = env.Object.Type
		shape.ObjectEmbedded = env.Object.IsEmbedded()
	}

	var errs []ValidationError
	if err := shape.Validate(); err != nil {
		var verrs validation.Errors
		if errors.As(err, &verrs) {
			for field, ferr := range verrs {
				errs = append(errs, ValidationError{Field: field, Message: ferr.Error(), Kind: KindInvalid})
			}
		} else {
			errs = append(errs, ValidationError{Field: "activity", Message: err.Error(), Kind: KindInvalid})
		}
	}

	// Only a well formed actor can be compared against the signer
	if shape.Actor != "" && httpURI(shape.Actor) == nil && shape.Actor != verifiedActor {
		errs = append(errs, ValidationError{
			Field:   "actor",
			Message: "does not match the signing key owner",
			Kind:    KindAuthorization,
		})
	}

	if len(errs) > 0 {
		sort.Slice(errs, func(i, j int) bool {
			if errs[i].Field != errs[j].Field {
				return errs[i].Field < errs[j].Field
			}
			return errs[i].Kind < errs[j].Kind
		})
		return ValidationResult{Errors: errs}
	}

	return ValidationResult{Activity: env.typed()}
}
