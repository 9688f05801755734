package canonical

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Canonical Entity Contract
//
// A minimal, stable identifier/ref model for the two content types this
// engine reconciles: books and contributors. There is no tenancy concept
// in this domain (spec.md carries none), so EntityRef drops the tenant
// segment the ambient contract otherwise carries and keeps only
// kind+id — everything else (normalization, charset validation, text/JSON
// marshaling) follows the same shape.
//
// String form (EntityRef):
//   "<kind>/<id>"
//
// Examples:
//   "book/550e8400-e29b-41d4-a716-446655440000"
//   "contributor/6f9619ff-8b86-d011-b42d-00cf4fc964ff"

type EntityID string
type EntityKind string

const (
	KindBook        EntityKind = "book"
	KindContributor EntityKind = "contributor"
)

// EntityRef is the canonical reference used for history/current lookups,
// log fields, and HTTP path segments.
type EntityRef struct {
	Kind EntityKind `json:"kind"`
	ID   EntityID   `json:"id"`
}

func (r EntityRef) String() string {
	return fmt.Sprintf("%s/%s", r.Kind, r.ID)
}

// MarshalText allows EntityRef to be used cleanly in logs, map keys, etc.
func (r EntityRef) MarshalText() ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return []byte(r.String()), nil
}

// UnmarshalText parses "<kind>/<id>".
func (r *EntityRef) UnmarshalText(b []byte) error {
	parsed, err := ParseEntityRef(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// MarshalJSON ensures validation before emitting.
func (r EntityRef) MarshalJSON() ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	type alias EntityRef
	return json.Marshal(alias(r))
}

// UnmarshalJSON validates after decoding.
func (r *EntityRef) UnmarshalJSON(b []byte) error {
	type alias EntityRef
	var a alias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	tmp := EntityRef(a)
	if err := tmp.Validate(); err != nil {
		return err
	}
	*r = tmp
	return nil
}

// NormalizeKind lowercases and trims a kind string.
func NormalizeKind(s string) EntityKind {
	return EntityKind(strings.ToLower(strings.TrimSpace(s)))
}

var (
	ErrEmptyKind        = errors.New("canonical: entity kind is required")
	ErrEmptyID          = errors.New("canonical: entity id is required")
	ErrInvalidKind      = errors.New("canonical: invalid entity kind")
	ErrInvalidID        = errors.New("canonical: invalid entity id")
	ErrInvalidRefFormat = errors.New("canonical: invalid entity ref format (expected <kind>/<id>)")
)

// Validation constraints:
// - Kind: must be "book" or "contributor"
// - ID:   [A-Za-z0-9][A-Za-z0-9_-]{0,127} (1..128 chars; covers UUIDs)
var idRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,127}$`)

// ValidateKind validates EntityKind (after normalization).
func ValidateKind(k EntityKind) error {
	s := strings.TrimSpace(string(k))
	if s == "" {
		return ErrEmptyKind
	}
	if k != KindBook && k != KindContributor {
		return fmt.Errorf("%w: %q", ErrInvalidKind, s)
	}
	return nil
}

// ValidateEntityID validates EntityID.
func ValidateEntityID(id EntityID) error {
	s := strings.TrimSpace(string(id))
	if s == "" {
		return ErrEmptyID
	}
	if !idRe.MatchString(s) {
		return fmt.Errorf("%w: %q", ErrInvalidID, s)
	}
	return nil
}

// Validate ensures the EntityRef is safe to use everywhere.
func (r EntityRef) Validate() error {
	if err := ValidateKind(r.Kind); err != nil {
		return err
	}
	if err := ValidateEntityID(r.ID); err != nil {
		return err
	}
	return nil
}

// NewEntityRef creates a validated reference with kind normalization.
func NewEntityRef(kind string, id EntityID) (EntityRef, error) {
	ref := EntityRef{
		Kind: NormalizeKind(kind),
		ID:   EntityID(strings.TrimSpace(string(id))),
	}
	if err := ref.Validate(); err != nil {
		return EntityRef{}, err
	}
	return ref, nil
}

// ParseEntityRef parses "<kind>/<id>" into EntityRef.
func ParseEntityRef(s string) (EntityRef, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return EntityRef{}, ErrInvalidRefFormat
	}
	parts := strings.Split(s, "/")
	if len(parts) != 2 {
		return EntityRef{}, ErrInvalidRefFormat
	}
	ref := EntityRef{
		Kind: NormalizeKind(parts[0]),
		ID:   EntityID(strings.TrimSpace(parts[1])),
	}
	if err := ref.Validate(); err != nil {
		return EntityRef{}, err
	}
	return ref, nil
}
