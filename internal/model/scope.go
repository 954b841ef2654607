package model

import (
	"errors"
	"fmt"
	"strings"
)

// ScopeKind names the owning boundary of a tenant resource.
type ScopeKind string

const (
	ScopeTeam ScopeKind = "team"
	ScopeUser ScopeKind = "user"
)

// ErrInvalidScope is returned when a scope has neither or both owners set.
var ErrInvalidScope = errors.New("scope must name exactly one of team or user")

// Scope identifies the owner of a connector, plan, or API key. Exactly one of
// TeamID and UserID is set.
type Scope struct {
	TeamID string `json:"team_id,omitempty"`
	UserID string `json:"user_id,omitempty"`
}

// TeamScope returns a scope owned by the given team.
func TeamScope(id string) Scope { return Scope{TeamID: id} }

// UserScope returns a scope owned by the given individual user.
func UserScope(id string) Scope { return Scope{UserID: id} }

// Validate reports whether exactly one owner is set.
func (s Scope) Validate() error {
	if (s.TeamID == "") == (s.UserID == "") {
		return ErrInvalidScope
	}
	return nil
}

// Kind returns the owner kind. The zero scope reports an empty kind.
func (s Scope) Kind() ScopeKind {
	switch {
	case s.TeamID != "":
		return ScopeTeam
	case s.UserID != "":
		return ScopeUser
	}
	return ""
}

// ID returns the owner identifier regardless of kind.
func (s Scope) ID() string {
	if s.TeamID != "" {
		return s.TeamID
	}
	return s.UserID
}

// Key returns the canonical "kind:id" form used for storage and cache keys.
func (s Scope) Key() string {
	return string(s.Kind()) + ":" + s.ID()
}

func (s Scope) String() string { return s.Key() }

// IsZero reports whether no owner is set.
func (s Scope) IsZero() bool { return s.TeamID == "" && s.UserID == "" }

// ParseScope builds a scope from a kind and identifier, as found in gateway
// paths (/gw/team/acme/...) and identity tokens.
func ParseScope(kind, id string) (Scope, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Scope{}, ErrInvalidScope
	}
	switch ScopeKind(strings.ToLower(kind)) {
	case ScopeTeam:
		return TeamScope(id), nil
	case ScopeUser:
		return UserScope(id), nil
	}
	return Scope{}, fmt.Errorf("unknown scope kind %q", kind)
}

// ParseScopeKey is the inverse of Scope.Key.
func ParseScopeKey(key string) (Scope, error) {
	kind, id, ok := strings.Cut(key, ":")
	if !ok {
		return Scope{}, fmt.Errorf("malformed scope key %q", key)
	}
	return ParseScope(kind, id)
}
