package model

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownTargetType   = errors.New("unknown target type")
	ErrTargetValueRequired = errors.New("target value required")
)

type TargetKind int

const (
	TargetAll TargetKind = iota
	TargetRole
	TargetUser
	TargetShelter
)

func (k TargetKind) String() string {
	switch k {
	case TargetAll:
		return "all"
	case TargetRole:
		return "role"
	case TargetUser:
		return "user"
	case TargetShelter:
		return "shelter"
	default:
		return "unknown"
	}
}

// Target selects which live connections receive a broadcast. The zero value
// selects every connection.
type Target struct {
	Kind  TargetKind
	Roles RoleSet
	Value string
}

func AllTarget() Target { return Target{Kind: TargetAll} }

func RoleTarget(roles ...Role) Target {
	return Target{Kind: TargetRole, Roles: NewRoleSet(roles...)}
}

func UserTarget(userID string) Target { return Target{Kind: TargetUser, Value: userID} }

func ShelterTarget(shelterID string) Target { return Target{Kind: TargetShelter, Value: shelterID} }

// Matches reports whether rec is selected by t. User and shelter ids match
// exactly.
func (t Target) Matches(rec ConnectionRecord) bool {
	switch t.Kind {
	case TargetAll:
		return true
	case TargetRole:
		return t.Roles.Contains(rec.Role)
	case TargetUser:
		return rec.UserID == t.Value
	case TargetShelter:
		return rec.ShelterID != "" && rec.ShelterID == t.Value
	default:
		return false
	}
}

func (t Target) String() string {
	switch t.Kind {
	case TargetAll:
		return "all"
	case TargetRole:
		return "role:" + t.Roles.String()
	default:
		return t.Kind.String() + ":" + t.Value
	}
}

// WireTarget is the JSON form of a target.
type WireTarget struct {
	Type  string `json:"type"`
	Value string `json:"value,omitempty"`
}

// Wire converts t back to its JSON form.
func (t Target) Wire() *WireTarget {
	switch t.Kind {
	case TargetRole:
		return &WireTarget{Type: "role", Value: t.Roles.String()}
	case TargetUser, TargetShelter:
		return &WireTarget{Type: t.Kind.String(), Value: t.Value}
	default:
		return &WireTarget{Type: "all"}
	}
}

// ParseTarget validates a wire target. A nil target selects everyone. An
// unrecognized type is an error rather than a silent fan-out to all
// connections.
func ParseTarget(w *WireTarget) (Target, error) {
	if w == nil {
		return AllTarget(), nil
	}
	switch w.Type {
	case "", "all":
		return AllTarget(), nil
	case "role":
		return Target{Kind: TargetRole, Roles: ParseRoles(w.Value)}, nil
	case "user":
		if w.Value == "" {
			return Target{}, fmt.Errorf("user: %w", ErrTargetValueRequired)
		}
		return UserTarget(w.Value), nil
	case "shelter":
		if w.Value == "" {
			return Target{}, fmt.Errorf("shelter: %w", ErrTargetValueRequired)
		}
		return ShelterTarget(w.Value), nil
	default:
		return Target{}, fmt.Errorf("%w: %q", ErrUnknownTargetType, w.Type)
	}
}
