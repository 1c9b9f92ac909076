package model

import (
	"sort"
	"strings"
	"time"
)

type Role string

const (
	RoleShelterOperator      Role = "shelter_operator"
	RoleFirstResponder       Role = "first_responder"
	RoleEmergencyCoordinator Role = "emergency_coordinator"
	RoleAdmin                Role = "admin"
)

// Known reports whether r is one of the roles issued by the auth service.
func (r Role) Known() bool {
	switch r {
	case RoleShelterOperator, RoleFirstResponder, RoleEmergencyCoordinator, RoleAdmin:
		return true
	}
	return false
}

// ConnectionRecord is one live, authenticated WebSocket connection.
type ConnectionRecord struct {
	ConnectionID string `json:"connectionId" dynamodbav:"connectionId"`
	UserID       string `json:"userId" dynamodbav:"userId"`
	Email        string `json:"email" dynamodbav:"email"`
	Role         Role   `json:"role" dynamodbav:"role"`
	ShelterID    string `json:"shelterId,omitempty" dynamodbav:"shelterId,omitempty"`
	ConnectedAt  string `json:"connectedAt" dynamodbav:"connectedAt"`
	TTL          int64  `json:"ttl" dynamodbav:"ttl"`
}

// Expired reports whether the record's liveness window has passed. A zero
// TTL never expires.
func (c ConnectionRecord) Expired(now time.Time) bool {
	return c.TTL > 0 && now.Unix() >= c.TTL
}

// Sender returns the identity subset stamped on outbound messages.
func (c ConnectionRecord) Sender() *Sender {
	return &Sender{
		UserID:    c.UserID,
		Email:     c.Email,
		Role:      c.Role,
		ShelterID: c.ShelterID,
	}
}

type RoleSet map[Role]struct{}

func NewRoleSet(roles ...Role) RoleSet {
	s := make(RoleSet, len(roles))
	for _, r := range roles {
		s[r] = struct{}{}
	}
	return s
}

// ParseRoles parses the comma-separated wire form. Whitespace around tokens
// is ignored and empty tokens are dropped.
func ParseRoles(value string) RoleSet {
	s := RoleSet{}
	for _, tok := range strings.Split(value, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		s[Role(tok)] = struct{}{}
	}
	return s
}

func (s RoleSet) Contains(r Role) bool {
	_, ok := s[r]
	return ok
}

// String renders the set in its wire form, sorted for stable output.
func (s RoleSet) String() string {
	roles := make([]string, 0, len(s))
	for r := range s {
		roles = append(roles, string(r))
	}
	sort.Strings(roles)
	return strings.Join(roles, ",")
}
