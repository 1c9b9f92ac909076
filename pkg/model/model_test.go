package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRoles(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  RoleSet
	}{
		{"single", "admin", NewRoleSet(RoleAdmin)},
		{"two no spaces", "first_responder,emergency_coordinator", NewRoleSet(RoleFirstResponder, RoleEmergencyCoordinator)},
		{"whitespace around comma", " first_responder ,  emergency_coordinator ", NewRoleSet(RoleFirstResponder, RoleEmergencyCoordinator)},
		{"empty", "", RoleSet{}},
		{"only commas", " , ,", RoleSet{}},
		{"unknown kept", "janitor", NewRoleSet(Role("janitor"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseRoles(tt.value))
		})
	}
}

func TestRoleSet_String(t *testing.T) {
	s := NewRoleSet(RoleFirstResponder, RoleAdmin)
	assert.Equal(t, "admin,first_responder", s.String())
}

func TestParseTarget(t *testing.T) {
	tests := []struct {
		name    string
		wire    *WireTarget
		want    Target
		wantErr error
	}{
		{"nil is all", nil, AllTarget(), nil},
		{"all", &WireTarget{Type: "all"}, AllTarget(), nil},
		{"role", &WireTarget{Type: "role", Value: "a, b"}, Target{Kind: TargetRole, Roles: NewRoleSet("a", "b")}, nil},
		{"role empty value", &WireTarget{Type: "role"}, Target{Kind: TargetRole, Roles: RoleSet{}}, nil},
		{"user", &WireTarget{Type: "user", Value: "u1"}, UserTarget("u1"), nil},
		{"user missing value", &WireTarget{Type: "user"}, Target{}, ErrTargetValueRequired},
		{"shelter", &WireTarget{Type: "shelter", Value: "s1"}, ShelterTarget("s1"), nil},
		{"shelter missing value", &WireTarget{Type: "shelter"}, Target{}, ErrTargetValueRequired},
		{"unknown", &WireTarget{Type: "everyone"}, Target{}, ErrUnknownTargetType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTarget(tt.wire)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTarget_Matches(t *testing.T) {
	op := ConnectionRecord{ConnectionID: "c1", UserID: "u1", Role: RoleShelterOperator, ShelterID: "s1"}
	fr := ConnectionRecord{ConnectionID: "c2", UserID: "u2", Role: RoleFirstResponder}

	assert.True(t, AllTarget().Matches(op))
	assert.True(t, RoleTarget(RoleFirstResponder).Matches(fr))
	assert.False(t, RoleTarget(RoleFirstResponder).Matches(op))
	assert.True(t, UserTarget("u1").Matches(op))
	assert.False(t, UserTarget("u").Matches(op), "user ids must match exactly")
	assert.True(t, ShelterTarget("s1").Matches(op))
	assert.False(t, ShelterTarget("").Matches(fr), "empty shelter id never matches")
}

func TestTarget_WireRoundTrip(t *testing.T) {
	for _, target := range []Target{
		AllTarget(),
		RoleTarget(RoleFirstResponder, RoleEmergencyCoordinator),
		UserTarget("u1"),
		ShelterTarget("s1"),
	} {
		got, err := ParseTarget(target.Wire())
		require.NoError(t, err)
		assert.Equal(t, target.String(), got.String())
	}
}

func TestConnectionRecord_Expired(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	assert.False(t, ConnectionRecord{}.Expired(now))
	assert.False(t, ConnectionRecord{TTL: now.Unix() + 1}.Expired(now))
	assert.True(t, ConnectionRecord{TTL: now.Unix()}.Expired(now))
}

func TestNewMessage(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	msg, err := NewMessage(ActionAlert, Alert{AlertID: "a1", Title: "Flood"}, &Sender{UserID: "u1"}, now)
	require.NoError(t, err)

	assert.Equal(t, "2024-05-01T12:00:00.000Z", msg.Timestamp)
	assert.JSONEq(t, `{"alertId":"a1","title":"Flood"}`, string(msg.Data))

	payload, err := msg.Payload()
	require.NoError(t, err)
	assert.Equal(t, Alert{AlertID: "a1", Title: "Flood", Raw: msg.Data}, payload)
}

func TestDecode_KeepsRaw(t *testing.T) {
	data := json.RawMessage(`{"alertId":"a1","timestamp":"soon","acknowledgedBy":"u9"}`)

	alert, err := DecodeAlert(data)
	assert.Error(t, err)
	assert.Equal(t, data, alert.Raw)
	assert.Equal(t, "a1", alert.AlertID)

	update, err := DecodeShelterUpdate(json.RawMessage(`{"shelterId":"s1","extra":true}`))
	require.NoError(t, err)
	assert.Equal(t, "s1", update.ShelterID)
	assert.JSONEq(t, `{"shelterId":"s1","extra":true}`, string(update.Raw))

	_, err = Message{Action: ActionAlert, Data: data}.Payload()
	assert.Error(t, err)
}

func TestNewMessage_RawData(t *testing.T) {
	msg, err := NewMessage(ActionBroadcast, json.RawMessage(`{"x":1}`), nil, time.Now())
	require.NoError(t, err)

	payload, err := msg.Payload()
	require.NoError(t, err)
	assert.Equal(t, Opaque(`{"x":1}`), payload)
}

func TestErrorMessage(t *testing.T) {
	msg := ErrorMessage("nope", time.Now())

	b, err := msg.Marshal()
	require.NoError(t, err)

	var decoded Message
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, ActionError, decoded.Action)
	assert.Equal(t, "nope", decoded.ErrorText())

	decoded.Error = ""
	assert.Equal(t, "nope", decoded.ErrorText(), "falls back to data.message")
}

func TestMessage_HasData(t *testing.T) {
	assert.False(t, Message{}.HasData())
	assert.False(t, Message{Data: json.RawMessage("null")}.HasData())
	assert.True(t, Message{Data: json.RawMessage("{}")}.HasData())
}

func TestStampShelterID(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    string
		wantErr bool
	}{
		{"overrides caller value", `{"shelterId":"evil","status":"full"}`, `{"shelterId":"s1","status":"full"}`, false},
		{"keeps unknown fields", `{"note":"x"}`, `{"note":"x","shelterId":"s1"}`, false},
		{"empty", ``, `{"shelterId":"s1"}`, false},
		{"null", `null`, `{"shelterId":"s1"}`, false},
		{"array", `[1,2]`, ``, true},
		{"string", `"full"`, ``, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := StampShelterID(json.RawMessage(tt.data), "s1")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(got))
		})
	}
}
