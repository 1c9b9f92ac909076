package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmorsell/shelterlink/internal/auth"
	"github.com/vmorsell/shelterlink/pkg/model"
)

func TestTokenCmd(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"token",
		"--secret", "dev",
		"--user", "u1",
		"--email", "op@example.com",
		"--role", "shelter_operator",
		"--shelter", "s9",
	})

	require.NoError(t, cmd.Execute())

	claims, err := auth.NewJWTService("dev", time.Hour).Verify(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, model.RoleShelterOperator, claims.Role)
	assert.Equal(t, "s9", claims.ShelterID)
}

func TestTokenCmd_OperatorWithoutShelter(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"token", "--secret", "dev", "--user", "u1", "--email", "a@b.c", "--role", "shelter_operator"})

	assert.ErrorIs(t, cmd.Execute(), auth.ErrInvalidClaims)
}

func TestTokenCmd_MissingSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"token", "--user", "u1", "--email", "a@b.c"})

	assert.ErrorContains(t, cmd.Execute(), "JWT_SECRET")
}

func TestSendCmd_RejectsInvalidTarget(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"send", "--token", "t", "--target-type", "planet"})

	assert.ErrorIs(t, cmd.Execute(), model.ErrUnknownTargetType)
}

func TestBuildData(t *testing.T) {
	data, err := buildData(model.ActionBroadcast, "")
	require.NoError(t, err)
	assert.Nil(t, data)

	data, err = buildData(model.ActionBroadcast, `[1,2]`)
	require.NoError(t, err)
	assert.JSONEq(t, `[1,2]`, string(data))

	_, err = buildData(model.ActionBroadcast, `{`)
	assert.Error(t, err)

	_, err = buildData(model.ActionAlert, `"text"`)
	assert.Error(t, err)
}

func TestBuildData_AlertID(t *testing.T) {
	data, err := buildData(model.ActionAlert, `{"title":"Flooding"}`)
	require.NoError(t, err)

	var alert model.Alert
	require.NoError(t, json.Unmarshal(data, &alert))
	assert.Equal(t, "Flooding", alert.Title)
	assert.Len(t, alert.AlertID, 36)

	data, err = buildData(model.ActionAlert, `{"alertId":"a1"}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"alertId":"a1"}`, string(data))

	data, err = buildData(model.ActionAlert, "")
	require.NoError(t, err)
	assert.Contains(t, string(data), "alertId")
}
