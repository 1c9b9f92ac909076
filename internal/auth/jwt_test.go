package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmorsell/shelterlink/pkg/model"
)

func operatorClaims() Claims {
	return Claims{
		UserID:    "u1",
		Email:     "op@example.com",
		Role:      model.RoleShelterOperator,
		ShelterID: "s1",
	}
}

func TestJWTService_IssueVerify(t *testing.T) {
	s := NewJWTService("secret", time.Hour)

	token, err := s.Issue(operatorClaims())
	require.NoError(t, err)

	for _, raw := range []string{token, "Bearer " + token, "bearer  " + token} {
		claims, err := s.Verify(raw)
		require.NoError(t, err)
		assert.Equal(t, "u1", claims.UserID)
		assert.Equal(t, "op@example.com", claims.Email)
		assert.Equal(t, model.RoleShelterOperator, claims.Role)
		assert.Equal(t, "s1", claims.ShelterID)
		assert.Equal(t, "u1", claims.Subject)
	}
}

func TestJWTService_Verify_Rejects(t *testing.T) {
	s := NewJWTService("secret", time.Hour)
	other := NewJWTService("other", time.Hour)

	foreign, err := other.Issue(operatorClaims())
	require.NoError(t, err)

	expiredSvc := NewJWTService("secret", time.Minute)
	expiredSvc.now = func() time.Time { return time.Now().Add(-time.Hour) }
	expired, err := expiredSvc.Issue(operatorClaims())
	require.NoError(t, err)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, operatorClaims())
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name    string
		token   string
		wantErr error
	}{
		{"empty", "", ErrMissingToken},
		{"garbage", "not-a-token", ErrInvalidToken},
		{"wrong secret", foreign, ErrInvalidToken},
		{"expired", expired, ErrInvalidToken},
		{"alg none", unsigned, ErrInvalidToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Verify(tt.token)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestJWTService_Verify_InvalidPayload(t *testing.T) {
	s := NewJWTService("secret", time.Hour)

	// Sign directly to bypass Issue's validation.
	raw := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{UserID: "u1", Email: "x@example.com", Role: model.RoleShelterOperator})
	token, err := raw.SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = s.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidClaims)
}

func TestJWTService_Disabled(t *testing.T) {
	s := NewJWTService("", time.Hour)

	_, err := s.Issue(operatorClaims())
	assert.ErrorIs(t, err, ErrAuthDisabled)
	_, err = s.Verify("x")
	assert.ErrorIs(t, err, ErrAuthDisabled)
}

func TestClaims_ValidateIdentity(t *testing.T) {
	tests := []struct {
		name    string
		claims  Claims
		wantErr bool
	}{
		{"operator with shelter", operatorClaims(), false},
		{"responder without shelter", Claims{UserID: "u", Email: "e", Role: model.RoleFirstResponder}, false},
		{"operator without shelter", Claims{UserID: "u", Email: "e", Role: model.RoleShelterOperator}, true},
		{"missing email", Claims{UserID: "u", Role: model.RoleAdmin}, true},
		{"unknown role", Claims{UserID: "u", Email: "e", Role: "janitor"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.claims.ValidateIdentity()
			assert.Equal(t, tt.wantErr, err != nil, "ValidateIdentity() = %v", err)
		})
	}
}
