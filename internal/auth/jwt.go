package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/vmorsell/shelterlink/pkg/model"
)

var (
	ErrAuthDisabled  = errors.New("auth secret not configured")
	ErrMissingToken  = errors.New("token required")
	ErrInvalidToken  = errors.New("invalid token")
	ErrInvalidClaims = errors.New("invalid token payload")
)

// Claims is the identity carried by an access token.
type Claims struct {
	UserID    string     `json:"userId"`
	Email     string     `json:"email"`
	Role      model.Role `json:"role"`
	ShelterID string     `json:"shelterId,omitempty"`
	jwt.RegisteredClaims
}

// ValidateIdentity checks the payload fields required to open a connection.
func (c *Claims) ValidateIdentity() error {
	if strings.TrimSpace(c.UserID) == "" || strings.TrimSpace(c.Email) == "" || c.Role == "" {
		return ErrInvalidClaims
	}
	if !c.Role.Known() {
		return fmt.Errorf("%w: unknown role %q", ErrInvalidClaims, c.Role)
	}
	if c.Role == model.RoleShelterOperator && c.ShelterID == "" {
		return fmt.Errorf("%w: shelter operator without shelter", ErrInvalidClaims)
	}
	return nil
}

type Verifier interface {
	Verify(token string) (Claims, error)
}

type Issuer interface {
	Issue(claims Claims) (string, error)
}

// JWTService signs and verifies HS256 tokens.
type JWTService struct {
	secret []byte
	expiry time.Duration
	now    func() time.Time
}

func NewJWTService(secret string, expiry time.Duration) *JWTService {
	return &JWTService{secret: []byte(secret), expiry: expiry, now: time.Now}
}

// Issue signs a token for the given identity.
func (s *JWTService) Issue(claims Claims) (string, error) {
	if s == nil || len(s.secret) == 0 {
		return "", ErrAuthDisabled
	}
	if err := claims.ValidateIdentity(); err != nil {
		return "", err
	}

	now := s.now()
	claims.Subject = claims.UserID
	claims.IssuedAt = jwt.NewNumericDate(now)
	if s.expiry > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(s.expiry))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify parses a token, accepting an optional "Bearer " prefix.
func (s *JWTService) Verify(token string) (Claims, error) {
	if s == nil || len(s.secret) == 0 {
		return Claims{}, ErrAuthDisabled
	}
	token = strings.TrimSpace(token)
	if len(token) > 7 && strings.EqualFold(token[:7], "bearer ") {
		token = strings.TrimSpace(token[7:])
	}
	if token == "" {
		return Claims{}, ErrMissingToken
	}

	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil || !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}
	if err := claims.ValidateIdentity(); err != nil {
		return Claims{}, err
	}
	return claims, nil
}
