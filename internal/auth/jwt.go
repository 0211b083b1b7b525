// Package auth turns bearer tokens into the user a request acts for.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nuclearlighters/workspace-manager/internal/iam"
)

var (
	// ErrInvalidToken is returned when token validation fails.
	ErrInvalidToken = errors.New("invalid or expired token")
	// ErrInvalidClaims is returned when token claims are invalid.
	ErrInvalidClaims = errors.New("invalid token claims")
)

const issuer = "workspace-manager"

// Claims are the claims of a user token. The subject is the user's stable
// ID; the email is what authorization policies are keyed on.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
}

// JWTService signs and validates user tokens.
type JWTService struct {
	secretKey []byte
}

// NewJWTService creates a new JWT service with the given configuration.
func NewJWTService(secretKey string) *JWTService {
	return &JWTService{secretKey: []byte(secretKey)}
}

// GenerateToken issues a token for a user. It is used by the CLI to mint
// local tokens and by tests.
func (s *JWTService) GenerateToken(subjectID, email string, ttl time.Duration) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(ttl)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subjectID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ID:        generateTokenID(),
		},
		Email: email,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signedToken, err := token.SignedString(s.secretKey)
	if err != nil {
		return "", time.Time{}, err
	}

	return signedToken, expiresAt, nil
}

// ValidateToken parses and validates a JWT token string.
func (s *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secretKey, nil
	}, jwt.WithIssuer(issuer), jwt.WithExpirationRequired())

	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidClaims
	}
	if claims.Email == "" || claims.Subject == "" {
		return nil, ErrInvalidClaims
	}

	return claims, nil
}

// User returns the caller the claims describe. The raw token is kept so
// workflows can call the authorization service on the user's behalf.
func (c *Claims) User(token string) iam.AuthenticatedUser {
	return iam.AuthenticatedUser{Email: c.Email, SubjectID: c.Subject, Token: token}
}

// generateTokenID creates a random token ID for JWT jti claim.
func generateTokenID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// GenerateSecretKey creates a cryptographically secure random secret key.
func GenerateSecretKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
