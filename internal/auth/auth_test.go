package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "0123456789abcdef0123456789abcdef"

func TestGenerateAndValidateToken(t *testing.T) {
	svc := NewJWTService(secret)
	token, expires, err := svc.GenerateToken("alice", "alice@example.org", time.Hour)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expires, time.Minute)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	user := claims.User(token)
	assert.Equal(t, "alice@example.org", user.Email)
	assert.Equal(t, "alice", user.SubjectID)
	assert.Equal(t, token, user.Token)
}

func TestValidateTokenRejects(t *testing.T) {
	svc := NewJWTService(secret)

	expired, _, err := svc.GenerateToken("alice", "alice@example.org", -time.Minute)
	require.NoError(t, err)
	_, err = svc.ValidateToken(expired)
	assert.ErrorIs(t, err, ErrInvalidToken)

	other, _, err := NewJWTService("another-secret-another-secret").GenerateToken("alice", "alice@example.org", time.Hour)
	require.NoError(t, err)
	_, err = svc.ValidateToken(other)
	assert.ErrorIs(t, err, ErrInvalidToken)

	noEmail, _, err := svc.GenerateToken("alice", "", time.Hour)
	require.NoError(t, err)
	_, err = svc.ValidateToken(noEmail)
	assert.ErrorIs(t, err, ErrInvalidClaims)

	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{Email: "mallory@example.org"})
	raw, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = svc.ValidateToken(raw)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRequireAuth(t *testing.T) {
	svc := NewJWTService(secret)
	mw := NewMiddleware(svc)
	handler := mw.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := UserFromContext(r.Context())
		if !ok {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(user.Email))
	}))

	token, _, err := svc.GenerateToken("alice", "alice@example.org", time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"valid token", "Bearer " + token, http.StatusOK},
		{"lowercase scheme", "bearer " + token, http.StatusOK},
		{"missing header", "", http.StatusUnauthorized},
		{"basic auth", "Basic YWxpY2U6cGFzcw==", http.StatusUnauthorized},
		{"garbage token", "Bearer not-a-token", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/workspaces/v1", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusOK {
				assert.Equal(t, "alice@example.org", rec.Body.String())
			} else {
				assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")
			}
		})
	}
}
