package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTService_RoundTrip(t *testing.T) {
	svc := NewJWTService("s3cret", "livestream", time.Hour)
	user := uuid.New()
	token, err := svc.Generate(user, "streamer")
	require.NoError(t, err)

	claims, err := svc.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, user, claims.UserID)
	assert.Equal(t, "streamer", claims.Role)

	id, role, err := svc.ValidateUser(token)
	require.NoError(t, err)
	assert.Equal(t, user, id)
	assert.Equal(t, "streamer", role)
}

func TestJWTService_Rejects(t *testing.T) {
	svc := NewJWTService("s3cret", "livestream", time.Hour)

	other, err := NewJWTService("other", "livestream", time.Hour).Generate(uuid.New(), "admin")
	require.NoError(t, err)
	_, err = svc.Validate(other)
	assert.ErrorIs(t, err, ErrInvalidToken)

	wrongIssuer, err := NewJWTService("s3cret", "elsewhere", time.Hour).Generate(uuid.New(), "admin")
	require.NoError(t, err)
	_, err = svc.Validate(wrongIssuer)
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID: uuid.New(),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "livestream",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	})
	raw, err := expired.SignedString([]byte("s3cret"))
	require.NoError(t, err)
	_, err = svc.Validate(raw)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = svc.Validate("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
