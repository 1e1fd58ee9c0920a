package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTResolverRoundTrip(t *testing.T) {
	actor := Actor{ID: uuid.New(), Role: RoleDoctor}
	tok, err := IssueToken("s3cret", "telehealth", actor, time.Minute)
	require.NoError(t, err)

	got, err := NewJWTResolver("s3cret", "telehealth").Resolve(context.Background(), "Bearer "+tok)
	require.NoError(t, err)
	assert.Equal(t, actor, got)
}

func TestJWTResolverRejects(t *testing.T) {
	actor := Actor{ID: uuid.New(), Role: RolePatient}
	good, err := IssueToken("s3cret", "telehealth", actor, time.Minute)
	require.NoError(t, err)
	expired, err := IssueToken("s3cret", "telehealth", actor, -time.Minute)
	require.NoError(t, err)
	wrongIssuer, err := IssueToken("s3cret", "someone-else", actor, time.Minute)
	require.NoError(t, err)

	badRole := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role:             "nurse",
		RegisteredClaims: jwt.RegisteredClaims{Subject: actor.ID.String(), Issuer: "telehealth"},
	})
	badRoleTok, err := badRole.SignedString([]byte("s3cret"))
	require.NoError(t, err)

	badSubject := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role:             "patient",
		RegisteredClaims: jwt.RegisteredClaims{Subject: "not-a-uuid", Issuer: "telehealth"},
	})
	badSubjectTok, err := badSubject.SignedString([]byte("s3cret"))
	require.NoError(t, err)

	resolver := NewJWTResolver("s3cret", "telehealth")
	wrongSecret := NewJWTResolver("other", "telehealth")

	cases := map[string]struct {
		r   *JWTResolver
		tok string
	}{
		"wrong secret": {wrongSecret, good},
		"expired":      {resolver, expired},
		"wrong issuer": {resolver, wrongIssuer},
		"unknown role": {resolver, badRoleTok},
		"bad subject":  {resolver, badSubjectTok},
		"empty":        {resolver, ""},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := tc.r.Resolve(context.Background(), tc.tok)
			assert.ErrorIs(t, err, ErrUnauthenticated)
		})
	}
}

func TestIssueTokenRequiresSecret(t *testing.T) {
	_, err := IssueToken("", "x", Actor{ID: uuid.New(), Role: RolePatient}, time.Minute)
	assert.Error(t, err)
}
