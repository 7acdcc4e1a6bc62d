package auth

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestTokenRoundTrip(t *testing.T) {
	issuer := NewTokenIssuer(testSecret, time.Hour)
	accountID := uuid.New()

	token, err := issuer.Generate(accountID, "alice@example.com")
	require.NoError(t, err)

	parsed, err := issuer.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, accountID, parsed)
}

func TestParseRejectsExpiredToken(t *testing.T) {
	issuer := NewTokenIssuer(testSecret, -time.Minute)

	token, err := issuer.Generate(uuid.New(), "alice@example.com")
	require.NoError(t, err)

	_, err = issuer.Parse(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParseRejectsWrongSecret(t *testing.T) {
	issuer := NewTokenIssuer(testSecret, time.Hour)
	other := NewTokenIssuer("another-secret-another-secret-ab", time.Hour)

	token, err := issuer.Generate(uuid.New(), "alice@example.com")
	require.NoError(t, err)

	_, err = other.Parse(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParseRejectsGarbage(t *testing.T) {
	issuer := NewTokenIssuer(testSecret, time.Hour)
	_, err := issuer.Parse("not.a.token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestEmptySecretGetsRandomOne(t *testing.T) {
	a := NewTokenIssuer("", time.Hour)
	b := NewTokenIssuer("", time.Hour)

	token, err := a.Generate(uuid.New(), "dev@example.com")
	require.NoError(t, err)

	// Tokens from one issuer must not verify against another's random secret.
	_, err = b.Parse(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = a.Parse(token)
	assert.NoError(t, err)
}
