package security

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sessiongate/internal/models"
)

var fastParams = Argon2Params{Time: 1, Memory: 8 * 1024, Threads: 1, KeyLen: 32, SaltLen: 16}

func TestSecretHashing(t *testing.T) {
	hash, err := HashSecretWithParams("correct horse", fastParams)
	require.NoError(t, err)

	ok, err := VerifySecret("correct horse", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifySecret("wrong horse", hash)
	require.NoError(t, err)
	assert.False(t, ok)

	t.Run("Malformed", func(t *testing.T) {
		for _, bad := range []string{"", "plain", "$bcrypt$v=19$t=1,m=1,p=1$a$b", "$argon2id$v=19$nonsense$a$b"} {
			_, err := VerifySecret("x", []byte(bad))
			assert.Error(t, err, bad)
		}
	})

	t.Run("RejectsHostileParameters", func(t *testing.T) {
		salt := base64.RawStdEncoding.EncodeToString(make([]byte, 16))
		key := base64.RawStdEncoding.EncodeToString(make([]byte, 32))
		for _, params := range []string{
			"t=1,m=8192,p=0",
			"t=0,m=8192,p=1",
			"t=1000,m=8192,p=1",
			"t=1,m=4194304,p=1",
			"t=1,m=0,p=1",
		} {
			encoded := "$argon2id$v=19$" + params + "$" + salt + "$" + key
			assert.NotPanics(t, func() {
				_, err := VerifySecret("x", []byte(encoded))
				assert.ErrorIs(t, err, ErrMalformedHash, params)
			})
		}

		short := "$argon2id$v=19$t=1,m=8192,p=1$" + salt + "$" + base64.RawStdEncoding.EncodeToString(make([]byte, 4))
		_, err := VerifySecret("x", []byte(short))
		assert.ErrorIs(t, err, ErrMalformedHash)
	})

	t.Run("SaltsDiffer", func(t *testing.T) {
		other, err := HashSecretWithParams("correct horse", fastParams)
		require.NoError(t, err)
		assert.NotEqual(t, string(hash), string(other))
	})
}

func TestTokenIssuer(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	session := models.Session{
		ID:        "sess_1",
		Identity:  "alice",
		Role:      models.RoleUser,
		ExpiresAt: now.Add(time.Hour),
		Client:    models.ClientInfo{ID: "tab-1"},
	}

	t.Run("RoundTrip", func(t *testing.T) {
		issuer := NewTokenIssuer("secret", 24*time.Hour, clock)
		token, err := issuer.Issue(session)
		require.NoError(t, err)

		claims, err := issuer.Parse(token)
		require.NoError(t, err)
		assert.Equal(t, "sess_1", claims.SessionID)
		assert.Equal(t, "alice", claims.Identity)
		assert.Equal(t, "tab-1", claims.ClientID)
		assert.Equal(t, session.ExpiresAt, claims.ExpiresAt.Time.UTC())
	})

	t.Run("WrongSecret", func(t *testing.T) {
		token, err := NewTokenIssuer("secret", time.Hour, clock).Issue(session)
		require.NoError(t, err)

		_, err = NewTokenIssuer("other", time.Hour, clock).Parse(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("ExpiresWithTTL", func(t *testing.T) {
		issuer := NewTokenIssuer("secret", 10*time.Minute, clock)
		token, err := issuer.Issue(session)
		require.NoError(t, err)

		later := NewTokenIssuer("secret", 10*time.Minute, func() time.Time { return now.Add(11 * time.Minute) })
		_, err = later.Parse(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}
