package db

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashPasswordIsSalted(t *testing.T) {
	a, err := HashPassword("s3cret")
	require.NoError(t, err)
	b, err := HashPassword("s3cret")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.True(t, CheckPassword(a, "s3cret"))
	assert.True(t, CheckPassword(b, "s3cret"))
	assert.False(t, CheckPassword(a, "wrong"))
	assert.False(t, CheckPassword("sha256$broken", "s3cret"))
}

func TestCheckPasswordAcceptsLegacyDigest(t *testing.T) {
	sum := sha256.Sum256([]byte("s3cret"))
	assert.True(t, CheckPassword(hex.EncodeToString(sum[:]), "s3cret"))
}

func TestAuthenticate(t *testing.T) {
	conn := openTestDB(t)
	ctx := context.Background()
	users := NewUsers(conn)

	hash, err := HashPassword("s3cret")
	require.NoError(t, err)
	_, err = conn.Exec(`INSERT INTO users (email, password_hash) VALUES (?, ?)`, "admin@example.com", hash)
	require.NoError(t, err)

	ok, err := users.Authenticate(ctx, "admin@example.com", "s3cret")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = users.Authenticate(ctx, "admin@example.com", "nope")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = users.Authenticate(ctx, "nobody@example.com", "s3cret")
	require.NoError(t, err)
	assert.False(t, ok)
}
