package accounts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	sealed, err := Seal("top-secret", "hunter2hunter2")
	require.NoError(t, err)
	assert.True(t, IsSealed(sealed))
	assert.NotContains(t, sealed, "hunter2")

	plain, err := Open("top-secret", sealed)
	require.NoError(t, err)
	assert.Equal(t, "hunter2hunter2", plain)
}

func TestSealWithoutSecretIsPlaintext(t *testing.T) {
	out, err := Seal("", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", out)
	assert.False(t, IsSealed(out))
}

func TestOpenPlaintextPassesThrough(t *testing.T) {
	plain, err := Open("any-secret", "not-sealed")
	require.NoError(t, err)
	assert.Equal(t, "not-sealed", plain)
}

func TestOpenSealedWithoutSecretFails(t *testing.T) {
	sealed, err := Seal("key", "value123")
	require.NoError(t, err)
	_, err = Open("", sealed)
	assert.ErrorIs(t, err, ErrSealedWithoutSecret)
}

func TestOpenWithWrongSecretFails(t *testing.T) {
	sealed, err := Seal("key-a", "value123")
	require.NoError(t, err)
	_, err = Open("key-b", sealed)
	assert.Error(t, err)
}

func TestSealIsNonDeterministic(t *testing.T) {
	a, err := Seal("key", "same-value")
	require.NoError(t, err)
	b, err := Seal("key", "same-value")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}
