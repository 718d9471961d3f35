package util

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeal(t *testing.T) {
	key, err := RandomBytes(KeySize)
	require.NoError(t, err)
	plain := []byte("hello world")
	aad := []byte("context")

	t.Run("RoundTrip", func(t *testing.T) {
		sealed, err := Seal(key, plain, aad)
		require.NoError(t, err)
		got, err := Open(key, sealed, aad)
		require.NoError(t, err)
		assert.Equal(t, plain, got)
	})

	t.Run("WrongAAD", func(t *testing.T) {
		sealed, _ := Seal(key, plain, aad)
		_, err := Open(key, sealed, []byte("other"))
		assert.Error(t, err)
	})

	t.Run("Tampered", func(t *testing.T) {
		sealed, _ := Seal(key, plain, aad)
		sealed[len(sealed)-1] ^= 0xFF
		_, err := Open(key, sealed, aad)
		assert.Error(t, err)
	})

	t.Run("ShortInput", func(t *testing.T) {
		_, err := Open(key, []byte("short"), aad)
		assert.Error(t, err)
	})

	t.Run("BadKeySize", func(t *testing.T) {
		_, err := Seal([]byte("too short"), plain, aad)
		assert.Error(t, err)
	})
}

func TestDeriveKey(t *testing.T) {
	a, err := DeriveKey([]byte("secret"), []byte("purpose-a"))
	require.NoError(t, err)
	b, err := DeriveKey([]byte("secret"), []byte("purpose-b"))
	require.NoError(t, err)
	again, err := DeriveKey([]byte("secret"), []byte("purpose-a"))
	require.NoError(t, err)

	assert.Len(t, a, KeySize)
	assert.False(t, bytes.Equal(a, b), "different info must yield different keys")
	assert.Equal(t, a, again)

	_, err = DeriveKey(nil, []byte("x"))
	assert.Error(t, err)
}

func TestWipeBytes(t *testing.T) {
	b := []byte{1, 2, 3}
	WipeBytes(b)
	assert.Equal(t, []byte{0, 0, 0}, b)
}

func TestSplitScope(t *testing.T) {
	tests := []struct {
		name  string
		claim string
		want  []string
	}{
		{"Empty", "", nil},
		{"Whitespace", "   ", nil},
		{"Single", "read:users", []string{"read:users"}},
		{"Several", "openid  profile\tread:users", []string{"openid", "profile", "read:users"}},
		{"Duplicates", "a b a", []string{"a", "b"}},
		// U+FF41 is the fullwidth "a"; it names a different scope.
		{"NotFolded", "ａdmin admin", []string{"ａdmin", "admin"}},
		{"LigatureKept", "ﬁle:write", []string{"ﬁle:write"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SplitScope(tt.claim))
		})
	}
}

func TestNonCanonicalScopes(t *testing.T) {
	assert.Empty(t, NonCanonicalScopes([]string{"openid", "read:users"}))
	assert.Equal(t, []string{"ａｄｍｉｎ", "ﬁle:write"},
		NonCanonicalScopes([]string{"admin", "ａｄｍｉｎ", "ﬁle:write"}))
}
