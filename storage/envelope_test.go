package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/gatehouse/internal/util"
)

func TestEnvelope(t *testing.T) {
	key, err := util.RandomBytes(util.KeySize)
	require.NoError(t, err)
	plain := []byte(`{"identity":{"id":"u1"}}`)
	aad := []byte("session:abc")

	env, err := SealPayload(key, plain, aad)
	require.NoError(t, err)
	assert.Equal(t, 1, env.Ver)
	assert.Equal(t, SchemeAESGCM, env.Scheme)

	data, err := MarshalEnvelope(env)
	require.NoError(t, err)
	decoded, err := UnmarshalEnvelope(data)
	require.NoError(t, err)

	got, err := OpenPayload(key, decoded, aad)
	require.NoError(t, err)
	assert.Equal(t, plain, got)

	t.Run("WrongAAD", func(t *testing.T) {
		_, err := OpenPayload(key, env, []byte("session:other"))
		assert.Error(t, err)
	})

	t.Run("WrongKey", func(t *testing.T) {
		other, _ := util.RandomBytes(util.KeySize)
		_, err := OpenPayload(other, env, aad)
		assert.Error(t, err)
	})

	t.Run("MissingKey", func(t *testing.T) {
		_, err := OpenPayload(nil, env, aad)
		assert.Error(t, err)
	})

	t.Run("UnsupportedVersion", func(t *testing.T) {
		bad := *env
		bad.Ver = 99
		_, err := OpenPayload(key, &bad, aad)
		assert.Error(t, err)
	})

	t.Run("UnsupportedScheme", func(t *testing.T) {
		bad := *env
		bad.Scheme = "unknown"
		_, err := OpenPayload(key, &bad, aad)
		assert.Error(t, err)
	})

	t.Run("PlainJSON", func(t *testing.T) {
		p := PlainPayload(plain)
		got, err := OpenPayload(nil, p, nil)
		require.NoError(t, err)
		assert.Equal(t, plain, got)
	})

	t.Run("Garbage", func(t *testing.T) {
		_, err := UnmarshalEnvelope([]byte("not json"))
		assert.Error(t, err)
	})
}

func TestRecordExpired(t *testing.T) {
	now := time.Now()
	r := &Record{ExpiresAt: now}
	assert.True(t, r.Expired(now), "expires_at == now is expired")
	assert.True(t, r.Expired(now.Add(time.Second)))
	assert.False(t, r.Expired(now.Add(-time.Second)))
}

func TestRecordClone(t *testing.T) {
	r := &Record{SessionID: "s", Data: []byte("abc")}
	cp := r.Clone()
	cp.Data[0] = 'z'
	assert.Equal(t, "abc", string(r.Data))
	assert.Nil(t, (*Record)(nil).Clone())
}
