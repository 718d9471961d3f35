package session

import (
	"encoding/json"
	"fmt"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/gatehouse/internal/util"
	"github.com/jmcleod/gatehouse/storage"
)

const (
	sessionAADPrefix = "gatehouse:session:"
	sessionKeyInfo   = "gatehouse:session_payload_key:v1"
)

// Codec converts sessions to and from storage records. With a secret, the
// payload is sealed with AES-256-GCM under a key derived from the secret and
// bound to the session id; without one it is stored as plain JSON.
type Codec struct {
	key *memguard.Enclave
}

// NewCodec returns a codec. An empty secret selects plain-JSON payloads.
func NewCodec(secret []byte) (*Codec, error) {
	if len(secret) == 0 {
		return &Codec{}, nil
	}
	key, err := util.DeriveKey(secret, []byte(sessionKeyInfo))
	if err != nil {
		return nil, fmt.Errorf("deriving session key: %w", err)
	}
	// NewEnclave wipes key.
	return &Codec{key: memguard.NewEnclave(key)}, nil
}

// Sealed reports whether payloads are encrypted.
func (c *Codec) Sealed() bool {
	return c.key != nil
}

func aad(id string) []byte {
	return []byte(sessionAADPrefix + id)
}

// Encode serialises s into a record keyed by s.ID.
func (c *Codec) Encode(s *Session) (*storage.Record, error) {
	payload, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encoding session: %w", err)
	}
	defer util.WipeBytes(payload)

	var env *storage.Envelope
	if c.key == nil {
		env = storage.PlainPayload(payload)
	} else {
		buf, err := c.key.Open()
		if err != nil {
			return nil, fmt.Errorf("opening session key enclave: %w", err)
		}
		defer buf.Destroy()
		if env, err = storage.SealPayload(buf.Bytes(), payload, aad(s.ID)); err != nil {
			return nil, fmt.Errorf("sealing session: %w", err)
		}
	}
	data, err := storage.MarshalEnvelope(env)
	if err != nil {
		return nil, err
	}
	return &storage.Record{
		SessionID:  s.ID,
		Data:       data,
		LastUsedAt: s.LastUsedAt,
		ExpiresAt:  s.ExpiresAt,
	}, nil
}

// Decode restores the session held by rec.
func (c *Codec) Decode(rec *storage.Record) (*Session, error) {
	env, err := storage.UnmarshalEnvelope(rec.Data)
	if err != nil {
		return nil, err
	}
	var key []byte
	if c.key != nil {
		buf, err := c.key.Open()
		if err != nil {
			return nil, fmt.Errorf("opening session key enclave: %w", err)
		}
		defer buf.Destroy()
		key = buf.Bytes()
	}
	payload, err := storage.OpenPayload(key, env, aad(rec.SessionID))
	if err != nil {
		return nil, fmt.Errorf("opening session payload: %w", err)
	}
	defer util.WipeBytes(payload)

	var s Session
	if err := json.Unmarshal(payload, &s); err != nil {
		return nil, fmt.Errorf("decoding session: %w", err)
	}
	if s.ID != rec.SessionID {
		return nil, fmt.Errorf("session payload id %q does not match record %q", s.ID, rec.SessionID)
	}
	return &s, nil
}
