package storage

import (
	"encoding/json"
	"fmt"

	"github.com/jmcleod/gatehouse/internal/util"
)

const (
	// SchemeAESGCM seals the payload with AES-256-GCM.
	SchemeAESGCM = "aes256gcm"
	// SchemePlainJSON stores the payload as-is, for deployments that did not
	// configure a session secret.
	SchemePlainJSON = "plain-json"

	envelopeVersion = 1
)

// Envelope is the serialised form of Record.Data.
type Envelope struct {
	Ver        int    `json:"ver"`
	Scheme     string `json:"scheme"`
	Nonce      []byte `json:"nonce,omitempty"`
	Ciphertext []byte `json:"ciphertext"`
}

// SealPayload encrypts plaintext into an Envelope bound to aad.
func SealPayload(key, plaintext, aad []byte) (*Envelope, error) {
	sealed, err := util.Seal(key, plaintext, aad)
	if err != nil {
		return nil, err
	}
	n := util.NonceSize()
	return &Envelope{
		Ver:        envelopeVersion,
		Scheme:     SchemeAESGCM,
		Nonce:      sealed[:n],
		Ciphertext: sealed[n:],
	}, nil
}

// PlainPayload wraps plaintext without encryption.
func PlainPayload(plaintext []byte) *Envelope {
	return &Envelope{
		Ver:        envelopeVersion,
		Scheme:     SchemePlainJSON,
		Ciphertext: append([]byte(nil), plaintext...),
	}
}

// OpenPayload returns the plaintext held by env. key may be nil when the
// envelope uses SchemePlainJSON.
func OpenPayload(key []byte, env *Envelope, aad []byte) ([]byte, error) {
	if env.Ver != envelopeVersion {
		return nil, fmt.Errorf("unsupported envelope version: %d", env.Ver)
	}
	switch env.Scheme {
	case SchemePlainJSON:
		return append([]byte(nil), env.Ciphertext...), nil
	case SchemeAESGCM:
		if key == nil {
			return nil, fmt.Errorf("sealed envelope but no session key configured")
		}
		full := make([]byte, len(env.Nonce)+len(env.Ciphertext))
		copy(full, env.Nonce)
		copy(full[len(env.Nonce):], env.Ciphertext)
		return util.Open(key, full, aad)
	default:
		return nil, fmt.Errorf("unsupported envelope scheme: %s", env.Scheme)
	}
}

// MarshalEnvelope encodes env for Record.Data.
func MarshalEnvelope(env *Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// UnmarshalEnvelope decodes Record.Data.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	return &env, nil
}
