package encryption

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

const envelopeVersion = "v1"

var (
	// ErrUnknownKeyVersion is returned when an envelope names a key the store does not hold.
	ErrUnknownKeyVersion = errors.New("unknown encryption key version")
	// ErrDecryptionFailure covers tampered, corrupted or malformed ciphertext.
	ErrDecryptionFailure = errors.New("decryption failure")
	// ErrNoActiveKey is returned when encrypting before any key was generated.
	ErrNoActiveKey = errors.New("no active encryption key")
)

// Envelope is a sealed value together with the key that sealed it.
type Envelope struct {
	KeyID      string
	Nonce      []byte
	Ciphertext []byte
	Tag        []byte
}

var b64 = base64.RawURLEncoding

// String encodes the envelope for storage in a text column:
// v1.<key_id>.<nonce>.<ciphertext>.<tag>, binary parts base64url without padding.
func (e Envelope) String() string {
	return strings.Join([]string{
		envelopeVersion,
		e.KeyID,
		b64.EncodeToString(e.Nonce),
		b64.EncodeToString(e.Ciphertext),
		b64.EncodeToString(e.Tag),
	}, ".")
}

// ParseEnvelope decodes the output of Envelope.String.
func ParseEnvelope(s string) (Envelope, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 5 || parts[0] != envelopeVersion || parts[1] == "" {
		return Envelope{}, fmt.Errorf("%w: malformed envelope", ErrDecryptionFailure)
	}
	var (
		env = Envelope{KeyID: parts[1]}
		err error
	)
	if env.Nonce, err = b64.DecodeString(parts[2]); err != nil {
		return Envelope{}, fmt.Errorf("%w: decode nonce: %v", ErrDecryptionFailure, err)
	}
	if env.Ciphertext, err = b64.DecodeString(parts[3]); err != nil {
		return Envelope{}, fmt.Errorf("%w: decode ciphertext: %v", ErrDecryptionFailure, err)
	}
	if env.Tag, err = b64.DecodeString(parts[4]); err != nil {
		return Envelope{}, fmt.Errorf("%w: decode tag: %v", ErrDecryptionFailure, err)
	}
	return env, nil
}

// IsEnvelope reports whether s looks like an encoded envelope.
func IsEnvelope(s string) bool {
	return strings.HasPrefix(s, envelopeVersion+".") && strings.Count(s, ".") == 4
}
