package payload

import (
	"errors"

	"github.com/matt-riley/variantz/internal/core"
)

// ErrDecode wraps every failure returned by [Decode]. A reason sentinel from
// the list below is joined to it.
var ErrDecode = errors.New("failed to decode configuration payload")

var (
	ErrMissingKey          = errors.New("payload is encrypted but no decryption key is configured")
	ErrInvalidKey          = errors.New("decryption key must be base64 encoding of 16, 24 or 32 bytes")
	ErrMalformedCiphertext = errors.New("malformed encrypted features")
	ErrDecryptionFailed    = errors.New("decryption failed")
	ErrInvalidJSON         = errors.New("invalid payload JSON")
	ErrInvalidRule         = core.ErrInvalidRule
)
