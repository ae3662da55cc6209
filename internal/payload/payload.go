// Package payload decodes configuration payloads into feature maps.
//
// Three shapes are accepted: a bare feature map, an envelope
// {"status": 200, "features": {...}}, and an encrypted envelope
// {"encryptedFeatures": "<iv>.<ciphertext>"}. Decoding fails closed: callers
// get either a complete feature map or an error wrapping [ErrDecode].
package payload

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/matt-riley/variantz/internal/core"
)

const (
	encryptedFeaturesField = "encryptedFeatures"
	featuresField          = "features"
	statusField            = "status"
)

// Decode parses raw into a feature map. key is the base64 AES key used for
// encrypted payloads and may be empty when payloads are plaintext.
func Decode(raw []byte, key string) (core.FeatureMap, error) {
	features, err := decode(raw, key)
	if err != nil {
		return nil, errors.Join(ErrDecode, err)
	}
	return features, nil
}

func decode(raw []byte, key string) (core.FeatureMap, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, errors.Join(ErrInvalidJSON, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: payload must be a JSON object", ErrInvalidJSON)
	}

	if encrypted, ok := fields[encryptedFeaturesField]; ok && isJSONString(encrypted) {
		return decodeEncrypted(encrypted, key)
	}

	if status, ok := fields[statusField]; ok && isJSONNumber(status) {
		features, ok := fields[featuresField]
		if !ok {
			return nil, fmt.Errorf("%w: envelope has no %q member", ErrInvalidJSON, featuresField)
		}
		return decodeFeatures(features)
	}

	return decodeFeatures(raw)
}

func decodeEncrypted(field json.RawMessage, key string) (core.FeatureMap, error) {
	if key == "" {
		return nil, ErrMissingKey
	}

	rawKey, err := ParseKey(key)
	if err != nil {
		return nil, err
	}

	var encrypted string
	if err := json.Unmarshal(field, &encrypted); err != nil {
		return nil, errors.Join(ErrMalformedCiphertext, err)
	}

	plaintext, err := decrypt(encrypted, rawKey)
	if err != nil {
		return nil, err
	}

	return decodeFeatures(plaintext)
}

func decodeFeatures(data []byte) (core.FeatureMap, error) {
	var features core.FeatureMap
	if err := json.Unmarshal(data, &features); err != nil {
		if errors.Is(err, core.ErrInvalidRule) {
			return nil, err
		}
		return nil, errors.Join(ErrInvalidJSON, err)
	}
	if features == nil {
		return nil, fmt.Errorf("%w: features must be a JSON object", ErrInvalidJSON)
	}
	return features, nil
}

func isJSONString(data json.RawMessage) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) > 0 && trimmed[0] == '"'
}

func isJSONNumber(data json.RawMessage) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) > 0 && (trimmed[0] == '-' || (trimmed[0] >= '0' && trimmed[0] <= '9'))
}
