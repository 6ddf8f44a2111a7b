// Package state encodes and decodes the opaque correlation value carried
// through an identity provider's redirect round-trip as the OAuth2 "state"
// parameter.
//
// The value is base64url-encoded JSON without padding. It is not signed, so
// it must be treated as untrusted input: decoding fails closed on any
// malformed payload, and its contents are only ever used for correlation,
// never for authorization decisions.
package state

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// DecodeError indicates that a state value could not be decoded. It is the
// only error type returned by Decode, so callers can map it to a 400-class
// response without inspecting the cause.
type DecodeError struct {
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode state: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("decode state: %s", e.Reason)
}

// Unwrap returns the underlying cause, if any.
func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Encode serializes the fields to JSON and base64url-encodes the result
// without padding. A nil map encodes as an empty object so the round-trip
// through Decode always yields a map.
func Encode(fields map[string]string) string {
	if fields == nil {
		fields = map[string]string{}
	}
	// Marshal of map[string]string cannot fail.
	data, _ := json.Marshal(fields)
	return base64.RawURLEncoding.EncodeToString(data)
}

// Decode reverses Encode. It tolerates both padded and unpadded base64url
// input, but rejects malformed base64, malformed JSON, and any payload that
// is not a JSON object with string values.
func Decode(token string) (map[string]string, error) {
	data, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(token, "="))
	if err != nil {
		return nil, &DecodeError{Reason: "invalid base64url payload", Err: err}
	}

	var fields map[string]string
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, &DecodeError{Reason: "payload is not a JSON object of strings", Err: err}
	}
	if fields == nil {
		// JSON "null" unmarshals into a nil map without error.
		return nil, &DecodeError{Reason: "payload is not a JSON object"}
	}
	return fields, nil
}
