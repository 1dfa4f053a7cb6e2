// Package extract pulls SRTP key material and relay candidates out of
// call-offer and transport stanzas and their decoded payloads.
package extract

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// Key blob layout.
const (
	MasterKeyLen  = 16
	MasterSaltLen = 14
	KeyBlobLen    = MasterKeyLen + MasterSaltLen
)

// ErrNoKeyMaterial is returned when no source yields a usable key blob.
var ErrNoKeyMaterial = errors.New("no media key material found")

// MediaKeys is the SRTP master key and salt for one call. The same pair is
// used for both directions.
type MediaKeys struct {
	MasterKey  [MasterKeyLen]byte
	MasterSalt [MasterSaltLen]byte
}

// ExtractKeys splits a key blob into master key and salt. Bytes past the
// first 30 are ignored. Blobs shorter than 30 bytes yield nil.
func ExtractKeys(blob []byte) *MediaKeys {
	if len(blob) < KeyBlobLen {
		return nil
	}
	var k MediaKeys
	copy(k.MasterKey[:], blob[:MasterKeyLen])
	copy(k.MasterSalt[:], blob[MasterKeyLen:KeyBlobLen])
	return &k
}

// CallKey is the callKey field of a decoded call payload. The platform
// bridge has been seen to emit it as a base64 string, a plain byte array,
// or a {"type":"Buffer","data":[...]} wrapper; all three decode here.
type CallKey []byte

func (k *CallKey) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*k = nil
		return nil
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		b, err := decodeBase64(s)
		if err != nil {
			return fmt.Errorf("decoding callKey string: %w", err)
		}
		*k = b
		return nil

	case '[':
		b, err := decodeByteArray(data)
		if err != nil {
			return fmt.Errorf("decoding callKey array: %w", err)
		}
		*k = b
		return nil

	case '{':
		var wrapper struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(data, &wrapper); err != nil {
			return err
		}
		if wrapper.Type != "Buffer" {
			return fmt.Errorf("unsupported callKey wrapper type %q", wrapper.Type)
		}
		b, err := decodeByteArray(wrapper.Data)
		if err != nil {
			return fmt.Errorf("decoding callKey buffer: %w", err)
		}
		*k = b
		return nil
	}

	return fmt.Errorf("unsupported callKey encoding starting with %q", data[0])
}

func decodeBase64(s string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, errors.New("not valid base64")
}

func decodeByteArray(data []byte) ([]byte, error) {
	var ints []int
	if err := json.Unmarshal(data, &ints); err != nil {
		return nil, err
	}
	b := make([]byte, len(ints))
	for i, v := range ints {
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("byte value %d out of range at index %d", v, i)
		}
		b[i] = byte(v)
	}
	return b, nil
}
