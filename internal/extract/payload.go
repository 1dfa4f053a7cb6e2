package extract

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers in the decrypted call payload.
const (
	messageCallField = 10
	callKeyField     = 1
)

var errFieldNotFound = errors.New("field not found")

// DecodeCallPayload reads call.callKey from decrypted payload plaintext.
// The platform appends n bytes of value n after the message; when the
// trailing bytes look like such padding they are stripped before decoding.
func DecodeCallPayload(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, ErrNoKeyMaterial
	}

	candidates := [][]byte{plaintext}
	if unpadded, ok := stripPadding(plaintext); ok {
		candidates = [][]byte{unpadded, plaintext}
	}

	var lastErr error
	for _, b := range candidates {
		call, err := findBytesField(b, messageCallField)
		if err != nil {
			lastErr = err
			continue
		}
		key, err := findBytesField(call, callKeyField)
		if err != nil {
			lastErr = err
			continue
		}
		if len(key) < KeyBlobLen {
			lastErr = fmt.Errorf("callKey is %d bytes", len(key))
			continue
		}
		return key, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrNoKeyMaterial, lastErr)
}

func stripPadding(b []byte) ([]byte, bool) {
	n := int(b[len(b)-1])
	if n == 0 || n >= len(b) {
		return nil, false
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, false
		}
	}
	return b[:len(b)-n], true
}

// findBytesField returns the last length-delimited value for field num in a
// serialized message.
func findBytesField(b []byte, num protowire.Number) ([]byte, error) {
	var found []byte
	for len(b) > 0 {
		n, typ, tagLen := protowire.ConsumeTag(b)
		if tagLen < 0 {
			return nil, fmt.Errorf("parsing tag: %w", protowire.ParseError(tagLen))
		}
		b = b[tagLen:]

		if n == num && typ == protowire.BytesType {
			v, vLen := protowire.ConsumeBytes(b)
			if vLen < 0 {
				return nil, fmt.Errorf("parsing field %d: %w", n, protowire.ParseError(vLen))
			}
			found = v
			b = b[vLen:]
			continue
		}

		skip := protowire.ConsumeFieldValue(n, typ, b)
		if skip < 0 {
			return nil, fmt.Errorf("skipping field %d: %w", n, protowire.ParseError(skip))
		}
		b = b[skip:]
	}
	if found == nil {
		return nil, fmt.Errorf("field %d: %w", num, errFieldNotFound)
	}
	return found, nil
}
