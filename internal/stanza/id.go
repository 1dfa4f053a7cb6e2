package stanza

import (
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// messageIDPrefix matches the prefix used by the platform's own clients.
const messageIDPrefix = "3EB0"

// NewMessageID returns a unique identifier for an outbound stanza.
func NewMessageID() string {
	id := uuid.New()
	return messageIDPrefix + strings.ToUpper(hex.EncodeToString(id[:8]))
}
