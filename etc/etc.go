package etc

import (
	"strings"

	"github.com/google/uuid"
	"github.com/nrednav/cuid2"
)

func NewFreshID() string {
	return cuid2.Generate()
}

// NewSessionID returns a random UUID for call sessions and transcript
// entries.
func NewSessionID() string {
	return uuid.NewString()
}

// Identity builds a participant identity like "user-k3x9...".
func Identity(prefix string) string {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), "-")
	if prefix == "" {
		prefix = "user"
	}
	return prefix + "-" + NewFreshID()
}
