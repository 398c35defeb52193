package utils

import (
	"strings"

	"github.com/google/uuid"
)

// GenerateID generates a random hex ID
func GenerateID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ShortID returns the first 8 characters of an ID for log fields
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
