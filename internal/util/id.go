package util

import (
	"strings"

	"github.com/oklog/ulid/v2"
)

// NewID returns a lexically sortable identifier, optionally prefixed.
func NewID(prefix string) string {
	id := strings.ToLower(ulid.Make().String())
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

// ShortID derives the six character external token shown to clients from a
// storage identifier.
func ShortID(id string) string {
	id = strings.ToLower(id)
	if len(id) <= 6 {
		return id
	}
	return id[len(id)-6:]
}
