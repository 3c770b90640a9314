package idgen

import (
	"crypto/rand"
	"encoding/base32"
	"strings"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// New returns a UUIDv7 identifier string.
// If UUIDv7 generation fails, it falls back to a random UUIDv4.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// NewRowID returns a ULID: lexicographically sortable by creation time, so
// rows ordered by id also come out in creation order without a secondary
// sort key.
func NewRowID() string {
	return ulid.Make().String()
}

var serverIDEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewServerID returns a short, URL-safe, human-typeable identifier used to
// key a pooled MCP connection. It deliberately isn't a ULID: server ids
// appear in OAuth callback URLs, where a 26-character ULID would be
// unwieldy.
func NewServerID() string {
	var buf [5]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return strings.ToLower(ulid.Make().String()[:8])
	}
	return strings.ToLower(serverIDEncoding.EncodeToString(buf[:]))
}
