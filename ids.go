package chatsync

import (
	"strings"

	"github.com/google/uuid"
)

// Namespace prefixes for the id kinds the engine mints or derives.
const (
	directIDPrefix = "dm:"
	groupIDPrefix  = "grp_"
	localMsgPrefix = "local_"
)

// DirectSessionID derives the deterministic conversation id for a pair of
// users. The two ids are sorted lexicographically so both sides of the chat
// compute the same id without a network round trip.
func DirectSessionID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return directIDPrefix + a + ":" + b
}

// IsDirectSessionID reports whether id has the direct-pair shape.
func IsDirectSessionID(id string) bool {
	return strings.HasPrefix(id, directIDPrefix)
}

// DirectSessionPeers returns the two participant ids encoded in a direct
// session id, or ok=false if the id is not direct-shaped.
func DirectSessionPeers(id string) (a, b string, ok bool) {
	if !IsDirectSessionID(id) {
		return "", "", false
	}
	parts := strings.SplitN(strings.TrimPrefix(id, directIDPrefix), ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// NewGroupSessionID mints a provisional group conversation id. The id is
// authoritative only once the backend confirms it; until then the session may
// be remapped to a server-assigned id.
func NewGroupSessionID() string {
	return groupIDPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewLocalMessageID mints a client-side message id, used both as the pending
// message key and as the idempotency key for the send call.
func NewLocalMessageID() string {
	return localMsgPrefix + uuid.NewString()
}

// IsLocalMessageID reports whether id was minted by this client.
func IsLocalMessageID(id string) bool {
	return strings.HasPrefix(id, localMsgPrefix)
}
