// Package session defines the session identity and the distributed
// coordination contracts the fabric relies on: the per-session advisory mutex,
// the active turn index, and the pending message queue. Implementations live
// under features/session (Redis) and session/inmem (tests, single process).
package session

import (
	"errors"
	"fmt"
	"strings"
)

// Key identifies the unit of single-writer enforcement: one tenant, one agent,
// one interlocutor, one channel. The canonical form is the lowercase
// identifiers joined by ':' followed by the channel token. Keys compare by
// string equality and are immutable once built.
type Key string

// ErrInvalidKey reports a session key that does not have the canonical
// four-part form.
var ErrInvalidKey = errors.New("invalid session key")

// BuildKey constructs the canonical session key for the given identifiers.
// All parts are lowercased; none may be empty or contain the ':' separator.
func BuildKey(tenantID, agentID, interlocutorID, channel string) (Key, error) {
	parts := []string{tenantID, agentID, interlocutorID, channel}
	for i, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			return "", fmt.Errorf("%w: part %d is empty", ErrInvalidKey, i)
		}
		if strings.Contains(p, ":") {
			return "", fmt.Errorf("%w: part %q contains separator", ErrInvalidKey, p)
		}
		parts[i] = p
	}
	return Key(strings.Join(parts, ":")), nil
}

// ParseKey splits a canonical key back into its four identifiers.
func ParseKey(k Key) (tenantID, agentID, interlocutorID, channel string, err error) {
	parts := strings.Split(string(k), ":")
	if len(parts) != 4 {
		return "", "", "", "", fmt.Errorf("%w: %q", ErrInvalidKey, k)
	}
	for _, p := range parts {
		if p == "" {
			return "", "", "", "", fmt.Errorf("%w: %q", ErrInvalidKey, k)
		}
	}
	return parts[0], parts[1], parts[2], parts[3], nil
}

// TenantID returns the tenant component of the key. It returns the empty
// string when the key is malformed.
func (k Key) TenantID() string { t, _, _, _, _ := ParseKey(k); return t }

// AgentID returns the agent component of the key.
func (k Key) AgentID() string { _, a, _, _, _ := ParseKey(k); return a }

// InterlocutorID returns the interlocutor component of the key.
func (k Key) InterlocutorID() string { _, _, u, _, _ := ParseKey(k); return u }

// Channel returns the channel token of the key.
func (k Key) Channel() string { _, _, _, c, _ := ParseKey(k); return c }

func (k Key) String() string { return string(k) }
