package access

import "fmt"

// Permission is the access level a connection holds on a room.
type Permission string

const (
	Owner     Permission = "owner"
	ReadWrite Permission = "read_write"
	ReadOnly  Permission = "read_only"
)

// CloseRevoked is the websocket close code the server uses when it refuses
// or revokes a connection's authorization (policy violation).
const CloseRevoked = 1008

// Parse validates a permission string.
func Parse(s string) (Permission, error) {
	p := Permission(s)
	if !p.Valid() {
		return "", fmt.Errorf("unknown permission %q", s)
	}
	return p, nil
}

// Valid reports whether p is one of the known permissions.
func (p Permission) Valid() bool {
	switch p {
	case Owner, ReadWrite, ReadOnly:
		return true
	}
	return false
}

// CanWrite reports whether p allows local edits.
func (p Permission) CanWrite() bool {
	return p == Owner || p == ReadWrite
}

func (p Permission) String() string {
	return string(p)
}
