package identity

import (
	"fmt"

	"github.com/dmehra2102/prod-golang-projects/medportal/internal/domain"
)

// Metadata keys written by the portal.
const (
	KeyRole          = "role"
	KeySpecialty     = "specialty"
	KeyDBSynced      = "dbSynced"
	KeyDBUserID      = "dbUserId"
	KeyLastSyncCheck = "lastSyncCheck"
)

type Metadata map[string]any

// String returns the value under key when it is a string.
func (m Metadata) String(key string) string {
	if m == nil {
		return ""
	}
	switch v := m[key].(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	}
	return ""
}

// Merge returns a copy of m with every key of other applied on top.
func (m Metadata) Merge(other Metadata) Metadata {
	out := make(Metadata, len(m)+len(other))
	for k, v := range m {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Role resolves the user's role from public metadata first, then unsafe
// metadata. It returns the empty role if neither holds a known value.
func (u *User) Role() domain.Role {
	if u == nil {
		return ""
	}
	if r := domain.ParseRole(u.PublicMetadata.String(KeyRole)); r != "" {
		return r
	}
	return domain.ParseRole(u.UnsafeMetadata.String(KeyRole))
}
