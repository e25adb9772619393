package session

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dmehra2102/prod-golang-projects/medportal/internal/domain"
)

// Session is an app session. It exists only for users with a resolved role.
// UserID is nil when the role was resolved from identity metadata without a
// synced application user.
type Session struct {
	ID                string      `json:"id"`
	UserID            uuid.UUID   `json:"user_id"`
	ExternalUserID    string      `json:"external_user_id"`
	Email             string      `json:"email"`
	Role              domain.Role `json:"role"`
	ProviderSessionID string      `json:"provider_session_id"`
	Degraded          bool        `json:"degraded,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	ExpiresAt         time.Time   `json:"expires_at"`
}

func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// GenerateID returns a random URL-safe id with 256 bits of entropy.
func GenerateID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("session: failed to generate id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
