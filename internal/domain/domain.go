package domain

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrUserNotFound = errors.New("user not found")

type Role string

const (
	RolePatient  Role = "PATIENT"
	RoleProvider Role = "PROVIDER"
	RoleAdmin    Role = "ADMIN"
)

func (r Role) IsValid() bool {
	switch r {
	case RolePatient, RoleProvider, RoleAdmin:
		return true
	}
	return false
}

// ParseRole normalizes a role string from metadata, request bodies or claims.
// It returns the empty role when s names no known role.
func ParseRole(s string) Role {
	r := Role(strings.ToUpper(strings.TrimSpace(s)))
	if r.IsValid() {
		return r
	}
	return ""
}

// User mirrors an identity-provider account by ExternalID.
type User struct {
	ID        uuid.UUID  `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	CreatedAt time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt *time.Time `gorm:"index" json:"-"`

	ExternalID string `gorm:"column:external_id;type:varchar(255);uniqueIndex;not null" json:"external_id"`
	Email      string `gorm:"column:email;type:varchar(255);index" json:"email"`
	FirstName  string `gorm:"column:first_name;type:varchar(100)" json:"first_name,omitempty"`
	LastName   string `gorm:"column:last_name;type:varchar(100)" json:"last_name,omitempty"`
	Role       Role   `gorm:"column:role;type:varchar(30);not null;index" json:"role"`

	// Only meaningful for providers
	Specialty string `gorm:"column:specialty;type:varchar(100)" json:"specialty,omitempty"`

	IsActive     bool       `gorm:"column:is_active;default:true;index" json:"is_active"`
	LastSyncedAt *time.Time `gorm:"column:last_synced_at" json:"last_synced_at,omitempty"`
	LastActiveAt *time.Time `gorm:"column:last_active_at" json:"last_active_at,omitempty"`
}

func (User) TableName() string {
	return "auth.users"
}

type AuditAction string

const (
	ActionSignUp       AuditAction = "sign_up"
	ActionSignIn       AuditAction = "sign_in"
	ActionMFAVerify    AuditAction = "mfa_verify"
	ActionSignOut      AuditAction = "sign_out"
	ActionSync         AuditAction = "sync"
	ActionForcedLogout AuditAction = "forced_sign_out"
)

type AuditLog struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	OccurredAt time.Time `gorm:"autoCreateTime;index"`

	// Who
	ExternalUserID string `gorm:"column:external_user_id;type:varchar(255);index"`
	UserRole       Role   `gorm:"column:user_role;type:varchar(30)"`
	IPAddress      string `gorm:"column:ip_address;type:varchar(45)"` // Supports IPv6

	// What
	Action  AuditAction `gorm:"column:action;type:varchar(30);not null;index"`
	Outcome string      `gorm:"column:outcome;type:varchar(30);not null"`

	RequestID string `gorm:"column:request_id;type:varchar(50);index"`
	UserAgent string `gorm:"column:user_agent;type:text"`

	Details string `gorm:"column:details;type:jsonb"`
}

func (AuditLog) TableName() string {
	return "audit.logs"
}

type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	TokenType    string    `json:"token_type"` // Always "Bearer"
}

type Claims struct {
	UserID     uuid.UUID `json:"sub"`
	ExternalID string    `json:"ext"`
	Email      string    `json:"email"`
	Role       Role      `json:"role"`
	SessionID  string    `json:"sid,omitempty"`
}
