package local

import (
	"time"

	"github.com/google/uuid"

	"github.com/dmehra2102/prod-golang-projects/medportal/internal/identity"
)

// Account is a self-hosted identity. It lives next to the application schema
// but is only ever read through the identity.Provider contract.
type Account struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`

	Email         string `gorm:"column:email;type:varchar(255);uniqueIndex;not null"`
	PasswordHash  string `gorm:"column:password_hash;type:varchar(255);not null"`
	EmailVerified bool   `gorm:"column:email_verified;default:false"`

	// Email verification challenge issued at sign-up
	VerifyCodeHash  string     `gorm:"column:verify_code_hash;type:varchar(255)"`
	VerifyExpiresAt *time.Time `gorm:"column:verify_expires_at"`

	MFAEnabled        bool   `gorm:"column:mfa_enabled;default:false"`
	TOTPSecret        string `gorm:"column:totp_secret;type:varchar(64)"`
	PendingTOTPSecret string `gorm:"column:pending_totp_secret;type:varchar(64)"`

	PublicMetadata identity.Metadata `gorm:"column:public_metadata;type:jsonb;serializer:json"`
	UnsafeMetadata identity.Metadata `gorm:"column:unsafe_metadata;type:jsonb;serializer:json"`
}

func (Account) TableName() string {
	return "auth.identities"
}

// Strategies lists the second factors the account can complete.
func (a *Account) Strategies() []identity.Strategy {
	var out []identity.Strategy
	if a.TOTPSecret != "" {
		out = append(out, identity.StrategyTOTP)
	}
	if a.MFAEnabled {
		out = append(out, identity.StrategyEmailCode)
	}
	return out
}

func (a *Account) toUser() *identity.User {
	return &identity.User{
		ID:             a.ID.String(),
		Email:          a.Email,
		EmailVerified:  a.EmailVerified,
		PublicMetadata: identity.Metadata{}.Merge(a.PublicMetadata),
		UnsafeMetadata: identity.Metadata{}.Merge(a.UnsafeMetadata),
	}
}

type Attempt struct {
	ID          uuid.UUID         `gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	CreatedAt   time.Time         `gorm:"autoCreateTime"`
	AccountID   uuid.UUID         `gorm:"column:account_id;type:uuid;not null;index"`
	Strategy    identity.Strategy `gorm:"column:strategy;type:varchar(20)"`
	CodeHash    string            `gorm:"column:code_hash;type:varchar(255)"`
	CodeExpires *time.Time        `gorm:"column:code_expires_at"`
	ExpiresAt   time.Time         `gorm:"column:expires_at;not null;index"`
	CompletedAt *time.Time        `gorm:"column:completed_at"`
}

func (Attempt) TableName() string {
	return "auth.sign_in_attempts"
}

func (a *Attempt) open(now time.Time) bool {
	return a.CompletedAt == nil && now.Before(a.ExpiresAt)
}

// ProviderSession is the identity-side session, distinct from the app session.
type ProviderSession struct {
	ID        uuid.UUID  `gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	CreatedAt time.Time  `gorm:"autoCreateTime"`
	AccountID uuid.UUID  `gorm:"column:account_id;type:uuid;not null;index"`
	ExpiresAt time.Time  `gorm:"column:expires_at;not null"`
	RevokedAt *time.Time `gorm:"column:revoked_at"`
}

func (ProviderSession) TableName() string {
	return "auth.provider_sessions"
}

// Models returns the tables owned by the local provider, for migrations.
func Models() []any {
	return []any{&Account{}, &Attempt{}, &ProviderSession{}}
}
