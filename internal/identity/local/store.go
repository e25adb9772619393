package local

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var errNotFound = errors.New("local identity: record not found")

// Store persists accounts, sign-in attempts and provider sessions.
type Store interface {
	CreateAccount(ctx context.Context, a *Account) error
	GetAccountByEmail(ctx context.Context, email string) (*Account, error)
	GetAccount(ctx context.Context, id uuid.UUID) (*Account, error)
	SaveAccount(ctx context.Context, a *Account) error

	CreateAttempt(ctx context.Context, a *Attempt) error
	GetAttempt(ctx context.Context, id uuid.UUID) (*Attempt, error)
	// SaveAttempt stores the challenge of an attempt that is still open.
	SaveAttempt(ctx context.Context, a *Attempt) error
	// CompleteAttempt closes an open, unexpired attempt. Exactly one caller
	// wins; the others get errAttemptClosed.
	CompleteAttempt(ctx context.Context, id uuid.UUID, at time.Time) error

	CreateSession(ctx context.Context, s *ProviderSession) error
	RevokeSession(ctx context.Context, id uuid.UUID, at time.Time) error
}

type gormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) CreateAccount(ctx context.Context, a *Account) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if err := s.db.WithContext(ctx).Create(a).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) || isUniqueViolation(err) {
			return errDuplicateEmail
		}
		return fmt.Errorf("creating account: %w", err)
	}
	return nil
}

func (s *gormStore) GetAccountByEmail(ctx context.Context, email string) (*Account, error) {
	var a Account
	err := s.db.WithContext(ctx).Where("email = ?", strings.ToLower(email)).First(&a).Error
	return &a, wrapNotFound(err)
}

func (s *gormStore) GetAccount(ctx context.Context, id uuid.UUID) (*Account, error) {
	var a Account
	err := s.db.WithContext(ctx).First(&a, "id = ?", id).Error
	return &a, wrapNotFound(err)
}

func (s *gormStore) SaveAccount(ctx context.Context, a *Account) error {
	return s.db.WithContext(ctx).Save(a).Error
}

func (s *gormStore) CreateAttempt(ctx context.Context, a *Attempt) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return s.db.WithContext(ctx).Create(a).Error
}

func (s *gormStore) GetAttempt(ctx context.Context, id uuid.UUID) (*Attempt, error) {
	var a Attempt
	err := s.db.WithContext(ctx).First(&a, "id = ?", id).Error
	return &a, wrapNotFound(err)
}

func (s *gormStore) SaveAttempt(ctx context.Context, a *Attempt) error {
	res := s.db.WithContext(ctx).
		Model(&Attempt{}).
		Where("id = ? AND completed_at IS NULL", a.ID).
		Updates(map[string]any{
			"strategy":        a.Strategy,
			"code_hash":       a.CodeHash,
			"code_expires_at": a.CodeExpires,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errAttemptClosed
	}
	return nil
}

func (s *gormStore) CompleteAttempt(ctx context.Context, id uuid.UUID, at time.Time) error {
	res := s.db.WithContext(ctx).
		Model(&Attempt{}).
		Where("id = ? AND completed_at IS NULL AND expires_at > ?", id, at).
		Updates(map[string]any{"completed_at": at, "code_hash": ""})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errAttemptClosed
	}
	return nil
}

func (s *gormStore) CreateSession(ctx context.Context, ps *ProviderSession) error {
	if ps.ID == uuid.Nil {
		ps.ID = uuid.New()
	}
	return s.db.WithContext(ctx).Create(ps).Error
}

func (s *gormStore) RevokeSession(ctx context.Context, id uuid.UUID, at time.Time) error {
	return s.db.WithContext(ctx).
		Model(&ProviderSession{}).
		Where("id = ? AND revoked_at IS NULL", id).
		Update("revoked_at", at).Error
}

var (
	errDuplicateEmail = errors.New("local identity: duplicate email")
	errAttemptClosed  = errors.New("local identity: attempt already completed or expired")
)

func wrapNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errNotFound
	}
	return err
}

// Postgres unique_violation, for drivers that do not translate errors.
func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "SQLSTATE 23505")
}
