package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/dmehra2102/prod-golang-projects/medportal/internal/domain"
)

type UserRepository struct {
	db *gorm.DB
}

func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) GetByExternalID(ctx context.Context, externalID string) (*domain.User, error) {
	var u domain.User
	err := r.db.WithContext(ctx).
		Where("external_id = ? AND deleted_at IS NULL", externalID).
		First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting user by external id: %w", err)
	}
	return &u, nil
}

func (r *UserRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	var u domain.User
	err := r.db.WithContext(ctx).
		Where("id = ? AND deleted_at IS NULL", id).
		First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting user: %w", err)
	}
	return &u, nil
}

// UpsertByExternalID inserts u, or updates only updateColumns of the row that
// already holds u.ExternalID. Concurrent calls for one external id converge on
// a single row. It returns the stored row.
func (r *UserRepository) UpsertByExternalID(ctx context.Context, u *domain.User, updateColumns []string) (*domain.User, error) {
	onConflict := clause.OnConflict{
		Columns: []clause.Column{{Name: "external_id"}},
	}
	if len(updateColumns) == 0 {
		onConflict.DoNothing = true
	} else {
		onConflict.DoUpdates = clause.AssignmentColumns(updateColumns)
	}

	if err := r.db.WithContext(ctx).Clauses(onConflict).Create(u).Error; err != nil {
		return nil, fmt.Errorf("upserting user: %w", err)
	}
	return r.GetByExternalID(ctx, u.ExternalID)
}

func (r *UserRepository) TouchLastActive(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&domain.User{}).
		Where("id = ?", id).
		UpdateColumn("last_active_at", at).Error
}
