// Package usersync reconciles identity-provider users with application user
// records. The Service performs one upsert; the Retrier wraps any Syncer in a
// bounded, cancellable exponential backoff.
package usersync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/dmehra2102/prod-golang-projects/medportal/internal/domain"
	"github.com/dmehra2102/prod-golang-projects/medportal/internal/events"
	"github.com/dmehra2102/prod-golang-projects/medportal/internal/identity"
	"github.com/dmehra2102/prod-golang-projects/medportal/internal/service"
	"github.com/dmehra2102/prod-golang-projects/medportal/pkg/metrics"
)

var (
	ErrUnknownIdentity  = errors.New("usersync: identity not found at provider")
	ErrRejected         = errors.New("usersync: request rejected")
	ErrRetriesExhausted = errors.New("usersync: retries exhausted")
)

// Hint is the caller's belief about the user's role, taken from identity
// metadata or the sign-up handoff. It is a claim, not an authority: only the
// provider's public metadata can change the role of an existing user.
type Hint struct {
	Role      domain.Role `json:"role,omitempty"`
	Specialty string      `json:"specialty,omitempty"`
}

type Syncer interface {
	Sync(ctx context.Context, externalID string, hint Hint) (*domain.User, error)
}

type UserRepository interface {
	GetByExternalID(ctx context.Context, externalID string) (*domain.User, error)
	UpsertByExternalID(ctx context.Context, u *domain.User, updateColumns []string) (*domain.User, error)
}

type AuditLogger interface {
	LogAsync(ctx context.Context, entry service.AuditEntry)
}

type Service struct {
	users    UserRepository
	provider identity.Provider
	events   events.Publisher
	audit    AuditLogger
	metrics  *metrics.Collector
	log      *zap.Logger
	now      func() time.Time
}

var _ Syncer = (*Service)(nil)

func NewService(
	users UserRepository,
	provider identity.Provider,
	publisher events.Publisher,
	audit AuditLogger,
	m *metrics.Collector,
	log *zap.Logger,
) *Service {
	return &Service{
		users:    users,
		provider: provider,
		events:   publisher,
		audit:    audit,
		metrics:  m,
		log:      log,
		now:      time.Now,
	}
}

// Sync upserts the application user for externalID. Repeated calls update
// the same record. Metadata markers, events and audit entries are best
// effort and never fail the sync.
func (s *Service) Sync(ctx context.Context, externalID string, hint Hint) (*domain.User, error) {
	ctx, span := otel.Tracer("usersync").Start(ctx, "usersync.Sync")
	defer span.End()

	externalID = strings.TrimSpace(externalID)
	if err := validate(externalID, hint); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("user.external_id", externalID))

	ident, err := s.provider.GetUser(ctx, externalID)
	if err != nil {
		if errors.Is(err, identity.ErrUserNotFound) {
			return nil, ErrUnknownIdentity
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "identity lookup failed")
		return nil, fmt.Errorf("fetching identity: %w", err)
	}

	existing, err := s.users.GetByExternalID(ctx, externalID)
	if err != nil && !errors.Is(err, domain.ErrUserNotFound) {
		span.RecordError(err)
		return nil, fmt.Errorf("loading user: %w", err)
	}

	role, authoritative := resolveRole(ident, hint)
	now := s.now().UTC()
	u := &domain.User{
		ExternalID:   externalID,
		Email:        ident.Email,
		Role:         role,
		IsActive:     true,
		LastSyncedAt: &now,
	}
	columns := []string{"email", "last_synced_at", "updated_at"}

	if existing == nil {
		if role == "" {
			return nil, &service.ValidationError{Fields: []string{"role is required to create a user"}}
		}
		if role == domain.RoleAdmin && !authoritative {
			return nil, &service.ValidationError{Fields: []string{"role ADMIN cannot be self-assigned"}}
		}
	} else if authoritative && role != existing.Role {
		columns = append(columns, "role")
	} else {
		u.Role = existing.Role
	}

	if u.Role == domain.RoleProvider {
		if spec := specialty(ident, hint); spec != "" {
			u.Specialty = spec
			columns = append(columns, "specialty")
		}
	}

	stored, err := s.users.UpsertByExternalID(ctx, u, columns)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upsert failed")
		s.audit.LogAsync(ctx, service.AuditEntry{
			ExternalUserID: externalID,
			UserRole:       role,
			Action:         domain.ActionSync,
			Outcome:        "failure",
		})
		return nil, err
	}

	s.markSynced(ctx, externalID, stored, now)

	if err := s.events.Publish(ctx, events.Event{
		Type:           events.UserSynced,
		ExternalUserID: externalID,
		UserID:         stored.ID.String(),
		Role:           string(stored.Role),
		OccurredAt:     now,
	}); err != nil {
		s.metrics.EventsPublishFails.Inc()
		s.log.Warn("failed to publish sync event", zap.String("external_id", externalID), zap.Error(err))
	}

	s.audit.LogAsync(ctx, service.AuditEntry{
		ExternalUserID: externalID,
		UserRole:       stored.Role,
		Action:         domain.ActionSync,
		Outcome:        "success",
		Details:        map[string]any{"created": existing == nil},
	})

	s.log.Info("user synced",
		zap.String("external_id", externalID),
		zap.String("user_id", stored.ID.String()),
		zap.String("role", string(stored.Role)),
		zap.Bool("created", existing == nil),
	)
	return stored, nil
}

func (s *Service) markSynced(ctx context.Context, externalID string, u *domain.User, at time.Time) {
	err := s.provider.UpdateMetadata(ctx, externalID, identity.Metadata{
		identity.KeyRole:          string(u.Role),
		identity.KeyDBSynced:      true,
		identity.KeyDBUserID:      u.ID.String(),
		identity.KeyLastSyncCheck: at.Format(time.RFC3339),
	})
	if err != nil {
		s.log.Warn("failed to write sync markers", zap.String("external_id", externalID), zap.Error(err))
	}
}

// resolveRole prefers the provider's public metadata, which only operators
// can write. Otherwise the hint is used, then the client-writable metadata.
func resolveRole(ident *identity.User, hint Hint) (domain.Role, bool) {
	if r := domain.ParseRole(ident.PublicMetadata.String(identity.KeyRole)); r != "" {
		return r, true
	}
	if hint.Role != "" {
		return hint.Role, false
	}
	return domain.ParseRole(ident.UnsafeMetadata.String(identity.KeyRole)), false
}

func specialty(ident *identity.User, hint Hint) string {
	if s := strings.TrimSpace(hint.Specialty); s != "" {
		return s
	}
	if s := ident.PublicMetadata.String(identity.KeySpecialty); s != "" {
		return s
	}
	return ident.UnsafeMetadata.String(identity.KeySpecialty)
}

func validate(externalID string, hint Hint) error {
	var fields []string
	if externalID == "" {
		fields = append(fields, "external user id is required")
	} else if len(externalID) > 255 {
		fields = append(fields, "external user id must be at most 255 characters")
	}
	if hint.Role != "" && !hint.Role.IsValid() {
		fields = append(fields, "role must be one of PATIENT, PROVIDER, ADMIN")
	}
	if len(hint.Specialty) > 100 {
		fields = append(fields, "specialty must be at most 100 characters")
	}
	if len(fields) > 0 {
		return &service.ValidationError{Fields: fields}
	}
	return nil
}

// IsPermanent reports whether retrying err cannot succeed.
func IsPermanent(err error) bool {
	var ve *service.ValidationError
	return errors.As(err, &ve) ||
		errors.Is(err, ErrUnknownIdentity) ||
		errors.Is(err, ErrRejected) ||
		errors.Is(err, context.Canceled)
}
