// Package handoff holds cross-page hints for one browser: the role chosen at
// sign-up, email verification progress and sync bookkeeping. Values are never
// authoritative; the identity provider and the user table are.
//
// Producers: sign-up writes PendingRole and PendingSpecialty, email
// verification writes the Verification fields, and the auth façade writes
// UserSyncStatus and LastSessionCleanAttempt. The façade reads PendingRole and
// PendingSpecialty as a sync hint.
package handoff

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmehra2102/prod-golang-projects/medportal/internal/domain"
	"github.com/dmehra2102/prod-golang-projects/medportal/internal/session"
)

type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncDone    SyncStatus = "synced"
	SyncFailed  SyncStatus = "failed"
)

type Handoff struct {
	PendingRole      domain.Role `json:"pending_role,omitempty"`
	PendingSpecialty string      `json:"pending_specialty,omitempty"`

	EmailVerificationCompleted bool      `json:"email_verification_completed,omitempty"`
	VerificationTimestamp      time.Time `json:"verification_timestamp,omitzero"`
	VerificationStatus         string    `json:"verification_status,omitempty"`

	UserSyncStatus          SyncStatus `json:"user_sync_status,omitempty"`
	LastSessionCleanAttempt time.Time  `json:"last_session_clean_attempt,omitzero"`
}

// Store is a TTL-bound handoff store keyed by the handoff cookie id.
type Store struct {
	backend session.Store[Handoff]
	ttl     time.Duration
}

func NewStore(backend session.Store[Handoff], ttl time.Duration) *Store {
	return &Store{backend: backend, ttl: ttl}
}

// Get returns the handoff for id, or an empty one when none is stored.
func (s *Store) Get(ctx context.Context, id string) (*Handoff, error) {
	if id == "" {
		return &Handoff{}, nil
	}
	h, err := s.backend.Get(ctx, id)
	if errors.Is(err, session.ErrNotFound) {
		return &Handoff{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("handoff: get: %w", err)
	}
	return h, nil
}

func (s *Store) Put(ctx context.Context, id string, h *Handoff) error {
	return s.backend.Put(ctx, id, h, s.ttl)
}

// Update applies fn to the stored handoff and writes it back, refreshing the
// TTL. Concurrent updates for the same id are last-write-wins.
func (s *Store) Update(ctx context.Context, id string, fn func(h *Handoff)) error {
	if id == "" {
		return errors.New("handoff: missing id")
	}
	h, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	fn(h)
	return s.Put(ctx, id, h)
}

func (s *Store) Delete(ctx context.Context, id string) error {
	return s.backend.Delete(ctx, id)
}
