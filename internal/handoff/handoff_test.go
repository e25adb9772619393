package handoff

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmehra2102/prod-golang-projects/medportal/internal/domain"
	"github.com/dmehra2102/prod-golang-projects/medportal/internal/session"
)

func TestStore(t *testing.T) {
	ctx := context.Background()
	store := NewStore(session.NewMemoryStore[Handoff](), time.Hour)

	h, err := store.Get(ctx, "browser-1")
	require.NoError(t, err)
	assert.Equal(t, &Handoff{}, h, "missing handoff reads as empty")

	require.NoError(t, store.Update(ctx, "browser-1", func(h *Handoff) {
		h.PendingRole = domain.RoleProvider
		h.PendingSpecialty = "cardiology"
	}))

	verifiedAt := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, store.Update(ctx, "browser-1", func(h *Handoff) {
		h.EmailVerificationCompleted = true
		h.VerificationTimestamp = verifiedAt
		h.VerificationStatus = "complete"
	}))

	h, err = store.Get(ctx, "browser-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleProvider, h.PendingRole)
	assert.Equal(t, "cardiology", h.PendingSpecialty)
	assert.True(t, h.EmailVerificationCompleted)
	assert.Equal(t, verifiedAt, h.VerificationTimestamp)

	// Other browsers are unaffected.
	other, err := store.Get(ctx, "browser-2")
	require.NoError(t, err)
	assert.Empty(t, other.PendingRole)

	require.NoError(t, store.Delete(ctx, "browser-1"))
	h, err = store.Get(ctx, "browser-1")
	require.NoError(t, err)
	assert.Empty(t, h.PendingRole)

	require.Error(t, store.Update(ctx, "", func(*Handoff) {}))
}
