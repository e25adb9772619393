package usersync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dmehra2102/prod-golang-projects/medportal/internal/domain"
	"github.com/dmehra2102/prod-golang-projects/medportal/internal/events"
	"github.com/dmehra2102/prod-golang-projects/medportal/internal/identity"
	"github.com/dmehra2102/prod-golang-projects/medportal/internal/identity/identitytest"
	"github.com/dmehra2102/prod-golang-projects/medportal/internal/service"
	"github.com/dmehra2102/prod-golang-projects/medportal/pkg/metrics"
)

type memUsers struct {
	mu    sync.Mutex
	rows  map[string]*domain.User
	err   error
	calls int
}

func newMemUsers() *memUsers {
	return &memUsers{rows: make(map[string]*domain.User)}
}

func (m *memUsers) GetByExternalID(_ context.Context, id string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.rows[id]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memUsers) UpsertByExternalID(_ context.Context, u *domain.User, cols []string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	existing, ok := m.rows[u.ExternalID]
	if !ok {
		cp := *u
		cp.ID = uuid.New()
		m.rows[u.ExternalID] = &cp
		out := cp
		return &out, nil
	}
	for _, c := range cols {
		switch c {
		case "email":
			existing.Email = u.Email
		case "role":
			existing.Role = u.Role
		case "specialty":
			existing.Specialty = u.Specialty
		case "last_synced_at":
			existing.LastSyncedAt = u.LastSyncedAt
		}
	}
	out := *existing
	return &out, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

type recordingAudit struct {
	mu      sync.Mutex
	entries []service.AuditEntry
}

func (a *recordingAudit) LogAsync(_ context.Context, e service.AuditEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
}

type serviceFixture struct {
	svc       *Service
	users     *memUsers
	provider  *identitytest.Provider
	publisher *recordingPublisher
	audit     *recordingAudit
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	f := &serviceFixture{
		users:     newMemUsers(),
		provider:  identitytest.New(),
		publisher: &recordingPublisher{},
		audit:     &recordingAudit{},
	}
	f.svc = NewService(f.users, f.provider, f.publisher, f.audit, metrics.NewNop(), zap.NewNop())
	f.svc.now = func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) }
	return f
}

func TestSync_CreatesThenUpdatesSameRecord(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t)
	f.provider.AddUser(identity.User{ID: "user_1", Email: "doc@example.com"}, "pw", "")

	first, err := f.svc.Sync(ctx, "user_1", Hint{Role: domain.RoleProvider, Specialty: "cardiology"})
	require.NoError(t, err)
	assert.Equal(t, domain.RoleProvider, first.Role)
	assert.Equal(t, "cardiology", first.Specialty)
	assert.Equal(t, "doc@example.com", first.Email)

	second, err := f.svc.Sync(ctx, "user_1", Hint{Role: domain.RoleProvider})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, f.users.rows, 1)

	ident, err := f.provider.GetUser(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, "PROVIDER", ident.PublicMetadata.String(identity.KeyRole))
	assert.Equal(t, true, ident.PublicMetadata[identity.KeyDBSynced])
	assert.Equal(t, first.ID.String(), ident.PublicMetadata.String(identity.KeyDBUserID))
	assert.Equal(t, "2026-03-01T09:00:00Z", ident.PublicMetadata.String(identity.KeyLastSyncCheck))

	require.Len(t, f.publisher.events, 2)
	assert.Equal(t, events.UserSynced, f.publisher.events[0].Type)
	require.Len(t, f.audit.entries, 2)
	assert.Equal(t, true, f.audit.entries[0].Details["created"])
	assert.Equal(t, false, f.audit.entries[1].Details["created"])
}

func TestSync_RoleRequiredOnCreate(t *testing.T) {
	f := newServiceFixture(t)
	f.provider.AddUser(identity.User{ID: "user_1", Email: "a@example.com"}, "pw", "")

	_, err := f.svc.Sync(context.Background(), "user_1", Hint{})
	var ve *service.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.True(t, IsPermanent(err))
	assert.Empty(t, f.users.rows)
}

func TestSync_RoleSources(t *testing.T) {
	tests := []struct {
		name     string
		public   identity.Metadata
		unsafe   identity.Metadata
		existing domain.Role
		hint     Hint
		want     domain.Role
		wantErr  bool
	}{
		{name: "hint creates", hint: Hint{Role: domain.RolePatient}, want: domain.RolePatient},
		{name: "unsafe metadata creates", unsafe: identity.Metadata{identity.KeyRole: "provider"}, want: domain.RoleProvider},
		{name: "public metadata beats hint", public: identity.Metadata{identity.KeyRole: "ADMIN"}, hint: Hint{Role: domain.RolePatient}, want: domain.RoleAdmin},
		{name: "claimed admin rejected", hint: Hint{Role: domain.RoleAdmin}, wantErr: true},
		{name: "claim cannot change existing role", existing: domain.RolePatient, hint: Hint{Role: domain.RoleProvider}, want: domain.RolePatient},
		{name: "public metadata changes existing role", existing: domain.RolePatient, public: identity.Metadata{identity.KeyRole: "PROVIDER"}, want: domain.RoleProvider},
		{name: "existing user needs no role", existing: domain.RoleAdmin, want: domain.RoleAdmin},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newServiceFixture(t)
			f.provider.AddUser(identity.User{
				ID:             "user_1",
				Email:          "a@example.com",
				PublicMetadata: tt.public,
				UnsafeMetadata: tt.unsafe,
			}, "pw", "")
			if tt.existing != "" {
				f.users.rows["user_1"] = &domain.User{ID: uuid.New(), ExternalID: "user_1", Role: tt.existing}
			}

			u, err := f.svc.Sync(context.Background(), "user_1", tt.hint)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, IsPermanent(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, u.Role)
		})
	}
}

func TestSync_SideEffectFailuresDoNotFail(t *testing.T) {
	f := newServiceFixture(t)
	f.provider.AddUser(identity.User{ID: "user_1", Email: "a@example.com"}, "pw", "")
	f.provider.UpdateMetadataErr = errors.New("provider rate limited")
	f.publisher.err = errors.New("kafka down")

	u, err := f.svc.Sync(context.Background(), "user_1", Hint{Role: domain.RolePatient})
	require.NoError(t, err)
	assert.Equal(t, domain.RolePatient, u.Role)
	assert.Equal(t, 1, f.provider.UpdateMetadataCalls)
}

func TestSync_Errors(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t)

	_, err := f.svc.Sync(ctx, "  ", Hint{Role: domain.RolePatient})
	var ve *service.ValidationError
	require.ErrorAs(t, err, &ve)

	_, err = f.svc.Sync(ctx, "user_1", Hint{Role: "NURSE"})
	require.ErrorAs(t, err, &ve)

	_, err = f.svc.Sync(ctx, "ghost", Hint{Role: domain.RolePatient})
	require.ErrorIs(t, err, ErrUnknownIdentity)

	f.provider.AddUser(identity.User{ID: "user_1", Email: "a@example.com"}, "pw", "")
	f.users.err = errors.New("connection reset")
	_, err = f.svc.Sync(ctx, "user_1", Hint{Role: domain.RolePatient})
	require.Error(t, err)
	assert.False(t, IsPermanent(err), "database failures are retryable")
	require.Len(t, f.audit.entries, 1)
	assert.Equal(t, "failure", f.audit.entries[0].Outcome)
}
