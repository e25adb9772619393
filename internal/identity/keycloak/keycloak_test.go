package keycloak

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dmehra2102/prod-golang-projects/medportal/internal/domain"
	"github.com/dmehra2102/prod-golang-projects/medportal/internal/identity"
)

func TestRoleFromClaims(t *testing.T) {
	tests := []struct {
		name   string
		claims map[string]any
		path   string
		want   domain.Role
	}{
		{
			name: "realm roles list",
			claims: map[string]any{"realm_access": map[string]any{
				"roles": []any{"offline_access", "uma_authorization", "provider"},
			}},
			path: "realm_access.roles",
			want: domain.RoleProvider,
		},
		{
			name:   "flat string claim",
			claims: map[string]any{"role": "ADMIN"},
			path:   "role",
			want:   domain.RoleAdmin,
		},
		{
			name:   "missing path",
			claims: map[string]any{"realm_access": "nope"},
			path:   "realm_access.roles",
			want:   "",
		},
		{
			name: "no portal role",
			claims: map[string]any{"realm_access": map[string]any{
				"roles": []any{"offline_access"},
			}},
			path: "realm_access.roles",
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RoleFromClaims(tt.claims, tt.path))
		})
	}
}

func newCachedProvider() *Provider {
	return &Provider{
		log:      zap.NewNop(),
		users:    gocache.New(time.Minute, time.Minute),
		sessions: gocache.New(time.Minute, time.Minute),
	}
}

func TestUpdateMetadata_KeepsRealmRole(t *testing.T) {
	ctx := context.Background()
	p := newCachedProvider()
	p.users.SetDefault("sub-1", &identity.User{
		ID:             "sub-1",
		Email:          "doc@example.com",
		PublicMetadata: identity.Metadata{identity.KeyRole: "PROVIDER"},
	})

	err := p.UpdateMetadata(ctx, "sub-1", identity.Metadata{
		identity.KeyRole:     "ADMIN",
		identity.KeyDBSynced: true,
	})
	require.NoError(t, err)

	u, err := p.GetUser(ctx, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleProvider, u.Role())
	assert.Equal(t, true, u.PublicMetadata[identity.KeyDBSynced])

	require.ErrorIs(t, p.UpdateMetadata(ctx, "unknown", nil), identity.ErrUserNotFound)
	_, err = p.GetUser(ctx, "unknown")
	require.ErrorIs(t, err, identity.ErrUserNotFound)
}

func TestSecondFactorUnsupported(t *testing.T) {
	ctx := context.Background()
	p := newCachedProvider()

	require.ErrorIs(t, p.PrepareSecondFactor(ctx, "a", identity.StrategyTOTP), identity.ErrUnsupported)
	_, err := p.AttemptSecondFactor(ctx, "a", identity.StrategyTOTP, "123456")
	require.ErrorIs(t, err, identity.ErrUnsupported)
	// Unknown sessions sign out as a no-op.
	require.NoError(t, p.SignOut(ctx, "missing"))
}

func TestAdminBase(t *testing.T) {
	assert.Equal(t, "https://sso.example.com/admin/realms/portal", AdminBase("https://sso.example.com/realms/portal/"))
	assert.Equal(t, "https://sso.example.com/auth/admin/realms/portal", AdminBase("https://sso.example.com/auth/realms/portal"))
	assert.Empty(t, AdminBase("https://sso.example.com/"))
}

// adminServer fakes the token endpoint and the admin users API for a realm
// holding one enabled provider and one disabled account.
func adminServer(t *testing.T, lookups *atomic.Int32) *httptest.Server {
	t.Helper()
	writeJSON := func(w http.ResponseWriter, v any) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/realms/portal/protocol/openid-connect/token", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"access_token": "svc-token", "token_type": "Bearer", "expires_in": 300})
	})
	authorized := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer svc-token" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			next(w, r)
		}
	}
	mux.HandleFunc("/admin/realms/portal/users/sub-9", authorized(func(w http.ResponseWriter, r *http.Request) {
		lookups.Add(1)
		writeJSON(w, map[string]any{"id": "sub-9", "email": "doc@example.com", "emailVerified": true, "enabled": true})
	}))
	mux.HandleFunc("/admin/realms/portal/users/sub-9/role-mappings/realm/composite", authorized(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []map[string]any{{"name": "offline_access"}, {"name": "provider"}})
	}))
	mux.HandleFunc("/admin/realms/portal/users/sub-off", authorized(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"id": "sub-off", "email": "gone@example.com", "enabled": false})
	}))

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestGetUser_FallsBackToAdminAPI(t *testing.T) {
	ctx := context.Background()
	var lookups atomic.Int32
	srv := adminServer(t, &lookups)

	p := newCachedProvider()
	p.admin = adminClient(srv.URL+"/realms/portal/protocol/openid-connect/token", "portal", "s3cret", srv.Client())
	p.adminBase = AdminBase(srv.URL + "/realms/portal")

	// A replica that never saw the sign-in still resolves the user.
	u, err := p.GetUser(ctx, "sub-9")
	require.NoError(t, err)
	assert.Equal(t, "doc@example.com", u.Email)
	assert.True(t, u.EmailVerified)
	assert.Equal(t, domain.RoleProvider, u.Role())

	_, err = p.GetUser(ctx, "sub-9")
	require.NoError(t, err)
	assert.Equal(t, int32(1), lookups.Load(), "second lookup is served from the cache")

	require.NoError(t, p.UpdateMetadata(ctx, "sub-9", identity.Metadata{identity.KeyDBSynced: true}))
	u, err = p.GetUser(ctx, "sub-9")
	require.NoError(t, err)
	assert.Equal(t, true, u.PublicMetadata[identity.KeyDBSynced])

	_, err = p.GetUser(ctx, "sub-missing")
	require.ErrorIs(t, err, identity.ErrUserNotFound)
	_, err = p.GetUser(ctx, "sub-off")
	require.ErrorIs(t, err, identity.ErrUserNotFound)
}

func TestGetUser_AdminAPIFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	p := newCachedProvider()
	p.admin = srv.Client()
	p.adminBase = AdminBase(srv.URL + "/realms/portal")

	_, err := p.GetUser(context.Background(), "sub-9")
	require.Error(t, err)
	assert.NotErrorIs(t, err, identity.ErrUserNotFound)
}
