package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dmehra2102/prod-golang-projects/medportal/internal/config"
	"github.com/dmehra2102/prod-golang-projects/medportal/internal/domain"
	"github.com/dmehra2102/prod-golang-projects/medportal/internal/events"
	"github.com/dmehra2102/prod-golang-projects/medportal/internal/handoff"
	"github.com/dmehra2102/prod-golang-projects/medportal/internal/identity"
	"github.com/dmehra2102/prod-golang-projects/medportal/internal/identity/identitytest"
	"github.com/dmehra2102/prod-golang-projects/medportal/internal/router"
	"github.com/dmehra2102/prod-golang-projects/medportal/internal/service"
	"github.com/dmehra2102/prod-golang-projects/medportal/internal/session"
	"github.com/dmehra2102/prod-golang-projects/medportal/internal/usersync"
	jwtauth "github.com/dmehra2102/prod-golang-projects/medportal/pkg/auth"
	"github.com/dmehra2102/prod-golang-projects/medportal/pkg/metrics"
)

// stubSyncer answers with the user's role from its table, or fails with err.
type stubSyncer struct {
	mu    sync.Mutex
	roles map[string]domain.Role
	err   error
	hints []usersync.Hint
}

func (s *stubSyncer) Sync(_ context.Context, externalID string, hint usersync.Hint) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hints = append(s.hints, hint)
	if s.err != nil {
		return nil, s.err
	}
	role := s.roles[externalID]
	if role == "" {
		role = hint.Role
	}
	if role == "" {
		return nil, &service.ValidationError{Fields: []string{"role is required to create a user"}}
	}
	return &domain.User{ID: uuid.New(), ExternalID: externalID, Role: role}, nil
}

func (s *stubSyncer) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.hints)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []events.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Type
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type recordingAudit struct {
	mu      sync.Mutex
	entries []service.AuditEntry
}

func (a *recordingAudit) LogAsync(_ context.Context, e service.AuditEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
}

type fixture struct {
	facade    *Facade
	provider  *identitytest.Provider
	syncer    *stubSyncer
	retrier   *usersync.Retrier
	flows     *session.MemoryStore[Flow]
	sessions  *session.MemoryStore[session.Session]
	handoffs  *handoff.Store
	tokens    *jwtauth.JWTManager
	publisher *recordingPublisher
	audit     *recordingAudit
	metrics   *metrics.Collector
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fx := &fixture{
		provider:  identitytest.New(),
		syncer:    &stubSyncer{roles: map[string]domain.Role{}},
		flows:     session.NewMemoryStore[Flow](),
		sessions:  session.NewMemoryStore[session.Session](),
		handoffs:  handoff.NewStore(session.NewMemoryStore[handoff.Handoff](), time.Hour),
		publisher: &recordingPublisher{},
		audit:     &recordingAudit{},
		metrics:   metrics.NewNop(),
		tokens: jwtauth.NewJWTManager(config.JWTConfig{
			Secret:          "test-secret-that-is-long-enough-for-hs256",
			AccessTokenTTL:  15 * time.Minute,
			RefreshTokenTTL: time.Hour,
			Issuer:          "medportal-test",
		}),
	}
	fx.retrier = usersync.NewRetrier(fx.syncer, config.SyncConfig{
		MaxAttempts:     3,
		InitialInterval: 10 * time.Millisecond,
		Multiplier:      2,
	}, fx.metrics, zap.NewNop())

	fx.facade = NewFacade(Deps{
		Provider:   fx.provider,
		Syncer:     fx.retrier,
		Flows:      fx.flows,
		Sessions:   fx.sessions,
		Handoffs:   fx.handoffs,
		Tokens:     fx.tokens,
		Events:     fx.publisher,
		Audit:      fx.audit,
		Metrics:    fx.metrics,
		Log:        zap.NewNop(),
		FlowTTL:    10 * time.Minute,
		SessionTTL: time.Hour,
	})
	return fx
}

func (fx *fixture) addPatient(mfa ...identity.Strategy) {
	fx.provider.AddUser(identity.User{
		ID:             "user_pat",
		Email:          "pat@example.com",
		PublicMetadata: identity.Metadata{identity.KeyRole: "PATIENT"},
	}, "correct horse battery", "123456", mfa...)
}

func (fx *fixture) addProvider() {
	fx.provider.AddUser(identity.User{
		ID:             "user_doc",
		Email:          "doc@example.com",
		PublicMetadata: identity.Metadata{identity.KeyRole: "PROVIDER"},
	}, "correct horse battery", "654321", identity.StrategyTOTP, identity.StrategyEmailCode)
}

func TestHandleSignIn_MissingCredentials(t *testing.T) {
	fx := newFixture(t)
	fx.addPatient()

	inputs := []SignInInput{
		{Email: "", Password: "x"},
		{Email: "   ", Password: "x"},
		{Email: "pat@example.com", Password: ""},
		{Email: "pat@example.com", Password: "  \t"},
	}
	for _, in := range inputs {
		out, err := fx.facade.HandleSignIn(context.Background(), in)
		require.ErrorIs(t, err, ErrMissingCredentials)
		assert.Nil(t, out)
	}
	assert.Zero(t, fx.provider.SignInCalls)
	assert.Zero(t, fx.flows.Len())
}

func TestHandleSignIn_InvalidCredentials(t *testing.T) {
	fx := newFixture(t)
	fx.addPatient()

	_, err := fx.facade.HandleSignIn(context.Background(), SignInInput{Email: "pat@example.com", Password: "wrong"})
	require.ErrorIs(t, err, ErrInvalidCredentials)
	assert.Zero(t, fx.sessions.Len())
	assert.Equal(t, float64(1), testutil.ToFloat64(fx.metrics.SignInsTotal.WithLabelValues("invalid_credentials")))
}

func TestHandleSignIn_ProviderFailureIsGeneric(t *testing.T) {
	fx := newFixture(t)
	fx.addPatient()
	fx.provider.SignInErr = errors.New("dial tcp 10.0.0.7:443: connection refused")

	_, err := fx.facade.HandleSignIn(context.Background(), SignInInput{Email: "pat@example.com", Password: "correct horse battery"})
	require.ErrorIs(t, err, ErrProviderUnavailable)
	assert.NotContains(t, err.Error(), "10.0.0.7")
}

func TestHandleSignIn_CompleteWithoutMFA(t *testing.T) {
	fx := newFixture(t)
	fx.addPatient()

	out, err := fx.facade.HandleSignIn(context.Background(), SignInInput{Email: " pat@example.com ", Password: "correct horse battery"})
	require.NoError(t, err)

	assert.False(t, out.NeedsMFA)
	assert.Equal(t, "/patient/dashboard", out.RedirectTo)
	assert.Equal(t, domain.RolePatient, out.Role)
	assert.False(t, out.Degraded)
	require.NotNil(t, out.Session)
	require.NotNil(t, out.Tokens)
	assert.Empty(t, out.FlowID)
	assert.Equal(t, 1, fx.syncer.calls(), "redirect is only returned after sync settles")

	sess, err := fx.facade.CurrentSession(context.Background(), out.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RolePatient, sess.Role)
	assert.Equal(t, "user_pat", sess.ExternalUserID)
	assert.NotEqual(t, uuid.Nil, sess.UserID)

	claims, err := fx.tokens.ValidateAccessToken(out.Tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, domain.RolePatient, claims.Role)
	assert.Equal(t, sess.ID, claims.SessionID)
	assert.Equal(t, sess.UserID, claims.UserID)
}

func TestHandleSignIn_MFARequired(t *testing.T) {
	fx := newFixture(t)
	fx.addProvider()

	out, err := fx.facade.HandleSignIn(context.Background(), SignInInput{Email: "doc@example.com", Password: "correct horse battery"})
	require.NoError(t, err)

	assert.True(t, out.NeedsMFA)
	assert.Equal(t, identity.StrategyTOTP, out.MFAStrategy, "authenticator app is preferred")
	assert.Empty(t, out.RedirectTo)
	assert.Nil(t, out.Session)
	assert.NotEmpty(t, out.FlowID)
	assert.Equal(t, 1, fx.provider.PrepareCalls)
	assert.Zero(t, fx.syncer.calls())

	flow, err := fx.facade.PendingChallenge(context.Background(), out.FlowID)
	require.NoError(t, err)
	assert.Equal(t, StateMFARequired, flow.State)
	assert.True(t, flow.NeedsMFA)
}

func TestHandleSignIn_ReplacesPreviousFlow(t *testing.T) {
	fx := newFixture(t)
	fx.addProvider()
	ctx := context.Background()

	first, err := fx.facade.HandleSignIn(ctx, SignInInput{Email: "doc@example.com", Password: "correct horse battery"})
	require.NoError(t, err)
	second, err := fx.facade.HandleSignIn(ctx, SignInInput{FlowID: first.FlowID, Email: "doc@example.com", Password: "correct horse battery"})
	require.NoError(t, err)

	_, err = fx.facade.PendingChallenge(ctx, first.FlowID)
	require.ErrorIs(t, err, ErrNoMFAChallenge)
	_, err = fx.facade.PendingChallenge(ctx, second.FlowID)
	require.NoError(t, err)
}

func TestSubmitMFACode_FullFlow(t *testing.T) {
	fx := newFixture(t)
	fx.addProvider()
	ctx := context.Background()

	start, err := fx.facade.HandleSignIn(ctx, SignInInput{Email: "doc@example.com", Password: "correct horse battery"})
	require.NoError(t, err)
	require.True(t, start.NeedsMFA)

	// Wrong code: flow stays open and can be retried.
	_, err = fx.facade.SubmitMFACode(ctx, MFAInput{FlowID: start.FlowID, Code: "000000"})
	require.ErrorIs(t, err, ErrInvalidMFACode)
	assert.Equal(t, "invalid or expired code", err.Error())
	flow, err := fx.facade.PendingChallenge(ctx, start.FlowID)
	require.NoError(t, err)
	assert.Equal(t, StateMFAFailed, flow.State)

	out, err := fx.facade.SubmitMFACode(ctx, MFAInput{FlowID: start.FlowID, Code: " 654321 "})
	require.NoError(t, err)
	assert.False(t, out.NeedsMFA)
	assert.Equal(t, "/provider/dashboard", out.RedirectTo)
	assert.Equal(t, domain.RoleProvider, out.Role)
	require.NotNil(t, out.Session)

	// The flow is consumed by the session.
	_, err = fx.facade.PendingChallenge(ctx, start.FlowID)
	require.ErrorIs(t, err, ErrNoMFAChallenge)
	assert.Equal(t, float64(1), testutil.ToFloat64(fx.metrics.MFAAttemptsTotal.WithLabelValues("totp", "invalid")))
	assert.Equal(t, float64(1), testutil.ToFloat64(fx.metrics.MFAAttemptsTotal.WithLabelValues("totp", "success")))
}

func TestSubmitMFACode_MalformedCodes(t *testing.T) {
	fx := newFixture(t)
	fx.addProvider()
	ctx := context.Background()

	start, err := fx.facade.HandleSignIn(ctx, SignInInput{Email: "doc@example.com", Password: "correct horse battery"})
	require.NoError(t, err)

	for _, code := range []string{"", "12345", "1234567", "12a456", "١٢٣٤٥٦", "12 456"} {
		_, err := fx.facade.SubmitMFACode(ctx, MFAInput{FlowID: start.FlowID, Code: code})
		require.ErrorIs(t, err, ErrInvalidMFACode, "code %q", code)
	}
	assert.Zero(t, fx.provider.AttemptCalls)
}

func TestSubmitMFACode_NoChallenge(t *testing.T) {
	fx := newFixture(t)
	fx.addPatient()
	ctx := context.Background()

	_, err := fx.facade.SubmitMFACode(ctx, MFAInput{Code: "123456"})
	require.ErrorIs(t, err, ErrNoMFAChallenge)

	_, err = fx.facade.SubmitMFACode(ctx, MFAInput{FlowID: "missing", Code: "123456"})
	require.ErrorIs(t, err, ErrNoMFAChallenge)
	assert.Zero(t, fx.provider.AttemptCalls)
}

func TestSubmitMFACode_ExpiredFlow(t *testing.T) {
	fx := newFixture(t)
	fx.addProvider()
	ctx := context.Background()

	start, err := fx.facade.HandleSignIn(ctx, SignInInput{Email: "doc@example.com", Password: "correct horse battery"})
	require.NoError(t, err)

	fx.facade.now = func() time.Time { return time.Now().Add(11 * time.Minute) }
	_, err = fx.facade.SubmitMFACode(ctx, MFAInput{FlowID: start.FlowID, Code: "654321"})
	require.ErrorIs(t, err, ErrNoMFAChallenge)
}

func TestResendMFACode(t *testing.T) {
	fx := newFixture(t)
	fx.addPatient(identity.StrategyEmailCode)
	ctx := context.Background()

	start, err := fx.facade.HandleSignIn(ctx, SignInInput{Email: "pat@example.com", Password: "correct horse battery"})
	require.NoError(t, err)
	assert.Equal(t, identity.StrategyEmailCode, start.MFAStrategy)

	out, err := fx.facade.ResendMFACode(ctx, start.FlowID)
	require.NoError(t, err)
	assert.Equal(t, identity.StrategyEmailCode, out.MFAStrategy)
	assert.Equal(t, 2, fx.provider.PrepareCalls)

	_, err = fx.facade.ResendMFACode(ctx, "missing")
	require.ErrorIs(t, err, ErrNoMFAChallenge)
}

func TestResolveRole_HandoffHintFeedsSync(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.provider.AddUser(identity.User{ID: "user_new", Email: "new@example.com"}, "correct horse battery", "")

	require.NoError(t, fx.handoffs.Put(ctx, "h1", &handoff.Handoff{
		PendingRole:      domain.RoleProvider,
		PendingSpecialty: "cardiology",
	}))

	out, err := fx.facade.HandleSignIn(ctx, SignInInput{HandoffID: "h1", Email: "new@example.com", Password: "correct horse battery"})
	require.NoError(t, err)
	assert.Equal(t, domain.RoleProvider, out.Role)

	require.Len(t, fx.syncer.hints, 1)
	assert.Equal(t, usersync.Hint{Role: domain.RoleProvider, Specialty: "cardiology"}, fx.syncer.hints[0])

	h, err := fx.handoffs.Get(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, handoff.SyncDone, h.UserSyncStatus)
	assert.Empty(t, h.PendingRole)
}

func TestResolveRole_MetadataRoleBeatsHandoff(t *testing.T) {
	fx := newFixture(t)
	fx.addPatient()
	ctx := context.Background()
	require.NoError(t, fx.handoffs.Put(ctx, "h1", &handoff.Handoff{PendingRole: domain.RoleAdmin}))

	_, err := fx.facade.HandleSignIn(ctx, SignInInput{HandoffID: "h1", Email: "pat@example.com", Password: "correct horse battery"})
	require.NoError(t, err)
	require.Len(t, fx.syncer.hints, 1)
	assert.Equal(t, domain.RolePatient, fx.syncer.hints[0].Role)
}

func TestResolveRole_SyncFailureFallsBackToMetadata(t *testing.T) {
	fx := newFixture(t)
	fx.addPatient()
	fx.syncer.err = errors.New("database unavailable")
	ctx := context.Background()

	out, err := fx.facade.HandleSignIn(ctx, SignInInput{HandoffID: "h1", Email: "pat@example.com", Password: "correct horse battery"})
	require.NoError(t, err)

	assert.Equal(t, 3, fx.syncer.calls())
	assert.True(t, out.Degraded)
	assert.Equal(t, domain.RolePatient, out.Role)
	assert.Equal(t, "/patient/dashboard", out.RedirectTo)
	assert.Equal(t, uuid.Nil, out.Session.UserID)
	assert.Equal(t, float64(1), testutil.ToFloat64(fx.metrics.RoleResolutions.WithLabelValues("metadata")))

	h, err := fx.handoffs.Get(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, handoff.SyncFailed, h.UserSyncStatus)
}

func TestResolveRole_UnsafeAdminIsNotTrustedWithoutSync(t *testing.T) {
	fx := newFixture(t)
	fx.provider.AddUser(identity.User{
		ID:             "user_x",
		Email:          "x@example.com",
		UnsafeMetadata: identity.Metadata{identity.KeyRole: "ADMIN"},
	}, "correct horse battery", "")
	fx.syncer.err = errors.New("database unavailable")

	out, err := fx.facade.HandleSignIn(context.Background(), SignInInput{Email: "x@example.com", Password: "correct horse battery"})
	require.ErrorIs(t, err, ErrNoRole)
	assert.Equal(t, router.NoRoleRedirect, out.RedirectTo)
	assert.Nil(t, out.Session)
}

func TestResolveRole_HandoffRoleIsOnlyASyncHint(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.provider.AddUser(identity.User{ID: "user_new", Email: "new@example.com"}, "correct horse battery", "")
	require.NoError(t, fx.handoffs.Put(ctx, "h1", &handoff.Handoff{PendingRole: domain.RoleProvider}))
	fx.syncer.err = errors.New("database unavailable")

	out, err := fx.facade.HandleSignIn(ctx, SignInInput{HandoffID: "h1", Email: "new@example.com", Password: "correct horse battery"})
	require.ErrorIs(t, err, ErrNoRole)
	assert.Equal(t, router.NoRoleRedirect, out.RedirectTo)
	assert.Nil(t, out.Session)

	require.Equal(t, 3, fx.syncer.calls())
	assert.Equal(t, domain.RoleProvider, fx.syncer.hints[0].Role, "the claimed role still reaches sync")
	assert.Zero(t, fx.sessions.Len())
}

func TestResolveRole_NoRoleForcesSignOut(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.provider.AddUser(identity.User{ID: "user_norole", Email: "nr@example.com"}, "correct horse battery", "")

	out, err := fx.facade.HandleSignIn(ctx, SignInInput{HandoffID: "h1", Email: "nr@example.com", Password: "correct horse battery"})
	require.ErrorIs(t, err, ErrNoRole)
	require.NotNil(t, out)
	assert.Equal(t, "/auth/login?error=no_role_found", out.RedirectTo)
	assert.Nil(t, out.Session)
	assert.Nil(t, out.Tokens)

	assert.Equal(t, 1, fx.syncer.calls(), "a missing role is permanent and not retried")
	assert.Equal(t, 1, fx.provider.SignOutCalls)
	assert.Zero(t, fx.provider.ActiveSessions())
	assert.Zero(t, fx.sessions.Len(), "no session exists without a role")
	assert.Contains(t, fx.publisher.types(), events.SessionForcedOut)

	h, err := fx.handoffs.Get(ctx, "h1")
	require.NoError(t, err)
	assert.False(t, h.LastSessionCleanAttempt.IsZero())
}

func TestResolveRole_CancelledContextCreatesNoSession(t *testing.T) {
	fx := newFixture(t)
	fx.addPatient()
	fx.syncer.err = errors.New("HTTP 503")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := fx.facade.HandleSignIn(ctx, SignInInput{Email: "pat@example.com", Password: "correct horse battery"})
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, fx.sessions.Len())
}

func TestSignOut(t *testing.T) {
	fx := newFixture(t)
	fx.addPatient()
	ctx := context.Background()

	in, err := fx.facade.HandleSignIn(ctx, SignInInput{HandoffID: "h1", Email: "pat@example.com", Password: "correct horse battery"})
	require.NoError(t, err)
	require.Equal(t, 1, fx.provider.ActiveSessions())

	out := fx.facade.SignOut(ctx, SignOutInput{SessionID: in.Session.ID, HandoffID: "h1"})
	assert.Equal(t, router.LoginRoute, out.RedirectTo)

	_, err = fx.facade.CurrentSession(ctx, in.Session.ID)
	require.ErrorIs(t, err, ErrNoSession)
	assert.Zero(t, fx.provider.ActiveSessions())
	assert.Contains(t, fx.publisher.types(), events.SessionSignedOut)

	h, err := fx.handoffs.Get(ctx, "h1")
	require.NoError(t, err)
	assert.Empty(t, h.UserSyncStatus)
}

func TestSignOut_AlwaysSucceeds(t *testing.T) {
	fx := newFixture(t)
	fx.addPatient()
	ctx := context.Background()

	in, err := fx.facade.HandleSignIn(ctx, SignInInput{Email: "pat@example.com", Password: "correct horse battery"})
	require.NoError(t, err)
	fx.provider.SignOutErr = errors.New("provider down")

	out := fx.facade.SignOut(ctx, SignOutInput{SessionID: in.Session.ID, FlowID: "stale"})
	assert.Equal(t, router.LoginRoute, out.RedirectTo)
	_, err = fx.facade.CurrentSession(ctx, in.Session.ID)
	require.ErrorIs(t, err, ErrNoSession, "local session is cleared even when the provider fails")

	// Nothing to sign out of.
	out = fx.facade.SignOut(ctx, SignOutInput{})
	assert.Equal(t, router.LoginRoute, out.RedirectTo)
}

func TestSignOut_AbandonsPendingChallenge(t *testing.T) {
	fx := newFixture(t)
	fx.addProvider()
	ctx := context.Background()

	start, err := fx.facade.HandleSignIn(ctx, SignInInput{Email: "doc@example.com", Password: "correct horse battery"})
	require.NoError(t, err)

	fx.facade.SignOut(ctx, SignOutInput{FlowID: start.FlowID})
	_, err = fx.facade.SubmitMFACode(ctx, MFAInput{FlowID: start.FlowID, Code: "654321"})
	require.ErrorIs(t, err, ErrNoMFAChallenge)
}

func TestCurrentSession_Expired(t *testing.T) {
	fx := newFixture(t)
	fx.addPatient()
	ctx := context.Background()

	in, err := fx.facade.HandleSignIn(ctx, SignInInput{Email: "pat@example.com", Password: "correct horse battery"})
	require.NoError(t, err)

	fx.facade.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = fx.facade.CurrentSession(ctx, in.Session.ID)
	require.ErrorIs(t, err, ErrNoSession)
}
