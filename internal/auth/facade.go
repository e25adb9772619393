// Package auth drives the sign-in flow: credentials, an optional second
// factor, role resolution through user sync, and app-session creation. It owns
// no credentials itself; every identity fact comes from the identity provider.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/dmehra2102/prod-golang-projects/medportal/internal/domain"
	"github.com/dmehra2102/prod-golang-projects/medportal/internal/events"
	"github.com/dmehra2102/prod-golang-projects/medportal/internal/handoff"
	"github.com/dmehra2102/prod-golang-projects/medportal/internal/identity"
	"github.com/dmehra2102/prod-golang-projects/medportal/internal/router"
	"github.com/dmehra2102/prod-golang-projects/medportal/internal/service"
	"github.com/dmehra2102/prod-golang-projects/medportal/internal/session"
	"github.com/dmehra2102/prod-golang-projects/medportal/internal/usersync"
	"github.com/dmehra2102/prod-golang-projects/medportal/pkg/metrics"
)

type TokenIssuer interface {
	GenerateTokenPair(claims *domain.Claims) (*domain.TokenPair, error)
}

type AuditLogger interface {
	LogAsync(ctx context.Context, entry service.AuditEntry)
}

// Deps are the collaborators of a Facade.
type Deps struct {
	Provider identity.Provider
	Syncer   usersync.Syncer
	Flows    session.Store[Flow]
	Sessions session.Store[session.Session]
	Handoffs *handoff.Store
	Tokens   TokenIssuer
	Events   events.Publisher
	Audit    AuditLogger
	Metrics  *metrics.Collector
	Log      *zap.Logger

	FlowTTL    time.Duration
	SessionTTL time.Duration
}

type Facade struct {
	provider identity.Provider
	syncer   usersync.Syncer
	flows    session.Store[Flow]
	sessions session.Store[session.Session]
	handoffs *handoff.Store
	tokens   TokenIssuer
	events   events.Publisher
	audit    AuditLogger
	metrics  *metrics.Collector
	log      *zap.Logger

	flowTTL    time.Duration
	sessionTTL time.Duration
	now        func() time.Time
}

func NewFacade(d Deps) *Facade {
	return &Facade{
		provider:   d.Provider,
		syncer:     d.Syncer,
		flows:      d.Flows,
		sessions:   d.Sessions,
		handoffs:   d.Handoffs,
		tokens:     d.Tokens,
		events:     d.Events,
		audit:      d.Audit,
		metrics:    d.Metrics,
		log:        d.Log,
		flowTTL:    d.FlowTTL,
		sessionTTL: d.SessionTTL,
		now:        time.Now,
	}
}

// RequestMeta identifies the caller for audit records.
type RequestMeta struct {
	IPAddress string
	UserAgent string
	RequestID string
}

type SignInInput struct {
	FlowID    string
	HandoffID string
	Email     string
	Password  string
	Meta      RequestMeta
}

type MFAInput struct {
	FlowID    string
	HandoffID string
	Code      string
	Meta      RequestMeta
}

type SignOutInput struct {
	SessionID string
	FlowID    string
	HandoffID string
	Meta      RequestMeta
}

// Outcome reports where a sign-in step left the caller. FlowID is set while
// a second factor is pending; Session and Tokens are set once a role is
// resolved. RedirectTo is empty while the caller should stay on the page.
type Outcome struct {
	NeedsMFA    bool              `json:"needsMfa"`
	MFAStrategy identity.Strategy `json:"mfaStrategy,omitempty"`
	RedirectTo  string            `json:"redirectTo,omitempty"`
	Role        domain.Role       `json:"role,omitempty"`
	Degraded    bool              `json:"degraded,omitempty"`
	Tokens      *domain.TokenPair `json:"tokens,omitempty"`
	FlowID      string            `json:"-"`
	Session     *session.Session  `json:"-"`
}

// HandleSignIn verifies credentials. It either starts a second-factor
// challenge or resolves the role and opens an app session.
func (f *Facade) HandleSignIn(ctx context.Context, in SignInInput) (*Outcome, error) {
	ctx, span := otel.Tracer("auth").Start(ctx, "auth.HandleSignIn")
	defer span.End()

	email := strings.TrimSpace(in.Email)
	if email == "" || strings.TrimSpace(in.Password) == "" {
		return nil, ErrMissingCredentials
	}

	if in.FlowID != "" {
		// A new sign-in replaces any flow this browser left behind.
		_ = f.flows.Delete(ctx, in.FlowID)
	}

	flow, err := f.newFlow()
	if err != nil {
		return nil, err
	}
	if err := flow.Transition(StateCredentialsSubmitted); err != nil {
		return nil, err
	}

	attempt, err := f.provider.SignIn(ctx, email, in.Password)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidCredentials) {
			f.metrics.SignInsTotal.WithLabelValues("invalid_credentials").Inc()
			f.audit.LogAsync(ctx, f.auditEntry(in.Meta, "", "", domain.ActionSignIn, "failure",
				map[string]any{"reason": "invalid_credentials"}))
			return nil, ErrInvalidCredentials
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "provider sign-in failed")
		f.metrics.SignInsTotal.WithLabelValues("error").Inc()
		f.log.Error("identity provider sign-in failed", zap.Error(err))
		return nil, ErrProviderUnavailable
	}

	switch attempt.Status {
	case identity.StatusNeedsSecondFactor:
		return f.startChallenge(ctx, flow, attempt)
	case identity.StatusComplete:
		flow.ExternalUserID = attempt.UserID
		flow.ProviderSessionID = attempt.SessionID
		if err := flow.Transition(StateRoleResolving); err != nil {
			return nil, err
		}
		return f.resolveRole(ctx, flow, in.HandoffID, domain.ActionSignIn, in.Meta)
	default:
		f.log.Error("unexpected sign-in status", zap.String("status", string(attempt.Status)))
		return nil, ErrProviderUnavailable
	}
}

func (f *Facade) startChallenge(ctx context.Context, flow *Flow, attempt *identity.SignInAttempt) (*Outcome, error) {
	strategy := identity.PreferredStrategy(attempt.SupportedStrategies)
	if strategy == "" {
		f.log.Error("no supported second factor offered",
			zap.String("attempt_id", attempt.ID),
			zap.Any("strategies", attempt.SupportedStrategies),
		)
		return nil, ErrProviderUnavailable
	}

	if err := f.provider.PrepareSecondFactor(ctx, attempt.ID, strategy); err != nil {
		f.log.Error("failed to prepare second factor", zap.String("strategy", string(strategy)), zap.Error(err))
		return nil, ErrProviderUnavailable
	}

	if err := flow.Transition(StateMFARequired); err != nil {
		return nil, err
	}
	flow.NeedsMFA = true
	flow.MFAStrategy = strategy
	flow.AttemptID = attempt.ID

	if err := f.flows.Put(ctx, flow.ID, flow, f.flowTTL); err != nil {
		f.log.Error("failed to store sign-in flow", zap.Error(err))
		return nil, ErrProviderUnavailable
	}

	f.metrics.SignInsTotal.WithLabelValues("mfa_required").Inc()
	return &Outcome{NeedsMFA: true, MFAStrategy: strategy, FlowID: flow.ID}, nil
}

// SubmitMFACode completes a pending challenge. A wrong code leaves the flow
// open for another try.
func (f *Facade) SubmitMFACode(ctx context.Context, in MFAInput) (*Outcome, error) {
	ctx, span := otel.Tracer("auth").Start(ctx, "auth.SubmitMFACode")
	defer span.End()

	flow, err := f.PendingChallenge(ctx, in.FlowID)
	if err != nil {
		return nil, err
	}

	code := strings.TrimSpace(in.Code)
	if !isSixDigits(code) {
		return nil, ErrInvalidMFACode
	}

	attempt, err := f.provider.AttemptSecondFactor(ctx, flow.AttemptID, flow.MFAStrategy, code)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrInvalidCode):
			f.metrics.MFAAttemptsTotal.WithLabelValues(string(flow.MFAStrategy), "invalid").Inc()
			if terr := flow.Transition(StateMFAFailed); terr != nil {
				return nil, terr
			}
			f.saveFlow(ctx, flow)
			f.audit.LogAsync(ctx, f.auditEntry(in.Meta, "", "", domain.ActionMFAVerify, "failure",
				map[string]any{"strategy": string(flow.MFAStrategy)}))
			return nil, ErrInvalidMFACode
		case errors.Is(err, identity.ErrAttemptNotFound):
			f.metrics.MFAAttemptsTotal.WithLabelValues(string(flow.MFAStrategy), "expired").Inc()
			_ = f.flows.Delete(ctx, flow.ID)
			return nil, ErrNoMFAChallenge
		default:
			span.RecordError(err)
			span.SetStatus(codes.Error, "second factor attempt failed")
			f.log.Error("identity provider second factor failed", zap.Error(err))
			return nil, ErrProviderUnavailable
		}
	}
	if attempt.Status != identity.StatusComplete {
		f.log.Error("second factor did not complete sign-in", zap.String("status", string(attempt.Status)))
		return nil, ErrProviderUnavailable
	}

	f.metrics.MFAAttemptsTotal.WithLabelValues(string(flow.MFAStrategy), "success").Inc()
	if err := flow.Transition(StateMFAVerified); err != nil {
		return nil, err
	}
	flow.NeedsMFA = false
	flow.ExternalUserID = attempt.UserID
	flow.ProviderSessionID = attempt.SessionID
	if err := flow.Transition(StateRoleResolving); err != nil {
		return nil, err
	}
	return f.resolveRole(ctx, flow, in.HandoffID, domain.ActionMFAVerify, in.Meta)
}

// ResendMFACode re-issues the challenge for the flow's strategy.
func (f *Facade) ResendMFACode(ctx context.Context, flowID string) (*Outcome, error) {
	flow, err := f.PendingChallenge(ctx, flowID)
	if err != nil {
		return nil, err
	}
	if err := f.provider.PrepareSecondFactor(ctx, flow.AttemptID, flow.MFAStrategy); err != nil {
		if errors.Is(err, identity.ErrAttemptNotFound) {
			_ = f.flows.Delete(ctx, flow.ID)
			return nil, ErrNoMFAChallenge
		}
		f.log.Error("failed to resend second factor", zap.Error(err))
		return nil, ErrProviderUnavailable
	}
	return &Outcome{NeedsMFA: true, MFAStrategy: flow.MFAStrategy, FlowID: flow.ID}, nil
}

// PendingChallenge returns the flow for flowID if it is waiting for a code.
func (f *Facade) PendingChallenge(ctx context.Context, flowID string) (*Flow, error) {
	if flowID == "" {
		return nil, ErrNoMFAChallenge
	}
	flow, err := f.flows.Get(ctx, flowID)
	if errors.Is(err, session.ErrNotFound) {
		return nil, ErrNoMFAChallenge
	}
	if err != nil {
		f.log.Error("failed to load sign-in flow", zap.Error(err))
		return nil, ErrProviderUnavailable
	}
	if !flow.AwaitingMFA() || !f.now().Before(flow.ExpiresAt) {
		return nil, ErrNoMFAChallenge
	}
	return flow, nil
}

// resolveRole runs user sync and opens an app session for the resolved role,
// or signs the caller out when no role can be found. The caller is only
// redirected after sync has settled.
func (f *Facade) resolveRole(ctx context.Context, flow *Flow, handoffID string, action domain.AuditAction, meta RequestMeta) (*Outcome, error) {
	ctx, span := otel.Tracer("auth").Start(ctx, "auth.resolveRole")
	defer span.End()
	span.SetAttributes(attribute.String("user.external_id", flow.ExternalUserID))

	var email string
	var metadataRole, fallbackRole domain.Role
	ident, err := f.provider.GetUser(ctx, flow.ExternalUserID)
	if err != nil {
		f.log.Warn("failed to read identity metadata", zap.String("external_id", flow.ExternalUserID), zap.Error(err))
	} else {
		email = ident.Email
		metadataRole = ident.Role()
		fallbackRole = fallbackMetadataRole(ident)
	}

	h, err := f.handoffs.Get(ctx, handoffID)
	if err != nil {
		f.log.Warn("failed to read handoff", zap.Error(err))
		h = &handoff.Handoff{}
	}
	hint := usersync.Hint{Role: metadataRole, Specialty: h.PendingSpecialty}
	if hint.Role == "" {
		hint.Role = h.PendingRole
	}
	f.updateHandoff(ctx, handoffID, func(h *handoff.Handoff) { h.UserSyncStatus = handoff.SyncPending })

	user, syncErr := f.syncer.Sync(ctx, flow.ExternalUserID, hint)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("role resolution abandoned: %w", ctxErr)
	}

	var userID uuid.UUID
	switch {
	case syncErr == nil && user.Role != "":
		flow.Role = user.Role
		userID = user.ID
		if email == "" {
			email = user.Email
		}
		f.metrics.RoleResolutions.WithLabelValues("sync").Inc()
		f.updateHandoff(ctx, handoffID, func(h *handoff.Handoff) {
			h.UserSyncStatus = handoff.SyncDone
			h.PendingRole = ""
			h.PendingSpecialty = ""
		})
	case fallbackRole != "":
		// Only identity metadata backs a degraded session. A role that exists
		// solely in the handoff is a claim and needs a successful sync.
		flow.Role = fallbackRole
		flow.Degraded = true
		f.metrics.RoleResolutions.WithLabelValues("metadata").Inc()
		f.log.Warn("user sync failed, using role from identity metadata",
			zap.String("external_id", flow.ExternalUserID),
			zap.String("role", string(fallbackRole)),
			zap.Error(syncErr),
		)
		f.updateHandoff(ctx, handoffID, func(h *handoff.Handoff) { h.UserSyncStatus = handoff.SyncFailed })
	default:
		f.metrics.RoleResolutions.WithLabelValues("none").Inc()
		if syncErr != nil {
			span.RecordError(syncErr)
		}
		return f.forceSignOut(ctx, flow, handoffID, meta, syncErr)
	}

	if err := flow.Transition(StateRoleResolved); err != nil {
		return nil, err
	}

	sess, err := f.openSession(ctx, flow, userID, email)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "session creation failed")
		f.log.Error("failed to open session", zap.String("external_id", flow.ExternalUserID), zap.Error(err))
		return nil, ErrProviderUnavailable
	}
	_ = f.flows.Delete(ctx, flow.ID)

	tokens, err := f.tokens.GenerateTokenPair(&domain.Claims{
		UserID:     userID,
		ExternalID: flow.ExternalUserID,
		Email:      email,
		Role:       flow.Role,
		SessionID:  sess.ID,
	})
	if err != nil {
		f.log.Error("failed to issue tokens", zap.Error(err))
		return nil, ErrProviderUnavailable
	}

	f.metrics.SignInsTotal.WithLabelValues("success").Inc()
	f.audit.LogAsync(ctx, f.auditEntry(meta, flow.ExternalUserID, flow.Role, action, "success",
		map[string]any{"degraded": flow.Degraded}))
	f.log.Info("sign-in complete",
		zap.String("external_id", flow.ExternalUserID),
		zap.String("role", string(flow.Role)),
		zap.Bool("degraded", flow.Degraded),
	)

	return &Outcome{
		RedirectTo: router.LandingRoute(flow.Role),
		Role:       flow.Role,
		Degraded:   flow.Degraded,
		Tokens:     tokens,
		Session:    sess,
	}, nil
}

func (f *Facade) openSession(ctx context.Context, flow *Flow, userID uuid.UUID, email string) (*session.Session, error) {
	id, err := session.GenerateID()
	if err != nil {
		return nil, err
	}
	now := f.now().UTC()
	sess := &session.Session{
		ID:                id,
		UserID:            userID,
		ExternalUserID:    flow.ExternalUserID,
		Email:             email,
		Role:              flow.Role,
		ProviderSessionID: flow.ProviderSessionID,
		Degraded:          flow.Degraded,
		CreatedAt:         now,
		ExpiresAt:         now.Add(f.sessionTTL),
	}
	if err := f.sessions.Put(ctx, id, sess, f.sessionTTL); err != nil {
		return nil, fmt.Errorf("storing session: %w", err)
	}
	return sess, nil
}

// forceSignOut ends a sign-in that resolved no role. The provider session is
// revoked so the caller cannot hold a roleless identity.
func (f *Facade) forceSignOut(ctx context.Context, flow *Flow, handoffID string, meta RequestMeta, cause error) (*Outcome, error) {
	if err := flow.Transition(StateRoleMissing); err != nil {
		return nil, err
	}

	if flow.ProviderSessionID != "" {
		if err := f.provider.SignOut(ctx, flow.ProviderSessionID); err != nil {
			f.log.Warn("failed to revoke provider session", zap.Error(err))
		}
	}
	_ = f.flows.Delete(ctx, flow.ID)
	f.updateHandoff(ctx, handoffID, func(h *handoff.Handoff) {
		h.UserSyncStatus = handoff.SyncFailed
		h.LastSessionCleanAttempt = f.now().UTC()
	})
	_ = flow.Transition(StateUnauthenticated)

	f.metrics.SignOutsTotal.WithLabelValues("no_role").Inc()
	f.publish(ctx, events.Event{Type: events.SessionForcedOut, ExternalUserID: flow.ExternalUserID})
	f.audit.LogAsync(ctx, f.auditEntry(meta, flow.ExternalUserID, "", domain.ActionForcedLogout, "success",
		map[string]any{"reason": "no_role"}))
	f.log.Warn("no role resolved, signed out",
		zap.String("external_id", flow.ExternalUserID),
		zap.NamedError("sync_error", cause),
	)

	return &Outcome{RedirectTo: router.NoRoleRedirect}, ErrNoRole
}

// SignOut clears local bookkeeping, then revokes the provider session. It
// never fails: every step is best effort.
func (f *Facade) SignOut(ctx context.Context, in SignOutInput) *Outcome {
	ctx, span := otel.Tracer("auth").Start(ctx, "auth.SignOut")
	defer span.End()

	var sess *session.Session
	if in.SessionID != "" {
		s, err := f.sessions.Get(ctx, in.SessionID)
		if err == nil {
			sess = s
		}
		if err := f.sessions.Delete(ctx, in.SessionID); err != nil {
			f.log.Warn("failed to delete session", zap.Error(err))
		}
	}

	providerSessionID := ""
	if sess != nil {
		providerSessionID = sess.ProviderSessionID
	}
	if in.FlowID != "" {
		if flow, err := f.flows.Get(ctx, in.FlowID); err == nil && providerSessionID == "" {
			providerSessionID = flow.ProviderSessionID
		}
		_ = f.flows.Delete(ctx, in.FlowID)
	}

	f.updateHandoff(ctx, in.HandoffID, func(h *handoff.Handoff) {
		h.UserSyncStatus = ""
		h.LastSessionCleanAttempt = f.now().UTC()
	})

	if providerSessionID != "" {
		if err := f.provider.SignOut(ctx, providerSessionID); err != nil {
			f.log.Warn("provider sign-out failed", zap.Error(err))
		}
	}

	f.metrics.SignOutsTotal.WithLabelValues("user").Inc()
	if sess != nil {
		f.publish(ctx, events.Event{
			Type:           events.SessionSignedOut,
			ExternalUserID: sess.ExternalUserID,
			UserID:         uuidString(sess.UserID),
			Role:           string(sess.Role),
		})
		f.audit.LogAsync(ctx, f.auditEntry(in.Meta, sess.ExternalUserID, sess.Role, domain.ActionSignOut, "success", nil))
	}

	return &Outcome{RedirectTo: router.LoginRoute}
}

// CurrentSession returns the live app session for id.
func (f *Facade) CurrentSession(ctx context.Context, id string) (*session.Session, error) {
	if id == "" {
		return nil, ErrNoSession
	}
	sess, err := f.sessions.Get(ctx, id)
	if errors.Is(err, session.ErrNotFound) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	if sess.Expired(f.now()) {
		_ = f.sessions.Delete(ctx, id)
		return nil, ErrNoSession
	}
	return sess, nil
}

func (f *Facade) newFlow() (*Flow, error) {
	id, err := session.GenerateID()
	if err != nil {
		return nil, err
	}
	now := f.now().UTC()
	return &Flow{
		ID:        id,
		State:     StateUnauthenticated,
		CreatedAt: now,
		ExpiresAt: now.Add(f.flowTTL),
	}, nil
}

// saveFlow writes flow back for the rest of its original lifetime.
func (f *Facade) saveFlow(ctx context.Context, flow *Flow) {
	ttl := flow.ExpiresAt.Sub(f.now())
	if err := f.flows.Put(ctx, flow.ID, flow, ttl); err != nil {
		f.log.Warn("failed to save sign-in flow", zap.Error(err))
	}
}

func (f *Facade) updateHandoff(ctx context.Context, id string, fn func(h *handoff.Handoff)) {
	if id == "" {
		return
	}
	if err := f.handoffs.Update(ctx, id, fn); err != nil {
		f.log.Warn("failed to update handoff", zap.Error(err))
	}
}

func (f *Facade) publish(ctx context.Context, e events.Event) {
	e.OccurredAt = f.now().UTC()
	if err := f.events.Publish(ctx, e); err != nil {
		f.metrics.EventsPublishFails.Inc()
		f.log.Warn("failed to publish auth event", zap.String("type", string(e.Type)), zap.Error(err))
	}
}

func (f *Facade) auditEntry(meta RequestMeta, externalID string, role domain.Role, action domain.AuditAction, outcome string, details map[string]any) service.AuditEntry {
	return service.AuditEntry{
		ExternalUserID: externalID,
		UserRole:       role,
		Action:         action,
		Outcome:        outcome,
		IPAddress:      meta.IPAddress,
		RequestID:      meta.RequestID,
		UserAgent:      meta.UserAgent,
		Details:        details,
	}
}

// fallbackMetadataRole is the role trusted without a synced user. ADMIN is
// only honoured from public metadata, which users cannot write.
func fallbackMetadataRole(ident *identity.User) domain.Role {
	role := ident.Role()
	if role == domain.RoleAdmin && domain.ParseRole(ident.PublicMetadata.String(identity.KeyRole)) != domain.RoleAdmin {
		return ""
	}
	return role
}

func isSixDigits(code string) bool {
	if len(code) != 6 {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return true
}

func uuidString(id uuid.UUID) string {
	if id == uuid.Nil {
		return ""
	}
	return id.String()
}
