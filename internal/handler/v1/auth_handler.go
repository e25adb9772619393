package v1

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dmehra2102/prod-golang-projects/medportal/internal/auth"
	"github.com/dmehra2102/prod-golang-projects/medportal/internal/domain"
	"github.com/dmehra2102/prod-golang-projects/medportal/internal/handoff"
	"github.com/dmehra2102/prod-golang-projects/medportal/internal/identity"
	"github.com/dmehra2102/prod-golang-projects/medportal/internal/middleware"
	"github.com/dmehra2102/prod-golang-projects/medportal/internal/router"
	"github.com/dmehra2102/prod-golang-projects/medportal/internal/service"
	"github.com/dmehra2102/prod-golang-projects/medportal/internal/session"
)

type AuthFacade interface {
	HandleSignIn(ctx context.Context, in auth.SignInInput) (*auth.Outcome, error)
	SubmitMFACode(ctx context.Context, in auth.MFAInput) (*auth.Outcome, error)
	ResendMFACode(ctx context.Context, flowID string) (*auth.Outcome, error)
	PendingChallenge(ctx context.Context, flowID string) (*auth.Flow, error)
	SignOut(ctx context.Context, in auth.SignOutInput) *auth.Outcome
	CurrentSession(ctx context.Context, id string) (*session.Session, error)
}

type AuthHandler struct {
	facade   AuthFacade
	provider identity.Provider
	handoffs *handoff.Store
	cookies  session.Cookies
	audit    auth.AuditLogger
	log      *zap.Logger
}

func NewAuthHandler(
	facade AuthFacade,
	provider identity.Provider,
	handoffs *handoff.Store,
	cookies session.Cookies,
	audit auth.AuditLogger,
	log *zap.Logger,
) *AuthHandler {
	return &AuthHandler{
		facade:   facade,
		provider: provider,
		handoffs: handoffs,
		cookies:  cookies,
		audit:    audit,
		log:      log,
	}
}

type signUpRequest struct {
	Email     string `json:"email" binding:"required,email"`
	Password  string `json:"password" binding:"required"`
	Role      string `json:"role" binding:"required"`
	Specialty string `json:"specialty"`
}

type signUpResponse struct {
	UserID                    string `json:"userId"`
	Email                     string `json:"email"`
	EmailVerificationRequired bool   `json:"emailVerificationRequired"`
}

// SignUp registers an identity and remembers the chosen role as a sync hint.
func (h *AuthHandler) SignUp(c *gin.Context) {
	var req signUpRequest
	if !bindJSON(c, &req) {
		return
	}

	role := domain.ParseRole(req.Role)
	specialty := strings.TrimSpace(req.Specialty)
	var fields []string
	switch role {
	case domain.RolePatient:
		specialty = ""
	case domain.RoleProvider:
		if specialty == "" {
			fields = append(fields, "specialty is required for providers")
		}
	default:
		fields = append(fields, "role must be PATIENT or PROVIDER")
	}
	if len(specialty) > 100 {
		fields = append(fields, "specialty must be at most 100 characters")
	}
	if len(fields) > 0 {
		respondServiceError(c, &service.ValidationError{Fields: fields})
		return
	}

	unsafe := identity.Metadata{identity.KeyRole: string(role)}
	if specialty != "" {
		unsafe[identity.KeySpecialty] = specialty
	}
	user, err := h.provider.SignUp(c.Request.Context(), strings.TrimSpace(req.Email), req.Password, unsafe)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	handoffID, err := h.handoffID(c)
	if err == nil {
		err = h.handoffs.Put(c.Request.Context(), handoffID, &handoff.Handoff{
			PendingRole:      role,
			PendingSpecialty: specialty,
		})
	}
	if err != nil {
		// The unsafe metadata still carries the role.
		h.log.Warn("failed to store sign-up handoff", zap.Error(err))
	}

	h.audit.LogAsync(c.Request.Context(), service.AuditEntry{
		ExternalUserID: user.ID,
		UserRole:       role,
		Action:         domain.ActionSignUp,
		Outcome:        "success",
		IPAddress:      c.ClientIP(),
		RequestID:      middleware.GetRequestID(c),
		UserAgent:      c.Request.UserAgent(),
	})

	respondCreated(c, signUpResponse{
		UserID:                    user.ID,
		Email:                     user.Email,
		EmailVerificationRequired: !user.EmailVerified,
	})
}

type verifyEmailRequest struct {
	UserID string `json:"userId" binding:"required"`
	Code   string `json:"code" binding:"required"`
}

func (h *AuthHandler) VerifyEmail(c *gin.Context) {
	var req verifyEmailRequest
	if !bindJSON(c, &req) {
		return
	}

	err := h.provider.VerifyEmail(c.Request.Context(), req.UserID, strings.TrimSpace(req.Code))
	now := time.Now().UTC()
	if id := cookieValue(c, session.HandoffCookie); id != "" {
		if herr := h.handoffs.Update(c.Request.Context(), id, func(hf *handoff.Handoff) {
			hf.VerificationTimestamp = now
			if err != nil {
				hf.VerificationStatus = "failed"
				return
			}
			hf.EmailVerificationCompleted = true
			hf.VerificationStatus = "verified"
		}); herr != nil {
			h.log.Warn("failed to update verification handoff", zap.Error(herr))
		}
	}
	if err != nil {
		respondServiceError(c, err)
		return
	}

	respondOK(c, gin.H{"verified": true, "redirectTo": router.LoginRoute})
}

type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *AuthHandler) SignIn(c *gin.Context) {
	var req signInRequest
	if !bindJSON(c, &req) {
		return
	}

	out, err := h.facade.HandleSignIn(c.Request.Context(), auth.SignInInput{
		FlowID:    cookieValue(c, session.FlowCookie),
		HandoffID: cookieValue(c, session.HandoffCookie),
		Email:     req.Email,
		Password:  req.Password,
		Meta:      requestMeta(c),
	})
	h.writeOutcome(c, out, err)
}

type mfaRequest struct {
	Code string `json:"code"`
}

func (h *AuthHandler) SubmitMFA(c *gin.Context) {
	var req mfaRequest
	if !bindJSON(c, &req) {
		return
	}

	out, err := h.facade.SubmitMFACode(c.Request.Context(), auth.MFAInput{
		FlowID:    cookieValue(c, session.FlowCookie),
		HandoffID: cookieValue(c, session.HandoffCookie),
		Code:      req.Code,
		Meta:      requestMeta(c),
	})
	h.writeOutcome(c, out, err)
}

func (h *AuthHandler) ResendMFA(c *gin.Context) {
	out, err := h.facade.ResendMFACode(c.Request.Context(), cookieValue(c, session.FlowCookie))
	h.writeOutcome(c, out, err)
}

// MFAPage reports the pending challenge, or sends the browser back to the
// login page when there is none.
func (h *AuthHandler) MFAPage(c *gin.Context) {
	flow, err := h.facade.PendingChallenge(c.Request.Context(), cookieValue(c, session.FlowCookie))
	if err != nil {
		if errors.Is(err, auth.ErrNoMFAChallenge) {
			h.cookies.ClearFlow(c.Writer)
			c.Redirect(http.StatusFound, router.LoginRoute)
			return
		}
		respondServiceError(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	respondOK(c, gin.H{"strategy": flow.MFAStrategy, "failed": flow.State == auth.StateMFAFailed})
}

func (h *AuthHandler) SignOut(c *gin.Context) {
	out := h.facade.SignOut(c.Request.Context(), auth.SignOutInput{
		SessionID: cookieValue(c, h.cookies.SessionName()),
		FlowID:    cookieValue(c, session.FlowCookie),
		HandoffID: cookieValue(c, session.HandoffCookie),
		Meta:      requestMeta(c),
	})
	h.cookies.ClearSession(c.Writer)
	h.cookies.ClearFlow(c.Writer)
	respondOK(c, out)
}

type sessionResponse struct {
	Role       domain.Role `json:"role"`
	RedirectTo string      `json:"redirectTo"`
	Degraded   bool        `json:"degraded,omitempty"`
	ExpiresAt  time.Time   `json:"expiresAt"`
}

func (h *AuthHandler) Session(c *gin.Context) {
	sess, err := h.facade.CurrentSession(c.Request.Context(), cookieValue(c, h.cookies.SessionName()))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	respondOK(c, sessionResponse{
		Role:       sess.Role,
		RedirectTo: router.LandingRoute(sess.Role),
		Degraded:   sess.Degraded,
		ExpiresAt:  sess.ExpiresAt,
	})
}

// writeOutcome sets the cookies an outcome implies and writes the response.
func (h *AuthHandler) writeOutcome(c *gin.Context, out *auth.Outcome, err error) {
	c.Header("Cache-Control", "no-store")
	if err != nil {
		if errors.Is(err, auth.ErrNoRole) || errors.Is(err, auth.ErrNoMFAChallenge) {
			h.cookies.ClearFlow(c.Writer)
		}
		if errors.Is(err, auth.ErrNoRole) {
			h.cookies.ClearSession(c.Writer)
		}
		respondServiceError(c, err)
		return
	}

	switch {
	case out.Session != nil:
		h.cookies.SetSession(c.Writer, out.Session.ID)
		h.cookies.ClearFlow(c.Writer)
	case out.FlowID != "":
		h.cookies.SetFlow(c.Writer, out.FlowID)
	}
	respondOK(c, out)
}

func (h *AuthHandler) handoffID(c *gin.Context) (string, error) {
	if id := cookieValue(c, session.HandoffCookie); id != "" {
		return id, nil
	}
	id, err := session.GenerateID()
	if err != nil {
		return "", err
	}
	h.cookies.SetHandoff(c.Writer, id)
	return id, nil
}

func requestMeta(c *gin.Context) auth.RequestMeta {
	return auth.RequestMeta{
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
		RequestID: middleware.GetRequestID(c),
	}
}
