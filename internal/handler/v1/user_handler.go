package v1

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dmehra2102/prod-golang-projects/medportal/internal/auth"
	"github.com/dmehra2102/prod-golang-projects/medportal/internal/domain"
	"github.com/dmehra2102/prod-golang-projects/medportal/internal/middleware"
	"github.com/dmehra2102/prod-golang-projects/medportal/internal/router"
	"github.com/dmehra2102/prod-golang-projects/medportal/internal/session"
)

type UserReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error)
	TouchLastActive(ctx context.Context, id uuid.UUID, at time.Time) error
}

type UserHandler struct {
	users UserReader
	log   *zap.Logger
}

func NewUserHandler(users UserReader, log *zap.Logger) *UserHandler {
	return &UserHandler{users: users, log: log}
}

type meResponse struct {
	ExternalID string       `json:"externalId"`
	Email      string       `json:"email"`
	Role       domain.Role  `json:"role"`
	Synced     bool         `json:"synced"`
	User       *domain.User `json:"user,omitempty"`
}

// Me returns the caller's application user. Tokens issued while user sync
// was down carry no user id; those callers get their claims back.
func (h *UserHandler) Me(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		respondError(c, http.StatusUnauthorized, "authentication required")
		return
	}

	resp := meResponse{ExternalID: claims.ExternalID, Email: claims.Email, Role: claims.Role}
	if claims.UserID == uuid.Nil {
		respondOK(c, resp)
		return
	}

	user, err := h.users.GetByID(c.Request.Context(), claims.UserID)
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			respondError(c, http.StatusNotFound, "user not found")
			return
		}
		respondServiceError(c, err)
		return
	}
	if err := h.users.TouchLastActive(c.Request.Context(), user.ID, time.Now().UTC()); err != nil {
		h.log.Warn("failed to record activity", zap.String("user_id", user.ID.String()), zap.Error(err))
	}

	resp.Synced = true
	resp.Role = user.Role
	resp.User = user
	respondOK(c, resp)
}

// SessionResolver resolves the requester from the session cookie. Store
// failures leave the resolution pending rather than signing the user out.
func SessionResolver(facade AuthFacade, cookies session.Cookies, log *zap.Logger) router.Resolver {
	return router.ResolverFunc(func(c *gin.Context) router.Resolution {
		sess, err := facade.CurrentSession(c.Request.Context(), cookieValue(c, cookies.SessionName()))
		switch {
		case err == nil:
			return router.Resolution{SignedIn: true, Role: sess.Role}
		case errors.Is(err, auth.ErrNoSession):
			return router.Resolution{}
		default:
			log.Warn("session lookup failed", zap.Error(err))
			return router.Resolution{Pending: true}
		}
	})
}

// Dashboard acknowledges a guarded landing page. Rendering is the
// frontend's job.
func Dashboard(page string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role, _ := c.Get(router.ContextRoleKey)
		c.Header("Cache-Control", "no-store")
		respondOK(c, gin.H{"page": page, "role": role})
	}
}
