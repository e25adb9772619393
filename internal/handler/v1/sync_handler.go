package v1

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dmehra2102/prod-golang-projects/medportal/internal/auth"
	"github.com/dmehra2102/prod-golang-projects/medportal/internal/domain"
	"github.com/dmehra2102/prod-golang-projects/medportal/internal/session"
	"github.com/dmehra2102/prod-golang-projects/medportal/internal/usersync"
)

// SyncHandler exposes the user-sync action. Callers are either another
// replica presenting the shared token, or a browser whose session belongs to
// the user being synced.
type SyncHandler struct {
	syncer  usersync.Syncer
	facade  AuthFacade
	cookies session.Cookies
	secret  string
	log     *zap.Logger
}

func NewSyncHandler(syncer usersync.Syncer, facade AuthFacade, cookies session.Cookies, secret string, log *zap.Logger) *SyncHandler {
	return &SyncHandler{syncer: syncer, facade: facade, cookies: cookies, secret: secret, log: log}
}

type syncRequest struct {
	Role      string `json:"role"`
	Specialty string `json:"specialty"`
}

func (h *SyncHandler) Sync(c *gin.Context) {
	externalID := strings.TrimSpace(c.Param("externalUserId"))
	if !h.authorized(c, externalID) {
		return
	}

	var req syncRequest
	if c.Request.ContentLength != 0 {
		if !bindJSON(c, &req) {
			return
		}
	}

	hint := usersync.Hint{Specialty: strings.TrimSpace(req.Specialty)}
	if raw := strings.TrimSpace(req.Role); raw != "" {
		hint.Role = domain.ParseRole(raw)
		if hint.Role == "" {
			// Let validation reject the unknown role by name.
			hint.Role = domain.Role(raw)
		}
	}

	user, err := h.syncer.Sync(c.Request.Context(), externalID, hint)
	if err != nil {
		h.log.Warn("sync request failed", zap.String("external_id", externalID), zap.Error(err))
		respondServiceError(c, err)
		return
	}
	respondOK(c, user)
}

func (h *SyncHandler) authorized(c *gin.Context, externalID string) bool {
	if token := c.GetHeader(usersync.TokenHeader); token != "" {
		if h.secret != "" && subtle.ConstantTimeCompare([]byte(token), []byte(h.secret)) == 1 {
			return true
		}
		respondError(c, http.StatusUnauthorized, "invalid internal token")
		return false
	}

	sess, err := h.facade.CurrentSession(c.Request.Context(), cookieValue(c, h.cookies.SessionName()))
	if err != nil {
		if errors.Is(err, auth.ErrNoSession) {
			respondError(c, http.StatusUnauthorized, "authentication required")
			return false
		}
		respondServiceError(c, err)
		return false
	}
	if sess.ExternalUserID != externalID {
		respondError(c, http.StatusForbidden, "access denied")
		return false
	}
	return true
}
