package v1

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dmehra2102/prod-golang-projects/medportal/internal/auth"
	"github.com/dmehra2102/prod-golang-projects/medportal/internal/identity"
	"github.com/dmehra2102/prod-golang-projects/medportal/internal/router"
	"github.com/dmehra2102/prod-golang-projects/medportal/internal/service"
	"github.com/dmehra2102/prod-golang-projects/medportal/internal/usersync"
)

type APIResponse[T any] struct {
	Data    T      `json:"data"`
	Message string `json:"message,omitempty"`
}

type ErrorResponse struct {
	Error      string `json:"error"`
	Code       string `json:"code,omitempty"`
	RedirectTo string `json:"redirectTo,omitempty"`
}

type ValidationErrorResponse struct {
	Error  string   `json:"error"`
	Fields []string `json:"fields"`
}

func respondOK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, APIResponse[any]{Data: data})
}

func respondCreated(c *gin.Context, data any) {
	c.JSON(http.StatusCreated, APIResponse[any]{Data: data})
}

func respondError(c *gin.Context, status int, message string) {
	c.JSON(status, ErrorResponse{Error: message})
}

// respondServiceError maps domain errors to responses. Raw provider and
// database errors never reach the client.
func respondServiceError(c *gin.Context, err error) {
	var validErr *service.ValidationError
	if errors.As(err, &validErr) {
		c.JSON(http.StatusBadRequest, ValidationErrorResponse{
			Error:  "validation failed",
			Fields: validErr.Fields,
		})
		return
	}

	switch {
	case errors.Is(err, auth.ErrMissingCredentials):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "MISSING_CREDENTIALS"})

	case errors.Is(err, auth.ErrInvalidCredentials):
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: err.Error(), Code: "INVALID_CREDENTIALS"})

	case errors.Is(err, auth.ErrInvalidMFACode):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_CODE"})

	case errors.Is(err, auth.ErrNoMFAChallenge):
		c.JSON(http.StatusConflict, ErrorResponse{
			Error:      err.Error(),
			Code:       "NO_CHALLENGE",
			RedirectTo: router.LoginRoute,
		})

	case errors.Is(err, auth.ErrNoRole):
		c.JSON(http.StatusForbidden, ErrorResponse{
			Error:      err.Error(),
			Code:       "NO_ROLE",
			RedirectTo: router.NoRoleRedirect,
		})

	case errors.Is(err, auth.ErrNoSession):
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: err.Error(), Code: "NO_SESSION"})

	case errors.Is(err, identity.ErrEmailTaken):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "email already registered", Code: "EMAIL_TAKEN"})

	case errors.Is(err, identity.ErrWeakPassword):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "password must be at least 12 characters", Code: "WEAK_PASSWORD"})

	case errors.Is(err, identity.ErrInvalidCode):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid or expired code", Code: "INVALID_CODE"})

	case errors.Is(err, identity.ErrUserNotFound), errors.Is(err, usersync.ErrUnknownIdentity):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "user not found"})

	case errors.Is(err, identity.ErrUnsupported):
		c.JSON(http.StatusNotImplemented, ErrorResponse{Error: "not supported by the identity provider"})

	case errors.Is(err, service.ErrForbidden):
		c.JSON(http.StatusForbidden, ErrorResponse{Error: "access denied"})

	case errors.Is(err, auth.ErrProviderUnavailable):
		c.Header("Retry-After", "5")
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: err.Error(), Code: "UNAVAILABLE"})

	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
	}
}

func bindJSON(c *gin.Context, obj any) bool {
	if err := c.ShouldBindJSON(obj); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request: " + err.Error()})
		return false
	}

	return true
}

func cookieValue(c *gin.Context, name string) string {
	v, err := c.Cookie(name)
	if err != nil {
		return ""
	}
	return v
}
