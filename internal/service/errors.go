package service

import (
	"errors"
	"strings"

	"github.com/dmehra2102/prod-golang-projects/medportal/internal/domain"
)

var ErrForbidden = errors.New("forbidden: insufficient permissions")

type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Fields, "; ")
}

// AuditEntry is the caller-facing shape of an audit record.
type AuditEntry struct {
	ExternalUserID string
	UserRole       domain.Role
	Action         domain.AuditAction
	Outcome        string
	IPAddress      string
	RequestID      string
	UserAgent      string
	Details        map[string]any
}
