package auth

import (
	"fmt"
	"slices"
	"time"

	"github.com/dmehra2102/prod-golang-projects/medportal/internal/domain"
	"github.com/dmehra2102/prod-golang-projects/medportal/internal/identity"
)

type State string

const (
	StateUnauthenticated      State = "unauthenticated"
	StateCredentialsSubmitted State = "credentials_submitted"
	StateMFARequired          State = "mfa_required"
	StateMFAVerified          State = "mfa_verified"
	StateMFAFailed            State = "mfa_failed"
	StateRoleResolving        State = "role_resolving"
	StateRoleResolved         State = "role_resolved"
	StateRoleMissing          State = "role_missing"
)

// validTransitions lists the forward edges of the sign-in flow. Sign-out
// (back to StateUnauthenticated) is allowed from every state.
var validTransitions = map[State][]State{
	StateUnauthenticated:      {StateCredentialsSubmitted},
	StateCredentialsSubmitted: {StateMFARequired, StateRoleResolving},
	StateMFARequired:          {StateMFAVerified, StateMFAFailed},
	StateMFAFailed:            {StateMFAVerified, StateMFAFailed},
	StateMFAVerified:          {StateRoleResolving},
	StateRoleResolving:        {StateRoleResolved, StateRoleMissing},
	StateRoleResolved:         {},
	StateRoleMissing:          {},
}

func canTransition(from, to State) bool {
	if to == StateUnauthenticated {
		return true
	}
	return slices.Contains(validTransitions[from], to)
}

// Flow is one browser's in-progress sign-in, keyed by the pendingAuth cookie.
type Flow struct {
	ID                string            `json:"id"`
	State             State             `json:"state"`
	NeedsMFA          bool              `json:"needs_mfa"`
	MFAStrategy       identity.Strategy `json:"mfa_strategy,omitempty"`
	AttemptID         string            `json:"attempt_id,omitempty"`
	ExternalUserID    string            `json:"external_user_id,omitempty"`
	ProviderSessionID string            `json:"provider_session_id,omitempty"`
	Role              domain.Role       `json:"role,omitempty"`
	Degraded          bool              `json:"degraded,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	ExpiresAt         time.Time         `json:"expires_at"`
}

func (f *Flow) Transition(to State) error {
	if !canTransition(f.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, f.State, to)
	}
	f.State = to
	return nil
}

// AwaitingMFA reports whether a second-factor code can be submitted.
func (f *Flow) AwaitingMFA() bool {
	return f.State == StateMFARequired || f.State == StateMFAFailed
}
