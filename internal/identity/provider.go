// Package identity defines the contract with the identity provider that owns
// credentials, provider sessions and second-factor challenges. Implementations
// return identity facts only; user records, app sessions and routing decisions
// live elsewhere.
package identity

import (
	"context"
	"errors"
)

var (
	ErrInvalidCredentials = errors.New("identity: invalid email or password")
	ErrInvalidCode        = errors.New("identity: invalid or expired code")
	ErrAttemptNotFound    = errors.New("identity: sign-in attempt not found or expired")
	ErrUserNotFound       = errors.New("identity: user not found")
	ErrEmailTaken         = errors.New("identity: email already registered")
	ErrWeakPassword       = errors.New("identity: password must be at least 12 characters")
	ErrUnsupported        = errors.New("identity: operation not supported by provider")
)

// Strategy names a second-factor method.
type Strategy string

const (
	StrategyTOTP      Strategy = "totp"
	StrategyEmailCode Strategy = "email_code"
)

type SignInStatus string

const (
	StatusComplete          SignInStatus = "complete"
	StatusNeedsSecondFactor SignInStatus = "needs_second_factor"
)

// SignInAttempt is the provider's view of an in-progress or finished sign-in.
// UserID and SessionID are set once Status is StatusComplete.
type SignInAttempt struct {
	ID                  string
	Status              SignInStatus
	UserID              string
	SessionID           string
	SupportedStrategies []Strategy
}

// User is a provider-owned identity.
type User struct {
	ID             string
	Email          string
	EmailVerified  bool
	PublicMetadata Metadata
	UnsafeMetadata Metadata
}

// Provider is the hosted identity service the portal delegates to.
type Provider interface {
	// SignUp registers a new identity. unsafe is stored as client-writable metadata.
	SignUp(ctx context.Context, email, password string, unsafe Metadata) (*User, error)

	// SignIn verifies a password. The attempt may still require a second factor.
	SignIn(ctx context.Context, email, password string) (*SignInAttempt, error)

	// PrepareSecondFactor issues a challenge for the attempt (e.g. emails a code).
	PrepareSecondFactor(ctx context.Context, attemptID string, strategy Strategy) error

	// AttemptSecondFactor completes the attempt with a code.
	AttemptSecondFactor(ctx context.Context, attemptID string, strategy Strategy, code string) (*SignInAttempt, error)

	GetUser(ctx context.Context, userID string) (*User, error)

	// UpdateMetadata merges public into the user's public metadata.
	UpdateMetadata(ctx context.Context, userID string, public Metadata) error

	// VerifyEmail confirms ownership of the user's email with a code.
	VerifyEmail(ctx context.Context, userID, code string) error

	SignOut(ctx context.Context, sessionID string) error
}

// PreferredStrategy picks the strategy to challenge with: an authenticator app
// when enrolled, otherwise an emailed code. It returns "" when none is offered.
func PreferredStrategy(offered []Strategy) Strategy {
	var fallback Strategy
	for _, s := range offered {
		switch s {
		case StrategyTOTP:
			return s
		case StrategyEmailCode:
			fallback = s
		}
	}
	return fallback
}
