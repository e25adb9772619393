// Package local is a self-hosted identity provider backed by Postgres. It
// supports password sign-in, authenticator-app (TOTP) and emailed-code second
// factors, and email verification.
package local

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/dmehra2102/prod-golang-projects/medportal/internal/config"
	"github.com/dmehra2102/prod-golang-projects/medportal/internal/domain"
	"github.com/dmehra2102/prod-golang-projects/medportal/internal/identity"
)

const minPasswordLength = 12

type Provider struct {
	store  Store
	mailer Mailer
	cfg    config.IdentityConfig
	log    *zap.Logger
	now    func() time.Time
}

var _ identity.Provider = (*Provider)(nil)

func New(store Store, mailer Mailer, cfg config.IdentityConfig, log *zap.Logger) *Provider {
	return &Provider{store: store, mailer: mailer, cfg: cfg, log: log, now: time.Now}
}

func (p *Provider) SignUp(ctx context.Context, email, password string, unsafe identity.Metadata) (*identity.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if len(password) < minPasswordLength {
		return nil, identity.ErrWeakPassword
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}

	code, codeHash, err := newCode()
	if err != nil {
		return nil, err
	}
	expires := p.now().Add(p.cfg.CodeTTL)

	acct := &Account{
		Email:           email,
		PasswordHash:    string(hash),
		VerifyCodeHash:  codeHash,
		VerifyExpiresAt: &expires,
		// Staff accounts always get an emailed second factor.
		MFAEnabled:     requiresMFA(unsafe),
		PublicMetadata: identity.Metadata{},
		UnsafeMetadata: identity.Metadata{}.Merge(unsafe),
	}
	if err := p.store.CreateAccount(ctx, acct); err != nil {
		if errors.Is(err, errDuplicateEmail) {
			return nil, identity.ErrEmailTaken
		}
		return nil, err
	}

	if err := p.mailer.Send(ctx, email, "Verify your MedPortal email", verificationBody(code)); err != nil {
		p.log.Warn("failed to send verification code", zap.String("account_id", acct.ID.String()), zap.Error(err))
	}

	return acct.toUser(), nil
}

func (p *Provider) SignIn(ctx context.Context, email, password string) (*identity.SignInAttempt, error) {
	acct, err := p.store.GetAccountByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if !errors.Is(err, errNotFound) {
			return nil, err
		}
		// Burn a hash so response time does not reveal whether the email exists.
		_, _ = bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		return nil, identity.ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(password)); err != nil {
		p.log.Warn("failed sign-in attempt", zap.String("account_id", acct.ID.String()))
		return nil, identity.ErrInvalidCredentials
	}

	now := p.now()
	attempt := &Attempt{AccountID: acct.ID, ExpiresAt: now.Add(p.cfg.AttemptTTL)}

	strategies := acct.Strategies()
	if len(strategies) > 0 {
		if err := p.store.CreateAttempt(ctx, attempt); err != nil {
			return nil, fmt.Errorf("creating sign-in attempt: %w", err)
		}
		return &identity.SignInAttempt{
			ID:                  attempt.ID.String(),
			Status:              identity.StatusNeedsSecondFactor,
			SupportedStrategies: strategies,
		}, nil
	}

	attempt.CompletedAt = &now
	if err := p.store.CreateAttempt(ctx, attempt); err != nil {
		return nil, fmt.Errorf("creating sign-in attempt: %w", err)
	}
	return p.complete(ctx, attempt, acct)
}

func (p *Provider) PrepareSecondFactor(ctx context.Context, attemptID string, strategy identity.Strategy) error {
	attempt, acct, err := p.openAttempt(ctx, attemptID)
	if err != nil {
		return err
	}

	switch strategy {
	case identity.StrategyTOTP:
		if acct.TOTPSecret == "" {
			return identity.ErrUnsupported
		}
		attempt.Strategy = strategy
		if err := p.store.SaveAttempt(ctx, attempt); err != nil {
			return attemptErr(err)
		}
		return nil

	case identity.StrategyEmailCode:
		code, hash, err := newCode()
		if err != nil {
			return err
		}
		expires := p.now().Add(p.cfg.CodeTTL)
		attempt.Strategy = strategy
		attempt.CodeHash = hash
		attempt.CodeExpires = &expires
		if err := p.store.SaveAttempt(ctx, attempt); err != nil {
			return attemptErr(err)
		}
		if err := p.mailer.Send(ctx, acct.Email, "Your MedPortal sign-in code", signInBody(code)); err != nil {
			return fmt.Errorf("sending sign-in code: %w", err)
		}
		return nil
	}

	return identity.ErrUnsupported
}

func (p *Provider) AttemptSecondFactor(ctx context.Context, attemptID string, strategy identity.Strategy, code string) (*identity.SignInAttempt, error) {
	attempt, acct, err := p.openAttempt(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if attempt.Strategy != strategy {
		return nil, identity.ErrInvalidCode
	}

	now := p.now()
	switch strategy {
	case identity.StrategyTOTP:
		ok, err := totp.ValidateCustom(code, acct.TOTPSecret, now, totpOpts)
		if err != nil || !ok {
			return nil, identity.ErrInvalidCode
		}
	case identity.StrategyEmailCode:
		if attempt.CodeExpires == nil || now.After(*attempt.CodeExpires) {
			return nil, identity.ErrInvalidCode
		}
		if bcrypt.CompareHashAndPassword([]byte(attempt.CodeHash), []byte(code)) != nil {
			return nil, identity.ErrInvalidCode
		}
	default:
		return nil, identity.ErrUnsupported
	}

	// Concurrent submissions of a valid code race here; only the winner
	// gets a provider session.
	if err := p.store.CompleteAttempt(ctx, attempt.ID, now); err != nil {
		return nil, attemptErr(err)
	}
	attempt.CompletedAt = &now
	attempt.CodeHash = ""
	return p.complete(ctx, attempt, acct)
}

func (p *Provider) GetUser(ctx context.Context, userID string) (*identity.User, error) {
	acct, err := p.account(ctx, userID)
	if err != nil {
		return nil, err
	}
	return acct.toUser(), nil
}

func (p *Provider) UpdateMetadata(ctx context.Context, userID string, public identity.Metadata) error {
	acct, err := p.account(ctx, userID)
	if err != nil {
		return err
	}
	acct.PublicMetadata = acct.PublicMetadata.Merge(public)
	return p.store.SaveAccount(ctx, acct)
}

func (p *Provider) VerifyEmail(ctx context.Context, userID, code string) error {
	acct, err := p.account(ctx, userID)
	if err != nil {
		return err
	}
	if acct.EmailVerified {
		return nil
	}
	if acct.VerifyExpiresAt == nil || p.now().After(*acct.VerifyExpiresAt) {
		return identity.ErrInvalidCode
	}
	if bcrypt.CompareHashAndPassword([]byte(acct.VerifyCodeHash), []byte(code)) != nil {
		return identity.ErrInvalidCode
	}

	acct.EmailVerified = true
	acct.VerifyCodeHash = ""
	acct.VerifyExpiresAt = nil
	return p.store.SaveAccount(ctx, acct)
}

func (p *Provider) SignOut(ctx context.Context, sessionID string) error {
	id, err := uuid.Parse(sessionID)
	if err != nil {
		return nil
	}
	return p.store.RevokeSession(ctx, id, p.now())
}

// EnrollTOTP generates an authenticator secret for the account. It becomes
// active only after ConfirmTOTP succeeds.
func (p *Provider) EnrollTOTP(ctx context.Context, userID string) (*otp.Key, error) {
	acct, err := p.account(ctx, userID)
	if err != nil {
		return nil, err
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      p.cfg.TOTPIssuer,
		AccountName: acct.Email,
	})
	if err != nil {
		return nil, fmt.Errorf("generating totp key: %w", err)
	}

	acct.PendingTOTPSecret = key.Secret()
	if err := p.store.SaveAccount(ctx, acct); err != nil {
		return nil, err
	}
	return key, nil
}

func (p *Provider) ConfirmTOTP(ctx context.Context, userID, code string) error {
	acct, err := p.account(ctx, userID)
	if err != nil {
		return err
	}
	if acct.PendingTOTPSecret == "" {
		return identity.ErrInvalidCode
	}
	ok, err := totp.ValidateCustom(code, acct.PendingTOTPSecret, p.now(), totpOpts)
	if err != nil || !ok {
		return identity.ErrInvalidCode
	}

	acct.TOTPSecret = acct.PendingTOTPSecret
	acct.PendingTOTPSecret = ""
	return p.store.SaveAccount(ctx, acct)
}

// LookupUserID resolves an account id by email, for operator tooling.
func (p *Provider) LookupUserID(ctx context.Context, email string) (string, error) {
	acct, err := p.store.GetAccountByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, errNotFound) {
			return "", identity.ErrUserNotFound
		}
		return "", err
	}
	return acct.ID.String(), nil
}

func (p *Provider) complete(ctx context.Context, attempt *Attempt, acct *Account) (*identity.SignInAttempt, error) {
	ps := &ProviderSession{AccountID: acct.ID, ExpiresAt: p.now().Add(p.cfg.ProviderSessionTTL)}
	if err := p.store.CreateSession(ctx, ps); err != nil {
		return nil, fmt.Errorf("creating provider session: %w", err)
	}
	return &identity.SignInAttempt{
		ID:        attempt.ID.String(),
		Status:    identity.StatusComplete,
		UserID:    acct.ID.String(),
		SessionID: ps.ID.String(),
	}, nil
}

func (p *Provider) openAttempt(ctx context.Context, attemptID string) (*Attempt, *Account, error) {
	id, err := uuid.Parse(attemptID)
	if err != nil {
		return nil, nil, identity.ErrAttemptNotFound
	}
	attempt, err := p.store.GetAttempt(ctx, id)
	if err != nil {
		if errors.Is(err, errNotFound) {
			return nil, nil, identity.ErrAttemptNotFound
		}
		return nil, nil, err
	}
	if !attempt.open(p.now()) {
		return nil, nil, identity.ErrAttemptNotFound
	}
	acct, err := p.store.GetAccount(ctx, attempt.AccountID)
	if err != nil {
		if errors.Is(err, errNotFound) {
			return nil, nil, identity.ErrAttemptNotFound
		}
		return nil, nil, err
	}
	return attempt, acct, nil
}

func attemptErr(err error) error {
	if errors.Is(err, errAttemptClosed) {
		return identity.ErrAttemptNotFound
	}
	return fmt.Errorf("saving sign-in attempt: %w", err)
}

func (p *Provider) account(ctx context.Context, userID string) (*Account, error) {
	id, err := uuid.Parse(userID)
	if err != nil {
		return nil, identity.ErrUserNotFound
	}
	acct, err := p.store.GetAccount(ctx, id)
	if err != nil {
		if errors.Is(err, errNotFound) {
			return nil, identity.ErrUserNotFound
		}
		return nil, err
	}
	return acct, nil
}

var totpOpts = totp.ValidateOpts{
	Period:    30,
	Skew:      1,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// newCode returns a six-digit code and its bcrypt hash.
func newCode() (string, string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", "", fmt.Errorf("generating code: %w", err)
	}
	code := fmt.Sprintf("%06d", n.Int64())
	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.MinCost)
	if err != nil {
		return "", "", fmt.Errorf("hashing code: %w", err)
	}
	return code, string(hash), nil
}

func requiresMFA(unsafe identity.Metadata) bool {
	switch domain.ParseRole(unsafe.String(identity.KeyRole)) {
	case domain.RoleProvider, domain.RoleAdmin:
		return true
	}
	return false
}

func verificationBody(code string) string {
	return "Your MedPortal verification code is " + code + ".\nIt expires shortly. If you did not sign up, ignore this email."
}

func signInBody(code string) string {
	return "Your MedPortal sign-in code is " + code + ".\nIf you did not try to sign in, change your password."
}
