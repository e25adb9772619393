// Package identitytest provides an in-memory identity.Provider for tests.
package identitytest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/dmehra2102/prod-golang-projects/medportal/internal/identity"
)

type account struct {
	user       identity.User
	password   string
	strategies []identity.Strategy
	code       string
}

type attempt struct {
	userID   string
	prepared map[identity.Strategy]bool
	done     bool
}

// Provider is a fake identity provider. Second factors are required for
// accounts added with strategies; the valid code is the one passed to AddUser.
type Provider struct {
	mu       sync.Mutex
	accounts map[string]*account // by email
	byID     map[string]*account
	attempts map[string]*attempt
	sessions map[string]string
	seq      int

	// Injected failures.
	SignInErr         error
	GetUserErr        error
	UpdateMetadataErr error
	SignOutErr        error

	// Call counters.
	SignInCalls         int
	PrepareCalls        int
	AttemptCalls        int
	UpdateMetadataCalls int
	SignOutCalls        int
}

func New() *Provider {
	return &Provider{
		accounts: make(map[string]*account),
		byID:     make(map[string]*account),
		attempts: make(map[string]*attempt),
		sessions: make(map[string]string),
	}
}

// AddUser registers an account. When strategies is non-empty, sign-in requires
// a second factor and code is the only accepted value.
func (p *Provider) AddUser(u identity.User, password, code string, strategies ...identity.Strategy) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if u.PublicMetadata == nil {
		u.PublicMetadata = identity.Metadata{}
	}
	a := &account{user: u, password: password, strategies: strategies, code: code}
	p.accounts[strings.ToLower(u.Email)] = a
	p.byID[u.ID] = a
}

// ActiveSessions reports provider sessions not yet signed out.
func (p *Provider) ActiveSessions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

func (p *Provider) nextID(prefix string) string {
	p.seq++
	return fmt.Sprintf("%s_%d", prefix, p.seq)
}

func (p *Provider) SignUp(ctx context.Context, email, password string, unsafe identity.Metadata) (*identity.User, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := strings.ToLower(email)
	if _, ok := p.accounts[key]; ok {
		return nil, identity.ErrEmailTaken
	}
	u := identity.User{
		ID:             p.nextID("user"),
		Email:          email,
		PublicMetadata: identity.Metadata{},
		UnsafeMetadata: unsafe,
	}
	a := &account{user: u, password: password}
	p.accounts[key] = a
	p.byID[u.ID] = a
	out := a.user
	return &out, nil
}

func (p *Provider) SignIn(ctx context.Context, email, password string) (*identity.SignInAttempt, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SignInCalls++
	if p.SignInErr != nil {
		return nil, p.SignInErr
	}
	a, ok := p.accounts[strings.ToLower(email)]
	if !ok || a.password != password {
		return nil, identity.ErrInvalidCredentials
	}
	id := p.nextID("sia")
	if len(a.strategies) > 0 {
		p.attempts[id] = &attempt{userID: a.user.ID, prepared: make(map[identity.Strategy]bool)}
		return &identity.SignInAttempt{
			ID:                  id,
			Status:              identity.StatusNeedsSecondFactor,
			SupportedStrategies: a.strategies,
		}, nil
	}
	sid := p.nextID("sess")
	p.sessions[sid] = a.user.ID
	return &identity.SignInAttempt{ID: id, Status: identity.StatusComplete, UserID: a.user.ID, SessionID: sid}, nil
}

func (p *Provider) PrepareSecondFactor(ctx context.Context, attemptID string, strategy identity.Strategy) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.PrepareCalls++
	at, ok := p.attempts[attemptID]
	if !ok || at.done {
		return identity.ErrAttemptNotFound
	}
	at.prepared[strategy] = true
	return nil
}

func (p *Provider) AttemptSecondFactor(ctx context.Context, attemptID string, strategy identity.Strategy, code string) (*identity.SignInAttempt, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.AttemptCalls++
	at, ok := p.attempts[attemptID]
	if !ok || at.done {
		return nil, identity.ErrAttemptNotFound
	}
	if !at.prepared[strategy] {
		return nil, identity.ErrInvalidCode
	}
	a := p.byID[at.userID]
	if code != a.code {
		return nil, identity.ErrInvalidCode
	}
	at.done = true
	sid := p.nextID("sess")
	p.sessions[sid] = a.user.ID
	return &identity.SignInAttempt{ID: attemptID, Status: identity.StatusComplete, UserID: a.user.ID, SessionID: sid}, nil
}

func (p *Provider) GetUser(ctx context.Context, userID string) (*identity.User, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.GetUserErr != nil {
		return nil, p.GetUserErr
	}
	a, ok := p.byID[userID]
	if !ok {
		return nil, identity.ErrUserNotFound
	}
	out := a.user
	out.PublicMetadata = identity.Metadata{}.Merge(a.user.PublicMetadata)
	out.UnsafeMetadata = identity.Metadata{}.Merge(a.user.UnsafeMetadata)
	return &out, nil
}

func (p *Provider) UpdateMetadata(ctx context.Context, userID string, public identity.Metadata) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.UpdateMetadataCalls++
	if p.UpdateMetadataErr != nil {
		return p.UpdateMetadataErr
	}
	a, ok := p.byID[userID]
	if !ok {
		return identity.ErrUserNotFound
	}
	a.user.PublicMetadata = a.user.PublicMetadata.Merge(public)
	return nil
}

func (p *Provider) VerifyEmail(ctx context.Context, userID, code string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.byID[userID]
	if !ok {
		return identity.ErrUserNotFound
	}
	if code == "" || (a.code != "" && code != a.code) {
		return identity.ErrInvalidCode
	}
	a.user.EmailVerified = true
	return nil
}

func (p *Provider) SignOut(ctx context.Context, sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SignOutCalls++
	delete(p.sessions, sessionID)
	return p.SignOutErr
}
