// Package keycloak adapts a Keycloak realm to identity.Provider. Second
// factors are enforced by Keycloak itself, so sign-in attempts are always
// complete and the portal-side MFA calls are unsupported.
package keycloak

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/dmehra2102/prod-golang-projects/medportal/internal/config"
	"github.com/dmehra2102/prod-golang-projects/medportal/internal/domain"
	"github.com/dmehra2102/prod-golang-projects/medportal/internal/identity"
)

type Provider struct {
	oauthConfig *oauth2.Config
	verifier    *oidc.IDTokenVerifier
	endSession  string
	roleClaim   string
	httpClient  *http.Client
	log         *zap.Logger

	// Admin REST API reached with the client's service account. Nil for
	// public clients, in which case lookups are limited to the cache.
	admin     *http.Client
	adminBase string

	// Users observed at sign-in, keyed by subject.
	users *gocache.Cache
	// Refresh tokens keyed by provider session id, needed for logout.
	sessions *gocache.Cache
}

var _ identity.Provider = (*Provider)(nil)

// New initializes the provider using OIDC discovery against the realm issuer,
// e.g. https://sso.example.com/realms/medportal.
func New(ctx context.Context, cfg config.KeycloakConfig, sessionTTL time.Duration, log *zap.Logger) (*Provider, error) {
	if cfg.Issuer == "" || cfg.ClientID == "" {
		return nil, errors.New("keycloak: issuer and client id are required")
	}

	oidcProvider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("keycloak: discovery failed: %w", err)
	}

	var meta struct {
		EndSession string `json:"end_session_endpoint"`
	}
	if err := oidcProvider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("keycloak: reading provider metadata: %w", err)
	}

	p := &Provider{
		oauthConfig: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     oidcProvider.Endpoint(),
			Scopes:       []string{oidc.ScopeOpenID, "email", "profile"},
		},
		verifier:   oidcProvider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		endSession: meta.EndSession,
		roleClaim:  cfg.RoleClaim,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		log:        log,
		users:      gocache.New(cfg.UserCacheTTL, 10*time.Minute),
		sessions:   gocache.New(sessionTTL, 10*time.Minute),
	}
	if cfg.ClientSecret != "" {
		p.admin = adminClient(oidcProvider.Endpoint().TokenURL, cfg.ClientID, cfg.ClientSecret, p.httpClient)
		p.adminBase = AdminBase(cfg.Issuer)
	}
	return p, nil
}

// adminClient authenticates with the client credentials grant. The service
// account needs the realm-management view-users role.
func adminClient(tokenURL, clientID, secret string, base *http.Client) *http.Client {
	cc := clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: secret,
		TokenURL:     tokenURL,
	}
	return cc.Client(context.WithValue(context.Background(), oauth2.HTTPClient, base))
}

// AdminBase maps a realm issuer to its admin API root:
// https://sso/realms/portal becomes https://sso/admin/realms/portal.
func AdminBase(issuer string) string {
	issuer = strings.TrimRight(issuer, "/")
	i := strings.LastIndex(issuer, "/realms/")
	if i < 0 {
		return ""
	}
	return issuer[:i] + "/admin" + issuer[i:]
}

// SignUp is handled by Keycloak's own registration pages.
func (p *Provider) SignUp(ctx context.Context, email, password string, unsafe identity.Metadata) (*identity.User, error) {
	return nil, identity.ErrUnsupported
}

func (p *Provider) SignIn(ctx context.Context, email, password string) (*identity.SignInAttempt, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	token, err := p.oauthConfig.PasswordCredentialsToken(ctx, email, password)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil &&
			(re.Response.StatusCode == http.StatusUnauthorized || re.Response.StatusCode == http.StatusBadRequest) {
			return nil, identity.ErrInvalidCredentials
		}
		return nil, fmt.Errorf("keycloak: token request failed: %w", err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, errors.New("keycloak: token response has no id_token")
	}

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("keycloak: id_token verification failed: %w", err)
	}

	var claims struct {
		Subject       string `json:"sub"`
		SessionID     string `json:"sid"`
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("keycloak: parsing id_token claims: %w", err)
	}
	var raw map[string]any
	if err := idToken.Claims(&raw); err != nil {
		return nil, fmt.Errorf("keycloak: parsing id_token claims: %w", err)
	}
	if claims.Subject == "" {
		return nil, errors.New("keycloak: id_token missing subject")
	}

	user := &identity.User{
		ID:             claims.Subject,
		Email:          claims.Email,
		EmailVerified:  claims.EmailVerified,
		PublicMetadata: identity.Metadata{},
	}
	if role := RoleFromClaims(raw, p.roleClaim); role != "" {
		user.PublicMetadata[identity.KeyRole] = string(role)
	}
	p.users.SetDefault(claims.Subject, user)

	sessionID := claims.SessionID
	if sessionID == "" {
		sessionID = claims.Subject + ":" + idToken.IssuedAt.Format(time.RFC3339)
	}
	p.sessions.SetDefault(sessionID, token.RefreshToken)

	return &identity.SignInAttempt{
		ID:        sessionID,
		Status:    identity.StatusComplete,
		UserID:    claims.Subject,
		SessionID: sessionID,
	}, nil
}

func (p *Provider) PrepareSecondFactor(ctx context.Context, attemptID string, strategy identity.Strategy) error {
	return identity.ErrUnsupported
}

func (p *Provider) AttemptSecondFactor(ctx context.Context, attemptID string, strategy identity.Strategy, code string) (*identity.SignInAttempt, error) {
	return nil, identity.ErrUnsupported
}

// GetUser answers from the sign-in cache and falls back to the admin API, so
// a replica that did not handle the sign-in can still sync the user.
func (p *Provider) GetUser(ctx context.Context, userID string) (*identity.User, error) {
	v, ok := p.users.Get(userID)
	if !ok {
		if p.admin == nil || p.adminBase == "" {
			return nil, identity.ErrUserNotFound
		}
		fetched, err := p.fetchUser(ctx, userID)
		if err != nil {
			return nil, err
		}
		p.users.SetDefault(userID, fetched)
		v = fetched
	}
	u := *v.(*identity.User)
	u.PublicMetadata = identity.Metadata{}.Merge(u.PublicMetadata)
	return &u, nil
}

// fetchUser reads the user and its effective realm roles. Only realm roles
// are consulted, whatever the configured role claim path.
func (p *Provider) fetchUser(ctx context.Context, userID string) (*identity.User, error) {
	path := "/users/" + url.PathEscape(userID)

	var rep struct {
		ID            string `json:"id"`
		Email         string `json:"email"`
		EmailVerified bool   `json:"emailVerified"`
		Enabled       bool   `json:"enabled"`
	}
	if err := p.adminGet(ctx, path, &rep); err != nil {
		return nil, err
	}
	if !rep.Enabled {
		return nil, identity.ErrUserNotFound
	}

	var roles []struct {
		Name string `json:"name"`
	}
	if err := p.adminGet(ctx, path+"/role-mappings/realm/composite", &roles); err != nil {
		return nil, err
	}

	user := &identity.User{
		ID:             rep.ID,
		Email:          rep.Email,
		EmailVerified:  rep.EmailVerified,
		PublicMetadata: identity.Metadata{},
	}
	for _, r := range roles {
		if role := domain.ParseRole(r.Name); role != "" {
			user.PublicMetadata[identity.KeyRole] = string(role)
			break
		}
	}
	return user, nil
}

func (p *Provider) adminGet(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.adminBase+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.admin.Do(req)
	if err != nil {
		return fmt.Errorf("keycloak: admin request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return identity.ErrUserNotFound
	case resp.StatusCode >= 300:
		return fmt.Errorf("keycloak: admin api returned %d", resp.StatusCode)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
		return fmt.Errorf("keycloak: decoding admin response: %w", err)
	}
	return nil
}

// UpdateMetadata only updates the cached view. Keycloak attributes are managed
// by realm administrators.
func (p *Provider) UpdateMetadata(ctx context.Context, userID string, public identity.Metadata) error {
	u, err := p.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	// Roles come from the realm; never let the portal override them.
	merged := u.PublicMetadata.Merge(public)
	merged[identity.KeyRole] = u.PublicMetadata[identity.KeyRole]
	if merged[identity.KeyRole] == nil {
		delete(merged, identity.KeyRole)
	}
	u.PublicMetadata = merged
	p.users.SetDefault(userID, u)
	return nil
}

func (p *Provider) VerifyEmail(ctx context.Context, userID, code string) error {
	return identity.ErrUnsupported
}

func (p *Provider) SignOut(ctx context.Context, sessionID string) error {
	v, ok := p.sessions.Get(sessionID)
	if !ok {
		return nil
	}
	p.sessions.Delete(sessionID)

	refresh, _ := v.(string)
	if refresh == "" || p.endSession == "" {
		return nil
	}

	form := url.Values{
		"client_id":     {p.oauthConfig.ClientID},
		"refresh_token": {refresh},
	}
	if p.oauthConfig.ClientSecret != "" {
		form.Set("client_secret", p.oauthConfig.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endSession, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("keycloak: logout failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("keycloak: logout returned %d", resp.StatusCode)
	}
	return nil
}

// RoleFromClaims finds the first portal role in the claim at the dotted path,
// e.g. "realm_access.roles". The claim may be a string or a list of strings.
func RoleFromClaims(claims map[string]any, path string) domain.Role {
	var cur any = claims
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur = m[part]
	}

	switch v := cur.(type) {
	case string:
		return domain.ParseRole(v)
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				if r := domain.ParseRole(s); r != "" {
					return r
				}
			}
		}
	case []string:
		for _, s := range v {
			if r := domain.ParseRole(s); r != "" {
				return r
			}
		}
	}
	return ""
}
