package session

import (
	"net/http"
	"time"
)

const (
	SessionCookie = "__Host-session"
	// Browsers reject __Host- cookies without Secure.
	devSessionCookie = "session"
	// FlowCookie marks a sign-in with a second-factor challenge in flight.
	FlowCookie    = "pendingAuth"
	HandoffCookie = "handoff"

	flowCookiePath = "/auth"
)

// Cookies issues the portal's cookies. Secure is only disabled for local
// development over plain HTTP.
type Cookies struct {
	Secure     bool
	SessionTTL time.Duration
	FlowTTL    time.Duration
	HandoffTTL time.Duration
}

// SessionName is the session cookie name for this configuration.
func (c Cookies) SessionName() string {
	if c.Secure {
		return SessionCookie
	}
	return devSessionCookie
}

func (c Cookies) SetSession(w http.ResponseWriter, id string) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.SessionName(),
		Value:    id,
		Path:     "/",
		MaxAge:   int(c.SessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (c Cookies) ClearSession(w http.ResponseWriter) {
	clearCookie(w, c.SessionName(), "/", c.Secure, http.SameSiteLaxMode)
}

// SetFlow sets the pendingAuth cookie. It is scoped to the auth pages and
// lives no longer than the challenge.
func (c Cookies) SetFlow(w http.ResponseWriter, id string) {
	http.SetCookie(w, &http.Cookie{
		Name:     FlowCookie,
		Value:    id,
		Path:     flowCookiePath,
		MaxAge:   int(c.FlowTTL.Seconds()),
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteStrictMode,
	})
	// The MFA API lives under /api/auth and needs the flow id as well.
	http.SetCookie(w, &http.Cookie{
		Name:     FlowCookie,
		Value:    id,
		Path:     "/api" + flowCookiePath,
		MaxAge:   int(c.FlowTTL.Seconds()),
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteStrictMode,
	})
}

func (c Cookies) ClearFlow(w http.ResponseWriter) {
	clearCookie(w, FlowCookie, flowCookiePath, c.Secure, http.SameSiteStrictMode)
	clearCookie(w, FlowCookie, "/api"+flowCookiePath, c.Secure, http.SameSiteStrictMode)
}

func (c Cookies) SetHandoff(w http.ResponseWriter, id string) {
	http.SetCookie(w, &http.Cookie{
		Name:     HandoffCookie,
		Value:    id,
		Path:     "/",
		MaxAge:   int(c.HandoffTTL.Seconds()),
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func clearCookie(w http.ResponseWriter, name, path string, secure bool, sameSite http.SameSite) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     path,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   secure,
		SameSite: sameSite,
	})
}
