// Package router maps resolved roles to landing routes and decides what a
// role-gated page does for a given identity resolution.
package router

import (
	"slices"

	"github.com/dmehra2102/prod-golang-projects/medportal/internal/domain"
)

const (
	LoginRoute        = "/auth/login"
	NoRoleRedirect    = "/auth/login?error=no_role_found"
	UnauthorizedRoute = "/unauthorized"
	// DashboardRoute is the generic fallback page, reachable by any role.
	DashboardRoute = "/dashboard"
)

var landingRoutes = map[domain.Role]string{
	domain.RolePatient:  "/patient/dashboard",
	domain.RoleProvider: "/provider/dashboard",
	domain.RoleAdmin:    "/admin/dashboard",
}

// LandingRoute returns the dashboard for role, or UnauthorizedRoute when the
// role has no mapping.
func LandingRoute(role domain.Role) string {
	if r, ok := landingRoutes[role]; ok {
		return r
	}
	return UnauthorizedRoute
}

// Resolution is what is known about the requester when a gated page is hit.
// Pending means identity or role resolution has not settled yet.
type Resolution struct {
	Pending  bool
	SignedIn bool
	Role     domain.Role
}

// Decision is exactly one of: render, show a loading state, or redirect.
type Decision struct {
	Render     bool
	Loading    bool
	RedirectTo string
}

// Decide applies the guard rules. An empty allowed set admits every role.
func Decide(res Resolution, allowed []domain.Role) Decision {
	switch {
	case res.Pending:
		return Decision{Loading: true}
	case !res.SignedIn:
		return Decision{RedirectTo: LoginRoute}
	case res.Role == "":
		return Decision{RedirectTo: NoRoleRedirect}
	case len(allowed) == 0 || slices.Contains(allowed, res.Role):
		return Decision{Render: true}
	default:
		return Decision{RedirectTo: LandingRoute(res.Role)}
	}
}
