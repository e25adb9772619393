package v1

import (
	"github.com/gin-gonic/gin"

	"github.com/dmehra2102/prod-golang-projects/medportal/internal/domain"
	"github.com/dmehra2102/prod-golang-projects/medportal/internal/middleware"
	"github.com/dmehra2102/prod-golang-projects/medportal/internal/router"
)

type Routes struct {
	Auth     *AuthHandler
	Sync     *SyncHandler
	Users    *UserHandler
	Resolver router.Resolver
	Tokens   middleware.TokenValidator
	// AuthLimit throttles the credential-bearing endpoints. Optional.
	AuthLimit gin.HandlerFunc
}

func (rt Routes) Register(r *gin.Engine) {
	limit := rt.AuthLimit
	if limit == nil {
		limit = func(c *gin.Context) { c.Next() }
	}

	authAPI := r.Group("/api/auth")
	{
		authAPI.POST("/sign-up", limit, rt.Auth.SignUp)
		authAPI.POST("/verify-email", limit, rt.Auth.VerifyEmail)
		authAPI.POST("/sign-in", limit, rt.Auth.SignIn)
		authAPI.POST("/mfa", limit, rt.Auth.SubmitMFA)
		authAPI.POST("/mfa/resend", limit, rt.Auth.ResendMFA)
		authAPI.POST("/sign-out", rt.Auth.SignOut)
		authAPI.GET("/session", rt.Auth.Session)
		authAPI.POST("/sync/:externalUserId", rt.Sync.Sync)
	}

	r.GET("/api/me", middleware.BearerAuth(rt.Tokens), rt.Users.Me)
	r.GET("/auth/mfa", rt.Auth.MFAPage)

	r.GET("/patient/dashboard", router.Guard(rt.Resolver, domain.RolePatient), Dashboard("patient-dashboard"))
	r.GET("/provider/dashboard", router.Guard(rt.Resolver, domain.RoleProvider), Dashboard("provider-dashboard"))
	r.GET("/admin/dashboard", router.Guard(rt.Resolver, domain.RoleAdmin), Dashboard("admin-dashboard"))
	r.GET(router.DashboardRoute, router.Guard(rt.Resolver), Dashboard("dashboard"))
}
