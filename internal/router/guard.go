package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dmehra2102/prod-golang-projects/medportal/internal/domain"
)

// ContextRoleKey holds the requester's role once the guard admits them.
const ContextRoleKey = "router.role"

type Resolver interface {
	Resolve(c *gin.Context) Resolution
}

type ResolverFunc func(c *gin.Context) Resolution

func (f ResolverFunc) Resolve(c *gin.Context) Resolution { return f(c) }

// Guard blocks a route until the requester's identity and role are resolved,
// then renders it for allowed roles or redirects.
func Guard(resolver Resolver, allowed ...domain.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		res := resolver.Resolve(c)
		d := Decide(res, allowed)

		switch {
		case d.Loading:
			c.Header("Retry-After", "1")
			c.Header("Cache-Control", "no-store")
			c.AbortWithStatusJSON(http.StatusAccepted, gin.H{"status": "resolving"})
		case d.RedirectTo != "":
			c.Header("Cache-Control", "no-store")
			c.Redirect(http.StatusFound, d.RedirectTo)
			c.Abort()
		default:
			c.Set(ContextRoleKey, res.Role)
			c.Next()
		}
	}
}
