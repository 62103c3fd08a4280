// Package gincsrf adapts the net/http CSRF middleware to Gin.
package gincsrf

import (
	"net/http"

	"github.com/JeanGrijp/csrfguard/csrf"
	"github.com/JeanGrijp/csrfguard/session"
	"github.com/gin-gonic/gin"
)

// Middleware runs p.Protect around the rest of the Gin chain.
func Middleware(p *csrf.Protector) gin.HandlerFunc {
	return func(c *gin.Context) {
		passed := false
		h := p.Protect(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// keep gin context in sync with the possibly modified *http.Request
			c.Request = r
			passed = true
			c.Next()
		}))
		h.ServeHTTP(c.Writer, c.Request)
		if !passed {
			c.Abort()
		}
	}
}

// Sessions runs the session manager middleware in front of the Gin chain.
func Sessions(m *session.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		passed := false
		m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c.Request = r
			passed = true
			c.Next()
		})).ServeHTTP(c.Writer, c.Request)
		if !passed {
			c.Abort()
		}
	}
}

// TokenHandler answers {"_csrf": "<token>"} from the token attached by
// Middleware.
func TokenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tok, ok := csrf.TokenFromContext(c.Request.Context())
		if !ok {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{
				"code":   "CSRF_DISABLED",
				"detail": "CSRF protection is not enabled for this route",
			})
			return
		}
		c.Header("Cache-Control", "no-store")
		c.JSON(http.StatusOK, gin.H{csrf.LocalName: tok})
	}
}
