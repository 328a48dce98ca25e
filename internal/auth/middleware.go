package auth

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
)

// CookieName carries the session token for browser clients.
const CookieName = "tablut_session"

const identityKey = "auth.identity"

// Identify attaches the caller's identity when a valid session is presented. It never aborts.
func (s *Service) Identify() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id, err := s.ParseSession(tokenFrom(c)); err == nil {
			c.Set(identityKey, id)
		}
		c.Next()
	}
}

// RequirePage redirects anonymous callers to the login page, keeping the requested URI.
func RequirePage() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := Current(c); ok {
			c.Next()
			return
		}
		c.Redirect(http.StatusFound, LoginURL(c.Request.URL.RequestURI()))
		c.Abort()
	}
}

// RequireAPI answers 401 for anonymous callers.
func RequireAPI() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := Current(c); ok {
			c.Next()
			return
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "login required"})
	}
}

// Current returns the identity set by Identify.
func Current(c *gin.Context) (Identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return Identity{}, false
	}
	id, ok := v.(Identity)
	return id, ok && id.ID != ""
}

// LoginURL builds /login?continue=<uri>.
func LoginURL(continueTo string) string {
	if continueTo == "" {
		return "/login"
	}
	return "/login?continue=" + url.QueryEscape(continueTo)
}

// SafeContinue keeps redirects on this site: only absolute paths are honoured.
func SafeContinue(raw string) string {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") || strings.HasPrefix(raw, "/\\") {
		return "/"
	}
	return raw
}

func tokenFrom(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	if v, err := c.Cookie(CookieName); err == nil {
		return v
	}
	return ""
}
