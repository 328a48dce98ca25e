package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/park285/tablutboard/internal/auth"
)

type credentials struct {
	Username string `form:"username" json:"username"`
	Password string `form:"password" json:"password"`
	Continue string `form:"continue" json:"continue"`
}

type loginView struct {
	page
	Continue string
}

func (s *Server) loginPage(c *gin.Context) {
	p := loginView{page: s.page(c, "Sign in"), Continue: auth.SafeContinue(c.Query("continue"))}
	if c.Query("continue") != "" {
		p.Notice = s.d.Messages.Text("auth.login_required", nil)
	}
	c.HTML(http.StatusOK, "login.html", p)
}

func (s *Server) login(c *gin.Context) {
	var in credentials
	if err := c.ShouldBind(&in); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid input"})
		return
	}
	u, err := s.d.Auth.Authenticate(c.Request.Context(), in.Username, in.Password)
	if err != nil {
		s.authFailed(c, in, err)
		return
	}
	s.signedIn(c, u, in.Continue, http.StatusOK)
}

func (s *Server) register(c *gin.Context) {
	var in credentials
	if err := c.ShouldBind(&in); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid input"})
		return
	}
	u, err := s.d.Auth.Register(c.Request.Context(), in.Username, in.Password)
	if err != nil {
		s.authFailed(c, in, err)
		return
	}
	s.signedIn(c, u, in.Continue, http.StatusCreated)
}

func (s *Server) logout(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(auth.CookieName, "", -1, "/", "", s.d.SecureCookies, true)
	if wantsJSON(c) {
		c.Status(http.StatusNoContent)
		return
	}
	c.Redirect(http.StatusSeeOther, "/login")
}

// signedIn answers API clients with the token and browsers with a cookie and a redirect.
func (s *Server) signedIn(c *gin.Context, u *auth.User, continueTo string, status int) {
	tok, exp, err := s.d.Auth.IssueSession(u)
	if err != nil {
		abortJSON(c, err)
		return
	}
	if wantsJSON(c) {
		c.JSON(status, gin.H{
			"token":      tok,
			"expires_at": exp.UTC().Format(time.RFC3339),
			"user":       gin.H{"id": u.ID, "username": u.Username},
		})
		return
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(auth.CookieName, tok, int(s.d.Auth.TTL().Seconds()), "/", "", s.d.SecureCookies, true)
	c.Redirect(http.StatusSeeOther, auth.SafeContinue(continueTo))
}

func (s *Server) authFailed(c *gin.Context, in credentials, err error) {
	if wantsJSON(c) {
		abortJSON(c, err)
		return
	}
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		abortJSON(c, err)
		return
	}
	p := loginView{page: s.page(c, "Sign in"), Continue: auth.SafeContinue(in.Continue)}
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		p.Notice = s.d.Messages.Text("auth.invalid_credentials", nil)
	case errors.Is(err, auth.ErrUsernameTaken):
		p.Notice = s.d.Messages.Text("auth.username_taken", nil)
	case errors.Is(err, auth.ErrInvalidUsername):
		p.Notice = s.d.Messages.Text("auth.invalid_username", nil)
	case errors.Is(err, auth.ErrWeakPassword):
		p.Notice = s.d.Messages.Text("auth.weak_password", nil)
	}
	c.HTML(code, "login.html", p)
}
