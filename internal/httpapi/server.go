package httpapi

import (
	"context"
	"embed"
	"html/template"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/park285/tablutboard/internal/auth"
	"github.com/park285/tablutboard/internal/msgcat"
	"github.com/park285/tablutboard/internal/obslog"
	"github.com/park285/tablutboard/internal/push"
	"github.com/park285/tablutboard/internal/ruleset"
	"github.com/park285/tablutboard/internal/session"
)

//go:embed templates/*.html
var templatesFS embed.FS

// ResultLister lists finished games; session.Repository satisfies it.
type ResultLister interface {
	RecentResults(ctx context.Context, userID string, limit int) ([]*session.Game, error)
}

type Deps struct {
	Sessions *session.Manager
	Rulesets ruleset.Repository
	// Results is optional; without it /games shows live games only.
	Results  ResultLister
	Auth     *auth.Service
	Hub      *push.Hub
	Tokens   *push.Tokens
	Messages *msgcat.Catalog

	PublicBaseURL string
	CORSOrigins   []string
	SecureCookies bool
}

type Server struct {
	d      Deps
	engine *gin.Engine
}

func New(d Deps) (*Server, error) {
	tpl, err := template.New("").ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, err
	}
	d.PublicBaseURL = strings.TrimRight(strings.TrimSpace(d.PublicBaseURL), "/")

	r := gin.New()
	r.Use(gin.Recovery(), obslog.GinLogger())
	if len(d.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     d.CORSOrigins,
			AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}
	r.Use(d.Auth.Identify())
	r.SetHTMLTemplate(tpl)

	s := &Server{d: d, engine: r}
	s.routes()
	return s, nil
}

func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() {
	r := s.engine
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	r.GET("/login", s.loginPage)
	r.POST("/login", s.login)
	r.POST("/register", s.register)
	r.POST("/logout", s.logout)

	r.GET("/", auth.RequirePage(), s.mainPage)
	r.GET("/games", auth.RequirePage(), s.gamesPage)
	r.POST("/opened", auth.RequireAPI(), s.opened)
	r.POST("/move", auth.RequireAPI(), s.move)
	r.GET("/channel", gin.WrapF(s.d.Hub.ServeWS))

	r.GET("/rulesets", s.listRulesets)
	r.POST("/rulesets", auth.RequireAPI(), s.createRuleset)
	r.GET("/rulesets/:name", s.getRuleset)
	r.GET("/rulesets/:name/preview.png", s.previewRuleset)

	r.NoRoute(func(c *gin.Context) { s.notFound(c, "") })
}

// page carries the fields every template reads.
type page struct {
	Title  string
	Me     auth.Identity
	Notice string
}

func (s *Server) page(c *gin.Context, title string) page {
	me, _ := auth.Current(c)
	return page{Title: title, Me: me}
}

func (s *Server) notFound(c *gin.Context, notice string) {
	if wantsJSON(c) {
		if notice == "" {
			notice = "not found"
		}
		c.JSON(http.StatusNotFound, gin.H{"error": notice})
		return
	}
	p := s.page(c, "Not found")
	p.Notice = notice
	c.HTML(http.StatusNotFound, "notfound.html", p)
}

// wantsJSON is true for API clients: JSON bodies or an Accept header preferring JSON.
func wantsJSON(c *gin.Context) bool {
	if strings.HasPrefix(c.ContentType(), gin.MIMEJSON) {
		return true
	}
	return c.NegotiateFormat(gin.MIMEHTML, gin.MIMEJSON) == gin.MIMEJSON
}

func player(id auth.Identity) session.Player {
	return session.Player{ID: id.ID, Name: id.Username}
}

func (s *Server) shareURL(key string) string {
	return s.d.PublicBaseURL + "/?gamekey=" + key
}
