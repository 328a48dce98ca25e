package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/park285/tablutboard/internal/auth"
	"github.com/park285/tablutboard/internal/obslog"
	"github.com/park285/tablutboard/internal/push"
	"github.com/park285/tablutboard/internal/session"
)

type gameView struct {
	page
	GameKey  string
	Game     *session.Game
	Created  bool
	ShareURL string
	Status   string
	Seat     string
	Token    string
	FenStart string
	RulesJS  template.JS
}

type gamesView struct {
	page
	Active  []*session.Game
	Results []*session.Game
}

type gameRequest struct {
	GameKey  string `form:"gamekey" json:"gamekey"`
	Board    string `form:"board" json:"board"`
	Fen      string `form:"fen" json:"fen"`
	Notation string `form:"notation" json:"notation"`
	Winner   string `form:"winner" json:"winner"`
}

// mainPage starts a game when no gamekey is given and otherwise opens it, taking the O seat if free.
func (s *Server) mainPage(c *gin.Context) {
	me, _ := auth.Current(c)
	ctx := c.Request.Context()

	var (
		g       *session.Game
		created bool
		err     error
	)
	if key := strings.TrimSpace(c.Query("gamekey")); key == "" {
		g, err = s.d.Sessions.Start(ctx, player(me), c.Query("ruleset"))
		created = err == nil
	} else {
		var joined bool
		g, joined, err = s.d.Sessions.Open(ctx, key, player(me))
		if err == nil && joined {
			s.pushTo(ctx, g, g.UserX, s.d.Messages.Text("game.joined", map[string]string{"Name": g.NameO}))
		}
	}
	switch {
	case errors.Is(err, session.ErrGameNotFound):
		s.notFound(c, s.d.Messages.Text("game.not_found", nil))
		return
	case errors.Is(err, session.ErrRulesetNotFound):
		s.notFound(c, s.d.Messages.Text("ruleset.not_found", map[string]string{"Name": strings.TrimSpace(c.Query("ruleset"))}))
		return
	case err != nil:
		abortJSON(c, err)
		return
	}

	tok, err := s.d.Tokens.Mint(push.ClientID(me.ID, g.Key))
	if err != nil {
		abortJSON(c, err)
		return
	}
	status := s.statusText(g, me.ID)
	if created {
		status = s.d.Messages.Text("game.created", nil)
	}
	if wantsJSON(c) {
		c.JSON(http.StatusOK, gin.H{
			"game":      g,
			"created":   created,
			"seat":      g.SeatOf(me.ID),
			"token":     tok,
			"share_url": s.shareURL(g.Key),
			"status":    status,
		})
		return
	}

	p := gameView{
		page:     s.page(c, "Tablut"),
		GameKey:  g.Key,
		Game:     g,
		Created:  created,
		ShareURL: s.shareURL(g.Key),
		Status:   status,
		Seat:     g.SeatOf(me.ID),
		Token:    tok,
		FenStart: g.FenCurrent,
		RulesJS:  "null",
	}
	if g.Ruleset != "" {
		if rs, err := s.d.Rulesets.Get(ctx, g.Ruleset); err == nil {
			p.FenStart = rs.FenStart
			if js := strings.TrimSpace(rs.JS); js != "" && json.Valid([]byte(js)) {
				p.RulesJS = template.JS(js)
			}
		} else {
			obslog.L().Warn("game_ruleset_missing", zap.String("game_key", g.Key), zap.String("ruleset", g.Ruleset), zap.Error(err))
		}
	}
	c.HTML(http.StatusOK, "index.html", p)
}

func (s *Server) gamesPage(c *gin.Context) {
	me, _ := auth.Current(c)
	ctx := c.Request.Context()
	active, err := s.d.Sessions.ListByUser(ctx, me.ID)
	if err != nil {
		abortJSON(c, err)
		return
	}
	var results []*session.Game
	if s.d.Results != nil {
		if results, err = s.d.Results.RecentResults(ctx, me.ID, 20); err != nil {
			abortJSON(c, err)
			return
		}
	}
	if wantsJSON(c) {
		c.JSON(http.StatusOK, gin.H{"active": active, "results": results})
		return
	}
	c.HTML(http.StatusOK, "games.html", gamesView{page: s.page(c, "My games"), Active: active, Results: results})
}

// opened is called once the browser's channel is up; it replays the current state to that channel.
func (s *Server) opened(c *gin.Context) {
	me, _ := auth.Current(c)
	var in gameRequest
	if err := c.ShouldBind(&in); err != nil || strings.TrimSpace(in.GameKey) == "" {
		abortJSON(c, session.ErrInvalidArgs)
		return
	}
	ctx := c.Request.Context()
	g, err := s.d.Sessions.Get(ctx, in.GameKey)
	if err != nil {
		abortJSON(c, err)
		return
	}
	s.pushTo(ctx, g, me.ID, s.statusText(g, me.ID))
	c.JSON(http.StatusOK, session.UpdateFor(g, s.statusText(g, me.ID)))
}

func (s *Server) move(c *gin.Context) {
	me, _ := auth.Current(c)
	var in gameRequest
	if err := c.ShouldBind(&in); err != nil || strings.TrimSpace(in.GameKey) == "" {
		abortJSON(c, session.ErrInvalidArgs)
		return
	}
	ctx := c.Request.Context()
	g, err := s.d.Sessions.Move(ctx, in.GameKey, player(me), session.MoveInput{
		Board:    in.Board,
		Fen:      in.Fen,
		Notation: in.Notation,
		Winner:   in.Winner,
	})
	if err != nil {
		abortJSON(c, err)
		return
	}
	var moved string
	if n := strings.TrimSpace(in.Notation); n != "" {
		moved = s.d.Messages.Text("game.moved", map[string]string{"Name": me.Username, "Notation": n}) + " "
	}
	for _, id := range g.Players() {
		s.pushTo(ctx, g, id, moved+s.statusText(g, id))
	}
	c.JSON(http.StatusOK, session.UpdateFor(g, s.statusText(g, me.ID)))
}

// pushTo sends g to the channel userID holds for this game. Failures are logged, never surfaced.
func (s *Server) pushTo(ctx context.Context, g *session.Game, userID, text string) {
	if userID == "" {
		return
	}
	if err := s.d.Hub.Send(ctx, push.ClientID(userID, g.Key), session.UpdateFor(g, text)); err != nil {
		obslog.L().Warn("push_send_error", zap.String("game_key", g.Key), zap.String("user_id", userID), zap.Error(err))
	}
}

// statusText describes g from the point of view of viewerID.
func (s *Server) statusText(g *session.Game, viewerID string) string {
	m := s.d.Messages
	switch {
	case g.Winner == session.Draw:
		return m.Text("game.draw", nil)
	case g.Winner == session.SeatX:
		return m.Text("game.won", map[string]string{"Name": g.NameX})
	case g.Winner == session.SeatO:
		return m.Text("game.won", map[string]string{"Name": g.NameO})
	case g.SeatOf(viewerID) == "":
		return m.Text("game.spectating", nil)
	case !g.Full():
		return m.Text("game.waiting", nil)
	case g.ToMove() == viewerID:
		return m.Text("game.your_turn", nil)
	}
	name := g.NameX
	if !g.MoveX {
		name = g.NameO
	}
	return m.Text("game.their_turn", map[string]string{"Name": name})
}
