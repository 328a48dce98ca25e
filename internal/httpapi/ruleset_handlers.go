package httpapi

import (
	"bytes"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/park285/tablutboard/internal/auth"
	"github.com/park285/tablutboard/internal/render"
	"github.com/park285/tablutboard/internal/ruleset"
)

type rulesetsView struct {
	page
	Rulesets []*ruleset.Ruleset
}

type rulesetRequest struct {
	Name     string `form:"name" json:"name"`
	JS       string `form:"js" json:"js"`
	FenStart string `form:"fen_start" json:"fen_start"`
}

func (s *Server) listRulesets(c *gin.Context) {
	list, err := s.d.Rulesets.List(c.Request.Context())
	if err != nil {
		abortJSON(c, err)
		return
	}
	if wantsJSON(c) {
		c.JSON(http.StatusOK, gin.H{"rulesets": list})
		return
	}
	c.HTML(http.StatusOK, "rulesets.html", rulesetsView{page: s.page(c, "Rulesets"), Rulesets: list})
}

func (s *Server) getRuleset(c *gin.Context) {
	rs, err := s.d.Rulesets.Get(c.Request.Context(), strings.ToLower(c.Param("name")))
	if errors.Is(err, ruleset.ErrNotFound) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{
			"error": s.d.Messages.Text("ruleset.not_found", map[string]string{"Name": c.Param("name")}),
		})
		return
	}
	if err != nil {
		abortJSON(c, err)
		return
	}
	c.JSON(http.StatusOK, rs)
}

func (s *Server) createRuleset(c *gin.Context) {
	me, _ := auth.Current(c)
	var in rulesetRequest
	if err := c.ShouldBind(&in); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid input"})
		return
	}
	rs := &ruleset.Ruleset{Name: in.Name, JS: strings.TrimSpace(in.JS), FenStart: in.FenStart, CreatedBy: me.ID}
	err := s.d.Rulesets.Create(c.Request.Context(), rs)
	switch {
	case errors.Is(err, ruleset.ErrDuplicate):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{
			"error": s.d.Messages.Text("ruleset.duplicate", map[string]string{"Name": rs.Name}),
		})
		return
	case errors.Is(err, ruleset.ErrInvalidName), errors.Is(err, ruleset.ErrInvalidFEN):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error": s.d.Messages.Text("ruleset.invalid", map[string]string{"Reason": err.Error()}),
		})
		return
	case err != nil:
		abortJSON(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"ruleset": rs,
		"message": s.d.Messages.Text("ruleset.created", map[string]string{"Name": rs.Name}),
	})
}

// previewRuleset draws the start position. ?size= sets the square size in pixels.
func (s *Server) previewRuleset(c *gin.Context) {
	ctx := c.Request.Context()
	rs, err := s.d.Rulesets.Get(ctx, strings.ToLower(c.Param("name")))
	if err != nil {
		abortJSON(c, err)
		return
	}
	board, err := ruleset.ParseFEN(rs.FenStart)
	if err != nil {
		abortJSON(c, err)
		return
	}
	opts := render.Options{Title: rs.Name}
	if v := c.Query("size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "size must be an integer"})
			return
		}
		opts.SquareSize = n
	}
	png, err := render.RenderPNG(ctx, board, opts)
	if errors.Is(err, render.ErrInvalidSquareSize) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		abortJSON(c, err)
		return
	}
	c.Header("Cache-Control", "public, max-age=3600")
	c.DataFromReader(http.StatusOK, int64(len(png)), "image/png", bytes.NewReader(png), nil)
}
