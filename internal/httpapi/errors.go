package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/park285/tablutboard/internal/auth"
	"github.com/park285/tablutboard/internal/obslog"
	"github.com/park285/tablutboard/internal/ruleset"
	"github.com/park285/tablutboard/internal/session"
)

// statusFor maps domain errors onto HTTP status codes. Unknown errors are 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrGameNotFound),
		errors.Is(err, session.ErrRulesetNotFound),
		errors.Is(err, ruleset.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrNotPlayer):
		return http.StatusForbidden
	case errors.Is(err, session.ErrNotYourTurn),
		errors.Is(err, session.ErrWaitingForOpponent),
		errors.Is(err, session.ErrGameOver),
		errors.Is(err, session.ErrConflict),
		errors.Is(err, ruleset.ErrDuplicate),
		errors.Is(err, auth.ErrUsernameTaken):
		return http.StatusConflict
	case errors.Is(err, session.ErrInvalidArgs),
		errors.Is(err, session.ErrInvalidWinner),
		errors.Is(err, session.ErrEmptyBoard),
		errors.Is(err, ruleset.ErrInvalidName),
		errors.Is(err, ruleset.ErrInvalidFEN),
		errors.Is(err, auth.ErrInvalidUsername),
		errors.Is(err, auth.ErrWeakPassword):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized
	}
	return http.StatusInternalServerError
}

// abortJSON writes {"error": ...}; internal errors are logged and hidden from the client.
func abortJSON(c *gin.Context, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		obslog.L().Error("http_internal_error", zap.String("path", c.FullPath()), zap.Error(err))
		msg = "internal error"
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(code, gin.H{"error": msg})
}
