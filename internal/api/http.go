package api

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/victornm/livequiz/internal/errors"
	"github.com/victornm/livequiz/internal/results"
)

// RegisterHTTP mounts the discovery routes under /api/v1/quiz.
func (a *API) RegisterHTTP(r gin.IRouter) {
	g := r.Group("/api/v1/quiz")

	g.GET("", a.listSessions)
	g.POST("/create", a.createSession)
	g.POST("/check-code", a.checkCode)
	g.GET("/:code", a.getSession)
	g.GET("/:code/leaderboard", a.getLeaderboard)
	g.GET("/:code/results", a.listResults)
	g.DELETE("/:code", a.endSession)
}

func (a *API) listSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": a.reg.List()})
}

func (a *API) createSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, invalidBody(err))
		return
	}

	resp, err := a.CreateSession(c.Request.Context(), &req)
	if err != nil {
		renderError(c, err)
		return
	}

	c.JSON(http.StatusCreated, resp)
}

func (a *API) checkCode(c *gin.Context) {
	var req CheckCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, invalidBody(err))
		return
	}

	resp, err := a.CheckCode(c.Request.Context(), &req)
	if err != nil {
		renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (a *API) getSession(c *gin.Context) {
	s, err := a.reg.GetSession(c.Param("code"))
	if err != nil {
		renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, s.Snapshot())
}

func (a *API) getLeaderboard(c *gin.Context) {
	resp, err := a.GetLeaderboard(c.Request.Context(), &GetLeaderboardRequest{Code: c.Param("code")})
	if err != nil {
		renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (a *API) listResults(c *gin.Context) {
	if a.results == nil {
		renderError(c, errors.New(errors.CodeNotFound, errors.WithMessagef("results archive is not configured")))
		return
	}

	res, err := a.results.ListResults(c.Request.Context(), results.ListResultsRequest{Code: c.Param("code")})
	if err != nil {
		renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"code": c.Param("code"), "results": res})
}

func (a *API) endSession(c *gin.Context) {
	if _, err := a.EndSession(c.Request.Context(), &EndSessionRequest{Code: c.Param("code")}); err != nil {
		renderError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func invalidBody(err error) error {
	return errors.New(errors.CodeInvalidArgument, errors.WithMessagef("invalid request body"), errors.WithCause(err))
}

func renderError(c *gin.Context, err error) {
	e := errors.Convert(err)
	if e.Code == errors.CodeInternal {
		slog.ErrorContext(c.Request.Context(), "api: request failed", "path", c.FullPath(), "error", err)
	}

	c.AbortWithStatusJSON(e.HTTPStatusCode(), e)
}
