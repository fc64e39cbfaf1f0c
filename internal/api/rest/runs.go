package rest

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/KevinKickass/OpenLabCore/internal/engine"
	"github.com/KevinKickass/OpenLabCore/internal/runs"
	"github.com/KevinKickass/OpenLabCore/internal/types"
	"github.com/gin-gonic/gin"
)

const defaultPageLength = 20

type runCreateRequest struct {
	Data runs.RunCreate `json:"data"`
}

type runUpdateRequest struct {
	Data struct {
		Current *bool `json:"current"`
	} `json:"data"`
}

type actionRequest struct {
	Data struct {
		ActionType runs.ActionType `json:"actionType" binding:"required"`
	} `json:"data"`
}

type commandCreate struct {
	CommandType     string               `json:"commandType" binding:"required"`
	Params          json.RawMessage      `json:"params"`
	Intent          engine.CommandIntent `json:"intent"`
	Key             string               `json:"key"`
	FailedCommandID string               `json:"failedCommandId"`
}

type commandCreateRequest struct {
	Data commandCreate `json:"data"`
}

type labwareOffsetRequest struct {
	Data engine.LabwareOffsetCreate `json:"data"`
}

type link struct {
	Href string `json:"href"`
}

func runLink(runID string) *link {
	return &link{Href: "/api/v1/runs/" + runID}
}

// POST /api/v1/runs
func (s *Server) createRun(c *gin.Context) {
	var req runCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, "Invalid request body", err)
		return
	}

	run, err := s.lm.Runs().Create(c.Request.Context(), req.Data)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": run})
}

// GET /api/v1/runs
func (s *Server) listRuns(c *gin.Context) {
	list, err := s.lm.Runs().List(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}

	var current *link
	for _, run := range list {
		if run.Current {
			current = runLink(run.ID)
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"data":  list,
		"links": gin.H{"current": current},
	})
}

// GET /api/v1/runs/:runId
func (s *Server) getRun(c *gin.Context) {
	run, err := s.lm.Runs().Get(c.Request.Context(), c.Param("runId"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": run})
}

// PATCH /api/v1/runs/:runId
func (s *Server) updateRun(c *gin.Context) {
	var req runUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}
	if req.Data.Current == nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("InvalidRequest", "data.current is required", nil))
		return
	}

	run, err := s.lm.Runs().SetCurrent(c.Request.Context(), c.Param("runId"), *req.Data.Current)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": run})
}

// DELETE /api/v1/runs/:runId
func (s *Server) deleteRun(c *gin.Context) {
	if err := s.lm.Runs().Delete(c.Request.Context(), c.Param("runId")); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

// POST /api/v1/runs/:runId/actions
func (s *Server) createRunAction(c *gin.Context) {
	var req actionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	action, err := s.lm.Runs().Act(c.Request.Context(), c.Param("runId"), req.Data.ActionType)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": action})
}

// POST /api/v1/runs/:runId/commands?waitUntilComplete=true&timeout=ms
// Without timeout the wait is unbounded; timeout=0 returns at once.
func (s *Server) createRunCommand(c *gin.Context) {
	var req commandCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	wait, err := queryBool(c, "waitUntilComplete")
	if err != nil {
		s.respondError(c, err)
		return
	}
	timeoutMS, err := queryInt(c, "timeout")
	if err != nil {
		s.respondError(c, err)
		return
	}
	var timeout time.Duration
	if timeoutMS != nil {
		if *timeoutMS == 0 {
			wait = false
		}
		timeout = time.Duration(*timeoutMS) * time.Millisecond
	}

	cmdReq, err := toCommandRequest(req.Data)
	if err != nil {
		s.respondError(c, err)
		return
	}

	cmd, err := s.lm.Runs().AddCommand(c.Request.Context(), c.Param("runId"), cmdReq, wait, timeout)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": cmd})
}

func toCommandRequest(in commandCreate) (engine.CommandRequest, error) {
	switch in.Intent {
	case "", engine.IntentSetup, engine.IntentProtocol, engine.IntentFixit:
	default:
		return engine.CommandRequest{}, types.NewError(types.ErrInvalid, engine.CodeInvalidCommand,
			"unknown intent %q", in.Intent)
	}

	params := in.Params
	if len(params) == 0 || string(params) == "null" {
		params = json.RawMessage("{}")
	}
	spec, err := engine.DecodeCommandSpec(in.CommandType, params)
	if err != nil {
		return engine.CommandRequest{}, types.NewError(types.ErrInvalid, engine.CodeInvalidCommand, "%s", err)
	}
	return engine.CommandRequest{
		Spec:            spec,
		Intent:          in.Intent,
		Key:             in.Key,
		FailedCommandID: in.FailedCommandID,
	}, nil
}

// GET /api/v1/runs/:runId/commands?cursor=&pageLength=
func (s *Server) listRunCommands(c *gin.Context) {
	cursor, err := queryInt(c, "cursor")
	if err != nil {
		s.respondError(c, err)
		return
	}
	length, err := queryInt(c, "pageLength")
	if err != nil {
		s.respondError(c, err)
		return
	}
	pageLength := defaultPageLength
	if length != nil {
		pageLength = *length
	}

	page, err := s.lm.Runs().Commands(c.Request.Context(), c.Param("runId"), cursor, pageLength)
	if err != nil {
		s.respondError(c, err)
		return
	}

	links := gin.H{}
	if page.Current != nil {
		links["current"] = gin.H{
			"href": "/api/v1/runs/" + c.Param("runId") + "/commands/" + page.Current.ID,
			"meta": page.Current,
		}
	}
	if page.RecoveryTarget != nil {
		links["currentlyRecoveringFrom"] = gin.H{
			"href": "/api/v1/runs/" + c.Param("runId") + "/commands/" + page.RecoveryTarget.ID,
			"meta": page.RecoveryTarget,
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"data": page.Commands,
		"meta": gin.H{
			"cursor":      page.Cursor,
			"totalLength": page.TotalLength,
		},
		"links": links,
	})
}

// GET /api/v1/runs/:runId/commands/:commandId
func (s *Server) getRunCommand(c *gin.Context) {
	cmd, err := s.lm.Runs().Command(c.Request.Context(), c.Param("runId"), c.Param("commandId"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": cmd})
}

// GET /api/v1/runs/:runId/commandErrors?cursor=&pageLength=
func (s *Server) listRunCommandErrors(c *gin.Context) {
	cursor, err := queryInt(c, "cursor")
	if err != nil {
		s.respondError(c, err)
		return
	}
	length, err := queryInt(c, "pageLength")
	if err != nil {
		s.respondError(c, err)
		return
	}
	start, pageLength := 0, defaultPageLength
	if cursor != nil {
		start = *cursor
	}
	if length != nil {
		pageLength = *length
	}

	page, err := s.lm.Runs().CommandErrors(c.Request.Context(), c.Param("runId"), start, pageLength)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"data": page.Errors,
		"meta": gin.H{
			"cursor":      page.Cursor,
			"totalLength": page.TotalLength,
		},
	})
}

// POST /api/v1/runs/:runId/labware_offsets
func (s *Server) createLabwareOffset(c *gin.Context) {
	var req labwareOffsetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	off, err := s.lm.Runs().AddLabwareOffset(c.Request.Context(), c.Param("runId"), req.Data)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": off})
}
