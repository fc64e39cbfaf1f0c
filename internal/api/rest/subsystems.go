package rest

import (
	"net/http"
	"time"

	"github.com/KevinKickass/OpenLabCore/internal/firmware"
	"github.com/KevinKickass/OpenLabCore/internal/hardware"
	"github.com/KevinKickass/OpenLabCore/internal/types"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// updateListItem is the non-blocking view of an update used in lists.
type updateListItem struct {
	firmware.ProcessDetails
	UpdateStatus hardware.UpdateState `json:"updateStatus"`
}

type updateView struct {
	firmware.ProcessDetails
	firmware.UpdateProgress
}

func parseSubsystem(c *gin.Context) (hardware.Subsystem, error) {
	sub, err := hardware.ParseSubsystem(c.Param("subsystem"))
	if err != nil {
		return "", types.NewError(types.ErrInvalid, "InvalidSubsystem", "%s", err)
	}
	return sub, nil
}

// GET /api/v1/subsystems/status
func (s *Server) listSubsystems(c *gin.Context) {
	subs, err := s.lm.Firmware().Subsystems(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": subs})
}

// GET /api/v1/subsystems/status/:subsystem
func (s *Server) getSubsystem(c *gin.Context) {
	sub, err := parseSubsystem(c)
	if err != nil {
		s.respondError(c, err)
		return
	}
	info, err := s.lm.Firmware().Subsystem(c.Request.Context(), sub)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": info})
}

// POST /api/v1/subsystems/updates/:subsystem
func (s *Server) startSubsystemUpdate(c *gin.Context) {
	sub, err := parseSubsystem(c)
	if err != nil {
		s.respondError(c, err)
		return
	}

	ctx := c.Request.Context()
	mgr := s.lm.Firmware()
	updateID := uuid.NewString()
	timeout := s.lm.Config().Firmware.UpdateStartTimeout

	h, err := mgr.StartUpdate(ctx, updateID, sub, time.Now().UTC(), timeout)
	if err != nil {
		switch types.CodeOf(err) {
		case firmware.CodeUpdateInProgress:
			c.Header("Location", "/api/v1/subsystems/updates/current/"+string(sub))
			s.respondErrorStatus(c, http.StatusSeeOther, err)
		case firmware.CodeUpdateIDExists:
			// ids are generated here, so a collision is a server fault
			s.respondErrorStatus(c, http.StatusInternalServerError, err)
		default:
			s.respondError(c, err)
		}
		return
	}

	summary, err := h.Summary(ctx)
	if err != nil {
		s.respondError(c, err)
		return
	}

	s.logger.Info("Subsystem update requested",
		zap.String("update_id", updateID),
		zap.String("subsystem", string(sub)))

	c.Header("Location", "/api/v1/subsystems/updates/all/"+updateID)
	c.JSON(http.StatusCreated, gin.H{"data": toUpdateView(summary)})
}

// GET /api/v1/subsystems/updates/current
func (s *Server) listOngoingUpdates(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": toListItems(s.lm.Firmware().Ongoing())})
}

// GET /api/v1/subsystems/updates/current/:subsystem
func (s *Server) getOngoingUpdate(c *gin.Context) {
	sub, err := parseSubsystem(c)
	if err != nil {
		s.respondError(c, err)
		return
	}
	h, err := s.lm.Firmware().OngoingBySubsystem(sub)
	if err != nil {
		s.respondError(c, err)
		return
	}
	s.respondUpdate(c, h)
}

// GET /api/v1/subsystems/updates/all
func (s *Server) listAllUpdates(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": toListItems(s.lm.Firmware().All())})
}

// GET /api/v1/subsystems/updates/all/:id
func (s *Server) getUpdate(c *gin.Context) {
	h, err := s.lm.Firmware().HandleByID(c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	s.respondUpdate(c, h)
}

// respondUpdate reports the latest progress, or the terminal error of a
// failed update.
func (s *Server) respondUpdate(c *gin.Context, h firmware.Handle) {
	summary, err := h.Summary(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": toUpdateView(summary)})
}

func toUpdateView(s firmware.ProcessSummary) updateView {
	return updateView{ProcessDetails: s.Details, UpdateProgress: s.Progress}
}

func toListItems(handles []firmware.Handle) []updateListItem {
	out := make([]updateListItem, 0, len(handles))
	for _, h := range handles {
		out = append(out, updateListItem{
			ProcessDetails: h.Details(),
			UpdateStatus:   h.CachedState(),
		})
	}
	return out
}
