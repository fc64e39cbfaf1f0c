package rest

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/KevinKickass/OpenLabCore/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func statusForError(err error) int {
	switch {
	case errors.Is(err, types.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrInvalid):
		return http.StatusUnprocessableEntity
	case errors.Is(err, types.ErrTimeout):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err with the status its kind maps to.
func (s *Server) respondError(c *gin.Context, err error) {
	s.respondErrorStatus(c, statusForError(err), err)
}

func (s *Server) respondErrorStatus(c *gin.Context, status int, err error) {
	var coded *types.CodedError
	if !errors.As(err, &coded) {
		s.logger.Error("Request failed",
			zap.String("path", c.Request.URL.Path),
			zap.Error(err))
		c.JSON(status, types.NewErrorResponse("InternalError", "Internal server error", err.Error()))
		return
	}
	c.JSON(status, types.NewErrorResponse(coded.Code, coded.Message, nil))
}

func badRequest(c *gin.Context, message string, err error) {
	c.JSON(http.StatusBadRequest, types.NewErrorResponse("InvalidRequest", message, err.Error()))
}

// queryInt parses an optional integer query parameter.
func queryInt(c *gin.Context, name string) (*int, error) {
	raw, ok := c.GetQuery(name)
	if !ok || raw == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return nil, types.NewError(types.ErrInvalid, "InvalidQueryParameter",
			"%s must be a non-negative integer", name)
	}
	return &v, nil
}

// queryBool parses an optional boolean query parameter, false when absent.
func queryBool(c *gin.Context, name string) (bool, error) {
	raw, ok := c.GetQuery(name)
	if !ok || raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, types.NewError(types.ErrInvalid, "InvalidQueryParameter",
			"%s must be true or false", name)
	}
	return v, nil
}
