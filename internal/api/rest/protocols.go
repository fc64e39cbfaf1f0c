package rest

import (
	"fmt"
	"io"
	"net/http"

	"github.com/KevinKickass/OpenLabCore/internal/protocols"
	"github.com/KevinKickass/OpenLabCore/internal/types"
	"github.com/gin-gonic/gin"
)

const maxProtocolUpload = 32 << 20

// POST /api/v1/protocols (multipart: files, kind, key)
func (s *Server) createProtocol(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		badRequest(c, "Invalid multipart form", err)
		return
	}

	kind, err := protocols.ParseKind(c.PostForm("kind"))
	if err != nil {
		s.respondError(c, types.NewError(types.ErrInvalid, "InvalidProtocolKind", "%s", err))
		return
	}

	var uploads []protocols.Upload
	for _, fh := range form.File["files"] {
		f, err := fh.Open()
		if err != nil {
			badRequest(c, "Failed to read upload", err)
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			badRequest(c, "Failed to read upload", err)
			return
		}
		uploads = append(uploads, protocols.Upload{Name: fh.Filename, Data: data})
	}

	p, existing, err := s.lm.Protocols().Create(c.Request.Context(), uploads, kind, c.PostForm("key"))
	if err != nil {
		s.respondError(c, err)
		return
	}

	status := http.StatusCreated
	if existing {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"data": p})
}

// GET /api/v1/protocols
func (s *Server) listProtocols(c *gin.Context) {
	list, err := s.lm.Protocols().List(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"data": list,
		"meta": gin.H{"totalLength": len(list)},
	})
}

// GET /api/v1/protocols/:protocolId
func (s *Server) getProtocol(c *gin.Context) {
	p, err := s.lm.Protocols().Get(c.Request.Context(), c.Param("protocolId"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": p})
}

// DELETE /api/v1/protocols/:protocolId
func (s *Server) deleteProtocol(c *gin.Context) {
	id := c.Param("protocolId")
	if err := s.lm.Protocols().Delete(c.Request.Context(), id); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": fmt.Sprintf("protocol %s deleted", id)})
}
