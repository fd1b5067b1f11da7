package replayhttp

import (
	"io"
	"net/http"

	"replaydesk/internal/desk"

	"github.com/gin-gonic/gin"
)

func (s *Server) handleSessionStart(c *gin.Context) {
	var req desk.StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sess, err := s.desk.Start(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"view": sess.View()})
}

func (s *Server) handleSessionList(c *gin.Context) {
	list, err := s.desk.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	activeID := ""
	if sess, err := s.desk.Active(); err == nil {
		activeID = sess.ID()
	}
	c.JSON(http.StatusOK, gin.H{"sessions": list, "active": activeID})
}

// handleSessionGet returns the full snapshot, which doubles as the export format.
func (s *Server) handleSessionGet(c *gin.Context) {
	snap, err := s.desk.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": snap})
}

func (s *Server) handleSessionImport(c *gin.Context) {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, 32<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	snap, err := s.desk.Import(c.Request.Context(), raw)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session": snap})
}

func (s *Server) handleSessionDelete(c *gin.Context) {
	if err := s.desk.Delete(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleSessionResume(c *gin.Context) {
	sess, err := s.desk.Resume(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"view": sess.View()})
}
