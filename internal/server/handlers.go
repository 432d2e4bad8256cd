package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"loom/internal/approval"
	"loom/internal/store"
)

// apiResponse is the envelope every JSON endpoint answers with.
type apiResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func ok(c *gin.Context, status int, data any) {
	c.JSON(status, apiResponse{Success: true, Data: data})
}

func fail(c *gin.Context, status int, msg string) {
	c.JSON(status, apiResponse{Success: false, Error: msg})
}

// failErr maps store errors onto status codes.
func failErr(c *gin.Context, err error) {
	if errors.Is(err, store.ErrNotFound) {
		fail(c, http.StatusNotFound, err.Error())
		return
	}
	fail(c, http.StatusInternalServerError, err.Error())
}

type createConversationRequest struct {
	UserID    string `json:"userId" binding:"required"`
	ProjectID string `json:"projectId"`
}

func (s *Server) handleCreateConversation(c *gin.Context) {
	var req createConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	conv, err := s.deps.Store.CreateConversation(c.Request.Context(), req.UserID, req.ProjectID)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusCreated, conv)
}

func (s *Server) handleListConversations(c *gin.Context) {
	userID := c.Query("userId")
	if userID == "" {
		fail(c, http.StatusBadRequest, "userId query parameter is required")
		return
	}
	convs, err := s.deps.Store.ListConversations(c.Request.Context(), userID)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, convs)
}

func (s *Server) handleGetConversation(c *gin.Context) {
	conv, err := s.deps.Store.GetConversation(c.Request.Context(), c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, conv)
}

func (s *Server) handleListMessages(c *gin.Context) {
	msgs, err := s.deps.Store.Messages(c.Request.Context(), c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, msgs)
}

type sendMessageRequest struct {
	Content string `json:"content" binding:"required"`
}

// handleSendMessage starts a turn. The generation continues after this
// request returns; clients follow it over the websocket or by polling.
func (s *Server) handleSendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	turn, err := s.deps.Orchestrator.Respond(c.Request.Context(), c.Param("id"), req.Content)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusAccepted, turn)
}

func (s *Server) handleStopMessage(c *gin.Context) {
	id := c.Param("id")
	if !s.deps.Orchestrator.Stop(id) {
		fail(c, http.StatusNotFound, "no active generation for message "+id)
		return
	}
	ok(c, http.StatusOK, gin.H{"stopped": true})
}

type healthResponse struct {
	Status           string    `json:"status"`
	Version          string    `json:"version"`
	Uptime           string    `json:"uptime"`
	BackendAvailable bool      `json:"backendAvailable"`
	Timestamp        time.Time `json:"timestamp"`
}

func (s *Server) handleHealth(c *gin.Context) {
	ok(c, http.StatusOK, healthResponse{
		Status:           "ok",
		Version:          s.deps.Version,
		Uptime:           time.Since(s.startedAt).Round(time.Second).String(),
		BackendAvailable: s.deps.Health.IsAvailable(c.Request.Context()),
		Timestamp:        time.Now(),
	})
}

func (s *Server) handleModels(c *gin.Context) {
	models := s.deps.Health.ListModels(c.Request.Context())
	ok(c, http.StatusOK, gin.H{"models": models})
}

type resolveApprovalRequest struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason"`
}

func (s *Server) handleResolveApproval(c *gin.Context) {
	if s.deps.Approvals == nil {
		fail(c, http.StatusNotFound, "approvals are not enabled")
		return
	}
	var req resolveApprovalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	id := c.Param("id")
	if !s.deps.Approvals.Resolve(id, approval.Decision{Approved: req.Approved, Reason: req.Reason}) {
		fail(c, http.StatusNotFound, "no pending approval "+id)
		return
	}
	ok(c, http.StatusOK, gin.H{"resolved": true})
}
