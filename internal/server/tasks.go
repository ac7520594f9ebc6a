package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	domainerr "openskelo/internal/errors"
	"openskelo/internal/pipeline"
	"openskelo/internal/store"
	"openskelo/internal/task"
)

func (s *Server) registerTaskRoutes(r gin.IRoutes) {
	r.POST("/tasks", s.handleCreateTask)
	r.GET("/tasks", s.handleListTasks)
	r.POST("/tasks/inject", s.handleInjectTask)
	r.POST("/tasks/claim-next", s.handleClaimNext)
	r.GET("/tasks/:id", s.handleGetTask)
	r.PATCH("/tasks/:id/priority", s.handlePriority)
	r.PATCH("/tasks/:id/reorder", s.handleReorder)
	r.POST("/tasks/:id/transition", s.handleTransition)
	r.POST("/tasks/:id/heartbeat", s.handleHeartbeat)
	r.POST("/tasks/:id/release", s.handleRelease)
}

func (s *Server) handleCreateTask(c *gin.Context) {
	var input task.CreateInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body: " + err.Error()})
		return
	}
	created, err := s.store.CreateTask(c.Request.Context(), input)
	if err != nil {
		s.mapError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (s *Server) handleInjectTask(c *gin.Context) {
	var input task.InjectInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body: " + err.Error()})
		return
	}
	created, err := s.store.InjectTask(c.Request.Context(), input)
	if err != nil {
		s.mapError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (s *Server) handleListTasks(c *gin.Context) {
	filter := store.ListFilter{
		Status:     task.Status(c.Query("status")),
		Type:       c.Query("type"),
		PipelineID: c.Query("pipeline_id"),
	}
	tasks, err := s.store.ListTasks(c.Request.Context(), filter, intQuery(c, "limit", 100), intQuery(c, "offset", 0))
	if err != nil {
		s.mapError(c, err)
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	c.JSON(http.StatusOK, tasks)
}

func (s *Server) handleGetTask(c *gin.Context) {
	t, err := s.store.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) handlePriority(c *gin.Context) {
	var body struct {
		Priority *int `json:"priority"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Priority == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "priority is required"})
		return
	}
	updated, err := s.store.UpdateTask(c.Request.Context(), c.Param("id"), map[string]any{"priority": *body.Priority})
	if err != nil {
		s.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (s *Server) handleReorder(c *gin.Context) {
	var body struct {
		Position store.Position `json:"position"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body: " + err.Error()})
		return
	}
	if err := s.store.Reorder(c.Request.Context(), c.Param("id"), body.Position); err != nil {
		s.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type transitionBody struct {
	To task.Status `json:"to"`
	task.TransitionContext
}

func (s *Server) handleTransition(c *gin.Context) {
	var body transitionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body: " + err.Error()})
		return
	}
	if body.To == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "to is required"})
		return
	}
	if body.To == task.StatusInProgress && body.LeaseOwner != "" && body.LeaseExpiresAt == nil {
		expires := time.Now().Add(s.config.LeaseTTL)
		body.LeaseExpiresAt = &expires
	}
	updated, err := s.store.Transition(c.Request.Context(), c.Param("id"), body.To, body.TransitionContext)
	if err != nil {
		s.mapError(c, err)
		return
	}
	s.afterTransition(c.Request.Context(), updated)
	c.JSON(http.StatusOK, updated)
}

func (s *Server) handleHeartbeat(c *gin.Context) {
	err := s.store.Heartbeat(c.Request.Context(), c.Param("id"), time.Now().Add(s.config.LeaseTTL))
	if err != nil {
		s.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleRelease(c *gin.Context) {
	var body struct {
		Error string `json:"error"`
	}
	_ = c.ShouldBindJSON(&body)
	tc := task.TransitionContext{Actor: "api"}
	if body.Error != "" {
		tc.LastError = &body.Error
	}
	released, err := s.store.Transition(c.Request.Context(), c.Param("id"), task.StatusPending, tc)
	if err != nil {
		s.mapError(c, err)
		return
	}
	s.afterTransition(c.Request.Context(), released)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// handleClaimNext lets an external worker claim the next eligible task
// under the same rules the dispatcher uses.
func (s *Server) handleClaimNext(c *gin.Context) {
	var body struct {
		Type       string `json:"type"`
		LeaseOwner string `json:"lease_owner"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.LeaseOwner == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "lease_owner is required"})
		return
	}

	ctx := c.Request.Context()
	var exclude []string
	for range 25 {
		candidate, err := s.store.GetNext(ctx, store.QueueFilter{Type: body.Type, ExcludeIDs: exclude})
		if err != nil {
			s.mapError(c, err)
			return
		}
		if candidate == nil {
			s.mapError(c, domainerr.NotFound("eligible task", body.Type))
			return
		}
		met, err := pipeline.DependenciesMet(ctx, s.store, candidate)
		if err != nil {
			s.mapError(c, err)
			return
		}
		if !met {
			exclude = append(exclude, candidate.ID)
			continue
		}
		expires := time.Now().Add(s.config.LeaseTTL)
		claimed, err := s.store.Transition(ctx, candidate.ID, task.StatusInProgress, task.TransitionContext{
			Actor:          body.LeaseOwner,
			LeaseOwner:     body.LeaseOwner,
			LeaseExpiresAt: &expires,
		})
		if err != nil {
			if domainerr.IsTransition(err) {
				// Raced another claimer; try the next candidate.
				exclude = append(exclude, candidate.ID)
				continue
			}
			s.mapError(c, err)
			return
		}
		c.JSON(http.StatusOK, claimed)
		return
	}
	s.mapError(c, domainerr.NotFound("eligible task", body.Type))
}
