package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	domainerr "openskelo/internal/errors"
	"openskelo/internal/pipeline"
	"openskelo/internal/store"
	"openskelo/internal/webhook"
)

func (s *Server) registerPipelineRoutes(r gin.IRoutes) {
	r.POST("/pipelines", s.handleCreatePipeline)
	r.GET("/pipelines", s.handleListPipelines)
	r.GET("/pipelines/:id", s.handleGetPipeline)
	r.POST("/pipelines/:id/hold", s.handleHoldPipeline)
	r.POST("/pipelines/:id/resume", s.handleResumePipeline)
}

func (s *Server) handleCreatePipeline(c *gin.Context) {
	var input pipeline.CreateDagInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body: " + err.Error()})
		return
	}
	pipelineID, tasks, err := s.store.CreateDagPipeline(c.Request.Context(), input)
	if err != nil {
		s.mapError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"pipeline_id": pipelineID, "tasks": tasks})
}

func (s *Server) handleListPipelines(c *gin.Context) {
	summaries, err := s.store.ListPipelines(c.Request.Context(), c.Query("status"))
	if err != nil {
		s.mapError(c, err)
		return
	}
	if summaries == nil {
		summaries = []store.PipelineSummary{}
	}
	c.JSON(http.StatusOK, summaries)
}

func (s *Server) handleGetPipeline(c *gin.Context) {
	tasks, err := s.store.ListByPipeline(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.mapError(c, err)
		return
	}
	if len(tasks) == 0 {
		s.mapError(c, domainerr.NotFound("pipeline", c.Param("id")))
		return
	}
	c.JSON(http.StatusOK, tasks)
}

func (s *Server) handleHoldPipeline(c *gin.Context) {
	id := c.Param("id")
	held, err := s.store.HoldPipeline(c.Request.Context(), id)
	if err != nil {
		s.mapError(c, err)
		return
	}
	if s.notifier != nil {
		s.notifier.EmitPipeline(webhook.EventPipelineHeld, id, map[string]any{"tasks_held": held})
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "tasks_held": held})
}

func (s *Server) handleResumePipeline(c *gin.Context) {
	id := c.Param("id")
	resumed, err := s.store.ResumePipeline(c.Request.Context(), id)
	if err != nil {
		s.mapError(c, err)
		return
	}
	if s.notifier != nil {
		s.notifier.EmitPipeline(webhook.EventPipelineResumed, id, map[string]any{"tasks_resumed": resumed})
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "tasks_resumed": resumed})
}
