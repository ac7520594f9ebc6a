package server

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	domainerr "openskelo/internal/errors"
	"openskelo/internal/pipeline"
	"openskelo/internal/store"
	"openskelo/internal/task"
)

func (s *Server) registerTemplateRoutes(r gin.IRoutes) {
	r.POST("/templates", s.handleCreateTemplate)
	r.GET("/templates", s.handleListTemplates)
	r.POST("/templates/:name/instantiate", s.handleInstantiateTemplate)
	r.DELETE("/templates/:name", s.handleDeleteTemplate)
}

func (s *Server) handleCreateTemplate(c *gin.Context) {
	var body struct {
		Name         string          `json:"name"`
		Description  string          `json:"description"`
		TemplateType string          `json:"template_type"`
		Definition   json.RawMessage `json:"definition"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body: " + err.Error()})
		return
	}
	tpl, err := s.store.CreateTemplate(c.Request.Context(), body.Name, body.Description, body.TemplateType, body.Definition)
	if err != nil {
		s.mapError(c, err)
		return
	}
	c.JSON(http.StatusCreated, tpl)
}

func (s *Server) handleListTemplates(c *gin.Context) {
	templates, err := s.store.ListTemplates(c.Request.Context())
	if err != nil {
		s.mapError(c, err)
		return
	}
	if templates == nil {
		templates = []*task.Template{}
	}
	c.JSON(http.StatusOK, templates)
}

func (s *Server) handleDeleteTemplate(c *gin.Context) {
	if err := s.store.DeleteTemplate(c.Request.Context(), c.Param("name")); err != nil {
		s.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// handleInstantiateTemplate renders the template with the supplied
// variables and creates a task or a DAG pipeline from the result.
func (s *Server) handleInstantiateTemplate(c *gin.Context) {
	var body struct {
		Variables map[string]string `json:"variables"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body: " + err.Error()})
		return
	}
	ctx := c.Request.Context()
	tpl, err := s.store.GetTemplate(ctx, c.Param("name"))
	if err != nil {
		s.mapError(c, err)
		return
	}
	rendered, err := store.RenderTemplate(tpl.Definition, body.Variables)
	if err != nil {
		s.mapError(c, err)
		return
	}

	switch tpl.TemplateType {
	case task.TemplateTypeTask:
		var input task.CreateInput
		if err := json.Unmarshal(rendered, &input); err != nil {
			s.mapError(c, domainerr.Validationf("rendered template is not a task definition: %v", err))
			return
		}
		created, err := s.store.CreateTask(ctx, input)
		if err != nil {
			s.mapError(c, err)
			return
		}
		c.JSON(http.StatusCreated, created)
	case task.TemplateTypePipeline:
		var input pipeline.CreateDagInput
		if err := json.Unmarshal(rendered, &input); err != nil {
			s.mapError(c, domainerr.Validationf("rendered template is not a pipeline definition: %v", err))
			return
		}
		pipelineID, tasks, err := s.store.CreateDagPipeline(ctx, input)
		if err != nil {
			s.mapError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"pipeline_id": pipelineID, "tasks": tasks})
	default:
		s.mapError(c, domainerr.Validationf("unknown template type %q", tpl.TemplateType))
	}
}
