package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"time"

	domainerr "openskelo/internal/errors"
	"openskelo/internal/ident"
	"openskelo/internal/task"
)

// CreateTemplate stores a named task or pipeline definition. Names are
// unique; a duplicate fails validation.
func (s *Store) CreateTemplate(ctx context.Context, name, description, templateType string, definition json.RawMessage) (*task.Template, error) {
	if strings.TrimSpace(name) == "" {
		return nil, domainerr.Validationf("template name is required")
	}
	if templateType != task.TemplateTypeTask && templateType != task.TemplateTypePipeline {
		return nil, domainerr.Validationf("template_type must be %q or %q", task.TemplateTypeTask, task.TemplateTypePipeline)
	}
	if !json.Valid(definition) {
		return nil, domainerr.Validationf("template definition must be valid JSON")
	}

	now := time.Now().UTC()
	tpl := &task.Template{
		ID:           ident.New(),
		Name:         name,
		Description:  description,
		TemplateType: templateType,
		Definition:   definition,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO templates
		(id, name, description, template_type, definition, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tpl.ID, tpl.Name, tpl.Description, tpl.TemplateType, string(tpl.Definition),
		formatTime(tpl.CreatedAt), formatTime(tpl.UpdatedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return nil, domainerr.Validationf("template %q already exists", name)
		}
		return nil, err
	}
	return tpl, nil
}

// GetTemplate looks a template up by name.
func (s *Store) GetTemplate(ctx context.Context, name string) (*task.Template, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, description, template_type, definition, created_at, updated_at
		FROM templates WHERE name = ?`, name)
	var tpl task.Template
	var definition, created, updated string
	err := row.Scan(&tpl.ID, &tpl.Name, &tpl.Description, &tpl.TemplateType, &definition, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domainerr.NotFound("template", name)
	}
	if err != nil {
		return nil, err
	}
	tpl.Definition = json.RawMessage(definition)
	tpl.CreatedAt = parseTime(created)
	tpl.UpdatedAt = parseTime(updated)
	return &tpl, nil
}

// ListTemplates returns every stored template ordered by name.
func (s *Store) ListTemplates(ctx context.Context) ([]*task.Template, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, description, template_type, definition, created_at, updated_at
		FROM templates ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*task.Template
	for rows.Next() {
		var tpl task.Template
		var definition, created, updated string
		if err := rows.Scan(&tpl.ID, &tpl.Name, &tpl.Description, &tpl.TemplateType, &definition, &created, &updated); err != nil {
			return nil, err
		}
		tpl.Definition = json.RawMessage(definition)
		tpl.CreatedAt = parseTime(created)
		tpl.UpdatedAt = parseTime(updated)
		out = append(out, &tpl)
	}
	return out, rows.Err()
}

// DeleteTemplate removes a template by name.
func (s *Store) DeleteTemplate(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM templates WHERE name = ?`, name)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return domainerr.NotFound("template", name)
	}
	return err
}

var templateVar = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.-]+)\s*(?::-([^}]*))?\}\}`)

// RenderTemplate substitutes {{var}} and {{var:-default}} placeholders in
// the raw definition. A placeholder with no value and no default fails
// validation.
func RenderTemplate(definition json.RawMessage, variables map[string]string) (json.RawMessage, error) {
	var missing []string
	rendered := templateVar.ReplaceAllStringFunc(string(definition), func(match string) string {
		groups := templateVar.FindStringSubmatch(match)
		name := groups[1]
		if value, ok := variables[name]; ok {
			return value
		}
		if strings.Contains(match, ":-") {
			return groups[2]
		}
		missing = append(missing, name)
		return match
	})
	if len(missing) > 0 {
		return nil, domainerr.Validationf("missing template variables: %s", strings.Join(missing, ", "))
	}
	return json.RawMessage(rendered), nil
}
