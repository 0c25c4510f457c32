// Package templates renders the planner's prompt templates.
package templates

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
)

//go:embed *.tpl.md
var templateFS embed.FS

// TemplateData holds the data for template rendering.
type TemplateData struct {
	Input        map[string]any `json:"input,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
	Extra        map[string]any `json:"extra,omitempty"`
	ProjectID    string         `json:"project_id,omitempty"`
	Goal         string         `json:"goal"`
	Description  string         `json:"description,omitempty"`
	Kind         string         `json:"kind,omitempty"`
	Instructions string         `json:"instructions,omitempty"`
	Completed    []string       `json:"completed,omitempty"`
	ActionKinds  []string       `json:"action_kinds,omitempty"`
}

// PromptTemplate names one embedded template.
type PromptTemplate string

const (
	// SystemTemplate is the planner system prompt.
	SystemTemplate PromptTemplate = "system.tpl.md"
	// CreatePlanTemplate asks for a task decomposition of a goal.
	CreatePlanTemplate PromptTemplate = "create_plan.tpl.md"
	// AssessCompletionTemplate asks whether completed work satisfies a goal.
	AssessCompletionTemplate PromptTemplate = "assess_completion.tpl.md"
	// TaskTemplate carries one action to its per-kind planner handler.
	TaskTemplate PromptTemplate = "task.tpl.md"
)

// AllTemplates lists every template NewRenderer loads.
//
//nolint:gochecknoglobals // closed enumeration
var AllTemplates = []PromptTemplate{SystemTemplate, CreatePlanTemplate, AssessCompletionTemplate, TaskTemplate}

// Renderer holds the parsed templates.
type Renderer struct {
	templates map[PromptTemplate]*template.Template
}

// NewRenderer parses every embedded template.
func NewRenderer() (*Renderer, error) {
	r := &Renderer{templates: make(map[PromptTemplate]*template.Template, len(AllTemplates))}

	for _, name := range AllTemplates {
		content, err := templateFS.ReadFile(string(name))
		if err != nil {
			return nil, fmt.Errorf("failed to read template %s: %w", name, err)
		}

		tmpl, err := template.New(string(name)).Funcs(funcs()).Parse(string(content))
		if err != nil {
			return nil, fmt.Errorf("failed to parse template %s: %w", name, err)
		}
		r.templates[name] = tmpl
	}
	return r, nil
}

// MustNewRenderer panics when an embedded template fails to parse.
func MustNewRenderer() *Renderer {
	r, err := NewRenderer()
	if err != nil {
		panic(err)
	}
	return r
}

// Render renders the specified template with the given data.
func (r *Renderer) Render(name PromptTemplate, data *TemplateData) (string, error) {
	tmpl, exists := r.templates[name]
	if !exists {
		return "", fmt.Errorf("template %s not found", name)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render template %s: %w", name, err)
	}
	return strings.TrimSpace(buf.String()) + "\n", nil
}

func funcs() template.FuncMap {
	return template.FuncMap{
		"contains": strings.Contains,
		"join":     strings.Join,
		"isMap": func(v any) bool {
			_, ok := v.(map[string]any)
			return ok
		},
		"json":  toJSON,
		"value": renderValue,
	}
}

func toJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

// renderValue prints strings verbatim and everything else as compact JSON.
func renderValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	}
	return toJSON(v)
}
