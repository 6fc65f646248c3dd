package domain

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// Template is a pre-approved message body with {{1}}..{{n}} placeholders.
type Template struct {
	ID            int64     `json:"id" yaml:"-"`
	Name          string    `json:"name" yaml:"name"`
	Body          string    `json:"body" yaml:"body"`
	VariableCount int       `json:"variable_count" yaml:"variables"`
	CreatedAt     time.Time `json:"created_at" yaml:"-"`
}

// Render substitutes vars into the body. Missing vars are left as placeholders.
func (t Template) Render(vars []string) string {
	out := t.Body
	for i, v := range vars {
		out = strings.ReplaceAll(out, "{{"+strconv.Itoa(i+1)+"}}", v)
	}
	return out
}

type TemplateStore interface {
	GetTemplate(ctx context.Context, name string) (*Template, error)
	ListTemplates(ctx context.Context) ([]Template, error)
	UpsertTemplate(ctx context.Context, t Template) error
	DeleteTemplate(ctx context.Context, name string) error
}
