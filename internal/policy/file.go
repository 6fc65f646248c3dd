package policy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"wagate/internal/domain"
)

// File is the optional YAML policy file. Patterns are appended to the
// configured denylist; a non-zero replyWindowHours and a set quotaFailOpen
// override the config.
//
//	forbiddenPatterns:
//	  - crypto\s*giveaway
//	replyWindowHours: 24
//	templates:
//	  - name: order_update
//	    body: "Hi {{1}}, order {{2}} has shipped."
//	    variables: 2
type File struct {
	ForbiddenPatterns []string          `yaml:"forbiddenPatterns"`
	ReplyWindowHours  int               `yaml:"replyWindowHours"`
	QuotaFailOpen     *bool             `yaml:"quotaFailOpen"`
	Templates         []domain.Template `yaml:"templates"`
}

// LoadFile reads and validates a policy file.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}

	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse policy file %s: %w", path, err)
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("policy file %s: %w", path, err)
	}
	return &f, nil
}

func (f *File) Validate() error {
	var errs []string
	if f.ReplyWindowHours < 0 {
		errs = append(errs, "replyWindowHours must be >= 0")
	}
	if _, err := compilePatterns(f.ForbiddenPatterns); err != nil {
		errs = append(errs, err.Error())
	}
	seen := make(map[string]bool)
	for i, t := range f.Templates {
		switch {
		case strings.TrimSpace(t.Name) == "":
			errs = append(errs, fmt.Sprintf("templates[%d]: name is required", i))
		case seen[t.Name]:
			errs = append(errs, fmt.Sprintf("templates[%d]: duplicate name %q", i, t.Name))
		}
		seen[t.Name] = true
		if t.VariableCount < 0 {
			errs = append(errs, fmt.Sprintf("templates[%d]: variables must be >= 0", i))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// Apply merges the file into cfg.
func (f *File) Apply(cfg *EngineConfig) {
	cfg.ForbiddenPatterns = append(cfg.ForbiddenPatterns, f.ForbiddenPatterns...)
	if f.ReplyWindowHours > 0 {
		cfg.ReplyWindow = time.Duration(f.ReplyWindowHours) * time.Hour
	}
	if f.QuotaFailOpen != nil {
		cfg.QuotaFailOpen = *f.QuotaFailOpen
	}
}

type TemplateWriter interface {
	UpsertTemplate(ctx context.Context, t domain.Template) error
}

// SeedTemplates upserts the file's templates into the store.
func (f *File) SeedTemplates(ctx context.Context, store TemplateWriter) (int, error) {
	for _, t := range f.Templates {
		if err := store.UpsertTemplate(ctx, t); err != nil {
			return 0, fmt.Errorf("seed template %q: %w", t.Name, err)
		}
	}
	return len(f.Templates), nil
}
