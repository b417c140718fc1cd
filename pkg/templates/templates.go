// Package templates loads named-task template files from disk and registers
// them with HTTP step handlers. This is how a tasker server learns its
// workflows without compiled-in handler code: each step names the HTTP
// endpoint that executes it.
package templates

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	taskererr "github.com/tasker-systems/tasker/pkg/errors"
	"github.com/tasker-systems/tasker/pkg/handler"
	"github.com/tasker-systems/tasker/pkg/logger"
	"github.com/tasker-systems/tasker/pkg/workflow"
)

// Duration wraps time.Duration so template files can write "30s" or "5m"
// instead of nanosecond integers.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

// File is the on-disk shape of one named-task template.
type File struct {
	Ref           workflow.TemplateRef     `yaml:"ref"`
	Description   string                   `yaml:"description"`
	ContextSchema map[string]any           `yaml:"context_schema"`
	Steps         []StepFile               `yaml:"steps"`
	CustomEvents  []workflow.CustomEvent   `yaml:"custom_events"`
}

// StepFile is the on-disk shape of one step template.
type StepFile struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	DependsOn   []string          `yaml:"depends_on"`
	EdgeNames   map[string]string `yaml:"edge_names"`
	Retryable   *bool             `yaml:"retryable"`
	RetryLimit  int               `yaml:"retry_limit"`
	Timeout     Duration          `yaml:"timeout"`
	Inputs      map[string]any    `yaml:"inputs"`
	Handler     HandlerFile       `yaml:"handler"`
}

// HandlerFile configures the step's HTTP handler.
type HandlerFile struct {
	URL     string            `yaml:"url"`
	Method  string            `yaml:"method"`
	Headers map[string]string `yaml:"headers"`
	Timeout Duration          `yaml:"timeout"`
}

// LoadDirectories parses every *.yaml/*.yml file under the given directories
// and registers the templates. Returns the number of templates registered.
func LoadDirectories(registry *handler.Registry, client *http.Client, dirs []string) (int, error) {
	count := 0
	for _, dir := range dirs {
		entries, err := collectFiles(dir)
		if err != nil {
			return count, err
		}
		for _, path := range entries {
			if err := LoadFile(registry, client, path); err != nil {
				return count, err
			}
			count++
		}
	}
	return count, nil
}

// LoadFile parses and registers one template file.
func LoadFile(registry *handler.Registry, client *http.Client, path string) error {
	raw, err := os.ReadFile(path) // #nosec G304 - operator-supplied template path
	if err != nil {
		return taskererr.NewConfigurationError("reading template "+path, err)
	}

	var file File
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return taskererr.NewConfigurationError("parsing template "+path, err)
	}

	template, handlers, err := file.build(client)
	if err != nil {
		return taskererr.NewConfigurationError("building template "+path, err)
	}
	if err := registry.Register(template, handlers); err != nil {
		return err
	}

	logger.Infow("registered task template", "template", template.Ref.String(),
		"steps", len(template.Steps), "file", path)
	return nil
}

// build converts the file shape into a NamedTask plus its step handlers.
func (f *File) build(client *http.Client) (workflow.NamedTask, map[string]handler.Handler, error) {
	template := workflow.NamedTask{
		Ref:          f.Ref,
		Description:  f.Description,
		CustomEvents: f.CustomEvents,
	}

	if f.ContextSchema != nil {
		schema, err := json.Marshal(f.ContextSchema)
		if err != nil {
			return template, nil, fmt.Errorf("encoding context schema: %w", err)
		}
		template.ContextSchema = schema
	}

	handlers := make(map[string]handler.Handler, len(f.Steps))
	for _, step := range f.Steps {
		named := workflow.NewNamedStep(step.Name, step.DependsOn...)
		named.Description = step.Description
		named.EdgeNames = step.EdgeNames
		named.Timeout = time.Duration(step.Timeout)
		if step.Retryable != nil {
			named.Retryable = *step.Retryable
		}
		if step.RetryLimit > 0 {
			named.RetryLimit = step.RetryLimit
		}
		if step.Inputs != nil {
			inputs, err := json.Marshal(step.Inputs)
			if err != nil {
				return template, nil, fmt.Errorf("encoding inputs for step %q: %w", step.Name, err)
			}
			named.Inputs = inputs
		}
		template.Steps = append(template.Steps, named)

		if step.Handler.URL == "" {
			return template, nil, fmt.Errorf("step %q has no handler url", step.Name)
		}
		handlers[step.Name] = handler.NewHTTPHandler(handler.HTTPConfig{
			URL:     step.Handler.URL,
			Method:  step.Handler.Method,
			Headers: step.Handler.Headers,
			Timeout: time.Duration(step.Handler.Timeout),
		}, client)
	}
	return template, handlers, nil
}

func collectFiles(dir string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext == ".yaml" || ext == ".yml" {
			out = append(out, path)
		}
		return nil
	})
	if err != nil {
		return nil, taskererr.NewConfigurationError("scanning template directory "+dir, err)
	}
	return out, nil
}
