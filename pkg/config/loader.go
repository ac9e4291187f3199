package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Loader reads configuration files. YAML and CUE sources are both unified
// with the built-in #Config schema before they are decoded, so unknown keys
// and out-of-range values are reported with their file positions.
type Loader struct {
	ctx       *cue.Context
	schemas   *SchemaRegistry
	validator *validator.Validate
}

// NewLoader creates a loader.
func NewLoader() *Loader {
	ctx := cuecontext.New()

	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &Loader{
		ctx:       ctx,
		schemas:   newSchemaRegistry(ctx),
		validator: v,
	}
}

// Schemas returns the schema registry of the loader.
func (l *Loader) Schemas() *SchemaRegistry {
	return l.schemas
}

// Load reads the file at path. The format is chosen by extension: .cue for
// CUE, anything else is read as YAML (which includes JSON). An empty path
// returns the defaults.
func (l *Loader) Load(path string) (*Config, error) {
	if path == "" {
		cfg := Default()
		return cfg, l.Validate(cfg)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var cfg *Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue":
		cfg, err = l.ParseCUE(path, content)
	default:
		cfg, err = l.ParseYAML(path, content)
	}
	if err != nil {
		return nil, err
	}
	cfg.Source = path
	return cfg, nil
}

// ParseYAML parses YAML content. name is used in error positions.
func (l *Loader) ParseYAML(name string, content []byte) (*Config, error) {
	var raw interface{}
	if err := yaml.Unmarshal(content, &raw); err != nil {
		return nil, &Error{Errors: []ValidationError{{File: name, Message: err.Error()}}}
	}
	if raw == nil {
		raw = map[string]interface{}{}
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to convert %s: %w", name, err)
	}

	val := l.ctx.CompileBytes(data, cue.Filename(name))
	if err := val.Err(); err != nil {
		return nil, &Error{Errors: convertCUEErrors(err)}
	}
	return l.decode(name, val)
}

// ParseCUE parses CUE content. name is used in error positions.
func (l *Loader) ParseCUE(name string, content []byte) (*Config, error) {
	val := l.ctx.CompileBytes(content, cue.Filename(name))
	if err := val.Err(); err != nil {
		return nil, &Error{Errors: convertCUEErrors(err)}
	}
	return l.decode(name, val)
}

// decode unifies val with the schema and decodes it over the defaults.
func (l *Loader) decode(name string, val cue.Value) (*Config, error) {
	unified, err := l.schemas.Unify(SchemaConfig, val)
	if err != nil {
		return nil, &Error{Errors: convertCUEErrors(err)}
	}

	data, err := unified.MarshalJSON()
	if err != nil {
		return nil, &Error{Errors: convertCUEErrors(err)}
	}

	// JSON is YAML; decoding through yaml.v3 parses durations such as "60s"
	// and leaves absent fields at their defaults.
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, &Error{Errors: []ValidationError{{File: name, Message: err.Error()}}}
	}

	if err := l.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cfg with its struct tags and the cross-field rules.
func (l *Loader) Validate(cfg *Config) error {
	var errs []ValidationError

	if err := l.validator.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !asValidationErrors(err, &verrs) {
			return fmt.Errorf("failed to validate config: %w", err)
		}
		for _, fe := range verrs {
			errs = append(errs, ValidationError{
				File:    cfg.Source,
				Path:    strings.TrimPrefix(fe.Namespace(), "Config."),
				Message: fmt.Sprintf("failed on '%s' (value %v)", fe.Tag(), fe.Value()),
			})
		}
	}

	if err := cfg.Retry.Schedule().Validate(); err != nil {
		errs = append(errs, ValidationError{File: cfg.Source, Path: "retry", Message: err.Error()})
	}
	if err := cfg.Telemetry.Validate(); err != nil {
		errs = append(errs, ValidationError{File: cfg.Source, Path: "telemetry", Message: err.Error()})
	}

	if len(errs) > 0 {
		return &Error{Errors: errs}
	}
	return nil
}

func asValidationErrors(err error, target *validator.ValidationErrors) bool {
	verrs, ok := err.(validator.ValidationErrors)
	if ok {
		*target = verrs
	}
	return ok
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range errors.Errors(err) {
		var file string
		var line, column int

		if pos := errors.Positions(e); len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}

		format, args := e.Msg()
		validationErrors = append(validationErrors, ValidationError{
			File:    file,
			Line:    line,
			Column:  column,
			Path:    strings.Join(e.Path(), "."),
			Message: fmt.Sprintf(format, args...),
		})
	}

	return validationErrors
}

// Load reads the configuration at path with a fresh Loader.
func Load(path string) (*Config, error) {
	return NewLoader().Load(path)
}
