package config

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// Names of the built-in schemas.
const (
	SchemaConfig   = "config"
	SchemaSettings = "settings"
	SchemaPatch    = "patch"
)

// SchemaRegistry manages CUE schemas for validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	return newSchemaRegistry(cuecontext.New())
}

func newSchemaRegistry(ctx *cue.Context) *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     ctx,
		schemas: make(map[string]cue.Value),
	}

	for name, src := range map[string]struct{ schema, def string }{
		SchemaConfig:   {builtinConfigSchema, "#Config"},
		SchemaSettings: {builtinSettingsSchema, "#Settings"},
		SchemaPatch:    {builtinPatchSchema, "#Patch"},
	} {
		if err := sr.RegisterSchema(name, src.schema, src.def); err != nil {
			// Built-in schemas are constants; a compile error is a bug.
			panic(err)
		}
	}

	return sr
}

// RegisterSchema compiles schema and registers the definition def under
// name. An empty def registers the whole file.
func (sr *SchemaRegistry) RegisterSchema(name, schema, def string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	if def != "" {
		val = val.LookupPath(cue.ParsePath(def))
		if !val.Exists() {
			return fmt.Errorf("schema %s has no definition %s", name, def)
		}
	}

	sr.schemas[name] = val
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Unify unifies val with the named schema and validates the result.
// Errors carry the positions of the offending values.
func (sr *SchemaRegistry) Unify(schemaName string, val cue.Value) (cue.Value, error) {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", schemaName)
	}

	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return cue.Value{}, err
	}
	return unified, nil
}

// ValidateAgainstSchema validates data against a named schema. data is
// converted through its JSON encoding, so json tags name the fields.
func (sr *SchemaRegistry) ValidateAgainstSchema(schemaName string, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	dataVal := sr.ctx.CompileBytes(raw, cue.Filename(schemaName+".json"))
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	if _, err := sr.Unify(schemaName, dataVal); err != nil {
		return &Error{Errors: convertCUEErrors(err)}
	}
	return nil
}

// ListSchemas returns all registered schema names, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Built-in schema definitions

const builtinConfigSchema = `
#Duration: 0 | "0" | =~"^([0-9]+([.][0-9]+)?(ns|us|ms|s|m|h))+$"

#Retention: {
	msexports?: days:   int & >=0
	ingestion?: months: int & >=0
	raw?: days:         int & >=0
	final?: months:     int & >=0
}

#Config: {
	azure?: {
		tenant_id?:       string
		subscription_id?: =~"^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$"
		resource_group?:  string & !=""
		storage_account?: =~"^[a-z0-9]{3,24}$"
		container?:       string & !=""
		blob?:            string & !=""
	}

	settings?: {
		file?:      string
		scopes?:    [...=~"^/"]
		version?:   string
		retention?: #Retention
	}

	retry?: {
		grace?:           #Duration
		initial_wait?:    #Duration
		delays?:          [...#Duration]
		max_attempts?:    int & >=1
		attempt_timeout?: #Duration
	}

	principal?: {
		id?:          string
		kind?:        "user" | "managed_identity" | "service_principal"
		identity_id?: =~"^/"
	}

	required_roles?: [...string & !=""]
	workers?:        int & >=1 & <=64

	store?: path?: string

	policy?: {
		paths?:    [...string]
		disabled?: [...string]
	}

	rules?: {
		script?:  string
		timeout?: #Duration
	}

	diagnostics?: {
		deployment_limit?: int & >=1
		quota_warn_ratio?: number & >0 & <=1
		parallelism?:      int & >=1
	}

	telemetry?: {
		service_name?:    string
		service_version?: string
		environment?:     string
		logging?: {
			level?:         "trace" | "debug" | "info" | "warn" | "error" | "fatal"
			format?:        "console" | "json"
			output?:        string
			enable_caller?: bool
			time_format?:   "unix" | "unixms" | "rfc3339"
		}
		tracing?: {
			enabled?:        bool
			exporter?:       "otlp" | "stdout" | "none"
			endpoint?:       string
			sampling_rate?:  number & >=0 & <=1
			export_timeout?: #Duration
			headers?: [string]: string
			insecure?: bool
		}
		metrics?: {
			enabled?:        bool
			listen_address?: string
			path?:           =~"^/"
			namespace?:      string
		}
		events?: {
			enabled?:     bool
			buffer_size?: int & >=1
			async?:       bool
		}
	}
}
`

const builtinSettingsSchema = `
#Settings: {
	"$schema": string
	type:      "HubInstance"
	version:   string & !=""
	scopes:    null | [...=~"^/"]
	retention?: {
		msexports?: days:   int & >=0
		ingestion?: months: int & >=0
		raw?: days:         int & >=0
		final?: months:     int & >=0
	}
	...
}
`

const builtinPatchSchema = `
#Patch: {
	scopes?:  [...=~"^/"]
	version?: string
	retention?: {
		msexports: days:   int & >=0
		ingestion: months: int & >=0
		raw: days:         int & >=0
		final: months:     int & >=0
	}
}
`
