package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/hubctl/pkg/engine"
	"github.com/openfroyo/hubctl/pkg/settings"
	"github.com/openfroyo/hubctl/pkg/telemetry"
)

// Config is the hubctl configuration file.
type Config struct {
	// Azure locates the hub and its settings blob.
	Azure AzureConfig `yaml:"azure" json:"azure"`

	// Settings holds the requested settings values and the local file
	// alternative to the blob.
	Settings SettingsConfig `yaml:"settings" json:"settings"`

	// Retry tunes the retry schedule.
	Retry RetryConfig `yaml:"retry" json:"retry"`

	// Principal is the identity performing mutations. Empty means the
	// signed-in identity of the credential.
	Principal PrincipalConfig `yaml:"principal" json:"principal"`

	// RequiredRoles are the role names, any of which grants the mutation.
	RequiredRoles []string `yaml:"required_roles" json:"required_roles" validate:"dive,required"`

	// Workers bounds concurrent operations in fan-out mode.
	Workers int `yaml:"workers" json:"workers" validate:"gte=1,lte=64"`

	// Store configures the history database.
	Store StoreConfig `yaml:"store" json:"store"`

	// Policy configures the scope policy gate.
	Policy PolicyConfig `yaml:"policy" json:"policy"`

	// Rules configures the classification rules script.
	Rules RulesConfig `yaml:"rules" json:"rules"`

	// Diagnostics tunes the diagnostic sweep.
	Diagnostics DiagnosticsConfig `yaml:"diagnostics" json:"diagnostics"`

	// Telemetry configures logging, tracing, metrics and events.
	Telemetry telemetry.Config `yaml:"telemetry" json:"telemetry"`

	// Source is the file the configuration was loaded from.
	Source string `yaml:"-" json:"source,omitempty"`
}

// AzureConfig locates the FinOps hub.
type AzureConfig struct {
	TenantID       string `yaml:"tenant_id" json:"tenant_id,omitempty"`
	SubscriptionID string `yaml:"subscription_id" json:"subscription_id,omitempty" validate:"omitempty,uuid"`
	ResourceGroup  string `yaml:"resource_group" json:"resource_group,omitempty"`
	StorageAccount string `yaml:"storage_account" json:"storage_account,omitempty" validate:"omitempty,min=3,max=24,alphanum,lowercase"`
	Container      string `yaml:"container" json:"container" validate:"required"`
	Blob           string `yaml:"blob" json:"blob" validate:"required"`
}

// Validate checks that the hub can be located in Azure.
func (a AzureConfig) Validate() error {
	var missing []string
	if a.SubscriptionID == "" {
		missing = append(missing, "subscription_id")
	}
	if a.ResourceGroup == "" {
		missing = append(missing, "resource_group")
	}
	if a.StorageAccount == "" {
		missing = append(missing, "storage_account")
	}
	if len(missing) > 0 {
		return fmt.Errorf("azure: missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// ResourceGroupID returns the ARM ID of the hub resource group.
func (a AzureConfig) ResourceGroupID() string {
	return fmt.Sprintf("/subscriptions/%s/resourceGroups/%s", a.SubscriptionID, a.ResourceGroup)
}

// Target returns the hub storage account as the operation target.
func (a AzureConfig) Target() engine.ResourceRef {
	return engine.ResourceRef{
		ID:    a.ResourceGroupID() + "/providers/Microsoft.Storage/storageAccounts/" + a.StorageAccount,
		Type:  "Microsoft.Storage/storageAccounts",
		Name:  a.StorageAccount,
		Scope: a.ResourceGroupID(),
	}
}

// SettingsConfig holds the values written into the settings document.
type SettingsConfig struct {
	// File is a local settings.json used instead of the blob.
	File string `yaml:"file" json:"file,omitempty"`

	// Scopes are export scopes merged into the document.
	Scopes []string `yaml:"scopes" json:"scopes,omitempty" validate:"dive,startswith=/"`

	// Version overwrites the document version when set.
	Version string `yaml:"version" json:"version,omitempty"`

	// Retention overwrites the document retention when set.
	Retention *settings.Retention `yaml:"retention" json:"retention,omitempty"`
}

// Patch builds the settings patch for the given extra scopes.
func (s SettingsConfig) Patch(scopes ...string) settings.Patch {
	all := append(append([]string(nil), s.Scopes...), scopes...)
	return settings.Patch{
		Scopes:    settings.NormalizeScopes(all),
		Version:   s.Version,
		Retention: s.Retention,
	}
}

// RetryConfig tunes the retry schedule.
type RetryConfig struct {
	Grace          time.Duration   `yaml:"grace" json:"grace" validate:"gte=0"`
	InitialWait    time.Duration   `yaml:"initial_wait" json:"initial_wait" validate:"gte=0"`
	Delays         []time.Duration `yaml:"delays" json:"delays" validate:"dive,gte=0"`
	MaxAttempts    int             `yaml:"max_attempts" json:"max_attempts" validate:"gte=1"`
	AttemptTimeout time.Duration   `yaml:"attempt_timeout" json:"attempt_timeout" validate:"gte=0"`
}

// Schedule returns the retry schedule.
func (r RetryConfig) Schedule() engine.RetrySchedule {
	return engine.RetrySchedule{
		Grace:       r.Grace,
		InitialWait: r.InitialWait,
		Delays:      append([]time.Duration(nil), r.Delays...),
		MaxAttempts: r.MaxAttempts,
	}
}

// PrincipalConfig names the identity performing mutations.
type PrincipalConfig struct {
	// ID is the principal (object) ID.
	ID string `yaml:"id" json:"id,omitempty"`

	// Kind is user, managed_identity or service_principal.
	Kind engine.PrincipalKind `yaml:"kind" json:"kind,omitempty" validate:"omitempty,oneof=user managed_identity service_principal"`

	// IdentityID is the ARM ID of a user-assigned identity. When set, ID
	// and Kind are resolved from it.
	IdentityID string `yaml:"identity_id" json:"identity_id,omitempty" validate:"omitempty,startswith=/"`
}

// Principal returns the configured principal, or false when the identity
// must be resolved at runtime.
func (p PrincipalConfig) Principal() (engine.Principal, bool) {
	if p.ID == "" || p.IdentityID != "" {
		return engine.Principal{}, false
	}
	kind := p.Kind
	if kind == "" {
		kind = engine.PrincipalUser
	}
	return engine.Principal{ID: p.ID, Kind: kind}, true
}

// StoreConfig configures the history database.
type StoreConfig struct {
	// Path is the SQLite database file. Empty disables history.
	Path string `yaml:"path" json:"path,omitempty"`
}

// PolicyConfig configures the scope policy gate.
type PolicyConfig struct {
	// Paths are extra .rego files or directories.
	Paths []string `yaml:"paths" json:"paths,omitempty"`

	// Disabled names built-in policies to skip.
	Disabled []string `yaml:"disabled" json:"disabled,omitempty"`
}

// RulesConfig configures the classification rules script.
type RulesConfig struct {
	// Script is a Starlark file defining classify(message).
	Script string `yaml:"script" json:"script,omitempty"`

	// Timeout bounds a single classify call.
	Timeout time.Duration `yaml:"timeout" json:"timeout" validate:"gte=0"`
}

// DiagnosticsConfig tunes the diagnostic sweep.
type DiagnosticsConfig struct {
	DeploymentLimit int     `yaml:"deployment_limit" json:"deployment_limit" validate:"gte=1"`
	QuotaWarnRatio  float64 `yaml:"quota_warn_ratio" json:"quota_warn_ratio" validate:"gt=0,lte=1"`
	Parallelism     int     `yaml:"parallelism" json:"parallelism" validate:"gte=1"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	schedule := engine.DefaultRetrySchedule()
	return &Config{
		Azure: AzureConfig{
			Container: "config",
			Blob:      "settings.json",
		},
		Retry: RetryConfig{
			Grace:       schedule.Grace,
			InitialWait: schedule.InitialWait,
			Delays:      schedule.Delays,
			MaxAttempts: schedule.MaxAttempts,
		},
		RequiredRoles: []string{"Storage Blob Data Contributor", "Contributor", "Owner"},
		Workers:       engine.DefaultMaxWorkers,
		Store:         StoreConfig{Path: "hubctl.db"},
		Rules:         RulesConfig{Timeout: 100 * time.Millisecond},
		Diagnostics: DiagnosticsConfig{
			DeploymentLimit: 5,
			QuotaWarnRatio:  0.9,
			Parallelism:     4,
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// ValidationError is a configuration error with its location.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the field path (e.g., "retry.max_attempts").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// Error collects the validation errors of one load.
type Error struct {
	Errors []ValidationError `json:"errors"`
}

func (e *Error) Error() string {
	if len(e.Errors) == 1 {
		return "invalid configuration: " + e.Errors[0].String()
	}
	lines := make([]string, 0, len(e.Errors))
	for _, ve := range e.Errors {
		lines = append(lines, "  "+ve.String())
	}
	return fmt.Sprintf("invalid configuration (%d errors):\n%s", len(e.Errors), strings.Join(lines, "\n"))
}
