package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
)

const customRego = `# Only export scopes from the production subscription.
# severity: error
package hubctl.custom.prod

import rego.v1

deny contains msg if {
	some scope in input.scopes
	not startswith(lower(scope), "/subscriptions/00000000-0000-0000-0000-000000000001")
	msg := sprintf("scope %s is outside production", [scope])
}
`

const customYAML = `name: no-billing-scopes
description: Billing scopes are exported by the central team
severity: critical
tags: [scopes]
rego: |
  package hubctl.custom.billing

  import rego.v1

  deny contains msg if {
  	some scope in input.scopes
  	contains(lower(scope), "microsoft.billing")
  	msg := sprintf("scope %s is a billing scope", [scope])
  }
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
}

func TestParseFile_Rego(t *testing.T) {
	p, err := ParseFile("/etc/hubctl/prod-only.rego", []byte(customRego))
	if err != nil {
		t.Fatalf("Failed to parse policy: %v", err)
	}

	want := Policy{
		Name:        "prod-only",
		Description: "Only export scopes from the production subscription.",
		Rego:        customRego,
		Severity:    SeverityError,
		Enabled:     true,
		Metadata:    map[string]interface{}{"source": "/etc/hubctl/prod-only.rego"},
	}
	if diff := cmp.Diff(want, p); diff != "" {
		t.Errorf("Policy mismatch (-want +got):\n%s", diff)
	}
}

func TestParseFile_UnknownSeverityHeader(t *testing.T) {
	p, err := ParseFile("x.rego", []byte("# severity: loud\npackage x\n"))
	if err != nil {
		t.Fatalf("Failed to parse policy: %v", err)
	}
	if p.Severity != SeverityWarning {
		t.Errorf("Expected default severity warning, got %s", p.Severity)
	}
}

func TestParseFile_Definitions(t *testing.T) {
	yamlPolicy, err := ParseFile("billing.yaml", []byte(customYAML))
	if err != nil {
		t.Fatalf("Failed to parse YAML policy: %v", err)
	}
	if yamlPolicy.Name != "no-billing-scopes" || yamlPolicy.Severity != SeverityCritical {
		t.Errorf("Expected no-billing-scopes/critical, got %s/%s", yamlPolicy.Name, yamlPolicy.Severity)
	}
	if !yamlPolicy.Enabled {
		t.Error("Expected policy without enabled field to be enabled")
	}
	if diff := cmp.Diff([]string{"scopes"}, yamlPolicy.Tags); diff != "" {
		t.Errorf("Tags mismatch (-want +got):\n%s", diff)
	}

	jsonPolicy, err := ParseFile("off.json", []byte(`{"name":"off","rego":"package off","enabled":false}`))
	if err != nil {
		t.Fatalf("Failed to parse JSON policy: %v", err)
	}
	if jsonPolicy.Enabled {
		t.Error("Expected disabled policy")
	}
	if jsonPolicy.Severity != SeverityWarning {
		t.Errorf("Expected default severity warning, got %s", jsonPolicy.Severity)
	}
	if jsonPolicy.Metadata["source"] != "off.json" {
		t.Errorf("Expected source metadata, got %v", jsonPolicy.Metadata)
	}
}

func TestParseFile_Invalid(t *testing.T) {
	tests := []struct {
		name string
		path string
		data string
	}{
		{"no name", "a.json", `{"rego":"package x"}`},
		{"no rego", "a.yaml", "name: empty\n"},
		{"bad severity", "a.json", `{"name":"x","rego":"package x","severity":"loud"}`},
		{"bad json", "a.json", "{not json"},
		{"unsupported", "a.txt", "package x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseFile(tt.path, []byte(tt.data)); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

func TestLoadFiles(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "prod-only.rego"), customRego)
	writeFile(t, filepath.Join(dir, "nested", "billing.yml"), customYAML)
	writeFile(t, filepath.Join(dir, "README.md"), "not a policy")
	writeFile(t, filepath.Join(dir, "broken.json"), "{not json")

	policies, err := LoadFiles(context.Background(), logger, []string{dir})
	if err != nil {
		t.Fatalf("LoadFiles failed: %v", err)
	}
	if len(policies) != 2 {
		t.Errorf("Expected 2 policies, got %d", len(policies))
	}

	if _, err := LoadFiles(context.Background(), logger, []string{filepath.Join(dir, "broken.json")}); err == nil {
		t.Error("Expected error for a named broken file")
	}
	if _, err := LoadFiles(context.Background(), logger, []string{filepath.Join(dir, "missing")}); err == nil {
		t.Error("Expected error for missing path")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := LoadFiles(ctx, logger, []string{dir}); err == nil {
		t.Error("Expected error for cancelled context")
	}
}

func TestEngineLoadPolicies(t *testing.T) {
	eng := newTestEngine(t)

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "prod-only.rego"), customRego)
	writeFile(t, filepath.Join(dir, "billing.yaml"), customYAML)

	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPolicies failed: %v", err)
	}

	p, err := eng.GetPolicy("prod-only")
	if err != nil {
		t.Fatalf("GetPolicy failed: %v", err)
	}
	if p.Severity != SeverityError {
		t.Errorf("Expected severity error, got %s", p.Severity)
	}

	result, err := eng.Evaluate(context.Background(), testInput("/subscriptions/00000000-0000-0000-0000-000000000002"))
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if result.Allowed {
		t.Error("Expected loaded policy to block")
	}

	result, err = eng.Evaluate(context.Background(), testInput("/providers/Microsoft.Billing/billingAccounts/123"))
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	found := false
	for _, v := range result.Violations {
		if v.Policy == "no-billing-scopes" && v.Severity == SeverityCritical {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected a critical no-billing-scopes violation, got %+v", result.Violations)
	}
}
