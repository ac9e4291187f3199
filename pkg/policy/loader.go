package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// definition is the on-disk form of a JSON or YAML policy.
type definition struct {
	Name        string                 `json:"name" yaml:"name"`
	Description string                 `json:"description" yaml:"description"`
	Rego        string                 `json:"rego" yaml:"rego"`
	Severity    Severity               `json:"severity" yaml:"severity"`
	Enabled     *bool                  `json:"enabled" yaml:"enabled"`
	Tags        []string               `json:"tags" yaml:"tags"`
	Metadata    map[string]interface{} `json:"metadata" yaml:"metadata"`
}

// LoadFiles reads the policies at paths. A directory is walked for .rego,
// .json, .yaml and .yml files; files in it that fail to parse are logged and
// skipped. A named file that fails to parse is an error.
func LoadFiles(ctx context.Context, logger zerolog.Logger, paths []string) ([]Policy, error) {
	var policies []Policy
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load policies from %s: %w", path, err)
		}

		if !info.IsDir() {
			p, err := readFile(path)
			if err != nil {
				return nil, err
			}
			policies = append(policies, p)
			continue
		}

		err = filepath.WalkDir(path, func(file string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if d.IsDir() || !isPolicyFile(file) {
				return nil
			}
			p, err := readFile(file)
			if err != nil {
				logger.Warn().Err(err).Str("path", file).Msg("Skipping policy file")
				return nil
			}
			policies = append(policies, p)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk %s: %w", path, err)
		}
	}

	logger.Debug().
		Int("policies", len(policies)).
		Strs("paths", paths).
		Msg("Policy files loaded")
	return policies, nil
}

func isPolicyFile(path string) bool {
	switch filepath.Ext(path) {
	case ".rego", ".json", ".yaml", ".yml":
		return true
	}
	return false
}

func readFile(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("failed to read policy: %w", err)
	}
	return ParseFile(path, data)
}

// ParseFile parses one policy file. A .rego file is named after the file;
// its leading comment block is the description and a "# severity: <level>"
// line sets the severity. JSON and YAML files hold a full definition and are
// enabled unless they say otherwise.
func ParseFile(path string, data []byte) (Policy, error) {
	var (
		def definition
		err error
	)
	switch filepath.Ext(path) {
	case ".rego":
		description, severity := regoHeader(string(data))
		return Policy{
			Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
			Description: description,
			Rego:        string(data),
			Severity:    severity,
			Enabled:     true,
			Metadata:    map[string]interface{}{"source": path},
		}, nil
	case ".json":
		err = json.Unmarshal(data, &def)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &def)
	default:
		return Policy{}, fmt.Errorf("unsupported policy file %s", path)
	}
	if err != nil {
		return Policy{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	if def.Name == "" {
		return Policy{}, fmt.Errorf("policy in %s has no name", path)
	}
	if def.Rego == "" {
		return Policy{}, fmt.Errorf("policy %s has no rego", def.Name)
	}
	if def.Severity == "" {
		def.Severity = SeverityWarning
	}
	if !def.Severity.Valid() {
		return Policy{}, fmt.Errorf("policy %s has unknown severity %q", def.Name, def.Severity)
	}

	p := Policy{
		Name:        def.Name,
		Description: def.Description,
		Rego:        def.Rego,
		Severity:    def.Severity,
		Enabled:     def.Enabled == nil || *def.Enabled,
		Tags:        def.Tags,
		Metadata:    def.Metadata,
	}
	if p.Metadata == nil {
		p.Metadata = map[string]interface{}{}
	}
	p.Metadata["source"] = path
	return p, nil
}

// regoHeader reads the description and severity from the comment block at
// the top of a Rego file.
func regoHeader(content string) (string, Severity) {
	var lines []string
	severity := SeverityWarning

	for _, line := range strings.Split(content, "\n") {
		comment, ok := strings.CutPrefix(strings.TrimSpace(line), "#")
		if !ok {
			if strings.TrimSpace(line) != "" {
				break
			}
			continue
		}
		comment = strings.TrimSpace(comment)
		if level, ok := strings.CutPrefix(comment, "severity:"); ok {
			if s := Severity(strings.TrimSpace(level)); s.Valid() {
				severity = s
			}
			continue
		}
		if comment != "" {
			lines = append(lines, comment)
		}
	}

	return strings.Join(lines, " "), severity
}
