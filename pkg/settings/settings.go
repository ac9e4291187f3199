// Package settings models the FinOps hub settings document and the
// idempotent merge mutation applied to it.
package settings

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"strings"

	"github.com/go-playground/validator/v10"
)

const (
	// SchemaURL is the JSON schema reference written into new documents.
	SchemaURL = "https://aka.ms/finops/hubs/settings-schema"

	// DocumentType is the document type of a hub instance.
	DocumentType = "HubInstance"

	// DefaultVersion is the version written into new documents.
	DefaultVersion = "0.1"
)

// Days is a retention window measured in days.
type Days struct {
	Days int `json:"days" yaml:"days" validate:"gte=0"`
}

// Months is a retention window measured in months.
type Months struct {
	Months int `json:"months" yaml:"months" validate:"gte=0"`
}

// Retention holds the data retention windows of the hub.
type Retention struct {
	MSExports Days   `json:"msexports" yaml:"msexports"`
	Ingestion Months `json:"ingestion" yaml:"ingestion"`
	Raw       Days   `json:"raw" yaml:"raw"`
	Final     Months `json:"final" yaml:"final"`
}

// DefaultRetention returns the retention of a freshly deployed hub.
func DefaultRetention() Retention {
	return Retention{
		MSExports: Days{Days: 0},
		Ingestion: Months{Months: 13},
		Raw:       Days{Days: 0},
		Final:     Months{Months: 13},
	}
}

// Settings is the persisted hub settings document.
type Settings struct {
	Schema    string    `json:"$schema" validate:"required"`
	Type      string    `json:"type" validate:"required"`
	Version   string    `json:"version" validate:"required"`
	Scopes    []string  `json:"scopes" validate:"dive,required"`
	Retention Retention `json:"retention"`

	// Extra holds the top-level members hubctl does not model, such as
	// learnMore. They are written back unchanged.
	Extra map[string]json.RawMessage `json:"-" validate:"-"`
}

// settingsFields has the fields of Settings without its JSON methods.
type settingsFields Settings

var knownMembers = []string{"$schema", "type", "version", "scopes", "retention"}

// MarshalJSON writes the modelled fields followed by the extra members.
func (s Settings) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(settingsFields(s))
	if err != nil || len(s.Extra) == 0 {
		return known, err
	}

	members := make(map[string]json.RawMessage, len(knownMembers)+len(s.Extra))
	if err := json.Unmarshal(known, &members); err != nil {
		return nil, err
	}
	for k, v := range s.Extra {
		if _, ok := members[k]; !ok {
			members[k] = v
		}
	}
	return json.Marshal(members)
}

// UnmarshalJSON reads the modelled fields and keeps every other member in
// Extra.
func (s *Settings) UnmarshalJSON(data []byte) error {
	var fields settingsFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	var members map[string]json.RawMessage
	if err := json.Unmarshal(data, &members); err != nil {
		return err
	}

	*s = Settings(fields)
	s.Extra = nil
	for k, v := range members {
		if isKnownMember(k) {
			continue
		}
		if s.Extra == nil {
			s.Extra = make(map[string]json.RawMessage)
		}
		s.Extra[k] = v
	}
	return nil
}

// isKnownMember matches the way encoding/json maps keys to fields.
func isKnownMember(key string) bool {
	for _, k := range knownMembers {
		if strings.EqualFold(k, key) {
			return true
		}
	}
	return false
}

// Defaults returns the document used when none exists yet.
func Defaults() Settings {
	return Settings{
		Schema:    SchemaURL,
		Type:      DocumentType,
		Version:   DefaultVersion,
		Scopes:    []string{},
		Retention: DefaultRetention(),
	}
}

var settingsValidator = validator.New()

// Validate checks that the document is well formed.
func (s Settings) Validate() error {
	if err := settingsValidator.Struct(s); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	return nil
}

// Equal reports whether two documents hold the same values.
func (s Settings) Equal(o Settings) bool {
	if s.Schema != o.Schema || s.Type != o.Type || s.Version != o.Version || s.Retention != o.Retention {
		return false
	}
	if len(s.Scopes) != len(o.Scopes) {
		return false
	}
	for i := range s.Scopes {
		if s.Scopes[i] != o.Scopes[i] {
			return false
		}
	}
	return maps.EqualFunc(s.Extra, o.Extra, func(a, b json.RawMessage) bool {
		return bytes.Equal(a, b)
	})
}

// Patch is the mutation payload: scopes to add plus optional overwrites.
type Patch struct {
	// Scopes are merged into the document as a set union.
	Scopes []string `json:"scopes,omitempty"`

	// Version overwrites the document version when not empty.
	Version string `json:"version,omitempty"`

	// Retention overwrites the document retention when set.
	Retention *Retention `json:"retention,omitempty"`
}

// Validate checks the patch.
func (p Patch) Validate() error {
	if len(NormalizeScopes(p.Scopes)) == 0 && p.Version == "" && p.Retention == nil {
		return fmt.Errorf("patch is empty")
	}
	if p.Retention != nil {
		if err := settingsValidator.Struct(p.Retention); err != nil {
			return fmt.Errorf("invalid retention: %w", err)
		}
	}
	return nil
}

// Merge applies a patch to a document and returns the new document.
// Scopes are merged as a set union that keeps the existing order and
// appends new scopes in patch order. Applying the same patch twice yields
// the same document as applying it once. The input is never modified.
func Merge(current Settings, patch Patch) Settings {
	out := current
	out.Extra = maps.Clone(current.Extra)
	if out.Schema == "" {
		out.Schema = SchemaURL
	}
	if out.Type == "" {
		out.Type = DocumentType
	}
	if out.Version == "" {
		out.Version = DefaultVersion
	}

	all := make([]string, 0, len(current.Scopes)+len(patch.Scopes))
	all = append(all, current.Scopes...)
	all = append(all, patch.Scopes...)
	out.Scopes = NormalizeScopes(all)

	if patch.Version != "" {
		out.Version = patch.Version
	}
	if patch.Retention != nil {
		out.Retention = *patch.Retention
	}
	return out
}

// NormalizeScope trims whitespace and trailing slashes from a scope.
func NormalizeScope(scope string) string {
	return strings.TrimRight(strings.TrimSpace(scope), "/")
}

// NormalizeScopes normalizes every scope and removes empty entries and
// case-insensitive duplicates, keeping the first spelling seen.
func NormalizeScopes(scopes []string) []string {
	seen := make(map[string]struct{}, len(scopes))
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		s = NormalizeScope(s)
		if s == "" {
			continue
		}
		key := strings.ToLower(s)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, s)
	}
	return out
}

// Added returns the scopes of patch not yet present in current.
func Added(current Settings, patch Patch) []string {
	existing := make(map[string]struct{}, len(current.Scopes))
	for _, s := range NormalizeScopes(current.Scopes) {
		existing[strings.ToLower(s)] = struct{}{}
	}
	var added []string
	for _, s := range NormalizeScopes(patch.Scopes) {
		if _, ok := existing[strings.ToLower(s)]; !ok {
			added = append(added, s)
		}
	}
	return added
}
