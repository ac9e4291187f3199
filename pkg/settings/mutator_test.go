package settings

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/openfroyo/hubctl/pkg/engine"
	"github.com/rs/zerolog"
)

func testRequest(t *testing.T, patch Patch) engine.OperationRequest {
	t.Helper()

	req, err := NewRequest(
		engine.ResourceRef{
			ID:    "/subscriptions/0000/resourceGroups/rg/providers/Microsoft.Storage/storageAccounts/hub",
			Scope: "/subscriptions/0000/resourceGroups/rg",
		},
		engine.Principal{ID: "abc", Kind: engine.PrincipalUser},
		nil,
		patch,
	)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	return req
}

func TestMutatorCreatesDocument(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "config", "settings.json"))
	m := NewMutator(store, zerolog.Nop())

	out := m.Execute(context.Background(), testRequest(t, Patch{Scopes: []string{"/subscriptions/A"}}), 1)
	if !out.Succeeded() {
		t.Fatalf("Expected success, got %v", out.Err)
	}

	res, err := DecodeResult(out)
	if err != nil {
		t.Fatalf("Failed to decode result: %v", err)
	}
	if !res.Changed {
		t.Error("Expected first write to change the document")
	}

	doc, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Failed to load document: %v", err)
	}
	if doc.Settings.Type != DocumentType || doc.Settings.Schema != SchemaURL {
		t.Errorf("Expected defaults header, got %+v", doc.Settings)
	}
	if doc.ETag != res.ETag {
		t.Errorf("Expected etag %s, got %s", res.ETag, doc.ETag)
	}
}

func TestMutatorMergeScenario(t *testing.T) {
	ctx := context.Background()
	store := NewFileStore(filepath.Join(t.TempDir(), "settings.json"))

	existing := Defaults()
	existing.Scopes = []string{"/subscriptions/A"}
	if _, err := store.Save(ctx, existing, ""); err != nil {
		t.Fatalf("Failed to seed document: %v", err)
	}

	m := NewMutator(store, zerolog.Nop())
	req := testRequest(t, Patch{Scopes: []string{"/subscriptions/A", "/subscriptions/B"}})

	if out := m.Execute(ctx, req, 1); !out.Succeeded() {
		t.Fatalf("Expected success, got %v", out.Err)
	}
	first, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Failed to load document: %v", err)
	}

	got := append([]string(nil), first.Settings.Scopes...)
	sort.Strings(got)
	if diff := cmp.Diff([]string{"/subscriptions/A", "/subscriptions/B"}, got); diff != "" {
		t.Errorf("Unexpected scopes (-want +got):\n%s", diff)
	}

	// Applying the same request again leaves the document untouched.
	out := m.Execute(ctx, req, 2)
	if !out.Succeeded() {
		t.Fatalf("Expected success, got %v", out.Err)
	}
	res, err := DecodeResult(out)
	if err != nil {
		t.Fatalf("Failed to decode result: %v", err)
	}
	if res.Changed {
		t.Error("Expected second application to be a no-op")
	}

	second, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Failed to load document: %v", err)
	}
	if first.ETag != second.ETag {
		t.Errorf("Expected unchanged etag, got %s then %s", first.ETag, second.ETag)
	}
}

type conflictStore struct {
	*FileStore
}

func (c conflictStore) Save(ctx context.Context, s Settings, etag string) (string, error) {
	return "", ErrConflict
}

func TestMutatorConflictIsTransient(t *testing.T) {
	store := conflictStore{NewFileStore(filepath.Join(t.TempDir(), "settings.json"))}
	m := NewMutator(store, zerolog.Nop())

	out := m.Execute(context.Background(), testRequest(t, Patch{Scopes: []string{"/subscriptions/A"}}), 1)
	if out.Succeeded() {
		t.Fatal("Expected failure")
	}
	if out.Class != engine.ClassUnknown {
		t.Errorf("Mutator must not classify, got %s", out.Class)
	}
	if !errors.Is(out.Err, ErrConflict) {
		t.Errorf("Expected ErrConflict, got %v", out.Err)
	}
	if got := engine.DefaultClassifier().Classify(out.Err); got != engine.ClassTransientNetwork {
		t.Errorf("Expected conflict to classify as %s, got %s", engine.ClassTransientNetwork, got)
	}
}

func TestMutatorCorruptDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	m := NewMutator(NewFileStore(path), zerolog.Nop())
	out := m.Execute(context.Background(), testRequest(t, Patch{Scopes: []string{"/subscriptions/A"}}), 1)
	if out.Succeeded() {
		t.Fatal("Expected failure on corrupt document")
	}
}

const hubSettings = `{
  "$schema": "https://aka.ms/finops/hubs/settings-schema",
  "type": "HubInstance",
  "version": "0.1",
  "learnMore": "https://aka.ms/finops/hubs",
  "scopes": ["/subscriptions/A"],
  "retention": {
    "msexports": {"days": 0},
    "ingestion": {"months": 13},
    "raw": {"days": 0},
    "final": {"months": 13}
  }
}
`

func TestMutatorKeepsUnknownMembers(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "settings.json")
	if err := os.WriteFile(path, []byte(hubSettings), 0o644); err != nil {
		t.Fatal(err)
	}
	store := NewFileStore(path)
	m := NewMutator(store, zerolog.Nop())

	out := m.Execute(ctx, testRequest(t, Patch{Scopes: []string{"/subscriptions/B"}}), 1)
	if !out.Succeeded() {
		t.Fatalf("Expected success, got %v", out.Err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read document: %v", err)
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Written document is not JSON: %v", err)
	}
	if raw["$schema"] != SchemaURL {
		t.Errorf("Expected $schema %s, got %v", SchemaURL, raw["$schema"])
	}
	if raw["learnMore"] != "https://aka.ms/finops/hubs" {
		t.Errorf("Expected learnMore to survive the write, got %v", raw["learnMore"])
	}
	if diff := cmp.Diff([]interface{}{"/subscriptions/A", "/subscriptions/B"}, raw["scopes"]); diff != "" {
		t.Errorf("Unexpected scopes (-want +got):\n%s", diff)
	}

	// Reapplying is still a no-op with extra members present.
	out = m.Execute(ctx, testRequest(t, Patch{Scopes: []string{"/subscriptions/B"}}), 2)
	res, err := DecodeResult(out)
	if err != nil {
		t.Fatalf("Failed to decode result: %v", err)
	}
	if res.Changed {
		t.Error("Expected second application to be a no-op")
	}
}

func TestDecodeKeepsUnknownMembers(t *testing.T) {
	s, err := Decode([]byte(hubSettings))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if _, ok := s.Extra["learnMore"]; !ok || len(s.Extra) != 1 {
		t.Fatalf("Expected only learnMore in Extra, got %v", s.Extra)
	}

	data, err := Encode(s)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	again, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode of encoded document failed: %v", err)
	}
	if !again.Equal(s) {
		t.Errorf("Expected round trip to preserve the document, got %+v", again)
	}

	plain, err := Encode(Defaults())
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if decoded, err := Decode(plain); err != nil || decoded.Extra != nil {
		t.Errorf("Expected no extra members for defaults, got %v (%v)", decoded.Extra, err)
	}
}

func TestFileStoreConflict(t *testing.T) {
	ctx := context.Background()
	store := NewFileStore(filepath.Join(t.TempDir(), "settings.json"))

	if _, err := store.Load(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}

	tag, err := store.Save(ctx, Defaults(), "")
	if err != nil {
		t.Fatalf("Failed to create document: %v", err)
	}

	if _, err := store.Save(ctx, Defaults(), ""); !errors.Is(err, ErrConflict) {
		t.Errorf("Expected ErrConflict creating an existing document, got %v", err)
	}
	if _, err := store.Save(ctx, Defaults(), `"stale"`); !errors.Is(err, ErrConflict) {
		t.Errorf("Expected ErrConflict with stale etag, got %v", err)
	}

	updated := Defaults()
	updated.Version = "0.9"
	if _, err := store.Save(ctx, updated, tag); err != nil {
		t.Errorf("Expected save with current etag to succeed, got %v", err)
	}
}

func TestNewRequestRejectsEmptyPatch(t *testing.T) {
	_, err := NewRequest(
		engine.ResourceRef{ID: "/subscriptions/0000/x", Scope: "/subscriptions/0000"},
		engine.Principal{ID: "abc", Kind: engine.PrincipalUser},
		nil,
		Patch{},
	)
	if !errors.Is(err, engine.ErrInvalidRequest) {
		t.Errorf("Expected ErrInvalidRequest, got %v", err)
	}
}
