package settings

import (
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestMergeIdempotent(t *testing.T) {
	base := Defaults()
	base.Scopes = []string{"/subscriptions/A"}

	retention := DefaultRetention()
	retention.Raw.Days = 30
	patch := Patch{
		Scopes:    []string{"/subscriptions/A", "/subscriptions/B"},
		Version:   "0.7",
		Retention: &retention,
	}

	once := Merge(base, patch)
	twice := Merge(once, patch)

	if diff := cmp.Diff(once, twice); diff != "" {
		t.Errorf("Merge is not idempotent (-once +twice):\n%s", diff)
	}
	if !once.Equal(twice) {
		t.Error("Expected Equal to agree with cmp.Diff")
	}
}

func TestMergeScopesUnion(t *testing.T) {
	base := Defaults()
	base.Scopes = []string{"/subscriptions/A"}

	got := Merge(base, Patch{Scopes: []string{"/subscriptions/A", "/subscriptions/B"}}).Scopes

	sorted := append([]string(nil), got...)
	sort.Strings(sorted)
	want := []string{"/subscriptions/A", "/subscriptions/B"}
	if diff := cmp.Diff(want, sorted); diff != "" {
		t.Errorf("Unexpected scopes (-want +got):\n%s", diff)
	}
}

func TestMergeDoesNotModifyInput(t *testing.T) {
	base := Defaults()
	base.Scopes = []string{"/subscriptions/A"}

	_ = Merge(base, Patch{Scopes: []string{"/subscriptions/B"}})

	if diff := cmp.Diff([]string{"/subscriptions/A"}, base.Scopes); diff != "" {
		t.Errorf("Input was modified (-want +got):\n%s", diff)
	}
}

func TestMergeOverwrites(t *testing.T) {
	base := Defaults()
	retention := Retention{
		MSExports: Days{Days: 7},
		Ingestion: Months{Months: 24},
		Raw:       Days{Days: 14},
		Final:     Months{Months: 36},
	}

	got := Merge(base, Patch{Version: "0.8", Retention: &retention})
	if got.Version != "0.8" {
		t.Errorf("Expected version 0.8, got %s", got.Version)
	}
	if got.Retention != retention {
		t.Errorf("Expected retention %+v, got %+v", retention, got.Retention)
	}

	// Empty fields keep the current values.
	kept := Merge(got, Patch{Scopes: []string{"/subscriptions/C"}})
	if kept.Version != "0.8" || kept.Retention != retention {
		t.Errorf("Expected version and retention to be kept, got %+v", kept)
	}
}

func TestMergeFillsMissingHeader(t *testing.T) {
	got := Merge(Settings{}, Patch{Scopes: []string{"/subscriptions/A"}})

	if got.Schema != SchemaURL || got.Type != DocumentType || got.Version != DefaultVersion {
		t.Errorf("Expected header defaults, got %+v", got)
	}
	if err := got.Validate(); err != nil {
		t.Errorf("Expected merged document to be valid: %v", err)
	}
}

func TestNormalizeScopes(t *testing.T) {
	got := NormalizeScopes([]string{
		" /subscriptions/A/ ",
		"/SUBSCRIPTIONS/a",
		"",
		"/",
		"/providers/Microsoft.Billing/billingAccounts/123",
		"/subscriptions/A",
	})
	want := []string{
		"/subscriptions/A",
		"/providers/Microsoft.Billing/billingAccounts/123",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Unexpected scopes (-want +got):\n%s", diff)
	}
}

func TestAdded(t *testing.T) {
	base := Defaults()
	base.Scopes = []string{"/subscriptions/A"}

	got := Added(base, Patch{Scopes: []string{"/subscriptions/a/", "/subscriptions/B"}})
	if diff := cmp.Diff([]string{"/subscriptions/B"}, got); diff != "" {
		t.Errorf("Unexpected added scopes (-want +got):\n%s", diff)
	}
}

func TestSettingsValidate(t *testing.T) {
	s := Defaults()
	if err := s.Validate(); err != nil {
		t.Fatalf("Defaults should be valid: %v", err)
	}

	s.Retention.Final.Months = -1
	if err := s.Validate(); err == nil {
		t.Error("Expected negative retention to fail validation")
	}
}

func TestPatchValidate(t *testing.T) {
	if err := (Patch{}).Validate(); err == nil {
		t.Error("Expected empty patch to be rejected")
	}
	if err := (Patch{Scopes: []string{" / "}}).Validate(); err == nil {
		t.Error("Expected patch with only blank scopes to be rejected")
	}

	bad := DefaultRetention()
	bad.MSExports.Days = -3
	if err := (Patch{Retention: &bad}).Validate(); err == nil {
		t.Error("Expected negative retention to be rejected")
	}

	if err := (Patch{Version: "1.0"}).Validate(); err != nil {
		t.Errorf("Expected version-only patch to be valid: %v", err)
	}
}
