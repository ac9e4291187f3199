package azure

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/openfroyo/hubctl/pkg/engine"
)

const (
	testRG      = "/subscriptions/" + testSubscription + "/resourceGroups/finops"
	testStorage = testRG + "/providers/Microsoft.Storage/storageAccounts/finopshub"
)

func testRef(t *testing.T) engine.ResourceRef {
	t.Helper()
	ref, err := ResourceRefFromID(testStorage)
	if err != nil {
		t.Fatalf("Failed to parse resource ID: %v", err)
	}
	return ref
}

func TestResourceRefFromID(t *testing.T) {
	ref := testRef(t)

	want := engine.ResourceRef{
		ID:    testStorage,
		Type:  "Microsoft.Storage/storageAccounts",
		Name:  "finopshub",
		Scope: testRG,
	}
	if diff := cmp.Diff(want, ref); diff != "" {
		t.Errorf("ResourceRef mismatch (-want +got):\n%s", diff)
	}

	if _, err := ResourceRefFromID("not-an-id"); err == nil {
		t.Error("Expected error for invalid resource ID")
	}
}

func TestProbeExists(t *testing.T) {
	sender := &fakeSender{handler: func(req *http.Request) (int, http.Header, string) {
		if req.Method != http.MethodHead {
			t.Errorf("Expected HEAD, got %s", req.Method)
		}
		if got := req.URL.Query().Get("api-version"); got != "2023-01-01" {
			t.Errorf("Expected api-version 2023-01-01, got %s", got)
		}
		if strings.HasSuffix(req.URL.Path, "/finopshub") {
			return http.StatusNoContent, nil, ""
		}
		return http.StatusNotFound, nil, ""
	}}
	p := newTestProbe(t, sender)

	ok, err := p.Exists(context.Background(), testRef(t))
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if !ok {
		t.Error("Expected resource to exist")
	}

	missing := testRef(t)
	missing.ID = testRG + "/providers/Microsoft.Storage/storageAccounts/gone"
	ok, err = p.Exists(context.Background(), missing)
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if ok {
		t.Error("Expected resource to be missing")
	}
}

func TestProbeRoleAssignments(t *testing.T) {
	const (
		readerID      = "/subscriptions/" + testSubscription + "/providers/Microsoft.Authorization/roleDefinitions/acdd72a7-3385-48ef-bd42-f606fba81ae7"
		contributorID = "/subscriptions/" + testSubscription + "/providers/Microsoft.Authorization/roleDefinitions/ba92f5b4-2d11-453d-a403-e96b0029c9fe"
	)

	sender := &fakeSender{handler: func(req *http.Request) (int, http.Header, string) {
		switch {
		case strings.HasSuffix(req.URL.Path, "/roleAssignments"):
			if got := req.URL.Query().Get("$filter"); got != "principalId eq 'mi-1'" {
				t.Errorf("Expected principal filter, got %q", got)
			}
			return http.StatusOK, nil, `{"value":[
				{"id":"a1","properties":{"principalId":"mi-1","roleDefinitionId":"` + contributorID + `","scope":"` + testRG + `"}},
				{"id":"a2","properties":{"principalId":"mi-1","roleDefinitionId":"` + readerID + `","scope":"/subscriptions/` + testSubscription + `"}},
				{"id":"a3","properties":{"principalId":"mi-1","roleDefinitionId":"` + strings.ToUpper(readerID) + `","scope":"` + testStorage + `"}}
			]}`
		case strings.Contains(req.URL.Path, "acdd72a7"), strings.Contains(req.URL.Path, "ACDD72A7"):
			return http.StatusOK, nil, `{"id":"` + readerID + `","properties":{"roleName":"Reader"}}`
		case strings.Contains(req.URL.Path, "ba92f5b4"):
			return http.StatusOK, nil, `{"id":"` + contributorID + `","properties":{"roleName":"Storage Blob Data Contributor"}}`
		}
		return http.StatusNotFound, nil, `{"error":{"code":"NotFound","message":"no route"}}`
	}}
	p := newTestProbe(t, sender)

	roles, err := p.RoleAssignments(context.Background(), "mi-1", testRG)
	if err != nil {
		t.Fatalf("RoleAssignments failed: %v", err)
	}

	want := []string{"Reader", "Storage Blob Data Contributor"}
	if diff := cmp.Diff(want, roles); diff != "" {
		t.Errorf("Roles mismatch (-want +got):\n%s", diff)
	}

	// The upper-cased duplicate is served from the cache.
	if got := sender.count(http.MethodGet, "/roleDefinitions/"); got != 2 {
		t.Errorf("Expected 2 role definition lookups, got %d", got)
	}
}

func TestProbeNetworkDefaultAction(t *testing.T) {
	tests := []struct {
		name  string
		props string
		want  engine.NetworkAction
	}{
		{"storage deny", `{"networkAcls":{"defaultAction":"Deny","bypass":"AzureServices"}}`, engine.NetworkDeny},
		{"storage allow", `{"networkAcls":{"defaultAction":"Allow"}}`, engine.NetworkAllow},
		{"rule set deny", `{"networkRuleSet":{"defaultAction":"Deny"}}`, engine.NetworkDeny},
		{"public access disabled", `{"publicNetworkAccess":"Disabled"}`, engine.NetworkDeny},
		{"no firewall", `{}`, engine.NetworkAllow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := &fakeSender{handler: func(req *http.Request) (int, http.Header, string) {
				return http.StatusOK, nil, `{"id":"` + testStorage + `","properties":` + tt.props + `}`
			}}
			p := newTestProbe(t, sender)

			got, err := p.NetworkDefaultAction(context.Background(), testRef(t))
			if err != nil {
				t.Fatalf("NetworkDefaultAction failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestProbeProvisioningState(t *testing.T) {
	sender := &fakeSender{handler: func(req *http.Request) (int, http.Header, string) {
		return http.StatusOK, nil, `{"id":"` + testStorage + `","properties":{"provisioningState":"Succeeded"}}`
	}}
	p := newTestProbe(t, sender)

	state, err := p.ProvisioningState(context.Background(), testRef(t))
	if err != nil {
		t.Fatalf("ProvisioningState failed: %v", err)
	}
	if state != "Succeeded" {
		t.Errorf("Expected Succeeded, got %s", state)
	}
}

func TestProbeGetError(t *testing.T) {
	sender := &fakeSender{handler: func(req *http.Request) (int, http.Header, string) {
		return http.StatusForbidden, nil, `{"error":{"code":"AuthorizationFailed","message":"The client 'mi-1' with object id 'mi-1' does not have authorization to perform action"}}`
	}}
	p := newTestProbe(t, sender)

	_, err := p.ProvisioningState(context.Background(), testRef(t))
	if err == nil {
		t.Fatal("Expected error")
	}
	if got := (Classifier{}).Classify(err); got != engine.ClassTransientAuth {
		t.Errorf("Expected transient_auth, got %s", got)
	}
}

func TestProbeQuotaUsage(t *testing.T) {
	sender := &fakeSender{handler: func(req *http.Request) (int, http.Header, string) {
		if req.URL.Query().Get("page") == "2" {
			return http.StatusOK, nil, `{"value":[{"id":"s4"},{"id":"s5"}]}`
		}
		if got := req.URL.Query().Get("$filter"); got != "resourceType eq 'Microsoft.Storage/storageAccounts'" {
			t.Errorf("Expected resource type filter, got %q", got)
		}
		return http.StatusOK, nil, `{"value":[{"id":"s1"},{"id":"s2"},{"id":"s3"}],
			"nextLink":"https://management.azure.com/subscriptions/` + testSubscription + `/resources?page=2"}`
	}}
	p := newTestProbe(t, sender)

	usage, err := p.QuotaUsage(context.Background(), testRef(t))
	if err != nil {
		t.Fatalf("QuotaUsage failed: %v", err)
	}

	want := engine.Usage{Name: "Microsoft.Storage/storageAccounts", Used: 5, Limit: 250}
	if diff := cmp.Diff(want, usage); diff != "" {
		t.Errorf("Usage mismatch (-want +got):\n%s", diff)
	}
}

func TestProbeRecentDeployments(t *testing.T) {
	sender := &fakeSender{handler: func(req *http.Request) (int, http.Header, string) {
		if !strings.HasSuffix(req.URL.Path, "/resourcegroups/finops/providers/Microsoft.Resources/deployments/") &&
			!strings.HasSuffix(req.URL.Path, "/resourcegroups/finops/providers/Microsoft.Resources/deployments") {
			t.Errorf("Unexpected path %s", req.URL.Path)
		}
		return http.StatusOK, nil, `{"value":[
			{"name":"old","properties":{"provisioningState":"Succeeded","timestamp":"2026-01-01T00:00:00Z"}},
			{"name":"newest","properties":{"provisioningState":"Failed","timestamp":"2026-03-01T00:00:00Z",
				"error":{"code":"DeploymentFailed","message":"At least one resource deployment operation failed."}}},
			{"name":"middle","properties":{"provisioningState":"Succeeded","timestamp":"2026-02-01T00:00:00Z"}}
		]}`
	}}
	p := newTestProbe(t, sender)

	deployments, err := p.RecentDeployments(context.Background(), testRG, 2)
	if err != nil {
		t.Fatalf("RecentDeployments failed: %v", err)
	}
	if len(deployments) != 2 {
		t.Fatalf("Expected 2 deployments, got %d", len(deployments))
	}
	if deployments[0].Name != "newest" || deployments[1].Name != "middle" {
		t.Errorf("Expected newest first, got %s then %s", deployments[0].Name, deployments[1].Name)
	}
	if deployments[0].State != "Failed" {
		t.Errorf("Expected Failed, got %s", deployments[0].State)
	}
	if deployments[0].Error != "DeploymentFailed At least one resource deployment operation failed." {
		t.Errorf("Unexpected error text %q", deployments[0].Error)
	}
}

func TestProbeRecentDeploymentsScope(t *testing.T) {
	sender := &fakeSender{handler: func(req *http.Request) (int, http.Header, string) {
		t.Errorf("Unexpected request %s %s", req.Method, req.URL)
		return http.StatusInternalServerError, nil, ""
	}}
	p := newTestProbe(t, sender)

	scopes := []string{
		"/subscriptions/" + testSubscription,
		"/subscriptions/other/resourceGroups/finops",
		"garbage",
	}
	for _, scope := range scopes {
		if _, err := p.RecentDeployments(context.Background(), scope, 5); err == nil {
			t.Errorf("Expected error for scope %q", scope)
		}
	}
}

func TestProbeIsReadOnly(t *testing.T) {
	sender := &fakeSender{handler: func(req *http.Request) (int, http.Header, string) {
		switch {
		case req.Method == http.MethodHead:
			return http.StatusNoContent, nil, ""
		case strings.HasSuffix(req.URL.Path, "/roleAssignments"):
			return http.StatusOK, nil, `{"value":[]}`
		case strings.Contains(strings.ToLower(req.URL.Path), "/deployments"):
			return http.StatusOK, nil, `{"value":[]}`
		case strings.HasSuffix(req.URL.Path, "/resources"):
			return http.StatusOK, nil, `{"value":[]}`
		}
		return http.StatusOK, nil, `{"id":"` + testStorage + `","properties":{"provisioningState":"Succeeded"}}`
	}}
	p := newTestProbe(t, sender)
	ctx := context.Background()
	ref := testRef(t)

	if _, err := p.Exists(ctx, ref); err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if _, err := p.RoleAssignments(ctx, "mi-1", ref.Scope); err != nil {
		t.Fatalf("RoleAssignments failed: %v", err)
	}
	if _, err := p.NetworkDefaultAction(ctx, ref); err != nil {
		t.Fatalf("NetworkDefaultAction failed: %v", err)
	}
	if _, err := p.ProvisioningState(ctx, ref); err != nil {
		t.Fatalf("ProvisioningState failed: %v", err)
	}
	if _, err := p.QuotaUsage(ctx, ref); err != nil {
		t.Fatalf("QuotaUsage failed: %v", err)
	}
	if _, err := p.RecentDeployments(ctx, ref.Scope, 5); err != nil {
		t.Fatalf("RecentDeployments failed: %v", err)
	}

	for _, m := range sender.methods() {
		if m != http.MethodGet && m != http.MethodHead {
			t.Errorf("Expected only reads, got %s", m)
		}
	}
}

func TestNewProbeRequiresSubscription(t *testing.T) {
	if _, err := NewProbe("", fakeCredential{}, nil, zerolog.Nop()); err == nil {
		t.Error("Expected error for empty subscription")
	}
}
