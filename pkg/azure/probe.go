package azure

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/arm"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/authorization/armauthorization/v3"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/resources/armresources"
	"github.com/rs/zerolog"

	"github.com/openfroyo/hubctl/pkg/engine"
)

// defaultAPIVersion is used for resource types missing from apiVersions.
const defaultAPIVersion = "2021-04-01"

// apiVersions maps lower-cased resource types to the API version used for
// generic reads.
var apiVersions = map[string]string{
	"microsoft.resources/resourcegroups":               "2021-04-01",
	"microsoft.storage/storageaccounts":                "2023-01-01",
	"microsoft.managedidentity/userassignedidentities": "2023-01-31",
	"microsoft.keyvault/vaults":                        "2023-07-01",
	"microsoft.datafactory/factories":                  "2018-06-01",
	"microsoft.kusto/clusters":                         "2023-08-15",
}

// quotaLimits are the per-subscription resource count limits the probe
// reports usage against.
var quotaLimits = map[string]int64{
	"microsoft.storage/storageaccounts":                250,
	"microsoft.managedidentity/userassignedidentities": 4000,
	"microsoft.datafactory/factories":                  800,
	"microsoft.keyvault/vaults":                        2000,
}

// Probe is the read-only Azure Resource Manager view used by diagnostics.
// It never issues a write.
type Probe struct {
	subscriptionID string
	resources      *armresources.Client
	deployments    *armresources.DeploymentsClient
	assignments    *armauthorization.RoleAssignmentsClient
	definitions    *armauthorization.RoleDefinitionsClient
	logger         zerolog.Logger

	mu        sync.Mutex
	roleNames map[string]string
}

// NewProbe creates a probe for the subscription. opts may be nil.
func NewProbe(subscriptionID string, cred azcore.TokenCredential, opts *arm.ClientOptions, logger zerolog.Logger) (*Probe, error) {
	if subscriptionID == "" {
		return nil, fmt.Errorf("subscription ID is required")
	}

	resources, err := armresources.NewClient(subscriptionID, cred, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create resources client: %w", err)
	}
	deployments, err := armresources.NewDeploymentsClient(subscriptionID, cred, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create deployments client: %w", err)
	}
	assignments, err := armauthorization.NewRoleAssignmentsClient(subscriptionID, cred, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create role assignments client: %w", err)
	}
	definitions, err := armauthorization.NewRoleDefinitionsClient(cred, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create role definitions client: %w", err)
	}

	return &Probe{
		subscriptionID: subscriptionID,
		resources:      resources,
		deployments:    deployments,
		assignments:    assignments,
		definitions:    definitions,
		logger:         logger.With().Str("component", "azure_probe").Logger(),
		roleNames:      make(map[string]string),
	}, nil
}

// Exists implements engine.Probe.
func (p *Probe) Exists(ctx context.Context, ref engine.ResourceRef) (bool, error) {
	resp, err := p.resources.CheckExistenceByID(ctx, ref.ID, apiVersionFor(ref), nil)
	if err != nil {
		return false, fmt.Errorf("failed to check existence of %s: %w", ref.ID, err)
	}
	return resp.Success, nil
}

// RoleAssignments implements engine.Probe. Assignments inherited from
// parent scopes are included.
func (p *Probe) RoleAssignments(ctx context.Context, principalID, scope string) ([]string, error) {
	pager := p.assignments.NewListForScopePager(scope, &armauthorization.RoleAssignmentsClientListForScopeOptions{
		Filter: to.Ptr(fmt.Sprintf("principalId eq '%s'", principalID)),
	})

	var names []string
	seen := make(map[string]bool)
	for pager.More() {
		next, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list role assignments at %s: %w", scope, err)
		}
		for _, ra := range next.Value {
			if ra == nil || ra.Properties == nil || ra.Properties.RoleDefinitionID == nil {
				continue
			}
			name, err := p.roleName(ctx, *ra.Properties.RoleDefinitionID)
			if err != nil {
				return nil, err
			}
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}

	sort.Strings(names)
	return names, nil
}

// roleName resolves a role definition ID to its display name.
func (p *Probe) roleName(ctx context.Context, definitionID string) (string, error) {
	key := strings.ToLower(definitionID)

	p.mu.Lock()
	name, ok := p.roleNames[key]
	p.mu.Unlock()
	if ok {
		return name, nil
	}

	resp, err := p.definitions.GetByID(ctx, definitionID, nil)
	if err != nil {
		return "", fmt.Errorf("failed to get role definition %s: %w", definitionID, err)
	}

	name = definitionID
	if resp.Properties != nil && resp.Properties.RoleName != nil {
		name = *resp.Properties.RoleName
	}

	p.mu.Lock()
	p.roleNames[key] = name
	p.mu.Unlock()

	p.logger.Debug().Str("role_definition_id", definitionID).Str("role", name).Msg("Resolved role definition")

	return name, nil
}

// NetworkDefaultAction implements engine.Probe. Storage accounts report
// networkAcls, other services networkRuleSet; publicNetworkAccess=Disabled
// is treated as Deny.
func (p *Probe) NetworkDefaultAction(ctx context.Context, ref engine.ResourceRef) (engine.NetworkAction, error) {
	props, err := p.properties(ctx, ref)
	if err != nil {
		return "", err
	}

	if access, _ := props["publicNetworkAccess"].(string); strings.EqualFold(access, "Disabled") {
		return engine.NetworkDeny, nil
	}

	for _, key := range []string{"networkAcls", "networkRuleSet"} {
		rules, ok := props[key].(map[string]any)
		if !ok {
			continue
		}
		if action, _ := rules["defaultAction"].(string); strings.EqualFold(action, string(engine.NetworkDeny)) {
			return engine.NetworkDeny, nil
		}
	}

	return engine.NetworkAllow, nil
}

// ProvisioningState implements engine.Probe.
func (p *Probe) ProvisioningState(ctx context.Context, ref engine.ResourceRef) (string, error) {
	props, err := p.properties(ctx, ref)
	if err != nil {
		return "", err
	}
	state, _ := props["provisioningState"].(string)
	return state, nil
}

func (p *Probe) properties(ctx context.Context, ref engine.ResourceRef) (map[string]any, error) {
	resp, err := p.resources.GetByID(ctx, ref.ID, apiVersionFor(ref), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", ref.ID, err)
	}
	props, _ := resp.Properties.(map[string]any)
	if props == nil {
		props = map[string]any{}
	}
	return props, nil
}

// QuotaUsage implements engine.Probe by counting resources of the target's
// type in the subscription. Types without a known limit report Limit 0.
func (p *Probe) QuotaUsage(ctx context.Context, ref engine.ResourceRef) (engine.Usage, error) {
	resourceType := resourceTypeOf(ref)
	usage := engine.Usage{
		Name:  resourceType,
		Limit: quotaLimits[strings.ToLower(resourceType)],
	}

	pager := p.resources.NewListPager(&armresources.ClientListOptions{
		Filter: to.Ptr(fmt.Sprintf("resourceType eq '%s'", resourceType)),
	})
	for pager.More() {
		next, err := pager.NextPage(ctx)
		if err != nil {
			return engine.Usage{}, fmt.Errorf("failed to list %s resources: %w", resourceType, err)
		}
		usage.Used += int64(len(next.Value))
	}

	return usage, nil
}

// RecentDeployments implements engine.Probe. The scope must be a resource
// group in the probe's subscription.
func (p *Probe) RecentDeployments(ctx context.Context, scope string, limit int) ([]engine.Deployment, error) {
	rid, err := arm.ParseResourceID(scope)
	if err != nil {
		return nil, fmt.Errorf("invalid scope %q: %w", scope, err)
	}
	if rid.ResourceGroupName == "" {
		return nil, fmt.Errorf("scope %q is not a resource group", scope)
	}
	if !strings.EqualFold(rid.SubscriptionID, p.subscriptionID) {
		return nil, fmt.Errorf("scope %q is outside subscription %s", scope, p.subscriptionID)
	}

	var deployments []engine.Deployment
	pager := p.deployments.NewListByResourceGroupPager(rid.ResourceGroupName, nil)
	for pager.More() {
		next, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list deployments in %s: %w", rid.ResourceGroupName, err)
		}
		for _, d := range next.Value {
			if d != nil {
				deployments = append(deployments, toDeployment(d))
			}
		}
	}

	sort.SliceStable(deployments, func(i, j int) bool {
		return deployments[i].Timestamp.After(deployments[j].Timestamp)
	})
	if limit > 0 && len(deployments) > limit {
		deployments = deployments[:limit]
	}
	return deployments, nil
}

func toDeployment(d *armresources.DeploymentExtended) engine.Deployment {
	out := engine.Deployment{Name: deref(d.Name)}
	if d.Properties == nil {
		return out
	}
	if d.Properties.ProvisioningState != nil {
		out.State = string(*d.Properties.ProvisioningState)
	}
	if d.Properties.Timestamp != nil {
		out.Timestamp = d.Properties.Timestamp.UTC()
	}
	if e := d.Properties.Error; e != nil {
		out.Error = strings.TrimSpace(fmt.Sprintf("%s %s", deref(e.Code), deref(e.Message)))
	}
	return out
}

func resourceTypeOf(ref engine.ResourceRef) string {
	if ref.Type != "" {
		return ref.Type
	}
	if rid, err := arm.ParseResourceID(ref.ID); err == nil {
		return rid.ResourceType.String()
	}
	return ""
}

func apiVersionFor(ref engine.ResourceRef) string {
	if v, ok := apiVersions[strings.ToLower(resourceTypeOf(ref))]; ok {
		return v
	}
	return defaultAPIVersion
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
