// Package azure binds hubctl to Azure: credentials, the read-only
// control-plane probe, the settings blob store and a classifier that reads
// structured SDK errors.
package azure

import (
	"context"
	"fmt"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/arm"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/golang-jwt/jwt/v5"

	"github.com/openfroyo/hubctl/pkg/engine"
)

// ManagementScope is the token scope of Azure Resource Manager.
const ManagementScope = "https://management.azure.com/.default"

// NewCredential returns the default credential chain (environment,
// workload identity, managed identity, Azure CLI, ...). tenantID may be
// empty.
func NewCredential(tenantID string) (azcore.TokenCredential, error) {
	cred, err := azidentity.NewDefaultAzureCredential(&azidentity.DefaultAzureCredentialOptions{
		TenantID: tenantID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure credential: %w", err)
	}
	return cred, nil
}

// CurrentPrincipal returns the principal the credential signs in as, read
// from the oid claim of a management token.
func CurrentPrincipal(ctx context.Context, cred azcore.TokenCredential) (engine.Principal, error) {
	tok, err := cred.GetToken(ctx, policy.TokenRequestOptions{Scopes: []string{ManagementScope}})
	if err != nil {
		return engine.Principal{}, fmt.Errorf("failed to get management token: %w", err)
	}
	return PrincipalFromToken(tok.Token)
}

// PrincipalFromToken extracts the principal from an access token without
// verifying it. The token was just issued to us, so only its claims matter.
func PrincipalFromToken(token string) (engine.Principal, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return engine.Principal{}, fmt.Errorf("failed to parse access token: %w", err)
	}

	oid, _ := claims["oid"].(string)
	if oid == "" {
		return engine.Principal{}, fmt.Errorf("access token has no oid claim")
	}

	kind := engine.PrincipalUser
	// App-only tokens carry idtyp=app; user tokens carry a upn or idtyp=user.
	if idtyp, _ := claims["idtyp"].(string); strings.EqualFold(idtyp, "app") {
		kind = engine.PrincipalServicePrincipal
	}
	if _, hasUPN := claims["upn"]; hasUPN {
		kind = engine.PrincipalUser
	}

	return engine.Principal{ID: oid, Kind: kind}, nil
}

// ResourceRefFromID builds a ResourceRef from an ARM resource ID. The scope
// is the enclosing resource group, or the subscription for
// subscription-level resources.
func ResourceRefFromID(id string) (engine.ResourceRef, error) {
	rid, err := arm.ParseResourceID(id)
	if err != nil {
		return engine.ResourceRef{}, fmt.Errorf("invalid resource ID %q: %w", id, err)
	}

	scope := "/subscriptions/" + rid.SubscriptionID
	if rid.ResourceGroupName != "" {
		scope += "/resourceGroups/" + rid.ResourceGroupName
	}

	return engine.ResourceRef{
		ID:    id,
		Type:  rid.ResourceType.String(),
		Name:  rid.Name,
		Scope: scope,
	}, nil
}

// StorageAccountID returns the ARM ID of a storage account.
func StorageAccountID(subscriptionID, resourceGroup, account string) string {
	return fmt.Sprintf("/subscriptions/%s/resourceGroups/%s/providers/Microsoft.Storage/storageAccounts/%s",
		subscriptionID, resourceGroup, account)
}
