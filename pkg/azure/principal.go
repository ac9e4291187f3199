package azure

import (
	"context"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/arm"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/msi/armmsi"

	"github.com/openfroyo/hubctl/pkg/engine"
)

// ResolvePrincipal looks up the principal ID of a user-assigned
// managed identity by its ARM ID.
func ResolvePrincipal(ctx context.Context, identityID string, cred azcore.TokenCredential, opts *arm.ClientOptions) (engine.Principal, error) {
	rid, err := arm.ParseResourceID(identityID)
	if err != nil {
		return engine.Principal{}, fmt.Errorf("invalid identity ID %q: %w", identityID, err)
	}
	if rid.ResourceGroupName == "" || rid.Name == "" {
		return engine.Principal{}, fmt.Errorf("identity ID %q has no resource group or name", identityID)
	}

	client, err := armmsi.NewUserAssignedIdentitiesClient(rid.SubscriptionID, cred, opts)
	if err != nil {
		return engine.Principal{}, fmt.Errorf("failed to create identity client: %w", err)
	}

	resp, err := client.Get(ctx, rid.ResourceGroupName, rid.Name, nil)
	if err != nil {
		return engine.Principal{}, fmt.Errorf("failed to get identity %s: %w", rid.Name, err)
	}
	if resp.Properties == nil || resp.Properties.PrincipalID == nil {
		return engine.Principal{}, fmt.Errorf("identity %s has no principal ID yet", rid.Name)
	}

	return engine.Principal{
		ID:         *resp.Properties.PrincipalID,
		Kind:       engine.PrincipalManagedIdentity,
		ResourceID: identityID,
	}, nil
}
