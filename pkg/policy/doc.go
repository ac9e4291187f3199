// Package policy gates hub settings changes with Open Policy Agent (OPA).
//
// Policies are Rego modules whose package defines a deny set. Each member is
// either a message string or an object with message, severity, resource and
// remediation fields. Violations with severity error or critical block the
// command before any request is built; warnings are reported only.
//
// # Built-in Policies
//
//   - scope-format: scopes must be subscription, resource group, billing
//     account (and nested billing scopes) or management group ARM scopes
//   - retention-bounds: retention windows must not be negative, and
//     ingestion retention should not exceed final retention
//   - hub-target: the settings target should be a storage account
//
// # Usage
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadPolicies(ctx, []string{"/etc/hubctl/policies"}); err != nil {
//	    return err
//	}
//
//	result, err := eng.Evaluate(ctx, policy.InputForPatch("apply", target, principal, patch))
//	if err != nil {
//	    return err
//	}
//	if err := result.Err(); err != nil {
//	    return err
//	}
//
// # Custom Policies
//
// Custom .rego files use the rego.v1 syntax:
//
//	# Only export scopes from the production subscription.
//	# severity: error
//	package hubctl.custom.prod
//
//	import rego.v1
//
//	deny contains msg if {
//	    some scope in input.scopes
//	    not startswith(lower(scope), "/subscriptions/00000000-0000-0000-0000-000000000001")
//	    msg := sprintf("scope %s is outside production", [scope])
//	}
//
// The leading comment block becomes the description and "# severity:" sets
// the default severity for string violations. JSON files holding a Policy
// are accepted too.
package policy
