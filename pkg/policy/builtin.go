package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		scopeFormatPolicy(),
		retentionBoundsPolicy(),
		hubTargetPolicy(),
	}
}

// scopeFormatPolicy only admits scopes Cost Management exports can target.
func scopeFormatPolicy() Policy {
	return Policy{
		Name:        "scope-format",
		Description: "Scopes must be subscription, resource group, billing or management group ARM scopes",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"scopes"},
		Rego: `package hubctl.policies.scopes

import rego.v1

patterns := [
	"(?i)^/subscriptions/[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}(/resourcegroups/[^/]+)?$",
	"(?i)^/providers/microsoft\\.billing/billingaccounts/[^/]+(/[a-z]+/[^/]+)*$",
	"(?i)^/providers/microsoft\\.management/managementgroups/[^/]+$",
]

well_formed(scope) if {
	some pattern in patterns
	regex.match(pattern, scope)
}

deny contains violation if {
	some scope in input.scopes
	not well_formed(scope)
	violation := {
		"message": sprintf("Scope '%s' is not a subscription, resource group, billing account or management group scope", [scope]),
		"severity": "error",
		"resource": scope,
		"remediation": "Use a scope such as /subscriptions/<subscription-id> or /providers/Microsoft.Billing/billingAccounts/<id>",
	}
}
`,
	}
}

// retentionBoundsPolicy rejects negative retention windows.
func retentionBoundsPolicy() Policy {
	return Policy{
		Name:        "retention-bounds",
		Description: "Retention windows must not be negative",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"retention"},
		Rego: `package hubctl.policies.retention

import rego.v1

windows := {"msexports": "days", "ingestion": "months", "raw": "days", "final": "months"}

deny contains violation if {
	some name, unit in windows
	value := input.retention[name][unit]
	value < 0
	violation := {
		"message": sprintf("Retention %s.%s must not be negative, got %d", [name, unit, value]),
		"severity": "error",
		"resource": name,
	}
}

deny contains violation if {
	input.retention.final.months > 0
	input.retention.ingestion.months > input.retention.final.months
	violation := {
		"message": sprintf("Ingestion retention (%d months) exceeds final retention (%d months)", [input.retention.ingestion.months, input.retention.final.months]),
		"severity": "warning",
		"resource": "ingestion",
	}
}
`,
	}
}

// hubTargetPolicy warns when the settings target is not a storage account.
func hubTargetPolicy() Policy {
	return Policy{
		Name:        "hub-target",
		Description: "The settings document lives in the hub storage account",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"target"},
		Rego: `package hubctl.policies.target

import rego.v1

deny contains violation if {
	input.target.type != ""
	lower(input.target.type) != "microsoft.storage/storageaccounts"
	violation := {
		"message": sprintf("Target %s is a %s, not a storage account", [input.target.id, input.target.type]),
		"severity": "warning",
		"resource": input.target.id,
	}
}
`,
	}
}
