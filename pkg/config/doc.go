// Package config loads the hubctl configuration file.
//
// A configuration file is YAML (or JSON) or CUE. Both formats are unified
// with the built-in #Config CUE schema, which is closed: unknown keys,
// malformed durations and out-of-range values are rejected with their file
// positions. The result is decoded over Default and checked once more with
// struct validation.
//
// # Usage Example
//
//	cfg, err := config.Load("hubctl.yaml")
//	if err != nil {
//	    return err
//	}
//	schedule := cfg.Retry.Schedule()
//
// A minimal YAML file:
//
//	azure:
//	  subscription_id: 00000000-0000-0000-0000-000000000001
//	  resource_group: finops
//	  storage_account: finopshub
//	retry:
//	  initial_wait: 60s
//	  max_attempts: 6
//
// The same file in CUE:
//
//	azure: {
//	    subscription_id: "00000000-0000-0000-0000-000000000001"
//	    resource_group:  "finops"
//	    storage_account: "finopshub"
//	}
//	retry: max_attempts: 6
//
// The SchemaRegistry also carries the #Settings and #Patch schemas used to
// check settings documents and patches before they are written.
package config
