package azure

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"

	"github.com/openfroyo/hubctl/pkg/engine"
	"github.com/openfroyo/hubctl/pkg/settings"
)

var (
	// PrincipalNotFound is what ARM returns for a managed identity created
	// moments ago that has not replicated yet; it resolves by waiting.
	authCodes = map[string]bool{
		"principalnotfound":               true,
		"authorizationfailed":             true,
		"authorizationfailure":            true,
		"authorizationpermissionmismatch": true,
		"linkedauthorizationfailed":       true,
	}
	notFoundCodes = map[string]bool{
		"resourcenotfound":       true,
		"resourcegroupnotfound":  true,
		"containernotfound":      true,
		"storageaccountnotfound": true,
		"subscriptionnotfound":   true,
	}
	networkCodes = map[string]bool{
		"conditionnotmet":    true,
		"serverbusy":         true,
		"operationtimedout":  true,
		"internalerror":      true,
		"toomanyrequests":    true,
		"retryableerror":     true,
		"gatewaytimeout":     true,
		"serviceunavailable": true,
	}
)

// Classifier classifies errors using the status code and error code of
// *azcore.ResponseError when present, and the text rules otherwise.
type Classifier struct{}

// Classify implements engine.Classifier.
func (Classifier) Classify(err error) engine.FailureClass {
	if err == nil {
		return engine.ClassUnknown
	}

	if errors.Is(err, settings.ErrConflict) || errors.Is(err, context.DeadlineExceeded) {
		return engine.ClassTransientNetwork
	}

	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		if class := classifyResponse(respErr); class != engine.ClassUnknown {
			return class
		}
	}

	return engine.ClassifyText(err.Error())
}

func classifyResponse(e *azcore.ResponseError) engine.FailureClass {
	code := strings.ToLower(e.ErrorCode)

	switch {
	case authCodes[code]:
		return forbidden(e)
	case notFoundCodes[code]:
		return engine.ClassResourceNotFound
	case strings.Contains(code, "quota"):
		return engine.ClassQuotaExceeded
	case networkCodes[code]:
		return engine.ClassTransientNetwork
	}

	switch {
	case e.StatusCode == http.StatusForbidden:
		return forbidden(e)
	case e.StatusCode == http.StatusNotFound:
		return engine.ClassResourceNotFound
	case e.StatusCode == http.StatusPreconditionFailed,
		e.StatusCode == http.StatusRequestTimeout,
		e.StatusCode == http.StatusTooManyRequests,
		e.StatusCode >= 500:
		return engine.ClassTransientNetwork
	default:
		return engine.ClassUnknown
	}
}

// forbidden separates a human missing a role from a propagation delay.
func forbidden(e *azcore.ResponseError) engine.FailureClass {
	if engine.ClassifyText(e.Error()) == engine.ClassPermissionDenied {
		return engine.ClassPermissionDenied
	}
	return engine.ClassTransientAuth
}
