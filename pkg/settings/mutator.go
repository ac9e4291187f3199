package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/openfroyo/hubctl/pkg/engine"
	"github.com/rs/zerolog"
)

// Mutator is the engine.Mutator that merges a Patch into the stored
// settings document. One Execute is one load-merge-save round trip.
type Mutator struct {
	store  Store
	logger zerolog.Logger
}

// NewMutator returns a mutator over store.
func NewMutator(store Store, logger zerolog.Logger) *Mutator {
	return &Mutator{
		store:  store,
		logger: logger.With().Str("component", "settings-mutator").Logger(),
	}
}

// ApplyResult is the success payload of an attempt.
type ApplyResult struct {
	Location string   `json:"location"`
	ETag     string   `json:"etag,omitempty"`
	Changed  bool     `json:"changed"`
	Added    []string `json:"added,omitempty"`
	Scopes   []string `json:"scopes"`
}

// Execute implements engine.Mutator. Errors are returned verbatim with
// ClassUnknown; classification is left to the orchestrator.
func (m *Mutator) Execute(ctx context.Context, req engine.OperationRequest, attempt int) engine.Outcome {
	var patch Patch
	if err := json.Unmarshal(req.Payload, &patch); err != nil {
		return engine.Failure(engine.ClassUnknown, fmt.Errorf("failed to decode settings patch: %w", err), attempt)
	}

	current := Defaults()
	etag := ""
	doc, err := m.store.Load(ctx)
	switch {
	case err == nil:
		current = doc.Settings
		etag = doc.ETag
	case errors.Is(err, ErrNotFound):
		m.logger.Debug().Str("location", m.store.Location()).Msg("No settings document yet, starting from defaults")
	default:
		return engine.Failure(engine.ClassUnknown, err, attempt)
	}

	merged := Merge(current, patch)
	res := ApplyResult{
		Location: m.store.Location(),
		ETag:     etag,
		Added:    Added(current, patch),
		Scopes:   merged.Scopes,
	}

	if doc != nil && merged.Equal(current) {
		m.logger.Info().
			Str("operation_id", req.ID).
			Int("attempt", attempt).
			Msg("Settings already up to date")
		return engine.Success(attempt, mustMarshal(res))
	}

	if err := merged.Validate(); err != nil {
		return engine.Failure(engine.ClassUnknown, err, attempt)
	}

	newTag, err := m.store.Save(ctx, merged, etag)
	if err != nil {
		return engine.Failure(engine.ClassUnknown, err, attempt)
	}

	res.ETag = newTag
	res.Changed = true
	m.logger.Info().
		Str("operation_id", req.ID).
		Int("attempt", attempt).
		Strs("added", res.Added).
		Str("location", res.Location).
		Msg("Settings updated")

	return engine.Success(attempt, mustMarshal(res))
}

func mustMarshal(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		// ApplyResult only holds strings and bools.
		panic(err)
	}
	return data
}

// NewRequest builds an OperationRequest carrying patch as its payload.
func NewRequest(target engine.ResourceRef, principal engine.Principal, requiredRoles []string, patch Patch) (engine.OperationRequest, error) {
	if err := patch.Validate(); err != nil {
		return engine.OperationRequest{}, fmt.Errorf("%w: %v", engine.ErrInvalidRequest, err)
	}
	patch.Scopes = NormalizeScopes(patch.Scopes)

	payload, err := json.Marshal(patch)
	if err != nil {
		return engine.OperationRequest{}, fmt.Errorf("failed to encode settings patch: %w", err)
	}
	return engine.NewOperationRequest(target, principal, requiredRoles, payload)
}

// DecodeResult parses the success payload of an attempt.
func DecodeResult(o engine.Outcome) (*ApplyResult, error) {
	if !o.Succeeded() || len(o.Result) == 0 {
		return nil, fmt.Errorf("outcome carries no settings result")
	}
	var res ApplyResult
	if err := json.Unmarshal(o.Result, &res); err != nil {
		return nil, fmt.Errorf("failed to decode settings result: %w", err)
	}
	return &res, nil
}
