package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/openfroyo/hubctl/pkg/engine"
)

const (
	testRG     = "/subscriptions/00000000-0000-0000-0000-000000000001/resourceGroups/finops"
	testTarget = testRG + "/providers/Microsoft.Storage/storageAccounts/finopshub"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testRequest(t *testing.T) engine.OperationRequest {
	t.Helper()

	req, err := engine.NewOperationRequest(
		engine.ResourceRef{ID: testTarget, Type: "Microsoft.Storage/storageAccounts", Name: "finopshub", Scope: testRG},
		engine.Principal{ID: "11111111-2222-3333-4444-555555555555", Kind: engine.PrincipalManagedIdentity},
		[]string{"Storage Blob Data Contributor"},
		json.RawMessage(`{"scopes":["/subscriptions/00000000-0000-0000-0000-000000000001"]}`),
	)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	return req
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Error("expected health check to fail before Init")
	}

	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}

	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("expected error for empty path")
	}
}

// TestStoreMigrations tests that migrations apply and are idempotent
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second migration failed: %v", err)
	}

	for _, table := range []string{"operations", "attempts", "events"} {
		var name string
		err := store.db.QueryRowContext(ctx,
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s not found: %v", table, err)
		}
	}
}

func TestOpenFileDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	ctx := context.Background()

	store, err := Open(ctx, Config{Path: path})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}

	req := testRequest(t)
	if err := store.RecordAttempt(ctx, req, engine.Success(1, nil)); err != nil {
		t.Fatalf("failed to record attempt: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}

	reopened, err := Open(ctx, Config{Path: path})
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer reopened.Close()

	if _, err := reopened.GetOperation(ctx, req.ID); err != nil {
		t.Errorf("expected operation to survive reopen: %v", err)
	}
}

func TestRecordAttemptsAndResult(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	req := testRequest(t)

	failure := engine.Failure(engine.ClassTransientAuth, errors.New("AuthorizationFailed: principal does not have access"), 1)
	if err := store.RecordAttempt(ctx, req, failure); err != nil {
		t.Fatalf("failed to record attempt 1: %v", err)
	}

	op, err := store.GetOperation(ctx, req.ID)
	if err != nil {
		t.Fatalf("failed to get operation: %v", err)
	}
	if op.State != engine.StateRetrying {
		t.Errorf("Expected state %s, got %s", engine.StateRetrying, op.State)
	}
	if op.LastClass == nil || *op.LastClass != engine.ClassTransientAuth {
		t.Errorf("Expected last class %s, got %v", engine.ClassTransientAuth, op.LastClass)
	}
	if diff := cmp.Diff([]string{"Storage Blob Data Contributor"}, op.RequiredRoles); diff != "" {
		t.Errorf("Required roles mismatch (-want +got):\n%s", diff)
	}

	success := engine.Success(2, json.RawMessage(`{"changed":true}`))
	if err := store.RecordAttempt(ctx, req, success); err != nil {
		t.Fatalf("failed to record attempt 2: %v", err)
	}

	result := &engine.Result{
		Request:     req,
		State:       engine.StateSucceeded,
		Attempts:    2,
		History:     []engine.Outcome{failure, success},
		Waited:      60 * time.Second,
		StartedAt:   req.CreatedAt,
		CompletedAt: time.Now().UTC(),
	}
	if err := store.RecordResult(ctx, result); err != nil {
		t.Fatalf("failed to record result: %v", err)
	}

	op, err = store.GetOperation(ctx, req.ID)
	if err != nil {
		t.Fatalf("failed to get operation: %v", err)
	}
	if op.State != engine.StateSucceeded {
		t.Errorf("Expected state %s, got %s", engine.StateSucceeded, op.State)
	}
	if op.Attempts != 2 {
		t.Errorf("Expected 2 attempts, got %d", op.Attempts)
	}
	if op.Waited != 60*time.Second {
		t.Errorf("Expected waited 60s, got %s", op.Waited)
	}
	if op.LastClass != nil {
		t.Errorf("Expected no last class after success, got %s", *op.LastClass)
	}
	if op.CompletedAt == nil {
		t.Error("Expected completed_at to be set")
	}
	if op.Report != nil {
		t.Error("Expected no report for a succeeded operation")
	}

	attempts, err := store.ListAttempts(ctx, req.ID)
	if err != nil {
		t.Fatalf("failed to list attempts: %v", err)
	}
	if len(attempts) != 2 {
		t.Fatalf("Expected 2 attempts, got %d", len(attempts))
	}
	if attempts[0].Kind != engine.OutcomeFailure || attempts[0].Message == nil {
		t.Errorf("Unexpected first attempt %+v", attempts[0])
	}
	if attempts[1].Kind != engine.OutcomeSuccess || attempts[1].Result == nil || *attempts[1].Result != `{"changed":true}` {
		t.Errorf("Unexpected second attempt %+v", attempts[1])
	}
}

func TestRecordAttemptOverwrites(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	req := testRequest(t)

	if err := store.RecordAttempt(ctx, req, engine.Failure(engine.ClassUnknown, errors.New("boom"), 1)); err != nil {
		t.Fatalf("failed to record attempt: %v", err)
	}
	if err := store.RecordAttempt(ctx, req, engine.Failure(engine.ClassTransientNetwork, errors.New("timeout"), 1)); err != nil {
		t.Fatalf("failed to re-record attempt: %v", err)
	}

	attempts, err := store.ListAttempts(ctx, req.ID)
	if err != nil {
		t.Fatalf("failed to list attempts: %v", err)
	}
	if len(attempts) != 1 {
		t.Fatalf("Expected 1 attempt, got %d", len(attempts))
	}
	if attempts[0].Class == nil || *attempts[0].Class != engine.ClassTransientNetwork {
		t.Errorf("Expected overwritten class, got %v", attempts[0].Class)
	}
}

func TestRecordExhaustedResult(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	req := testRequest(t)

	last := engine.Failure(engine.ClassPermissionDenied, errors.New("AuthorizationFailed: does not have authorization"), 1)
	report := &engine.DiagnosticReport{
		RequestID: req.ID,
		Target:    req.Target.ID,
		Checks: []engine.DiagnosticCheck{
			{Name: "identity-exists", Probe: "Exists", Verdict: engine.VerdictPass},
			{Name: "identity-has-required-role", Probe: "RoleAssignments", Verdict: engine.VerdictFail, Remediation: "Assign the role"},
		},
		Overall:        engine.Overall{Kind: engine.OverallLikelyRootCause, Checks: []string{"identity-has-required-role"}},
		Recommendation: "Assign the missing role and retry",
		GeneratedAt:    time.Now().UTC().Truncate(time.Second),
	}

	// No RecordAttempt first: RecordResult creates the row on its own.
	err := store.RecordResult(ctx, &engine.Result{
		Request:     req,
		State:       engine.StateExhausted,
		Attempts:    1,
		History:     []engine.Outcome{last},
		Report:      report,
		StartedAt:   req.CreatedAt,
		CompletedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("failed to record result: %v", err)
	}

	op, err := store.GetOperation(ctx, req.ID)
	if err != nil {
		t.Fatalf("failed to get operation: %v", err)
	}
	if op.State != engine.StateExhausted {
		t.Errorf("Expected state %s, got %s", engine.StateExhausted, op.State)
	}
	if op.Recommendation == nil || *op.Recommendation != report.Recommendation {
		t.Errorf("Expected recommendation %q, got %v", report.Recommendation, op.Recommendation)
	}

	decoded, err := op.DiagnosticReport()
	if err != nil {
		t.Fatalf("failed to decode report: %v", err)
	}
	if diff := cmp.Diff(report, decoded); diff != "" {
		t.Errorf("Report mismatch (-want +got):\n%s", diff)
	}
}

func TestGetOperationNotFound(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.GetOperation(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestListOperations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	states := []engine.State{engine.StateSucceeded, engine.StateExhausted, engine.StateSucceeded}
	var ids []string

	for i, state := range states {
		req := testRequest(t)
		req.CreatedAt = base.Add(time.Duration(i) * time.Hour)
		if i == 2 {
			req.Target.ID = testRG + "/providers/Microsoft.Storage/storageAccounts/other"
		}
		ids = append(ids, req.ID)

		err := store.RecordResult(ctx, &engine.Result{
			Request:     req,
			State:       state,
			Attempts:    1,
			StartedAt:   req.CreatedAt,
			CompletedAt: req.CreatedAt.Add(time.Minute),
		})
		if err != nil {
			t.Fatalf("failed to record result %d: %v", i, err)
		}
	}

	all, err := store.ListOperations(ctx, OperationFilter{})
	if err != nil {
		t.Fatalf("failed to list operations: %v", err)
	}
	var got []string
	for _, op := range all {
		got = append(got, op.ID)
	}
	if diff := cmp.Diff([]string{ids[2], ids[1], ids[0]}, got); diff != "" {
		t.Errorf("Expected newest first (-want +got):\n%s", diff)
	}

	exhausted := engine.StateExhausted
	byState, err := store.ListOperations(ctx, OperationFilter{State: &exhausted})
	if err != nil {
		t.Fatalf("failed to list by state: %v", err)
	}
	if len(byState) != 1 || byState[0].ID != ids[1] {
		t.Errorf("Expected only the exhausted operation, got %d", len(byState))
	}

	target := testTarget
	byTarget, err := store.ListOperations(ctx, OperationFilter{TargetID: &target})
	if err != nil {
		t.Fatalf("failed to list by target: %v", err)
	}
	if len(byTarget) != 2 {
		t.Errorf("Expected 2 operations for target, got %d", len(byTarget))
	}

	since := base.Add(90 * time.Minute)
	recent, err := store.ListOperations(ctx, OperationFilter{Since: &since})
	if err != nil {
		t.Fatalf("failed to list since: %v", err)
	}
	if len(recent) != 1 || recent[0].ID != ids[2] {
		t.Errorf("Expected only the latest operation, got %d", len(recent))
	}

	page, err := store.ListOperations(ctx, OperationFilter{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("failed to list page: %v", err)
	}
	if len(page) != 1 || page[0].ID != ids[1] {
		t.Errorf("Expected second operation on page 2, got %d", len(page))
	}
}

func TestDeleteOperationsBefore(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	old := testRequest(t)
	old.CreatedAt = time.Now().UTC().Add(-48 * time.Hour)
	fresh := testRequest(t)

	for _, req := range []engine.OperationRequest{old, fresh} {
		if err := store.RecordAttempt(ctx, req, engine.Success(1, nil)); err != nil {
			t.Fatalf("failed to record attempt: %v", err)
		}
		id := req.ID
		if err := store.AppendEvent(ctx, &Event{OperationID: &id, Type: "operation.started", Level: EventLevelInfo, Message: "started"}); err != nil {
			t.Fatalf("failed to append event: %v", err)
		}
	}

	n, err := store.DeleteOperationsBefore(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("failed to delete: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 deleted operation, got %d", n)
	}

	if _, err := store.GetOperation(ctx, old.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected old operation to be gone, got %v", err)
	}
	attempts, err := store.ListAttempts(ctx, old.ID)
	if err != nil {
		t.Fatalf("failed to list attempts: %v", err)
	}
	if len(attempts) != 0 {
		t.Errorf("Expected attempts to cascade, got %d", len(attempts))
	}
	events, err := store.GetEvents(ctx, &old.ID, nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to get events: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("Expected events to be deleted, got %d", len(events))
	}

	if _, err := store.GetOperation(ctx, fresh.ID); err != nil {
		t.Errorf("Expected fresh operation to remain: %v", err)
	}
}

// TestEventOperations tests event append and filtering
func TestEventOperations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	opID := "op-1"
	details := `{"attempt":1}`
	events := []*Event{
		{OperationID: &opID, Type: "operation.started", Level: EventLevelInfo, Message: "started"},
		{OperationID: &opID, Type: "attempt.failed", Level: EventLevelWarning, Message: "attempt 1 failed", Details: &details},
		{Type: "diagnose.started", Level: EventLevelInfo, Message: "standalone sweep"},
	}

	for i, e := range events {
		e.Timestamp = time.Date(2024, 5, 1, 12, 0, i, 0, time.UTC)
		if err := store.AppendEvent(ctx, e); err != nil {
			t.Fatalf("failed to append event %d: %v", i, err)
		}
		if e.ID == 0 {
			t.Errorf("event %d: expected ID to be set", i)
		}
	}

	all, err := store.GetEvents(ctx, nil, nil, 0, 0)
	if err != nil {
		t.Fatalf("failed to get events: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("Expected 3 events, got %d", len(all))
	}
	if all[0].Type != "operation.started" {
		t.Errorf("Expected oldest first, got %s", all[0].Type)
	}

	forOp, err := store.GetEvents(ctx, &opID, nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to get events for operation: %v", err)
	}
	if len(forOp) != 2 {
		t.Errorf("Expected 2 events for operation, got %d", len(forOp))
	}

	warn := EventLevelWarning
	warnings, err := store.GetEvents(ctx, nil, &warn, 10, 0)
	if err != nil {
		t.Fatalf("failed to get warnings: %v", err)
	}
	if len(warnings) != 1 || warnings[0].Details == nil || *warnings[0].Details != details {
		t.Errorf("Unexpected warnings %+v", warnings)
	}

	auto := &Event{Type: "x", Level: EventLevelDebug, Message: "no timestamp"}
	if err := store.AppendEvent(ctx, auto); err != nil {
		t.Fatalf("failed to append event: %v", err)
	}
	if auto.Timestamp.IsZero() {
		t.Error("Expected timestamp to be filled in")
	}
}

func TestConcurrentRecording(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	reqs := make([]engine.OperationRequest, 10)
	for i := range reqs {
		reqs[i] = testRequest(t)
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(reqs))
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req engine.OperationRequest) {
			defer wg.Done()
			for attempt := 1; attempt <= 3; attempt++ {
				outcome := engine.Failure(engine.ClassTransientNetwork, fmt.Errorf("worker %d attempt %d", i, attempt), attempt)
				if err := store.RecordAttempt(ctx, req, outcome); err != nil {
					errs <- err
					return
				}
			}
		}(i, req)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("concurrent record failed: %v", err)
	}

	ops, err := store.ListOperations(ctx, OperationFilter{Limit: 100})
	if err != nil {
		t.Fatalf("failed to list operations: %v", err)
	}
	if len(ops) != 10 {
		t.Errorf("Expected 10 operations, got %d", len(ops))
	}
	for _, op := range ops {
		if op.Attempts != 3 {
			t.Errorf("operation %s: expected 3 attempts, got %d", op.ID, op.Attempts)
		}
	}
}
