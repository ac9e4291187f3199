package azure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/hubctl/pkg/engine"
	"github.com/openfroyo/hubctl/pkg/settings"
)

// fakeBlob emulates a single blob with conditional writes.
type fakeBlob struct {
	mu      sync.Mutex
	content []byte
	etag    string
	version int
	puts    int
}

func (b *fakeBlob) handle(req *http.Request) (int, http.Header, string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch req.Method {
	case http.MethodGet:
		if b.content == nil {
			return http.StatusNotFound, http.Header{"X-Ms-Error-Code": {"BlobNotFound"}}, ""
		}
		h := http.Header{}
		h.Set("ETag", b.etag)
		h.Set("Content-Type", "application/json")
		return http.StatusOK, h, string(b.content)

	case http.MethodPut:
		b.puts++
		if req.Header.Get("If-None-Match") == "*" && b.content != nil {
			return http.StatusConflict, http.Header{"X-Ms-Error-Code": {"BlobAlreadyExists"}}, ""
		}
		if m := req.Header.Get("If-Match"); m != "" && m != b.etag {
			return http.StatusPreconditionFailed, http.Header{"X-Ms-Error-Code": {"ConditionNotMet"}}, ""
		}
		// The SDK sets x-ms-* headers with non-canonical keys, which
		// Header.Get would miss without a real HTTP round trip.
		got := req.Header.Get("x-ms-blob-content-type")
		if v := req.Header["x-ms-blob-content-type"]; len(v) > 0 {
			got = v[0]
		}
		if got != "application/json" {
			return http.StatusBadRequest, http.Header{"X-Ms-Error-Code": {"InvalidHeaderValue"}}, fmt.Sprintf("content type %q", got)
		}
		data, err := io.ReadAll(req.Body)
		if err != nil {
			return http.StatusBadRequest, nil, err.Error()
		}
		b.version++
		b.content = data
		b.etag = fmt.Sprintf(`"0x8DC%04d"`, b.version)
		h := http.Header{}
		h.Set("ETag", b.etag)
		return http.StatusCreated, h, ""
	}

	return http.StatusMethodNotAllowed, nil, ""
}

func newTestBlobStore(t *testing.T, blob *fakeBlob) *BlobStore {
	t.Helper()
	sender := &fakeSender{handler: blob.handle}
	store, err := NewBlobStore(ServiceURL("finopshub"), "", "", fakeCredential{}, blobOptions(sender))
	if err != nil {
		t.Fatalf("Failed to create blob store: %v", err)
	}
	return store
}

func TestBlobStoreLocation(t *testing.T) {
	store := newTestBlobStore(t, &fakeBlob{})

	want := "https://finopshub.blob.core.windows.net/config/settings.json"
	if got := store.Location(); got != want {
		t.Errorf("Expected %s, got %s", want, got)
	}
}

func TestBlobStoreLoadNotFound(t *testing.T) {
	store := newTestBlobStore(t, &fakeBlob{})

	_, err := store.Load(context.Background())
	if !errors.Is(err, settings.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestBlobStoreSaveAndLoad(t *testing.T) {
	blob := &fakeBlob{}
	store := newTestBlobStore(t, blob)
	ctx := context.Background()

	s := settings.Defaults()
	s.Scopes = []string{"/subscriptions/abc"}

	etag, err := store.Save(ctx, s, "")
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if etag == "" {
		t.Fatal("Expected an etag")
	}

	doc, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if doc.ETag != etag {
		t.Errorf("Expected etag %s, got %s", etag, doc.ETag)
	}
	if !doc.Settings.Equal(s) {
		t.Errorf("Expected %+v, got %+v", s, doc.Settings)
	}
}

func TestBlobStoreConflicts(t *testing.T) {
	blob := &fakeBlob{}
	store := newTestBlobStore(t, blob)
	ctx := context.Background()

	first, err := store.Save(ctx, settings.Defaults(), "")
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// Creating again must not overwrite.
	_, err = store.Save(ctx, settings.Defaults(), "")
	if !errors.Is(err, settings.ErrConflict) {
		t.Errorf("Expected ErrConflict on create, got %v", err)
	}

	if _, err := store.Save(ctx, settings.Defaults(), first); err != nil {
		t.Fatalf("Save with current etag failed: %v", err)
	}

	// first is now stale.
	_, err = store.Save(ctx, settings.Defaults(), first)
	if !errors.Is(err, settings.ErrConflict) {
		t.Errorf("Expected ErrConflict on stale etag, got %v", err)
	}
	if got := (Classifier{}).Classify(err); got != engine.ClassTransientNetwork {
		t.Errorf("Expected conflict to classify as transient_network, got %s", got)
	}
}

func TestBlobStoreWithMutator(t *testing.T) {
	blob := &fakeBlob{}
	store := newTestBlobStore(t, blob)
	mutator := settings.NewMutator(store, zerolog.Nop())
	ctx := context.Background()

	req, err := settings.NewRequest(
		engine.ResourceRef{ID: testStorage, Scope: testRG},
		engine.Principal{ID: "user-1", Kind: engine.PrincipalUser},
		[]string{"Storage Blob Data Contributor"},
		settings.Patch{Scopes: []string{"/subscriptions/abc/"}},
	)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}

	out := mutator.Execute(ctx, req, 1)
	if !out.Succeeded() {
		t.Fatalf("Expected success, got %s: %v", out.Class, out.Err)
	}

	// Same patch again is a no-op and issues no write.
	out = mutator.Execute(ctx, req, 2)
	if !out.Succeeded() {
		t.Fatalf("Expected success, got %s: %v", out.Class, out.Err)
	}
	res, err := settings.DecodeResult(out)
	if err != nil {
		t.Fatalf("DecodeResult failed: %v", err)
	}
	if res.Changed {
		t.Error("Expected second apply to be unchanged")
	}
	if blob.puts != 1 {
		t.Errorf("Expected 1 upload, got %d", blob.puts)
	}
}
