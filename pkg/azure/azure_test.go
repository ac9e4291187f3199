package azure

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/arm"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/rs/zerolog"
)

const testSubscription = "00000000-0000-0000-0000-000000000001"

// fakeCredential hands out a static token.
type fakeCredential struct {
	token string
}

func (c fakeCredential) GetToken(ctx context.Context, opts policy.TokenRequestOptions) (azcore.AccessToken, error) {
	token := c.token
	if token == "" {
		token = "fake-token"
	}
	return azcore.AccessToken{Token: token, ExpiresOn: time.Now().Add(time.Hour)}, nil
}

// fakeSender is a policy.Transporter answering requests with a handler and
// recording every request it sees.
type fakeSender struct {
	mu       sync.Mutex
	handler  func(req *http.Request) (int, http.Header, string)
	requests []*http.Request
}

func (s *fakeSender) Do(req *http.Request) (*http.Response, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()

	status, header, body := s.handler(req)
	if header == nil {
		header = http.Header{}
	}
	if body != "" && header.Get("Content-Type") == "" {
		header.Set("Content-Type", "application/json")
	}
	return &http.Response{
		Status:        http.StatusText(status),
		StatusCode:    status,
		Header:        header,
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}, nil
}

func (s *fakeSender) count(method, pathPart string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.requests {
		if r.Method == method && strings.Contains(r.URL.Path, pathPart) {
			n++
		}
	}
	return n
}

func (s *fakeSender) methods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.requests))
	for _, r := range s.requests {
		out = append(out, r.Method)
	}
	return out
}

func clientOptions(sender *fakeSender) policy.ClientOptions {
	return policy.ClientOptions{
		Transport: sender,
		Retry:     policy.RetryOptions{MaxRetries: -1},
	}
}

func armOptions(sender *fakeSender) *arm.ClientOptions {
	return &arm.ClientOptions{ClientOptions: clientOptions(sender)}
}

func blobOptions(sender *fakeSender) *azblob.ClientOptions {
	return &azblob.ClientOptions{ClientOptions: clientOptions(sender)}
}

func newTestProbe(t *testing.T, sender *fakeSender) *Probe {
	t.Helper()
	p, err := NewProbe(testSubscription, fakeCredential{}, armOptions(sender), zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create probe: %v", err)
	}
	return p
}
