package delegate

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
)

func TestNewBackendModeSelection(t *testing.T) {
	cases := []struct {
		name    string
		cfg     Config
		want    string
		wantErr bool
	}{
		{"explicit mock", Config{Mode: "mock"}, "*delegate.MockBackend", false},
		{"auto falls back to mock", Config{Mode: "auto"}, "*delegate.MockBackend", false},
		{"auto prefers openai", Config{Mode: "auto", OpenAIAPIKey: "sk-test"}, "*delegate.OpenAIBackend", false},
		{"auto uses http url", Config{Mode: "auto", HTTPURL: "http://localhost:1/t"}, "*delegate.HTTPBackend", false},
		{"http without url", Config{Mode: "http"}, "", true},
		{"openai without key", Config{Mode: "openai"}, "", true},
		{"unknown mode", Config{Mode: "carrier-pigeon"}, "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b, err := NewBackend(tc.cfg)
			if tc.wantErr {
				if err == nil {
					t.Fatal("NewBackend() error = nil, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewBackend() error = %v", err)
			}
			if got := typeName(b); got != tc.want {
				t.Fatalf("NewBackend() = %s, want %s", got, tc.want)
			}
		})
	}
}

func typeName(v any) string {
	switch v.(type) {
	case *MockBackend:
		return "*delegate.MockBackend"
	case *HTTPBackend:
		return "*delegate.HTTPBackend"
	case *OpenAIBackend:
		return "*delegate.OpenAIBackend"
	default:
		return "unknown"
	}
}

func TestMockBackendRoundTrip(t *testing.T) {
	b := NewMockBackend()
	ctx := context.Background()

	id, err := b.Submit(ctx, "capital of France")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	text, err := b.Await(ctx, id)
	if err != nil {
		t.Fatalf("Await() error = %v", err)
	}
	if !strings.Contains(text, "capital of France") {
		t.Fatalf("Await() = %q, want prompt echoed", text)
	}

	if _, err := b.Await(ctx, id); err == nil {
		t.Fatal("Await() on consumed id error = nil, want unknown id error")
	}
}

func TestHTTPBackendSubmitAndPoll(t *testing.T) {
	var (
		mu      sync.Mutex
		gotID   string
		pending = true
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		switch r.Method {
		case http.MethodPost:
			var p submitPayload
			if err := sonic.ConfigDefault.NewDecoder(r.Body).Decode(&p); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			gotID = p.ID
			w.WriteHeader(http.StatusAccepted)
		case http.MethodGet:
			status := taskStatus{Status: "pending"}
			if !pending {
				status = taskStatus{Status: "done", Text: "42"}
			}
			pending = false
			data, _ := sonic.Marshal(status)
			_, _ = w.Write(data)
		}
	}))
	defer srv.Close()

	b := NewHTTPBackend(srv.URL, 10*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	id, err := b.Submit(ctx, "meaning of life")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if id != gotID {
		t.Fatalf("Submit() id = %q, server saw %q", id, gotID)
	}

	text, err := b.Await(ctx, id)
	if err != nil {
		t.Fatalf("Await() error = %v", err)
	}
	if text != "42" {
		t.Fatalf("Await() = %q, want %q", text, "42")
	}
}

func TestHTTPBackendAwaitHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := sonic.Marshal(taskStatus{Status: "pending"})
		_, _ = w.Write(data)
	}))
	defer srv.Close()

	b := NewHTTPBackend(srv.URL, 5*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := b.Await(ctx, "never-done"); err == nil {
		t.Fatal("Await() error = nil, want deadline error")
	}
}
