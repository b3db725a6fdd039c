package compute

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	json "github.com/goccy/go-json"

	"github.com/appnoxtech/mini-crm-backend-sub003/pkg/apperr"
)

// TestRunSubmitsAndReturnsExternalID verifies the submit round trip: bearer
// auth, the wrapped input payload, and the {id, status} response.
func TestRunSubmitsAndReturnsExternalID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/run" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		var req runRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("bad request body: %v", err)
		}
		if req.Input.Prompt != "summarize this" {
			t.Errorf("prompt = %q", req.Input.Prompt)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"job-123","status":"IN_QUEUE"}`))
	}))
	defer server.Close()

	adapter := NewHTTPComputeAdapter(server.URL, "test-key")
	status, err := adapter.Run(context.Background(), "summarize this")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if status.ID != "job-123" || status.Status != "IN_QUEUE" {
		t.Errorf("status = %+v", status)
	}
}

// TestStatusPollsByExternalID verifies the poll path and output passthrough.
func TestStatusPollsByExternalID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/status/job-123" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"job-123","status":"COMPLETED","output":"{\"summary\":\"done\"}"}`))
	}))
	defer server.Close()

	adapter := NewHTTPComputeAdapter(server.URL, "")
	status, err := adapter.Status(context.Background(), "job-123")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.Status != "COMPLETED" || status.Output == "" {
		t.Errorf("status = %+v", status)
	}
}

// TestStatusErrorMapping verifies HTTP statuses map onto the retry taxonomy:
// 5xx and 429 transient, auth and other 4xx permanent, 404 a data error.
func TestStatusErrorMapping(t *testing.T) {
	tests := []struct {
		name          string
		code          int
		wantTransient bool
		wantPermanent bool
	}{
		{"server error is transient", http.StatusInternalServerError, true, false},
		{"rate limit is transient", http.StatusTooManyRequests, true, false},
		{"unauthorized is permanent", http.StatusUnauthorized, false, true},
		{"bad request is permanent", http.StatusBadRequest, false, true},
		{"not found is a data error", http.StatusNotFound, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
			}))
			defer server.Close()

			adapter := NewHTTPComputeAdapter(server.URL, "key")
			_, err := adapter.Status(context.Background(), "job-1")
			if err == nil {
				t.Fatal("expected an error")
			}
			if apperr.IsTransient(err) != tt.wantTransient {
				t.Errorf("IsTransient = %v, want %v (err: %v)", apperr.IsTransient(err), tt.wantTransient, err)
			}
			if apperr.IsPermanent(err) != tt.wantPermanent {
				t.Errorf("IsPermanent = %v, want %v (err: %v)", apperr.IsPermanent(err), tt.wantPermanent, err)
			}
		})
	}
}

// TestResponseWithoutJobID verifies a 200 without an id is treated as
// malformed rather than silently accepted.
func TestResponseWithoutJobID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"IN_QUEUE"}`))
	}))
	defer server.Close()

	adapter := NewHTTPComputeAdapter(server.URL, "")
	if _, err := adapter.Run(context.Background(), "x"); err == nil {
		t.Fatal("expected an error for a response without a job id")
	}
}
