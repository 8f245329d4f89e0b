package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestCompletionClientSendsRequest(t *testing.T) {
	var got CompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer k-123" {
			t.Errorf("authorization = %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"Sunny."}}]}`))
	}))
	defer srv.Close()

	temp := 0.7
	maxTokens := 4096
	client := NewCompletionClient(time.Second)
	reply, err := client.Complete(context.Background(), srv.URL+"/", "k-123", CompletionRequest{
		Model:       "grok-2-latest",
		Messages:    []ChatMessage{{Role: "user", Content: "Weather?"}},
		Temperature: &temp,
		MaxTokens:   &maxTokens,
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if reply != "Sunny." {
		t.Fatalf("reply = %q", reply)
	}
	if got.Model != "grok-2-latest" || got.MaxTokens == nil || *got.MaxTokens != 4096 || len(got.Messages) != 1 {
		t.Fatalf("unexpected request body: %+v", got)
	}
}

func TestCompletionClientStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"boom"}}`))
	}))
	defer srv.Close()

	_, err := NewCompletionClient(time.Second).Complete(context.Background(), srv.URL, "k", CompletionRequest{Model: "m"})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if statusErr.StatusCode != http.StatusInternalServerError || statusErr.Message != "boom" {
		t.Fatalf("unexpected status error: %+v", statusErr)
	}
}

func TestCompletionClientEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	reply, err := NewCompletionClient(time.Second).Complete(context.Background(), srv.URL, "k", CompletionRequest{Model: "m"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if reply != "" {
		t.Fatalf("expected empty reply, got %q", reply)
	}
}
