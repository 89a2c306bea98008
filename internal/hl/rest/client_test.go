package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestInfoPostsRequest(t *testing.T) {
	var gotType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/info" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		gotType, _ = req["type"].(string)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"balances": []}`))
	}))
	defer server.Close()

	client := New(server.URL, 5*time.Second, zap.NewNop())
	resp, err := client.Info(context.Background(), InfoRequest{Type: "spotClearinghouseState", User: "0xabc"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotType != "spotClearinghouseState" {
		t.Fatalf("expected type forwarded, got %q", gotType)
	}
	if _, ok := resp["balances"]; !ok {
		t.Fatalf("expected decoded response, got %v", resp)
	}
}

func TestInfoErrorClassification(t *testing.T) {
	status := http.StatusTooManyRequests
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer server.Close()

	client := New(server.URL, 5*time.Second, zap.NewNop())
	_, err := client.Info(context.Background(), InfoRequest{Type: "meta"})
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("429 must be transient, got %v", err)
	}

	status = http.StatusBadRequest
	_, err = client.Info(context.Background(), InfoRequest{Type: "meta"})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("400 must be a rejection, got %v", err)
	}

	status = http.StatusInternalServerError
	_, err = client.Info(context.Background(), InfoRequest{Type: "meta"})
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("500 must be transient, got %v", err)
	}
}

func TestInfoNetworkErrorIsTransient(t *testing.T) {
	client := New("http://127.0.0.1:1", time.Second, zap.NewNop())
	_, err := client.Info(context.Background(), InfoRequest{Type: "meta"})
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("connection refusal must be transient, got %v", err)
	}
}
