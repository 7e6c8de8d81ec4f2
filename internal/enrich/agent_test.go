package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHTTPAgentReady(t *testing.T) {
	a := &HTTPAgent{}
	if err := a.Ready(); !errors.Is(err, ErrNoToken) {
		t.Fatalf("got %v", err)
	}
	a.Token = "secret"
	if err := a.Ready(); err == nil || !strings.Contains(err.Error(), "endpoint") {
		t.Fatalf("got %v", err)
	}
	a.URL = "http://localhost:1"
	if err := a.Ready(); err != nil {
		t.Fatalf("got %v", err)
	}
}

func TestHTTPAgentInvoke(t *testing.T) {
	var got invokeRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(invokeResponse{SessionID: "sess-1"})
	}))
	defer srv.Close()

	a := &HTTPAgent{URL: srv.URL, Token: "secret"}
	ack, err := a.Invoke(context.Background(), Task{
		Tool:        "enrich-ticket",
		AgentID:     "agent-1",
		Description: "fill in TKT-001",
		Cleanup:     "delete",
		RunTimeout:  10 * time.Minute,
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if ack.SessionID != "sess-1" {
		t.Fatalf("got %+v", ack)
	}
	if auth != "Bearer secret" {
		t.Fatalf("got auth %q", auth)
	}
	if got.Tool != "enrich-ticket" || got.Task != "fill in TKT-001" || got.RunTimeoutSeconds != 600 {
		t.Fatalf("got request %+v", got)
	}
}

func TestHTTPAgentInvokeErrorResponses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		json.NewEncoder(w).Encode(invokeResponse{Error: "agent offline"})
	}))
	defer srv.Close()

	a := &HTTPAgent{URL: srv.URL, Token: "secret"}
	_, err := a.Invoke(context.Background(), Task{})
	if err == nil || !strings.Contains(err.Error(), "agent offline") {
		t.Fatalf("got %v", err)
	}
}

func TestHTTPAgentInvokeApplicationError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(invokeResponse{Error: "unknown tool"})
	}))
	defer srv.Close()

	a := &HTTPAgent{URL: srv.URL, Token: "secret"}
	_, err := a.Invoke(context.Background(), Task{})
	if err == nil || !strings.Contains(err.Error(), "unknown tool") {
		t.Fatalf("got %v", err)
	}
}
