package engine

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestTransportClientSendNonStreamingReturnsPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("missing/incorrect Authorization header: %q", r.Header.Get("Authorization"))
		}
		if r.Header.Get("Accept") != "application/json" {
			t.Errorf("Accept header = %q, want application/json", r.Header.Get("Accept"))
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	client := NewTransportClient(Config{APIEndpoint: srv.URL})
	payload, handle, err := client.Send(context.Background(), Config{APIEndpoint: srv.URL, APIKey: "test-key"}, []byte(`{}`), false)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if handle != nil {
		t.Fatal("expected nil handle for non-streaming response")
	}
	if string(payload) != `{"ok":true}` {
		t.Errorf("payload = %s, want echoed body", payload)
	}
}

func TestTransportClientSendStreamingReturnsHandle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "text/event-stream" {
			t.Errorf("Accept header = %q, want text/event-stream", r.Header.Get("Accept"))
		}
		w.Write([]byte("data: {}\n"))
	}))
	defer srv.Close()

	client := NewTransportClient(Config{APIEndpoint: srv.URL})
	payload, handle, err := client.Send(context.Background(), Config{APIEndpoint: srv.URL}, []byte(`{}`), true)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if handle == nil {
		t.Fatal("expected a non-nil StreamHandle for a streaming request")
	}
	defer handle.Close()
	if payload != nil {
		t.Errorf("expected nil payload alongside a stream handle, got %s", payload)
	}
}

func TestProviderHeadersOpenRouter(t *testing.T) {
	headers := providerHeaders("https://openrouter.ai/api/v1/chat/completions")
	if headers["HTTP-Referer"] == "" || headers["X-Title"] == "" {
		t.Errorf("expected HTTP-Referer and X-Title headers for openrouter.ai, got %v", headers)
	}
}

func TestProviderHeadersAnthropic(t *testing.T) {
	headers := providerHeaders("https://api.anthropic.com/v1/messages")
	if headers["anthropic-version"] != "2023-06-01" {
		t.Errorf("expected anthropic-version header, got %v", headers)
	}
}

func TestProviderHeadersUnknownHostReturnsNil(t *testing.T) {
	if headers := providerHeaders("https://api.openai.com/v1/chat/completions"); headers != nil {
		t.Errorf("expected no extra headers for an unrecognized host, got %v", headers)
	}
}

func TestTransportClientSendNonOKStatusReturnsHTTPStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream unavailable"))
	}))
	defer srv.Close()

	client := NewTransportClient(Config{APIEndpoint: srv.URL})
	_, _, err := client.Send(context.Background(), Config{APIEndpoint: srv.URL}, []byte(`{}`), false)
	var statusErr *HTTPStatusError
	if err == nil {
		t.Fatal("expected an error for a 502 response")
	}
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected *HTTPStatusError, got %T: %v", err, err)
	}
	if statusErr.Status != http.StatusBadGateway || statusErr.Body != "upstream unavailable" {
		t.Errorf("unexpected HTTPStatusError: %+v", statusErr)
	}
}
