package httpfacade

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/xiebiao/tracseq-core/pkg/circuitbreaker"
)

func TestClient_GetReturnsBodyOnSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	reg := circuitbreaker.NewRegistry()
	client := New(reg, "sample-store", srv.URL, circuitbreaker.DefaultConfig())

	resp, err := client.Get(context.Background(), "/samples/1", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	if string(resp.Body) != `{"ok":true}` {
		t.Errorf("unexpected body: %s", resp.Body)
	}
}

func TestClient_ServerErrorTripsBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	reg := circuitbreaker.NewRegistry()
	cfg := circuitbreaker.DefaultConfig()
	cfg.FailureThreshold = 2
	client := New(reg, "flaky-dep", srv.URL, cfg)

	for i := 0; i < 2; i++ {
		if _, err := client.Get(context.Background(), "/", nil); err == nil {
			t.Fatalf("attempt %d: expected error on 500 response", i)
		}
	}

	if client.Breaker().State() != circuitbreaker.StateOpen {
		t.Errorf("expected breaker OPEN after repeated 5xx, got %s", client.Breaker().State())
	}

	if _, err := client.Get(context.Background(), "/", nil); err != circuitbreaker.ErrOpen {
		t.Errorf("expected ErrOpen once tripped, got %v", err)
	}
}

func TestClient_ClientErrorDoesNotTripBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	reg := circuitbreaker.NewRegistry()
	cfg := circuitbreaker.DefaultConfig()
	cfg.FailureThreshold = 1
	client := New(reg, "picky-dep", srv.URL, cfg)

	resp, err := client.Get(context.Background(), "/missing", nil)
	if err != nil {
		t.Fatalf("expected 404 to surface as a normal response, got error %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
	if client.Breaker().State() != circuitbreaker.StateClosed {
		t.Errorf("expected breaker to remain CLOSED on a 4xx, got %s", client.Breaker().State())
	}
}

func TestClient_PostSendsBody(t *testing.T) {
	var receivedBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, r.ContentLength)
		r.Body.Read(buf)
		receivedBody = string(buf)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	reg := circuitbreaker.NewRegistry()
	client := New(reg, "sample-store-post", srv.URL, circuitbreaker.DefaultConfig())

	resp, err := client.Post(context.Background(), "/samples", []byte(`{"id":"s-1"}`), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("expected 201, got %d", resp.StatusCode)
	}
	if receivedBody != `{"id":"s-1"}` {
		t.Errorf("expected server to receive posted body, got %q", receivedBody)
	}
}

func TestClient_RequestTimeoutSurfacesAsCircuitBreakerTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := circuitbreaker.NewRegistry()
	cfg := circuitbreaker.DefaultConfig()
	cfg.RequestTimeout = 5 * time.Millisecond
	client := New(reg, "slow-dep", srv.URL, cfg)

	_, err := client.Get(context.Background(), "/", nil)
	if err != circuitbreaker.ErrTimeout {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
}
