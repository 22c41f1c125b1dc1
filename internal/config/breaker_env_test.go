package config

import (
	"testing"
	"time"
)

func TestParseBreakerEnv_ParsesRecognisedSettings(t *testing.T) {
	env := []string{
		"CB_STORAGE_SERVICE_FAILURE_THRESHOLD=10",
		"CB_STORAGE_SERVICE_TIMEOUT_MS=2500",
		"CB_STORAGE_SERVICE_MAX_CONCURRENT=50",
		"UNRELATED_VAR=ignored",
		"CB_SEQUENCER_SUCCESS_THRESHOLD=3",
	}

	overrides := ParseBreakerEnv(env)

	storage, ok := overrides["storage_service"]
	if !ok {
		t.Fatalf("expected an override for storage_service, got %+v", overrides)
	}
	if storage.FailureThreshold != 10 {
		t.Errorf("expected FailureThreshold=10, got %d", storage.FailureThreshold)
	}
	if storage.RequestTimeout != 2500*time.Millisecond {
		t.Errorf("expected RequestTimeout=2500ms, got %s", storage.RequestTimeout)
	}
	if storage.MaxConcurrent != 50 {
		t.Errorf("expected MaxConcurrent=50, got %d", storage.MaxConcurrent)
	}

	sequencer, ok := overrides["sequencer"]
	if !ok {
		t.Fatalf("expected an override for sequencer, got %+v", overrides)
	}
	if sequencer.SuccessThreshold != 3 {
		t.Errorf("expected SuccessThreshold=3, got %d", sequencer.SuccessThreshold)
	}
}

func TestParseBreakerEnv_IgnoresMalformedKeys(t *testing.T) {
	env := []string{"CB_=100", "CB_ONLYPREFIX=5", "NOT_CB_FOO_TIMEOUT_MS=5"}
	overrides := ParseBreakerEnv(env)
	if len(overrides) != 0 {
		t.Errorf("expected no overrides from malformed keys, got %+v", overrides)
	}
}
