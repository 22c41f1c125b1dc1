package eventbus

import "testing"

func TestStreamName_DotsBecomeColons(t *testing.T) {
	got := StreamName("sample.status_changed")
	want := "tracseq:events:sample:status_changed"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestDeadLetterStreamName_AppendsSuffix(t *testing.T) {
	got := DeadLetterStreamName("sample.status_changed")
	want := "tracseq:events:sample:status_changed:dlq"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestMatchesEventType_Wildcard(t *testing.T) {
	cases := []struct {
		pattern, eventType string
		want               bool
	}{
		{"*", "sample.status_changed", true},
		{"sample.*", "sample.status_changed", true},
		{"sample.*", "sample.status_changed.extra", false},
		{"sample.status_changed", "sample.status_changed", true},
		{"storage.*", "sample.status_changed", false},
		{"*.status_changed", "sample.status_changed", true},
	}
	for _, c := range cases {
		if got := matchesEventType(c.pattern, c.eventType); got != c.want {
			t.Errorf("matchesEventType(%q, %q) = %v, want %v", c.pattern, c.eventType, got, c.want)
		}
	}
}

func sampleEvent() Event {
	return Event{
		Type:     "sample.status_changed",
		Source:   "registration-service",
		Subject:  "sample.s-1",
		Priority: 3,
		Metadata: map[string]string{"lab": "central"},
	}
}

func TestSubscriptionConfig_Matches_EventTypeStep(t *testing.T) {
	cfg := SubscriptionConfig{EventTypePatterns: []string{"storage.*"}}
	if cfg.Matches(sampleEvent()) {
		t.Error("expected no match: event type doesn't match pattern")
	}
}

func TestSubscriptionConfig_Matches_SourceAllowList(t *testing.T) {
	cfg := SubscriptionConfig{
		EventTypePatterns: []string{"sample.*"},
		Filter:            Filter{SourceAllowList: []string{"other-service"}},
	}
	if cfg.Matches(sampleEvent()) {
		t.Error("expected no match: source not in allow-list")
	}

	cfg.Filter.SourceAllowList = []string{"registration-service"}
	if !cfg.Matches(sampleEvent()) {
		t.Error("expected match: source in allow-list")
	}
}

func TestSubscriptionConfig_Matches_MetadataEquality(t *testing.T) {
	cfg := SubscriptionConfig{
		EventTypePatterns: []string{"sample.*"},
		Filter:            Filter{MetadataEquals: map[string]string{"lab": "satellite"}},
	}
	if cfg.Matches(sampleEvent()) {
		t.Error("expected no match: metadata value differs")
	}

	cfg.Filter.MetadataEquals = map[string]string{"lab": "central"}
	if !cfg.Matches(sampleEvent()) {
		t.Error("expected match: metadata equality satisfied")
	}
}

func TestSubscriptionConfig_Matches_SubjectPattern(t *testing.T) {
	cfg := SubscriptionConfig{
		EventTypePatterns: []string{"sample.*"},
		Filter:            Filter{SubjectPatterns: []string{"storage.*"}},
	}
	if cfg.Matches(sampleEvent()) {
		t.Error("expected no match: subject doesn't match pattern")
	}

	cfg.Filter.SubjectPatterns = []string{"sample.*"}
	if !cfg.Matches(sampleEvent()) {
		t.Error("expected match: subject matches pattern")
	}
}

func TestSubscriptionConfig_Matches_PriorityRange(t *testing.T) {
	cfg := SubscriptionConfig{
		EventTypePatterns: []string{"sample.*"},
		Filter:            Filter{MinPriority: 4, MaxPriority: 5},
	}
	if cfg.Matches(sampleEvent()) {
		t.Error("expected no match: priority 3 outside [4,5]")
	}

	cfg.Filter.MinPriority, cfg.Filter.MaxPriority = 1, 3
	if !cfg.Matches(sampleEvent()) {
		t.Error("expected match: priority 3 within [1,3]")
	}
}

func TestSubscriptionConfig_Matches_EmptyFilterAcceptsAll(t *testing.T) {
	cfg := SubscriptionConfig{EventTypePatterns: []string{"*"}}
	if !cfg.Matches(sampleEvent()) {
		t.Error("expected a wildcard subscription with no filter to accept everything")
	}
}
