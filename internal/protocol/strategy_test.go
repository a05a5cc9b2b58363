package protocol

import (
	"net/url"
	"testing"
)

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %s: %v", raw, err)
	}
	return u
}

func TestStrategyPrefersH3WhenEnabled(t *testing.T) {
	s := NewStrategy(true)
	if got := s.Select(mustURL(t, "https://example.com/x")); got != VersionH3 {
		t.Fatalf("expected h3, got %s", got)
	}
	if got := s.Select(mustURL(t, "http://example.com/x")); got != VersionH2 {
		t.Fatalf("plain http must use h2, got %s", got)
	}
}

func TestStrategyDisabled(t *testing.T) {
	s := NewStrategy(false)
	if got := s.Select(mustURL(t, "https://example.com/")); got != VersionH2 {
		t.Fatalf("expected h2 with h3 disabled, got %s", got)
	}
}

func TestStrategyRecordsFailedNegotiation(t *testing.T) {
	s := NewStrategy(true)
	u := mustURL(t, "https://example.com/")

	s.Record(u, VersionH3, false)
	if got := s.Select(u); got != VersionH2 {
		t.Fatalf("failed h3 negotiation must pin h2, got %s", got)
	}

	// A later successful H3 connection un-pins the origin.
	s.Record(u, VersionH3, true)
	if got := s.Select(u); got != VersionH3 {
		t.Fatalf("successful h3 must re-enable it, got %s", got)
	}

	// Distinct origins negotiate independently.
	other := mustURL(t, "https://other.example:8443/")
	if got := s.Select(other); got != VersionH3 {
		t.Fatalf("unrelated origin must start at h3, got %s", got)
	}
}

func TestOriginCanonicalization(t *testing.T) {
	if got := Origin(mustURL(t, "https://example.com/a/b")); got != "https://example.com:443" {
		t.Fatalf("unexpected origin %q", got)
	}
	if got := Origin(mustURL(t, "http://example.com/")); got != "http://example.com:80" {
		t.Fatalf("unexpected origin %q", got)
	}
	if got := Origin(mustURL(t, "https://example.com:8443/")); got != "https://example.com:8443" {
		t.Fatalf("unexpected origin %q", got)
	}
}

func TestChunkTerminal(t *testing.T) {
	if HeadersChunk(200, nil).Terminal() || BodyChunk(0, nil, false).Terminal() {
		t.Fatal("headers and body chunks are not terminal")
	}
	if !EndChunk().Terminal() || !ErrorChunk(NewError(ErrorTypeHTTP, CodeResponseStatus, "x")).Terminal() {
		t.Fatal("end and error chunks are terminal")
	}
}

func TestClientErrorRendering(t *testing.T) {
	err := NewError(ErrorTypeTimeout, CodeRequestTimeout, "deadline exceeded").
		WithURL("https://example.com/x").WithStatus(504)
	msg := err.Error()
	for _, want := range []string{"timeout", "REQUEST_TIMEOUT", "https://example.com/x", "504"} {
		if !containsStr(msg, want) {
			t.Fatalf("error %q missing %q", msg, want)
		}
	}
}

func containsStr(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}
