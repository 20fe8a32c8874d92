package netmatch

import "testing"

func TestMatchesLeadingDotIgnored(t *testing.T) {
	if !Matches(".example.com", "foo.example.com") {
		t.Error("expected .example.com to match foo.example.com")
	}
	if !Matches("example.com", "foo.example.com") {
		t.Error("expected example.com (no leading dot) to match the same way")
	}
}

func TestMatchesWildcardSegment(t *testing.T) {
	if !Matches("*.example.com", "foo.example.com") {
		t.Error("expected *.example.com to match foo.example.com")
	}
	if Matches("*.example.com", "foo.bar.example.com") {
		t.Error("expected * to match exactly one label, not two")
	}
}

func TestMatchesPortMismatchNeverMatches(t *testing.T) {
	if Matches("example.com:443", "example.com:8080") {
		t.Error("expected port mismatch to never match")
	}
	if !Matches("example.com:443", "example.com:443") {
		t.Error("expected matching ports to match")
	}
	if !Matches("example.com", "example.com:8080") {
		t.Error("expected a portless pattern to match any port")
	}
}

func TestAnyMatches(t *testing.T) {
	patterns := []string{"localhost", ".internal.example.com"}
	if !AnyMatches(patterns, "foo.internal.example.com:9090") {
		t.Error("expected a match against the second pattern")
	}
	if AnyMatches(patterns, "example.org") {
		t.Error("expected no match")
	}
}
