package policy

import (
	"strings"
	"testing"
)

func TestRedactPII(t *testing.T) {
	input := "Email me at sam@example.com or +1 (555) 123-9876 and use 4242 4242 4242 4242."
	out, changed := RedactPII(input)
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	for _, marker := range []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]", "[REDACTED_CARD]"} {
		if !strings.Contains(out, marker) {
			t.Fatalf("output missing marker %q: %q", marker, out)
		}
	}
}

func TestRedactPIIVerificationAnswers(t *testing.T) {
	out, changed := RedactPII("my account is AC-1001 and I was born 1990-04-12")
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	if strings.Contains(out, "1001") || strings.Contains(out, "1990") {
		t.Fatalf("identifiers leaked: %q", out)
	}
	for _, marker := range []string{"[REDACTED_ACCOUNT]", "[REDACTED_DATE]"} {
		if !strings.Contains(out, marker) {
			t.Fatalf("output missing marker %q: %q", marker, out)
		}
	}
}

func TestRedactPIILeavesPlainTextAlone(t *testing.T) {
	in := "How do I set up autopay for 2 lines?"
	out, changed := RedactPII(in)
	if changed || out != in {
		t.Fatalf("RedactPII(%q) = %q, %v; want unchanged", in, out, changed)
	}
}
