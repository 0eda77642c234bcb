package redact

import (
	"strings"
	"testing"
)

func TestTextPassesThroughWhenDisabled(t *testing.T) {
	SetEnabled(false)
	in := "caller +1 415 555 0193 ordered a latte, receipt to sam@example.com"
	if got := Text(in); got != in {
		t.Fatalf("disabled redaction altered text: %q", got)
	}
}

func TestTextScrubsPhoneAndEmail(t *testing.T) {
	SetEnabled(true)
	defer SetEnabled(false)

	got := Text("caller +1 415 555 0193 ordered a latte, receipt to sam@example.com")
	if strings.Contains(got, "415") {
		t.Fatalf("phone survived redaction: %q", got)
	}
	if strings.Contains(got, "example.com") {
		t.Fatalf("email survived redaction: %q", got)
	}
	for _, marker := range []string{"[REDACTED_PHONE]", "[REDACTED_EMAIL]"} {
		if !strings.Contains(got, marker) {
			t.Fatalf("missing %s in %q", marker, got)
		}
	}
	if !strings.Contains(got, "ordered a latte") {
		t.Fatalf("order text should be untouched: %q", got)
	}
}

func TestTextLeavesShortNumbersAlone(t *testing.T) {
	SetEnabled(true)
	defer SetEnabled(false)
	in := "2 shots and 3 sugars"
	if got := Text(in); got != in {
		t.Fatalf("quantities were redacted: %q", got)
	}
}
