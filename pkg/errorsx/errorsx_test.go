package errorsx

import (
	"errors"
	"fmt"
	"testing"
)

func TestWrapAttachesReason(t *testing.T) {
	base := errors.New("write orders/20260831-101500_Sam.json: disk full")
	err := Wrap(base, ReasonOrderSave)
	if Reason(err) != ReasonOrderSave {
		t.Fatalf("reason = %s", Reason(err))
	}
	if !HasReason(err, ReasonOrderSave) {
		t.Fatalf("HasReason = false")
	}
	if !errors.Is(err, base) {
		t.Fatalf("wrapping broke the error chain")
	}
}

func TestFirstReasonWins(t *testing.T) {
	inner := Wrap(errors.New("dial tcp: refused"), ReasonSTTConnect)
	outer := Wrap(fmt.Errorf("session start: %w", inner), ReasonSTTRetry)
	if Reason(outer) != ReasonSTTConnect {
		t.Fatalf("outer wrap overwrote original reason: %s", Reason(outer))
	}
}

func TestNilAndUnreasonedErrors(t *testing.T) {
	if Wrap(nil, ReasonLLMGenerate) != nil {
		t.Fatalf("Wrap(nil) should stay nil")
	}
	if Reason(nil) != ReasonUnknown {
		t.Fatalf("Reason(nil) = %s", Reason(nil))
	}
	if Reason(errors.New("plain")) != ReasonUnknown {
		t.Fatalf("plain error should report unknown")
	}
}

func TestErrorStringPassesThrough(t *testing.T) {
	err := Wrap(errors.New("tts websocket closed"), ReasonTTSSend)
	if err.Error() != "tts websocket closed" {
		t.Fatalf("Error() = %q", err.Error())
	}
}
