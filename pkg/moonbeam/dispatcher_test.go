package moonbeam

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/moonbeamcoffee/moonbeam/pkg/frames"
	"github.com/moonbeamcoffee/moonbeam/pkg/llm"
)

type stubRegistry struct {
	result string
	err    error
	calls  []map[string]any
	delay  time.Duration
}

func (s *stubRegistry) Tools() []llm.Tool { return nil }

func (s *stubRegistry) HandleTool(name string, args map[string]any) (string, error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.calls = append(s.calls, args)
	return s.result, s.err
}

func toolCallFrame(callID string) frames.ControlFrame {
	args, _ := json.Marshal(map[string]any{"drinkType": "latte", "size": "medium"})
	return frames.NewControlFrame("stream-1", time.Now().UnixNano(), frames.ControlToolCall, map[string]string{
		frames.MetaStreamID:   "stream-1",
		frames.MetaToolCallID: callID,
		frames.MetaToolName:   "save_order",
		frames.MetaToolArgs:   string(args),
	})
}

func waitForResult(t *testing.T, in chan frames.Frame) frames.SystemFrame {
	t.Helper()
	select {
	case f := <-in:
		sf, ok := f.(frames.SystemFrame)
		if !ok || sf.Name() != "tool_result" {
			t.Fatalf("unexpected frame %v", f)
		}
		return sf
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for tool result")
		return frames.SystemFrame{}
	}
}

func TestDispatcherEmitsToolResult(t *testing.T) {
	in := make(chan frames.Frame, 4)
	reg := &stubRegistry{result: `{"status":"saved"}`}
	d := NewToolDispatcher(reg, in)

	if _, err := d.Process(toolCallFrame("tool-1")); err != nil {
		t.Fatalf("process: %v", err)
	}
	sf := waitForResult(t, in)
	if sf.Meta()[frames.MetaToolStatus] != "ok" {
		t.Fatalf("status = %q", sf.Meta()[frames.MetaToolStatus])
	}
	if sf.Meta()[frames.MetaToolResult] != `{"status":"saved"}` {
		t.Fatalf("result = %q", sf.Meta()[frames.MetaToolResult])
	}
	if sf.Meta()[frames.MetaToolCallID] != "tool-1" {
		t.Fatalf("call id = %q", sf.Meta()[frames.MetaToolCallID])
	}
}

func TestDispatcherStampsIdempotencyKey(t *testing.T) {
	in := make(chan frames.Frame, 4)
	reg := &stubRegistry{result: "ok"}
	d := NewToolDispatcher(reg, in)

	if _, err := d.Process(toolCallFrame("tool-9")); err != nil {
		t.Fatalf("process: %v", err)
	}
	waitForResult(t, in)
	if len(reg.calls) != 1 {
		t.Fatalf("expected one call, got %d", len(reg.calls))
	}
	if reg.calls[0][frames.MetaIdempotency] != "stream-1:tool-9" {
		t.Fatalf("idempotency = %v", reg.calls[0][frames.MetaIdempotency])
	}
}

func TestDispatcherReportsError(t *testing.T) {
	in := make(chan frames.Frame, 4)
	reg := &stubRegistry{err: errors.New("drinkType and size are required")}
	d := NewToolDispatcherWithOptions(reg, in, ToolDispatcherOptions{
		Concurrency:  1,
		RetryBackoff: time.Millisecond,
	})

	if _, err := d.Process(toolCallFrame("tool-2")); err != nil {
		t.Fatalf("process: %v", err)
	}
	sf := waitForResult(t, in)
	if sf.Meta()[frames.MetaToolStatus] != "error" {
		t.Fatalf("status = %q", sf.Meta()[frames.MetaToolStatus])
	}
	if sf.Meta()[frames.MetaToolError] == "" {
		t.Fatalf("expected error detail")
	}
}

func TestDispatcherTimeout(t *testing.T) {
	in := make(chan frames.Frame, 4)
	reg := &stubRegistry{result: "ok", delay: 200 * time.Millisecond}
	d := NewToolDispatcherWithOptions(reg, in, ToolDispatcherOptions{
		Concurrency:  1,
		Timeout:      20 * time.Millisecond,
		RetryBackoff: time.Millisecond,
	})

	if _, err := d.Process(toolCallFrame("tool-3")); err != nil {
		t.Fatalf("process: %v", err)
	}
	sf := waitForResult(t, in)
	if sf.Meta()[frames.MetaToolStatus] != "timeout" {
		t.Fatalf("status = %q", sf.Meta()[frames.MetaToolStatus])
	}
}

func TestDispatcherPassesOtherFrames(t *testing.T) {
	in := make(chan frames.Frame, 4)
	d := NewToolDispatcher(&stubRegistry{}, in)
	tf := frames.NewTextFrame("stream-1", time.Now().UnixNano(), "hello", map[string]string{
		frames.MetaStreamID: "stream-1",
	})
	out, err := d.Process(tf)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected passthrough, got %d frames", len(out))
	}
	got, ok := out[0].(frames.TextFrame)
	if !ok || got.Text() != "hello" {
		t.Fatalf("unexpected frame %v", out[0])
	}
}
