package processors

import (
	"context"
	"testing"
	"time"

	"github.com/moonbeamcoffee/moonbeam/pkg/adapters/tts"
	"github.com/moonbeamcoffee/moonbeam/pkg/frames"
)

type scriptedTTS struct {
	texts      []string
	flushTexts []string
	flushCount int
	closed     bool
	out        chan frames.Frame
}

func newScriptedTTS() *scriptedTTS {
	return &scriptedTTS{out: make(chan frames.Frame, 4)}
}

func (m *scriptedTTS) Name() string                  { return "scripted_tts" }
func (m *scriptedTTS) Start(ctx context.Context) error { return nil }

func (m *scriptedTTS) Close() error {
	m.closed = true
	return nil
}

func (m *scriptedTTS) SendText(text string) error {
	m.texts = append(m.texts, text)
	m.out <- frames.NewAudioFrame("stream-1", time.Now().UnixNano(), make([]byte, 160), 8000, 1, nil)
	return nil
}

func (m *scriptedTTS) SendTextWithOptions(text string, flush bool) error {
	if flush {
		m.flushTexts = append(m.flushTexts, text)
	}
	return m.SendText(text)
}

func (m *scriptedTTS) Flush() { m.flushCount++ }

func (m *scriptedTTS) Results() <-chan frames.Frame { return m.out }

func newTTSUnderTest() (*TTSProcessor, *scriptedTTS) {
	vendor := newScriptedTTS()
	proc := NewTTSProcessor(func(callSID, streamID string) tts.StreamingTTS { return vendor })
	return proc, vendor
}

func ttsText(text string, extra map[string]string) frames.TextFrame {
	meta := map[string]string{frames.MetaStreamID: "stream-1", frames.MetaSource: "llm"}
	for k, v := range extra {
		meta[k] = v
	}
	return frames.NewTextFrame("stream-1", time.Now().UnixNano(), text, meta)
}

func TestTTSSynthesizesAndDrainsAudio(t *testing.T) {
	proc, vendor := newTTSUnderTest()

	out, err := proc.Process(ttsText("Coming right up!", nil))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(vendor.texts) != 1 || vendor.texts[0] != "Coming right up!" {
		t.Fatalf("vendor texts = %v", vendor.texts)
	}
	var audio int
	for _, f := range out {
		if f.Kind() == frames.KindAudio {
			audio++
		}
	}
	if audio == 0 {
		t.Fatalf("no audio drained from vendor")
	}
}

func TestTTSFoldsFlushIntoFinalChunk(t *testing.T) {
	proc, vendor := newTTSUnderTest()

	if _, err := proc.Process(ttsText("and extra shot.", map[string]string{frames.MetaTTSFlush: "true"})); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(vendor.flushTexts) != 1 {
		t.Fatalf("expected one flushed send, got %v", vendor.flushTexts)
	}
}

func TestTTSInterruptionFlushesVendor(t *testing.T) {
	proc, vendor := newTTSUnderTest()
	if _, err := proc.Process(ttsText("Let me read that back", nil)); err != nil {
		t.Fatalf("seed text: %v", err)
	}

	ctrl := frames.NewControlFrame("stream-1", time.Now().UnixNano(), frames.ControlStartInterruption, map[string]string{frames.MetaStreamID: "stream-1"})
	if _, err := proc.Process(ctrl); err != nil {
		t.Fatalf("interruption: %v", err)
	}
	if vendor.flushCount == 0 {
		t.Fatalf("barge-in did not flush the vendor session")
	}
}

func TestTTSCancelClosesSession(t *testing.T) {
	proc, vendor := newTTSUnderTest()
	if _, err := proc.Process(ttsText("hold on", nil)); err != nil {
		t.Fatalf("seed text: %v", err)
	}

	cancel := frames.NewControlFrame("stream-1", time.Now().UnixNano(), frames.ControlCancel, map[string]string{frames.MetaStreamID: "stream-1"})
	if _, err := proc.Process(cancel); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !vendor.closed {
		t.Fatalf("cancel left the vendor session open")
	}
}

func TestTTSCallEndTearsDownByCallSID(t *testing.T) {
	proc, vendor := newTTSUnderTest()
	if _, err := proc.Process(ttsText("welcome", map[string]string{frames.MetaCallSID: "CA1"})); err != nil {
		t.Fatalf("seed text: %v", err)
	}

	end := frames.NewSystemFrame("", time.Now().UnixNano(), "call_end", map[string]string{frames.MetaCallSID: "CA1"})
	if _, err := proc.Process(end); err != nil {
		t.Fatalf("call_end: %v", err)
	}
	if !vendor.closed {
		t.Fatalf("call_end did not close the session")
	}
}
