package observers

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/moonbeamcoffee/moonbeam/pkg/metrics"
	"github.com/moonbeamcoffee/moonbeam/pkg/redact"
)

func TestTimelineObserverWritesJSONL(t *testing.T) {
	dir := t.TempDir()
	obs := NewTimelineObserver(dir)

	obs.RecordEvent(metrics.MetricsEvent{
		Name: "frame_out",
		Time: time.Now(),
		Tags: map[string]string{
			"stream_id": "stream-1",
			"trace_id":  "trace-1",
			"kind":      "audio",
		},
	})
	_ = obs.Close()

	b, err := os.ReadFile(filepath.Join(dir, "trace-1.jsonl"))
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if !strings.Contains(string(b), "audio_out") {
		t.Fatalf("expected audio_out event in file")
	}
}

func TestTimelineObserverRedactsStringFields(t *testing.T) {
	redact.SetEnabled(true)
	dir := t.TempDir()
	obs := NewTimelineObserver(dir)

	obs.RecordEvent(metrics.MetricsEvent{
		Name: "stt_final",
		Time: time.Now(),
		Tags: map[string]string{"trace_id": "trace-2"},
		Fields: map[string]any{
			"text": "call me back at +1 415 555 0193 please",
		},
	})
	_ = obs.Close()

	b, err := os.ReadFile(filepath.Join(dir, "trace-2.jsonl"))
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if strings.Contains(string(b), "415 555 0193") {
		t.Fatalf("expected phone number to be redacted, got %s", string(b))
	}
}
