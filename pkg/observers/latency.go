package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/moonbeamcoffee/moonbeam/pkg/metrics"
)

// LatencyObserver logs one latency line per turn. The number that
// matters for a phone order is ttfb_ms: silence between the caller
// finishing a sentence and the barista starting to answer.
type LatencyObserver struct {
	mu     sync.Mutex
	turns  map[string]*turnMarks
	log    *slog.Logger
}

// turnMarks holds the first occurrence of each stage milestone within
// a turn; llm_done closes the turn out.
type turnMarks struct {
	audioIn  time.Time
	sttFinal time.Time
	llmFirst time.Time
	ttsFirst time.Time
	llmDone  time.Time
	traceID  string
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		turns: make(map[string]*turnMarks),
		log:   log,
	}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	streamID := ""
	if ev.Tags != nil {
		streamID = ev.Tags["stream_id"]
	}
	if streamID == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	t := o.turns[streamID]
	if t == nil {
		t = &turnMarks{}
		o.turns[streamID] = t
	}
	switch ev.Name {
	case "stt_audio_in":
		if t.audioIn.IsZero() {
			t.audioIn = ev.Time
		}
		if t.traceID == "" && ev.Tags != nil {
			t.traceID = ev.Tags["trace_id"]
		}
	case "stt_final":
		if t.sttFinal.IsZero() {
			t.sttFinal = ev.Time
		}
	case "llm_first_token":
		if t.llmFirst.IsZero() {
			t.llmFirst = ev.Time
		}
	case "tts_first_audio":
		if t.ttsFirst.IsZero() {
			t.ttsFirst = ev.Time
		}
	case "llm_done":
		t.llmDone = ev.Time
	}
	if !t.llmDone.IsZero() {
		o.logTurn(streamID, t)
		delete(o.turns, streamID)
	}
}

func (o *LatencyObserver) logTurn(streamID string, t *turnMarks) {
	o.log.Info("latency",
		"stream_id", streamID,
		"trace_id", t.traceID,
		"stt_ms", spanMs(t.audioIn, t.sttFinal),
		"llm_first_token_ms", spanMs(t.sttFinal, t.llmFirst),
		"tts_first_audio_ms", spanMs(t.llmFirst, t.ttsFirst),
		"ttfb_ms", spanMs(t.sttFinal, t.ttsFirst),
	)
}

// spanMs returns -1 when either milestone was never observed.
func spanMs(a, b time.Time) int64 {
	if a.IsZero() || b.IsZero() {
		return -1
	}
	return b.Sub(a).Milliseconds()
}
