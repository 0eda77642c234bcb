// Package observers contains the metrics.Observer implementations the
// engine wires by configuration: structured-log echo, per-call latency
// summaries, per-call cost accounting, and JSONL call timelines.
package observers

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/moonbeamcoffee/moonbeam/pkg/metrics"
)

// CostSummary accumulates the billable units of one call: seconds of
// audio sent to STT, seconds synthesized by TTS, and LLM tokens.
type CostSummary struct {
	TraceID       string  `json:"trace_id,omitempty"`
	StreamID      string  `json:"stream_id,omitempty"`
	STTAudioSec   float64 `json:"stt_audio_seconds"`
	TTSAudioSec   float64 `json:"tts_audio_seconds"`
	LLMTokenCount int     `json:"llm_tokens"`
	RecordedAtUTC string  `json:"recorded_at_utc"`
}

type CostObserver struct {
	dir   string
	mu    sync.Mutex
	stats map[string]*CostSummary
}

func NewCostObserver(dir string) *CostObserver {
	return &CostObserver{dir: dir, stats: make(map[string]*CostSummary)}
}

func (o *CostObserver) RecordEvent(ev metrics.MetricsEvent) {
	if strings.TrimSpace(o.dir) == "" {
		return
	}
	id, streamID, traceID := eventID(ev.Tags)
	if id == "" {
		return
	}

	switch ev.Name {
	case "audio_in", "audio_out":
		sec := audioSeconds(ev.Fields)
		if sec <= 0 {
			return
		}
		o.mu.Lock()
		stat := o.statFor(id, streamID, traceID)
		if ev.Name == "audio_in" {
			stat.STTAudioSec += sec
		} else {
			stat.TTSAudioSec += sec
		}
		o.mu.Unlock()
	case "llm_done":
		tokens, ok := ev.Fields["tokens"].(int)
		if !ok {
			return
		}
		o.mu.Lock()
		o.statFor(id, streamID, traceID).LLMTokenCount += tokens
		o.mu.Unlock()
	}
}

// statFor returns the running summary for id, creating it on first
// touch. Caller holds the lock.
func (o *CostObserver) statFor(id, streamID, traceID string) *CostSummary {
	stat := o.stats[id]
	if stat == nil {
		stat = &CostSummary{TraceID: traceID, StreamID: streamID}
		o.stats[id] = stat
	}
	return stat
}

// Close flushes one <id>.cost.json per call.
func (o *CostObserver) Close() error {
	if strings.TrimSpace(o.dir) == "" {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return err
	}
	var errOut error
	for id, stat := range o.stats {
		stat.RecordedAtUTC = time.Now().UTC().Format(time.RFC3339)
		b, err := json.MarshalIndent(stat, "", "  ")
		if err != nil {
			errOut = errors.Join(errOut, err)
			continue
		}
		path := filepath.Join(o.dir, sanitizeID(id)+".cost.json")
		if err := os.WriteFile(path, b, 0o644); err != nil {
			errOut = errors.Join(errOut, err)
		}
	}
	return errOut
}

// audioSeconds derives playback duration from a base64 payload assuming
// 8-bit samples, which holds for the mu-law telephony frames that carry
// these fields.
func audioSeconds(fields map[string]any) float64 {
	payload, _ := fields["payload_b64"].(string)
	if payload == "" {
		return 0
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return 0
	}
	sampleRate := numField(fields, "sample_rate", 0)
	channels := numField(fields, "channels", 1)
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	return float64(len(raw)) / float64(sampleRate*channels)
}

func numField(fields map[string]any, key string, def int) int {
	switch v := fields[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}

// eventID picks the identity a per-call artifact is keyed on,
// preferring the trace id over the transport stream id.
func eventID(tags map[string]string) (id, streamID, traceID string) {
	if tags == nil {
		return "", "", ""
	}
	streamID = tags["stream_id"]
	traceID = tags["trace_id"]
	id = traceID
	if id == "" {
		id = streamID
	}
	return id, streamID, traceID
}

var _ metrics.Observer = (*CostObserver)(nil)
