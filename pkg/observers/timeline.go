package observers

import (
	"encoding/json"
	"errors"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/moonbeamcoffee/moonbeam/pkg/metrics"
	"github.com/moonbeamcoffee/moonbeam/pkg/redact"
)

// TimelineObserver appends one JSONL trace file per call, the primary
// artifact for replaying what the agent heard and said. String fields
// pass through the redactor so caller phone numbers never land on
// disk in clear text.
type TimelineObserver struct {
	dir   string
	mu    sync.Mutex
	files map[string]*os.File
}

func NewTimelineObserver(dir string) *TimelineObserver {
	return &TimelineObserver{dir: dir, files: make(map[string]*os.File)}
}

type timelineEvent struct {
	Time     time.Time         `json:"time"`
	Event    string            `json:"event"`
	StreamID string            `json:"stream_id,omitempty"`
	TraceID  string            `json:"trace_id,omitempty"`
	Tags     map[string]string `json:"tags,omitempty"`
	Fields   map[string]any    `json:"fields,omitempty"`
}

func (o *TimelineObserver) RecordEvent(ev metrics.MetricsEvent) {
	id, streamID, traceID := eventID(ev.Tags)
	if id == "" || strings.TrimSpace(o.dir) == "" {
		return
	}
	entry := timelineEvent{
		Time:     ev.Time.UTC(),
		Event:    timelineName(ev),
		StreamID: streamID,
		TraceID:  traceID,
		Tags:     maps.Clone(ev.Tags),
		Fields:   redactFields(ev.Fields),
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return
	}
	f := o.fileFor(id)
	if f == nil {
		return
	}
	_, _ = f.Write(append(line, '\n'))
}

func (o *TimelineObserver) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	var err error
	for _, f := range o.files {
		if f == nil {
			continue
		}
		if cerr := f.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}
	o.files = make(map[string]*os.File)
	return err
}

func (o *TimelineObserver) fileFor(id string) *os.File {
	safe := sanitizeID(id)
	if safe == "" {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if f := o.files[safe]; f != nil {
		return f
	}
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return nil
	}
	path := filepath.Join(o.dir, safe+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil
	}
	o.files[safe] = f
	return f
}

// timelineName flattens generic pipeline events into the audio_in /
// audio_out names the cost observer and replay tooling key on.
func timelineName(ev metrics.MetricsEvent) string {
	if ev.Tags != nil && ev.Tags["kind"] == "audio" {
		switch ev.Name {
		case "frame_in":
			return "audio_in"
		case "frame_out":
			return "audio_out"
		}
	}
	return ev.Name
}

func sanitizeID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, id)
}

// redactFields scrubs string fields, leaving raw audio payloads alone
// since those are binary and already opaque.
func redactFields(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		s, ok := v.(string)
		if !ok || strings.Contains(k, "payload_b64") || strings.Contains(k, "audio_b64") {
			out[k] = v
			continue
		}
		out[k] = redact.Text(s)
	}
	return out
}

var _ metrics.Observer = (*TimelineObserver)(nil)
