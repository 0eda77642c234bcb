// Package frames defines the frame types that flow through the voice
// pipeline: caller audio, transcribed and synthesized text, control
// signals, and session lifecycle events. Frames are immutable value
// types; metadata maps are copied on read so processors can never
// mutate a frame another stage still holds.
package frames

import (
	"maps"
	"sync"
	"time"
)

type Kind string

const (
	KindAudio   Kind = "audio"
	KindText    Kind = "text"
	KindControl Kind = "control"
	KindSystem  Kind = "system"
)

// ControlCode names an in-band pipeline signal. Control frames ride the
// high-priority band so they overtake buffered audio.
type ControlCode string

const (
	ControlCancel            ControlCode = "cancel"
	ControlFlush             ControlCode = "flush"
	ControlStartInterruption ControlCode = "start_interruption"
	ControlFallback          ControlCode = "fallback"
	ControlToolCall          ControlCode = "tool_call"
	ControlAudioReady        ControlCode = "audio_ready"
)

type Frame interface {
	Kind() Kind
	PTS() int64
	Meta() map[string]string
}

// AudioFrame carries one chunk of PCM or mu-law audio. Pooled frames
// borrow their payload from audioBufPool and must be handed back via
// ReleaseAudioFrame once the last stage is done with them.
type AudioFrame struct {
	pts    int64
	data   []byte
	rate   int
	ch     int
	meta   map[string]string
	pooled bool
}

func NewAudioFrame(streamID string, pts int64, data []byte, rate, ch int, meta map[string]string) AudioFrame {
	return AudioFrame{
		pts:  pts,
		data: data,
		rate: rate,
		ch:   ch,
		meta: stampStream(streamID, meta),
	}
}

// NewAudioFrameFromPool copies data into a pooled buffer. Use this on
// hot paths (transport ingress, codec output) where per-frame
// allocation shows up in GC pressure.
func NewAudioFrameFromPool(streamID string, pts int64, data []byte, rate, ch int, meta map[string]string) AudioFrame {
	buf := AcquireAudioBuf(len(data))
	copy(buf, data)
	return AudioFrame{
		pts:    pts,
		data:   buf,
		rate:   rate,
		ch:     ch,
		meta:   stampStream(streamID, meta),
		pooled: true,
	}
}

func (a AudioFrame) Kind() Kind              { return KindAudio }
func (a AudioFrame) PTS() int64              { return a.pts }
func (a AudioFrame) Meta() map[string]string { return maps.Clone(a.meta) }

// Data returns a copy of the payload. RawPayload returns the backing
// slice and must not be retained past frame release.
func (a AudioFrame) Data() []byte       { return append([]byte(nil), a.data...) }
func (a AudioFrame) RawPayload() []byte { return a.data }
func (a AudioFrame) Rate() int          { return a.rate }
func (a AudioFrame) Channels() int      { return a.ch }

// ReleaseAudioFrame returns a pooled frame's buffer to the pool. It is
// a no-op for non-audio and non-pooled frames, so callers can release
// unconditionally at drop points.
func ReleaseAudioFrame(f Frame) bool {
	var af AudioFrame
	switch v := f.(type) {
	case AudioFrame:
		af = v
	case *AudioFrame:
		af = *v
	default:
		return false
	}
	if !af.pooled {
		return false
	}
	ReleaseAudioBuf(af.data)
	return true
}

// TextFrame carries a transcript segment or an assistant reply.
type TextFrame struct {
	pts  int64
	text string
	meta map[string]string
}

func NewTextFrame(streamID string, pts int64, text string, meta map[string]string) TextFrame {
	return TextFrame{
		pts:  pts,
		text: text,
		meta: stampStream(streamID, meta),
	}
}

func (t TextFrame) Kind() Kind              { return KindText }
func (t TextFrame) PTS() int64              { return t.pts }
func (t TextFrame) Meta() map[string]string { return maps.Clone(t.meta) }
func (t TextFrame) Text() string            { return t.text }

type ControlFrame struct {
	pts  int64
	code ControlCode
	meta map[string]string
}

func NewControlFrame(streamID string, pts int64, code ControlCode, meta map[string]string) ControlFrame {
	return ControlFrame{
		pts:  pts,
		code: code,
		meta: stampStream(streamID, meta),
	}
}

func (c ControlFrame) Kind() Kind              { return KindControl }
func (c ControlFrame) PTS() int64              { return c.pts }
func (c ControlFrame) Meta() map[string]string { return maps.Clone(c.meta) }
func (c ControlFrame) Code() ControlCode       { return c.code }

// SystemFrame marks a session lifecycle event such as call_start,
// call_reconnect, call_end, greeting, or reprompt.
type SystemFrame struct {
	pts  int64
	name string
	meta map[string]string
}

func NewSystemFrame(streamID string, pts int64, name string, meta map[string]string) SystemFrame {
	return SystemFrame{
		pts:  pts,
		name: name,
		meta: stampStream(streamID, meta),
	}
}

func (s SystemFrame) Kind() Kind              { return KindSystem }
func (s SystemFrame) PTS() int64              { return s.pts }
func (s SystemFrame) Meta() map[string]string { return maps.Clone(s.meta) }
func (s SystemFrame) Name() string            { return s.name }

// PTSGen hands out monotonically increasing per-stream timestamps for
// synthesized frames that have no natural capture time.
type PTSGen struct {
	mu   sync.Mutex
	last map[string]int64
}

func NewPTSGen() *PTSGen {
	return &PTSGen{last: make(map[string]int64)}
}

func (g *PTSGen) Next(streamID string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	v := g.last[streamID] + time.Millisecond.Nanoseconds()
	g.last[streamID] = v
	return v
}

var audioBufPool = sync.Pool{
	New: func() any {
		return make([]byte, 0, 4096)
	},
}

func AcquireAudioBuf(size int) []byte {
	b := audioBufPool.Get().([]byte)
	if cap(b) < size {
		return make([]byte, size)
	}
	return b[:size]
}

func ReleaseAudioBuf(b []byte) {
	audioBufPool.Put(b[:0])
}

// stampStream builds a frame's metadata, seeding the stream id so every
// frame is routable even when the producer passed no meta at all.
func stampStream(streamID string, meta map[string]string) map[string]string {
	out := make(map[string]string, 2+len(meta))
	if streamID != "" {
		out[MetaStreamID] = streamID
	}
	maps.Copy(out, meta)
	return out
}
