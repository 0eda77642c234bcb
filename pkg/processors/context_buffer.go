package processors

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/moonbeamcoffee/moonbeam/pkg/turn"
)

// ContextBuffer accumulates transcript text across a turn. Finals are
// committed; the last interim is held aside so an utterance the
// recognizer never finalized still reaches the model when the turn
// closes. The buffer flushes when the turn moves from listening to
// thinking, or by force on overflow.
type ContextBuffer struct {
	mu          sync.Mutex
	committed   strings.Builder
	lastInterim string
	streamID    string

	maxBufferSize int
	flushHandler  func(content string) error
}

type ContextBufferOptions struct {
	MaxBufferSize int
	StreamID      string
}

func NewContextBuffer(opts ContextBufferOptions, flushHandler func(string) error) *ContextBuffer {
	if opts.MaxBufferSize <= 0 {
		opts.MaxBufferSize = 10000
	}
	return &ContextBuffer{
		maxBufferSize: opts.MaxBufferSize,
		streamID:      opts.StreamID,
		flushHandler:  flushHandler,
	}
}

// SetStreamID records the stream for logging and emitted frames. The
// latest non-empty value wins.
func (b *ContextBuffer) SetStreamID(id string) {
	if id == "" {
		return
	}
	b.mu.Lock()
	b.streamID = id
	b.mu.Unlock()
}

func (b *ContextBuffer) StreamID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.streamID
}

// AddTranscript commits final text to the buffer; interim text only
// replaces the held candidate.
func (b *ContextBuffer) AddTranscript(text string, final bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !final {
		b.lastInterim = text
		return
	}
	b.committed.WriteString(text)
	b.committed.WriteString(" ")
	b.lastInterim = ""
	if b.committed.Len() > b.maxBufferSize {
		slog.Warn("context_buffer_overflow",
			"stream_id", b.streamID,
			"buffer_size", b.committed.Len(),
			"max_size", b.maxBufferSize)
		b.flushLocked()
	}
}

// OnStateChange flushes on the listening-to-thinking transition, the
// moment the caller's turn is considered complete.
func (b *ContextBuffer) OnStateChange(event turn.StateChange) {
	if event.FromState == turn.StateListening && event.ToState == turn.StateThinking {
		b.Flush()
	}
}

func (b *ContextBuffer) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushLocked()
}

func (b *ContextBuffer) flushLocked() {
	content := b.committed.String()
	if content == "" && b.lastInterim != "" {
		content = b.lastInterim
		b.lastInterim = ""
	}
	if content == "" {
		return
	}
	if b.flushHandler != nil {
		if err := b.flushHandler(content); err != nil {
			// Content stays buffered so the next flush can retry.
			slog.Error("context_buffer_flush_failed",
				"stream_id", b.streamID,
				"error", err)
			return
		}
	}
	b.committed.Reset()
	slog.Debug("context_buffer_flushed",
		"stream_id", b.streamID,
		"content_length", len(content))
}

func (b *ContextBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.committed.Reset()
	b.lastInterim = ""
}

var _ turn.StateListener = (*ContextBuffer)(nil)
