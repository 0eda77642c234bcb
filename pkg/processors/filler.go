package processors

import (
	"bytes"
	"encoding/base64"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/moonbeamcoffee/moonbeam/pkg/frames"
	"github.com/moonbeamcoffee/moonbeam/pkg/pipeline"
)

// mu-law frame size at 8kHz, 20ms per chunk.
const fillerChunkBytes = 160

// FillerProcessor plays a short hold sound while the model is
// thinking, so the caller does not hear dead air between their order
// and the barista's reply. The clip plays once per thinking phase and
// stops on cancel, flush, or the reply starting.
type FillerProcessor struct {
	mu     sync.Mutex
	active map[string]bool
	chunks [][]byte
}

// NewFillerProcessor loads a mu-law clip from path, raw or
// base64-encoded (.b64). A missing or too-short clip falls back to a
// beat of mu-law silence.
func NewFillerProcessor(path string) *FillerProcessor {
	raw := loadFiller(path)
	if len(raw) < fillerChunkBytes {
		raw = bytes.Repeat([]byte{0xFF}, fillerChunkBytes*5)
	}
	whole := raw[:len(raw)/fillerChunkBytes*fillerChunkBytes]
	p := &FillerProcessor{active: make(map[string]bool)}
	for c := range slices.Chunk(whole, fillerChunkBytes) {
		p.chunks = append(p.chunks, c)
	}
	return p
}

func (p *FillerProcessor) Name() string { return "filler" }

func (p *FillerProcessor) Process(f frames.Frame) ([]frames.Frame, error) {
	switch fr := f.(type) {
	case frames.SystemFrame:
		streamID := fr.Meta()[frames.MetaStreamID]
		switch fr.Name() {
		case "thinking_start":
			return p.play(streamID, fr.Meta()), nil
		case "thinking_end", "call_end":
			p.clear(streamID)
		}
	case frames.ControlFrame:
		if fr.Code() == frames.ControlFlush || fr.Code() == frames.ControlCancel {
			p.clear(fr.Meta()[frames.MetaStreamID])
		}
	}
	return []frames.Frame{f}, nil
}

func (p *FillerProcessor) play(streamID string, meta map[string]string) []frames.Frame {
	p.mu.Lock()
	already := p.active[streamID]
	p.active[streamID] = true
	p.mu.Unlock()
	if already {
		return nil
	}

	out := make([]frames.Frame, 0, len(p.chunks))
	for _, c := range p.chunks {
		frameMeta := map[string]string{"encoding": "mulaw"}
		maps.Copy(frameMeta, meta)
		out = append(out, frames.NewAudioFrameFromPool(streamID, 0, c, 8000, 1, frameMeta))
	}
	return out
}

func (p *FillerProcessor) clear(streamID string) {
	p.mu.Lock()
	delete(p.active, streamID)
	p.mu.Unlock()
}

func loadFiller(path string) []byte {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	if strings.HasSuffix(path, ".b64") {
		s := strings.TrimSpace(string(b))
		if decoded, err := base64.StdEncoding.DecodeString(s); err == nil && len(decoded) > 0 {
			return decoded
		}
	}
	return b
}

var _ pipeline.FrameProcessor = (*FillerProcessor)(nil)
