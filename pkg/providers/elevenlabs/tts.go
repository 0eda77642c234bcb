// Package elevenlabs synthesizes agent speech over ElevenLabs'
// streaming websocket API. With a ulaw_8000 output format the audio
// passes straight through to the telephone leg without transcoding.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/moonbeamcoffee/moonbeam/pkg/adapters/tts"
	"github.com/moonbeamcoffee/moonbeam/pkg/frames"
	"github.com/moonbeamcoffee/moonbeam/pkg/resilience"
)

// ElevenLabs closes idle websockets after 20s; ping under that.
const keepaliveInterval = 15 * time.Second

type Config struct {
	APIKey       string
	VoiceID      string
	ModelID      string
	OutputFormat string
	SampleRate   int
	StreamID     string
	CallSID      string
}

type ElevenLabsTTS struct {
	cfg     Config
	conn    *websocket.Conn
	out     chan frames.Frame
	writeCh chan ttsMessage
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	logger  *slog.Logger
}

type ttsMessage struct {
	text  string
	flush bool
}

// streamRequest is the client side of the stream-input protocol. All
// fields except Text are only sent on the first message.
type streamRequest struct {
	Text                 string          `json:"text"`
	Flush                bool            `json:"flush,omitempty"`
	TryTriggerGeneration bool            `json:"try_trigger_generation,omitempty"`
	VoiceSettings        *voiceSettings  `json:"voice_settings,omitempty"`
	GenerationConfig     *generationCfg  `json:"generation_config,omitempty"`
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

type generationCfg struct {
	ChunkLengthSchedule []int `json:"chunk_length_schedule"`
}

func New(cfg Config) *ElevenLabsTTS {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 44100
	}
	return &ElevenLabsTTS{
		cfg:     cfg,
		out:     make(chan frames.Frame, 256),
		writeCh: make(chan ttsMessage, 256),
		logger: slog.Default().With(
			slog.String("component", "elevenlabs_tts"),
			slog.String("stream_id", cfg.StreamID)),
	}
}

func (s *ElevenLabsTTS) Name() string { return "elevenlabs_tts" }

func (s *ElevenLabsTTS) Start(ctx context.Context) error {
	if s.cfg.APIKey == "" || s.cfg.VoiceID == "" {
		return errors.New("missing elevenlabs config")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.logger.Debug("elevenlabs_connecting", slog.String("output_format", s.cfg.OutputFormat))

	dialer := websocket.Dialer{Proxy: http.ProxyFromEnvironment}
	conn, resp, err := dialer.Dial(s.streamURL(), http.Header{
		"xi-api-key": []string{s.cfg.APIKey},
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			s.logger.Error("elevenlabs_rate_limited", slog.String("status", resp.Status))
			return resilience.RateLimitError{Provider: "elevenlabs", Message: resp.Status}
		}
		s.logger.Error("elevenlabs_connect_error", slog.String("error", err.Error()))
		return err
	}
	s.conn = conn
	s.logger.Info("elevenlabs_connected", slog.String("output_format", s.cfg.OutputFormat))

	// The opening message seeds voice settings and the chunk schedule
	// that controls first-audio latency.
	_ = s.send(streamRequest{
		Text:                 " ",
		TryTriggerGeneration: true,
		VoiceSettings:        &voiceSettings{Stability: 0.5, SimilarityBoost: 0.8},
		GenerationConfig:     &generationCfg{ChunkLengthSchedule: []int{120, 160, 250, 290}},
	})
	go s.readLoop()
	go s.writeLoop()
	return nil
}

func (s *ElevenLabsTTS) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger.Info("elevenlabs_closing")
	if s.cancel != nil {
		s.cancel()
	}
	if s.conn != nil {
		_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		return s.conn.Close()
	}
	return nil
}

func (s *ElevenLabsTTS) SendText(text string) error {
	return s.SendTextWithOptions(text, false)
}

// Flush stops generation and discards audio already buffered locally,
// so an interrupted reply does not keep playing.
func (s *ElevenLabsTTS) Flush() {
	_ = s.send(streamRequest{Text: " ", Flush: true})
	s.drain()
	s.logger.Info("elevenlabs_buffer_purged")
}

func (s *ElevenLabsTTS) drain() {
	for {
		select {
		case <-s.out:
		default:
			return
		}
	}
}

func (s *ElevenLabsTTS) Results() <-chan frames.Frame { return s.out }

func (s *ElevenLabsTTS) SendTextWithOptions(text string, flush bool) error {
	if s.conn == nil {
		return errors.New("not connected")
	}
	text = strings.TrimSpace(text)
	if text == "" && !flush {
		return nil
	}
	// A trailing space tells the server the chunk is word-complete.
	if text != "" && !strings.HasSuffix(text, " ") {
		text += " "
	}
	select {
	case s.writeCh <- ttsMessage{text: text, flush: flush}:
	default:
	}
	return nil
}

func (s *ElevenLabsTTS) streamURL() string {
	q := url.Values{}
	if s.cfg.ModelID != "" {
		q.Set("model_id", s.cfg.ModelID)
	}
	if s.cfg.OutputFormat != "" {
		q.Set("output_format", s.cfg.OutputFormat)
	}
	q.Set("optimize_streaming_latency", "4")
	return "wss://api.elevenlabs.io/v1/text-to-speech/" + s.cfg.VoiceID + "/stream-input?" + q.Encode()
}

func (s *ElevenLabsTTS) writeLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.writeCh:
			_ = s.send(streamRequest{Text: msg.text, Flush: msg.flush})
		case <-ticker.C:
			_ = s.send(streamRequest{Text: " "})
		}
	}
}

func (s *ElevenLabsTTS) readLoop() {
	for {
		select {
		case <-s.ctx.Done():
			s.logger.Info("elevenlabs_read_loop_exit", slog.String("reason", "context_cancelled"))
			return
		default:
			_, data, err := s.conn.ReadMessage()
			if err != nil {
				s.logger.Error("elevenlabs_read_error", slog.String("error", err.Error()))
				return
			}
			s.handleMessage(data)
		}
	}
}

func (s *ElevenLabsTTS) handleMessage(data []byte) {
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Warn("elevenlabs_raw_message", slog.String("data", string(data)))
		return
	}
	audio := firstString(msg, "audio", "audio_base_64", "audio_base64")
	if audio == "" {
		if _, isAlign := msg["alignment"]; !isAlign {
			s.logger.Debug("elevenlabs_event", slog.Any("payload", msg))
		}
		return
	}
	raw, err := base64.StdEncoding.DecodeString(audio)
	if err != nil {
		s.logger.Error("elevenlabs_audio_decode_error", slog.String("error", err.Error()))
		return
	}

	meta := map[string]string{
		frames.MetaStreamID: s.cfg.StreamID,
		frames.MetaCallSID:  s.cfg.CallSID,
		frames.MetaSource:   "elevenlabs",
	}
	// ulaw output is already telephone-rate and skips transcoding.
	if strings.Contains(s.cfg.OutputFormat, "ulaw") {
		meta[frames.MetaEncoding] = "mulaw"
		meta[frames.MetaCodec] = "ulaw"
		meta["sample_rate"] = "8000"
		meta["channels"] = "1"
	}

	f := frames.NewAudioFrame(s.cfg.StreamID, time.Now().UnixNano(), raw, s.cfg.SampleRate, 1, meta)
	select {
	case s.out <- f:
		s.logger.Debug("elevenlabs_audio_emitted",
			slog.Int("size_bytes", len(raw)),
			slog.String("codec", meta[frames.MetaCodec]))
	default:
		s.logger.Warn("elevenlabs_out_channel_full")
	}
}

// firstString returns the first of the given keys holding a non-empty
// string; the audio key has shifted names across API revisions.
func firstString(msg map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := msg[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func (s *ElevenLabsTTS) send(req streamRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, b)
}

var _ tts.StreamingTTS = (*ElevenLabsTTS)(nil)
