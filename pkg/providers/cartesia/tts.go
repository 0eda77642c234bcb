package cartesia

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/moonbeamcoffee/moonbeam/pkg/adapters/tts"
	"github.com/moonbeamcoffee/moonbeam/pkg/frames"
	"github.com/moonbeamcoffee/moonbeam/pkg/resilience"
)

const apiVersion = "2024-06-10"

type Config struct {
	APIKey     string
	VoiceID    string
	ModelID    string
	Encoding   string // pcm_mulaw or pcm_s16le
	SampleRate int
	Language   string
	StreamID   string
	CallSID    string
}

// CartesiaTTS streams synthesis over the Cartesia tts/websocket endpoint.
// Each utterance is sent under a context_id; Flush cancels the active
// context so interrupted speech stops at the provider, not just locally.
type CartesiaTTS struct {
	cfg       Config
	conn      *websocket.Conn
	out       chan frames.Frame
	writeCh   chan ttsMessage
	ctx       context.Context
	cancel    context.CancelFunc
	mu        sync.Mutex
	ctxID     string
	ctxIDLock sync.Mutex
}

type ttsMessage struct {
	text     string
	finalize bool
}

func New(cfg Config) *CartesiaTTS {
	if cfg.ModelID == "" {
		cfg.ModelID = "sonic-2"
	}
	if cfg.Encoding == "" {
		cfg.Encoding = "pcm_mulaw"
	}
	if cfg.SampleRate == 0 {
		if cfg.Encoding == "pcm_mulaw" {
			cfg.SampleRate = 8000
		} else {
			cfg.SampleRate = 16000
		}
	}
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	return &CartesiaTTS{
		cfg:     cfg,
		out:     make(chan frames.Frame, 256),
		writeCh: make(chan ttsMessage, 256),
		ctxID:   uuid.NewString(),
	}
}

func (s *CartesiaTTS) Name() string { return "cartesia_tts" }

func (s *CartesiaTTS) Start(ctx context.Context) error {
	if s.cfg.APIKey == "" || s.cfg.VoiceID == "" {
		return errors.New("missing cartesia config")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	q := url.Values{}
	q.Set("api_key", s.cfg.APIKey)
	q.Set("cartesia_version", apiVersion)
	endpoint := "wss://api.cartesia.ai/tts/websocket?" + q.Encode()

	slog.Debug("connecting to cartesia",
		slog.String("stream_id", s.cfg.StreamID),
		slog.String("encoding", s.cfg.Encoding))

	dialer := websocket.Dialer{Proxy: http.ProxyFromEnvironment}
	conn, resp, err := dialer.Dial(endpoint, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			slog.Error("cartesia rate limit exceeded",
				slog.String("stream_id", s.cfg.StreamID),
				slog.String("status", resp.Status))
			return resilience.RateLimitError{Provider: "cartesia", Message: resp.Status}
		}
		slog.Error("failed to connect to cartesia",
			slog.String("stream_id", s.cfg.StreamID),
			slog.String("error", err.Error()))
		return err
	}

	s.conn = conn
	slog.Info("connected to cartesia",
		slog.String("stream_id", s.cfg.StreamID),
		slog.String("model_id", s.cfg.ModelID))

	go s.readLoop()
	go s.writeLoop()
	return nil
}

func (s *CartesiaTTS) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	slog.Info("tts close called",
		slog.String("stream_id", s.cfg.StreamID))
	if s.cancel != nil {
		s.cancel()
	}
	if s.conn != nil {
		_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		return s.conn.Close()
	}
	return nil
}

func (s *CartesiaTTS) SendText(text string) error {
	return s.SendTextWithOptions(text, false)
}

func (s *CartesiaTTS) SendTextWithOptions(text string, finalize bool) error {
	if s.conn == nil {
		return errors.New("not connected")
	}
	text = strings.TrimSpace(text)
	if text == "" && !finalize {
		return nil
	}
	if text != "" && !strings.HasSuffix(text, " ") {
		text += " "
	}
	select {
	case s.writeCh <- ttsMessage{text: text, finalize: finalize}:
	default:
	}
	return nil
}

// Flush cancels the active synthesis context and drops any audio already
// buffered locally, so interrupted speech does not leak out afterwards.
func (s *CartesiaTTS) Flush() {
	old := s.rotateContextID()
	_ = s.send(map[string]any{"context_id": old, "cancel": true})

drainLoop:
	for {
		select {
		case <-s.out:
		default:
			break drainLoop
		}
	}
	slog.Info("tts channel purged",
		slog.String("stream_id", s.cfg.StreamID))
}

func (s *CartesiaTTS) Results() <-chan frames.Frame { return s.out }

func (s *CartesiaTTS) rotateContextID() string {
	s.ctxIDLock.Lock()
	defer s.ctxIDLock.Unlock()
	old := s.ctxID
	s.ctxID = uuid.NewString()
	return old
}

func (s *CartesiaTTS) contextID() string {
	s.ctxIDLock.Lock()
	defer s.ctxIDLock.Unlock()
	return s.ctxID
}

func (s *CartesiaTTS) writeLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.writeCh:
			payload := map[string]any{
				"context_id": s.contextID(),
				"model_id":   s.cfg.ModelID,
				"transcript": msg.text,
				"continue":   !msg.finalize,
				"language":   s.cfg.Language,
				"voice": map[string]any{
					"mode": "id",
					"id":   s.cfg.VoiceID,
				},
				"output_format": map[string]any{
					"container":   "raw",
					"encoding":    s.cfg.Encoding,
					"sample_rate": s.cfg.SampleRate,
				},
			}
			_ = s.send(payload)
		}
	}
}

func (s *CartesiaTTS) readLoop() {
	for {
		select {
		case <-s.ctx.Done():
			slog.Info("tts read loop exit",
				slog.String("stream_id", s.cfg.StreamID),
				slog.String("reason", "context_cancelled"))
			return
		default:
			_, data, err := s.conn.ReadMessage()
			if err != nil {
				slog.Error("tts read loop error",
					slog.String("stream_id", s.cfg.StreamID),
					slog.String("error", err.Error()))
				return
			}
			s.handleMessage(data)
		}
	}
}

func (s *CartesiaTTS) handleMessage(data []byte) {
	var msg struct {
		Type      string `json:"type"`
		Data      string `json:"data"`
		ContextID string `json:"context_id"`
		Error     string `json:"error"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Warn("tts websocket raw data", "data", string(data))
		return
	}
	switch msg.Type {
	case "chunk":
	case "done", "flush_done", "timestamps":
		return
	case "error":
		slog.Error("cartesia error",
			slog.String("stream_id", s.cfg.StreamID),
			slog.String("error", msg.Error))
		return
	default:
		slog.Debug("tts websocket message", "type", msg.Type)
		return
	}

	// Audio for a cancelled context can still be in flight; drop it.
	if msg.ContextID != "" && msg.ContextID != s.contextID() {
		return
	}

	raw, err := base64.StdEncoding.DecodeString(msg.Data)
	if err != nil {
		slog.Error("tts audio decode error", "error", err)
		return
	}

	meta := map[string]string{
		frames.MetaStreamID: s.cfg.StreamID,
		frames.MetaCallSID:  s.cfg.CallSID,
		frames.MetaSource:   "cartesia",
	}
	if s.cfg.Encoding == "pcm_mulaw" {
		meta[frames.MetaEncoding] = "mulaw"
		meta[frames.MetaCodec] = "ulaw"
		meta["sample_rate"] = strconv.Itoa(s.cfg.SampleRate)
		meta["channels"] = "1"
	}

	f := frames.NewAudioFrame(s.cfg.StreamID, time.Now().UnixNano(), raw, s.cfg.SampleRate, 1, meta)

	select {
	case s.out <- f:
		slog.Debug("tts audio frame emitted",
			slog.String("stream_id", s.cfg.StreamID),
			slog.Int("size_bytes", len(raw)))
	default:
		slog.Warn("tts output buffer full",
			slog.String("stream_id", s.cfg.StreamID))
	}
}

func (s *CartesiaTTS) send(payload map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, b)
}

var _ tts.StreamingTTS = (*CartesiaTTS)(nil)
