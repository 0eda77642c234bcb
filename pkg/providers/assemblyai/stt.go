package assemblyai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/moonbeamcoffee/moonbeam/pkg/adapters/stt"
	"github.com/moonbeamcoffee/moonbeam/pkg/frames"
	"github.com/moonbeamcoffee/moonbeam/pkg/logging"
	"github.com/moonbeamcoffee/moonbeam/pkg/resilience"
)

const endpoint = "wss://streaming.assemblyai.com/v3/ws"

type Config struct {
	APIKey      string
	SampleRate  int
	Encoding    string // pcm_s16le or pcm_mulaw
	FormatTurns bool
	StreamID    string
	CallSID     string
	TraceID     string
}

// StreamingSTT speaks the AssemblyAI universal-streaming v3 protocol.
// Endpointing is native: each Turn message carries end_of_turn, which we map
// to a flush control frame so the turn manager can hand off to the LLM.
type StreamingSTT struct {
	cfg     Config
	conn    *websocket.Conn
	out     chan frames.Frame
	audioCh chan []byte
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	logger  *slog.Logger
}

type turnMessage struct {
	Type            string  `json:"type"`
	Transcript      string  `json:"transcript"`
	EndOfTurn       bool    `json:"end_of_turn"`
	TurnIsFormatted bool    `json:"turn_is_formatted"`
	Confidence      float64 `json:"end_of_turn_confidence"`
}

func New(cfg Config) *StreamingSTT {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Encoding == "" {
		cfg.Encoding = "pcm_s16le"
	}
	return &StreamingSTT{
		cfg:     cfg,
		out:     make(chan frames.Frame, 256),
		audioCh: make(chan []byte, 512),
		logger:  logging.NewComponentLogger(slog.Default(), "assemblyai_stt"),
	}
}

func (s *StreamingSTT) Name() string { return "assemblyai_streaming" }

func (s *StreamingSTT) Start(ctx context.Context) error {
	if s.cfg.APIKey == "" {
		return errors.New("missing assemblyai api key")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	params := url.Values{}
	params.Set("sample_rate", strconv.Itoa(s.cfg.SampleRate))
	params.Set("encoding", s.cfg.Encoding)
	params.Set("format_turns", strconv.FormatBool(s.cfg.FormatTurns))

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
	}
	headers := http.Header{"Authorization": []string{s.cfg.APIKey}}

	s.logger.Info("initializing assemblyai connection",
		slog.String("stream_id", s.cfg.StreamID),
		slog.String("call_sid", s.cfg.CallSID),
		slog.String("encoding", s.cfg.Encoding),
		slog.Int("sample_rate", s.cfg.SampleRate))

	conn, resp, err := dialer.Dial(endpoint+"?"+params.Encode(), headers)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return resilience.RateLimitError{Provider: "assemblyai", Message: resp.Status}
		}
		s.logger.Error("assemblyai_connect_failed",
			slog.String("stream_id", s.cfg.StreamID),
			slog.String("error", err.Error()))
		return fmt.Errorf("assemblyai dial: %w", err)
	}
	s.conn = conn

	s.logger.Info("assemblyai_connected",
		slog.String("stream_id", s.cfg.StreamID),
		slog.String("call_sid", s.cfg.CallSID))

	go s.readLoop()
	go s.writeLoop()
	return nil
}

func (s *StreamingSTT) Close() error {
	s.logger.Info("closing assemblyai connection",
		slog.String("stream_id", s.cfg.StreamID))
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.WriteJSON(map[string]string{"type": "Terminate"})
		return s.conn.Close()
	}
	return nil
}

func (s *StreamingSTT) SendAudio(frame frames.AudioFrame) error {
	if s.conn == nil {
		return errors.New("not started")
	}
	select {
	case s.audioCh <- frame.RawPayload():
		return nil
	default:
		s.logger.Warn("assemblyai_audio_buffer_full",
			slog.String("stream_id", s.cfg.StreamID))
		return nil
	}
}

func (s *StreamingSTT) Results() <-chan frames.Frame { return s.out }

func (s *StreamingSTT) writeLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case data := <-s.audioCh:
			s.mu.Lock()
			conn := s.conn
			s.mu.Unlock()
			if conn == nil {
				return
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				if s.ctx.Err() == nil {
					s.logger.Error("assemblyai_send_error",
						slog.String("stream_id", s.cfg.StreamID),
						slog.String("error", err.Error()))
				}
				return
			}
		}
	}
}

func (s *StreamingSTT) readLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
			_, message, err := s.conn.ReadMessage()
			if err != nil {
				if s.ctx.Err() == nil {
					s.logger.Error("assemblyai_read_error",
						slog.String("stream_id", s.cfg.StreamID),
						slog.String("error", err.Error()))
				}
				return
			}
			s.handleMessage(message)
		}
	}
}

func (s *StreamingSTT) handleMessage(message []byte) {
	var base struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(message, &base); err != nil {
		s.logger.Warn("assemblyai_bad_message", slog.String("data", string(message)))
		return
	}
	switch base.Type {
	case "Begin":
		var msg struct {
			ID        string `json:"id"`
			ExpiresAt int64  `json:"expires_at"`
		}
		_ = json.Unmarshal(message, &msg)
		s.logger.Info("assemblyai_session_began",
			slog.String("stream_id", s.cfg.StreamID),
			slog.String("session_id", msg.ID))
	case "Turn":
		var msg turnMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			return
		}
		s.emitTurn(msg)
	case "Termination":
		s.logger.Info("assemblyai_session_terminated",
			slog.String("stream_id", s.cfg.StreamID))
	case "Error":
		var msg struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(message, &msg)
		s.logger.Error("assemblyai_error",
			slog.String("stream_id", s.cfg.StreamID),
			slog.String("error", msg.Error))
	default:
		s.logger.Debug("assemblyai_unhandled_event",
			slog.String("stream_id", s.cfg.StreamID),
			slog.String("type", base.Type))
	}
}

func (s *StreamingSTT) emitTurn(msg turnMessage) {
	if msg.Transcript == "" {
		return
	}
	// With format_turns enabled the provider sends the turn twice: once raw
	// with end_of_turn set, then formatted. Only the formatted one is final.
	isFinal := msg.EndOfTurn && (!s.cfg.FormatTurns || msg.TurnIsFormatted)

	meta := map[string]string{
		frames.MetaStreamID: s.cfg.StreamID,
		frames.MetaCallSID:  s.cfg.CallSID,
		frames.MetaSource:   "stt",
		frames.MetaIsFinal:  strconv.FormatBool(isFinal),
	}
	if s.cfg.TraceID != "" {
		meta[frames.MetaTraceID] = s.cfg.TraceID
	}

	s.logger.Debug("transcript_received",
		slog.String("stream_id", s.cfg.StreamID),
		slog.String("transcript", msg.Transcript),
		slog.Bool("is_final", isFinal))

	f := frames.NewTextFrame(s.cfg.StreamID, time.Now().UnixNano(), msg.Transcript, meta)
	select {
	case s.out <- f:
	default:
		s.logger.Warn("assemblyai_out_channel_full",
			slog.String("stream_id", s.cfg.StreamID))
	}

	if isFinal {
		flushMeta := map[string]string{
			frames.MetaStreamID: s.cfg.StreamID,
			frames.MetaCallSID:  s.cfg.CallSID,
			frames.MetaSource:   "stt",
			frames.MetaReason:   "end_of_turn",
		}
		if s.cfg.TraceID != "" {
			flushMeta[frames.MetaTraceID] = s.cfg.TraceID
		}
		s.logger.Info("emitting_end_of_turn_flush",
			slog.String("stream_id", s.cfg.StreamID))
		ff := frames.NewControlFrame(s.cfg.StreamID, time.Now().UnixNano(), frames.ControlFlush, flushMeta)
		select {
		case s.out <- ff:
		default:
		}
	}
}

var _ stt.StreamingSTT = (*StreamingSTT)(nil)
