// Package deepgram streams caller audio to Deepgram's live
// transcription websocket and turns its events into pipeline frames.
package deepgram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/moonbeamcoffee/moonbeam/pkg/adapters/stt"
	"github.com/moonbeamcoffee/moonbeam/pkg/frames"
	"github.com/moonbeamcoffee/moonbeam/pkg/logging"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

type Config struct {
	APIKey           string
	Model            string
	Language         string
	SampleRate       int
	Encoding         string
	Interim          bool
	VADEvents        bool
	EchoCancellation bool
	UtteranceEndMS   int
	StreamID         string
	CallSID          string
	TraceID          string
}

// StreamingSTT bridges an io.Pipe of raw audio into the Deepgram SDK
// and fans transcript and VAD events out on Results.
type StreamingSTT struct {
	cfg        Config
	dgClient   *client.WSCallback
	out        chan frames.Frame
	ctx        context.Context
	cancel     context.CancelFunc
	pipeReader *io.PipeReader
	pipeWriter *io.PipeWriter
	metaLogged bool
	logger     *slog.Logger
}

func New(cfg Config) *StreamingSTT {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	logger := logging.NewComponentLogger(slog.Default(), "deepgram_stt").With(
		slog.String("stream_id", cfg.StreamID),
		slog.String("call_sid", cfg.CallSID))
	return &StreamingSTT{
		cfg:    cfg,
		out:    make(chan frames.Frame, 256),
		logger: logger,
	}
}

func (s *StreamingSTT) Name() string { return "deepgram_streaming" }

func (s *StreamingSTT) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.pipeReader, s.pipeWriter = io.Pipe()

	opts := &interfaces.LiveTranscriptionOptions{
		Model:          s.cfg.Model,
		Language:       s.cfg.Language,
		Encoding:       s.cfg.Encoding,
		SampleRate:     s.cfg.SampleRate,
		InterimResults: s.cfg.Interim,
		VadEvents:      s.cfg.VADEvents,
		SmartFormat:    true,
	}
	if s.cfg.UtteranceEndMS > 0 {
		opts.UtteranceEndMs = strconv.Itoa(s.cfg.UtteranceEndMS)
	}
	// The v3 SDK has no switch for echo cancellation; telephony audio
	// relies on the upstream noise gate instead.
	if s.cfg.EchoCancellation {
		s.logger.Debug("echo_cancellation_requested", slog.String("note", "not supported by sdk"))
	}

	s.logger.Info("deepgram_connecting",
		slog.String("model", s.cfg.Model),
		slog.Bool("vad_events", s.cfg.VADEvents),
		slog.Int("utterance_end_ms", s.cfg.UtteranceEndMS),
		slog.Int("sample_rate", s.cfg.SampleRate))

	dgClient, err := client.NewWSUsingCallback(s.ctx, s.cfg.APIKey, &interfaces.ClientOptions{EnableKeepAlive: true}, opts, &callback{parent: s})
	if err != nil {
		s.logger.Error("deepgram_client_create_error", slog.String("error", err.Error()))
		return err
	}
	s.dgClient = dgClient

	if connected := s.dgClient.Connect(); !connected {
		s.logger.Error("deepgram_connect_failed")
		return fmt.Errorf("deepgram connection failed")
	}
	s.logger.Info("deepgram_connected", slog.String("model", s.cfg.Model))

	go func() {
		if err := s.dgClient.Stream(s.pipeReader); err != nil && s.ctx.Err() == nil {
			s.logger.Error("deepgram_stream_error", slog.String("error", err.Error()))
		}
	}()
	return nil
}

func (s *StreamingSTT) Close() error {
	s.logger.Info("deepgram_closing")
	if s.cancel != nil {
		s.cancel()
	}
	if s.pipeWriter != nil {
		_ = s.pipeWriter.Close()
	}
	if s.dgClient != nil {
		s.dgClient.Stop()
	}
	return nil
}

func (s *StreamingSTT) SendAudio(frame frames.AudioFrame) error {
	if s.pipeWriter == nil {
		return fmt.Errorf("not started")
	}
	if _, err := s.pipeWriter.Write(frame.RawPayload()); err != nil {
		s.logger.Error("deepgram_send_audio_error", slog.String("error", err.Error()))
		return err
	}
	return nil
}

func (s *StreamingSTT) Results() <-chan frames.Frame { return s.out }

// callback receives Deepgram websocket events on the SDK's goroutine.
type callback struct {
	parent *StreamingSTT
}

// baseMeta stamps stream identity so downstream processors can route
// the frame without consulting the transport.
func (c *callback) baseMeta() map[string]string {
	meta := map[string]string{
		frames.MetaStreamID: c.parent.cfg.StreamID,
		frames.MetaCallSID:  c.parent.cfg.CallSID,
		frames.MetaSource:   "stt",
	}
	if c.parent.cfg.TraceID != "" {
		meta[frames.MetaTraceID] = c.parent.cfg.TraceID
	}
	return meta
}

// emitFlush sends an end-of-speech control frame. Dropping on a full
// channel is deliberate: a stale flush is worse than a missed one.
func (c *callback) emitFlush(reason string) {
	meta := c.baseMeta()
	meta[frames.MetaReason] = reason
	f := frames.NewControlFrame(c.parent.cfg.StreamID, time.Now().UnixNano(), frames.ControlFlush, meta)
	select {
	case c.parent.out <- f:
	default:
		c.parent.logger.Warn("deepgram_flush_dropped", slog.String("reason", reason))
	}
}

func (c *callback) Open(or *msginterfaces.OpenResponse) error {
	c.parent.logger.Info("deepgram_connection_opened")
	return nil
}

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	transcript := mr.Channel.Alternatives[0].Transcript
	if transcript == "" {
		return nil
	}

	isFinal := mr.IsFinal || mr.SpeechFinal
	meta := c.baseMeta()
	meta[frames.MetaIsFinal] = strconv.FormatBool(isFinal)

	c.parent.logger.Debug("transcript_received",
		slog.String("transcript", transcript),
		slog.Bool("is_final", isFinal))

	f := frames.NewTextFrame(c.parent.cfg.StreamID, time.Now().UnixNano(), transcript, meta)
	select {
	case c.parent.out <- f:
	default:
		c.parent.logger.Warn("deepgram_out_channel_full")
	}

	if isFinal {
		c.emitFlush("speech_final")
	}
	return nil
}

func (c *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	if !c.parent.metaLogged {
		c.parent.metaLogged = true
		c.parent.logger.Info("deepgram_metadata_received", slog.String("request_id", md.RequestID))
	}
	return nil
}

func (c *callback) SpeechStarted(ssr *msginterfaces.SpeechStartedResponse) error {
	c.parent.logger.Info("speech_started_event")
	c.emitFlush("speech_started")
	return nil
}

func (c *callback) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	c.parent.logger.Info("utterance_end_event",
		slog.Int("utterance_end_ms", c.parent.cfg.UtteranceEndMS))
	c.emitFlush("utterance_end")
	return nil
}

func (c *callback) Close(cr *msginterfaces.CloseResponse) error {
	c.parent.logger.Info("deepgram_connection_closed")
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	c.parent.logger.Error("deepgram_error",
		slog.String("error_code", er.ErrCode),
		slog.String("error_message", er.ErrMsg))
	return nil
}

func (c *callback) UnhandledEvent(byData []byte) error {
	c.parent.logger.Debug("deepgram_unhandled_event", slog.String("data", string(byData)))
	return nil
}

var _ stt.StreamingSTT = (*StreamingSTT)(nil)
