package twilio

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/moonbeamcoffee/moonbeam/pkg/errorsx"
	"github.com/moonbeamcoffee/moonbeam/pkg/frames"
	"github.com/moonbeamcoffee/moonbeam/pkg/transports"
	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	api "github.com/twilio/twilio-go/rest/api/v2010"
)

type Config struct {
	ServerAddr         string   `mapstructure:"server_addr"`
	PublicURL          string   `mapstructure:"public_url"`
	AuthToken          string   `mapstructure:"auth_token"`
	AccountSID         string   `mapstructure:"account_sid"`
	VoicePath          string   `mapstructure:"voice_path"`
	WebsocketPath      string   `mapstructure:"ws_path"`
	TTSWebhookPath     string   `mapstructure:"tts_webhook_path"`
	StatusCallbackPath string   `mapstructure:"status_callback_path"`
	VoiceGreeting      string   `mapstructure:"voice_greeting"`
	AllowAnyOrigin     bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins     []string `mapstructure:"allowed_origins"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.VoicePath == "" {
		c.VoicePath = "/voice"
	}
	if c.WebsocketPath == "" {
		c.WebsocketPath = "/ws"
	}
	if c.TTSWebhookPath == "" {
		c.TTSWebhookPath = "/tts/webhook"
	}
	if c.StatusCallbackPath == "" {
		c.StatusCallbackPath = "/status"
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

// Transport bridges Twilio Media Streams to the frame pipeline. The
// voice webhook answers with TwiML that opens a websocket back to us;
// each websocket carries one media stream of mu-law audio both ways.
// Frames entering the pipeline are stamped as telephony participants
// so downstream noise suppression picks the narrowband path.
type Transport struct {
	cfg      Config
	server   *http.Server
	upgrader websocket.Upgrader
	recvCh   chan frames.Frame

	updateClient callUpdater

	mu          sync.Mutex
	sessions    map[string]*session
	callStreams map[string]string

	draining atomic.Bool
}

// callUpdater narrows the Twilio REST client to the one call we make,
// so Hangup is testable without credentials.
type callUpdater interface {
	UpdateCall(sid string, params *api.UpdateCallParams) (*api.ApiV2010Call, error)
}

func New(cfg Config) *Transport {
	cfg = cfg.withDefaults()
	t := &Transport{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		recvCh:      make(chan frames.Frame, 512),
		sessions:    make(map[string]*session),
		callStreams: make(map[string]string),
	}
	t.upgrader.CheckOrigin = t.checkOrigin
	return t
}

func (t *Transport) Name() string { return "twilio" }

func (t *Transport) Recv() <-chan frames.Frame { return t.recvCh }

func (t *Transport) ReadyFields() map[string]any {
	return map[string]any{
		"webhook_url":         t.externalURL(t.cfg.VoicePath),
		"status_callback_url": t.externalURL(t.cfg.StatusCallbackPath),
	}
}

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	mux := http.NewServeMux()
	mux.HandleFunc(t.cfg.VoicePath, t.handleVoice)
	mux.Handle(t.cfg.WebsocketPath, t)
	mux.HandleFunc(t.cfg.TTSWebhookPath, t.handleTTSWebhook)
	mux.HandleFunc(t.cfg.StatusCallbackPath, t.handleStatusCallback)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	t.server = &http.Server{
		Addr:              t.cfg.ServerAddr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           mux,
	}
	go func() {
		<-ctx.Done()
		_ = t.server.Close()
	}()
	go func() {
		if err := t.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("twilio_transport_server_error", "error", err.Error())
		}
	}()
	return nil
}

func (t *Transport) Stop() error {
	t.draining.Store(true)
	if t.server != nil {
		_ = t.server.Close()
	}
	t.mu.Lock()
	for _, sess := range t.sessions {
		_ = sess.close()
	}
	t.sessions = make(map[string]*session)
	t.mu.Unlock()
	close(t.recvCh)
	return nil
}

// ServeHTTP is the media stream websocket endpoint. One connection
// serves one stream; the loop ends when Twilio sends stop or the
// socket breaks.
func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var streamID string
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var evt StreamEvent
		if err := json.Unmarshal(msg, &evt); err != nil {
			continue
		}
		switch evt.Event {
		case "start":
			if evt.Start != nil {
				streamID = evt.Start.StreamID
				t.handleStart(evt.Start, conn)
			}
		case "media":
			if evt.Media != nil {
				t.handleMedia(streamID, evt.Media)
			}
		case "stop":
			t.handleStop(streamID, evt.Stop)
			return
		}
	}
	// Socket died without a stop event.
	if streamID != "" {
		meta := t.metaForStream(streamID)
		meta[frames.MetaCallEndReason] = normalizeCallEndReason("transport_closed")
		t.emit(frames.NewSystemFrame(streamID, time.Now().UnixNano(), "call_end", meta))
		t.detach(streamID)
	}
}

func (t *Transport) handleStart(start *StreamStart, conn *websocket.Conn) {
	streamID := start.StreamID
	traceID := uuid.NewString()
	oldStream, oldSess := t.attach(streamID, start.CallSID, traceID, start.From, conn)
	if oldSess != nil {
		_ = oldSess.close()
	}
	meta := map[string]string{
		frames.MetaStreamID:        streamID,
		frames.MetaCallSID:         start.CallSID,
		frames.MetaTraceID:         traceID,
		frames.MetaFromNumber:      start.From,
		frames.MetaParticipantKind: frames.ParticipantTelephony,
		frames.MetaSource:          "transport",
	}
	t.emit(frames.NewSystemFrame(streamID, time.Now().UnixNano(), "call_start", meta))
	if oldStream != "" {
		reconnectMeta := map[string]string{
			frames.MetaStreamID:    streamID,
			frames.MetaCallSID:     start.CallSID,
			frames.MetaTraceID:     traceID,
			frames.MetaOldStreamID: oldStream,
			frames.MetaSource:      "transport",
		}
		t.emit(frames.NewSystemFrame(streamID, time.Now().UnixNano(), "call_reconnect", reconnectMeta))
	}
}

func (t *Transport) handleMedia(streamID string, media *StreamMedia) {
	payload, err := base64.StdEncoding.DecodeString(media.Payload)
	if err != nil {
		return
	}
	meta := t.metaForStream(streamID)
	meta[frames.MetaEncoding] = "mulaw"
	meta[frames.MetaCodec] = "ulaw"
	meta[frames.MetaFormat] = "ulaw_8000_1ch_8bit"
	t.emit(frames.NewAudioFrame(streamID, time.Now().UnixNano(), payload, 8000, 1, meta))
}

func (t *Transport) handleStop(streamID string, stop *StreamStop) {
	meta := t.metaForStream(streamID)
	reason := ""
	if stop != nil {
		reason = normalizeCallEndReason(stop.Reason)
	}
	if reason == "" {
		reason = "completed"
	}
	meta[frames.MetaCallEndReason] = reason
	t.emit(frames.NewSystemFrame(streamID, time.Now().UnixNano(), "call_end", meta))
	t.detach(streamID)
}

func (t *Transport) Send(f frames.Frame) error {
	if f.Kind() == frames.KindControl {
		cf := f.(frames.ControlFrame)
		streamID := cf.Meta()[frames.MetaStreamID]
		switch cf.Code() {
		case frames.ControlFallback:
			return t.sendFallback(streamID)
		case frames.ControlFlush, frames.ControlCancel, frames.ControlStartInterruption:
			return t.clearBuffer(streamID)
		default:
			return nil
		}
	}
	if f.Kind() != frames.KindAudio {
		return nil
	}
	af := f.(frames.AudioFrame)
	streamID := af.Meta()[frames.MetaStreamID]
	sess := t.session(streamID)
	if sess == nil {
		return nil
	}
	return sess.enqueue(mediaMessage(streamID, af.RawPayload()))
}

// Dial places an outbound call through the Twilio REST API.
func (t *Transport) Dial(ctx context.Context, to, from, url string) (string, error) {
	return NewDialer(t.cfg).Dial(ctx, to, from, url)
}

func (t *Transport) DialWithOptions(ctx context.Context, to, from, url string, opts transports.DialOptions) (string, error) {
	return NewDialer(t.cfg).DialWithOptions(ctx, to, from, url, opts)
}

// Hangup ends an active call by setting its status to completed.
func (t *Transport) Hangup(ctx context.Context, callSID string) error {
	_ = ctx
	if strings.TrimSpace(callSID) == "" {
		return errors.New("call sid required")
	}
	if t.cfg.AccountSID == "" || t.cfg.AuthToken == "" {
		return errors.New("missing twilio credentials")
	}
	updater := t.updateClient
	if updater == nil {
		rest := twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: t.cfg.AccountSID,
			Password: t.cfg.AuthToken,
		})
		updater = rest.Api
	}
	params := &api.UpdateCallParams{}
	params.SetStatus("completed")
	_, err := updater.UpdateCall(callSID, params)
	return err
}

func (t *Transport) handleVoice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !t.authorize(r, "twilio_invalid_signature") {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	wsURL := t.websocketURL(r)
	var twiml string
	if greeting := strings.TrimSpace(t.cfg.VoiceGreeting); greeting != "" {
		twiml = `<Response><Say>` + xmlEscape(greeting) + `</Say><Connect><Stream url="` + wsURL + `"/></Connect></Response>`
	} else {
		twiml = `<Response><Connect><Stream url="` + wsURL + `"/></Connect></Response>`
	}
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(twiml))
}

// handleTTSWebhook converts the synthesis vendor's "audio ready"
// callback into an audio_ready control frame for the stream named in
// the query, falling back to the only live stream when unnamed.
func (t *Transport) handleTTSWebhook(w http.ResponseWriter, r *http.Request) {
	if !t.authorize(r, "twilio_tts_webhook_invalid_signature") {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	streamID := r.URL.Query().Get("stream_id")
	if streamID == "" {
		t.mu.Lock()
		if len(t.sessions) == 1 {
			for id := range t.sessions {
				streamID = id
			}
		}
		t.mu.Unlock()
	}
	if streamID != "" {
		t.emit(frames.NewControlFrame(streamID, time.Now().UnixNano(), frames.ControlAudioReady, t.metaForStream(streamID)))
	}
	w.WriteHeader(http.StatusOK)
}

// handleStatusCallback catches call teardown that never reaches the
// websocket, like a caller hanging up while Twilio is still ringing us.
func (t *Transport) handleStatusCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !t.authorize(r, "twilio_status_invalid_signature") {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	callSID := r.FormValue("CallSid")
	reason := normalizeCallEndReason(r.FormValue("CallStatus"))
	if reason == "" || callSID == "" {
		w.WriteHeader(http.StatusOK)
		return
	}
	streamID := t.streamForCall(callSID)
	if streamID == "" {
		w.WriteHeader(http.StatusOK)
		return
	}
	meta := t.metaForStream(streamID)
	meta[frames.MetaCallEndReason] = reason
	t.emit(frames.NewSystemFrame(streamID, time.Now().UnixNano(), "call_end", meta))
	t.detach(streamID)
	w.WriteHeader(http.StatusOK)
}

func (t *Transport) authorize(r *http.Request, logEvent string) bool {
	if t.cfg.AuthToken == "" {
		return true
	}
	if t.validateTwilioRequest(r) {
		return true
	}
	slog.Warn(logEvent, "reason_code", string(errorsx.ReasonTransportInvalidSignature))
	return false
}

func (t *Transport) websocketURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		return "wss://" + stripScheme(t.cfg.PublicURL) + t.cfg.WebsocketPath
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(t.cfg.ServerAddr, ":")
	}
	return "wss://" + host + t.cfg.WebsocketPath
}

// externalURL renders the address Twilio should be configured to call
// for a given path.
func (t *Transport) externalURL(path string) string {
	if t.cfg.PublicURL != "" {
		return "https://" + stripScheme(t.cfg.PublicURL) + path
	}
	addr := t.cfg.ServerAddr
	if addr == "" {
		addr = ":8080"
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + path
}

// attach registers a session for streamID. When the call already had a
// stream (websocket reconnect), the previous session is returned for
// closing and its stream ID reported so the pipeline can migrate
// state.
func (t *Transport) attach(streamID, callSID, traceID, from string, conn *websocket.Conn) (string, *session) {
	sess := &session{
		conn:    conn,
		sendCh:  make(chan []byte, 256),
		callSID: callSID,
		traceID: traceID,
		from:    from,
	}
	var oldStream string
	var oldSess *session
	t.mu.Lock()
	if callSID != "" {
		if existing := t.callStreams[callSID]; existing != "" && existing != streamID {
			oldStream = existing
			oldSess = t.sessions[existing]
			delete(t.sessions, existing)
		}
		t.callStreams[callSID] = streamID
	}
	t.sessions[streamID] = sess
	t.mu.Unlock()
	go sess.loop()
	return oldStream, oldSess
}

func (t *Transport) detach(streamID string) {
	t.mu.Lock()
	sess := t.sessions[streamID]
	delete(t.sessions, streamID)
	if sess != nil && sess.callSID != "" && t.callStreams[sess.callSID] == streamID {
		delete(t.callStreams, sess.callSID)
	}
	t.mu.Unlock()
	if sess != nil {
		_ = sess.close()
	}
}

func (t *Transport) session(streamID string) *session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessions[streamID]
}

func (t *Transport) streamForCall(callSID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.callStreams[callSID]
}

func (t *Transport) metaForStream(streamID string) map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	meta := map[string]string{
		frames.MetaStreamID:        streamID,
		frames.MetaParticipantKind: frames.ParticipantTelephony,
	}
	if sess := t.sessions[streamID]; sess != nil {
		if sess.callSID != "" {
			meta[frames.MetaCallSID] = sess.callSID
		}
		if sess.traceID != "" {
			meta[frames.MetaTraceID] = sess.traceID
		}
		if sess.from != "" {
			meta[frames.MetaFromNumber] = sess.from
		}
	}
	return meta
}

func (t *Transport) clearBuffer(streamID string) error {
	sess := t.session(streamID)
	if sess == nil {
		return nil
	}
	return sess.enqueue(map[string]any{
		"event":     "clear",
		"streamSid": streamID,
	})
}

// sendFallback plays a beat of silence so the caller hears the line is
// still alive while the pipeline recovers.
func (t *Transport) sendFallback(streamID string) error {
	sess := t.session(streamID)
	if sess == nil {
		return nil
	}
	for _, chunk := range fallbackMuLawFrames() {
		_ = sess.enqueue(mediaMessage(streamID, chunk))
	}
	return nil
}

func mediaMessage(streamID string, payload []byte) map[string]any {
	return map[string]any{
		"event":     "media",
		"streamSid": streamID,
		"media": map[string]any{
			"payload": base64.StdEncoding.EncodeToString(payload),
		},
	}
}

func (t *Transport) validateTwilioRequest(r *http.Request) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" || t.cfg.AuthToken == "" {
		return false
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return false
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))

	validator := twilioclient.NewRequestValidator(t.cfg.AuthToken)
	return validator.ValidateBody(t.requestURL(r), body, signature)
}

// requestURL reconstructs the URL Twilio signed. Behind a proxy the
// public URL is authoritative; otherwise trust the forwarded proto.
func (t *Transport) requestURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		return strings.TrimRight(t.cfg.PublicURL, "/") + r.URL.RequestURI()
	}
	scheme := r.URL.Scheme
	if scheme == "" {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		} else {
			scheme = "https"
		}
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(t.cfg.ServerAddr, ":")
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

func (t *Transport) checkOrigin(r *http.Request) bool {
	if t.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://")
	for _, allowed := range t.cfg.AllowedOrigins {
		a := strings.TrimRight(strings.TrimSpace(allowed), "/")
		if a == "" {
			continue
		}
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}

func xmlEscape(in string) string {
	return strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		"\"", "&quot;",
		"'", "&apos;",
	).Replace(in)
}

// normalizeCallEndReason folds Twilio call statuses into the small
// reason vocabulary the pipeline logs. Empty means "not an end".
func normalizeCallEndReason(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "queued", "ringing", "in-progress", "inprogress":
		return ""
	case "completed", "call_ended", "call-ended", "completed_by_user", "hangup":
		return "completed"
	case "busy":
		return "busy"
	case "no_answer", "noanswer", "no-answer":
		return "no_answer"
	case "failed", "error", "canceled", "cancelled", "transport_closed":
		return "failed"
	default:
		return "unknown"
	}
}

func (t *Transport) emit(f frames.Frame) {
	select {
	case t.recvCh <- f:
	default:
	}
}

// session is one live media stream websocket plus the caller identity
// learned from its start event. Writes go through a queue so a slow
// socket never blocks the pipeline.
type session struct {
	conn    *websocket.Conn
	sendCh  chan []byte
	callSID string
	traceID string
	from    string
	closed  atomic.Bool
}

func (s *session) enqueue(msg map[string]any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case s.sendCh <- b:
	default:
	}
	return nil
}

func (s *session) loop() {
	for msg := range s.sendCh {
		_ = s.conn.WriteMessage(websocket.TextMessage, msg)
	}
}

func (s *session) close() error {
	if s.closed.CompareAndSwap(false, true) {
		close(s.sendCh)
	}
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// Wire shapes of the Media Streams websocket protocol.

type StreamStart struct {
	CallSID  string `json:"callSid"`
	StreamID string `json:"streamSid"`
	From     string `json:"from"`
}

type StreamMedia struct {
	Payload string `json:"payload"`
}

type StreamStop struct {
	Reason string `json:"reason"`
}

type StreamEvent struct {
	Event string       `json:"event"`
	Start *StreamStart `json:"start,omitempty"`
	Media *StreamMedia `json:"media,omitempty"`
	Stop  *StreamStop  `json:"stop,omitempty"`
}

func stripScheme(v string) string {
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	return strings.TrimRight(v, "/")
}

var (
	fallbackMuLawOnce sync.Once
	fallbackMuLaw     [][]byte
)

func fallbackMuLawFrames() [][]byte {
	fallbackMuLawOnce.Do(func() {
		silence := bytes.Repeat([]byte{0xFF}, 160*5)
		for i := 0; i < len(silence); i += 160 {
			fallbackMuLaw = append(fallbackMuLaw, silence[i:i+160])
		}
	})
	return fallbackMuLaw
}
