package twilio

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/moonbeamcoffee/moonbeam/pkg/frames"
	api "github.com/twilio/twilio-go/rest/api/v2010"
)

// signedRequest builds a POST form request carrying a valid
// X-Twilio-Signature for the transport's auth token.
func signedRequest(t *testing.T, tr *Transport, target string, form url.Values) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	params := map[string]string{}
	for k := range form {
		params[k] = form.Get(k)
	}
	req.Header.Set("X-Twilio-Signature", computeSignature(tr.cfg.AuthToken, tr.requestURL(req), params))
	return req
}

func TestSendStartInterruptionClearsBuffer(t *testing.T) {
	tr := New(Config{})
	sess := &session{sendCh: make(chan []byte, 1)}
	tr.mu.Lock()
	tr.sessions["stream-1"] = sess
	tr.mu.Unlock()

	cf := frames.NewControlFrame("stream-1", time.Now().UnixNano(), frames.ControlStartInterruption, map[string]string{})
	if err := tr.Send(cf); err != nil {
		t.Fatalf("send error: %v", err)
	}

	select {
	case msg := <-sess.sendCh:
		var payload map[string]any
		if err := json.Unmarshal(msg, &payload); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if evt, _ := payload["event"].(string); evt != "clear" {
			t.Fatalf("expected clear event, got %q", evt)
		}
	default:
		t.Fatalf("expected clear event to be enqueued")
	}
}

func TestHandleVoiceSignatureValidation(t *testing.T) {
	tr := New(Config{AuthToken: "token", PublicURL: "https://example.com", VoicePath: "/voice"})

	form := url.Values{}
	form.Set("CallSid", "CA123")
	form.Set("From", "+123")

	w := httptest.NewRecorder()
	tr.handleVoice(w, signedRequest(t, tr, "https://example.com/voice", form))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	reqInvalid := httptest.NewRequest(http.MethodPost, "https://example.com/voice", strings.NewReader(form.Encode()))
	reqInvalid.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	reqInvalid.Header.Set("X-Twilio-Signature", "invalid")
	wInvalid := httptest.NewRecorder()
	tr.handleVoice(wInvalid, reqInvalid)
	if wInvalid.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", wInvalid.Code)
	}
}

func TestHandleTTSWebhookSignatureValidation(t *testing.T) {
	tr := New(Config{AuthToken: "token", PublicURL: "https://example.com", TTSWebhookPath: "/tts/webhook"})

	req := httptest.NewRequest(http.MethodPost, "https://example.com/tts/webhook?stream_id=stream-1", nil)
	req.Header.Set("X-Twilio-Signature", computeSignature(tr.cfg.AuthToken, tr.requestURL(req), map[string]string{}))

	w := httptest.NewRecorder()
	tr.handleTTSWebhook(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	reqInvalid := httptest.NewRequest(http.MethodPost, "https://example.com/tts/webhook?stream_id=stream-1", nil)
	reqInvalid.Header.Set("X-Twilio-Signature", "invalid")
	wInvalid := httptest.NewRecorder()
	tr.handleTTSWebhook(wInvalid, reqInvalid)
	if wInvalid.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", wInvalid.Code)
	}
}

type stubCallUpdater struct {
	lastSID    string
	lastStatus string
	err        error
}

func (s *stubCallUpdater) UpdateCall(sid string, params *api.UpdateCallParams) (*api.ApiV2010Call, error) {
	s.lastSID = sid
	if params != nil && params.Status != nil {
		s.lastStatus = *params.Status
	}
	if s.err != nil {
		return nil, s.err
	}
	return &api.ApiV2010Call{}, nil
}

func TestHangup(t *testing.T) {
	tr := New(Config{AccountSID: "AC123", AuthToken: "token"})
	stub := &stubCallUpdater{}
	tr.updateClient = stub

	if err := tr.Hangup(context.Background(), "CA123"); err != nil {
		t.Fatalf("Hangup error: %v", err)
	}
	if stub.lastSID != "CA123" {
		t.Fatalf("expected call sid CA123, got %q", stub.lastSID)
	}
	if stub.lastStatus != "completed" {
		t.Fatalf("expected status completed, got %q", stub.lastStatus)
	}

	stub.err = errors.New("boom")
	if err := tr.Hangup(context.Background(), "CA123"); err == nil {
		t.Fatalf("expected error on update failure")
	}
}

func TestHandleStatusCallbackMapping(t *testing.T) {
	tr := New(Config{AuthToken: "token", PublicURL: "https://example.com", StatusCallbackPath: "/status"})
	streamID := "stream-1"
	callSID := "CA123"

	tr.mu.Lock()
	tr.callStreams[callSID] = streamID
	tr.sessions[streamID] = &session{sendCh: make(chan []byte, 1), callSID: callSID}
	tr.mu.Unlock()

	form := url.Values{}
	form.Set("CallSid", callSID)
	form.Set("CallStatus", "completed")

	w := httptest.NewRecorder()
	tr.handleStatusCallback(w, signedRequest(t, tr, "https://example.com/status", form))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	select {
	case frame := <-tr.Recv():
		sys, ok := frame.(frames.SystemFrame)
		if !ok {
			t.Fatalf("expected SystemFrame, got %T", frame)
		}
		if sys.Name() != "call_end" {
			t.Fatalf("expected call_end event, got %q", sys.Name())
		}
		meta := sys.Meta()
		if meta[frames.MetaCallEndReason] != "completed" {
			t.Fatalf("expected call_end_reason completed, got %q", meta[frames.MetaCallEndReason])
		}
		if meta[frames.MetaCallSID] != callSID {
			t.Fatalf("expected call_sid %q, got %q", callSID, meta[frames.MetaCallSID])
		}
	case <-time.After(1 * time.Second):
		t.Fatalf("expected call_end frame")
	}
}

func TestMetaForStreamStampsTelephonyKind(t *testing.T) {
	tr := New(Config{})
	tr.mu.Lock()
	tr.sessions["stream-1"] = &session{sendCh: make(chan []byte, 1), callSID: "CA123"}
	tr.mu.Unlock()

	meta := tr.metaForStream("stream-1")
	if meta[frames.MetaParticipantKind] != frames.ParticipantTelephony {
		t.Fatalf("expected telephony participant kind, got %q", meta[frames.MetaParticipantKind])
	}
	if meta[frames.MetaCallSID] != "CA123" {
		t.Fatalf("expected call sid on meta, got %q", meta[frames.MetaCallSID])
	}
}

func computeSignature(authToken, url string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	base := url
	for _, k := range keys {
		base += k + params[k]
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	_, _ = mac.Write([]byte(base))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
