package processors

import (
	"math"
	"testing"
	"time"

	"github.com/moonbeamcoffee/moonbeam/pkg/frames"
)

func TestDenoiseLatchesProfileFromParticipantKind(t *testing.T) {
	p := NewDenoiseProcessor()

	telMeta := map[string]string{
		frames.MetaStreamID:        "stream-tel",
		frames.MetaParticipantKind: frames.ParticipantTelephony,
	}
	webMeta := map[string]string{
		frames.MetaStreamID:        "stream-web",
		frames.MetaParticipantKind: frames.ParticipantWeb,
	}
	if _, err := p.Process(frames.NewSystemFrame("stream-tel", time.Now().UnixNano(), "call_start", telMeta)); err != nil {
		t.Fatalf("process error: %v", err)
	}
	if _, err := p.Process(frames.NewSystemFrame("stream-web", time.Now().UnixNano(), "call_start", webMeta)); err != nil {
		t.Fatalf("process error: %v", err)
	}

	if got := p.ProfileFor("stream-tel"); got != "telephony" {
		t.Fatalf("expected telephony profile, got %q", got)
	}
	if got := p.ProfileFor("stream-web"); got != "wideband" {
		t.Fatalf("expected wideband profile, got %q", got)
	}
}

func TestDenoiseUnknownKindDefaultsToWideband(t *testing.T) {
	p := NewDenoiseProcessor()
	meta := map[string]string{frames.MetaStreamID: "stream-1"}
	af := frames.NewAudioFrame("stream-1", 0, pcmPayload(loudTone(160)), 16000, 1, meta)
	if _, err := p.Process(af); err != nil {
		t.Fatalf("process error: %v", err)
	}
	if got := p.ProfileFor("stream-1"); got != "wideband" {
		t.Fatalf("expected wideband profile, got %q", got)
	}
}

func TestDenoisePassesSpeechUnchanged(t *testing.T) {
	p := NewDenoiseProcessor()
	meta := map[string]string{
		frames.MetaStreamID:        "stream-1",
		frames.MetaParticipantKind: frames.ParticipantWeb,
	}
	payload := pcmPayload(loudTone(160))
	af := frames.NewAudioFrame("stream-1", 0, payload, 16000, 1, meta)
	out, err := p.Process(af)
	if err != nil {
		t.Fatalf("process error: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(out))
	}
	got := out[0].(frames.AudioFrame).RawPayload()
	if len(got) != len(payload) {
		t.Fatalf("payload length changed: %d vs %d", len(got), len(payload))
	}
	for i := range got {
		if got[i] != payload[i] {
			t.Fatalf("speech frame was modified at byte %d", i)
		}
	}
}

func TestDenoiseAttenuatesNoiseFloor(t *testing.T) {
	p := NewDenoiseProcessor()
	meta := map[string]string{
		frames.MetaStreamID:        "stream-1",
		frames.MetaParticipantKind: frames.ParticipantWeb,
	}
	quiet := make([]int16, 160)
	for i := range quiet {
		quiet[i] = 50
	}
	af := frames.NewAudioFrame("stream-1", 0, pcmPayload(quiet), 16000, 1, meta)
	out, err := p.Process(af)
	if err != nil {
		t.Fatalf("process error: %v", err)
	}
	got := out[0].(frames.AudioFrame).RawPayload()
	samples := decodeSamples(got, false)
	for i, s := range samples {
		if s > 20 || s < -20 {
			t.Fatalf("sample %d not attenuated: %d", i, s)
		}
	}
}

func TestDenoiseCallEndClearsState(t *testing.T) {
	p := NewDenoiseProcessor()
	meta := map[string]string{
		frames.MetaStreamID:        "stream-1",
		frames.MetaParticipantKind: frames.ParticipantTelephony,
	}
	if _, err := p.Process(frames.NewSystemFrame("stream-1", time.Now().UnixNano(), "call_start", meta)); err != nil {
		t.Fatalf("process error: %v", err)
	}
	if _, err := p.Process(frames.NewSystemFrame("stream-1", time.Now().UnixNano(), "call_end", meta)); err != nil {
		t.Fatalf("process error: %v", err)
	}
	if got := p.ProfileFor("stream-1"); got != "" {
		t.Fatalf("expected cleared state, got %q", got)
	}
}

func TestMuLawCodecRoundTrip(t *testing.T) {
	for _, v := range []int16{0, 100, -100, 1000, -1000, 8000, -8000, 30000, -30000} {
		decoded := muLawDecode(muLawEncode(v))
		diff := math.Abs(float64(decoded) - float64(v))
		// mu-law is lossy; tolerance scales with magnitude
		tol := math.Max(64, math.Abs(float64(v))*0.06)
		if diff > tol {
			t.Fatalf("round trip of %d gave %d (diff %.0f)", v, decoded, diff)
		}
	}
}

func pcmPayload(samples []int16) []byte {
	return encodeSamples(samples, false)
}

func loudTone(n int) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(20000 * math.Sin(float64(i)/4))
	}
	return out
}
