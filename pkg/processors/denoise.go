package processors

import (
	"math"
	"sync"
	"time"

	"github.com/moonbeamcoffee/moonbeam/pkg/frames"
	"github.com/moonbeamcoffee/moonbeam/pkg/metrics"
	"github.com/moonbeamcoffee/moonbeam/pkg/pipeline"
)

// DenoiseProfile tunes the noise gate for a class of participants.
// Telephony audio arrives as 8kHz mu-law with line noise, so its profile
// tracks a higher floor and releases faster than the wideband profile.
type DenoiseProfile struct {
	Name        string
	FloorAlpha  float64 // EMA weight for the noise floor estimate
	GateMargin  float64 // frame passes when RMS exceeds floor * margin
	Attenuation float64 // gain applied to frames below the gate
	FloorSeed   float64 // initial floor estimate, normalized RMS
}

var (
	TelephonyDenoiseProfile = DenoiseProfile{
		Name:        "telephony",
		FloorAlpha:  0.12,
		GateMargin:  2.0,
		Attenuation: 0.1,
		FloorSeed:   0.02,
	}
	WidebandDenoiseProfile = DenoiseProfile{
		Name:        "wideband",
		FloorAlpha:  0.05,
		GateMargin:  1.6,
		Attenuation: 0.2,
		FloorSeed:   0.01,
	}
)

// DenoiseProcessor is a pre-stage noise gate for inbound audio. The profile
// is latched per stream from the participant kind the transport stamped:
// telephony participants get the telephony profile, everything else the
// wideband one.
type DenoiseProcessor struct {
	mu      sync.Mutex
	streams map[string]*denoiseState
	obs     metrics.Observer
}

type denoiseState struct {
	profile DenoiseProfile
	floor   float64
}

func NewDenoiseProcessor() *DenoiseProcessor {
	return &DenoiseProcessor{streams: make(map[string]*denoiseState)}
}

func (p *DenoiseProcessor) SetObserver(obs metrics.Observer) {
	p.mu.Lock()
	p.obs = obs
	p.mu.Unlock()
}

func (p *DenoiseProcessor) Name() string { return "denoise" }

func (p *DenoiseProcessor) Process(f frames.Frame) ([]frames.Frame, error) {
	switch f.Kind() {
	case frames.KindSystem:
		sf := f.(frames.SystemFrame)
		streamID := sf.Meta()[frames.MetaStreamID]
		switch sf.Name() {
		case "call_start":
			p.ensureState(streamID, sf.Meta())
		case "call_end":
			p.clearState(streamID)
		}
		return []frames.Frame{f}, nil
	case frames.KindAudio:
		af := f.(frames.AudioFrame)
		return []frames.Frame{p.gate(af)}, nil
	}
	return []frames.Frame{f}, nil
}

// ProfileFor reports the latched profile name for a stream, or "" when the
// stream has not been seen yet.
func (p *DenoiseProcessor) ProfileFor(streamID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st := p.streams[streamID]; st != nil {
		return st.profile.Name
	}
	return ""
}

func (p *DenoiseProcessor) gate(af frames.AudioFrame) frames.Frame {
	meta := af.Meta()
	streamID := meta[frames.MetaStreamID]
	st := p.ensureState(streamID, meta)

	payload := af.RawPayload()
	if len(payload) == 0 {
		return af
	}
	mulaw := meta[frames.MetaEncoding] == "mulaw"
	samples := decodeSamples(payload, mulaw)
	if len(samples) == 0 {
		return af
	}
	rms := rmsOf(samples)

	p.mu.Lock()
	gateLevel := st.floor * st.profile.GateMargin
	if rms <= gateLevel {
		st.floor = st.floor*(1-st.profile.FloorAlpha) + rms*st.profile.FloorAlpha
	}
	pass := rms > gateLevel
	attenuation := st.profile.Attenuation
	profileName := st.profile.Name
	obs := p.obs
	p.mu.Unlock()

	if pass {
		return af
	}
	if obs != nil {
		obs.RecordEvent(metrics.MetricsEvent{
			Name:  "denoise_gated",
			Time:  time.Now(),
			Value: rms,
			Tags:  map[string]string{"stream_id": streamID, "profile": profileName},
		})
	}
	for i := range samples {
		samples[i] = int16(float64(samples[i]) * attenuation)
	}
	out := encodeSamples(samples, mulaw)
	return frames.NewAudioFrameFromPool(streamID, af.PTS(), out, af.Rate(), af.Channels(), meta)
}

func (p *DenoiseProcessor) ensureState(streamID string, meta map[string]string) *denoiseState {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st := p.streams[streamID]; st != nil {
		return st
	}
	profile := WidebandDenoiseProfile
	if meta[frames.MetaParticipantKind] == frames.ParticipantTelephony {
		profile = TelephonyDenoiseProfile
	}
	st := &denoiseState{profile: profile, floor: profile.FloorSeed}
	p.streams[streamID] = st
	return st
}

func (p *DenoiseProcessor) clearState(streamID string) {
	p.mu.Lock()
	delete(p.streams, streamID)
	p.mu.Unlock()
}

func rmsOf(samples []int16) float64 {
	var sum float64
	for _, s := range samples {
		v := float64(s) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

func decodeSamples(payload []byte, mulaw bool) []int16 {
	if mulaw {
		samples := make([]int16, len(payload))
		for i, b := range payload {
			samples[i] = muLawDecode(b)
		}
		return samples
	}
	if len(payload) < 2 {
		return nil
	}
	samples := make([]int16, len(payload)/2)
	for i := range samples {
		samples[i] = int16(uint16(payload[2*i]) | uint16(payload[2*i+1])<<8)
	}
	return samples
}

func encodeSamples(samples []int16, mulaw bool) []byte {
	if mulaw {
		out := make([]byte, len(samples))
		for i, s := range samples {
			out[i] = muLawEncode(s)
		}
		return out
	}
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[2*i] = byte(uint16(s))
		out[2*i+1] = byte(uint16(s) >> 8)
	}
	return out
}

const muLawBias = 0x84

// G.711 mu-law expansion.
func muLawDecode(b byte) int16 {
	b = ^b
	sign := b & 0x80
	exponent := (b >> 4) & 0x07
	mantissa := b & 0x0F
	value := (int16(mantissa)<<3 + muLawBias) << exponent
	value -= muLawBias
	if sign != 0 {
		return -value
	}
	return value
}

// G.711 mu-law compression.
func muLawEncode(s int16) byte {
	sign := byte(0)
	if s < 0 {
		sign = 0x80
		if s == math.MinInt16 {
			s = math.MaxInt16
		} else {
			s = -s
		}
	}
	v := int32(s) + muLawBias
	if v > 0x7FFF {
		v = 0x7FFF
	}
	exponent := byte(7)
	for mask := int32(0x4000); exponent > 0 && v&mask == 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte((v >> (exponent + 3)) & 0x0F)
	return ^(sign | exponent<<4 | mantissa)
}

var _ pipeline.FrameProcessor = (*DenoiseProcessor)(nil)
