package metrics

import (
	"math"
	"sync/atomic"
)

// SamplingObserver forwards roughly rate*100 percent of events to the
// wrapped observer. Per-frame events on an 8 kHz call arrive fifty
// times a second; sampling keeps the metrics sink affordable.
type SamplingObserver struct {
	inner   Observer
	rate    float64
	every   uint64
	counter atomic.Uint64
}

func NewSamplingObserver(inner Observer, rate float64) *SamplingObserver {
	rate = math.Min(math.Max(rate, 0), 1)
	var every uint64
	switch {
	case rate == 0:
		every = 0
	case rate == 1:
		every = 1
	default:
		every = uint64(math.Round(1.0 / rate))
		if every == 0 {
			every = 1
		}
	}
	return &SamplingObserver{inner: inner, rate: rate, every: every}
}

func (s *SamplingObserver) RecordEvent(ev MetricsEvent) {
	if s.rate == 0 {
		return
	}
	if s.every <= 1 {
		s.inner.RecordEvent(ev)
		return
	}
	if s.counter.Add(1)%s.every == 0 {
		s.inner.RecordEvent(ev)
	}
}
