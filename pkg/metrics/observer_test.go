package metrics

import (
	"testing"
	"time"
)

func event(name string) MetricsEvent {
	return MetricsEvent{Name: name, Time: time.Now()}
}

func TestAsyncObserverDeliversInOrder(t *testing.T) {
	mem := NewMemoryObserver()
	async := NewAsyncObserver(mem, 16)

	async.RecordEvent(event("stt_final"))
	async.RecordEvent(event("tts_first_audio"))
	async.Close()

	deadline := time.After(time.Second)
	for len(mem.Snapshot()) < 2 {
		select {
		case <-deadline:
			t.Fatalf("events never drained: %d", len(mem.Snapshot()))
		case <-time.After(5 * time.Millisecond):
		}
	}
	snap := mem.Snapshot()
	if snap[0].Name != "stt_final" || snap[1].Name != "tts_first_audio" {
		t.Fatalf("order lost: %v %v", snap[0].Name, snap[1].Name)
	}
}

func TestAsyncObserverCountsDrops(t *testing.T) {
	// A blocked inner observer fills the 1-slot buffer immediately.
	blocked := make(chan struct{})
	async := NewAsyncObserver(observerFunc(func(MetricsEvent) { <-blocked }), 1)
	defer close(blocked)

	for range 10 {
		async.RecordEvent(event("frame_in"))
	}
	if async.Dropped() == 0 {
		t.Fatalf("expected drops with a stalled sink")
	}
}

func TestSamplingObserverRate(t *testing.T) {
	mem := NewMemoryObserver()
	sampled := NewSamplingObserver(mem, 0.1)
	for range 100 {
		sampled.RecordEvent(event("frame_in"))
	}
	got := len(mem.Snapshot())
	if got < 2 || got > 25 {
		t.Fatalf("10%% sampling of 100 events gave %d", got)
	}
}

func TestSamplingObserverZeroRateDiscards(t *testing.T) {
	mem := NewMemoryObserver()
	sampled := NewSamplingObserver(mem, 0)
	sampled.RecordEvent(event("frame_in"))
	if len(mem.Snapshot()) != 0 {
		t.Fatalf("zero rate should discard everything")
	}
}

type observerFunc func(MetricsEvent)

func (f observerFunc) RecordEvent(ev MetricsEvent) { f(ev) }
