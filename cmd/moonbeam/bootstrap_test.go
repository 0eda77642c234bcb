package main

import (
	"testing"
	"time"

	"github.com/moonbeamcoffee/moonbeam/pkg/frames"
	"github.com/moonbeamcoffee/moonbeam/pkg/moonbeam"
)

func callStartFrame(streamID, callSID string) frames.SystemFrame {
	meta := map[string]string{
		frames.MetaStreamID:   streamID,
		frames.MetaCallSID:    callSID,
		frames.MetaFromNumber: "+14155550142",
	}
	return frames.NewSystemFrame(streamID, time.Now().UnixNano(), "call_start", meta)
}

func greetingsIn(out []frames.Frame) []frames.SystemFrame {
	var found []frames.SystemFrame
	for _, f := range out {
		if sf, ok := f.(frames.SystemFrame); ok && sf.Name() == "greeting" {
			found = append(found, sf)
		}
	}
	return found
}

func TestBootstrapGreetsOncePerCall(t *testing.T) {
	var cfg moonbeam.Config
	b := NewOrderBootstrap(cfg)

	out, err := b.Process(callStartFrame("stream-1", "CA123"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	greets := greetingsIn(out)
	if len(greets) != 1 {
		t.Fatalf("expected one greeting, got %d", len(greets))
	}
	if greets[0].Meta()[frames.MetaGreetingText] != defaultGreeting {
		t.Fatalf("greeting text = %q", greets[0].Meta()[frames.MetaGreetingText])
	}

	// Reconnect: same call, new media stream. No second greeting.
	out, err = b.Process(callStartFrame("stream-2", "CA123"))
	if err != nil {
		t.Fatalf("process reconnect: %v", err)
	}
	if len(greetingsIn(out)) != 0 {
		t.Fatalf("expected no greeting on reconnect")
	}
}

func TestBootstrapGreetsAgainAfterCallEnd(t *testing.T) {
	var cfg moonbeam.Config
	b := NewOrderBootstrap(cfg)

	if _, err := b.Process(callStartFrame("stream-1", "CA123")); err != nil {
		t.Fatalf("process: %v", err)
	}
	endMeta := map[string]string{
		frames.MetaStreamID: "stream-1",
		frames.MetaCallSID:  "CA123",
	}
	if _, err := b.Process(frames.NewSystemFrame("stream-1", time.Now().UnixNano(), "call_end", endMeta)); err != nil {
		t.Fatalf("process call_end: %v", err)
	}

	out, err := b.Process(callStartFrame("stream-3", "CA123"))
	if err != nil {
		t.Fatalf("process new call: %v", err)
	}
	if len(greetingsIn(out)) != 1 {
		t.Fatalf("expected greeting for new call with reused sid")
	}
}

func TestBootstrapEndCallResetsGreeting(t *testing.T) {
	var cfg moonbeam.Config
	b := NewOrderBootstrap(cfg)

	if _, err := b.Process(callStartFrame("stream-1", "CA123")); err != nil {
		t.Fatalf("process: %v", err)
	}

	// The engine tears down call_end without routing it through the
	// pipeline, so cleanup arrives via EndCall instead of Process.
	b.EndCall("CA123")

	out, err := b.Process(callStartFrame("stream-2", "CA123"))
	if err != nil {
		t.Fatalf("process new call: %v", err)
	}
	if len(greetingsIn(out)) != 1 {
		t.Fatalf("expected greeting after call state was released")
	}

	b.EndCall("")
	if len(b.greeted) != 1 {
		t.Fatalf("blank call sid should not touch state, got %d entries", len(b.greeted))
	}
	b.EndCall("CA123")
	if len(b.greeted) != 0 {
		t.Fatalf("expected empty state after cleanup, got %d entries", len(b.greeted))
	}
}

func TestBootstrapUsesConfiguredGreeting(t *testing.T) {
	var cfg moonbeam.Config
	cfg.Greeting.Text = "Welcome back to Moonbeam!"
	b := NewOrderBootstrap(cfg)

	out, err := b.Process(callStartFrame("stream-1", "CA456"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	greets := greetingsIn(out)
	if len(greets) != 1 {
		t.Fatalf("expected one greeting, got %d", len(greets))
	}
	if greets[0].Meta()[frames.MetaGreetingText] != "Welcome back to Moonbeam!" {
		t.Fatalf("greeting text = %q", greets[0].Meta()[frames.MetaGreetingText])
	}
}

func TestBootstrapSeedsGlobalContext(t *testing.T) {
	var cfg moonbeam.Config
	b := NewOrderBootstrap(cfg)

	out, err := b.Process(callStartFrame("stream-1", "CA789"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	var sawGlobal bool
	for _, f := range out {
		if sf, ok := f.(frames.SystemFrame); ok && sf.Name() == "global_bootstrap" {
			sawGlobal = true
			if sf.Meta()["global_customer_id"] != "+14155550142" {
				t.Fatalf("customer id = %q", sf.Meta()["global_customer_id"])
			}
		}
	}
	if !sawGlobal {
		t.Fatalf("expected global bootstrap frame")
	}
}

func TestBootstrapPassesNonSystemFrames(t *testing.T) {
	var cfg moonbeam.Config
	b := NewOrderBootstrap(cfg)

	tf := frames.NewTextFrame("stream-1", time.Now().UnixNano(), "a latte please", map[string]string{
		frames.MetaStreamID: "stream-1",
	})
	out, err := b.Process(tf)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected passthrough, got %d frames", len(out))
	}
}
