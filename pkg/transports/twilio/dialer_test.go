package twilio

import (
	"context"
	"strings"
	"testing"

	"github.com/moonbeamcoffee/moonbeam/pkg/transports"
	api "github.com/twilio/twilio-go/rest/api/v2010"
)

type fakeCallAPI struct {
	got *api.CreateCallParams
	sid string
	err error
}

func (f *fakeCallAPI) CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error) {
	f.got = params
	if f.err != nil {
		return nil, f.err
	}
	return &api.ApiV2010Call{Sid: &f.sid}, nil
}

func newTestDialer(cfg Config, fake *fakeCallAPI) *Dialer {
	d := NewDialer(cfg)
	d.client = fake
	return d
}

func strOr(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func TestDialTargetsOwnVoiceWebhook(t *testing.T) {
	fake := &fakeCallAPI{sid: "CA123"}
	d := newTestDialer(Config{
		AccountSID: "AC1",
		AuthToken:  "token",
		PublicURL:  "https://cafe.example.com",
		VoicePath:  "/voice",
	}, fake)

	sid, err := d.Dial(context.Background(), "+100", "+200", "")
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	if sid != "CA123" {
		t.Fatalf("sid = %s, want CA123", sid)
	}
	if got := strOr(fake.got.To); got != "+100" {
		t.Fatalf("To = %s, want +100", got)
	}
	if got := strOr(fake.got.From); got != "+200" {
		t.Fatalf("From = %s, want +200", got)
	}
	if got := strOr(fake.got.Url); !strings.HasPrefix(got, "https://cafe.example.com") {
		t.Fatalf("url %s should point back at the public host", got)
	}
}

func TestDialOverrideURLWins(t *testing.T) {
	fake := &fakeCallAPI{sid: "CA999"}
	d := newTestDialer(Config{AccountSID: "AC1", AuthToken: "token"}, fake)

	override := "https://override.example.com/voice"
	if _, err := d.Dial(context.Background(), "+100", "+200", override); err != nil {
		t.Fatalf("dial error: %v", err)
	}
	if got := strOr(fake.got.Url); got != override {
		t.Fatalf("url = %s, want %s", got, override)
	}
}

func TestDialSendDigitsForwarded(t *testing.T) {
	fake := &fakeCallAPI{sid: "CA777"}
	d := newTestDialer(Config{AccountSID: "AC1", AuthToken: "token"}, fake)

	_, err := d.DialWithOptions(context.Background(), "+100", "+200", "https://example.com/voice",
		transports.DialOptions{SendDigits: "W123#"})
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	if got := strOr(fake.got.SendDigits); got != "W123#" {
		t.Fatalf("SendDigits = %s, want W123#", got)
	}
}

func TestDialRejectsMissingNumbersAndCreds(t *testing.T) {
	d := newTestDialer(Config{AccountSID: "AC1", AuthToken: "token"}, &fakeCallAPI{sid: "CA1"})
	if _, err := d.Dial(context.Background(), "", "+200", ""); err == nil {
		t.Fatal("expected error for missing destination")
	}

	bare := newTestDialer(Config{}, &fakeCallAPI{sid: "CA1"})
	if _, err := bare.Dial(context.Background(), "+100", "+200", ""); err == nil {
		t.Fatal("expected error for missing credentials")
	}
}

func TestDialHonorsCanceledContext(t *testing.T) {
	fake := &fakeCallAPI{sid: "CA1"}
	d := newTestDialer(Config{AccountSID: "AC1", AuthToken: "token"}, fake)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := d.Dial(ctx, "+100", "+200", ""); err == nil {
		t.Fatal("expected context error")
	}
	if fake.got != nil {
		t.Fatal("no API call should be made after cancellation")
	}
}
