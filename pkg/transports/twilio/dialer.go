package twilio

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/moonbeamcoffee/moonbeam/pkg/transports"
	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"
)

type callCreator interface {
	CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error)
}

// Dialer places outbound calls through the Twilio REST API. The
// answered leg is pointed at the voice webhook so it flows through
// the same ordering pipeline as inbound calls.
type Dialer struct {
	cfg    Config
	client callCreator // replaced by a stub in tests
}

func NewDialer(cfg Config) *Dialer {
	return &Dialer{cfg: cfg.withDefaults()}
}

func (d *Dialer) Dial(ctx context.Context, to, from, voiceURL string) (string, error) {
	return d.DialWithOptions(ctx, to, from, voiceURL, transports.DialOptions{})
}

// DialWithOptions rings to from from. An empty voiceURL falls back to
// this server's own voice webhook.
func (d *Dialer) DialWithOptions(ctx context.Context, to, from, voiceURL string, opts transports.DialOptions) (string, error) {
	if to == "" || from == "" {
		return "", errors.New("to/from required")
	}
	if d.cfg.AccountSID == "" || d.cfg.AuthToken == "" {
		return "", errors.New("missing twilio credentials")
	}
	// The Twilio SDK has no context plumbing; honor cancellation up
	// front at least.
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if voiceURL == "" {
		voiceURL = d.voiceWebhookURL()
	}
	resp, err := d.api().CreateCall(callParams(to, from, voiceURL, opts))
	if err != nil {
		return "", err
	}
	if resp == nil || resp.Sid == nil {
		return "", fmt.Errorf("missing call sid")
	}
	return *resp.Sid, nil
}

func (d *Dialer) api() callCreator {
	if d.client != nil {
		return d.client
	}
	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: d.cfg.AccountSID,
		Password: d.cfg.AuthToken,
	})
	return rest.Api
}

func callParams(to, from, voiceURL string, opts transports.DialOptions) *api.CreateCallParams {
	params := &api.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(from)
	params.SetUrl(voiceURL)
	if digits := strings.TrimSpace(opts.SendDigits); digits != "" {
		params.SetSendDigits(digits)
	}
	return params
}

func (d *Dialer) voiceWebhookURL() string {
	if d.cfg.PublicURL != "" {
		return "https://" + stripScheme(d.cfg.PublicURL) + d.cfg.VoicePath
	}
	addr := d.cfg.ServerAddr
	if addr == "" {
		addr = ":8080"
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + d.cfg.VoicePath
}
