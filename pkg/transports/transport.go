// Package transports defines the boundary between the call pipeline
// and whatever carries the caller's audio: a Twilio media stream in
// production, an in-memory transport in tests.
package transports

import (
	"context"

	"github.com/moonbeamcoffee/moonbeam/pkg/frames"
)

// Transport moves frames between the network and the pipeline. An
// implementation owns its own connection lifecycle; Stop must be safe
// to call more than once.
type Transport interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Recv() <-chan frames.Frame
	Send(frames.Frame) error
}

// CallHanger is implemented by transports that can end a live call.
type CallHanger interface {
	Hangup(ctx context.Context, callSID string) error
}

// OutboundDialer is implemented by transports that can place calls.
type OutboundDialer interface {
	Dial(ctx context.Context, to, from, url string) (callSID string, err error)
}

// DialOptions carries optional outbound call parameters.
type DialOptions struct {
	// SendDigits is a DTMF sequence played after the callee answers,
	// typically to traverse an IVR menu.
	SendDigits string
}

type OutboundDialerWithOptions interface {
	DialWithOptions(ctx context.Context, to, from, url string, opts DialOptions) (callSID string, err error)
}

// ReadyReporter lets a transport contribute fields (webhook URLs and
// the like) to the startup log line. Purely informational.
type ReadyReporter interface {
	ReadyFields() map[string]any
}
