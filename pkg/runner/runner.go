// Package runner owns process lifecycle: startup banner, run states,
// and graceful drain on shutdown.
package runner

import (
	"bytes"
	"context"
	"os"

	"github.com/dimiro1/banner"
)

// State tracks where the process is in its lifecycle. Transitions
// only move forward; a stopped runner cannot be restarted.
type State int

const (
	StateNew State = iota
	StateStarting
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type Runner interface {
	Run(ctx context.Context) error
	Stop() error
	State() State
}

// Hooks run at the RUNNING and STOPPED edges.
type Hooks struct {
	OnStart func()
	OnStop  func()
}

// Drainer is given a bounded window to finish in-flight calls before
// the process exits.
type Drainer interface {
	Drain() error
}

// EngineVersion is stamped by the build; "dev" for local runs.
const EngineVersion = "dev"

func PrintBanner() {
	tpl := "{{ .Title \"MOONBEAM\" \"\" 0 }}\nVersion: " + EngineVersion + "\n"
	banner.Init(os.Stdout, true, true, bytes.NewBufferString(tpl))
}
