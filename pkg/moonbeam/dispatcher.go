package moonbeam

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/moonbeamcoffee/moonbeam/pkg/frames"
	"github.com/moonbeamcoffee/moonbeam/pkg/llm"
	"github.com/moonbeamcoffee/moonbeam/pkg/pipeline"
)

// ToolDispatcher picks tool_call control frames off the pipeline and
// runs them on a worker pool, feeding tool_result system frames back
// into the pipeline input. Tool execution (writing an order file) must
// never stall the audio path, so the call itself happens off-pipeline
// and results re-enter asynchronously.
type ToolDispatcher struct {
	registry llm.ToolRegistry
	in       chan frames.Frame
	tasks    chan map[string]string
	opts     ToolDispatcherOptions

	mu          sync.Mutex
	streamLocks map[string]*sync.Mutex
}

type ToolDispatcherOptions struct {
	Concurrency  int
	Timeout      time.Duration
	Retries      int
	RetryBackoff time.Duration
	// SerializeByStream runs one tool at a time per stream, keeping
	// order saves for a single caller in the order they were asked.
	SerializeByStream bool
}

var ErrToolTimeout = errors.New("tool timeout")

func NewToolDispatcher(registry llm.ToolRegistry, in chan frames.Frame) *ToolDispatcher {
	return NewToolDispatcherWithOptions(registry, in, ToolDispatcherOptions{})
}

func NewToolDispatcherWithOptions(registry llm.ToolRegistry, in chan frames.Frame, opts ToolDispatcherOptions) *ToolDispatcher {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 150 * time.Millisecond
	}
	d := &ToolDispatcher{
		registry:    registry,
		in:          in,
		tasks:       make(chan map[string]string, 64),
		opts:        opts,
		streamLocks: make(map[string]*sync.Mutex),
	}
	for range opts.Concurrency {
		go d.worker()
	}
	return d
}

func (d *ToolDispatcher) Name() string { return "tool_dispatcher" }

// SetInput points result frames at the pipeline input. The engine sets
// this after the orchestrator exists.
func (d *ToolDispatcher) SetInput(in chan frames.Frame) { d.in = in }

func (d *ToolDispatcher) Process(f frames.Frame) ([]frames.Frame, error) {
	cf, ok := f.(frames.ControlFrame)
	if !ok || cf.Code() != frames.ControlToolCall {
		return []frames.Frame{f}, nil
	}
	if d.registry == nil || d.in == nil {
		return []frames.Frame{f}, nil
	}
	meta := cf.Meta()
	select {
	case d.tasks <- meta:
	default:
		slog.Warn("tool_dispatcher_queue_full", "tool_name", meta[frames.MetaToolName])
	}
	return []frames.Frame{f}, nil
}

func (d *ToolDispatcher) worker() {
	for meta := range d.tasks {
		d.exec(meta)
	}
}

func (d *ToolDispatcher) exec(meta map[string]string) {
	callID := meta[frames.MetaToolCallID]
	name := meta[frames.MetaToolName]
	if callID == "" || name == "" {
		return
	}
	args := map[string]any{}
	_ = json.Unmarshal([]byte(meta[frames.MetaToolArgs]), &args)
	if _, ok := args[frames.MetaIdempotency]; !ok {
		args[frames.MetaIdempotency] = idempotencyKey(meta)
	}

	result, err := d.run(meta[frames.MetaStreamID], name, args)

	status := "ok"
	if err != nil {
		status = "error"
		if errors.Is(err, ErrToolTimeout) {
			status = "timeout"
		}
		if result == "" {
			result = "error"
		}
	}
	outMeta := map[string]string{
		frames.MetaStreamID:   meta[frames.MetaStreamID],
		frames.MetaToolCallID: callID,
		frames.MetaToolName:   name,
		frames.MetaToolResult: result,
		frames.MetaToolStatus: status,
	}
	if err != nil {
		outMeta[frames.MetaToolError] = err.Error()
	}
	if callSID := meta[frames.MetaCallSID]; callSID != "" {
		outMeta[frames.MetaCallSID] = callSID
	}
	if traceID := meta[frames.MetaTraceID]; traceID != "" {
		outMeta[frames.MetaTraceID] = traceID
	}
	sf := frames.NewSystemFrame(meta[frames.MetaStreamID], time.Now().UnixNano(), "tool_result", outMeta)
	select {
	case d.in <- sf:
	default:
	}
}

func (d *ToolDispatcher) run(streamID, name string, args map[string]any) (string, error) {
	if d.opts.SerializeByStream {
		lock := d.streamLock(streamID)
		lock.Lock()
		defer lock.Unlock()
	}
	return d.callWithRetry(name, args)
}

func (d *ToolDispatcher) callWithRetry(name string, args map[string]any) (string, error) {
	attempts := d.opts.Retries + 1
	var lastErr error
	for i := range attempts {
		result, err := d.callWithTimeout(name, args)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if i < attempts-1 {
			time.Sleep(d.opts.RetryBackoff * time.Duration(i+1))
		}
	}
	if lastErr == nil {
		lastErr = errors.New("tool error")
	}
	return "", lastErr
}

func (d *ToolDispatcher) callWithTimeout(name string, args map[string]any) (string, error) {
	if d.registry == nil {
		return "", errors.New("missing registry")
	}
	if d.opts.Timeout <= 0 {
		return d.registry.HandleTool(name, args)
	}
	type result struct {
		text string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		res, err := d.registry.HandleTool(name, args)
		ch <- result{text: res, err: err}
	}()
	select {
	case out := <-ch:
		return out.text, out.err
	case <-time.After(d.opts.Timeout):
		return "", ErrToolTimeout
	}
}

func (d *ToolDispatcher) streamLock(streamID string) *sync.Mutex {
	if streamID == "" {
		return &sync.Mutex{}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	lock, ok := d.streamLocks[streamID]
	if !ok {
		lock = &sync.Mutex{}
		d.streamLocks[streamID] = lock
	}
	return lock
}

// idempotencyKey lets a tool recognize a retried call and avoid saving
// the same order twice.
func idempotencyKey(meta map[string]string) string {
	streamID := meta[frames.MetaStreamID]
	callID := meta[frames.MetaToolCallID]
	if streamID == "" && callID == "" {
		return fmt.Sprintf("tool-%d", time.Now().UnixNano())
	}
	return streamID + ":" + callID
}

var _ pipeline.FrameProcessor = (*ToolDispatcher)(nil)
