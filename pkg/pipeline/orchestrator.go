package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/moonbeamcoffee/moonbeam/pkg/frames"
	"github.com/moonbeamcoffee/moonbeam/pkg/metrics"
	"github.com/moonbeamcoffee/moonbeam/pkg/priority"
)

// staleAudioCutoff bounds how far behind wall clock an audio frame may
// fall before it is dropped instead of processed. Voice callers hear
// stale audio as echoing repeats, so late frames are worthless.
const staleAudioCutoff = 500 * time.Millisecond

type orchestrator struct {
	in     chan frames.Frame
	out    chan frames.Frame
	queue  *priority.PriorityQueue
	stages []FrameProcessor
	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc
	links  []chan frames.Frame
	sink   func(frames.Frame)
	obs    metrics.Observer
}

func New(cfg Config) Orchestrator {
	o := &orchestrator{
		in:  make(chan frames.Frame, cfg.HighCapacity+cfg.LowCapacity),
		out: make(chan frames.Frame, cfg.HighCapacity+cfg.LowCapacity),
		cfg: cfg,
	}
	o.queue = priority.New(cfg.HighCapacity, cfg.LowCapacity, cfg.FairnessRatio)
	o.ctx, o.cancel = context.WithCancel(context.Background())
	return o
}

func NewWithPipelineConfig(pc PipelineConfig) Orchestrator {
	orch := New(pc.Config)
	if len(pc.Processors) > 0 {
		names := make([]string, 0, len(pc.Processors))
		for _, p := range pc.Processors {
			names = append(names, p.Name())
		}
		slog.Info("pipeline", "order", strings.Join(names, " -> "))
	}
	for _, p := range pc.Processors {
		_ = orch.AddProcessor(p)
	}
	return orch
}

func (o *orchestrator) SetContext(ctx context.Context) {
	if ctx == nil {
		return
	}
	o.ctx, o.cancel = context.WithCancel(ctx)
}

func (o *orchestrator) In() chan frames.Frame            { return o.in }
func (o *orchestrator) Out() chan frames.Frame           { return o.out }
func (o *orchestrator) SetSink(sink func(frames.Frame))  { o.sink = sink }
func (o *orchestrator) SetObserver(obs metrics.Observer) { o.obs = obs }

func (o *orchestrator) AddProcessor(p FrameProcessor) error {
	o.stages = append(o.stages, p)
	return nil
}

func (o *orchestrator) Start() error {
	go o.ingest()
	if o.cfg.Async {
		o.startStaged()
	} else {
		go o.runSerial()
	}
	return nil
}

func (o *orchestrator) Stop() error {
	o.cancel()
	// brief grace so worker goroutines observe cancellation before out closes
	time.Sleep(5 * time.Millisecond)
	close(o.out)
	return nil
}

// ingest moves frames from the public In channel onto the two-band
// queue. Control frames ride the high band so barge-in and cancel beat
// any backlog of buffered audio.
func (o *orchestrator) ingest() {
	for {
		select {
		case <-o.ctx.Done():
			return
		case f := <-o.in:
			var accepted bool
			if f.Kind() == frames.KindControl {
				accepted = o.queue.TryPushHigh(f)
			} else {
				accepted = o.queue.TryPushLow(f)
			}
			if !accepted {
				frames.ReleaseAudioFrame(f)
				o.record("frame_drop", f)
			}
			o.record("frame_in", f)
		}
	}
}

// runSerial pops from the queue and walks each frame through every
// stage on one goroutine. A stage may fan a frame out into several or
// swallow it by returning nil.
func (o *orchestrator) runSerial() {
	for {
		select {
		case <-o.ctx.Done():
			return
		default:
		}
		popped, _ := o.queue.Pop()
		f := popped.(frames.Frame)
		if staleAudio(f) {
			frames.ReleaseAudioFrame(f)
			o.record("frame_drop", f)
			continue
		}
		live := []frames.Frame{f}
		for _, stage := range o.stages {
			var next []frames.Frame
			for _, cur := range live {
				begin := time.Now()
				produced, err := stage.Process(cur)
				if err != nil || produced == nil {
					frames.ReleaseAudioFrame(cur)
					continue
				}
				o.recordStage(stage.Name(), cur, begin)
				next = append(next, produced...)
			}
			live = next
			if live == nil {
				break
			}
		}
		for _, e := range live {
			o.record("frame_out", e)
			o.emit(e)
		}
	}
}

// startStaged runs each stage on its own goroutine joined by buffered
// channels, so a slow stage backs up locally instead of stalling STT.
func (o *orchestrator) startStaged() {
	o.links = make([]chan frames.Frame, len(o.stages)+1)
	for i := range o.links {
		o.links[i] = make(chan frames.Frame, o.cfg.StageBuffer)
	}
	for i, stage := range o.stages {
		go o.runStage(stage, o.links[i], o.links[i+1])
	}
	go o.feedStages()
	go o.drainStages()
}

func (o *orchestrator) runStage(stage FrameProcessor, in, out chan frames.Frame) {
	for {
		select {
		case <-o.ctx.Done():
			return
		case f := <-in:
			begin := time.Now()
			produced, err := stage.Process(f)
			if err != nil || produced == nil {
				frames.ReleaseAudioFrame(f)
				continue
			}
			o.recordStage(stage.Name(), f, begin)
			for _, e := range produced {
				o.push(out, e)
			}
		}
	}
}

func (o *orchestrator) feedStages() {
	for {
		select {
		case <-o.ctx.Done():
			return
		default:
		}
		popped, _ := o.queue.Pop()
		f := popped.(frames.Frame)
		if staleAudio(f) {
			frames.ReleaseAudioFrame(f)
			o.record("frame_drop", f)
			continue
		}
		o.push(o.links[0], f)
	}
}

func (o *orchestrator) drainStages() {
	last := o.links[len(o.links)-1]
	for {
		select {
		case <-o.ctx.Done():
			return
		case e := <-last:
			o.record("frame_out", e)
			o.emit(e)
		}
	}
}

func (o *orchestrator) emit(f frames.Frame) {
	if o.sink != nil {
		o.sink(f)
		frames.ReleaseAudioFrame(f)
		return
	}
	o.push(o.out, f)
}

func (o *orchestrator) push(ch chan frames.Frame, f frames.Frame) {
	if staleAudio(f) {
		frames.ReleaseAudioFrame(f)
		o.record("frame_drop", f)
		return
	}
	switch o.cfg.Backpressure {
	case BackpressureWait:
		select {
		case <-o.ctx.Done():
			frames.ReleaseAudioFrame(f)
			return
		case ch <- f:
		}
	default:
		select {
		case ch <- f:
		default:
			frames.ReleaseAudioFrame(f)
			o.record("frame_drop", f)
		}
	}
}

func (o *orchestrator) recordStage(name string, f frames.Frame, begin time.Time) {
	if o.obs == nil {
		return
	}
	tags := baseTags(f)
	tags["processor"] = name
	delete(tags, "kind")
	o.obs.RecordEvent(metrics.MetricsEvent{
		Name:  "stage_latency_us",
		Time:  time.Now(),
		Value: float64(time.Since(begin).Microseconds()),
		Tags:  tags,
	})
}

func (o *orchestrator) record(name string, f frames.Frame) {
	if o.obs == nil {
		return
	}
	o.obs.RecordEvent(metrics.MetricsEvent{
		Name: name,
		Time: time.Now(),
		Tags: baseTags(f),
	})
}

// baseTags extracts the identity and detail tags every pipeline metric
// carries: stream, trace, agent, frame kind, plus control/system detail
// when present.
func baseTags(f frames.Frame) map[string]string {
	tags := map[string]string{}
	if f == nil {
		return tags
	}
	tags["kind"] = string(f.Kind())
	meta := f.Meta()
	if meta != nil {
		tags[frames.MetaStreamID] = meta[frames.MetaStreamID]
		tags[frames.MetaTraceID] = meta[frames.MetaTraceID]
		tags[frames.MetaAgent] = meta[frames.MetaAgent]
		if source := meta[frames.MetaSource]; source != "" {
			tags["source"] = source
		}
	}
	switch f.Kind() {
	case frames.KindControl:
		cf := f.(frames.ControlFrame)
		tags["control_code"] = string(cf.Code())
		if meta != nil {
			if reason := meta[frames.MetaReason]; reason != "" {
				tags["control_reason"] = reason
			}
		}
	case frames.KindSystem:
		sf := f.(frames.SystemFrame)
		if name := sf.Name(); name != "" {
			tags["system_name"] = name
		}
	}
	return tags
}

// staleAudio reports whether an audio frame's timestamp is so far
// behind wall clock it should be discarded. Frames whose PTS is not a
// wall-clock nanosecond value are never dropped.
func staleAudio(f frames.Frame) bool {
	if f == nil || f.Kind() != frames.KindAudio {
		return false
	}
	pts := f.PTS()
	if pts < 1_000_000_000_000 {
		return false
	}
	return time.Since(time.Unix(0, pts)) > staleAudioCutoff
}
