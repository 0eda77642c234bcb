package observers

import (
	"context"
	"log/slog"

	"github.com/moonbeamcoffee/moonbeam/pkg/metrics"
)

// LoggerObserver echoes every pipeline event to slog at debug level.
// Handy when chasing one order call through the stack; it stays quiet
// unless the log level is lowered.
type LoggerObserver struct {
	log *slog.Logger
}

func NewLoggerObserver(log *slog.Logger) *LoggerObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LoggerObserver{log: log}
}

func (o *LoggerObserver) RecordEvent(ev metrics.MetricsEvent) {
	attrs := make([]slog.Attr, 0, 3+len(ev.Tags)+len(ev.Fields))
	attrs = append(attrs,
		slog.String("name", ev.Name),
		slog.Time("time", ev.Time),
		slog.Float64("value", ev.Value),
	)
	for k, v := range ev.Tags {
		attrs = append(attrs, slog.String(k, v))
	}
	for k, v := range ev.Fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	o.log.LogAttrs(context.Background(), slog.LevelDebug, "metrics", attrs...)
}

// MultiObserver fans one event out to several sinks. Nil entries are
// tolerated so callers can wire optional sinks without filtering.
type MultiObserver struct {
	sinks []metrics.Observer
}

func NewMultiObserver(sinks ...metrics.Observer) *MultiObserver {
	return &MultiObserver{sinks: sinks}
}

func (m *MultiObserver) RecordEvent(ev metrics.MetricsEvent) {
	for _, sink := range m.sinks {
		if sink != nil {
			sink.RecordEvent(ev)
		}
	}
}
