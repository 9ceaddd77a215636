package events

import (
	"context"

	"github.com/worq1337/parcer/internal/domain"
	"github.com/worq1337/parcer/internal/logger"
)

// LogSink writes every event to the logger carried by the publisher's context.
type LogSink struct{}

func (LogSink) Name() string { return "log" }

func (LogSink) Handle(ctx context.Context, evt domain.Event) error {
	log := logger.FromContext(ctx)
	e := log.Info().
		Str("event", string(evt.Name)).
		Str("run_id", evt.RunID).
		Time("at", evt.At)
	if evt.Receipt != nil {
		e = e.Str("receipt_id", evt.Receipt.ID).
			Str("parse_status", string(evt.Receipt.ParseStatus)).
			Bool("inserted", evt.Inserted)
	}
	if evt.Stage != "" {
		e = e.Str("stage", evt.Stage)
	}
	if evt.Error != "" {
		e = e.Str("error", evt.Error)
	}
	e.Msg("Pipeline event")
	return nil
}

// SinkFunc adapts a function to a Sink.
type SinkFunc struct {
	SinkName string
	Func     func(ctx context.Context, evt domain.Event) error
}

func (f SinkFunc) Name() string { return f.SinkName }

func (f SinkFunc) Handle(ctx context.Context, evt domain.Event) error {
	return f.Func(ctx, evt)
}

// Only forwards events with the given names to s.
func Only(s Sink, names ...domain.EventName) Sink {
	allowed := make(map[domain.EventName]bool, len(names))
	for _, n := range names {
		allowed[n] = true
	}
	return SinkFunc{
		SinkName: s.Name(),
		Func: func(ctx context.Context, evt domain.Event) error {
			if !allowed[evt.Name] {
				return nil
			}
			return s.Handle(ctx, evt)
		},
	}
}
