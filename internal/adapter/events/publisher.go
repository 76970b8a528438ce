package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"feelinglocal-core/internal/domain/entity"
	"feelinglocal-core/internal/domain/repository"
)

// Conn is the part of *nats.Conn the publisher uses.
type Conn interface {
	Publish(subject string, data []byte) error
}

// Subject returns the subject a job's progress is published on.
func Subject(prefix string, ev entity.ProgressEvent) string {
	return fmt.Sprintf("%s.%s.%s.progress", prefix, ev.Kind, ev.JobID)
}

// NATSPublisher publishes progress as JSON on jobs.<kind>.<id>.progress.
type NATSPublisher struct {
	conn   Conn
	prefix string
}

func NewNATSPublisher(conn Conn, prefix string) *NATSPublisher {
	if prefix == "" {
		prefix = "jobs"
	}
	return &NATSPublisher{conn: conn, prefix: prefix}
}

// Connect dials NATS with reconnects enabled for the life of the process.
func Connect(url, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				zap.S().Warnw("nats disconnected", "component", "events", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			zap.S().Infow("nats reconnected", "component", "events", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return nc, nil
}

func (p *NATSPublisher) Publish(_ context.Context, ev entity.ProgressEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return entity.NewError(entity.KindInternal, "events.publish", "encode event", err)
	}
	if err := p.conn.Publish(Subject(p.prefix, ev), data); err != nil {
		return entity.NewError(entity.KindTransient, "events.publish", "nats", err)
	}
	return nil
}

// LogPublisher writes progress to the debug log.
type LogPublisher struct{}

func (LogPublisher) Publish(_ context.Context, ev entity.ProgressEvent) error {
	zap.S().Debugw("job progress",
		"component", "jobs",
		"job_id", ev.JobID,
		"kind", ev.Kind,
		"status", ev.Status,
		"progress", ev.Progress,
		"stage", ev.Stage,
	)
	return nil
}

// Fanout publishes to every publisher and joins their errors.
type Fanout []repository.ProgressPublisher

func (f Fanout) Publish(ctx context.Context, ev entity.ProgressEvent) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
