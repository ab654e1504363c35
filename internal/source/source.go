// Package source defines where desired hostnames come from: Docker
// container labels directly, or Traefik routing rules.
package source

import (
	"context"

	"github.com/trafegodns/trafegodns/internal/types"
)

// Source produces observations of the current container set.
type Source interface {
	// Name identifies the source in logs and record provenance.
	Name() string

	// Connect establishes the underlying connection.
	Connect(ctx context.Context) error

	// Close releases the connection.
	Close() error

	// Observe returns a full snapshot of the containers currently
	// advertising hostnames, with their labels.
	Observe(ctx context.Context) ([]types.Observation, error)
}

// EventSource is a Source that can push container lifecycle events.
// The watcher uses events to trigger early re-syncs between polls.
type EventSource interface {
	Source

	// Watch streams events into ch until ctx is canceled.
	Watch(ctx context.Context, ch chan<- types.ContainerEvent) error
}

// WithEvents pairs a snapshot source with a separate event stream.
// Traefik mode uses this to re-sync on Docker container events even
// though snapshots come from the routing API.
func WithEvents(s Source, events EventSource) EventSource {
	return &composite{Source: s, events: events}
}

type composite struct {
	Source
	events EventSource
}

func (c *composite) Watch(ctx context.Context, ch chan<- types.ContainerEvent) error {
	return c.events.Watch(ctx, ch)
}
