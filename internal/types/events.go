package types

import "time"

// ContainerEventType represents the type of container lifecycle event.
type ContainerEventType string

const (
	// ContainerStart is emitted when a container starts.
	ContainerStart ContainerEventType = "start"
	// ContainerStop is emitted when a container stops.
	ContainerStop ContainerEventType = "stop"
	// ContainerDie is emitted when a container dies.
	ContainerDie ContainerEventType = "die"
	// ContainerDestroy is emitted when a container is destroyed.
	ContainerDestroy ContainerEventType = "destroy"
	// ContainerCreate is emitted when a container is created.
	ContainerCreate ContainerEventType = "create"
)

// ContainerEvent represents a container lifecycle event from the runtime.
type ContainerEvent struct {
	Type          ContainerEventType `json:"type"`
	ContainerID   string             `json:"container_id"`
	ContainerName string             `json:"container_name"`
	Timestamp     time.Time          `json:"timestamp"`
}

// Observation is the raw output of a source watcher: one container with
// its advertised hostnames and labels. Interpretation happens in the
// intent builder, not here.
type Observation struct {
	ContainerID   string            `json:"container_id"`
	ContainerName string            `json:"container_name"`
	Hostnames     []string          `json:"hostnames"`
	Labels        map[string]string `json:"labels"`
}

// EventType identifies a bus event.
type EventType string

const (
	EventRecordCreated  EventType = "dns.record.created"
	EventRecordUpdated  EventType = "dns.record.updated"
	EventRecordDeleted  EventType = "dns.record.deleted"
	EventRecordOrphaned EventType = "dns.record.orphaned"

	EventTunnelCreated  EventType = "tunnel.created"
	EventTunnelDeployed EventType = "tunnel.deployed"
	EventTunnelDeleted  EventType = "tunnel.deleted"

	EventSyncCompleted EventType = "system.sync.completed"
	EventSystemError   EventType = "system.error"
)

// Event is a lifecycle event published on the bus.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	// Hostname keys per-hostname ordering on the bus; may be empty for
	// system events.
	Hostname string `json:"hostname,omitempty"`
	Payload  any    `json:"payload,omitempty"`
}

// SyncStats summarizes one reconciliation cycle; carried in the payload
// of system.sync.completed events.
type SyncStats struct {
	ProviderID string `json:"provider_id"`
	Created    int    `json:"created"`
	Updated    int    `json:"updated"`
	Deleted    int    `json:"deleted"`
	Orphaned   int    `json:"orphaned"`
	Restored   int    `json:"restored"`
	Failed     int    `json:"failed"`
}
