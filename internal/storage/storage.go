// Package storage provides persistent state for trafegodns.
package storage

import (
	"context"
	"time"
)

// Record is the tracked state of one managed DNS record.
type Record struct {
	ID string `json:"id"`

	// Provider linkage
	ProviderID string `json:"provider_id"`
	ExternalID string `json:"external_id,omitempty"`
	ZoneID     string `json:"zone_id,omitempty"`

	// Record data
	Hostname   string `json:"hostname"`
	RecordType string `json:"record_type"`
	Content    string `json:"content"`
	TTL        int    `json:"ttl,omitempty"`
	Proxied    bool   `json:"proxied,omitempty"`
	Priority   int    `json:"priority,omitempty"`
	Weight     int    `json:"weight,omitempty"`
	Port       int    `json:"port,omitempty"`
	Flags      int    `json:"flags,omitempty"`
	Tag        string `json:"tag,omitempty"`

	// Source information
	Source        string `json:"source"`
	ContainerID   string `json:"container_id,omitempty"`
	ContainerName string `json:"container_name,omitempty"`

	// Lifecycle. A nil OrphanedAt means the record is active.
	OrphanedAt *time.Time `json:"orphaned_at,omitempty"`
	LastError  string     `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Orphaned reports whether the record is in the orphan grace window.
func (r *Record) Orphaned() bool { return r.OrphanedAt != nil }

// Override is a user-defined sparse patch applied to matching desired
// records after label processing.
type Override struct {
	ID         string    `json:"id"`
	Hostname   string    `json:"hostname"`
	RecordType string    `json:"record_type,omitempty"`
	ProviderID string    `json:"provider_id,omitempty"`
	Content    string    `json:"content,omitempty"`
	TTL        *int      `json:"ttl,omitempty"`
	Proxied    *bool     `json:"proxied,omitempty"`
	Enabled    bool      `json:"enabled"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// PreservedHostname exempts matching records from orphan cleanup.
// Pattern is either an exact hostname or a "*.suffix" wildcard.
type PreservedHostname struct {
	ID        string    `json:"id"`
	Pattern   string    `json:"pattern"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Provider is a registered DNS provider instance. Config holds the
// provider-specific settings as JSON; credential fields inside it are
// encrypted before they reach this layer.
type Provider struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Config    string    `json:"config,omitempty"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TunnelIngress is the tracked state of one tunnel ingress rule.
type TunnelIngress struct {
	ID         string `json:"id"`
	TunnelID   string `json:"tunnel_id"`
	ProviderID string `json:"provider_id"`
	Hostname   string `json:"hostname"`
	Service    string `json:"service"`
	Path       string `json:"path,omitempty"`
	Origin     string `json:"origin,omitempty"`

	// Source is "auto" for label-derived rules, "api" for rules
	// created through the management surface.
	Source string `json:"source"`

	ContainerID string     `json:"container_id,omitempty"`
	OrphanedAt  *time.Time `json:"orphaned_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// AuditEntry is one append-only audit log row.
type AuditEntry struct {
	ID         int64     `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Action     string    `json:"action"`
	ProviderID string    `json:"provider_id,omitempty"`
	Hostname   string    `json:"hostname,omitempty"`
	RecordType string    `json:"record_type,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// RecordFilter represents filter options for querying records.
type RecordFilter struct {
	ProviderID  string
	Hostname    string
	RecordType  string
	ContainerID string
	Source      string
	Orphaned    *bool
	Limit       int
	Offset      int
}

// AuditFilter represents filter options for querying the audit log.
type AuditFilter struct {
	Hostname   string
	ProviderID string
	Action     string
	Since      time.Time
	Limit      int
}

// Storage defines the interface for persistent storage. Mutations that
// must land atomically with their audit entries run inside WithTx.
type Storage interface {
	// Initialize creates tables and runs migrations.
	Initialize(ctx context.Context) error

	// Close closes the storage connection.
	Close() error

	// WithTx runs fn against a transactional view of the store.
	// The transaction commits when fn returns nil and rolls back
	// otherwise. Never call WithTx from inside fn.
	WithTx(ctx context.Context, fn func(tx Storage) error) error

	// Record operations
	GetRecord(ctx context.Context, id string) (*Record, error)
	GetActiveRecord(ctx context.Context, providerID, hostname, recordType string) (*Record, error)
	ListRecords(ctx context.Context, filter RecordFilter) ([]*Record, error)
	SaveRecord(ctx context.Context, record *Record) error
	MarkRecordOrphaned(ctx context.Context, id string, at time.Time) error
	RestoreRecord(ctx context.Context, id string) error
	UpdateRecordError(ctx context.Context, id string, lastError string) error
	DeleteRecord(ctx context.Context, id string) error
	ListOrphanedBefore(ctx context.Context, cutoff time.Time) ([]*Record, error)

	// Override operations
	GetOverride(ctx context.Context, id string) (*Override, error)
	ListOverrides(ctx context.Context, enabledOnly bool) ([]*Override, error)
	SaveOverride(ctx context.Context, o *Override) error
	DeleteOverride(ctx context.Context, id string) error

	// Preserved hostname operations
	ListPreservedHostnames(ctx context.Context) ([]*PreservedHostname, error)
	SavePreservedHostname(ctx context.Context, p *PreservedHostname) error
	DeletePreservedHostname(ctx context.Context, id string) error

	// Provider operations
	GetProvider(ctx context.Context, id string) (*Provider, error)
	ListProviders(ctx context.Context) ([]*Provider, error)
	SaveProvider(ctx context.Context, p *Provider) error
	DeleteProvider(ctx context.Context, id string) error

	// Tunnel ingress operations
	GetTunnelIngress(ctx context.Context, id string) (*TunnelIngress, error)
	ListTunnelIngress(ctx context.Context, tunnelID string) ([]*TunnelIngress, error)
	SaveTunnelIngress(ctx context.Context, ing *TunnelIngress) error
	MarkTunnelIngressOrphaned(ctx context.Context, id string, at time.Time) error
	RestoreTunnelIngress(ctx context.Context, id string) error
	DeleteTunnelIngress(ctx context.Context, id string) error
	ListTunnelIngressOrphanedBefore(ctx context.Context, cutoff time.Time) ([]*TunnelIngress, error)

	// Settings operations
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
	ListSettings(ctx context.Context) (map[string]string, error)
	DeleteSetting(ctx context.Context, key string) error

	// Audit operations. AppendAudit never updates or deletes rows;
	// PruneAuditBefore is the one retention exception.
	AppendAudit(ctx context.Context, entry *AuditEntry) error
	ListAudit(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error)
	PruneAuditBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Maintenance operations
	Vacuum(ctx context.Context) error
}

// Common errors
var (
	ErrNotFound = &StorageError{Code: "not_found", Message: "record not found"}
	ErrConflict = &StorageError{Code: "conflict", Message: "record already exists"}
)

// StorageError represents a storage error.
type StorageError struct {
	Code    string
	Message string
}

func (e *StorageError) Error() string {
	return e.Message
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	if se, ok := err.(*StorageError); ok {
		return se.Code == "not_found"
	}
	return false
}

// IsConflict checks if the error is a conflict error.
func IsConflict(err error) bool {
	if err == nil {
		return false
	}
	if se, ok := err.(*StorageError); ok {
		return se.Code == "conflict"
	}
	return false
}
