// Package orphan sweeps orphaned records whose grace period elapsed.
// The reconciler marks and restores orphans as intent changes; this
// manager is the periodic deleter that runs even when intent is quiet.
package orphan

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/trafegodns/trafegodns/internal/bus"
	"github.com/trafegodns/trafegodns/internal/provider"
	"github.com/trafegodns/trafegodns/internal/storage"
	"github.com/trafegodns/trafegodns/internal/types"
)

// Config holds orphan manager configuration.
type Config struct {
	// GracePeriod is how long a record stays orphaned before it may
	// be deleted. Default 15 minutes.
	GracePeriod time.Duration
	// CleanupOrphaned enables deletion. When false the sweep only
	// reports; orphan state is still tracked.
	CleanupOrphaned bool
	// SweepInterval is the cadence of the background sweep.
	SweepInterval time.Duration
}

// Manager deletes expired orphans across all providers.
type Manager struct {
	store    storage.Storage
	registry *provider.Registry
	bus      *bus.Bus
	cfg      Config
}

// New creates an orphan manager. bus may be nil.
func New(store storage.Storage, registry *provider.Registry, b *bus.Bus, cfg Config) *Manager {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 15 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	return &Manager{store: store, registry: registry, bus: b, cfg: cfg}
}

// Run sweeps periodically until ctx is canceled.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	log.Info().
		Dur("grace_period", m.cfg.GracePeriod).
		Bool("cleanup", m.cfg.CleanupOrphaned).
		Msg("Orphan manager started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil {
				log.Error().Err(err).Msg("Orphan sweep failed")
			}
		}
	}
}

// Sweep deletes every orphaned record whose grace period elapsed and
// whose hostname is not preserved. Returns the number deleted.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	if !m.cfg.CleanupOrphaned {
		return 0, nil
	}

	cutoff := time.Now().Add(-m.cfg.GracePeriod)

	expired, err := m.store.ListOrphanedBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	preserved, err := m.store.ListPreservedHostnames(ctx)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, rec := range expired {
		if ctx.Err() != nil {
			return deleted, ctx.Err()
		}
		if pattern := matchPreserved(rec.Hostname, preserved); pattern != "" {
			log.Debug().
				Str("hostname", rec.Hostname).
				Str("pattern", pattern).
				Msg("Orphan preserved, skipping delete")
			continue
		}
		if err := m.deleteRecord(ctx, rec); err != nil {
			log.Error().Err(err).
				Str("hostname", rec.Hostname).
				Str("provider", rec.ProviderID).
				Msg("Failed to delete expired orphan")
			continue
		}
		deleted++
	}

	ingressDeleted, err := m.sweepIngress(ctx, cutoff)
	if err != nil {
		log.Error().Err(err).Msg("Tunnel ingress sweep failed")
	}
	deleted += ingressDeleted

	if deleted > 0 {
		log.Info().Int("deleted", deleted).Msg("Orphan sweep completed")
	}
	return deleted, nil
}

func (m *Manager) deleteRecord(ctx context.Context, rec *storage.Record) error {
	p, ok := m.registry.Get(rec.ProviderID)
	if !ok {
		// Provider no longer configured; drop the tracking row only.
		log.Warn().
			Str("provider", rec.ProviderID).
			Str("hostname", rec.Hostname).
			Msg("Provider gone, dropping orphan tracking without remote delete")
	} else {
		err := p.Delete(ctx, provider.Record{
			ExternalID: rec.ExternalID,
			ZoneID:     rec.ZoneID,
			Hostname:   rec.Hostname,
			Type:       types.RecordType(rec.RecordType),
		})
		if err != nil {
			return err
		}
	}

	err := m.store.WithTx(ctx, func(tx storage.Storage) error {
		if err := tx.DeleteRecord(ctx, rec.ID); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, &storage.AuditEntry{
			Timestamp:  time.Now(),
			Action:     "record.delete",
			ProviderID: rec.ProviderID,
			Hostname:   rec.Hostname,
			RecordType: rec.RecordType,
			Detail:     "orphan grace period elapsed",
		})
	})
	if err != nil {
		return err
	}

	if m.bus != nil {
		m.bus.Publish(types.Event{
			Type:     types.EventRecordDeleted,
			Hostname: rec.Hostname,
			Payload:  rec,
		})
	}
	return nil
}

// sweepIngress removes expired auto-managed tunnel ingress rows.
// Rules created through the management surface (source "api") are
// never auto-deleted. The tunnel manager pushes the trimmed rule set
// on its next deployment.
func (m *Manager) sweepIngress(ctx context.Context, cutoff time.Time) (int, error) {
	expired, err := m.store.ListTunnelIngressOrphanedBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, ing := range expired {
		if ing.Source == "api" {
			continue
		}
		err := m.store.WithTx(ctx, func(tx storage.Storage) error {
			if err := tx.DeleteTunnelIngress(ctx, ing.ID); err != nil {
				return err
			}
			return tx.AppendAudit(ctx, &storage.AuditEntry{
				Timestamp:  time.Now(),
				Action:     "tunnel.ingress.delete",
				ProviderID: ing.ProviderID,
				Hostname:   ing.Hostname,
				Detail:     "orphan grace period elapsed",
			})
		})
		if err != nil {
			log.Error().Err(err).
				Str("hostname", ing.Hostname).
				Msg("Failed to delete expired ingress orphan")
			continue
		}
		deleted++
	}
	return deleted, nil
}

func matchPreserved(hostname string, preserved []*storage.PreservedHostname) string {
	for _, p := range preserved {
		m := types.PreservedHostname{Pattern: p.Pattern}
		if m.MatchesHostname(hostname) {
			return p.Pattern
		}
	}
	return ""
}
