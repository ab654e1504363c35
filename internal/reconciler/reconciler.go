// Package reconciler brings provider state into agreement with the
// desired record set. Each provider reconciles serially; failures are
// isolated per item and never abort a cycle.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/trafegodns/trafegodns/internal/bus"
	"github.com/trafegodns/trafegodns/internal/metrics"
	"github.com/trafegodns/trafegodns/internal/provider"
	"github.com/trafegodns/trafegodns/internal/storage"
	"github.com/trafegodns/trafegodns/internal/types"
)

// Config holds reconciler configuration.
type Config struct {
	// GracePeriod is how long an orphaned record survives before
	// deletion. Default 15 minutes.
	GracePeriod time.Duration
	// CleanupOrphaned enables deferred deletes. When false orphan
	// state is tracked but nothing is ever deleted.
	CleanupOrphaned bool
	// CacheTTL is the freshness window for provider record listings.
	CacheTTL time.Duration
	// RetryAttempts bounds retries of rate-limited and transient
	// provider errors within one cycle.
	RetryAttempts int
	// RetryBase is the initial backoff, doubled per attempt.
	RetryBase time.Duration
	// RequestTimeout bounds each provider call.
	RequestTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.GracePeriod <= 0 {
		c.GracePeriod = 15 * time.Minute
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = time.Minute
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 60 * time.Second
	}
}

// providerState serializes cycles per provider and carries the record
// listing cache.
type providerState struct {
	mu    sync.Mutex
	rerun bool

	cacheMu  sync.Mutex
	cache    map[remoteKey]provider.Record
	cacheAt  time.Time
	degraded bool
	// pending is the newest desired set for this provider. A rerun
	// pass reloads it so the extra cycle converges on the intent
	// that triggered it, not the one the running cycle started with.
	pending []*types.DesiredRecord
}

// Reconciler diffs intent against tracked and provider state and
// applies the resulting plan.
type Reconciler struct {
	registry *provider.Registry
	store    storage.Storage
	bus      *bus.Bus
	cfg      Config

	statesMu sync.Mutex
	states   map[string]*providerState

	syncMu        sync.RWMutex
	lastSyncTime  time.Time
	lastSyncStats map[string]types.SyncStats
}

// New creates a reconciler. bus may be nil in tests.
func New(registry *provider.Registry, store storage.Storage, b *bus.Bus, cfg Config) *Reconciler {
	cfg.applyDefaults()
	return &Reconciler{
		registry:      registry,
		store:         store,
		bus:           b,
		cfg:           cfg,
		states:        make(map[string]*providerState),
		lastSyncStats: make(map[string]types.SyncStats),
	}
}

// Reconcile runs one cycle for every registered provider against the
// given intent. Providers reconcile in parallel; within one provider
// cycles are serialized and a trigger during a running cycle schedules
// exactly one rerun.
func (r *Reconciler) Reconcile(ctx context.Context, intent *types.IntentSet) {
	var wg sync.WaitGroup
	for _, p := range r.registry.All() {
		wg.Add(1)
		go func(p provider.Provider) {
			defer wg.Done()
			r.reconcileProvider(ctx, p, intent.ForProvider(p.ID()))
		}(p)
	}
	wg.Wait()

	r.syncMu.Lock()
	r.lastSyncTime = time.Now()
	r.syncMu.Unlock()
}

// LastSyncTime returns the end of the most recent full reconciliation.
func (r *Reconciler) LastSyncTime() time.Time {
	r.syncMu.RLock()
	defer r.syncMu.RUnlock()
	return r.lastSyncTime
}

// LastStats returns the stats of the most recent cycle per provider.
func (r *Reconciler) LastStats() map[string]types.SyncStats {
	r.syncMu.RLock()
	defer r.syncMu.RUnlock()
	out := make(map[string]types.SyncStats, len(r.lastSyncStats))
	for k, v := range r.lastSyncStats {
		out[k] = v
	}
	return out
}

// Degraded reports whether the provider's last cycle hit a persistent
// failure.
func (r *Reconciler) Degraded(providerID string) bool {
	st := r.state(providerID)
	st.cacheMu.Lock()
	defer st.cacheMu.Unlock()
	return st.degraded
}

// InvalidateCache drops the provider listing cache, forcing a fresh
// List on the next cycle.
func (r *Reconciler) InvalidateCache(providerID string) {
	st := r.state(providerID)
	st.cacheMu.Lock()
	st.cache = nil
	st.cacheAt = time.Time{}
	st.cacheMu.Unlock()
}

func (r *Reconciler) state(providerID string) *providerState {
	r.statesMu.Lock()
	defer r.statesMu.Unlock()
	st, ok := r.states[providerID]
	if !ok {
		st = &providerState{}
		r.states[providerID] = st
	}
	return st
}

func (r *Reconciler) reconcileProvider(ctx context.Context, p provider.Provider, desired []*types.DesiredRecord) {
	st := r.state(p.ID())

	st.cacheMu.Lock()
	st.pending = desired
	st.cacheMu.Unlock()

	if !st.mu.TryLock() {
		// A cycle is in flight; make it run once more when done.
		st.cacheMu.Lock()
		st.rerun = true
		st.cacheMu.Unlock()
		return
	}
	defer st.mu.Unlock()

	for {
		st.cacheMu.Lock()
		desired = st.pending
		st.cacheMu.Unlock()

		start := time.Now()
		stats := r.runCycle(ctx, p, st, desired)
		metrics.ObserveSync(stats, time.Since(start))

		r.syncMu.Lock()
		r.lastSyncStats[p.ID()] = stats
		r.syncMu.Unlock()

		r.publish(types.Event{
			Type:    types.EventSyncCompleted,
			Payload: stats,
		})

		st.cacheMu.Lock()
		again := st.rerun
		st.rerun = false
		st.cacheMu.Unlock()
		if !again || ctx.Err() != nil {
			return
		}
	}
}

func (r *Reconciler) runCycle(ctx context.Context, p provider.Provider, st *providerState, desired []*types.DesiredRecord) types.SyncStats {
	stats := types.SyncStats{ProviderID: p.ID()}

	tracked, err := r.store.ListRecords(ctx, storage.RecordFilter{ProviderID: p.ID()})
	if err != nil {
		log.Error().Err(err).Str("provider", p.ID()).Msg("Failed to load tracked records")
		r.publishError("", err)
		return stats
	}
	preserved, err := r.store.ListPreservedHostnames(ctx)
	if err != nil {
		log.Error().Err(err).Str("provider", p.ID()).Msg("Failed to load preserved hostnames")
		r.publishError("", err)
		return stats
	}

	updateRecordGauges(p.ID(), tracked)

	remote, haveRemote := r.listRemote(ctx, p, st)

	plan := buildPlan(planInput{
		ProviderID:      p.ID(),
		Features:        p.Features(),
		Desired:         desired,
		Tracked:         tracked,
		Remote:          remote,
		HaveRemote:      haveRemote,
		Preserved:       preserved,
		GracePeriod:     r.cfg.GracePeriod,
		CleanupOrphaned: r.cfg.CleanupOrphaned,
		Now:             time.Now(),
	})

	if plan.Empty() {
		log.Debug().Str("provider", p.ID()).Msg("Provider in sync, nothing to do")
		return stats
	}

	log.Info().
		Str("provider", p.ID()).
		Int("creates", len(plan.Creates)).
		Int("updates", len(plan.Updates)).
		Int("restores", len(plan.Restores)).
		Int("orphans", len(plan.Orphans)).
		Int("deletes", len(plan.Deletes)).
		Msg("Executing reconciliation plan")

	degraded := false
	execute := func(actions []Action, fn func(context.Context, provider.Provider, Action) error) {
		for _, a := range actions {
			if ctx.Err() != nil || degraded {
				return
			}
			err := fn(ctx, p, a)
			if err == nil {
				switch a.Type {
				case ActionCreate:
					stats.Created++
				case ActionUpdate:
					stats.Updated++
				case ActionRestore:
					stats.Restored++
				case ActionOrphan:
					stats.Orphaned++
				case ActionDelete:
					stats.Deleted++
				}
				continue
			}

			stats.Failed++
			hostname, rtype := actionKey(a)
			log.Error().Err(err).
				Str("provider", p.ID()).
				Str("hostname", hostname).
				Str("type", rtype).
				Str("action", string(a.Type)).
				Msg("Reconciliation action failed")
			r.publishError(hostname, err)
			if a.Tracked != nil {
				if uerr := r.store.UpdateRecordError(ctx, a.Tracked.ID, err.Error()); uerr != nil {
					log.Warn().Err(uerr).Msg("Failed to record item error")
				}
			}
			if errors.Is(err, provider.ErrAuth) {
				// Credentials are bad; nothing else will succeed.
				degraded = true
			} else if provider.IsRetryable(err) {
				// A still-retryable error here means withRetry
				// exhausted its budget. The provider is unhealthy,
				// not just this record.
				degraded = true
			}
		}
	}

	execute(plan.Creates, r.executeCreate)
	execute(plan.Updates, r.executeUpdate)
	execute(plan.Restores, r.executeRestore)
	execute(plan.Orphans, r.executeOrphan)
	execute(plan.Deletes, r.executeDelete)

	st.cacheMu.Lock()
	st.degraded = degraded
	st.cacheMu.Unlock()
	r.registry.SetAvailable(p.ID(), !degraded)
	if degraded {
		r.publishError("", provider.WrapError(p.ID(), "reconcile", "", provider.ErrDegraded))
	}

	return stats
}

// listRemote returns the provider's record map, from cache when fresh.
// A failed listing skips drift repair for the cycle rather than
// failing it.
func (r *Reconciler) listRemote(ctx context.Context, p provider.Provider, st *providerState) (map[remoteKey]provider.Record, bool) {
	st.cacheMu.Lock()
	if st.cache != nil && time.Since(st.cacheAt) < r.cfg.CacheTTL {
		cached := st.cache
		st.cacheMu.Unlock()
		return cached, true
	}
	st.cacheMu.Unlock()

	var records []provider.Record
	err := r.withRetry(ctx, p.ID(), "list", func(ctx context.Context) error {
		var err error
		records, err = p.List(ctx)
		return err
	})
	if err != nil {
		log.Warn().Err(err).Str("provider", p.ID()).Msg("Provider listing failed, skipping drift repair")
		return nil, false
	}

	remote := make(map[remoteKey]provider.Record, len(records))
	for _, rec := range records {
		key := remoteKey{Hostname: types.NormalizeHostname(rec.Hostname), Type: rec.Type}
		if _, exists := remote[key]; !exists {
			remote[key] = rec
		}
	}

	st.cacheMu.Lock()
	st.cache = remote
	st.cacheAt = time.Now()
	st.cacheMu.Unlock()
	return remote, true
}

func (r *Reconciler) invalidate(st *providerState) {
	st.cacheMu.Lock()
	st.cache = nil
	st.cacheAt = time.Time{}
	st.cacheMu.Unlock()
}

// toProviderRecord maps intent to the provider wire shape, clamping
// the TTL to the provider's bounds.
func toProviderRecord(d *types.DesiredRecord, features types.ProviderFeatures) provider.Record {
	return provider.Record{
		Hostname: d.Hostname,
		Type:     d.Type,
		Content:  d.Content,
		TTL:      features.ClampTTL(d.TTL),
		Proxied:  d.IsProxied(),
		Priority: d.Priority,
		Weight:   d.Weight,
		Port:     d.Port,
		Flags:    d.Flags,
		Tag:      d.Tag,
	}
}

func (r *Reconciler) executeCreate(ctx context.Context, p provider.Provider, a Action) error {
	rec := toProviderRecord(a.Desired, p.Features())

	created, err := r.createOrAdopt(ctx, p, rec)
	if err != nil {
		return err
	}
	r.invalidate(r.state(p.ID()))

	now := time.Now()
	t := &storage.Record{
		ID:         uuid.New().String(),
		ProviderID: p.ID(),
		ExternalID: created.ExternalID,
		ZoneID:     created.ZoneID,
		Hostname:   a.Desired.Hostname,
		RecordType: string(a.Desired.Type),
		Content:    a.Desired.Content,
		TTL:        created.TTL,
		Proxied:    a.Desired.IsProxied(),
		Priority:   a.Desired.Priority,
		Weight:     a.Desired.Weight,
		Port:       a.Desired.Port,
		Flags:      a.Desired.Flags,
		Tag:        a.Desired.Tag,
		Source:     string(a.Desired.Source),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := r.commitRecord(ctx, t, "record.create"); err != nil {
		return err
	}

	r.publish(types.Event{
		Type:     types.EventRecordCreated,
		Hostname: t.Hostname,
		Payload:  t,
	})
	return nil
}

// createOrAdopt creates the record, falling back to adopting and
// updating an existing provider record when the create conflicts.
func (r *Reconciler) createOrAdopt(ctx context.Context, p provider.Provider, rec provider.Record) (provider.Record, error) {
	var created provider.Record
	err := r.withRetry(ctx, p.ID(), "create", func(ctx context.Context) error {
		var err error
		created, err = p.Create(ctx, rec)
		return err
	})
	if err == nil {
		return created, nil
	}
	if !errors.Is(err, provider.ErrConflict) {
		return provider.Record{}, err
	}

	// Someone already owns the slot; adopt its external ID and
	// rewrite it with our content.
	var existing []provider.Record
	ferr := r.withRetry(ctx, p.ID(), "find", func(ctx context.Context) error {
		var err error
		existing, err = p.Find(ctx, rec.Hostname, rec.Type)
		return err
	})
	if ferr != nil || len(existing) == 0 {
		return provider.Record{}, fmt.Errorf("create conflict and adoption failed: %w", err)
	}

	rec.ExternalID = existing[0].ExternalID
	rec.ZoneID = existing[0].ZoneID
	err = r.withRetry(ctx, p.ID(), "update", func(ctx context.Context) error {
		var err error
		created, err = p.Update(ctx, rec)
		return err
	})
	if err != nil {
		return provider.Record{}, err
	}
	log.Info().
		Str("provider", p.ID()).
		Str("hostname", rec.Hostname).
		Str("external_id", rec.ExternalID).
		Msg("Adopted existing provider record after create conflict")
	return created, nil
}

func (r *Reconciler) executeUpdate(ctx context.Context, p provider.Provider, a Action) error {
	rec := toProviderRecord(a.Desired, p.Features())
	rec.ExternalID = a.Tracked.ExternalID
	rec.ZoneID = a.Tracked.ZoneID

	var written provider.Record
	var err error
	if a.Recreate || rec.ExternalID == "" {
		written, err = r.createOrAdopt(ctx, p, rec)
	} else {
		err = r.withRetry(ctx, p.ID(), "update", func(ctx context.Context) error {
			var uerr error
			written, uerr = p.Update(ctx, rec)
			return uerr
		})
		if errors.Is(err, provider.ErrNotFound) {
			// The record vanished remotely; recreate it.
			rec.ExternalID = ""
			rec.ZoneID = ""
			written, err = r.createOrAdopt(ctx, p, rec)
		}
	}
	if err != nil {
		return err
	}
	r.invalidate(r.state(p.ID()))

	t := a.Tracked
	t.ExternalID = written.ExternalID
	if written.ZoneID != "" {
		t.ZoneID = written.ZoneID
	}
	t.Content = a.Desired.Content
	t.TTL = written.TTL
	t.Proxied = a.Desired.IsProxied()
	t.Priority = a.Desired.Priority
	t.Weight = a.Desired.Weight
	t.Port = a.Desired.Port
	t.Flags = a.Desired.Flags
	t.Tag = a.Desired.Tag
	t.Source = string(a.Desired.Source)
	t.LastError = ""
	t.UpdatedAt = time.Now()
	if err := r.commitRecord(ctx, t, "record.update"); err != nil {
		return err
	}

	r.publish(types.Event{
		Type:     types.EventRecordUpdated,
		Hostname: t.Hostname,
		Payload:  t,
	})
	return nil
}

func (r *Reconciler) executeRestore(ctx context.Context, p provider.Provider, a Action) error {
	err := r.store.WithTx(ctx, func(tx storage.Storage) error {
		if err := tx.RestoreRecord(ctx, a.Tracked.ID); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, &storage.AuditEntry{
			Timestamp:  time.Now(),
			Action:     "record.restore",
			ProviderID: a.Tracked.ProviderID,
			Hostname:   a.Tracked.Hostname,
			RecordType: a.Tracked.RecordType,
		})
	})
	if err != nil {
		return err
	}
	a.Tracked.OrphanedAt = nil

	log.Info().
		Str("provider", p.ID()).
		Str("hostname", a.Tracked.Hostname).
		Str("type", a.Tracked.RecordType).
		Msg("Orphaned record restored")

	// A provider write, and its update event, happen only when the
	// restored record drifted from intent.
	if recordDiffers(a.Desired, a.Tracked) {
		return r.executeUpdate(ctx, p, Action{Type: ActionUpdate, Desired: a.Desired, Tracked: a.Tracked})
	}
	return nil
}

func (r *Reconciler) executeOrphan(ctx context.Context, p provider.Provider, a Action) error {
	now := time.Now()
	err := r.store.WithTx(ctx, func(tx storage.Storage) error {
		if err := tx.MarkRecordOrphaned(ctx, a.Tracked.ID, now); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, &storage.AuditEntry{
			Timestamp:  now,
			Action:     "record.orphan",
			ProviderID: a.Tracked.ProviderID,
			Hostname:   a.Tracked.Hostname,
			RecordType: a.Tracked.RecordType,
		})
	})
	if err != nil {
		return err
	}

	r.publish(types.Event{
		Type:     types.EventRecordOrphaned,
		Hostname: a.Tracked.Hostname,
		Payload:  a.Tracked,
	})
	return nil
}

func (r *Reconciler) executeDelete(ctx context.Context, p provider.Provider, a Action) error {
	rec := provider.Record{
		ExternalID: a.Tracked.ExternalID,
		ZoneID:     a.Tracked.ZoneID,
		Hostname:   a.Tracked.Hostname,
		Type:       types.RecordType(a.Tracked.RecordType),
	}
	err := r.withRetry(ctx, p.ID(), "delete", func(ctx context.Context) error {
		return p.Delete(ctx, rec)
	})
	if err != nil {
		return err
	}
	r.invalidate(r.state(p.ID()))

	err = r.store.WithTx(ctx, func(tx storage.Storage) error {
		if err := tx.DeleteRecord(ctx, a.Tracked.ID); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, &storage.AuditEntry{
			Timestamp:  time.Now(),
			Action:     "record.delete",
			ProviderID: a.Tracked.ProviderID,
			Hostname:   a.Tracked.Hostname,
			RecordType: a.Tracked.RecordType,
		})
	})
	if err != nil {
		return err
	}

	r.publish(types.Event{
		Type:     types.EventRecordDeleted,
		Hostname: a.Tracked.Hostname,
		Payload:  a.Tracked,
	})
	return nil
}

func (r *Reconciler) commitRecord(ctx context.Context, t *storage.Record, action string) error {
	return r.store.WithTx(ctx, func(tx storage.Storage) error {
		if err := tx.SaveRecord(ctx, t); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, &storage.AuditEntry{
			Timestamp:  time.Now(),
			Action:     action,
			ProviderID: t.ProviderID,
			Hostname:   t.Hostname,
			RecordType: t.RecordType,
			Detail:     t.Content,
		})
	})
}

// withRetry runs op with the per-request timeout, retrying rate-limit
// and transient failures with exponential backoff.
func (r *Reconciler) withRetry(ctx context.Context, providerID, name string, op func(context.Context) error) error {
	backoff := r.cfg.RetryBase
	var err error
	for attempt := 1; ; attempt++ {
		metrics.ProviderRequests.WithLabelValues(providerID, name).Inc()
		cctx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
		err = op(cctx)
		cancel()
		if err == nil || attempt >= r.cfg.RetryAttempts || !provider.IsRetryable(err) {
			return err
		}
		log.Debug().
			Err(err).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Msg("Retrying provider call")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}
}

func (r *Reconciler) publish(evt types.Event) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(evt)
}

func (r *Reconciler) publishError(hostname string, err error) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(types.Event{
		Type:     types.EventSystemError,
		Hostname: hostname,
		Payload:  map[string]string{"error": err.Error()},
	})
}

// updateRecordGauges refreshes the tracked-record gauges from the
// state loaded at the start of a cycle.
func updateRecordGauges(providerID string, tracked []*storage.Record) {
	active := make(map[string]int)
	orphaned := 0
	for _, t := range tracked {
		if t.Orphaned() {
			orphaned++
			continue
		}
		active[t.RecordType]++
	}
	for recordType, n := range active {
		metrics.RecordsManaged.WithLabelValues(providerID, recordType).Set(float64(n))
	}
	metrics.RecordsOrphaned.WithLabelValues(providerID).Set(float64(orphaned))
}
