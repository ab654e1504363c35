package orphan

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/trafegodns/trafegodns/internal/provider"
	"github.com/trafegodns/trafegodns/internal/storage"
	"github.com/trafegodns/trafegodns/internal/types"
)

// deleteOnlyProvider records Delete calls; the sweep never creates.
type deleteOnlyProvider struct {
	id string

	mu      sync.Mutex
	deleted []string
}

func (p *deleteOnlyProvider) ID() string   { return p.id }
func (p *deleteOnlyProvider) Type() string { return "fake" }
func (p *deleteOnlyProvider) Features() types.ProviderFeatures {
	return types.ProviderFeatures{TTLMin: 1, TTLMax: 86400, SupportedTypes: types.AllRecordTypes}
}
func (p *deleteOnlyProvider) List(ctx context.Context) ([]provider.Record, error) { return nil, nil }
func (p *deleteOnlyProvider) Find(ctx context.Context, hostname string, recordType types.RecordType) ([]provider.Record, error) {
	return nil, nil
}
func (p *deleteOnlyProvider) Create(ctx context.Context, rec provider.Record) (provider.Record, error) {
	return rec, nil
}
func (p *deleteOnlyProvider) Update(ctx context.Context, rec provider.Record) (provider.Record, error) {
	return rec, nil
}
func (p *deleteOnlyProvider) Delete(ctx context.Context, rec provider.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deleted = append(p.deleted, rec.Hostname)
	return nil
}

func (p *deleteOnlyProvider) deletions() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.deleted...)
}

func newTestManager(t *testing.T, cfg Config, p *deleteOnlyProvider) (*Manager, storage.Storage) {
	t.Helper()
	store, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open storage: %v", err)
	}
	if err := store.Initialize(context.Background()); err != nil {
		t.Fatalf("failed to initialize storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	reg := provider.NewRegistry()
	if p != nil {
		if err := reg.Register(p); err != nil {
			t.Fatal(err)
		}
	}
	return New(store, reg, nil, cfg), store
}

func seedOrphan(t *testing.T, store storage.Storage, providerID, hostname string, age time.Duration) *storage.Record {
	t.Helper()
	ctx := context.Background()
	rec := &storage.Record{
		ID:         uuid.New().String(),
		ProviderID: providerID,
		Hostname:   hostname,
		RecordType: "A",
		Content:    "192.0.2.1",
		TTL:        300,
		ExternalID: "ext-" + hostname,
		Source:     string(types.SourceTraefik),
	}
	if err := store.SaveRecord(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if err := store.MarkRecordOrphaned(ctx, rec.ID, time.Now().Add(-age)); err != nil {
		t.Fatal(err)
	}
	return rec
}

func TestSweepDeletesExpiredOrphans(t *testing.T) {
	p := &deleteOnlyProvider{id: "p1"}
	m, store := newTestManager(t, Config{GracePeriod: 15 * time.Minute, CleanupOrphaned: true}, p)
	ctx := context.Background()

	seedOrphan(t, store, "p1", "old.example.com", 20*time.Minute)
	fresh := seedOrphan(t, store, "p1", "fresh.example.com", time.Minute)

	deleted, err := m.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("deleted = %d, want 1", deleted)
	}
	if got := p.deletions(); len(got) != 1 || got[0] != "old.example.com" {
		t.Errorf("provider deletions = %v", got)
	}

	// Fresh orphan stays tracked.
	if rec, err := store.GetRecord(ctx, fresh.ID); err != nil || rec == nil {
		t.Errorf("fresh orphan removed: %v", err)
	}

	audits, err := store.ListAudit(ctx, storage.AuditFilter{Hostname: "old.example.com"})
	if err != nil || len(audits) != 1 || audits[0].Action != "record.delete" {
		t.Errorf("audit trail wrong: %v %v", audits, err)
	}
}

func TestSweepDisabledTracksOnly(t *testing.T) {
	p := &deleteOnlyProvider{id: "p1"}
	m, store := newTestManager(t, Config{GracePeriod: 15 * time.Minute, CleanupOrphaned: false}, p)
	ctx := context.Background()

	rec := seedOrphan(t, store, "p1", "old.example.com", time.Hour)

	deleted, err := m.Sweep(ctx)
	if err != nil || deleted != 0 {
		t.Fatalf("sweep = %d, %v, want 0 deletions", deleted, err)
	}
	if got, err := store.GetRecord(ctx, rec.ID); err != nil || got == nil || !got.Orphaned() {
		t.Errorf("record should remain tracked as orphaned: %v %v", got, err)
	}
}

func TestSweepSkipsPreservedHostnames(t *testing.T) {
	p := &deleteOnlyProvider{id: "p1"}
	m, store := newTestManager(t, Config{GracePeriod: 15 * time.Minute, CleanupOrphaned: true}, p)
	ctx := context.Background()

	if err := store.SavePreservedHostname(ctx, &storage.PreservedHostname{
		ID:      uuid.New().String(),
		Pattern: "*.keep.example.com",
	}); err != nil {
		t.Fatal(err)
	}
	kept := seedOrphan(t, store, "p1", "db.keep.example.com", time.Hour)
	seedOrphan(t, store, "p1", "old.example.com", time.Hour)

	deleted, err := m.Sweep(ctx)
	if err != nil || deleted != 1 {
		t.Fatalf("sweep = %d, %v, want 1", deleted, err)
	}
	if got := p.deletions(); len(got) != 1 || got[0] != "old.example.com" {
		t.Errorf("provider deletions = %v", got)
	}
	if rec, err := store.GetRecord(ctx, kept.ID); err != nil || rec == nil {
		t.Errorf("preserved orphan removed: %v", err)
	}
}

func TestSweepDropsTrackingWhenProviderGone(t *testing.T) {
	m, store := newTestManager(t, Config{GracePeriod: 15 * time.Minute, CleanupOrphaned: true}, nil)
	ctx := context.Background()

	rec := seedOrphan(t, store, "gone", "old.example.com", time.Hour)

	deleted, err := m.Sweep(ctx)
	if err != nil || deleted != 1 {
		t.Fatalf("sweep = %d, %v, want 1", deleted, err)
	}
	if got, err := store.GetRecord(ctx, rec.ID); err == nil && got != nil {
		t.Error("tracking row should be gone")
	}
}

func TestSweepIngressKeepsAPIRules(t *testing.T) {
	m, store := newTestManager(t, Config{GracePeriod: 15 * time.Minute, CleanupOrphaned: true}, nil)
	ctx := context.Background()
	past := time.Now().Add(-time.Hour)

	auto := &storage.TunnelIngress{
		ID:       uuid.New().String(),
		TunnelID: "t1",
		Hostname: "auto.example.com",
		Service:  "http://web:80",
		Source:   "auto",
	}
	api := &storage.TunnelIngress{
		ID:       uuid.New().String(),
		TunnelID: "t1",
		Hostname: "api-rule.example.com",
		Service:  "http://api:80",
		Source:   "api",
	}
	for _, ing := range []*storage.TunnelIngress{auto, api} {
		if err := store.SaveTunnelIngress(ctx, ing); err != nil {
			t.Fatal(err)
		}
		if err := store.MarkTunnelIngressOrphaned(ctx, ing.ID, past); err != nil {
			t.Fatal(err)
		}
	}

	deleted, err := m.Sweep(ctx)
	if err != nil || deleted != 1 {
		t.Fatalf("sweep = %d, %v, want 1", deleted, err)
	}
	remaining, err := store.ListTunnelIngress(ctx, "t1")
	if err != nil || len(remaining) != 1 || remaining[0].Hostname != "api-rule.example.com" {
		t.Errorf("remaining ingress = %v, %v", remaining, err)
	}
}
