package tunnel

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/trafegodns/trafegodns/internal/intent"
	"github.com/trafegodns/trafegodns/internal/provider"
	"github.com/trafegodns/trafegodns/internal/storage"
	"github.com/trafegodns/trafegodns/internal/types"
)

// fakeTunnelProvider records tunnel operations in memory.
type fakeTunnelProvider struct {
	id string

	mu       sync.Mutex
	ensures  int
	deploys  int
	deployed []types.IngressRule
}

func (f *fakeTunnelProvider) ID() string   { return f.id }
func (f *fakeTunnelProvider) Type() string { return "cloudflare" }
func (f *fakeTunnelProvider) Features() types.ProviderFeatures {
	return types.ProviderFeatures{Proxied: true, TTLMin: 1, TTLMax: 86400, SupportedTypes: types.AllRecordTypes}
}
func (f *fakeTunnelProvider) List(ctx context.Context) ([]provider.Record, error) { return nil, nil }
func (f *fakeTunnelProvider) Find(ctx context.Context, hostname string, recordType types.RecordType) ([]provider.Record, error) {
	return nil, nil
}
func (f *fakeTunnelProvider) Create(ctx context.Context, rec provider.Record) (provider.Record, error) {
	return rec, nil
}
func (f *fakeTunnelProvider) Update(ctx context.Context, rec provider.Record) (provider.Record, error) {
	return rec, nil
}
func (f *fakeTunnelProvider) Delete(ctx context.Context, rec provider.Record) error { return nil }

func (f *fakeTunnelProvider) EnsureTunnel(ctx context.Context, name string) (*types.Tunnel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensures++
	return &types.Tunnel{ID: "t1", ProviderID: f.id, ExternalTunnelID: "ext-tunnel-1", Name: name}, nil
}

func (f *fakeTunnelProvider) DeployIngress(ctx context.Context, tunnelID string, rules []types.IngressRule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deploys++
	f.deployed = append([]types.IngressRule(nil), rules...)
	return nil
}

func (f *fakeTunnelProvider) DeleteTunnel(ctx context.Context, tunnelID string) error { return nil }

func (f *fakeTunnelProvider) TunnelTarget(tunnelID string) string {
	return tunnelID + ".cfargotunnel.com"
}

func (f *fakeTunnelProvider) state() (ensures, deploys int, deployed []types.IngressRule) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ensures, f.deploys, append([]types.IngressRule(nil), f.deployed...)
}

var _ provider.TunnelProvider = (*fakeTunnelProvider)(nil)

func newTestManager(t *testing.T, cfg Config) (*Manager, *fakeTunnelProvider, storage.Storage) {
	t.Helper()
	store, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open storage: %v", err)
	}
	if err := store.Initialize(context.Background()); err != nil {
		t.Fatalf("failed to initialize storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	fp := &fakeTunnelProvider{id: "cf1"}
	reg := provider.NewRegistry()
	if err := reg.Register(fp); err != nil {
		t.Fatal(err)
	}
	return New(reg, store, nil, cfg), fp, store
}

func TestSyncModeOff(t *testing.T) {
	m, fp, _ := newTestManager(t, Config{Mode: ModeOff})

	records, err := m.Sync(context.Background(), []intent.IngressIntent{{Hostname: "app.example.com"}})
	if err != nil || records != nil {
		t.Fatalf("sync off = %v, %v, want nil, nil", records, err)
	}
	if ensures, deploys, _ := fp.state(); ensures != 0 || deploys != 0 {
		t.Errorf("provider touched while off: %d ensures, %d deploys", ensures, deploys)
	}
}

func TestSyncDeploysAndReturnsRecords(t *testing.T) {
	m, fp, _ := newTestManager(t, Config{Mode: ModeAll, DefaultService: "http://web:80"})
	ctx := context.Background()

	records, err := m.Sync(ctx, []intent.IngressIntent{
		{Hostname: "b.example.com", Service: "http://api:8080"},
		{Hostname: "a.example.com"}, // falls back to the default service
	})
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	_, deploys, deployed := fp.state()
	if deploys != 1 {
		t.Fatalf("deploys = %d, want 1", deploys)
	}
	if len(deployed) != 2 || deployed[0].Hostname != "a.example.com" || deployed[1].Hostname != "b.example.com" {
		t.Fatalf("deployed rules = %+v", deployed)
	}
	if deployed[0].Service != "http://web:80" {
		t.Errorf("default service not applied: %q", deployed[0].Service)
	}

	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	for _, r := range records {
		if r.Type != types.RecordTypeCNAME || r.Content != "ext-tunnel-1.cfargotunnel.com" {
			t.Errorf("record %s = %s %s", r.Hostname, r.Type, r.Content)
		}
		if !r.IsProxied() {
			t.Errorf("record %s not proxied", r.Hostname)
		}
		if r.Source != types.SourceTunnel {
			t.Errorf("record %s source = %s", r.Hostname, r.Source)
		}
	}
}

func TestSyncLabeledMode(t *testing.T) {
	m, fp, _ := newTestManager(t, Config{Mode: ModeLabeled, DefaultService: "http://web:80"})

	_, err := m.Sync(context.Background(), []intent.IngressIntent{
		{Hostname: "opted.example.com", Labeled: true},
		{Hostname: "swept.example.com"},
	})
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	_, _, deployed := fp.state()
	if len(deployed) != 1 || deployed[0].Hostname != "opted.example.com" {
		t.Errorf("deployed rules = %+v", deployed)
	}
}

func TestSyncIdempotent(t *testing.T) {
	m, fp, _ := newTestManager(t, Config{Mode: ModeAll, DefaultService: "http://web:80"})
	ctx := context.Background()
	in := []intent.IngressIntent{{Hostname: "app.example.com"}}

	if _, err := m.Sync(ctx, in); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Sync(ctx, in); err != nil {
		t.Fatal(err)
	}
	if _, deploys, _ := fp.state(); deploys != 1 {
		t.Errorf("deploys = %d, want 1", deploys)
	}
}

func TestSyncOrphanAndRestore(t *testing.T) {
	m, _, store := newTestManager(t, Config{Mode: ModeAll, DefaultService: "http://web:80"})
	ctx := context.Background()

	if _, err := m.Sync(ctx, []intent.IngressIntent{{Hostname: "app.example.com"}}); err != nil {
		t.Fatal(err)
	}

	// Intent disappears: the rule is orphaned but stays deployed.
	records, err := m.Sync(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	tracked, _ := store.ListTunnelIngress(ctx, "ext-tunnel-1")
	if len(tracked) != 1 || tracked[0].OrphanedAt == nil {
		t.Fatalf("rule not orphaned: %+v", tracked)
	}
	if len(records) != 1 {
		t.Errorf("orphaned rule should still be routed, records = %d", len(records))
	}

	// Intent returns: the rule is restored.
	if _, err := m.Sync(ctx, []intent.IngressIntent{{Hostname: "app.example.com"}}); err != nil {
		t.Fatal(err)
	}
	tracked, _ = store.ListTunnelIngress(ctx, "ext-tunnel-1")
	if len(tracked) != 1 || tracked[0].OrphanedAt != nil {
		t.Errorf("rule not restored: %+v", tracked)
	}
}

func TestSyncKeepsAPIRules(t *testing.T) {
	m, fp, store := newTestManager(t, Config{Mode: ModeAll, DefaultService: "http://web:80"})
	ctx := context.Background()

	if err := store.SaveTunnelIngress(ctx, &storage.TunnelIngress{
		ID:       uuid.New().String(),
		TunnelID: "ext-tunnel-1",
		Hostname: "manual.example.com",
		Service:  "http://legacy:3000",
		Source:   string(types.IngressSourceAPI),
	}); err != nil {
		t.Fatal(err)
	}

	records, err := m.Sync(ctx, []intent.IngressIntent{{Hostname: "app.example.com"}})
	if err != nil {
		t.Fatal(err)
	}
	_, _, deployed := fp.state()
	if len(deployed) != 2 {
		t.Fatalf("deployed rules = %+v", deployed)
	}
	if len(records) != 2 {
		t.Errorf("manual rule should get a DNS record too, got %d", len(records))
	}

	// The manual rule survives intent disappearing entirely.
	if _, err := m.Sync(ctx, nil); err != nil {
		t.Fatal(err)
	}
	tracked, _ := store.ListTunnelIngress(ctx, "ext-tunnel-1")
	for _, tr := range tracked {
		if tr.Hostname == "manual.example.com" && tr.OrphanedAt != nil {
			t.Error("api-sourced rule was orphaned")
		}
	}
}

func TestEnsureTunnelCachedAcrossSyncs(t *testing.T) {
	m, fp, store := newTestManager(t, Config{Mode: ModeAll, DefaultService: "http://web:80"})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := m.Sync(ctx, nil); err != nil {
			t.Fatal(err)
		}
	}
	if ensures, _, _ := fp.state(); ensures != 1 {
		t.Errorf("ensures = %d, want 1", ensures)
	}
	if id, _ := store.GetSetting(ctx, "tunnel.id.trafegodns"); id != "ext-tunnel-1" {
		t.Errorf("persisted tunnel id = %q", id)
	}
}

func TestSyncPinnedTunnelID(t *testing.T) {
	m, fp, _ := newTestManager(t, Config{Mode: ModeAll, TunnelID: "pinned-id", DefaultService: "http://web:80"})

	records, err := m.Sync(context.Background(), []intent.IngressIntent{{Hostname: "app.example.com"}})
	if err != nil {
		t.Fatal(err)
	}
	if ensures, _, _ := fp.state(); ensures != 0 {
		t.Errorf("EnsureTunnel called despite pinned ID: %d", ensures)
	}
	if len(records) != 1 || records[0].Content != "pinned-id.cfargotunnel.com" {
		t.Errorf("records = %+v", records)
	}
}
