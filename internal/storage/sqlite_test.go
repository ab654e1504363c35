package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestStorage(t *testing.T) *SQLiteStorage {
	t.Helper()
	s, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("failed to initialize storage: %v", err)
	}
	return s
}

func TestInitializeIdempotent(t *testing.T) {
	s := newTestStorage(t)
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("second initialize failed: %v", err)
	}
	v, err := s.GetSetting(context.Background(), "schema_version")
	if err != nil || v == "" || v == "0" {
		t.Fatalf("schema_version = %q, err %v", v, err)
	}
}

func TestRecordLifecycle(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	rec := &Record{
		ProviderID: "cloudflare",
		Hostname:   "app.example.com",
		RecordType: "A",
		Content:    "203.0.113.10",
		TTL:        300,
		Proxied:    true,
		Source:     "traefik",
	}
	if err := s.SaveRecord(ctx, rec); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if rec.ID == "" {
		t.Fatal("save did not assign an ID")
	}

	got, err := s.GetActiveRecord(ctx, "cloudflare", "app.example.com", "A")
	if err != nil {
		t.Fatalf("get active failed: %v", err)
	}
	if got.Content != "203.0.113.10" || !got.Proxied || got.TTL != 300 {
		t.Errorf("round trip mismatch: %+v", got)
	}

	// Second active record in the same slot must conflict.
	dup := &Record{
		ProviderID: "cloudflare",
		Hostname:   "app.example.com",
		RecordType: "A",
		Content:    "198.51.100.1",
		Source:     "traefik",
	}
	if err := s.SaveRecord(ctx, dup); !IsConflict(err) {
		t.Errorf("duplicate active record: err = %v, want conflict", err)
	}

	// Same slot on another provider is fine.
	other := &Record{
		ProviderID: "rfc2136",
		Hostname:   "app.example.com",
		RecordType: "A",
		Content:    "203.0.113.10",
		Source:     "traefik",
	}
	if err := s.SaveRecord(ctx, other); err != nil {
		t.Fatalf("other provider save failed: %v", err)
	}

	// Update by ID through the same Save.
	rec.Content = "203.0.113.99"
	if err := s.SaveRecord(ctx, rec); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	got, _ = s.GetRecord(ctx, rec.ID)
	if got.Content != "203.0.113.99" {
		t.Errorf("update not persisted: %q", got.Content)
	}

	if err := s.DeleteRecord(ctx, rec.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := s.GetRecord(ctx, rec.ID); !IsNotFound(err) {
		t.Errorf("deleted record lookup: err = %v, want not found", err)
	}
}

func TestOrphanMarkRestore(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	rec := &Record{ProviderID: "cf", Hostname: "web.example.com", RecordType: "CNAME", Content: "lb.example.com", Source: "traefik"}
	if err := s.SaveRecord(ctx, rec); err != nil {
		t.Fatal(err)
	}

	orphanTime := time.Now().Add(-20 * time.Minute)
	if err := s.MarkRecordOrphaned(ctx, rec.ID, orphanTime); err != nil {
		t.Fatalf("mark orphaned failed: %v", err)
	}

	if _, err := s.GetActiveRecord(ctx, "cf", "web.example.com", "CNAME"); !IsNotFound(err) {
		t.Errorf("orphaned record still active: err = %v", err)
	}

	// Slot is free while the old record sits in grace.
	replacement := &Record{ProviderID: "cf", Hostname: "web.example.com", RecordType: "CNAME", Content: "lb2.example.com", Source: "traefik"}
	if err := s.SaveRecord(ctx, replacement); err != nil {
		t.Fatalf("slot not freed by orphaning: %v", err)
	}
	if err := s.DeleteRecord(ctx, replacement.ID); err != nil {
		t.Fatal(err)
	}

	expired, err := s.ListOrphanedBefore(ctx, time.Now().Add(-15*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 1 || expired[0].ID != rec.ID {
		t.Fatalf("expired orphans = %v", expired)
	}
	if none, _ := s.ListOrphanedBefore(ctx, time.Now().Add(-30*time.Minute)); len(none) != 0 {
		t.Errorf("cutoff before orphanedAt should match nothing, got %d", len(none))
	}

	if err := s.RestoreRecord(ctx, rec.ID); err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	got, err := s.GetActiveRecord(ctx, "cf", "web.example.com", "CNAME")
	if err != nil || got.ID != rec.ID {
		t.Fatalf("restored record not active: %v, %v", got, err)
	}
}

func TestListRecordsFilter(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	seed := []*Record{
		{ProviderID: "cf", Hostname: "a.example.com", RecordType: "A", Content: "1.2.3.4", Source: "traefik", ContainerID: "c1"},
		{ProviderID: "cf", Hostname: "b.example.com", RecordType: "A", Content: "1.2.3.4", Source: "container-label", ContainerID: "c2"},
		{ProviderID: "r53", Hostname: "a.example.com", RecordType: "AAAA", Content: "2001:db8::1", Source: "traefik", ContainerID: "c1"},
	}
	for _, r := range seed {
		if err := s.SaveRecord(ctx, r); err != nil {
			t.Fatal(err)
		}
	}
	s.MarkRecordOrphaned(ctx, seed[1].ID, time.Now())

	byProvider, _ := s.ListRecords(ctx, RecordFilter{ProviderID: "cf"})
	if len(byProvider) != 2 {
		t.Errorf("provider filter: got %d, want 2", len(byProvider))
	}
	active := false
	byActive, _ := s.ListRecords(ctx, RecordFilter{Orphaned: &active})
	if len(byActive) != 2 {
		t.Errorf("active filter: got %d, want 2", len(byActive))
	}
	byContainer, _ := s.ListRecords(ctx, RecordFilter{ContainerID: "c1"})
	if len(byContainer) != 2 {
		t.Errorf("container filter: got %d, want 2", len(byContainer))
	}
	bySource, _ := s.ListRecords(ctx, RecordFilter{Source: "container-label"})
	if len(bySource) != 1 {
		t.Errorf("source filter: got %d, want 1", len(bySource))
	}
}

func TestOverrideRoundTrip(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	ttl := 60
	proxied := false
	o := &Override{
		Hostname:   "app.example.com",
		RecordType: "A",
		TTL:        &ttl,
		Proxied:    &proxied,
		Enabled:    true,
	}
	if err := s.SaveOverride(ctx, o); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetOverride(ctx, o.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.TTL == nil || *got.TTL != 60 {
		t.Errorf("ttl = %v", got.TTL)
	}
	if got.Proxied == nil || *got.Proxied {
		t.Errorf("proxied = %v", got.Proxied)
	}
	if got.Content != "" {
		t.Errorf("unset content came back as %q", got.Content)
	}

	// Sparse fields stay nil when absent.
	bare := &Override{Hostname: "other.example.com", Content: "10.0.0.1", Enabled: false}
	s.SaveOverride(ctx, bare)
	got, _ = s.GetOverride(ctx, bare.ID)
	if got.TTL != nil || got.Proxied != nil {
		t.Errorf("absent fields not nil: %+v", got)
	}

	enabled, _ := s.ListOverrides(ctx, true)
	if len(enabled) != 1 || enabled[0].ID != o.ID {
		t.Errorf("enabledOnly list = %v", enabled)
	}
	all, _ := s.ListOverrides(ctx, false)
	if len(all) != 2 {
		t.Errorf("full list = %d", len(all))
	}
}

func TestPreservedHostnames(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	p := &PreservedHostname{Pattern: "*.static.example.com", Reason: "manually managed"}
	if err := s.SavePreservedHostname(ctx, p); err != nil {
		t.Fatal(err)
	}
	// Same pattern twice updates in place.
	if err := s.SavePreservedHostname(ctx, &PreservedHostname{Pattern: "*.static.example.com", Reason: "updated"}); err != nil {
		t.Fatal(err)
	}
	list, err := s.ListPreservedHostnames(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Reason != "updated" {
		t.Fatalf("list = %+v", list)
	}
	if err := s.DeletePreservedHostname(ctx, list[0].ID); err != nil {
		t.Fatal(err)
	}
}

func TestProviderRoundTrip(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	p := &Provider{ID: "cf-main", Type: "cloudflare", Config: `{"zone":"example.com"}`, Enabled: true}
	if err := s.SaveProvider(ctx, p); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetProvider(ctx, "cf-main")
	if err != nil || got.Type != "cloudflare" || got.Config != p.Config {
		t.Fatalf("got %+v, err %v", got, err)
	}
	if _, err := s.GetProvider(ctx, "missing"); !IsNotFound(err) {
		t.Errorf("missing provider: err = %v", err)
	}
}

func TestTunnelIngressLifecycle(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	ing := &TunnelIngress{
		TunnelID:   "tun-1",
		ProviderID: "cf",
		Hostname:   "app.example.com",
		Service:    "http://web:8080",
		Source:     "auto",
	}
	if err := s.SaveTunnelIngress(ctx, ing); err != nil {
		t.Fatal(err)
	}

	list, err := s.ListTunnelIngress(ctx, "tun-1")
	if err != nil || len(list) != 1 {
		t.Fatalf("list = %v, err %v", list, err)
	}

	at := time.Now().Add(-time.Hour)
	if err := s.MarkTunnelIngressOrphaned(ctx, ing.ID, at); err != nil {
		t.Fatal(err)
	}
	expired, err := s.ListTunnelIngressOrphanedBefore(ctx, time.Now())
	if err != nil || len(expired) != 1 {
		t.Fatalf("expired = %v, err %v", expired, err)
	}
	if err := s.RestoreTunnelIngress(ctx, ing.ID); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetTunnelIngress(ctx, ing.ID)
	if got.OrphanedAt != nil {
		t.Error("restore did not clear orphaned_at")
	}
}

func TestSettings(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	if v, err := s.GetSetting(ctx, "public_ip"); err != nil || v != "" {
		t.Fatalf("missing key: %q, %v", v, err)
	}
	if err := s.SetSetting(ctx, "public_ip", "203.0.113.1"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetSetting(ctx, "public_ip", "203.0.113.2"); err != nil {
		t.Fatal(err)
	}
	if v, _ := s.GetSetting(ctx, "public_ip"); v != "203.0.113.2" {
		t.Errorf("value = %q", v)
	}

	if err := s.SetSetting(ctx, "public_ip6", "2001:db8::1"); err != nil {
		t.Fatal(err)
	}
	all, err := s.ListSettings(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if all["public_ip"] != "203.0.113.2" || all["public_ip6"] != "2001:db8::1" {
		t.Errorf("list = %v", all)
	}

	if err := s.DeleteSetting(ctx, "public_ip6"); err != nil {
		t.Fatal(err)
	}
	if v, _ := s.GetSetting(ctx, "public_ip6"); v != "" {
		t.Errorf("deleted key still returns %q", v)
	}
	// Deleting a missing key is a no-op.
	if err := s.DeleteSetting(ctx, "nope"); err != nil {
		t.Fatal(err)
	}
}

func TestAuditLog(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	entries := []*AuditEntry{
		{Action: "record.created", ProviderID: "cf", Hostname: "a.example.com", RecordType: "A"},
		{Action: "record.updated", ProviderID: "cf", Hostname: "a.example.com", RecordType: "A", Detail: "content changed"},
		{Action: "record.created", ProviderID: "r53", Hostname: "b.example.com", RecordType: "TXT"},
	}
	for _, e := range entries {
		if err := s.AppendAudit(ctx, e); err != nil {
			t.Fatal(err)
		}
		if e.ID == 0 {
			t.Fatal("append did not assign an ID")
		}
	}

	byHost, _ := s.ListAudit(ctx, AuditFilter{Hostname: "a.example.com"})
	if len(byHost) != 2 {
		t.Errorf("hostname filter: got %d, want 2", len(byHost))
	}
	// Newest first.
	if byHost[0].Action != "record.updated" {
		t.Errorf("order: first = %q", byHost[0].Action)
	}
	limited, _ := s.ListAudit(ctx, AuditFilter{Limit: 1})
	if len(limited) != 1 {
		t.Errorf("limit: got %d", len(limited))
	}
}

func TestPruneAuditBefore(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	old := &AuditEntry{Action: "record.created", Hostname: "old.example.com", Timestamp: time.Now().Add(-48 * time.Hour)}
	fresh := &AuditEntry{Action: "record.created", Hostname: "fresh.example.com"}
	for _, e := range []*AuditEntry{old, fresh} {
		if err := s.AppendAudit(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.PruneAuditBefore(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("pruned = %d, want 1", n)
	}
	left, _ := s.ListAudit(ctx, AuditFilter{})
	if len(left) != 1 || left[0].Hostname != "fresh.example.com" {
		t.Errorf("remaining = %+v", left)
	}
}

func TestWithTx(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	// Rollback leaves nothing behind.
	err := s.WithTx(ctx, func(tx Storage) error {
		if err := tx.SaveRecord(ctx, &Record{ProviderID: "cf", Hostname: "x.example.com", RecordType: "A", Content: "1.1.1.1", Source: "traefik"}); err != nil {
			return err
		}
		return ErrConflict
	})
	if err == nil {
		t.Fatal("expected error from fn")
	}
	if recs, _ := s.ListRecords(ctx, RecordFilter{}); len(recs) != 0 {
		t.Fatalf("rollback leaked %d records", len(recs))
	}

	// Commit persists the record together with its audit entry.
	err = s.WithTx(ctx, func(tx Storage) error {
		if err := tx.SaveRecord(ctx, &Record{ProviderID: "cf", Hostname: "x.example.com", RecordType: "A", Content: "1.1.1.1", Source: "traefik"}); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, &AuditEntry{Action: "record.created", Hostname: "x.example.com"})
	})
	if err != nil {
		t.Fatalf("tx failed: %v", err)
	}
	recs, _ := s.ListRecords(ctx, RecordFilter{})
	audits, _ := s.ListAudit(ctx, AuditFilter{})
	if len(recs) != 1 || len(audits) != 1 {
		t.Fatalf("commit: %d records, %d audits", len(recs), len(audits))
	}

	// Nesting is rejected.
	err = s.WithTx(ctx, func(tx Storage) error {
		return tx.WithTx(ctx, func(Storage) error { return nil })
	})
	if err == nil {
		t.Fatal("nested WithTx should fail")
	}
}
