package reconciler

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/trafegodns/trafegodns/internal/bus"
	"github.com/trafegodns/trafegodns/internal/provider"
	"github.com/trafegodns/trafegodns/internal/storage"
	"github.com/trafegodns/trafegodns/internal/types"
)

// fakeProvider is an in-memory provider that records every mutation.
type fakeProvider struct {
	id       string
	features types.ProviderFeatures

	mu      sync.Mutex
	records map[string]provider.Record
	nextID  int

	creates, updates, deletes, lists int

	createErr error
	listErr   error

	// createHook runs at the top of Create, before any locking.
	createHook func(rec provider.Record)
}

func newFakeProvider(id string) *fakeProvider {
	return &fakeProvider{
		id: id,
		features: types.ProviderFeatures{
			Proxied:        true,
			TTLMin:         1,
			TTLMax:         86400,
			SupportedTypes: types.AllRecordTypes,
		},
		records: make(map[string]provider.Record),
	}
}

func (f *fakeProvider) ID() string                       { return f.id }
func (f *fakeProvider) Type() string                     { return "fake" }
func (f *fakeProvider) Features() types.ProviderFeatures { return f.features }

func (f *fakeProvider) List(ctx context.Context) ([]provider.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]provider.Record, 0, len(f.records))
	for _, r := range f.records {
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeProvider) Find(ctx context.Context, hostname string, recordType types.RecordType) ([]provider.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []provider.Record
	for _, r := range f.records {
		if r.Hostname == hostname && r.Type == recordType {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeProvider) Create(ctx context.Context, rec provider.Record) (provider.Record, error) {
	if f.createHook != nil {
		f.createHook(rec)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if f.createErr != nil {
		return provider.Record{}, f.createErr
	}
	f.nextID++
	rec.ExternalID = "ext-" + strconv.Itoa(f.nextID)
	f.records[rec.ExternalID] = rec
	return rec, nil
}

func (f *fakeProvider) Update(ctx context.Context, rec provider.Record) (provider.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
	if _, ok := f.records[rec.ExternalID]; !ok {
		return provider.Record{}, provider.WrapError(f.id, "update", rec.Hostname, provider.ErrNotFound)
	}
	f.records[rec.ExternalID] = rec
	return rec, nil
}

func (f *fakeProvider) Delete(ctx context.Context, rec provider.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	delete(f.records, rec.ExternalID)
	return nil
}

// seed puts a record directly at the provider, bypassing counters.
func (f *fakeProvider) seed(rec provider.Record) provider.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	rec.ExternalID = "ext-" + strconv.Itoa(f.nextID)
	f.records[rec.ExternalID] = rec
	return rec
}

func (f *fakeProvider) counts() (creates, updates, deletes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates, f.updates, f.deletes
}

func newTestReconciler(t *testing.T, cfg Config, providers ...*fakeProvider) (*Reconciler, storage.Storage) {
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
	for _, p := range providers {
		if err := reg.Register(p); err != nil {
			t.Fatal(err)
		}
	}
	return New(reg, store, nil, cfg), store
}

func intentWith(records ...*types.DesiredRecord) *types.IntentSet {
	set := types.NewIntentSet()
	for _, r := range records {
		set.Add(r)
	}
	return set
}

func desiredA(providerID, hostname, content string, ttl int) *types.DesiredRecord {
	return &types.DesiredRecord{
		Hostname:   hostname,
		Type:       types.RecordTypeA,
		Content:    content,
		TTL:        ttl,
		ProviderID: providerID,
		Source:     types.SourceTraefik,
	}
}

func TestReconcileCreates(t *testing.T) {
	p := newFakeProvider("p1")
	r, store := newTestReconciler(t, Config{}, p)
	ctx := context.Background()

	r.Reconcile(ctx, intentWith(desiredA("p1", "app.example.com", "192.0.2.1", 300)))

	creates, updates, deletes := p.counts()
	if creates != 1 || updates != 0 || deletes != 0 {
		t.Fatalf("counts = %d/%d/%d, want 1/0/0", creates, updates, deletes)
	}

	tracked, err := store.GetActiveRecord(ctx, "p1", "app.example.com", "A")
	if err != nil {
		t.Fatalf("tracked record missing: %v", err)
	}
	if tracked.ExternalID == "" {
		t.Error("external ID not captured")
	}
	if tracked.Content != "192.0.2.1" || tracked.TTL != 300 {
		t.Errorf("tracked content = %q ttl %d", tracked.Content, tracked.TTL)
	}

	audits, err := store.ListAudit(ctx, storage.AuditFilter{Hostname: "app.example.com"})
	if err != nil || len(audits) != 1 || audits[0].Action != "record.create" {
		t.Errorf("audit trail wrong: %v %v", audits, err)
	}

	stats := r.LastStats()["p1"]
	if stats.Created != 1 || stats.Failed != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestReconcileIdempotent(t *testing.T) {
	p := newFakeProvider("p1")
	r, _ := newTestReconciler(t, Config{CacheTTL: time.Nanosecond}, p)
	ctx := context.Background()
	intent := intentWith(desiredA("p1", "app.example.com", "192.0.2.1", 300))

	r.Reconcile(ctx, intent)
	c1, u1, d1 := p.counts()
	r.Reconcile(ctx, intent)
	c2, u2, d2 := p.counts()

	if c2 != c1 || u2 != u1 || d2 != d1 {
		t.Fatalf("second cycle mutated: %d/%d/%d -> %d/%d/%d", c1, u1, d1, c2, u2, d2)
	}
}

func TestReconcileDriftRepair(t *testing.T) {
	p := newFakeProvider("p1")
	r, _ := newTestReconciler(t, Config{CacheTTL: time.Nanosecond}, p)
	ctx := context.Background()
	intent := intentWith(desiredA("p1", "a.example.com", "10.0.0.1", 300))

	r.Reconcile(ctx, intent)

	// Someone changed the TTL at the provider behind our back.
	p.mu.Lock()
	for id, rec := range p.records {
		rec.TTL = 60
		p.records[id] = rec
	}
	p.mu.Unlock()

	r.Reconcile(ctx, intent)

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, rec := range p.records {
		if rec.TTL != 300 {
			t.Errorf("drift not repaired, ttl = %d", rec.TTL)
		}
	}
	if p.updates != 1 {
		t.Errorf("updates = %d, want 1", p.updates)
	}
}

func TestReconcileOrphanThenDelete(t *testing.T) {
	p := newFakeProvider("p1")
	r, store := newTestReconciler(t, Config{CleanupOrphaned: true, CacheTTL: time.Nanosecond}, p)
	ctx := context.Background()

	r.Reconcile(ctx, intentWith(desiredA("p1", "old.example.com", "10.0.0.1", 300)))

	// Container gone: record becomes orphaned, nothing deleted yet.
	r.Reconcile(ctx, types.NewIntentSet())
	tracked, err := store.ListRecords(ctx, storage.RecordFilter{ProviderID: "p1"})
	if err != nil || len(tracked) != 1 {
		t.Fatalf("tracked = %v, %v", tracked, err)
	}
	if !tracked[0].Orphaned() {
		t.Fatal("record not orphaned")
	}
	if _, _, deletes := p.counts(); deletes != 0 {
		t.Fatal("delete fired inside grace period")
	}

	// Age the orphan past the grace period.
	past := time.Now().Add(-16 * time.Minute)
	if err := store.MarkRecordOrphaned(ctx, tracked[0].ID, past); err != nil {
		t.Fatal(err)
	}

	r.Reconcile(ctx, types.NewIntentSet())
	if _, _, deletes := p.counts(); deletes != 1 {
		t.Fatalf("deletes = %d, want 1", deletes)
	}
	remaining, _ := store.ListRecords(ctx, storage.RecordFilter{ProviderID: "p1"})
	if len(remaining) != 0 {
		t.Fatalf("tracked record not removed: %v", remaining)
	}
}

func TestReconcileRestore(t *testing.T) {
	p := newFakeProvider("p1")
	r, store := newTestReconciler(t, Config{CleanupOrphaned: true, CacheTTL: time.Nanosecond}, p)
	ctx := context.Background()
	intent := intentWith(desiredA("p1", "back.example.com", "10.0.0.1", 300))

	r.Reconcile(ctx, intent)
	r.Reconcile(ctx, types.NewIntentSet())

	tracked, _ := store.ListRecords(ctx, storage.RecordFilter{ProviderID: "p1"})
	if len(tracked) != 1 || !tracked[0].Orphaned() {
		t.Fatalf("precondition failed: %v", tracked)
	}

	// Hostname reappears before the grace period elapses.
	r.Reconcile(ctx, intent)

	restored, err := store.GetActiveRecord(ctx, "p1", "back.example.com", "A")
	if err != nil {
		t.Fatalf("record not restored: %v", err)
	}
	if restored.Orphaned() {
		t.Fatal("orphaned_at not cleared")
	}
	if _, _, deletes := p.counts(); deletes != 0 {
		t.Fatal("restore must never delete")
	}
	// Content unchanged: no provider update either.
	if _, updates, _ := p.counts(); updates != 0 {
		t.Fatalf("updates = %d, want 0", updates)
	}
}

func TestReconcilePreservedHostnameNeverDeleted(t *testing.T) {
	p := newFakeProvider("p1")
	r, store := newTestReconciler(t, Config{CleanupOrphaned: true, CacheTTL: time.Nanosecond}, p)
	ctx := context.Background()

	if err := store.SavePreservedHostname(ctx, &storage.PreservedHostname{
		ID:      "pres1",
		Pattern: "*.admin.example.com",
	}); err != nil {
		t.Fatal(err)
	}

	r.Reconcile(ctx, intentWith(desiredA("p1", "foo.admin.example.com", "10.0.0.1", 300)))
	r.Reconcile(ctx, types.NewIntentSet())

	tracked, _ := store.ListRecords(ctx, storage.RecordFilter{ProviderID: "p1"})
	if len(tracked) != 1 {
		t.Fatal("precondition failed")
	}
	past := time.Now().Add(-24 * time.Hour)
	if err := store.MarkRecordOrphaned(ctx, tracked[0].ID, past); err != nil {
		t.Fatal(err)
	}

	r.Reconcile(ctx, types.NewIntentSet())

	if _, _, deletes := p.counts(); deletes != 0 {
		t.Fatal("preserved hostname was deleted")
	}
	remaining, _ := store.ListRecords(ctx, storage.RecordFilter{ProviderID: "p1"})
	if len(remaining) != 1 || !remaining[0].Orphaned() {
		t.Fatalf("preserved record should stay orphaned: %v", remaining)
	}
}

func TestReconcileCreateConflictAdopts(t *testing.T) {
	p := newFakeProvider("p1")
	existing := p.seed(provider.Record{
		Hostname: "taken.example.com",
		Type:     types.RecordTypeA,
		Content:  "198.51.100.9",
		TTL:      60,
	})
	p.createErr = provider.WrapError("p1", "create", "taken.example.com", provider.ErrConflict)

	r, store := newTestReconciler(t, Config{}, p)
	ctx := context.Background()

	r.Reconcile(ctx, intentWith(desiredA("p1", "taken.example.com", "10.0.0.1", 300)))

	tracked, err := store.GetActiveRecord(ctx, "p1", "taken.example.com", "A")
	if err != nil {
		t.Fatalf("tracked record missing: %v", err)
	}
	if tracked.ExternalID != existing.ExternalID {
		t.Errorf("external ID = %q, want adopted %q", tracked.ExternalID, existing.ExternalID)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if rec := p.records[existing.ExternalID]; rec.Content != "10.0.0.1" {
		t.Errorf("adopted record not rewritten: %q", rec.Content)
	}
}

func TestReconcileUnmanagedUntouched(t *testing.T) {
	p := newFakeProvider("p1")
	p.seed(provider.Record{
		Hostname: "manual.example.com",
		Type:     types.RecordTypeA,
		Content:  "203.0.113.50",
		TTL:      300,
	})

	r, _ := newTestReconciler(t, Config{CleanupOrphaned: true}, p)
	r.Reconcile(context.Background(), types.NewIntentSet())

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.records) != 1 || p.deletes != 0 || p.updates != 0 {
		t.Fatalf("unmanaged record touched: records=%d updates=%d deletes=%d",
			len(p.records), p.updates, p.deletes)
	}
}

func TestReconcileClampsTTL(t *testing.T) {
	p := newFakeProvider("p1")
	p.features.TTLMin = 60

	r, _ := newTestReconciler(t, Config{}, p)
	r.Reconcile(context.Background(), intentWith(desiredA("p1", "a.example.com", "10.0.0.1", 5)))

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, rec := range p.records {
		if rec.TTL != 60 {
			t.Errorf("ttl = %d, want clamped to 60", rec.TTL)
		}
	}
}

func TestReconcileAuthMarksDegraded(t *testing.T) {
	p := newFakeProvider("p1")
	p.createErr = provider.WrapError("p1", "create", "", provider.ErrAuth)

	r, _ := newTestReconciler(t, Config{}, p)
	r.Reconcile(context.Background(), intentWith(desiredA("p1", "a.example.com", "10.0.0.1", 300)))

	if !r.Degraded("p1") {
		t.Fatal("provider not marked degraded after auth failure")
	}
	stats := r.LastStats()["p1"]
	if stats.Failed != 1 {
		t.Errorf("stats.Failed = %d, want 1", stats.Failed)
	}
}

func TestReconcileRerunUsesLatestIntent(t *testing.T) {
	p := newFakeProvider("p1")
	entered := make(chan string, 4)
	release := make(chan struct{})
	p.createHook = func(rec provider.Record) {
		entered <- rec.Hostname
		if rec.Hostname == "a.example.com" {
			<-release
		}
	}
	r, _ := newTestReconciler(t, Config{}, p)

	done := make(chan struct{})
	go func() {
		r.Reconcile(context.Background(), intentWith(desiredA("p1", "a.example.com", "10.0.0.1", 300)))
		close(done)
	}()

	// The first cycle is now mid-create. A trigger arriving here must
	// make the rerun pass converge on this newer intent.
	if got := <-entered; got != "a.example.com" {
		t.Fatalf("first create = %q", got)
	}
	r.Reconcile(context.Background(), intentWith(
		desiredA("p1", "a.example.com", "10.0.0.1", 300),
		desiredA("p1", "b.example.com", "10.0.0.2", 300),
	))
	close(release)
	<-done

	p.mu.Lock()
	defer p.mu.Unlock()
	var haveB bool
	for _, rec := range p.records {
		if rec.Hostname == "b.example.com" {
			haveB = true
		}
	}
	if !haveB {
		t.Fatal("rerun pass did not pick up the newer intent")
	}
}

func TestReconcileTransientExhaustionMarksDegraded(t *testing.T) {
	p := newFakeProvider("p1")
	p.createErr = provider.WrapError("p1", "create", "", fmt.Errorf("%w: connection reset", provider.ErrTransient))

	r, _ := newTestReconciler(t, Config{RetryAttempts: 2, RetryBase: time.Millisecond}, p)
	r.Reconcile(context.Background(), intentWith(desiredA("p1", "a.example.com", "10.0.0.1", 300)))

	// Every attempt failed transiently, so the retry budget is gone
	// and the provider, not the record, is the problem.
	if !r.Degraded("p1") {
		t.Fatal("provider not marked degraded after transient retry exhaustion")
	}
	if p.creates != 2 {
		t.Errorf("creates = %d, want one per retry attempt", p.creates)
	}
}

func TestReconcileEvents(t *testing.T) {
	p := newFakeProvider("p1")
	store, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	reg := provider.NewRegistry()
	if err := reg.Register(p); err != nil {
		t.Fatal(err)
	}

	b := bus.New(64)
	var mu sync.Mutex
	var seen []types.EventType
	b.SubscribeAll(func(evt types.Event) {
		mu.Lock()
		seen = append(seen, evt.Type)
		mu.Unlock()
	})

	r := New(reg, store, b, Config{})
	r.Reconcile(context.Background(), intentWith(desiredA("p1", "a.example.com", "10.0.0.1", 300)))
	b.Close()

	mu.Lock()
	defer mu.Unlock()
	var created, completed bool
	for _, et := range seen {
		switch et {
		case types.EventRecordCreated:
			created = true
		case types.EventSyncCompleted:
			completed = true
		}
	}
	if !created || !completed {
		t.Fatalf("missing events, saw %v", seen)
	}
}
