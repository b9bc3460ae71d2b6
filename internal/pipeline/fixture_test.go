package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/Simplici0/printflow/internal/catalog"
	"github.com/Simplici0/printflow/internal/db"
	"github.com/Simplici0/printflow/internal/migrations"
	"github.com/Simplici0/printflow/internal/order"
	"github.com/Simplici0/printflow/internal/pricing"
	"github.com/Simplici0/printflow/internal/slicer"
)

type fakeStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{objects: map[string][]byte{}}
}

func (s *fakeStorage) DownloadURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[key]; !ok {
		return "", fmt.Errorf("object %q not found", key)
	}
	return "mem://" + key, nil
}

func (s *fakeStorage) Put(ctx context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putErr != nil {
		return s.putErr
	}
	s.objects[key] = append([]byte(nil), data...)
	return nil
}

func (s *fakeStorage) has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok
}

type fakeSlicer struct {
	mu       sync.Mutex
	calls    int
	requests []slicer.Request
	slice    func(ctx context.Context, req slicer.Request) (slicer.Result, error)
	estimate func(ctx context.Context, req slicer.Request) (pricing.Estimate, error)
}

func (f *fakeSlicer) Slice(ctx context.Context, req slicer.Request) (slicer.Result, error) {
	f.mu.Lock()
	f.calls++
	f.requests = append(f.requests, req)
	fn := f.slice
	f.mu.Unlock()
	if fn == nil {
		return slicer.Result{Toolpath: []byte("G28\n"), Estimate: pricing.Estimate{GramsUsed: 48, PrintTimeHours: 2.9}}, nil
	}
	return fn(ctx, req)
}

func (f *fakeSlicer) Estimate(ctx context.Context, req slicer.Request) (pricing.Estimate, error) {
	f.mu.Lock()
	fn := f.estimate
	f.mu.Unlock()
	if fn == nil {
		return pricing.Estimate{GramsUsed: 50, PrintTimeHours: 3}, nil
	}
	return fn(ctx, req)
}

func (f *fakeSlicer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type triggered struct {
	OrderID string
	Resume  bool
}

type fakeTrigger struct {
	mu    sync.Mutex
	calls []triggered
	err   error
}

func (f *fakeTrigger) Trigger(orderID string, resume bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, triggered{OrderID: orderID, Resume: resume})
	return nil
}

func (f *fakeTrigger) triggered() []triggered {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]triggered(nil), f.calls...)
}

type fixture struct {
	svc        *Service
	orch       *Orchestrator
	repo       *db.Orders
	catalog    *db.Catalog
	storage    *fakeStorage
	slicer     *fakeSlicer
	trigger    *fakeTrigger
	materialID int64
	printerID  int64
}

// newFixture wires the service over a migrated SQLite file with a material
// and printer profile matching the reference quote (0.05/g, 2.0/h, 1.0
// overhead, 1.2 margin).
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	conn, err := db.Open(filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrations.Up(ctx, conn.DB)
	require.NoError(t, err)

	cat := db.NewCatalog(conn)
	materialID, err := cat.SaveMaterial(ctx, catalog.MaterialProfile{
		Name: "PLA", CostPerKg: 50, MarginMultiplier: 1.2, Config: "filament_type = PLA", Active: true,
	})
	require.NoError(t, err)
	printerID, err := cat.SavePrinter(ctx, catalog.PrinterProfile{
		Name: "MK4", HourlyRate: 2, FixedOverhead: 1, Config: "printer_model = MK4", Active: true,
	})
	require.NoError(t, err)

	log, _ := test.NewNullLogger()
	repo := db.NewOrders(conn)
	machine := order.NewMachine(repo, nil)
	storage := newFakeStorage()
	sl := &fakeSlicer{}
	trigger := &fakeTrigger{}

	orch := NewOrchestrator(log, machine, repo, cat, storage, sl, OrchestratorConfig{
		SlicerTimeout: 200 * time.Millisecond,
		DownloadTTL:   time.Minute,
	})
	svc := NewService(Deps{
		Log:          log,
		Machine:      machine,
		Repo:         repo,
		Lister:       repo,
		Catalog:      cat,
		Resolver:     pricing.NewResolver(pricing.Defaults{MarginMultiplier: 1}),
		Estimator:    sl,
		Storage:      storage,
		Orchestrator: orch,
		Trigger:      trigger,
		DownloadTTL:  time.Minute,
	})

	return &fixture{
		svc:        svc,
		orch:       orch,
		repo:       repo,
		catalog:    cat,
		storage:    storage,
		slicer:     sl,
		trigger:    trigger,
		materialID: materialID,
		printerID:  printerID,
	}
}

func (f *fixture) spec() order.Spec {
	printerID := f.printerID
	return order.Spec{
		Quantity:          2,
		LayerHeight:       0.2,
		InfillPercent:     20,
		PrinterProfileID:  &printerID,
		MaterialProfileID: f.materialID,
		STLStorageKey:     "uploads/part.stl",
		STLFilename:       "part.stl",
		STLFileSizeBytes:  1_500_000,
		Estimate:          &pricing.Estimate{GramsUsed: 50, PrintTimeHours: 3},
	}
}

// paidOrder creates, quotes and pays an order.
func (f *fixture) paidOrder(t *testing.T) order.Order {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.storage.Put(ctx, "uploads/part.stl", []byte("solid part")))

	o, err := f.svc.CreateOrder(ctx, f.spec())
	require.NoError(t, err)
	b, err := f.svc.QuoteOrder(ctx, o.ID)
	require.NoError(t, err)
	paid, err := f.svc.ConfirmPayment(ctx, Payment{OrderID: o.ID, AmountCents: b.GrandTotalCents(), Reference: "pay_1"})
	require.NoError(t, err)
	require.Equal(t, order.StatusPaid, paid.Status)
	return paid
}

func statuses(events []order.Event) []order.Status {
	out := make([]order.Status, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.To)
	}
	return out
}
