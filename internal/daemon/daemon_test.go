package daemon

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/groblegark/upnpd/internal/events"
	"github.com/groblegark/upnpd/internal/gateway"
	"github.com/groblegark/upnpd/internal/mapping"
	"github.com/groblegark/upnpd/internal/reconcile"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeLocator succeeds for every address except those in fail.
type fakeLocator struct {
	fail  map[string]error // keyed by spec address ("" = unspecified)
	calls int
}

func (f *fakeLocator) Locate(_ context.Context, address string, port uint16) (*gateway.Gateway, netip.AddrPort, error) {
	f.calls++
	if err, ok := f.fail[address]; ok {
		return nil, netip.AddrPort{}, err
	}
	addr := netip.MustParseAddr("192.168.0.10")
	if address != "" {
		addr = netip.MustParseAddr(address)
	}
	return &gateway.Gateway{Kind: "IGDv1-WANIPConnection1"}, netip.AddrPortFrom(addr, port), nil
}

// fakeReconciler scripts per-port outcomes and records the order ports
// were reconciled in.
type fakeReconciler struct {
	errs      map[uint16]error
	conflicts map[uint16]bool
	order     []uint16
	onCall    func() // optional hook, e.g. to cancel the context mid-pass
}

func (f *fakeReconciler) Reconcile(_ context.Context, _ *gateway.Gateway, _ netip.AddrPort, spec mapping.Spec) (reconcile.Outcome, error) {
	f.order = append(f.order, spec.Port)
	if f.onCall != nil {
		f.onCall()
	}
	if err, ok := f.errs[spec.Port]; ok {
		return 0, err
	}
	if f.conflicts[spec.Port] {
		return reconcile.OutcomeConflictResolved, nil
	}
	return reconcile.OutcomeApplied, nil
}

// capturePublisher records published events.
type capturePublisher struct {
	mu     sync.Mutex
	topics []string
	events []any
}

func (p *capturePublisher) Publish(_ context.Context, topic string, event any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.events = append(p.events, event)
	return nil
}

func (p *capturePublisher) Close() error { return nil }

func (p *capturePublisher) byTopic(topic string) []any {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []any
	for i, t := range p.topics {
		if t == topic {
			out = append(out, p.events[i])
		}
	}
	return out
}

type fakePMP struct {
	err   error
	calls int
}

func (f *fakePMP) AddMapping(_ mapping.Spec) error {
	f.calls++
	return f.err
}

func specList(ports ...uint16) []mapping.Spec {
	specs := make([]mapping.Spec, 0, len(ports))
	for _, p := range ports {
		specs = append(specs, mapping.Spec{Port: p, Protocol: mapping.ProtocolTCP, Duration: 60, Comment: "t"})
	}
	return specs
}

func staticLoad(specs []mapping.Spec) func() ([]mapping.Spec, error) {
	return func() ([]mapping.Spec, error) { return specs, nil }
}

func TestRunOnceAllApplied(t *testing.T) {
	rec := &fakeReconciler{}
	pub := &capturePublisher{}
	d := New(Options{
		Load:       staticLoad(specList(80, 443, 8080)),
		Locator:    &fakeLocator{},
		Reconciler: rec,
		Publisher:  pub,
		Logger:     testLogger(),
		Interval:   time.Minute,
	})

	if err := d.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	// Entries processed in list order.
	want := []uint16{80, 443, 8080}
	if len(rec.order) != 3 || rec.order[0] != want[0] || rec.order[1] != want[1] || rec.order[2] != want[2] {
		t.Errorf("order = %v, want %v", rec.order, want)
	}

	ticks := pub.byTopic(events.TopicTickCompleted)
	if len(ticks) != 1 {
		t.Fatalf("got %d tick events, want 1", len(ticks))
	}
	tc := ticks[0].(events.TickCompleted)
	if tc.Total != 3 || tc.Applied != 3 || tc.Failed != 0 {
		t.Errorf("tick = %+v", tc)
	}
}

func TestRunOnceConflictResolved(t *testing.T) {
	rec := &fakeReconciler{conflicts: map[uint16]bool{80: true}}
	pub := &capturePublisher{}
	d := New(Options{
		Load:       staticLoad(specList(80)),
		Locator:    &fakeLocator{},
		Reconciler: rec,
		Publisher:  pub,
		Logger:     testLogger(),
		Interval:   time.Minute,
	})

	if err := d.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if got := pub.byTopic(events.TopicMappingConflictResolved); len(got) != 1 {
		t.Fatalf("got %d conflict events, want 1", len(got))
	}
	tc := pub.byTopic(events.TopicTickCompleted)[0].(events.TickCompleted)
	if tc.ConflictResolved != 1 || tc.Applied != 1 {
		t.Errorf("tick = %+v", tc)
	}
}

func TestRunOncePartialFailure(t *testing.T) {
	// One bad entry must not block the rest.
	rec := &fakeReconciler{errs: map[uint16]error{443: errors.New("gateway refused")}}
	pub := &capturePublisher{}
	d := New(Options{
		Load:       staticLoad(specList(80, 443, 8080)),
		Locator:    &fakeLocator{},
		Reconciler: rec,
		Publisher:  pub,
		Logger:     testLogger(),
		Interval:   time.Minute,
	})

	err := d.RunOnce(context.Background())
	if !errors.Is(err, ErrMappingsFailed) {
		t.Fatalf("err = %v, want ErrMappingsFailed", err)
	}
	if len(rec.order) != 3 {
		t.Errorf("only %d entries attempted, want all 3", len(rec.order))
	}

	failures := pub.byTopic(events.TopicMappingFailed)
	if len(failures) != 1 {
		t.Fatalf("got %d failure events, want 1", len(failures))
	}
	mf := failures[0].(events.MappingFailed)
	if mf.Mapping.Port != 443 || mf.Stage != "reconcile" {
		t.Errorf("failure event = %+v", mf)
	}
}

func TestRunOnceDiscoveryFailure(t *testing.T) {
	loc := &fakeLocator{fail: map[string]error{"": gateway.ErrNoInterface}}
	pub := &capturePublisher{}
	d := New(Options{
		Load:       staticLoad(specList(80)),
		Locator:    loc,
		Reconciler: &fakeReconciler{},
		Publisher:  pub,
		Logger:     testLogger(),
		Interval:   time.Minute,
	})

	if err := d.RunOnce(context.Background()); !errors.Is(err, ErrMappingsFailed) {
		t.Fatalf("err = %v, want ErrMappingsFailed", err)
	}
	failures := pub.byTopic(events.TopicMappingFailed)
	if len(failures) != 1 || failures[0].(events.MappingFailed).Stage != "discover" {
		t.Errorf("failures = %+v", failures)
	}
}

func TestRunOnceLoadFailure(t *testing.T) {
	loadErr := errors.New("malformed mapping file")
	d := New(Options{
		Load:       func() ([]mapping.Spec, error) { return nil, loadErr },
		Locator:    &fakeLocator{},
		Reconciler: &fakeReconciler{},
		Logger:     testLogger(),
		Interval:   time.Minute,
	})

	if err := d.RunOnce(context.Background()); !errors.Is(err, loadErr) {
		t.Fatalf("err = %v, want load error", err)
	}
}

func TestRunOncePMPFallback(t *testing.T) {
	loc := &fakeLocator{fail: map[string]error{"": gateway.ErrNoInterface}}
	pmp := &fakePMP{}
	pub := &capturePublisher{}
	d := New(Options{
		Load:       staticLoad(specList(12345)),
		Locator:    loc,
		Reconciler: &fakeReconciler{},
		Publisher:  pub,
		Logger:     testLogger(),
		Interval:   time.Minute,
		PMP:        pmp,
	})

	if err := d.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if pmp.calls != 1 {
		t.Errorf("pmp.calls = %d, want 1", pmp.calls)
	}
	applied := pub.byTopic(events.TopicMappingApplied)
	if len(applied) != 1 || applied[0].(events.MappingApplied).Backend != "natpmp" {
		t.Errorf("applied = %+v", applied)
	}
}

func TestRunOncePMPNotUsedForExplicitAddress(t *testing.T) {
	spec := mapping.Spec{Address: "192.168.0.10", Port: 80, Protocol: mapping.ProtocolTCP}
	loc := &fakeLocator{fail: map[string]error{"192.168.0.10": gateway.ErrNoGateway}}
	pmp := &fakePMP{}
	d := New(Options{
		Load:       staticLoad([]mapping.Spec{spec}),
		Locator:    loc,
		Reconciler: &fakeReconciler{},
		Logger:     testLogger(),
		Interval:   time.Minute,
		PMP:        pmp,
	})

	if err := d.RunOnce(context.Background()); !errors.Is(err, ErrMappingsFailed) {
		t.Fatalf("err = %v, want ErrMappingsFailed", err)
	}
	if pmp.calls != 0 {
		t.Errorf("pmp consulted for an explicit address (calls=%d)", pmp.calls)
	}
}

func TestRunOnceCancelledBetweenEntries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	rec := &fakeReconciler{onCall: cancel} // cancel during the first entry
	d := New(Options{
		Load:       staticLoad(specList(80, 443, 8080)),
		Locator:    &fakeLocator{},
		Reconciler: rec,
		Logger:     testLogger(),
		Interval:   time.Minute,
	})

	err := d.RunOnce(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(rec.order) != 1 {
		t.Errorf("%d entries processed after cancellation, want 1", len(rec.order))
	}
}

func TestRunReloadsEveryTick(t *testing.T) {
	mock := clock.NewMock()
	loads := make(chan int, 16)
	var mu sync.Mutex
	count := 0
	load := func() ([]mapping.Spec, error) {
		mu.Lock()
		count++
		n := count
		mu.Unlock()
		loads <- n
		// A different list each tick: the loop must not cache.
		return specList(uint16(8000 + n)), nil
	}

	rec := &fakeReconciler{}
	d := New(Options{
		Load:       load,
		Locator:    &fakeLocator{},
		Reconciler: rec,
		Logger:     testLogger(),
		Interval:   time.Minute,
		Clock:      mock,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	waitLoad := func(want int) {
		t.Helper()
		select {
		case n := <-loads:
			if n != want {
				t.Fatalf("load #%d, want #%d", n, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for load #%d", want)
		}
	}

	// Initial pass runs immediately; the ticker exists before it starts.
	waitLoad(1)
	mock.Add(time.Minute)
	waitLoad(2)
	mock.Add(time.Minute)
	waitLoad(3)

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v, want nil on clean shutdown", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}

	mu.Lock()
	defer mu.Unlock()
	if count < 3 {
		t.Errorf("loads = %d, want at least 3", count)
	}
}

func TestRunContinuesAfterLoadFailure(t *testing.T) {
	mock := clock.NewMock()
	loads := make(chan int, 16)
	var mu sync.Mutex
	count := 0
	load := func() ([]mapping.Spec, error) {
		mu.Lock()
		count++
		n := count
		mu.Unlock()
		loads <- n
		if n == 1 {
			return nil, errors.New("unreadable mapping file")
		}
		return specList(80), nil
	}

	rec := &fakeReconciler{}
	d := New(Options{
		Load:       load,
		Locator:    &fakeLocator{},
		Reconciler: rec,
		Logger:     testLogger(),
		Interval:   time.Minute,
		Clock:      mock,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	<-loads // failing pass
	mock.Add(time.Minute)
	select {
	case <-loads: // loop survived and reloaded
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not continue after a load failure")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
}
