package alert

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"metal-sentinel/internal/domain"

	"go.opentelemetry.io/otel/trace"
)

type fakeLedger struct {
	sent map[string]bool
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{sent: make(map[string]bool)}
}

func (f *fakeLedger) IsAlertSent(_ context.Context, fingerprint string) (bool, error) {
	return f.sent[fingerprint], nil
}

func (f *fakeLedger) MarkAlertSent(_ context.Context, _, fingerprint, _ string) error {
	f.sent[fingerprint] = true
	return nil
}

type fakeSender struct {
	messages []string
	err      error
}

func (f *fakeSender) Send(_ context.Context, message string) error {
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, message)
	return nil
}

type fakeConfigStore struct {
	values map[string]string
}

func (f *fakeConfigStore) GetConfig(_ context.Context, key, def string) (string, error) {
	if v, ok := f.values[key]; ok {
		return v, nil
	}
	return def, nil
}

func (f *fakeConfigStore) SetConfig(_ context.Context, key, value string) error {
	if f.values == nil {
		f.values = make(map[string]string)
	}
	f.values[key] = value
	return nil
}

type fakeEnricher struct {
	remaining int
	analysis  string
	err       error
	calls     int
}

func (f *fakeEnricher) Enrich(_ context.Context, _ domain.Alert) (string, error) {
	f.calls++
	return f.analysis, f.err
}

func (f *fakeEnricher) Remaining() int { return f.remaining }

func newTestPipeline(ledger Ledger, sender Sender, enricher Enricher, maxPerHour int) *Pipeline {
	p := NewPipeline(
		trace.NewNoopTracerProvider().Tracer("test"),
		ledger,
		&fakeConfigStore{},
		enricher,
		sender,
		nil,
		maxPerHour,
		100,
	)
	p.sleep = func(context.Context, time.Duration) error { return nil }
	return p
}

func testAlert(metal, fingerprint string, priority int) *domain.Alert {
	return &domain.Alert{
		Severity:    domain.SeverityInfo,
		Category:    domain.CategoryPrice,
		Metal:       metal,
		Message:     fmt.Sprintf("%s alert %s", metal, fingerprint),
		Fingerprint: fingerprint,
		Priority:    priority,
	}
}

func TestDuplicateFingerprintDispatchesOnce(t *testing.T) {
	t.Parallel()

	ledger := newFakeLedger()
	sender := &fakeSender{}
	p := newTestPipeline(ledger, sender, nil, 50)
	ctx := context.Background()

	p.Enqueue(ctx, testAlert("XAU", "fp-1", 1))
	p.ProcessQueue(ctx)

	// Same condition fires again inside the same hour bucket.
	p.Enqueue(ctx, testAlert("XAU", "fp-1", 1))
	p.ProcessQueue(ctx)

	if len(sender.messages) != 1 {
		t.Errorf("dispatched %d, want 1", len(sender.messages))
	}
}

func TestNewHourBucketIsEligibleAgain(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 59, 0, 0, time.UTC)
	fp1 := Fingerprint("price:XAU:info", now)
	fp2 := Fingerprint("price:XAU:info", now.Add(2*time.Minute))
	if fp1 == fp2 {
		t.Fatal("fingerprints across hour buckets must differ")
	}

	ledger := newFakeLedger()
	sender := &fakeSender{}
	p := newTestPipeline(ledger, sender, nil, 50)
	ctx := context.Background()

	p.Enqueue(ctx, testAlert("XAU", fp1, 1))
	p.ProcessQueue(ctx)
	p.Enqueue(ctx, testAlert("XAU", fp2, 1))
	p.ProcessQueue(ctx)

	if len(sender.messages) != 2 {
		t.Errorf("dispatched %d, want 2", len(sender.messages))
	}
}

func TestRateCapLeavesOverflowQueued(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	p := newTestPipeline(newFakeLedger(), sender, nil, 3)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		p.Enqueue(ctx, testAlert("XAU", fmt.Sprintf("fp-%d", i), 1))
	}
	p.ProcessQueue(ctx)

	if len(sender.messages) != 3 {
		t.Errorf("dispatched %d, want 3", len(sender.messages))
	}
	if p.QueueLen() != 2 {
		t.Errorf("queued = %d, want 2 left for the next pass", p.QueueLen())
	}
}

func TestHigherPriorityDispatchesFirstUnderCap(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	p := newTestPipeline(newFakeLedger(), sender, nil, 2)
	ctx := context.Background()

	low := testAlert("XAG", "fp-low", 1)
	crit := testAlert("XAU", "fp-crit", 3)
	imp := testAlert("XPT", "fp-imp", 2)
	p.Enqueue(ctx, low)
	p.Enqueue(ctx, crit)
	p.Enqueue(ctx, imp)

	p.ProcessQueue(ctx)

	if len(sender.messages) != 2 {
		t.Fatalf("dispatched %d, want 2", len(sender.messages))
	}
	if sender.messages[0] != crit.Message || sender.messages[1] != imp.Message {
		t.Errorf("dispatch order = %v", sender.messages)
	}
	if p.QueueLen() != 1 {
		t.Errorf("low-priority alert should remain queued, queue = %d", p.QueueLen())
	}
}

func TestSilenceDiscardsQueue(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	p := newTestPipeline(newFakeLedger(), sender, nil, 50)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		p.Enqueue(ctx, testAlert("XAU", fmt.Sprintf("fp-%d", i), 1))
	}
	p.Silence(ctx, time.Hour)
	p.ProcessQueue(ctx)

	if len(sender.messages) != 0 {
		t.Errorf("dispatched %d while silenced, want 0", len(sender.messages))
	}
	if p.QueueLen() != 0 {
		t.Errorf("queue = %d, want 0 (discarded, not withheld)", p.QueueLen())
	}

	// Silence lapsing does not resurrect discarded alerts, but new
	// conditions may fire.
	p.Unsilence(ctx)
	p.Enqueue(ctx, testAlert("XAU", "fp-new", 1))
	p.ProcessQueue(ctx)
	if len(sender.messages) != 1 {
		t.Errorf("dispatched %d after unsilence, want 1", len(sender.messages))
	}
}

func TestDisabledSwitchDiscardsQueue(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	p := newTestPipeline(newFakeLedger(), sender, nil, 50)
	ctx := context.Background()

	p.SetEnabled(ctx, false)
	p.Enqueue(ctx, testAlert("XAU", "fp-1", 1))
	p.ProcessQueue(ctx)

	if len(sender.messages) != 0 || p.QueueLen() != 0 {
		t.Errorf("sent=%d queued=%d, want 0/0", len(sender.messages), p.QueueLen())
	}
}

func TestSendFailureDoesNotMarkFingerprint(t *testing.T) {
	t.Parallel()

	ledger := newFakeLedger()
	sender := &fakeSender{err: errors.New("telegram down")}
	p := newTestPipeline(ledger, sender, nil, 50)
	ctx := context.Background()

	p.Enqueue(ctx, testAlert("XAU", "fp-1", 1))
	p.ProcessQueue(ctx)

	if ledger.sent["fp-1"] {
		t.Error("failed send must not record the fingerprint")
	}

	// The condition regenerates on a later pass and sends.
	sender.err = nil
	p.Enqueue(ctx, testAlert("XAU", "fp-1", 1))
	p.ProcessQueue(ctx)
	if len(sender.messages) != 1 || !ledger.sent["fp-1"] {
		t.Errorf("resend after recovery: sent=%d marked=%v", len(sender.messages), ledger.sent["fp-1"])
	}
}

func TestFilterSuppressesOtherMetals(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	p := newTestPipeline(newFakeLedger(), sender, nil, 50)
	ctx := context.Background()

	p.SetFilter(ctx, []string{"xau"})
	p.Enqueue(ctx, testAlert("XAG", "fp-ag", 1))
	p.Enqueue(ctx, testAlert("XAU", "fp-au", 1))

	// Calendar alerts carry no metal and bypass the filter.
	noMetal := testAlert("", "fp-cal", 1)
	p.Enqueue(ctx, noMetal)

	p.ProcessQueue(ctx)
	if len(sender.messages) != 2 {
		t.Errorf("dispatched %d, want 2 (XAU and the metal-less alert)", len(sender.messages))
	}
}

func TestEnrichmentAppendedForCritical(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	enricher := &fakeEnricher{remaining: 500, analysis: "analysis text"}
	p := newTestPipeline(newFakeLedger(), sender, enricher, 50)
	ctx := context.Background()

	a := testAlert("XAU", "fp-1", 3)
	a.Severity = domain.SeverityCritical
	a.RequiresEnrichment = true
	p.Enqueue(ctx, a)
	p.ProcessQueue(ctx)

	if len(sender.messages) != 1 {
		t.Fatalf("dispatched %d, want 1", len(sender.messages))
	}
	want := a.Message + "\n\nanalysis text"
	if sender.messages[0] != want {
		t.Errorf("message = %q, want enriched body", sender.messages[0])
	}
}

func TestEnrichmentReserveSkipsNonCritical(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	enricher := &fakeEnricher{remaining: 50, analysis: "analysis"}
	p := newTestPipeline(newFakeLedger(), sender, enricher, 50)
	ctx := context.Background()

	// Important alert with quota below the critical reserve: skipped.
	imp := testAlert("XAU", "fp-imp", 2)
	imp.Severity = domain.SeverityImportant
	imp.RequiresEnrichment = true
	p.Enqueue(ctx, imp)

	// Critical alert may still spend reserve quota.
	crit := testAlert("XAG", "fp-crit", 3)
	crit.Severity = domain.SeverityCritical
	crit.RequiresEnrichment = true
	p.Enqueue(ctx, crit)

	p.ProcessQueue(ctx)

	if enricher.calls != 1 {
		t.Errorf("enricher calls = %d, want 1 (critical only)", enricher.calls)
	}
	if len(sender.messages) != 2 {
		t.Errorf("dispatched %d, want 2 (skipped enrichment never blocks)", len(sender.messages))
	}
}

func TestEnrichmentFailureDispatchesUnenriched(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	enricher := &fakeEnricher{remaining: 500, err: errors.New("llm timeout")}
	p := newTestPipeline(newFakeLedger(), sender, enricher, 50)
	ctx := context.Background()

	a := testAlert("XAU", "fp-1", 3)
	a.Severity = domain.SeverityCritical
	a.RequiresEnrichment = true
	p.Enqueue(ctx, a)
	p.ProcessQueue(ctx)

	if len(sender.messages) != 1 || sender.messages[0] != a.Message {
		t.Errorf("messages = %v, want the plain body", sender.messages)
	}
}

func TestProcessQueueStopsOnCancelKeepingRemainder(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	p := newTestPipeline(newFakeLedger(), sender, nil, 50)

	ctx, cancel := context.WithCancel(context.Background())
	p.Enqueue(ctx, testAlert("XAU", "fp-1", 1))
	p.Enqueue(ctx, testAlert("XAG", "fp-2", 1))

	// Cancel during the pacing delay after the first send.
	p.sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}
	p.ProcessQueue(ctx)

	if len(sender.messages) != 1 {
		t.Errorf("dispatched %d, want 1 (in-flight alert finishes, rest stays)", len(sender.messages))
	}
	if p.QueueLen() != 1 {
		t.Errorf("queue = %d, want 1", p.QueueLen())
	}
}

func TestLoadSettingsRestoresPersistedState(t *testing.T) {
	t.Parallel()

	until := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	store := &fakeConfigStore{values: map[string]string{
		cfgKeyEnabled:       "true",
		cfgKeyFilters:       "xau, xag",
		cfgKeySilencedUntil: until,
	}}
	p := NewPipeline(trace.NewNoopTracerProvider().Tracer("test"),
		newFakeLedger(), store, nil, &fakeSender{}, nil, 50, 100)

	if err := p.LoadSettings(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	s := p.Settings()
	if !s.Enabled {
		t.Error("Enabled should be true")
	}
	if len(s.Filters) != 2 || s.Filters[0] != "XAU" || s.Filters[1] != "XAG" {
		t.Errorf("Filters = %v", s.Filters)
	}
	if s.SilencedUntil.IsZero() {
		t.Error("SilencedUntil should be restored")
	}
}
