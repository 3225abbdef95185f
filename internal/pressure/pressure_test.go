package pressure

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/Iron-Ham/guardian/internal/config"
	"github.com/Iron-Ham/guardian/internal/errors"
	"github.com/Iron-Ham/guardian/internal/session"
	"github.com/Iron-Ham/guardian/internal/statestore"
)

func testConfig() config.PressureConfig {
	cfg := config.Default().Pressure
	cfg.ConsultationWeight = 0.1
	cfg.ExcerptWeight = 0.01
	cfg.ToolCallWeight = 0.05
	cfg.ConsultationTools = []string{"Read"}
	return cfg
}

func entries(n int, kind session.EventKind, tool string, excerpts int) []session.LedgerEntry {
	out := make([]session.LedgerEntry, n)
	for i := range out {
		out[i] = session.LedgerEntry{Kind: kind, Tool: tool, Excerpts: excerpts}
	}
	return out
}

func TestCompute(t *testing.T) {
	cfg := testConfig()

	tests := []struct {
		name      string
		ledger    []session.LedgerEntry
		want      float64
		wantConsl int
		wantSev   Severity
	}{
		{"empty", nil, 0, 0, SeverityNormal},
		{"plain tool use", entries(2, session.EventToolUsed, "Bash", 0), 0.1, 0, SeverityNormal},
		{"consultations with excerpts", entries(2, session.EventConsultation, "Grep", 5), 2*0.1 + 10*0.01 + 2*0.05, 2, SeverityNormal},
		{"consultation tool recorded as tool use", entries(4, session.EventToolUsed, "Read", 0), 4*0.1 + 4*0.05, 4, SeverityWarning},
		{"excerpts ignored outside consultations", entries(1, session.EventToolUsed, "Bash", 500), 0.05, 0, SeverityNormal},
		{"clamped at one", entries(20, session.EventConsultation, "Grep", 50), 1, 20, SeverityForce},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Compute(tt.ledger, cfg)
			if diff := r.Pressure - tt.want; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("Pressure = %v, want %v", r.Pressure, tt.want)
			}
			if r.Consultations != tt.wantConsl {
				t.Errorf("Consultations = %d, want %d", r.Consultations, tt.wantConsl)
			}
			if r.ToolCalls != len(tt.ledger) {
				t.Errorf("ToolCalls = %d, want %d", r.ToolCalls, len(tt.ledger))
			}
			if r.Severity != tt.wantSev {
				t.Errorf("Severity = %s, want %s", r.Severity, tt.wantSev)
			}
		})
	}
}

func TestCompute_RederivedNotAccumulated(t *testing.T) {
	cfg := testConfig()
	ledger := entries(3, session.EventToolUsed, "Bash", 0)
	first := Compute(ledger, cfg)
	second := Compute(ledger, cfg)
	if first != second {
		t.Errorf("same ledger gave %+v then %+v", first, second)
	}
}

func TestClassify_Ordering(t *testing.T) {
	cfg := config.Default().Pressure
	tests := []struct {
		p    float64
		want Severity
	}{
		{0, SeverityNormal},
		{cfg.Warning - 0.01, SeverityNormal},
		{cfg.Warning, SeverityWarning},
		{cfg.Orange, SeverityOrange},
		{cfg.Critical, SeverityCritical},
		{cfg.Force, SeverityForce},
		{1, SeverityForce},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.p), func(t *testing.T) {
			if got := Classify(tt.p, cfg); got != tt.want {
				t.Errorf("Classify(%v) = %s, want %s", tt.p, got, tt.want)
			}
		})
	}
	if !(SeverityNormal < SeverityWarning && SeverityWarning < SeverityOrange &&
		SeverityOrange < SeverityCritical && SeverityCritical < SeverityForce) {
		t.Error("severity bands must be strictly ordered")
	}
}

func TestSeverity_Text(t *testing.T) {
	for s := SeverityNormal; s <= SeverityForce; s++ {
		data, err := json.Marshal(s)
		if err != nil {
			t.Fatalf("Marshal(%s): %v", s, err)
		}
		var back Severity
		if err := json.Unmarshal(data, &back); err != nil || back != s {
			t.Errorf("round trip %s -> %s -> %s (%v)", s, data, back, err)
		}
	}
	if _, err := ParseSeverity("purple"); err == nil {
		t.Error("ParseSeverity(purple) should fail")
	}
	if s, _ := ParseSeverity("CRITICAL"); s != SeverityCritical {
		t.Errorf("ParseSeverity is case-sensitive: %s", s)
	}
}

func TestShouldHandoff(t *testing.T) {
	tests := []struct {
		name        string
		r           Reading
		uncommitted bool
		want        bool
	}{
		{"force", Reading{Pressure: 0.96, Severity: SeverityForce}, false, true},
		{"force threshold regardless of configured band", Reading{Pressure: 0.95, Severity: SeverityCritical}, false, true},
		{"critical with uncommitted work", Reading{Pressure: 0.9, Severity: SeverityCritical}, true, true},
		{"critical clean", Reading{Pressure: 0.9, Severity: SeverityCritical}, false, false},
		{"orange with uncommitted work", Reading{Pressure: 0.75, Severity: SeverityOrange}, true, false},
		{"normal", Reading{Pressure: 0.1}, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reason := ShouldHandoff(tt.r, tt.uncommitted)
			if got != tt.want {
				t.Errorf("ShouldHandoff() = %v (%q), want %v", got, reason, tt.want)
			}
			if got && reason == "" {
				t.Error("a handoff decision must carry a reason")
			}
		})
	}
}

type fakeLedger struct {
	entries  []session.LedgerEntry
	err      error
	pressure float64
}

func (f *fakeLedger) Ledger(context.Context) ([]session.LedgerEntry, error) { return f.entries, f.err }

func (f *fakeLedger) SetPressure(_ context.Context, p float64) error {
	f.pressure = p
	return nil
}

func TestMonitor_Measure(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemoryStore()
	block := NewBlock(store)
	ledger := &fakeLedger{entries: entries(2, session.EventToolUsed, "Bash", 0)}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewMonitor(ledger, block, testConfig(), WithClock(func() time.Time { return now }))

	r, err := m.Measure(ctx, "s1")
	if err != nil {
		t.Fatalf("Measure: %v", err)
	}
	if ledger.pressure != r.Pressure {
		t.Errorf("stored pressure = %v, want %v", ledger.pressure, r.Pressure)
	}
	if active, _ := block.Active(ctx); active {
		t.Fatal("block set at normal severity")
	}

	ledger.entries = entries(9, session.EventConsultation, "Grep", 1)
	r, err = m.Measure(ctx, "s1")
	if err != nil {
		t.Fatalf("Measure: %v", err)
	}
	if r.Severity < SeverityCritical {
		t.Fatalf("setup: severity %s", r.Severity)
	}
	rec, err := block.Status(ctx)
	if err != nil || rec == nil {
		t.Fatalf("block not set: %+v, %v", rec, err)
	}
	if rec.SessionID != "s1" || !rec.SetAt.Equal(now) || rec.Severity != r.Severity {
		t.Errorf("block record = %+v", rec)
	}
}

func TestMonitor_BlockAtConfig(t *testing.T) {
	cfg := testConfig()
	cfg.BlockAt = "force"
	if got := NewMonitor(&fakeLedger{}, NewBlock(statestore.NewMemoryStore()), cfg).BlockAt(); got != SeverityForce {
		t.Errorf("BlockAt() = %s, want force", got)
	}
	cfg.BlockAt = "bogus"
	if got := NewMonitor(&fakeLedger{}, NewBlock(statestore.NewMemoryStore()), cfg).BlockAt(); got != SeverityCritical {
		t.Errorf("BlockAt() = %s, want critical fallback", got)
	}
}

func TestMonitor_LedgerError(t *testing.T) {
	m := NewMonitor(&fakeLedger{err: fmt.Errorf("boom")}, NewBlock(statestore.NewMemoryStore()), testConfig())
	if _, err := m.Measure(context.Background(), "s1"); err == nil {
		t.Error("Measure should surface ledger read errors")
	}
}

func TestBlock_Lifecycle(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemoryStore()
	b := NewBlock(store)
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return t0 }

	if active, err := b.Active(ctx); active || err != nil {
		t.Fatalf("fresh block Active() = %v, %v", active, err)
	}

	if _, err := b.Set(ctx, Reading{Pressure: 0.9, Severity: SeverityCritical}, "first", "s1"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	b.now = func() time.Time { return t0.Add(time.Minute) }
	rec, err := b.Set(ctx, Reading{Pressure: 0.86, Severity: SeverityCritical}, "second", "s1")
	if err != nil {
		t.Fatalf("Set again: %v", err)
	}
	if !rec.SetAt.Equal(t0) || rec.Pressure != 0.9 {
		t.Errorf("re-set record = %+v, want original SetAt and peak pressure", rec)
	}

	if err := b.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if active, _ := b.Active(ctx); active {
		t.Error("block still active after Clear")
	}
	if err := b.Clear(ctx); err != nil {
		t.Errorf("Clear of unset block: %v", err)
	}
}

func TestBlock_CorruptFailsClosed(t *testing.T) {
	ctx := context.Background()
	store := statestore.NewMemoryStore()
	_ = store.Save(ctx, statestore.KeyPressureBlock, []byte("{"))

	_, err := NewBlock(store).Active(ctx)
	if !errors.IsCorruption(err) {
		t.Fatalf("Active() error = %v, want corruption", err)
	}
}
