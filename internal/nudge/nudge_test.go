package nudge

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Iron-Ham/guardian/internal/config"
	"github.com/Iron-Ham/guardian/internal/session"
	"github.com/Iron-Ham/guardian/internal/statestore"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestEngine(t *testing.T) (*Engine, *statestore.MemoryStore, *fakeClock) {
	t.Helper()
	store := statestore.NewMemoryStore()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return NewEngine(store, config.Default().Nudge, WithClock(clock.Now)), store, clock
}

// commitState has 8 changed files and a commit 20 minutes before now.
func commitState(now time.Time) *session.State {
	s := session.NewState("s1", now.Add(-time.Hour))
	s.FilesChanged = 8
	s.LastCommitAt = now.Add(-20 * time.Minute)
	return s
}

func kinds(as []Advisory) []Kind {
	out := make([]Kind, 0, len(as))
	for _, a := range as {
		out = append(out, a.Kind)
	}
	return out
}

func TestEvaluate_CommitScenario(t *testing.T) {
	ctx := context.Background()
	e, _, clock := newTestEngine(t)
	s := commitState(clock.Now())

	got, err := e.Evaluate(ctx, s)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(got) != 1 || got[0].Kind != KindCommit {
		t.Fatalf("Evaluate() = %v, want one commit advisory", kinds(got))
	}
	if !strings.Contains(got[0].Message, "8") || !strings.Contains(got[0].Message, "20") {
		t.Errorf("message %q should mention 8 files and 20 minutes", got[0].Message)
	}
	if got[0].SessionID != "s1" || got[0].ID == "" {
		t.Errorf("advisory = %+v", got[0])
	}

	again, err := e.Evaluate(ctx, s)
	if err != nil {
		t.Fatalf("re-Evaluate: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("re-evaluation inside the cooldown fired %v", kinds(again))
	}
}

func TestEvaluate_CooldownWindow(t *testing.T) {
	ctx := context.Background()
	e, _, clock := newTestEngine(t)

	if got, _ := e.Evaluate(ctx, commitState(clock.Now())); len(got) != 1 {
		t.Fatalf("first evaluation fired %v", kinds(got))
	}

	clock.Advance(9*time.Minute + 59*time.Second)
	if got, _ := e.Evaluate(ctx, commitState(clock.Now())); len(got) != 0 {
		t.Fatalf("fired %v before the window elapsed", kinds(got))
	}

	clock.Advance(time.Second)
	if got, _ := e.Evaluate(ctx, commitState(clock.Now())); len(got) != 1 {
		t.Fatalf("did not re-fire once the window elapsed, got %v", kinds(got))
	}
}

func TestEvaluate_SuppressedUsesCounted(t *testing.T) {
	ctx := context.Background()
	e, _, clock := newTestEngine(t)
	s := commitState(clock.Now())

	for range 4 {
		_, _ = e.Evaluate(ctx, s)
	}
	recs, err := e.Cooldowns(ctx)
	if err != nil {
		t.Fatalf("Cooldowns: %v", err)
	}
	if len(recs) != 1 || recs[0].Kind != KindCommit || recs[0].UsesSinceTrigger != 3 {
		t.Errorf("Cooldowns() = %+v, want commit with 3 suppressed uses", recs)
	}
	if !recs[0].LastTriggeredAt.Equal(clock.Now()) {
		t.Errorf("LastTriggeredAt = %v, want %v", recs[0].LastTriggeredAt, clock.Now())
	}
}

func TestEvaluate_KindsAreIndependent(t *testing.T) {
	ctx := context.Background()
	e, _, clock := newTestEngine(t)

	s := commitState(clock.Now())
	if got, _ := e.Evaluate(ctx, s); len(got) != 1 || got[0].Kind != KindCommit {
		t.Fatalf("setup: got %v", kinds(got))
	}

	s.ErrorsDetected = []session.DetectedError{{Command: "go build ./...", Message: "undefined: foo", At: clock.Now()}}
	got, err := e.Evaluate(ctx, s)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(got) != 1 || got[0].Kind != KindError {
		t.Fatalf("Evaluate() = %v, want only the error advisory", kinds(got))
	}
	if !strings.Contains(got[0].Message, "undefined: foo") {
		t.Errorf("error message %q should carry the latest error", got[0].Message)
	}
}

func TestEligible(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := NewEngine(statestore.NewMemoryStore(), config.Default().Nudge)

	tests := []struct {
		name  string
		state func() *session.State
		want  []Kind
	}{
		{"fresh session", func() *session.State { return session.NewState("s", now) }, nil},
		{"few files", func() *session.State {
			s := commitState(now)
			s.FilesChanged = 4
			return s
		}, nil},
		{"recent commit", func() *session.State {
			s := commitState(now)
			s.LastCommitAt = now.Add(-14 * time.Minute)
			return s
		}, nil},
		{"never committed falls back to session start", func() *session.State {
			s := session.NewState("s", now.Add(-16*time.Minute))
			s.FilesChanged = 5
			return s
		}, []Kind{KindCommit}},
		{"untested files after threshold", func() *session.State {
			s := session.NewState("s", now.Add(-time.Hour))
			s.UntestedFiles = []string{"internal/app.go"}
			s.LastTestAt = now.Add(-11 * time.Minute)
			return s
		}, []Kind{KindTest}},
		{"untested files but tests just ran", func() *session.State {
			s := session.NewState("s", now.Add(-time.Hour))
			s.UntestedFiles = []string{"internal/app.go"}
			s.LastTestAt = now.Add(-time.Minute)
			return s
		}, nil},
		{"pressure at warn", func() *session.State {
			s := session.NewState("s", now)
			s.ContextPressure = 0.5
			return s
		}, []Kind{KindContext}},
		{"everything", func() *session.State {
			s := commitState(now)
			s.UntestedFiles = []string{"a.go"}
			s.ErrorsDetected = []session.DetectedError{{Command: "make", Message: "boom"}}
			s.ContextPressure = 0.9
			return s
		}, []Kind{KindCommit, KindTest, KindError, KindContext}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := e.Eligible(tt.state(), now)
			if len(got) != len(tt.want) {
				t.Fatalf("Eligible() = %v, want %v", got, tt.want)
			}
			for _, k := range tt.want {
				if _, ok := got[k]; !ok {
					t.Errorf("missing %s in %v", k, got)
				}
			}
		})
	}
}

func TestEvaluate_OrderAndHistory(t *testing.T) {
	ctx := context.Background()
	e, _, clock := newTestEngine(t)

	s := commitState(clock.Now())
	s.ContextPressure = 0.75
	s.ErrorsDetected = []session.DetectedError{{Command: "go vet ./...", Message: "bad printf"}}

	got, err := e.Evaluate(ctx, s)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	want := []Kind{KindCommit, KindError, KindContext}
	if fmt.Sprint(kinds(got)) != fmt.Sprint(want) {
		t.Fatalf("Evaluate() kinds = %v, want %v", kinds(got), want)
	}

	history, err := e.History(ctx, 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if fmt.Sprint(kinds(history)) != fmt.Sprint(want) {
		t.Errorf("History() kinds = %v, want %v", kinds(history), want)
	}
	if last, _ := e.History(ctx, 1); len(last) != 1 || last[0].Kind != KindContext {
		t.Errorf("History(1) = %v", kinds(last))
	}

	latest, err := e.Latest(ctx)
	if err != nil || latest == nil {
		t.Fatalf("Latest() = %v, %v", latest, err)
	}
	if latest.Kind != KindContext {
		t.Errorf("Latest().Kind = %s, want context", latest.Kind)
	}
}

func TestLatest_Empty(t *testing.T) {
	e, _, _ := newTestEngine(t)
	if a, err := e.Latest(context.Background()); a != nil || err != nil {
		t.Errorf("Latest() = %+v, %v; want nil, nil", a, err)
	}
}

func TestEvaluate_CorruptCooldownIsReset(t *testing.T) {
	ctx := context.Background()
	e, store, clock := newTestEngine(t)
	_ = store.Save(ctx, statestore.CooldownKey(string(KindCommit)), []byte("{nope"))

	if got, _ := e.Evaluate(ctx, commitState(clock.Now())); len(got) != 1 {
		t.Fatalf("corrupt cooldown should not suppress, got %v", kinds(got))
	}
	var rec Cooldown
	if err := statestore.LoadJSON(ctx, store, statestore.CooldownKey(string(KindCommit)), &rec); err != nil {
		t.Fatalf("cooldown not repaired: %v", err)
	}
	if !rec.LastTriggeredAt.Equal(clock.Now()) {
		t.Errorf("repaired record = %+v", rec)
	}
}

func TestEvaluate_CooldownWriteFailureSuppresses(t *testing.T) {
	ctx := context.Background()
	e, store, clock := newTestEngine(t)
	store.FailWrites(fmt.Errorf("disk full"))

	got, err := e.Evaluate(ctx, commitState(clock.Now()))
	if err != nil {
		t.Fatalf("persistence failures should be swallowed, got %v", err)
	}
	if len(got) != 0 {
		t.Errorf("advisory fired without a recorded cooldown: %v", kinds(got))
	}
}

func TestEvaluate_ConcurrentProcessesFireOnce(t *testing.T) {
	ctx := context.Background()
	store, err := statestore.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	results := make(chan int, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e := NewEngine(store, config.Default().Nudge, WithClock(func() time.Time { return now }))
			got, err := e.Evaluate(ctx, commitState(now))
			if err != nil {
				t.Errorf("Evaluate: %v", err)
			}
			results <- len(got)
		}()
	}
	wg.Wait()
	close(results)

	total := 0
	for n := range results {
		total += n
	}
	if total != 1 {
		t.Errorf("%d advisories fired across engines, want exactly 1", total)
	}
}

func TestEvaluate_NilState(t *testing.T) {
	e, _, _ := newTestEngine(t)
	got, err := e.Evaluate(context.Background(), nil)
	if err != nil || len(got) != 0 {
		t.Errorf("Evaluate(nil) = %v, %v", kinds(got), err)
	}
}
