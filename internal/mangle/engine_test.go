package mangle

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"comet-auto/internal/config"
)

func newTestEngine(t *testing.T, limit int) *Engine {
	t.Helper()
	engine, err := NewEngine(config.JournalConfig{Enable: true, FactBufferLimit: limit})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return engine
}

func askFacts(askID string, retried bool, outcome string) []Fact {
	now := time.Now()
	facts := []Fact{
		{Predicate: "ask_started", Args: []interface{}{askID, "hello", false, now.UnixMilli()}, Timestamp: now},
		{Predicate: "ask_submitted", Args: []interface{}{askID, "enter"}, Timestamp: now},
		{Predicate: "ask_poll", Args: []interface{}{askID, 1, "working", 0, false}, Timestamp: now},
	}
	if retried {
		facts = append(facts, Fact{Predicate: "ask_retry", Args: []interface{}{askID, 1}, Timestamp: now})
	}
	return append(facts, Fact{Predicate: "ask_outcome", Args: []interface{}{askID, outcome, int64(4200)}, Timestamp: now})
}

func busyFact(askID string, poll int) Fact {
	return Fact{Predicate: "ask_busy", Args: []interface{}{askID, poll}, Timestamp: time.Now()}
}

func TestEngineLoadsAskRules(t *testing.T) {
	engine := newTestEngine(t, 1000)
	if !engine.Ready() {
		t.Fatal("Engine not ready after loading ask rules")
	}
}

func TestEngineAddFacts(t *testing.T) {
	engine := newTestEngine(t, 1000)
	ctx := context.Background()

	facts := askFacts("a1", false, "answered")
	if err := engine.AddFacts(ctx, facts); err != nil {
		t.Fatalf("AddFacts failed: %v", err)
	}

	if got := len(engine.Facts()); got != len(facts) {
		t.Errorf("Expected %d facts in buffer, got %d", len(facts), got)
	}
	if got := len(engine.FactsByPredicate("ask_poll")); got != 1 {
		t.Errorf("Expected 1 ask_poll, got %d", got)
	}
	if got := len(engine.FactsFor("a1")); got != len(facts) {
		t.Errorf("Expected %d facts for a1, got %d", len(facts), got)
	}
	if got := len(engine.FactsFor("missing")); got != 0 {
		t.Errorf("Expected no facts for unknown ask, got %d", got)
	}
}

func TestEngineDerivedPredicates(t *testing.T) {
	engine := newTestEngine(t, 1000)
	ctx := context.Background()

	var facts []Fact
	facts = append(facts, askFacts("ok", false, "answered")...)
	facts = append(facts, askFacts("recovered", true, "answered")...)
	facts = append(facts, askFacts("late", false, "timeout")...)
	facts = append(facts, askFacts("idle", false, "no_activity")...)
	facts = append(facts, Fact{Predicate: "ask_resubmit", Args: []interface{}{"idle"}})
	// "idle" polled as working but never showed a stop control or loader.
	facts = append(facts, busyFact("ok", 1), busyFact("recovered", 1), busyFact("late", 1))
	if err := engine.AddFacts(ctx, facts); err != nil {
		t.Fatalf("AddFacts failed: %v", err)
	}

	tests := []struct {
		predicate string
		want      int
	}{
		{"ask_worked", 3},
		{"ask_recovered", 1},
		{"ask_resubmitted", 1},
		{"ask_answered", 2},
		{"ask_failed", 2},
	}
	for _, tt := range tests {
		t.Run(tt.predicate, func(t *testing.T) {
			results, err := engine.Evaluate(ctx, tt.predicate)
			if err != nil {
				t.Fatalf("Evaluate failed: %v", err)
			}
			if len(results) != tt.want {
				t.Errorf("Expected %d %s facts, got %d: %+v", tt.want, tt.predicate, len(results), results)
			}
		})
	}

	idle, err := engine.Query(ctx, `ask_worked("idle").`)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(idle) != 0 {
		t.Errorf("Expected no ask_worked for an ask that never showed activity, got %+v", idle)
	}

	recovered, _ := engine.Evaluate(ctx, "ask_recovered")
	if len(recovered) == 1 && recovered[0].Args[0] != "recovered" {
		t.Errorf("Expected ask_recovered(recovered), got %+v", recovered[0])
	}
}

func TestEngineQuery(t *testing.T) {
	engine := newTestEngine(t, 1000)
	ctx := context.Background()

	var facts []Fact
	facts = append(facts, askFacts("a1", false, "timeout")...)
	facts = append(facts, askFacts("a2", false, "answered")...)
	if err := engine.AddFacts(ctx, facts); err != nil {
		t.Fatalf("AddFacts failed: %v", err)
	}

	t.Run("binds variables", func(t *testing.T) {
		results, err := engine.Query(ctx, "ask_failed(AskID, Why).")
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		if len(results) != 1 {
			t.Fatalf("Expected 1 result, got %d", len(results))
		}
		if results[0]["AskID"] != "a1" || results[0]["Why"] != "timeout" {
			t.Errorf("Unexpected binding: %+v", results[0])
		}
	})

	t.Run("constants filter", func(t *testing.T) {
		results, err := engine.Query(ctx, `ask_outcome("a2", Outcome, Ms).`)
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		if len(results) != 1 || results[0]["Outcome"] != "answered" {
			t.Fatalf("Unexpected results: %+v", results)
		}
		if ms, ok := results[0]["Ms"].(int64); !ok || ms != 4200 {
			t.Errorf("Expected Ms=4200, got %#v", results[0]["Ms"])
		}
	})

	t.Run("no match", func(t *testing.T) {
		results, err := engine.Query(ctx, `ask_outcome("nope", O, _).`)
		if err != nil {
			t.Fatalf("Query failed: %v", err)
		}
		if len(results) != 0 {
			t.Errorf("Expected no results, got %+v", results)
		}
	})

	t.Run("invalid syntax", func(t *testing.T) {
		if _, err := engine.Query(ctx, "invalid syntax $$"); err == nil {
			t.Error("Expected parse error")
		}
	})

	t.Run("empty query", func(t *testing.T) {
		if _, err := engine.Query(ctx, ""); err == nil {
			t.Error("Expected error for empty query")
		}
	})
}

func TestEngineEvaluateUnknownPredicate(t *testing.T) {
	engine := newTestEngine(t, 1000)
	if _, err := engine.Evaluate(context.Background(), "nonexistent_predicate"); err == nil {
		t.Error("Expected error for undeclared predicate")
	}
}

func TestEngineBufferLimit(t *testing.T) {
	engine := newTestEngine(t, 5)
	ctx := context.Background()

	if err := engine.AddFacts(ctx, askFacts("old", true, "answered")); err != nil {
		t.Fatalf("AddFacts failed: %v", err)
	}
	if err := engine.AddFacts(ctx, askFacts("new", false, "timeout")); err != nil {
		t.Fatalf("AddFacts failed: %v", err)
	}

	if got := len(engine.Facts()); got != 5 {
		t.Fatalf("Expected buffer trimmed to 5, got %d", got)
	}
	if got := len(engine.FactsFor("old")); got != 1 {
		t.Errorf("Expected 1 surviving fact for old ask, got %d", got)
	}

	// Evicted facts no longer feed derivations.
	recovered, err := engine.Evaluate(ctx, "ask_recovered")
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(recovered) != 0 {
		t.Errorf("Expected ask_recovered to be gone after eviction, got %+v", recovered)
	}
}

func TestEngineAddRule(t *testing.T) {
	engine := newTestEngine(t, 1000)
	ctx := context.Background()

	rule := `
Decl slow_answer(AskID).
slow_answer(AskID) :- ask_answered(AskID, _), ask_worked(AskID).
`
	if err := engine.AddRule(rule); err != nil {
		t.Fatalf("AddRule failed: %v", err)
	}
	if err := engine.AddFacts(ctx, append(askFacts("a1", false, "answered"), busyFact("a1", 1))); err != nil {
		t.Fatalf("AddFacts failed: %v", err)
	}

	results, err := engine.Evaluate(ctx, "slow_answer")
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(results) != 1 {
		t.Errorf("Expected 1 slow_answer, got %d", len(results))
	}

	if err := engine.AddRule("broken(X :- ."); err == nil {
		t.Error("Expected parse error for malformed rule")
	}
	// A rejected rule leaves the program intact.
	if _, err := engine.Evaluate(ctx, "slow_answer"); err != nil {
		t.Errorf("Evaluate after rejected rule failed: %v", err)
	}
}

func TestEngineLoadSchema(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "extra.mg")
	schema := "Decl answered_once(AskID).\nanswered_once(AskID) :- ask_outcome(AskID, \"answered\", _).\n"
	if err := os.WriteFile(path, []byte(schema), 0o644); err != nil {
		t.Fatal(err)
	}

	engine, err := NewEngine(config.JournalConfig{Enable: true, SchemaPath: path, FactBufferLimit: 100})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	if err := engine.AddFacts(context.Background(), askFacts("a1", false, "answered")); err != nil {
		t.Fatal(err)
	}
	results, err := engine.Evaluate(context.Background(), "answered_once")
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(results) != 1 {
		t.Errorf("Expected 1 answered_once, got %d", len(results))
	}

	if _, err := NewEngine(config.JournalConfig{Enable: true, SchemaPath: filepath.Join(dir, "missing.mg")}); err == nil {
		t.Error("Expected error for missing schema file")
	}
}

func TestEngineDisabled(t *testing.T) {
	engine, err := NewEngine(config.JournalConfig{Enable: false, FactBufferLimit: 1000})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	ctx := context.Background()
	if err := engine.AddFacts(ctx, []Fact{{Predicate: "ask_resubmit", Args: []interface{}{"a"}}}); err != nil {
		t.Errorf("AddFacts should succeed when disabled: %v", err)
	}
	if len(engine.Facts()) != 0 {
		t.Error("Disabled engine should not buffer facts")
	}
	if !engine.Ready() {
		t.Error("Engine should be ready when disabled")
	}
	if _, err := engine.Query(ctx, "ask_failed(A, B)."); !errors.Is(err, ErrNotReady) {
		t.Errorf("Expected ErrNotReady, got %v", err)
	}
	if err := engine.AddRule("some rule"); err != nil {
		t.Errorf("AddRule should succeed when disabled: %v", err)
	}
}
