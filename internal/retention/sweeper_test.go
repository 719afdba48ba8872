package retention

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/basket/fleetdeck/internal/monitor"
)

func seedConsole(t *testing.T) *monitor.Console {
	t.Helper()
	console := monitor.NewConsole(monitor.ConsoleOptions{})
	events := []monitor.UpdateEvent{
		{TargetKind: monitor.KindAgent, TargetID: "a1", EventTimeMs: 10,
			Patch: json.RawMessage(`{"display_name":"A","lifecycle_state":"completed"}`)},
		{TargetKind: monitor.KindAgent, TargetID: "a2", EventTimeMs: 20,
			Patch: json.RawMessage(`{"display_name":"B","lifecycle_state":"running"}`)},
	}
	for _, ev := range events {
		if _, err := console.Ingest(ev); err != nil {
			t.Fatalf("Ingest: %v", err)
		}
	}
	return console
}

func TestNew_ValidatesCronSpec(t *testing.T) {
	if _, err := New(Config{CronSpec: "not a cron"}); err == nil {
		t.Fatal("expected parse error")
	}
	if _, err := New(Config{Console: monitor.NewConsole(monitor.ConsoleOptions{})}); err != nil {
		t.Fatalf("default spec rejected: %v", err)
	}
}

func TestSweep_ClearsCompletedAgents(t *testing.T) {
	console := seedConsole(t)
	s, err := New(Config{Console: console, ClearCompletedAgents: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	s.Sweep()

	stats := console.Stats()
	if stats.TotalAgents != 1 {
		t.Fatalf("agents after sweep = %d, want 1", stats.TotalAgents)
	}
}

func TestSweep_DisabledLeavesGraphAlone(t *testing.T) {
	console := seedConsole(t)
	s, err := New(Config{Console: console, ClearCompletedAgents: false})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	s.Sweep()

	if got := console.Stats().TotalAgents; got != 2 {
		t.Fatalf("agents = %d, want 2", got)
	}
}

func TestMaybeSweep_FiresWhenDue(t *testing.T) {
	console := seedConsole(t)
	s, err := New(Config{Console: console, ClearCompletedAgents: true, CronSpec: "* * * * *"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	before := s.NextRun()
	s.maybeSweep(before.Add(time.Second))

	if s.Sweeps() != 1 {
		t.Fatalf("sweeps = %d, want 1", s.Sweeps())
	}
	if !s.NextRun().After(before) {
		t.Fatalf("next run not advanced: %v -> %v", before, s.NextRun())
	}

	// Not due yet: nothing fires.
	s.maybeSweep(s.NextRun().Add(-time.Minute))
	if s.Sweeps() != 1 {
		t.Fatalf("sweeps = %d, want still 1", s.Sweeps())
	}
}

func TestNextRunTime(t *testing.T) {
	after := time.Date(2026, 8, 20, 10, 3, 0, 0, time.UTC)
	next, err := NextRunTime("*/10 * * * *", after)
	if err != nil {
		t.Fatalf("NextRunTime: %v", err)
	}
	want := time.Date(2026, 8, 20, 10, 10, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}

	if _, err := NextRunTime("bogus", after); err == nil {
		t.Fatal("expected parse error")
	}
}
