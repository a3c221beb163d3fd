package lifecycle_test

import (
	"errors"
	"slices"
	"testing"

	"github.com/basket/missionctl/internal/lifecycle"
)

func TestCanTransition_MatchesTable(t *testing.T) {
	table := map[lifecycle.AgentStatus][]lifecycle.AgentStatus{
		lifecycle.AgentIdle:         {lifecycle.AgentInitializing},
		lifecycle.AgentInitializing: {lifecycle.AgentReady, lifecycle.AgentError},
		lifecycle.AgentReady:        {lifecycle.AgentBusy, lifecycle.AgentPaused, lifecycle.AgentShuttingDown},
		lifecycle.AgentBusy:         {lifecycle.AgentReady, lifecycle.AgentError, lifecycle.AgentPaused},
		lifecycle.AgentPaused:       {lifecycle.AgentReady, lifecycle.AgentBusy, lifecycle.AgentShuttingDown},
		lifecycle.AgentError:        {lifecycle.AgentInitializing, lifecycle.AgentShuttingDown},
		lifecycle.AgentShuttingDown: {lifecycle.AgentOffline},
		lifecycle.AgentOffline:      {lifecycle.AgentInitializing},
	}
	for _, from := range lifecycle.AgentStatuses {
		for _, to := range lifecycle.AgentStatuses {
			want := slices.Contains(table[from], to)
			if got := lifecycle.CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestAllowed_ReturnsCopy(t *testing.T) {
	got := lifecycle.Allowed(lifecycle.AgentReady)
	got[0] = lifecycle.AgentOffline
	if lifecycle.CanTransition(lifecycle.AgentReady, lifecycle.AgentOffline) {
		t.Fatal("mutating Allowed result changed the table")
	}
	if len(lifecycle.Allowed("BOGUS")) != 0 {
		t.Fatal("unknown status should allow nothing")
	}
}

func TestLivenessEdges(t *testing.T) {
	cases := []struct {
		from, to lifecycle.AgentStatus
		want     bool
	}{
		{lifecycle.AgentReady, lifecycle.AgentOffline, true},
		{lifecycle.AgentBusy, lifecycle.AgentOffline, true},
		{lifecycle.AgentOffline, lifecycle.AgentReady, true},
		{lifecycle.AgentPaused, lifecycle.AgentOffline, false},
		{lifecycle.AgentIdle, lifecycle.AgentReady, false},
	}
	for _, tc := range cases {
		if got := lifecycle.CanTransitionLiveness(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransitionLiveness(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
		if lifecycle.CanTransition(tc.from, tc.to) && tc.want {
			t.Errorf("%s -> %s must not be an operator edge", tc.from, tc.to)
		}
	}
}

func TestPriorityOrdering(t *testing.T) {
	order := []lifecycle.Priority{
		lifecycle.PriorityLow, lifecycle.PriorityMedium, lifecycle.PriorityHigh, lifecycle.PriorityCritical,
	}
	for i := 1; i < len(order); i++ {
		if order[i-1].Rank() >= order[i].Rank() {
			t.Fatalf("%s should rank below %s", order[i-1], order[i])
		}
	}
	for _, p := range order {
		back, err := lifecycle.PriorityFromRank(p.Rank())
		if err != nil || back != p {
			t.Fatalf("PriorityFromRank(%d) = %q, %v", p.Rank(), back, err)
		}
	}
	if _, err := lifecycle.PriorityFromRank(9); err == nil {
		t.Fatal("expected error for unknown rank")
	}
}

func TestParsePriority(t *testing.T) {
	if p, err := lifecycle.ParsePriority(""); err != nil || p != lifecycle.PriorityMedium {
		t.Fatalf("empty priority = %q, %v", p, err)
	}
	if p, err := lifecycle.ParsePriority(" high "); err != nil || p != lifecycle.PriorityHigh {
		t.Fatalf("high = %q, %v", p, err)
	}
	if p, err := lifecycle.ParsePriority("critical"); err != nil || p != lifecycle.PriorityCritical {
		t.Fatalf("critical = %q, %v", p, err)
	}
	if _, err := lifecycle.ParsePriority("urgent"); !errors.Is(err, lifecycle.ErrInvalidInput) {
		t.Fatalf("unknown priority err = %v, want invalid input", err)
	}
}

func TestTaskStatusPredicates(t *testing.T) {
	for _, s := range lifecycle.TaskStatuses {
		terminal := s == lifecycle.TaskCompleted || s == lifecycle.TaskFailed || s == lifecycle.TaskCancelled
		if s.Terminal() != terminal {
			t.Errorf("%s.Terminal() = %v", s, s.Terminal())
		}
		held := s == lifecycle.TaskAssigned || s == lifecycle.TaskRunning
		if s.Held() != held {
			t.Errorf("%s.Held() = %v", s, s.Held())
		}
	}
}

func TestControlActionTargets(t *testing.T) {
	want := map[lifecycle.ControlAction]lifecycle.AgentStatus{
		lifecycle.ControlPause:   lifecycle.AgentPaused,
		lifecycle.ControlResume:  lifecycle.AgentReady,
		lifecycle.ControlRestart: lifecycle.AgentInitializing,
		lifecycle.ControlStop:    lifecycle.AgentShuttingDown,
	}
	for action, status := range want {
		got, ok := action.Target()
		if !ok || got != status {
			t.Errorf("%s.Target() = %s, %v", action, got, ok)
		}
	}
	if _, ok := lifecycle.ControlAction("reboot").Target(); ok {
		t.Fatal("unknown action should not resolve")
	}
}

func TestErrorsUnwrap(t *testing.T) {
	var err error = &lifecycle.TransitionError{AgentID: "a1", From: lifecycle.AgentIdle, To: lifecycle.AgentBusy}
	if !errors.Is(err, lifecycle.ErrInvalidTransition) {
		t.Fatal("TransitionError should unwrap to ErrInvalidTransition")
	}
	if err.Error() != "agent a1: invalid transition IDLE -> BUSY" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	err = &lifecycle.StateError{TaskID: "t1", Current: lifecycle.TaskPending, Operation: "start"}
	if !errors.Is(err, lifecycle.ErrInvalidState) {
		t.Fatal("StateError should unwrap to ErrInvalidState")
	}
	var se *lifecycle.StateError
	if !errors.As(err, &se) || se.Current != lifecycle.TaskPending {
		t.Fatal("errors.As should expose the current status")
	}
}

func TestInvalidf(t *testing.T) {
	err := lifecycle.Invalidf("unknown agent type %q", "ROBOT")
	if !errors.Is(err, lifecycle.ErrInvalidInput) {
		t.Fatal("Invalidf should wrap ErrInvalidInput")
	}
	if err.Error() != `invalid input: unknown agent type "ROBOT"` {
		t.Fatalf("unexpected message %q", err.Error())
	}
}
