package inflow

import (
	"errors"
	"testing"
)

func TestAllowedTransitions(t *testing.T) {
	statuses := []TaskStatus{StatusTodo, StatusInProgress, StatusWaiting, StatusDone}
	legal := map[TaskStatus][]TaskStatus{
		StatusTodo:       {StatusInProgress},
		StatusInProgress: {StatusWaiting, StatusDone, StatusTodo},
		StatusWaiting:    {StatusInProgress, StatusDone},
		StatusDone:       {StatusTodo},
	}
	for _, from := range statuses {
		for _, to := range statuses {
			want := false
			for _, allowed := range legal[from] {
				if allowed == to {
					want = true
				}
			}
			if got := AllowedTransition(from, to); got != want {
				t.Fatalf("AllowedTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestCheckTransitionIllegalEdge(t *testing.T) {
	err := CheckTransition(StatusTodo, StatusDone)
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}
	var transitionErr *TransitionError
	if !errors.As(err, &transitionErr) {
		t.Fatalf("expected *TransitionError, got %T", err)
	}
	if transitionErr.From != StatusTodo || transitionErr.To != StatusDone {
		t.Fatalf("unexpected edge in error: %s -> %s", transitionErr.From, transitionErr.To)
	}
}

func TestCheckTransitionUnknownStatus(t *testing.T) {
	if err := CheckTransition(StatusTodo, TaskStatus("ARCHIVED")); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for unknown target, got %v", err)
	}
	if err := CheckTransition(TaskStatus("bogus"), StatusDone); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition for unknown source, got %v", err)
	}
}

func TestCheckTransitionSelfLoop(t *testing.T) {
	for _, status := range []TaskStatus{StatusTodo, StatusInProgress, StatusWaiting, StatusDone} {
		if err := CheckTransition(status, status); !errors.Is(err, ErrIllegalTransition) {
			t.Fatalf("expected self transition %s -> %s to be illegal, got %v", status, status, err)
		}
	}
}
