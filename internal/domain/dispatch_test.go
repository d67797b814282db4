package domain

import "testing"

func TestCanTransition_HappyPath(t *testing.T) {
	path := []Status{StatusPending, StatusProvisioning, StatusRunning, StatusCompleting, StatusSuccess}
	for i := 0; i < len(path)-1; i++ {
		if !CanTransition(path[i], path[i+1]) {
			t.Fatalf("expected %s -> %s to be legal", path[i], path[i+1])
		}
	}
}

func TestCanTransition_NoTerminalReentry(t *testing.T) {
	for _, terminal := range []Status{StatusSuccess, StatusFailed, StatusTimeout, StatusCancelled} {
		for _, to := range []Status{StatusPending, StatusProvisioning, StatusRunning, StatusCompleting, StatusSuccess, StatusFailed, StatusTimeout, StatusCancelled} {
			if CanTransition(terminal, to) {
				t.Fatalf("terminal state %s must not transition to %s", terminal, to)
			}
		}
	}
}

func TestCanTransition_RejectsSkips(t *testing.T) {
	cases := []struct{ from, to Status }{
		{StatusPending, StatusRunning},
		{StatusPending, StatusCompleting},
		{StatusPending, StatusSuccess},
		{StatusProvisioning, StatusCompleting},
		{StatusProvisioning, StatusSuccess},
		{StatusRunning, StatusSuccess},
		{StatusCompleting, StatusTimeout},
		{StatusCompleting, StatusCancelled},
	}
	for _, c := range cases {
		if CanTransition(c.from, c.to) {
			t.Errorf("expected %s -> %s to be illegal", c.from, c.to)
		}
	}
}

func TestValidateTransition_ErrorShape(t *testing.T) {
	err := ValidateTransition(StatusSuccess, StatusRunning)
	if err == nil {
		t.Fatal("expected error")
	}
	var invalid *ErrInvalidTransition
	if !asInvalidTransition(err, &invalid) {
		t.Fatalf("expected *ErrInvalidTransition, got %T", err)
	}
	if invalid.From != StatusSuccess || invalid.To != StatusRunning {
		t.Fatalf("unexpected fields: %+v", invalid)
	}
}

func asInvalidTransition(err error, target **ErrInvalidTransition) bool {
	e, ok := err.(*ErrInvalidTransition)
	if !ok {
		return false
	}
	*target = e
	return true
}

func TestTerminal(t *testing.T) {
	for _, s := range []Status{StatusSuccess, StatusFailed, StatusTimeout, StatusCancelled} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []Status{StatusPending, StatusProvisioning, StatusRunning, StatusCompleting} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
