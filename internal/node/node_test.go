package node

import "testing"

func TestLifecycleTransition(t *testing.T) {
	l := NewLifecycle()
	if got := l.State(); got != Init {
		t.Fatalf("initial state = %s, want INIT", got)
	}
	l.Transition(Started)
	if got := l.State(); got != Started {
		t.Fatalf("state after Transition(Started) = %s, want STARTED", got)
	}
	state, unlock := l.RLock()
	defer unlock()
	if state != Started {
		t.Errorf("RLock observed %s, want STARTED", state)
	}
}

func TestBusFanOut(t *testing.T) {
	b := NewBus("test")
	var got1, got2 []string
	b.Subscribe(EmitterFunc{
		Update: func(id string, _ map[string]any) error {
			got1 = append(got1, id)
			return nil
		},
	})
	b.Subscribe(EmitterFunc{
		Update: func(id string, _ map[string]any) error {
			got2 = append(got2, id)
			return nil
		},
	})

	if err := b.EmitUpdate("1.2.3.4", map[string]any{"type": "IPv4"}); err != nil {
		t.Fatalf("EmitUpdate: %v", err)
	}

	if len(got1) != 1 || got1[0] != "1.2.3.4" {
		t.Errorf("subscriber 1 got %v, want [1.2.3.4]", got1)
	}
	if len(got2) != 1 || got2[0] != "1.2.3.4" {
		t.Errorf("subscriber 2 got %v, want [1.2.3.4]", got2)
	}
}

func TestBusSubscriberErrorDoesNotStopFanOut(t *testing.T) {
	b := NewBus("test")
	called := false
	b.Subscribe(EmitterFunc{
		Update: func(string, map[string]any) error {
			return errBoom
		},
	})
	b.Subscribe(EmitterFunc{
		Update: func(string, map[string]any) error {
			called = true
			return nil
		},
	})

	_ = b.EmitUpdate("x", nil)
	if !called {
		t.Errorf("second subscriber should still be called after first errors")
	}
}

var errBoom = &boomError{}

type boomError struct{}

func (*boomError) Error() string { return "boom" }
