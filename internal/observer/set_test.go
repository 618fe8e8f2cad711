package observer

import (
	"strings"
	"testing"
)

func TestSetNotifyOrder(t *testing.T) {
	t.Parallel()

	s := NewSet[int](nil)
	var got []string
	s.Add(func(v int) { got = append(got, "a") })
	s.Add(func(v int) { got = append(got, "b") })
	s.Add(func(v int) { got = append(got, "c") })

	s.Notify(1)

	if strings.Join(got, "") != "abc" {
		t.Fatalf("expected registration order abc, got %v", got)
	}
}

func TestSetPanicIsolation(t *testing.T) {
	t.Parallel()

	var panics []error
	s := NewSet[string](func(err error) { panics = append(panics, err) })
	delivered := 0
	s.Add(func(string) { delivered++ })
	s.Add(func(string) { panic("boom") })
	s.Add(func(string) { delivered++ })

	s.Notify("x")

	if delivered != 2 {
		t.Errorf("expected both healthy handlers to run, got %d", delivered)
	}
	if len(panics) != 1 || !strings.Contains(panics[0].Error(), "boom") {
		t.Errorf("expected one recovered panic, got %v", panics)
	}
}

func TestSetRemove(t *testing.T) {
	t.Parallel()

	s := NewSet[int](nil)
	calls := 0
	remove := s.Add(func(int) { calls++ })
	s.Add(func(int) { calls += 10 })
	remove()

	s.Notify(0)

	if calls != 10 {
		t.Fatalf("expected only remaining handler to run, got %d", calls)
	}
	if s.Len() != 1 {
		t.Fatalf("expected 1 handler, got %d", s.Len())
	}
}
