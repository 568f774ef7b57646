package bus

import (
	"reflect"
	"testing"
)

func TestRegistryEmitsInOrder(t *testing.T) {
	r := NewRegistry[int]()
	var got []string
	r.Add(func(v int) { got = append(got, "a") })
	r.Add(func(v int) { got = append(got, "b") })

	r.Emit(1)

	if want := []string{"a", "b"}; !reflect.DeepEqual(got, want) {
		t.Errorf("order = %v, want %v", got, want)
	}
}

func TestRegistryDisposer(t *testing.T) {
	r := NewRegistry[string]()
	calls := 0
	dispose := r.Add(func(string) { calls++ })
	r.Emit("x")
	dispose()
	dispose()
	r.Emit("y")

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}
}

// A listener that disposes itself mid-Emit must not skip the next listener.
func TestRegistryDisposeDuringEmit(t *testing.T) {
	r := NewRegistry[int]()
	var dispose func()
	second := 0
	dispose = r.Add(func(int) { dispose() })
	r.Add(func(int) { second++ })

	r.Emit(1)
	r.Emit(2)

	if second != 2 {
		t.Errorf("second listener called %d times, want 2", second)
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}
