package sessionactor

import "testing"

func TestRingBuffer_PushWithinCapacity(t *testing.T) {
	rb := NewRingBuffer[int](5)
	for i := 1; i <= 3; i++ {
		rb.Push(i)
	}

	if rb.Len() != 3 {
		t.Errorf("expected len 3, got %d", rb.Len())
	}

	got := rb.Snapshot()
	want := []int{1, 2, 3}
	for i, v := range want {
		if got[i] != v {
			t.Errorf("index %d: expected %d, got %d", i, v, got[i])
		}
	}
}

func TestRingBuffer_EvictsOldestWhenFull(t *testing.T) {
	rb := NewRingBuffer[int](3)
	for i := 1; i <= 5; i++ {
		rb.Push(i)
	}

	if rb.Len() != 3 {
		t.Errorf("expected len 3, got %d", rb.Len())
	}

	got := rb.Snapshot()
	want := []int{3, 4, 5}
	for i, v := range want {
		if got[i] != v {
			t.Errorf("index %d: expected %d, got %d", i, v, got[i])
		}
	}
}

func TestRingBuffer_ZeroCapacityFallsBackToDefault(t *testing.T) {
	rb := NewRingBuffer[int](0)
	if rb.Capacity() != 1000 {
		t.Errorf("expected default capacity 1000, got %d", rb.Capacity())
	}
}

func TestRingBuffer_Since(t *testing.T) {
	rb := NewRingBuffer[int](5)
	for i := 1; i <= 5; i++ {
		rb.Push(i)
	}

	got := rb.Since(2, func(v int) int64 { return int64(v) })
	want := []int{3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("expected %d elements, got %d", len(want), len(got))
	}
	for i, v := range want {
		if got[i] != v {
			t.Errorf("index %d: expected %d, got %d", i, v, got[i])
		}
	}
}

func TestRingBuffer_SinceAllSeen(t *testing.T) {
	rb := NewRingBuffer[int](5)
	rb.Push(1)
	rb.Push(2)

	got := rb.Since(5, func(v int) int64 { return int64(v) })
	if len(got) != 0 {
		t.Errorf("expected no elements newer than afterSeq, got %d", len(got))
	}
}
