package convert

import "testing"

func TestFramerReframes(t *testing.T) {
	f := NewFramer(4)

	if frames := f.Push([]float32{1, 2, 3}); len(frames) != 0 {
		t.Fatalf("Expected no frame yet, got %d", len(frames))
	}
	frames := f.Push([]float32{4, 5, 6, 7, 8, 9})
	if len(frames) != 2 {
		t.Fatalf("Expected 2 frames, got %d", len(frames))
	}
	want := [][]float32{{1, 2, 3, 4}, {5, 6, 7, 8}}
	for i := range want {
		for j := range want[i] {
			if frames[i][j] != want[i][j] {
				t.Fatalf("Frame %d = %v, want %v", i, frames[i], want[i])
			}
		}
	}
	if f.Buffered() != 1 {
		t.Errorf("Expected 1 buffered sample, got %d", f.Buffered())
	}
}

func TestFramerFramesAreIndependent(t *testing.T) {
	f := NewFramer(2)
	frames := f.Push([]float32{1, 2, 3, 4})
	frames[0][0] = 100
	if frames[1][0] != 3 {
		t.Error("Frames must not share backing storage")
	}
	for range 1000 {
		f.Push([]float32{0, 0, 0})
	}
	if f.Buffered() > 2 {
		t.Errorf("Buffered samples should stay below one frame, got %d", f.Buffered())
	}
}
