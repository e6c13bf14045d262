package vm

import (
	"math/big"
	"testing"
)

func TestStackPushPop(t *testing.T) {
	st := NewStack()
	st.Push(big.NewInt(42))
	st.Push(big.NewInt(99))

	if st.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", st.Len())
	}
	if v := st.Pop(); v.Int64() != 99 {
		t.Errorf("Pop() = %d, want 99", v.Int64())
	}
	if v := st.Pop(); v.Int64() != 42 {
		t.Errorf("Pop() = %d, want 42", v.Int64())
	}
	if st.Len() != 0 {
		t.Errorf("Len() = %d, want 0", st.Len())
	}
}

func TestStackBack(t *testing.T) {
	st := NewStack()
	st.Push(big.NewInt(1))
	st.Push(big.NewInt(2))
	st.Push(big.NewInt(3))

	if st.Back(0).Int64() != 3 {
		t.Errorf("Back(0) = %d, want 3", st.Back(0).Int64())
	}
	if st.Back(2).Int64() != 1 {
		t.Errorf("Back(2) = %d, want 1", st.Back(2).Int64())
	}
}

func TestStackDupSwap(t *testing.T) {
	st := NewStack()
	st.Push(big.NewInt(10))
	st.Push(big.NewInt(20))
	st.Push(big.NewInt(30))

	st.Dup(2)
	if st.Len() != 4 {
		t.Fatalf("Len() = %d, want 4", st.Len())
	}
	if st.Peek().Int64() != 20 {
		t.Errorf("after Dup(2), top = %d, want 20", st.Peek().Int64())
	}

	st.Swap(3)
	if st.Peek().Int64() != 10 {
		t.Errorf("after Swap(3), top = %d, want 10", st.Peek().Int64())
	}
}

func TestStackImageIsolation(t *testing.T) {
	st := NewStack()
	st.Push(big.NewInt(7))
	img := st.Image()

	// Mutating the live stack must not alter the image, and vice versa.
	st.Peek().SetInt64(99)
	if img[0].Int64() != 7 {
		t.Errorf("image aliased live stack: %d", img[0].Int64())
	}

	st2 := NewStackFromImage(img)
	st2.Peek().SetInt64(55)
	if img[0].Int64() != 7 {
		t.Errorf("restored stack aliased image: %d", img[0].Int64())
	}
}
