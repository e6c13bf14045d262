package vm

import (
	"math/big"
	"testing"
)

func TestMemorySetGet(t *testing.T) {
	m := NewMemory()
	m.Resize(64)
	m.Set(0, 3, []byte{1, 2, 3})

	got := m.Get(0, 3)
	if got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Errorf("Get(0,3) = %v", got)
	}
	// Get returns a copy.
	got[0] = 9
	if m.Data()[0] != 1 {
		t.Error("Get aliases the backing store")
	}
}

func TestMemorySet32(t *testing.T) {
	m := NewMemory()
	m.Resize(32)
	m.Set32(0, big.NewInt(0xff))
	if m.Data()[31] != 0xff {
		t.Errorf("Set32 low byte = %x, want ff", m.Data()[31])
	}
	for i := 0; i < 31; i++ {
		if m.Data()[i] != 0 {
			t.Errorf("byte %d = %x, want 0", i, m.Data()[i])
		}
	}
}

func TestMemoryResizeGrowsOnly(t *testing.T) {
	m := NewMemory()
	m.Resize(64)
	m.Set(0, 1, []byte{7})
	m.Resize(32)
	if m.Len() != 64 {
		t.Errorf("Resize shrank memory to %d", m.Len())
	}
	if m.Data()[0] != 7 {
		t.Error("Resize clobbered contents")
	}
}

func TestMemoryImage(t *testing.T) {
	m := NewMemory()
	m.Resize(32)
	m.Set(0, 1, []byte{42})
	img := m.Image()
	m.Set(0, 1, []byte{43})
	if img[0] != 42 {
		t.Errorf("image aliased live memory: %d", img[0])
	}
	m2 := NewMemoryFromImage(img)
	if m2.Data()[0] != 42 || m2.Len() != 32 {
		t.Errorf("restored memory wrong: %v len %d", m2.Data()[0], m2.Len())
	}
}
