package diskspace

import "testing"

func TestFreeBytesReturnsPositiveValueForRealPath(t *testing.T) {
	t.Parallel()
	m := New(t.TempDir())
	free, err := m.FreeBytes()
	if err != nil {
		t.Fatalf("FreeBytes() error = %v", err)
	}
	if free == 0 {
		t.Fatal("FreeBytes() = 0, want a nonzero reading for a real filesystem")
	}
}

func TestBelowReportsFalseForUnreasonablyLowFloor(t *testing.T) {
	t.Parallel()
	m := New(t.TempDir())
	below, err := m.Below(1)
	if err != nil {
		t.Fatalf("Below() error = %v", err)
	}
	if below {
		t.Fatal("Below(1 byte) = true, want false on any real filesystem")
	}
}

func TestBelowReportsTrueForUnreasonablyHighFloor(t *testing.T) {
	t.Parallel()
	m := New(t.TempDir())
	below, err := m.Below(1 << 62)
	if err != nil {
		t.Fatalf("Below() error = %v", err)
	}
	if !below {
		t.Fatal("Below(huge floor) = false, want true")
	}
}
