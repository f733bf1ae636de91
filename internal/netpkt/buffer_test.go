package netpkt

import "testing"

func TestAllocPutPush(t *testing.T) {
	b := Alloc(4, 14, 4)
	payload := b.Put(0)
	if len(payload) != 0 {
		t.Fatalf("Put(0) len = %d, want 0", len(payload))
	}
	copy(b.Data(), []byte{1, 2, 3, 4})
	if b.Len() != 4 {
		t.Fatalf("Len() = %d, want 4", b.Len())
	}

	hdr := b.Push(14)
	if len(hdr) != 14 {
		t.Fatalf("Push(14) len = %d, want 14", len(hdr))
	}
	if b.Len() != 18 {
		t.Fatalf("Len() after push = %d, want 18", b.Len())
	}
	if b.Headroom() != 0 {
		t.Fatalf("Headroom() = %d, want 0", b.Headroom())
	}
}

func TestPushOverflowPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on headroom overflow")
		}
	}()
	b := Alloc(4, 2, 0)
	b.Push(3)
}

func TestTrim(t *testing.T) {
	b := Alloc(10, 0, 0)
	b.Trim(4)
	if b.Len() != 6 {
		t.Fatalf("Len() = %d, want 6", b.Len())
	}
	b.Trim(100)
	if b.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 after over-trim", b.Len())
	}
}

func TestRefcounting(t *testing.T) {
	b := Alloc(4, 0, 0)
	b.Ref()
	b.Unref()
	if b.backing == nil {
		t.Fatal("backing released while a reference remained")
	}
	b.Unref()
	if b.backing != nil {
		t.Fatal("backing not released after last Unref")
	}
}

func TestClone(t *testing.T) {
	b := Alloc(4, 0, 0)
	copy(b.Data(), []byte{9, 8, 7, 6})
	c := b.Clone(14, 0)
	if c.Len() != 4 {
		t.Fatalf("clone Len() = %d, want 4", c.Len())
	}
	if c.Headroom() != 14 {
		t.Fatalf("clone Headroom() = %d, want 14", c.Headroom())
	}
	c.Data()[0] = 0
	if b.Data()[0] != 9 {
		t.Fatal("clone shares backing storage with original")
	}
}
