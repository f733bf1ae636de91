package portmgr

import "testing"

func noopHandler(int, int, []byte, []byte, []byte, uint16, uint16) int { return 0 }

func TestBindManualRefusesDuplicate(t *testing.T) {
	m := New()
	if err := m.BindManual(TCP, 80, 1, noopHandler); err != nil {
		t.Fatalf("first bind: %v", err)
	}
	if err := m.BindManual(TCP, 80, 2, noopHandler); err == nil {
		t.Fatal("expected second bind of the same port to fail")
	}
	// Disjoint proto space: UDP 80 is independent of TCP 80.
	if err := m.BindManual(UDP, 80, 2, noopHandler); err != nil {
		t.Fatalf("udp bind on same number: %v", err)
	}
}

func TestAllocEphemeralRange(t *testing.T) {
	m := New()
	port, err := m.AllocEphemeral(UDP, 1, noopHandler)
	if err != nil {
		t.Fatalf("AllocEphemeral: %v", err)
	}
	if port < ephemeralLow || port > ephemeralHigh {
		t.Fatalf("port %d out of ephemeral range", port)
	}
}

func TestUnbindPortIsolation(t *testing.T) {
	m := New()
	_ = m.BindManual(TCP, 443, 1, noopHandler)
	if err := m.Unbind(TCP, 443, 2); err == nil {
		t.Fatal("expected unbind by non-owning pid to fail")
	}
	if !m.IsBound(TCP, 443) {
		t.Fatal("port should remain bound after rejected unbind")
	}
	if err := m.Unbind(TCP, 443, 1); err != nil {
		t.Fatalf("owner unbind: %v", err)
	}
	if m.IsBound(TCP, 443) {
		t.Fatal("port should be free after owner unbind")
	}
}

func TestUnbindAll(t *testing.T) {
	m := New()
	_ = m.BindManual(TCP, 22, 7, noopHandler)
	_ = m.BindManual(UDP, 53, 7, noopHandler)
	_ = m.BindManual(TCP, 80, 8, noopHandler)
	m.UnbindAll(7)
	if m.IsBound(TCP, 22) || m.IsBound(UDP, 53) {
		t.Fatal("UnbindAll left pid 7's ports bound")
	}
	if !m.IsBound(TCP, 80) {
		t.Fatal("UnbindAll released another pid's port")
	}
}
