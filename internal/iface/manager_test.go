package iface

import (
	"io"
	"log/slog"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewInstallsLocalhost(t *testing.T) {
	m := New(testLogger())
	if m.Count() != 1 {
		t.Fatalf("expected 1 L2 after bootstrap, got %d", m.Count())
	}
	l2, err := m.L2At(1)
	if err != nil {
		t.Fatalf("L2At(1): %v", err)
	}
	if l2.Kind != KindLocalhost || !l2.Up {
		t.Fatalf("expected localhost L2 up, got %+v", l2)
	}
	a, ok := m.FindV4ByIP([4]byte{127, 0, 0, 1})
	if !ok || a.Mask != [4]byte{255, 0, 0, 0} {
		t.Fatalf("expected 127.0.0.1/8 bootstrapped, got %+v ok=%v", a, ok)
	}
	loopback6 := [16]byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1}
	if _, ok := m.FindV6ByIP(loopback6); !ok {
		t.Fatalf("expected ::1 bootstrapped")
	}
}

func TestCreateDestroyL2(t *testing.T) {
	m := New(testLogger())
	idx, err := m.CreateL2("eth0", nil, 100, KindEth)
	if err != nil {
		t.Fatalf("CreateL2: %v", err)
	}
	if idx == 1 {
		t.Fatalf("expected a fresh slot distinct from localhost")
	}
	if err := m.DestroyL2(idx); err != nil {
		t.Fatalf("DestroyL2: %v", err)
	}
	if _, err := m.L2At(idx); err == nil {
		t.Fatalf("expected L2At to fail after destroy")
	}
}

func TestAddV4RejectsDuplicateAndOverlap(t *testing.T) {
	m := New(testLogger())
	idx, _ := m.CreateL2("eth0", nil, 100, KindEth)

	if _, err := m.AddV4(idx, [4]byte{192, 168, 1, 10}, [4]byte{255, 255, 255, 0}, [4]byte{192, 168, 1, 1}, V4Static, V4RuntimeOpts{}); err != nil {
		t.Fatalf("AddV4: %v", err)
	}
	if _, err := m.AddV4(idx, [4]byte{192, 168, 1, 20}, [4]byte{255, 255, 255, 0}, [4]byte{}, V4Static, V4RuntimeOpts{}); err == nil {
		t.Fatalf("expected overlap rejection for same subnet on same L2")
	}
	idx2, _ := m.CreateL2("eth1", nil, 100, KindEth)
	if _, err := m.AddV4(idx2, [4]byte{192, 168, 1, 10}, [4]byte{255, 255, 255, 0}, [4]byte{}, V4Static, V4RuntimeOpts{}); err == nil {
		t.Fatalf("expected system-wide duplicate rejection")
	}
}

func TestAddV4RejectsInvalidAddresses(t *testing.T) {
	m := New(testLogger())
	idx, _ := m.CreateL2("eth0", nil, 100, KindEth)
	cases := []struct {
		name string
		ip   [4]byte
		mask [4]byte
	}{
		{"unspecified", [4]byte{}, [4]byte{255, 255, 255, 0}},
		{"multicast", [4]byte{224, 0, 0, 1}, [4]byte{255, 255, 255, 0}},
		{"reserved", [4]byte{0, 1, 2, 3}, [4]byte{255, 255, 255, 0}},
		{"loopback-off-lo", [4]byte{127, 0, 0, 5}, [4]byte{255, 0, 0, 0}},
		{"network-addr", [4]byte{10, 0, 0, 0}, [4]byte{255, 255, 255, 0}},
		{"broadcast-addr", [4]byte{10, 0, 0, 255}, [4]byte{255, 255, 255, 0}},
		{"bad-mask", [4]byte{10, 0, 0, 5}, [4]byte{255, 0, 255, 0}},
	}
	for _, c := range cases {
		if _, err := m.AddV4(idx, c.ip, c.mask, [4]byte{}, V4Static, V4RuntimeOpts{}); err == nil {
			t.Errorf("%s: expected rejection", c.name)
		}
	}
}

func TestAddV6RequiresLinkLocalBeforeGlobal(t *testing.T) {
	m := New(testLogger())
	idx, _ := m.CreateL2("eth0", nil, 100, KindEth)
	gua := [16]byte{0x20, 0x01, 0x0d, 0xb8}
	if _, err := m.AddV6(idx, gua, 64, [16]byte{}, V6Static, V6Global); err == nil {
		t.Fatalf("expected rejection: GLOBAL address requires existing link-local")
	}
	lla := EUI64LinkLocal([6]byte{0x02, 0x11, 0x22, 0x33, 0x44, 0x55})
	if _, err := m.AddV6(idx, lla, 64, [16]byte{}, V6SLAAC, V6LinkLocal); err != nil {
		t.Fatalf("AddV6 link-local: %v", err)
	}
	if _, err := m.AddV6(idx, gua, 64, [16]byte{}, V6Static, V6Global); err != nil {
		t.Fatalf("AddV6 global after link-local: %v", err)
	}
}

func TestRemoveV6RefusesWhileGlobalReferencesLinkLocal(t *testing.T) {
	m := New(testLogger())
	idx, _ := m.CreateL2("eth0", nil, 100, KindEth)
	lla := EUI64LinkLocal([6]byte{0x02, 0x11, 0x22, 0x33, 0x44, 0x55})
	llID, _ := m.AddV6(idx, lla, 64, [16]byte{}, V6SLAAC, V6LinkLocal)
	gua := [16]byte{0x20, 0x01, 0x0d, 0xb8}
	m.AddV6(idx, gua, 64, [16]byte{}, V6Static, V6Global)

	if err := m.RemoveV6(llID); err == nil {
		t.Fatalf("expected removal of link-local to be refused while GLOBAL exists")
	}
}

func TestResolveIPv4ToInterfaceLongestPrefix(t *testing.T) {
	m := New(testLogger())
	idx, _ := m.CreateL2("eth0", nil, 100, KindEth)
	m.AddV4(idx, [4]byte{10, 0, 0, 5}, [4]byte{255, 0, 0, 0}, [4]byte{}, V4Static, V4RuntimeOpts{})
	idx2, _ := m.CreateL2("eth1", nil, 100, KindEth)
	m.AddV4(idx2, [4]byte{10, 0, 1, 5}, [4]byte{255, 255, 255, 0}, [4]byte{}, V4Static, V4RuntimeOpts{})

	a, ok := m.ResolveIPv4ToInterface([4]byte{10, 0, 1, 200})
	if !ok {
		t.Fatalf("expected a match")
	}
	if a.IP != [4]byte{10, 0, 1, 5} {
		t.Fatalf("expected longest-prefix match on eth1, got %+v", a)
	}
}

func TestJoinLeaveV4MulticastRefcounting(t *testing.T) {
	m := New(testLogger())
	idx, _ := m.CreateL2("eth0", nil, 100, KindEth)
	group := [4]byte{224, 0, 0, 251}

	var kicked [4]byte
	kicks := 0
	m.SetDriverHooks(nil, func(ifindex int, g [4]byte) { kicked = g; kicks++ }, nil)

	if err := m.JoinV4(idx, group); err != nil {
		t.Fatalf("JoinV4: %v", err)
	}
	if err := m.JoinV4(idx, group); err != nil {
		t.Fatalf("JoinV4 second: %v", err)
	}
	if !m.HasJoinedV4(idx, group) {
		t.Fatalf("expected joined")
	}
	if kicks != 1 || kicked != group {
		t.Fatalf("expected exactly one kick on first join, got %d", kicks)
	}

	m.LeaveV4(idx, group)
	if !m.HasJoinedV4(idx, group) {
		t.Fatalf("expected still joined after first leave (refcount 2->1)")
	}
	m.LeaveV4(idx, group)
	if m.HasJoinedV4(idx, group) {
		t.Fatalf("expected left after refcount reaches zero")
	}
}

func TestAutoconfigL2(t *testing.T) {
	m := New(testLogger())
	idx, _ := m.CreateL2("eth0", nil, 100, KindEth)
	mac := [6]byte{0x02, 0x11, 0x22, 0x33, 0x44, 0x55}
	if err := m.AutoconfigL2(idx, mac); err != nil {
		t.Fatalf("AutoconfigL2: %v", err)
	}
	l2, _ := m.L2At(idx)
	foundDHCP, foundLL, foundGUA := false, false, false
	for _, a := range l2.V4 {
		if a != nil && a.Mode == V4DHCP {
			foundDHCP = true
		}
	}
	for _, a := range l2.V6 {
		if a == nil {
			continue
		}
		if a.IsLinkLocal() {
			foundLL = true
		}
		if a.IsGlobal() {
			foundGUA = true
		}
	}
	if !foundDHCP || !foundLL || !foundGUA {
		t.Fatalf("expected DHCP v4 + link-local + placeholder GUA, got dhcp=%v ll=%v gua=%v", foundDHCP, foundLL, foundGUA)
	}
}
