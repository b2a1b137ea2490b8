package cidr

import (
	"net/netip"
	"testing"
)

func mustPrefix(t *testing.T, s string) netip.Prefix {
	t.Helper()
	p, err := netip.ParsePrefix(s)
	if err != nil {
		t.Fatalf("ParsePrefix(%q): %v", s, err)
	}
	return p
}

func addrs(ss ...string) []netip.Addr {
	out := make([]netip.Addr, 0, len(ss))
	for _, s := range ss {
		out = append(out, netip.MustParseAddr(s))
	}
	return out
}

func TestParseSubnet(t *testing.T) {
	tests := []struct {
		name    string
		network string
		prefix  int
		wantErr bool
	}{
		{"каноничная /24", "192.168.1.0", 24, false},
		{"каноничная /16", "10.20.0.0", 16, false},
		{"/32", "10.0.0.7", 32, false},
		{"биты хоста", "192.168.1.5", 24, true},
		{"IPv6", "2001:db8::", 64, true},
		{"мусор", "not-an-ip", 24, true},
		{"префикс больше 32", "10.0.0.0", 33, true},
		{"отрицательный префикс", "10.0.0.0", -1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSubnet(tt.network, tt.prefix)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseSubnet(%q, %d) err = %v, wantErr %v", tt.network, tt.prefix, err, tt.wantErr)
			}
		})
	}
}

func TestUsableCount(t *testing.T) {
	tests := []struct {
		prefix string
		want   int64
	}{
		{"10.0.0.0/24", 254},
		{"10.0.0.0/30", 2},
		{"10.0.0.0/31", 0},
		{"10.0.0.0/32", 0},
		{"10.0.0.0/16", 65534},
		{"0.0.0.0/0", 4294967294},
	}

	for _, tt := range tests {
		t.Run(tt.prefix, func(t *testing.T) {
			if got := UsableCount(mustPrefix(t, tt.prefix)); got != tt.want {
				t.Errorf("UsableCount(%s) = %d, ожидали %d", tt.prefix, got, tt.want)
			}
		})
	}
}

func TestFirstLastUsable(t *testing.T) {
	p := mustPrefix(t, "192.168.1.0/24")

	first, ok := FirstUsable(p)
	if !ok || first.String() != "192.168.1.1" {
		t.Errorf("FirstUsable = %v, %v; ожидали 192.168.1.1", first, ok)
	}
	last, ok := LastUsable(p)
	if !ok || last.String() != "192.168.1.254" {
		t.Errorf("LastUsable = %v, %v; ожидали 192.168.1.254", last, ok)
	}

	if _, ok := FirstUsable(mustPrefix(t, "10.0.0.0/31")); ok {
		t.Error("FirstUsable для /31 должен вернуть ok == false")
	}
}

func TestIsUsable(t *testing.T) {
	p := mustPrefix(t, "10.0.0.0/30")
	tests := []struct {
		addr string
		want bool
	}{
		{"10.0.0.0", false}, // адрес сети
		{"10.0.0.1", true},
		{"10.0.0.2", true},
		{"10.0.0.3", false}, // broadcast
		{"10.0.0.4", false}, // вне подсети
	}
	for _, tt := range tests {
		if got := IsUsable(p, netip.MustParseAddr(tt.addr)); got != tt.want {
			t.Errorf("IsUsable(%s) = %v, ожидали %v", tt.addr, got, tt.want)
		}
	}
}

func TestLowestFree(t *testing.T) {
	p := mustPrefix(t, "192.168.1.0/29") // пригодные .1-.6

	tests := []struct {
		name   string
		used   []netip.Addr
		want   string
		wantOK bool
	}{
		{"пустая подсеть", nil, "192.168.1.1", true},
		{"первый занят", addrs("192.168.1.1"), "192.168.1.2", true},
		{"дыра в середине", addrs("192.168.1.1", "192.168.1.2", "192.168.1.4"), "192.168.1.3", true},
		{"освобождённый младший", addrs("192.168.1.2", "192.168.1.3"), "192.168.1.1", true},
		{"последний свободный", addrs("192.168.1.1", "192.168.1.2", "192.168.1.3", "192.168.1.4", "192.168.1.5"), "192.168.1.6", true},
		{"исчерпана", addrs("192.168.1.1", "192.168.1.2", "192.168.1.3", "192.168.1.4", "192.168.1.5", "192.168.1.6"), "", false},
		{"адреса вне подсети игнорируются", addrs("10.0.0.1", "192.168.1.1"), "192.168.1.2", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := LowestFree(p, tt.used)
			if ok != tt.wantOK {
				t.Fatalf("LowestFree ok = %v, ожидали %v", ok, tt.wantOK)
			}
			if ok && got.String() != tt.want {
				t.Errorf("LowestFree = %s, ожидали %s", got, tt.want)
			}
		})
	}
}

func TestLowestFree_NoUsable(t *testing.T) {
	if _, ok := LowestFree(mustPrefix(t, "10.0.0.8/31"), nil); ok {
		t.Error("/31 не должна выдавать адреса")
	}
}

func TestFree(t *testing.T) {
	p := mustPrefix(t, "10.0.0.0/29")
	used := addrs("10.0.0.2", "10.0.0.5")

	all := Free(p, used, 0)
	want := []string{"10.0.0.1", "10.0.0.3", "10.0.0.4", "10.0.0.6"}
	if len(all) != len(want) {
		t.Fatalf("Free без лимита = %v, ожидали %v", all, want)
	}
	for i := range want {
		if all[i].String() != want[i] {
			t.Errorf("Free[%d] = %s, ожидали %s", i, all[i], want[i])
		}
	}

	limited := Free(p, used, 2)
	if len(limited) != 2 || limited[1].String() != "10.0.0.3" {
		t.Errorf("Free с лимитом 2 = %v", limited)
	}
}

func TestFree_TopOfAddressSpace(t *testing.T) {
	// Проверка отсутствия переполнения на последней подсети
	p := mustPrefix(t, "255.255.255.252/30")
	got := Free(p, nil, 0)
	if len(got) != 2 || got[1].String() != "255.255.255.254" {
		t.Errorf("Free(%s) = %v", p, got)
	}
}
