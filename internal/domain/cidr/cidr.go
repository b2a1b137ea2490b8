// Пакет cidr — арифметика IPv4-подсетей для выделения адресов.
//
// Пригодными считаются все адреса подсети, кроме адреса сети и
// широковещательного: 2^(32-p) - 2, не меньше нуля. Для /31 и /32
// пригодных адресов нет.
package cidr

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// ParseSubnet разбирает адрес сети и длину префикса.
// Адрес должен быть IPv4 и не содержать битов хоста.
func ParseSubnet(network string, prefixLength int) (netip.Prefix, error) {
	addr, err := netip.ParseAddr(network)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("некорректный адрес сети %q", network)
	}
	if !addr.Is4() {
		return netip.Prefix{}, fmt.Errorf("адрес сети %q не IPv4", network)
	}
	if prefixLength < 0 || prefixLength > 32 {
		return netip.Prefix{}, fmt.Errorf("длина префикса %d вне диапазона 0-32", prefixLength)
	}
	p := netip.PrefixFrom(addr, prefixLength)
	if p.Masked().Addr() != addr {
		return netip.Prefix{}, fmt.Errorf("%s/%d содержит биты хоста, ожидается %s", network, prefixLength, p.Masked())
	}
	return p, nil
}

// UsableCount возвращает число пригодных адресов подсети.
func UsableCount(p netip.Prefix) int64 {
	size := int64(1) << (32 - p.Bits())
	if size < 2 {
		return 0
	}
	return size - 2
}

// FirstUsable возвращает первый пригодный адрес (адрес сети + 1).
// ok == false, если пригодных адресов нет.
func FirstUsable(p netip.Prefix) (netip.Addr, bool) {
	if UsableCount(p) == 0 {
		return netip.Addr{}, false
	}
	return fromUint32(toUint32(p.Masked().Addr()) + 1), true
}

// LastUsable возвращает последний пригодный адрес (broadcast - 1).
func LastUsable(p netip.Prefix) (netip.Addr, bool) {
	if UsableCount(p) == 0 {
		return netip.Addr{}, false
	}
	return fromUint32(broadcast(p) - 1), true
}

// IsUsable сообщает, является ли адрес пригодным адресом подсети.
func IsUsable(p netip.Prefix, addr netip.Addr) bool {
	if !addr.Is4() || !p.Contains(addr) || UsableCount(p) == 0 {
		return false
	}
	v := toUint32(addr)
	return v != toUint32(p.Masked().Addr()) && v != broadcast(p)
}

// LowestFree возвращает наименьший пригодный адрес, не входящий в used.
// used должен быть отсортирован по возрастанию; адреса вне подсети
// игнорируются. ok == false, если подсеть исчерпана.
func LowestFree(p netip.Prefix, used []netip.Addr) (netip.Addr, bool) {
	free := Free(p, used, 1)
	if len(free) == 0 {
		return netip.Addr{}, false
	}
	return free[0], true
}

// Free возвращает до limit свободных пригодных адресов по возрастанию.
// limit <= 0 — без ограничения. used должен быть отсортирован по возрастанию.
func Free(p netip.Prefix, used []netip.Addr, limit int) []netip.Addr {
	first, ok := FirstUsable(p)
	if !ok {
		return nil
	}
	last, _ := LastUsable(p)

	lo, hi := toUint32(first), toUint32(last)
	var result []netip.Addr

	cand := lo
	i := 0
	for {
		// Пропускаем занятые адреса ниже кандидата
		for i < len(used) && toUint32(used[i]) < cand {
			i++
		}
		if i < len(used) && toUint32(used[i]) == cand {
			if cand == hi {
				break
			}
			cand++
			i++
			continue
		}

		result = append(result, fromUint32(cand))
		if (limit > 0 && len(result) >= limit) || cand == hi {
			break
		}
		cand++
	}
	return result
}

func broadcast(p netip.Prefix) uint32 {
	return toUint32(p.Masked().Addr()) | ^uint32(0)>>p.Bits()
}

func toUint32(a netip.Addr) uint32 {
	b := a.Unmap().As4()
	return binary.BigEndian.Uint32(b[:])
}

func fromUint32(v uint32) netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return netip.AddrFrom4(b)
}
