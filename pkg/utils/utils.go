package utils

import (
	"net"
	"net/netip"
)

type Number interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~float32 | ~float64
}

// SetDefaultNum sets *p to d if *p is zero or negative.
func SetDefaultNum[T Number](p *T, d T) {
	if *p <= 0 {
		*p = d
	}
}

// SetDefaultString sets *p to s if *p is empty.
func SetDefaultString(p *string, s string) {
	if len(*p) == 0 {
		*p = s
	}
}

// GetAddrFromAddr returns the netip.Addr of a. It returns an invalid
// netip.Addr if a is not an ip based address.
func GetAddrFromAddr(a net.Addr) netip.Addr {
	switch v := a.(type) {
	case *net.UDPAddr:
		if ip, ok := netip.AddrFromSlice(v.IP); ok {
			return ip.Unmap()
		}
	case *net.TCPAddr:
		if ip, ok := netip.AddrFromSlice(v.IP); ok {
			return ip.Unmap()
		}
	}
	return netip.Addr{}
}
