package resolver

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ParseAddress converts a dotted quad into its 32-bit unsigned value.
// Each of the four octets must be a decimal number in 0..255.
func ParseAddress(ipv4 string) (uint32, error) {
	octets := strings.Split(strings.TrimSpace(ipv4), ".")
	if len(octets) != 4 {
		return 0, errors.Wrapf(ErrInvalidAddress, "%q", ipv4)
	}

	var ip uint32
	for _, v := range octets {
		if v == "" || len(v) > 3 {
			return 0, errors.Wrapf(ErrInvalidAddress, "%q", ipv4)
		}
		b, err := strconv.ParseUint(v, 10, 8)
		if err != nil {
			return 0, errors.Wrapf(ErrInvalidAddress, "%q: octet %s", ipv4, v)
		}
		ip = ip<<8 | uint32(b)
	}

	return ip, nil
}

// FormatAddress renders ip in dotted quad notation.
func FormatAddress(ip uint32) string {
	return fmt.Sprintf(
		"%d.%d.%d.%d",
		ip>>24,
		(ip&0x00FFFFFF)>>16,
		(ip&0x0000FFFF)>>8,
		ip&0x000000FF,
	)
}

func toAddr(ip uint32) netip.Addr {
	return netip.AddrFrom4([4]byte{byte(ip >> 24), byte(ip >> 16), byte(ip >> 8), byte(ip)})
}

func fromAddr(a netip.Addr) uint32 {
	b := a.As4()
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
