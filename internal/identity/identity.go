package identity

import (
	"net/netip"
	"strings"

	"go.uber.org/zap"
)

// NormalizeIP returns the canonical string form of an IPv4 or IPv6 address.
// IPv4-mapped IPv6 addresses are unmapped. Unparseable input is returned
// unchanged and a warning is logged.
func NormalizeIP(s string) string {
	raw := strings.TrimSpace(s)
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		zap.L().Warn("invalid IP address, using as-is",
			zap.String("ip", s),
			zap.Error(err),
		)
		return s
	}
	return addr.Unmap().String()
}

// SameIP compares two addresses on their normalized forms.
func SameIP(a, b string) bool {
	return NormalizeIP(a) == NormalizeIP(b)
}

// NormalizeMAC strips ':', '-' and '.' separators, lower-cases and formats
// the address as aa:bb:cc:dd:ee:ff. It reports false unless exactly 12 hex
// digits remain.
func NormalizeMAC(s string) (string, bool) {
	if s == "" {
		return "", false
	}
	clean := strings.NewReplacer(":", "", "-", "", ".", "").Replace(strings.ToLower(strings.TrimSpace(s)))
	if len(clean) != 12 {
		return "", false
	}
	for _, c := range clean {
		if !isHex(c) {
			return "", false
		}
	}

	var b strings.Builder
	b.Grow(17)
	for i := 0; i < 12; i += 2 {
		if i > 0 {
			b.WriteByte(':')
		}
		b.WriteString(clean[i : i+2])
	}
	return b.String(), true
}

// NormalizeMACPtr is NormalizeMAC for optional values; nil or invalid input yields nil.
func NormalizeMACPtr(s *string) *string {
	if s == nil {
		return nil
	}
	mac, ok := NormalizeMAC(*s)
	if !ok {
		return nil
	}
	return &mac
}

func isHex(c rune) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')
}
