package domain

import "strings"

const (
	UserServer  = "s.whatsapp.net"
	GroupServer = "g.us"
)

// FormatAddress turns a phone number or an already formatted address into
// the canonical protocol address. It is idempotent.
func FormatAddress(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasSuffix(raw, "@"+UserServer) || strings.HasSuffix(raw, "@"+GroupServer) {
		return raw
	}
	digits := digitsOnly(raw)
	if digits == "" {
		return ""
	}
	return digits + "@" + UserServer
}

// NormalizePhone reduces an address or phone number to its bare numeric
// identifier, dropping the server and any device suffix.
func NormalizePhone(addr string) string {
	addr = strings.TrimSpace(addr)
	if at := strings.IndexByte(addr, '@'); at >= 0 {
		addr = addr[:at]
	}
	if colon := strings.IndexByte(addr, ':'); colon >= 0 {
		addr = addr[:colon]
	}
	return digitsOnly(addr)
}

// IsGroupAddress reports whether addr names a group chat.
func IsGroupAddress(addr string) bool {
	return strings.HasSuffix(addr, "@"+GroupServer)
}

func digitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
