package device

import (
	"strings"

	"github.com/google/uuid"
)

// bluetoothBaseSuffix is the tail of the Bluetooth SIG base UUID 0000xxxx-0000-1000-8000-00805f9b34fb
const bluetoothBaseSuffix = "-0000-1000-8000-00805f9b34fb"

// NormalizeUUID converts a UUID string to the canonical lowercase dashed 128-bit form.
// Accepts dashed or undashed 128-bit UUIDs and 16/32-bit SIG short forms with or without
// a 0x prefix; short forms are expanded over the Bluetooth base UUID.
// Returns an empty string if the input is not a UUID.
func NormalizeUUID(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "0x")

	switch len(s) {
	case 4:
		s = "0000" + s + bluetoothBaseSuffix
	case 8:
		s = s + bluetoothBaseSuffix
	}

	u, err := uuid.Parse(s)
	if err != nil {
		return ""
	}
	return u.String()
}

// SameUUID reports whether two UUID strings denote the same identifier
func SameUUID(a, b string) bool {
	na := NormalizeUUID(a)
	return na != "" && na == NormalizeUUID(b)
}

// ShortenUUID returns a display form: the 16-bit short form for SIG base UUIDs,
// the first eight characters otherwise.
func ShortenUUID(s string) string {
	n := NormalizeUUID(s)
	if n == "" {
		return s
	}
	if strings.HasPrefix(n, "0000") && strings.HasSuffix(n, bluetoothBaseSuffix) {
		return n[4:8]
	}
	return n[:8]
}
