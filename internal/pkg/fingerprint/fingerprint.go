// Package fingerprint derives the device identifier a session is bound to.
package fingerprint

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"strings"
)

// Hasher computes salted device fingerprints. The zero value is usable but
// unsalted; production wiring always passes FINGERPRINT_SALT.
type Hasher struct {
	salt []byte
}

func New(salt string) *Hasher {
	return &Hasher{salt: []byte(salt)}
}

// Fingerprint returns hex(HMAC-SHA256(salt, ip "|" userAgent)) over the
// normalized inputs. It is pure and deterministic.
func (h *Hasher) Fingerprint(ip, userAgent string) string {
	mac := hmac.New(sha256.New, h.salt)
	mac.Write([]byte(NormalizeIP(ip)))
	mac.Write([]byte{'|'})
	mac.Write([]byte(NormalizeUserAgent(userAgent)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Equal compares two fingerprints in constant time.
func Equal(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}

// NormalizeIP strips ports and zone ids and canonicalizes the textual form,
// so "::ffff:10.0.0.1" and "10.0.0.1:443" hash like "10.0.0.1".
func NormalizeIP(ip string) string {
	ip = strings.TrimSpace(ip)
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	if i := strings.IndexByte(ip, '%'); i >= 0 {
		ip = ip[:i]
	}
	ip = strings.Trim(ip, "[]")
	if parsed := net.ParseIP(ip); parsed != nil {
		if v4 := parsed.To4(); v4 != nil {
			return v4.String()
		}
		return parsed.String()
	}
	return strings.ToLower(ip)
}

// NormalizeUserAgent trims and collapses whitespace.
func NormalizeUserAgent(ua string) string {
	return strings.Join(strings.Fields(ua), " ")
}

// Redact returns a short stable prefix of SHA-256(secret) for logs.
func Redact(secret string) string {
	if secret == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:4])
}
