// koban/utils/security.go
package utils

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// PosterIDSecret is a server-wide secret mixed into every derived poster ID.
// Set once at startup from crypto/rand.
var PosterIDSecret string

// NewSecret generates a random hex secret of n bytes.
func NewSecret(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// GetIPAddress extracts the real IP address from a request, trusting proxy headers.
func GetIPAddress(r *http.Request) string {
	if cf := r.Header.Get("CF-Connecting-IP"); cf != "" {
		return cf
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// DerivePosterID computes the pseudonymous per-thread poster ID for an IP.
// It is a pure function of (ip, thread salt, server secret); callers may
// memoize it freely, recomputation always yields the same value.
func DerivePosterID(ip, threadSalt string) string {
	input := fmt.Sprintf("%s-%s-%s", ip, threadSalt, PosterIDSecret)
	hash := sha256.Sum256([]byte(input))
	return hex.EncodeToString(hash[:4])
}
