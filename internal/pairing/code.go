// Package pairing implements code-based pairing between apps and runners:
// short-lived pairing codes, durable pairing sessions, runner liveness,
// sliding-window rate limiting of failed attempts, and a capped per-runner
// pairing history. All state lives in the shared store so it survives
// broker restarts.
package pairing

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"
)

const codeCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

var codeRE = regexp.MustCompile(`^[A-Z0-9]{3}-[A-Z0-9]{3}-[A-Z0-9]{3}$`)

// GenerateCode returns a pairing code of the form XXX-XXX-XXX, each
// character uniform over A-Z and 0-9.
func GenerateCode() (string, error) {
	code := make([]byte, 0, 11)
	for i := 0; i < 9; i++ {
		if i == 3 || i == 6 {
			code = append(code, '-')
		}
		idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(codeCharset))))
		if err != nil {
			return "", fmt.Errorf("read random: %w", err)
		}
		code = append(code, codeCharset[idx.Int64()])
	}
	return string(code), nil
}

// ValidCodeFormat reports whether s looks like a pairing code. Matching is
// strict: lowercase input is rejected, not normalized.
func ValidCodeFormat(s string) bool {
	return codeRE.MatchString(s)
}
