// Package idgen generates entity identifiers and transaction references.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
)

// New returns a random UUIDv4 string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by 24 random hex chars, e.g. "txn_", "case_".
func WithPrefix(prefix string) string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}

// Reference returns a human-quotable unique transaction reference of the
// form TXN-YYYYMMDD-XXXXXXXXXXXX. The random part carries 48 bits.
func Reference(at time.Time) string {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return "TXN-" + at.UTC().Format("20060102") + "-" + strings.ToUpper(hex.EncodeToString(b))
}
