package id

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultPrefix is used when no reference prefix is configured.
const DefaultPrefix = "MKT"

// New returns a random record id.
func New() string {
	return uuid.NewString()
}

// FormatReference returns a human reference like "MKT-20250115-3f2a9c1b-01".
// The token identifies the originating cart or request; seq is 1-based.
func FormatReference(prefix string, date time.Time, token string, seq int) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return fmt.Sprintf("%s-%s-%s-%02d", prefix, date.UTC().Format("20060102"), shortToken(token), seq)
}

// ParseReference splits a reference into its parts.
func ParseReference(ref string) (prefix string, date time.Time, token string, seq int, err error) {
	parts := strings.Split(ref, "-")
	if len(parts) != 4 {
		return "", time.Time{}, "", 0, fmt.Errorf("invalid reference format: %q", ref)
	}

	date, err = time.Parse("20060102", parts[1])
	if err != nil {
		return "", time.Time{}, "", 0, fmt.Errorf("invalid date in reference %q: %w", ref, err)
	}

	seq, err = strconv.Atoi(parts[3])
	if err != nil {
		return "", time.Time{}, "", 0, fmt.Errorf("invalid sequence in reference %q: %w", ref, err)
	}

	return parts[0], date, parts[2], seq, nil
}

// LineKey is the idempotency root of line seq of cartID paid by buyerID. It
// keeps the full cart id, which the display reference shortens.
func LineKey(cartID, buyerID string, seq int) string {
	return fmt.Sprintf("cart:%s:%s:%d", cartID, buyerID, seq)
}

// IdempotencyKey derives the store dedup key for one record of root.
// "cart:3f2a9c1b-...:buyer:1" + SALE -> "cart:3f2a9c1b-...:buyer:1:sale"
func IdempotencyKey(root, role string) string {
	return root + ":" + strings.ToLower(role)
}

// shortToken keeps the first 8 alphanumerics of a token, lowercased.
func shortToken(token string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(token) {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			b.WriteRune(r)
			if b.Len() == 8 {
				break
			}
		}
	}
	if b.Len() == 0 {
		return "00000000"
	}
	return b.String()
}
