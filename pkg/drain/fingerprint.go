package drain

import (
	"fmt"
	"regexp"
	"strings"
)

// maxFingerprintErrorLen truncates the normalized error text embedded in a
// fingerprint, keeping the per-fingerprint key bounded (spec.md §4.13).
const maxFingerprintErrorLen = 200

var (
	timestampPattern = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:?\d{2})?`)
	pathPattern      = regexp.MustCompile(`(/[\w.\-]+){2,}`)
	addressPattern   = regexp.MustCompile(`0x[0-9a-fA-F]+`)
	uuidPattern      = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)
	lineNumPattern   = regexp.MustCompile(`:\d+(:\d+)?\b`)
	numberPattern    = regexp.MustCompile(`\b\d+\b`)
)

// normalizeError replaces timestamps, paths, memory addresses, UUIDs,
// line:col references, and bare numbers with stable tokens so two
// occurrences of the same underlying failure collapse onto one
// fingerprint even when their incidental details differ.
func normalizeError(msg string) string {
	out := timestampPattern.ReplaceAllString(msg, "<TS>")
	out = addressPattern.ReplaceAllString(out, "<ADDR>")
	out = uuidPattern.ReplaceAllString(out, "<ID>")
	out = pathPattern.ReplaceAllString(out, "<PATH>")
	out = lineNumPattern.ReplaceAllString(out, ":<LINE>")
	out = numberPattern.ReplaceAllString(out, "<NUM>")
	out = strings.TrimSpace(out)
	if len(out) > maxFingerprintErrorLen {
		out = out[:maxFingerprintErrorLen]
	}
	return out
}

// rcBucket groups return codes into a small set of stable buckets instead
// of fingerprinting on the exact code, so e.g. every nonzero exit under
// 128 collapses together rather than fragmenting the fingerprint space.
func rcBucket(rc int) string {
	switch {
	case rc == 0:
		return "0"
	case rc > 0 && rc < 128:
		return "nonzero"
	case rc >= 128:
		return "signal"
	default:
		return "negative"
	}
}

// Fingerprint computes the FAILED|<rc-bucket>|<normalized-error:200>
// dedup key for one failed attempt.
func Fingerprint(rc int, errMsg string) string {
	return fmt.Sprintf("FAILED|%s|%s", rcBucket(rc), normalizeError(errMsg))
}
