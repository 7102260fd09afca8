// Package util provides utility functions for the Easy Islanders application.
package util

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"time"
)

// GenerateRandomID generates a random ID with the specified prefix and hex length.
// The returned ID will be in the format: "{prefix}{hex_string}".
// Uses math/rand/v2 for optimal performance with modern best practices.
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex generates a random hexadecimal string of the specified length.
// Uses math/rand/v2 with optimal entropy utilization for non-cryptographic purposes.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}

	const hexChars = "0123456789abcdef"
	var builder strings.Builder
	builder.Grow(length) // Pre-allocate capacity for efficiency

	for i := 0; i < length; i++ {
		builder.WriteByte(hexChars[rand.IntN(16)])
	}

	return builder.String()
}

// GenerateJobID generates a unique job ID with "job_" prefix.
func GenerateJobID() string {
	return GenerateRandomID("job_", 32)
}

// GenerateOutboxID generates a unique outbox entry ID with "outbox_" prefix.
func GenerateOutboxID() string {
	return GenerateRandomID("outbox_", 32)
}

// GenerateTraceID generates a unique trace ID with "trace_" prefix for
// correlating a dispatch across the ledger, provider calls, and webhooks.
func GenerateTraceID() string {
	return GenerateRandomID("trace_", 32)
}

// GenerateAttemptID generates an attempt ID that sorts after every attempt ID
// generated earlier on the same clock. The nanosecond timestamp carries the
// ordering; the hex suffix disambiguates attempts created in the same tick.
func GenerateAttemptID() string {
	return fmt.Sprintf("attempt_%020d_%s", time.Now().UnixNano(), GenerateRandomHex(8))
}
