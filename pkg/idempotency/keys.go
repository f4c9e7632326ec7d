// Package idempotency provides deterministic dedupe keys for derived drug
// events and an Inbox for exactly-once handling of derivation commands.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// EventKey derives the dedupe key for a drug event from the fields that make
// it a distinct fact: person, drug concept, reason, occurrence date and event
// type. Re-evaluating a trigger over an overlapping observation range yields
// identical keys, so the event store can drop the duplicates on insert.
func EventKey(personID, conceptID, reasonID int64, dateOccurred time.Time, eventType string) string {
	parts := []string{
		fmt.Sprintf("%d", personID),
		fmt.Sprintf("%d", conceptID),
		fmt.Sprintf("%d", reasonID),
		dateOccurred.UTC().Format(time.RFC3339),
		eventType,
	}
	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:])
}

// CommandKey derives the idempotency key for a derivation command message so
// redelivered commands are processed at most once per issued job.
func CommandKey(commandID, kind string) string {
	hash := sha256.Sum256([]byte(commandID + "|" + kind))
	return hex.EncodeToString(hash[:])
}
