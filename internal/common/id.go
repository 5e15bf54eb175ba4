package common

import (
	"regexp"

	"github.com/google/uuid"
)

// Scan ids arrive from the outside world and gate filesystem writes, so the
// format check is strict: canonical textual UUID, nothing else.
var scanIDPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// IsValidScanID reports whether s is a canonical UUID string.
func IsValidScanID(s string) bool {
	if !scanIDPattern.MatchString(s) {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}

// NewPageID generates a page row id
func NewPageID() string {
	return uuid.New().String()
}

// NewFindingID generates a finding row id
func NewFindingID() string {
	return uuid.New().String()
}

// NewDLQEntryID generates a dead-letter entry id
func NewDLQEntryID() string {
	return uuid.New().String()
}
