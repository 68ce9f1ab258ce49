// Package shared holds small helpers used across packages.
package shared

import "strings"

// IsSQLiteConflictError reports whether err is a SQLite concurrency failure
// (SQLITE_BUSY or "database is locked") that warrants a retry. The driver
// surfaces these as plain errors, so matching on the message is the only
// handle we have.
func IsSQLiteConflictError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
