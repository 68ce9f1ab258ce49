package shared

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsSQLiteConflictError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"busy", errors.New("SQLITE_BUSY: database table is locked"), true},
		{"locked", errors.New("database is locked (5)"), true},
		{"wrapped busy", fmt.Errorf("cleanup sessions: %w", errors.New("SQLITE_BUSY")), true},
		{"constraint violation", errors.New("UNIQUE constraint failed: sessions.session_id"), false},
		{"unrelated", errors.New("no such table: turns"), false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := IsSQLiteConflictError(tt.err); got != tt.want {
				t.Fatalf("IsSQLiteConflictError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
