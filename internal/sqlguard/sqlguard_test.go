package sqlguard

import (
	"errors"
	"testing"
)

func TestValidateReadOnly(t *testing.T) {
	tests := []struct {
		query string
		ok    bool
	}{
		{"SELECT * FROM users", true},
		{"  with x as (select 1) select * from x", true},
		{"-- comment\nSELECT 1", true},
		{"SELECT * FROM posts WHERE title = 'RESET'", true},
		{"SELECT 1; SELECT 2", false},
		{"DELETE FROM users", false},
		{"/* SELECT */ DROP TABLE users", false},
		{"SELECT * FROM users WHERE id IN (SELECT 1) OR TRUNCATE", false},
		{"select set_bit('1', 0, 1) as b, 1 AS set", false},
		{"", false},
		{"SHOW TABLES", false},
		{"DESCRIBE users", false},
		{"EXPLAIN SELECT 1", false},
	}
	for _, tt := range tests {
		err := ValidateReadOnly(tt.query)
		if tt.ok && err != nil {
			t.Errorf("ValidateReadOnly(%q) = %v, want nil", tt.query, err)
		}
		if !tt.ok && !errors.Is(err, ErrQueryNotAllowed) {
			t.Errorf("ValidateReadOnly(%q) = %v, want ErrQueryNotAllowed", tt.query, err)
		}
	}
}

func TestQuoteIdent(t *testing.T) {
	if got := QuoteIdent(`we"ird`); got != `"we""ird"` {
		t.Fatalf("QuoteIdent = %s", got)
	}
}
