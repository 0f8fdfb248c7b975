// Package sqlguard screens ad-hoc SQL before it reaches a destination.
package sqlguard

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// MaxRows caps the rows returned for an ad-hoc query.
const MaxRows = 1000

// ErrQueryNotAllowed is returned for queries that are not plain reads.
var ErrQueryNotAllowed = errors.New("query not allowed")

// dangerousKeywordPattern matches write and session keywords at word
// boundaries, so "RESET" does not match "SET". Checked after comments are
// stripped and semicolons rejected.
var dangerousKeywordPattern = regexp.MustCompile(
	`(?i)\b(INSERT|UPDATE|DELETE|DROP|CREATE|ALTER|TRUNCATE|COPY|ATTACH|DETACH|LOAD|EXPORT|IMPORT|INSTALL|CALL|EXECUTE|PRAGMA|SET|MERGE|GRANT|REVOKE|VACUUM)\b`,
)

var blockCommentPattern = regexp.MustCompile(`/\*[\s\S]*?\*/`)

func stripComments(query string) string {
	cleaned := blockCommentPattern.ReplaceAllString(query, " ")
	var result strings.Builder
	for _, line := range strings.Split(cleaned, "\n") {
		if idx := strings.Index(line, "--"); idx >= 0 {
			line = line[:idx]
		}
		result.WriteString(line)
		result.WriteByte('\n')
	}
	return result.String()
}

// ValidateReadOnly rejects anything but a single SELECT or WITH statement.
func ValidateReadOnly(query string) error {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return fmt.Errorf("%w: empty query", ErrQueryNotAllowed)
	}
	if strings.Contains(trimmed, ";") {
		return fmt.Errorf("%w: query must not contain semicolons", ErrQueryNotAllowed)
	}
	stripped := strings.TrimSpace(stripComments(trimmed))
	upper := strings.ToUpper(stripped)
	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		return fmt.Errorf("%w: only SELECT/WITH queries are allowed", ErrQueryNotAllowed)
	}
	if match := dangerousKeywordPattern.FindString(stripped); match != "" {
		return fmt.Errorf("%w: disallowed keyword %s", ErrQueryNotAllowed, strings.ToUpper(match))
	}
	return nil
}

// QuoteIdent double-quotes an identifier, doubling embedded quotes.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
